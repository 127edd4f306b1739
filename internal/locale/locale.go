// SPDX-License-Identifier: MIT

// Package locale resolves the effective speech-recognition locale for the
// platform backend (§4.2) from operator configuration, script content
// hints, system defaults, and the recognizer's own supported-locale set.
package locale

import (
	"strings"
	"unicode"
)

// Config is the subset of §6's settings this package consumes.
type Config struct {
	SpeechLocale string // explicit operator override, e.g. "ja-JP"; empty if unset
	SystemLocale string // OS-reported default locale
}

// Resolve implements §4.2's 4-step locale negotiation against a
// recognizer's supported-locale set:
//  1. if the recognizer supports the preferred locale L exactly, use it;
//  2. else if it supports a locale with the same language code as L, use it;
//  3. else if the script carries a CJK hint H and the recognizer supports a
//     locale in language H, use it;
//  4. else fall back to the recognizer's system locale, then English, then
//     any locale it supports.
//
// If supported is empty (the recognizer exposes no capability list), the
// preference chain (L → CJK hint → system locale → "en-US") is returned
// unnegotiated, matching a recognizer that accepts any locale tag.
func Resolve(cfg Config, pageText string, supported []string) string {
	preferred := cfg.SpeechLocale
	hint := cjkHint(pageText)

	if preferred != "" {
		if supportsExact(supported, preferred) {
			return preferred
		}
		if m := sameLanguage(supported, preferred); m != "" {
			return m
		}
	}

	if hint != "" {
		if m := sameLanguage(supported, hint); m != "" {
			return m
		}
	}

	if cfg.SystemLocale != "" {
		if supportsExact(supported, cfg.SystemLocale) {
			return cfg.SystemLocale
		}
		if m := sameLanguage(supported, cfg.SystemLocale); m != "" {
			return m
		}
	}

	if m := sameLanguage(supported, "en"); m != "" {
		return m
	}
	if len(supported) > 0 {
		return supported[0]
	}

	switch {
	case preferred != "":
		return preferred
	case hint != "":
		return hint
	case cfg.SystemLocale != "":
		return cfg.SystemLocale
	default:
		return "en-US"
	}
}

// languageCode returns the language subtag of a locale tag, e.g. "ja-JP" ->
// "ja".
func languageCode(tag string) string {
	if i := strings.IndexByte(tag, '-'); i >= 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

func supportsExact(supported []string, tag string) bool {
	for _, s := range supported {
		if strings.EqualFold(s, tag) {
			return true
		}
	}
	return false
}

// sameLanguage returns the first supported locale sharing tag's language
// code, or "" if none matches.
func sameLanguage(supported []string, tag string) string {
	code := languageCode(tag)
	for _, s := range supported {
		if languageCode(s) == code {
			return s
		}
	}
	return ""
}

// cjkHint scans pageText for a dominant CJK script and returns a
// representative locale tag, or "" if the text carries no strong hint.
// A script is considered dominant once it accounts for a clear plurality of
// the classified runes; mixed-script pages with no single majority fall
// through to the system default instead of guessing.
func cjkHint(pageText string) string {
	var han, kana, hangul, other int

	for _, r := range pageText {
		switch {
		case isHan(r):
			han++
		case isKana(r):
			kana++
		case isHangul(r):
			hangul++
		case unicode.IsLetter(r):
			other++
		}
	}

	total := han + kana + hangul + other
	if total == 0 {
		return ""
	}

	// Kana takes priority over bare Han: Japanese text mixes kanji (Han)
	// with hiragana/katakana, so any kana presence is a strong Japanese
	// signal even when Han runes outnumber it.
	switch {
	case kana > 0 && kana+han > total/3:
		return "ja-JP"
	case hangul > 0 && hangul > total/3:
		return "ko-KR"
	case han > 0 && han > total/2:
		return "zh-CN"
	default:
		return ""
	}
}

func isHan(r rune) bool {
	return unicode.Is(unicode.Han, r)
}

func isKana(r rune) bool {
	return unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r)
}

func isHangul(r rune) bool {
	return unicode.Is(unicode.Hangul, r)
}
