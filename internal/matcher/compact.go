// SPDX-License-Identifier: MIT

// Package matcher implements the fuzzy character/word matcher that decides
// whether, and how far, the read cursor advances through a teleprompter page
// in response to a speech-to-text hypothesis.
//
// The package has no knowledge of audio or backends; it operates purely on
// strings and offsets, which keeps it the most heavily unit- and
// property-tested part of the engine.
package matcher

import "unicode"

// CompactIndex is the derived, letter/digit-only lowercased projection of a
// script page used by the segment-backend global anchor search.
//
// Chars is kept as []rune, not string: the compact scan in anchor.go indexes
// it position-by-position (candidateStarts, the fuzzy-match window slice),
// and a byte-indexed string would silently misalign for any non-ASCII page
// (Chinese script, §12's whole domain) the moment a multi-byte rune appears.
//
// Invariant: len(Chars) == len(ToOriginal); ToOriginal is strictly
// non-decreasing.
type CompactIndex struct {
	Chars      []rune // page filtered to letters/digits, lowercased
	ToOriginal []int  // compact index i -> 1-based end-offset in the original page
}

// BuildCompactIndex builds the compact index for a page exactly once per
// session (the controller calls this on start/jump to a new page).
func BuildCompactIndex(page string) *CompactIndex {
	chars := make([]rune, 0, len(page))
	toOriginal := make([]int, 0, len(page))

	runes := []rune(page)
	for i, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			chars = append(chars, unicode.ToLower(r))
			toOriginal = append(toOriginal, i+1)
		}
	}

	return &CompactIndex{
		Chars:      chars,
		ToOriginal: toOriginal,
	}
}

// Len returns the number of compact characters.
func (c *CompactIndex) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Chars)
}

// OriginalEndOffset maps a compact index i (the i-th compact char, 0-based)
// to the original-text offset just past that character. Returns 0 if i is
// out of range.
func (c *CompactIndex) OriginalEndOffset(i int) int {
	if c == nil || i < 0 || i >= len(c.ToOriginal) {
		return 0
	}
	return c.ToOriginal[i]
}

// CompactOf returns the letter/digit-only lowercase projection of an
// arbitrary string (used for hypotheses, not just pages), as full runes so a
// Han/Kana/Hangul character survives instead of being truncated to its low
// byte.
func CompactOf(s string) []rune {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			out = append(out, unicode.ToLower(r))
		}
	}
	return out
}
