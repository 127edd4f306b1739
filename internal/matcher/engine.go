// SPDX-License-Identifier: MIT

package matcher

import (
	"sync"
	"time"
)

// Engine is the stateful fuzzy matcher owned by the session controller: it
// holds the active page's compact index and the cursor (recognized_char_count,
// match_start, pending anchor jump) and applies §4.4's matching policy on
// each incoming hypothesis.
//
// Engine itself does not enforce single-writer access; the session
// controller is responsible for calling Update/JumpTo from its single
// serialization context (§5).
type Engine struct {
	mu sync.Mutex

	page        string
	compactIdx  *CompactIndex
	compactPage []rune

	backendKind BackendKind

	recognizedCharCount int
	matchStart          int
	pending             *PendingAnchorJump

	now func() time.Time
}

// NewEngine builds the compact index for page and returns a fresh Engine at
// cursor 0 (§3 lifecycle: the compact index is built on start(page)).
func NewEngine(page string, backendKind BackendKind) *Engine {
	idx := BuildCompactIndex(page)
	return &Engine{
		page:        page,
		compactIdx:  idx,
		compactPage: idx.Chars,
		backendKind: backendKind,
		now:         time.Now,
	}
}

// SetClock overrides the engine's time source; used by tests to exercise
// the far-jump debounce window deterministically.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Cursor returns the current recognized_char_count and match_start.
func (e *Engine) Cursor() (recognizedCharCount, matchStart int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recognizedCharCount, e.matchStart
}

// Page returns the active page text.
func (e *Engine) Page() string {
	return e.page
}

// JumpTo implements §4.4.5's jump_to: set recognized_char_count =
// match_start = charOffset, clear pending anchor jump. Generation bumping
// and recognition restart are the session controller's responsibility.
func (e *Engine) JumpTo(charOffset int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if charOffset < 0 {
		charOffset = 0
	}
	if charOffset > len([]rune(e.page)) {
		charOffset = len([]rune(e.page))
	}

	e.recognizedCharCount = charOffset
	e.matchStart = charOffset
	e.pending = nil
}

// Update runs the matcher against a new hypothesis and returns the new
// cursor state.
func (e *Engine) Update(hypothesis string) Update {
	e.mu.Lock()
	defer e.mu.Unlock()

	pageRunes := []rune(e.page)
	tail := string(pageRunes[clampInt(e.matchStart, 0, len(pageRunes)):])

	charResult := charLevelMatch(tail, hypothesis)
	wordResult := wordLevelMatch(tail, hypothesis)
	baseAdvance := charResult.ConfirmedRunes
	if wordResult.ConfirmedRunes > baseAdvance {
		baseAdvance = wordResult.ConfirmedRunes
	}
	baseProposal := e.matchStart + baseAdvance

	farJumpCommitted := false

	switch e.backendKind {
	case Cumulative:
		if baseProposal > e.recognizedCharCount {
			e.recognizedCharCount = baseProposal
		}

	case Segment:
		compactHyp := CompactOf(hypothesis)
		qLen := len(compactHyp)

		ceiling := segmentCeiling(qLen)
		cappedProposal := e.recognizedCharCount + ceiling
		if baseProposal > cappedProposal {
			baseProposal = cappedProposal
		}
		if baseProposal > e.recognizedCharCount {
			e.recognizedCharCount = baseProposal
		}

		if qLen >= 4 && qLen <= e.compactIdx.Len() {
			if anchorEnd, ok := e.runAnchorSearch(compactHyp, qLen); ok {
				isFar := e.isFarJump(anchorEnd, qLen)
				if e.applyAnchor(anchorEnd, qLen) {
					farJumpCommitted = isFar
					if anchorEnd > e.recognizedCharCount {
						e.recognizedCharCount = anchorEnd
					}
				}
			}
		}

		if e.pending != nil && e.now().Sub(e.pending.Timestamp) > farJumpDebounceWindow {
			e.pending = nil
		}

		e.matchStart = clampInt(e.recognizedCharCount-24, 0, e.recognizedCharCount)
	}

	return Update{
		RecognizedCharCount: e.recognizedCharCount,
		MatchStart:          e.matchStart,
		FarJumpCommitted:    farJumpCommitted,
	}
}

// segmentCeiling is §4.4.4's cap: max(28, min(180, compact_hypothesis_len*7)).
func segmentCeiling(compactHypLen int) int {
	v := compactHypLen * 7
	if v > 180 {
		v = 180
	}
	if v < 28 {
		v = 28
	}
	return v
}

func (e *Engine) isFarJump(target, qLen int) bool {
	return target-e.recognizedCharCount > farJumpThreshold(qLen)
}

// runAnchorSearch implements §4.4.2 steps A-D and returns the winning
// anchor's original-text end offset, if any.
func (e *Engine) runAnchorSearch(compactHyp []rune, qLen int) (int, bool) {
	amb := classifyAmbiguity(e.compactPage, compactHyp, e.recognizedCharCount, e.compactIdx)

	if qLen >= 6 {
		if end, ok := exactGlobalMatch(e.compactPage, compactHyp, e.recognizedCharCount, e.compactIdx, amb); ok {
			return end, true
		}
	}

	candidates := fuzzyAnchor(e.compactPage, compactHyp, e.recognizedCharCount, e.compactIdx, amb)
	return pickAnchor(candidates, amb, qLen)
}

// applyAnchor implements §4.4.3's far-jump debounce: non-far jumps commit
// immediately; far jumps require 2 agreeing observations within 1.8s.
func (e *Engine) applyAnchor(target, qLen int) bool {
	if !e.isFarJump(target, qLen) {
		e.pending = nil
		return true
	}

	now := e.now()
	tolerance := farJumpAgreementTolerance(qLen)

	if e.pending != nil && absInt(e.pending.Target-target) <= tolerance && now.Sub(e.pending.Timestamp) <= farJumpDebounceWindow {
		e.pending.Hits++
		e.pending.Timestamp = now
	} else {
		e.pending = &PendingAnchorJump{Target: target, Hits: 1, Timestamp: now}
	}

	if e.pending.Hits >= 2 {
		e.pending = nil
		return true
	}
	return false
}

// farJumpAgreementTolerance is §4.4.3's target-agreement window:
// max(60, |q|*6).
func farJumpAgreementTolerance(qLen int) int {
	v := qLen * 6
	if v < 60 {
		v = 60
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
