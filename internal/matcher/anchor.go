// SPDX-License-Identifier: MIT

package matcher

import "sort"

// ambiguity captures the §4.4.2 Step A classification.
type ambiguity struct {
	priorExact           bool
	priorSeed            bool
	forwardDuplicateSeed bool
}

func (a ambiguity) preferNearest() bool { return a.priorExact || a.priorSeed || a.forwardDuplicateSeed }
func (a ambiguity) allowFarJump() bool  { return !a.preferNearest() }

// minSeedLen/maxSeedLen bound the prefix-seed used for ambiguity
// classification (§4.4.2 Step A).
const (
	minSeedLen = 4
	maxSeedLen = 6
)

// classifyAmbiguity implements Step A.
func classifyAmbiguity(compactScript, q []rune, recognizedCharCount int, idx *CompactIndex) ambiguity {
	var a ambiguity

	if len(q) >= minSeedLen {
		if occ := findAllOccurrences(compactScript, q); len(occ) > 0 {
			for _, start := range occ {
				end := idx.OriginalEndOffset(start + len(q) - 1)
				if end < recognizedCharCount {
					a.priorExact = true
					break
				}
			}
		}
	}

	seedLen := maxSeedLen
	if len(q) < seedLen {
		seedLen = len(q)
	}
	if seedLen >= minSeedLen {
		seed := q[:seedLen]
		occ := findAllOccurrences(compactScript, seed)
		forwardCount := 0
		for _, start := range occ {
			end := idx.OriginalEndOffset(start + len(seed) - 1)
			if end < recognizedCharCount {
				a.priorSeed = true
			} else {
				forwardCount++
			}
		}
		if forwardCount >= 2 {
			a.forwardDuplicateSeed = true
		}
	}

	return a
}

// findAllOccurrences returns every starting index of substr within s
// (overlapping occurrences included).
func findAllOccurrences(s, substr []rune) []int {
	if len(substr) == 0 || len(substr) > len(s) {
		return nil
	}
	var out []int
	for i := 0; i+len(substr) <= len(s); i++ {
		if runesEqual(s[i:i+len(substr)], substr) {
			out = append(out, i)
		}
	}
	return out
}

// runesEqual compares two rune slices by value; []rune isn't comparable
// with ==, unlike the string it replaces for compact-index scans.
func runesEqual(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// anchorCandidate is a scored global-anchor candidate.
type anchorCandidate struct {
	EndOffset  int
	Similarity float64
	Distance   int // forward distance from recognizedCharCount, >= 0
}

// localDistanceCap is §4.4.2 Step B's cap: max(70, min(220, |q|*6)).
func localDistanceCap(qLen int) int {
	v := qLen * 6
	if v > 220 {
		v = 220
	}
	if v < 70 {
		v = 70
	}
	return v
}

// exactGlobalMatch implements Step B (only called when len(q) >= 6).
func exactGlobalMatch(compactScript, q []rune, recognizedCharCount int, idx *CompactIndex, a ambiguity) (int, bool) {
	occ := findAllOccurrences(compactScript, q)
	if len(occ) == 0 {
		return 0, false
	}

	cap := localDistanceCap(len(q))
	applyCap := !a.allowFarJump() && !a.preferNearest() // structurally always false; kept for fidelity

	best := -1
	bestDist := -1
	for _, start := range occ {
		end := idx.OriginalEndOffset(start + len(q) - 1)
		if end < recognizedCharCount {
			continue
		}
		dist := end - recognizedCharCount
		if applyCap && dist > cap {
			continue
		}
		if bestDist == -1 || dist < bestDist {
			bestDist = dist
			best = end
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

// similarityThreshold returns the base threshold for Step C by query length,
// lowered when prefer_nearest applies.
func similarityThreshold(qLen int, preferNearest bool) float64 {
	var base float64
	switch {
	case qLen <= 7:
		base = 0.45
	case qLen <= 11:
		base = 0.52
	default:
		base = 0.58
	}
	if preferNearest {
		base -= 0.12
		if base < 0.32 {
			base = 0.32
		}
	}
	return base
}

// farJumpThreshold is shared between §4.4.2 Step C's "strict local limit"
// and §4.4.3's far-jump definition: max(90, min(260, |q|*7)).
func farJumpThreshold(qLen int) int {
	v := qLen * 7
	if v > 260 {
		v = 260
	}
	if v < 90 {
		v = 90
	}
	return v
}

// softJumpLimit is Step C's soft per-length jump limit: unlimited (-1) for
// very long queries.
func softJumpLimit(qLen int) int {
	switch {
	case qLen <= 7:
		return 420
	case qLen <= 11:
		return 700
	case qLen <= 20:
		return 1000
	default:
		return -1
	}
}

// localBiasLimit is Step D Phase 1's local-lock distance limit.
func localBiasLimit(qLen int) int {
	switch {
	case qLen <= 7:
		return 220
	case qLen <= 11:
		return 320
	case qLen <= 20:
		return 450
	default:
		return 600
	}
}

// globalSlack is Step D Phase 2's similarity slack around the best score.
func globalSlack(qLen int) float64 {
	switch {
	case qLen <= 7:
		return 0.02
	case qLen <= 11:
		return 0.05
	default:
		return 0.08
	}
}

// fuzzyAnchor implements Step C.
func fuzzyAnchor(compactScript, q []rune, recognizedCharCount int, idx *CompactIndex, a ambiguity) []anchorCandidate {
	qLen := len(q)
	threshold := similarityThreshold(qLen, a.preferNearest())

	starts := candidateStarts(compactScript, q)
	var candidates []anchorCandidate

	strictLocal := farJumpThreshold(qLen)
	softLimit := softJumpLimit(qLen)

	for _, start := range starts {
		if start+qLen > len(compactScript) {
			continue
		}
		window := compactScript[start : start+qLen]

		if qLen >= 8 {
			if !cheapPrune(q, window) {
				continue
			}
		}

		sim := similarity(string(q), string(window), qLen)
		if sim < threshold {
			continue
		}

		end := idx.OriginalEndOffset(start + qLen - 1)
		if end < recognizedCharCount {
			continue
		}
		dist := end - recognizedCharCount

		if dist > strictLocal && !a.allowFarJump() && !a.preferNearest() {
			// structurally unreachable (allowFarJump == !preferNearest),
			// kept for fidelity with the spec's literal phrasing.
			continue
		}

		if softLimit >= 0 && dist > softLimit && sim < 0.82 {
			continue
		}

		candidates = append(candidates, anchorCandidate{EndOffset: end, Similarity: sim, Distance: dist})
	}

	return candidates
}

// cheapPrune requires, for queries >= 8 chars, that the 3-char prefix or
// 3-char suffix of q shares at least one character with the window.
func cheapPrune(q, window []rune) bool {
	pre := q[:min(3, len(q))]
	suf := q[len(q)-min(3, len(q)):]
	return sharesChar(pre, window) || sharesChar(suf, window)
}

func sharesChar(a, b []rune) bool {
	set := make(map[rune]struct{}, len(a))
	for _, r := range a {
		set[r] = struct{}{}
	}
	for _, r := range b {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

// candidateStarts implements Step C's candidate-start selection.
func candidateStarts(compactScript, q []rune) []int {
	if len(q) == 0 || len(compactScript) == 0 {
		return nil
	}

	var firstLetter []int
	for i := 0; i < len(compactScript); i++ {
		if compactScript[i] == q[0] {
			firstLetter = append(firstLetter, i)
		}
	}

	starts := firstLetter
	if len(q) > 1 && len(firstLetter) > 240 {
		var narrowed []int
		for _, i := range firstLetter {
			if i+1 < len(compactScript) && compactScript[i+1] == q[1] {
				narrowed = append(narrowed, i)
			}
		}
		starts = narrowed
	}

	if len(starts) == 0 {
		stride := len(q) / 3
		if stride < 1 {
			stride = 1
		}
		for i := 0; i < len(compactScript); i += stride {
			starts = append(starts, i)
		}
	}

	const maxCandidates = 320
	if len(starts) > maxCandidates {
		stride := (len(starts) + maxCandidates - 1) / maxCandidates
		var thinned []int
		for i := 0; i < len(starts); i += stride {
			thinned = append(thinned, starts[i])
		}
		starts = thinned
	}

	return starts
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// pickAnchor implements Step D: choose the winning anchor among the exact
// match (if any) and the fuzzy candidates.
func pickAnchor(candidates []anchorCandidate, a ambiguity, qLen int) (int, bool) {
	if len(candidates) == 0 {
		return 0, false
	}

	if a.preferNearest() {
		sorted := sortedCandidates(candidates)
		return sorted[0].EndOffset, true
	}

	// Phase 1: local lock.
	bestSim := 0.0
	for _, c := range candidates {
		if c.Similarity > bestSim {
			bestSim = c.Similarity
		}
	}
	threshold := similarityThreshold(qLen, false)
	localLimit := localBiasLimit(qLen)
	simFloor := threshold + 0.08
	if v := bestSim - 0.10; v > simFloor {
		simFloor = v
	}

	var local []anchorCandidate
	for _, c := range candidates {
		if c.Distance <= localLimit && c.Similarity >= simFloor {
			local = append(local, c)
		}
	}
	if len(local) > 0 {
		sorted := sortedCandidates(local)
		return sorted[0].EndOffset, true
	}

	if !a.allowFarJump() {
		return 0, false
	}

	// Phase 2: global.
	slack := globalSlack(qLen)
	simFloor2 := threshold
	if v := bestSim - slack; v > simFloor2 {
		simFloor2 = v
	}
	var global []anchorCandidate
	for _, c := range candidates {
		if c.Similarity >= simFloor2 {
			global = append(global, c)
		}
	}
	if len(global) == 0 {
		return 0, false
	}
	sorted := sortedCandidates(global)
	return sorted[0].EndOffset, true
}

// sortedCandidates sorts by (distance asc, similarity desc, end-offset asc)
// without mutating the input.
func sortedCandidates(in []anchorCandidate) []anchorCandidate {
	out := make([]anchorCandidate, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].EndOffset < out[j].EndOffset
	})
	return out
}
