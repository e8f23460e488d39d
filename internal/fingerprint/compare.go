package fingerprint

import (
	"math"
	"math/bits"
)

const (
	matchBits = 14
	matchSize = 1 << matchBits

	// shortOverlap is the aligned length (in hash pairs) below which partial
	// overlaps are penalized
	shortOverlap = 200
)

func matchStrip(h int32) uint32 {
	return uint32(h) >> (32 - matchBits)
}

// Compare scores how similar two fingerprints are, in [0, 1].
//
// The best alignment is the offset most voted for by hashes sharing their
// top 14 bits, limited to ±maxOffset items (0 means unlimited). The aligned
// overlap is then scored by its bit error rate, scaled by how much of the
// shorter fingerprint it covers. Compare is symmetric and returns 1 for
// identical non-trivial input.
func Compare(a, b []int32, maxOffset int) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	// positions are stored +1 so that zero means "absent"
	aoffsets := make([]int, matchSize)
	boffsets := make([]int, matchSize)
	for i, h := range a {
		aoffsets[matchStrip(h)] = i + 1
	}
	for i, h := range b {
		boffsets[matchStrip(h)] = i + 1
	}

	counts := make([]int, len(a)+len(b)+1)
	topCount, topOffset := 0, 0
	for key := 0; key < matchSize; key++ {
		if aoffsets[key] == 0 || boffsets[key] == 0 {
			continue
		}
		offset := aoffsets[key] - boffsets[key]
		if maxOffset != 0 && (offset < -maxOffset || offset > maxOffset) {
			continue
		}
		counts[offset+len(b)]++
		if counts[offset+len(b)] > topCount {
			topCount = counts[offset+len(b)]
			topOffset = offset
		}
	}

	minSize := min(len(a), len(b)) &^ 1
	if minSize == 0 {
		return 0
	}

	if topOffset < 0 {
		b = b[min(len(b), -topOffset):]
	} else {
		a = a[min(len(a), topOffset):]
	}

	size := min(len(a), len(b)) / 2
	if size == 0 {
		return 0
	}

	bitErrors := 0
	for i := 0; i < 2*size; i++ {
		bitErrors += bits.OnesCount32(uint32(a[i] ^ b[i]))
	}

	coverage := float64(2*size) / float64(minSize)
	score := coverage * (1 - 2*float64(bitErrors)/float64(64*size))
	if size < shortOverlap && coverage < 1 {
		score *= math.Pow(math.Log(float64(size))/math.Log(shortOverlap), 1.5)
	}

	return math.Max(0, math.Min(1, score))
}

const (
	simpleMaxBitError    = 2
	simpleMaxAlignOffset = 120
)

// CompareSimple is the older scorer: for every pair of items with at most 2
// differing bits it votes for their offset, and returns the top vote count
// relative to the shorter fingerprint. Item i of a is paired with items
// [i-120, i+120) of b.
func CompareSimple(a, b []int32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	counts := make([]int, len(a)+len(b)+1)
	for i := range a {
		jBegin := max(0, i-simpleMaxAlignOffset)
		jEnd := min(len(b), i+simpleMaxAlignOffset)
		for j := jBegin; j < jEnd; j++ {
			if bits.OnesCount32(uint32(a[i]^b[j])) <= simpleMaxBitError {
				counts[i-j+len(b)]++
			}
		}
	}

	topCount := 0
	for _, c := range counts {
		topCount = max(topCount, c)
	}
	return float64(topCount) / float64(min(len(a), len(b)))
}
