// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samplers

import (
	"golang.org/x/exp/rand"

	"gonum.org/v1/gonum/mathext/prng"
)

// newRNG returns a deterministic random generator for the given seed: a
// Mersenne-Twister source seeded with abs(seed).
//
// Two generators built from the same seed always produce identical streams,
// on any platform and Go version, which is what reproducible sampling needs.
// There is no stream compatibility with any other implementation.
func newRNG(seed int64) *rand.Rand {
	src := prng.NewMT19937()
	src.Seed(absSeed(seed))
	return rand.New(src)
}

func absSeed(seed int64) uint64 {
	if seed < 0 {
		return uint64(-seed)
	}
	return uint64(seed)
}

// shuffle permutes s in place.
func shuffle(rng *rand.Rand, s []int) {
	rng.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}
