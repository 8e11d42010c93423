// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samplers

import (
	"iter"

	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// Sequential returns a source enumerating 0, 1, ..., n-1, one index at a
// time.
func Sequential(n int) SourceFunc {
	return func() iter.Seq[[]int] {
		return func(yield func([]int) bool) {
			for i := range n {
				if !yield([]int{i}) {
					return
				}
			}
		}
	}
}

// FromIndices returns a source yielding the given indices one at a time.
func FromIndices(indices []int) SourceFunc {
	return func() iter.Seq[[]int] {
		return func(yield func([]int) bool) {
			for _, idx := range indices {
				if !yield([]int{idx}) {
					return
				}
			}
		}
	}
}

// FromBatches returns a source replaying the given batches as they are.
func FromBatches(batches [][]int) SourceFunc {
	return func() iter.Seq[[]int] {
		return func(yield func([]int) bool) {
			for _, batch := range batches {
				if !yield(batch) {
					return
				}
			}
		}
	}
}

// Shuffled yields a fresh pseudo-random permutation of [0, n) on every pass,
// drawn from seed+epoch: each epoch shuffles differently, and re-running an
// epoch reproduces it exactly. It implements EpochSetter, so samplers
// wrapping it forward SetEpoch.
type Shuffled struct {
	n     int
	seed  int64
	epoch int
}

// NewShuffled creates a Shuffled source over n samples.
func NewShuffled(n int, seed int64) *Shuffled {
	return &Shuffled{n: n, seed: seed}
}

// SetEpoch changes which permutation the next passes draw.
func (s *Shuffled) SetEpoch(epoch int) { s.epoch = epoch }

// Batches implements IndexSource, yielding the permutation one index at a
// time.
func (s *Shuffled) Batches() iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		perm := xslices.Iota(0, s.n)
		shuffle(newRNG(s.seed+int64(s.epoch)), perm)
		for _, idx := range perm {
			if !yield([]int{idx}) {
				return
			}
		}
	}
}
