// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package samplers provides reproducible, checkpoint-resumable batch sampling
// for training loops.
//
// A batch sampler decides which dataset indices compose each mini-batch. The
// two samplers in this package additionally know how to export their exact
// iteration position as a State and restore it later, so a training job can
// be stopped and resumed mid-epoch without repeating or skipping samples:
//
//   - ReplaySampler wraps any IndexSource, freezes one full draw of it and
//     replays fixed-size batches from a cursor.
//   - BucketedBatchSampler sorts samples by length and batches neighbors
//     together so batches need little padding, while still shuffling
//     deterministically per epoch and sharding across replicas.
//
// Both yield batches as range-over-func iterators:
//
//	for batch := range sampler.Batches() {
//		// batch is a []int of dataset indices.
//	}
//
// The checkpoints sub-package persists States to files; the datasets package
// (of this module) connects samplers to GoMLX training loops.
package samplers

import "iter"

// IndexSource enumerates dataset sample indices, one batch at a time.
//
// Everything that produces indices implements it: the built-in sources
// (Sequential, NewShuffled, ...) and the samplers themselves -- which is how
// a ReplaySampler can wrap another sampler.
type IndexSource interface {
	// Batches iterates over batches of dataset indices. The returned
	// iterator is single use; call Batches again for a new pass.
	Batches() iter.Seq[[]int]
}

// SourceFunc adapts a plain function to the IndexSource interface.
type SourceFunc func() iter.Seq[[]int]

// Batches implements IndexSource.
func (f SourceFunc) Batches() iter.Seq[[]int] { return f() }

// EpochSetter is an optional capability of an IndexSource: sources that
// reshuffle per epoch implement it, and wrappers forward the epoch number to
// them.
type EpochSetter interface {
	SetEpoch(epoch int)
}

// HasFieldLengths is an optional capability of structured datasets: it
// reports a per-sample integer length for a named field, which is what
// BucketedFromField buckets on.
type HasFieldLengths interface {
	// Len returns the number of samples in the dataset.
	Len() int

	// FieldLengths returns one length per sample for the given field.
	FieldLengths(field string) ([]int, error)
}

// BatchSampler is the contract shared by ReplaySampler and
// BucketedBatchSampler: batch iteration plus exact-position checkpointing.
type BatchSampler interface {
	IndexSource

	// NumBatches returns how many batches the current pass yields.
	NumBatches() int

	// SetEpoch tells the sampler which epoch is about to run, so shuffling
	// differs across epochs but stays reproducible within one.
	SetEpoch(epoch int)

	// StateDict exports the sampler's exact iteration position.
	StateDict() (*State, error)

	// LoadStateDict restores a position previously exported by StateDict on
	// a sampler of the same type over the same dataset.
	LoadStateDict(state *State) error

	// SetDistributed shards the sampler across numReplicas processes, this
	// one being rank. With pad, short shards repeat a sample so every
	// replica sees the same number of batches; without it, long shards drop
	// their extra sample.
	SetDistributed(numReplicas, rank int, pad bool) error
}

var (
	_ BatchSampler = (*ReplaySampler)(nil)
	_ BatchSampler = (*BucketedBatchSampler)(nil)
	_ IndexSource  = SourceFunc(nil)
	_ IndexSource  = (*Shuffled)(nil)
	_ EpochSetter  = (*Shuffled)(nil)
)
