// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets connects samplers to GoMLX training loops.
//
// SampledDataset implements train.Dataset on top of a sampler and a Fetcher:
// per batch, the sampler picks which dataset indices to serve and the
// Fetcher materializes those samples as tensors. Pairing it with a
// BucketedBatchSampler keeps the number of distinct tensor shapes small --
// each new shape JIT-compiles one more computation graph.
//
// PaddedSequences is a ready-made Fetcher for in-memory variable-length
// sequence classification data.
package datasets

import (
	"io"
	"iter"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"

	"github.com/gomlx/samplers/pkg/samplers"
)

// Fetcher materializes sampled examples as tensors.
type Fetcher interface {
	// Len returns the number of samples that can be fetched.
	Len() int

	// FetchBatch returns the inputs and labels tensors for the given sample
	// indices; tensor rows follow the indices' order.
	FetchBatch(indices []int) (inputs, labels []*tensors.Tensor, err error)
}

// SampledDataset is a train.Dataset that yields the batches chosen by a
// sampler, fetched with a Fetcher. Create it with NewSampled.
//
// One pass of the sampler is one epoch: Yield returns io.EOF when the pass
// ends and stays exhausted until Reset.
//
// It is safe for concurrent Yield calls: sampling is serialized, fetching
// runs in parallel.
type SampledDataset struct {
	name    string
	source  samplers.IndexSource
	fetcher Fetcher

	epochSetter samplers.EpochSetter // source's optional capability, captured once

	// mu serializes the iteration state below; fetching happens outside it.
	mu        sync.Mutex
	next      func() ([]int, bool)
	stop      func()
	exhausted bool
}

var _ train.Dataset = (*SampledDataset)(nil)

// NewSampled creates a train.Dataset yielding the batches the source picks,
// materialized by the fetcher. The source is typically a BatchSampler, but
// any IndexSource works.
func NewSampled(name string, source samplers.IndexSource, fetcher Fetcher) *SampledDataset {
	ds := &SampledDataset{
		name:    name,
		source:  source,
		fetcher: fetcher,
	}
	ds.epochSetter, _ = source.(samplers.EpochSetter)
	return ds
}

// Name implements train.Dataset.
func (ds *SampledDataset) Name() string { return ds.name }

// SetEpoch forwards the epoch number to the source when it shuffles per
// epoch; otherwise it is a no-op. Call it before the epoch's first Yield.
func (ds *SampledDataset) SetEpoch(epoch int) {
	if ds.epochSetter != nil {
		ds.epochSetter.SetEpoch(epoch)
	}
}

// Reset implements train.Dataset: the next Yield starts a fresh pass. A
// pass abandoned mid-way restarts from the beginning, like the samplers do.
func (ds *SampledDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.stop != nil {
		ds.stop()
	}
	ds.next, ds.stop = nil, nil
	ds.exhausted = false
}

// nextBatch pulls the next batch of indices under the lock; the fetch that
// follows runs outside it.
func (ds *SampledDataset) nextBatch() ([]int, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.exhausted {
		return nil, false
	}
	if ds.next == nil {
		ds.next, ds.stop = iter.Pull(ds.source.Batches())
	}
	batch, ok := ds.next()
	if !ok {
		ds.next, ds.stop = nil, nil
		ds.exhausted = true
	}
	return batch, ok
}

// Yield implements train.Dataset. The returned spec is the dataset itself.
func (ds *SampledDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	batch, ok := ds.nextBatch()
	if !ok {
		err = io.EOF
		return
	}
	inputs, labels, err = ds.fetcher.FetchBatch(batch)
	if err != nil {
		err = errors.WithMessagef(err, "dataset %q failed to fetch a batch", ds.name)
		return
	}
	spec = ds
	return
}
