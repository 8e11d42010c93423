// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samplers

import (
	"iter"
	"math"

	"github.com/pkg/errors"
)

// ReplaySampler makes any IndexSource resumable: at construction it drains
// the source once into a frozen, flat list of indices and then replays that
// list in batches of batchSize, tracking a cursor of how many samples were
// already handed out.
//
// StateDict exports the frozen list and the cursor; a sampler restored with
// LoadStateDict replays exactly the remaining batches. Once a pass started
// from a stored list, every later pass drains the source afresh -- so a
// source that reshuffles per epoch produces a new order per pass.
type ReplaySampler struct {
	source      IndexSource
	epochSetter EpochSetter // source's optional capability, captured once
	batchSize   int
	dropLast    bool

	indexList        indexList
	dataIdx          int
	needReinitialize bool
}

// NewReplay wraps source in a ReplaySampler, eagerly draining it once.
func NewReplay(source IndexSource, batchSize int, dropLast bool) (*ReplaySampler, error) {
	if source == nil {
		return nil, errors.Errorf("NewReplay: source must not be nil")
	}
	if batchSize < 1 {
		return nil, errors.Errorf("NewReplay: batchSize must be >= 1, got %d", batchSize)
	}
	r := &ReplaySampler{
		source:    source,
		batchSize: batchSize,
		dropLast:  dropLast,
	}
	r.epochSetter, _ = source.(EpochSetter)
	r.indexList = drainSource(source)
	return r, nil
}

// drainSource runs the source once, flattening everything it yields.
func drainSource(source IndexSource) indexList {
	var flat []int
	for batch := range source.Batches() {
		flat = append(flat, batch...)
	}
	return newIndexList(flat)
}

// Batches replays the frozen order in batches of batchSize, starting from
// where the restored pass stopped, or from zero.
//
// The cursor advances as batches are delivered: a State exported between two
// batches resumes right after the last one. Abandoning the iterator freezes
// the cursor; the next Batches call drains the source afresh and starts
// over.
func (r *ReplaySampler) Batches() iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		if r.needReinitialize {
			r.indexList = drainSource(r.source)
			r.dataIdx = 0
		} else {
			r.needReinitialize = true
		}

		n := r.indexList.Len()
		batch := make([]int, 0, r.batchSize)
		for i := r.dataIdx; i < n; i++ {
			batch = append(batch, r.indexList.At(i))
			if len(batch) == r.batchSize {
				r.dataIdx += r.batchSize
				if !yield(batch) {
					return
				}
				batch = make([]int, 0, r.batchSize)
			}
		}
		if len(batch) > 0 {
			// The cursor covers a trailing partial batch even when it is
			// dropped, so a completed pass always ends at the list's end.
			r.dataIdx += len(batch)
			if !r.dropLast {
				yield(batch)
			}
		}
	}
}

// NumBatches returns how many batches one full pass over the frozen order
// yields.
func (r *ReplaySampler) NumBatches() int {
	n := r.indexList.Len()
	if r.dropLast {
		return n / r.batchSize
	}
	return (n + r.batchSize - 1) / r.batchSize
}

// BatchIdxInEpoch returns how many batches the current pass already
// delivered, derived from the cursor.
func (r *ReplaySampler) BatchIdxInEpoch() int {
	n := r.indexList.Len()
	left := n - r.dataIdx
	if r.dropLast {
		return n/r.batchSize - left/r.batchSize
	}
	return (n+r.batchSize-1)/r.batchSize - (left+r.batchSize-1)/r.batchSize
}

// StateDict exports the frozen order and the cursor. It never fails for
// this sampler type; the error return is part of the BatchSampler contract.
func (r *ReplaySampler) StateDict() (*State, error) {
	return &State{
		SamplerType: replaySamplerType,
		IndexList:   r.indexList.ToSlice(),
		DataIdx:     r.dataIdx,
	}, nil
}

// LoadStateDict restores a position exported by another ReplaySampler over
// the same dataset. The next pass replays the remaining indices instead of
// draining the source.
func (r *ReplaySampler) LoadStateDict(state *State) error {
	if state.SamplerType != replaySamplerType {
		return errors.Errorf("cannot load state of sampler type %q into a ReplaySampler", state.SamplerType)
	}
	if len(state.IndexList) != r.indexList.Len() {
		return errors.Errorf(
			"number of samples differs between the checkpoint (%d) and the current source (%d)",
			len(state.IndexList), r.indexList.Len())
	}
	if state.DataIdx < 0 || state.DataIdx > len(state.IndexList) {
		return errors.Errorf("checkpoint cursor %d out of range for %d samples",
			state.DataIdx, len(state.IndexList))
	}
	r.indexList = newIndexList(state.IndexList)
	r.dataIdx = state.DataIdx
	r.needReinitialize = false
	return nil
}

// SetDistributed always fails: a ReplaySampler replays a frozen order and
// cannot shard it. Shard the wrapped source, or use BucketedBatchSampler.
func (r *ReplaySampler) SetDistributed(numReplicas, rank int, pad bool) error {
	return errors.Errorf("ReplaySampler does not support switching to distributed sampling")
}

// SetEpoch forwards to the wrapped source when it reshuffles per epoch
// (implements EpochSetter); otherwise it is a no-op.
func (r *ReplaySampler) SetEpoch(epoch int) {
	if r.epochSetter != nil {
		r.epochSetter.SetEpoch(epoch)
	}
}

// indexList stores a frozen sample order compactly: 32-bit entries when both
// the count and every value fit, 64-bit entries otherwise. Halving the
// footprint matters when the order covers datasets with billions of samples.
type indexList struct {
	small []uint32
	wide  []int64
}

func newIndexList(indices []int) indexList {
	fits32 := uint64(len(indices)) <= math.MaxUint32
	if fits32 {
		for _, idx := range indices {
			if idx < 0 || uint64(idx) > math.MaxUint32 {
				fits32 = false
				break
			}
		}
	}
	if !fits32 {
		wide := make([]int64, len(indices))
		for i, idx := range indices {
			wide[i] = int64(idx)
		}
		return indexList{wide: wide}
	}
	small := make([]uint32, len(indices))
	for i, idx := range indices {
		small[i] = uint32(idx)
	}
	return indexList{small: small}
}

func (l indexList) Len() int {
	if l.wide != nil {
		return len(l.wide)
	}
	return len(l.small)
}

func (l indexList) At(i int) int {
	if l.wide != nil {
		return int(l.wide[i])
	}
	return int(l.small[i])
}

// ToSlice expands the list back to plain ints.
func (l indexList) ToSlice() []int {
	out := make([]int, l.Len())
	for i := range out {
		out[i] = l.At(i)
	}
	return out
}
