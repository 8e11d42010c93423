// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samplers

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayBatches(t *testing.T) {
	sampler, err := NewReplay(Sequential(10), 3, false)
	require.NoError(t, err)
	require.Equal(t, 4, sampler.NumBatches())
	batches := collectBatches(sampler.Batches())
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}, {6, 7, 8}, {9}}, batches)

	sampler, err = NewReplay(Sequential(10), 3, true)
	require.NoError(t, err)
	require.Equal(t, 3, sampler.NumBatches())
	batches = collectBatches(sampler.Batches())
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}, {6, 7, 8}}, batches)
}

func TestReplayReinitializeLifecycle(t *testing.T) {
	epoch0 := flatten(collectBatches(NewShuffled(20, 3).Batches()))
	epoch7Source := NewShuffled(20, 3)
	epoch7Source.SetEpoch(7)
	epoch7 := flatten(collectBatches(epoch7Source.Batches()))
	require.NotEqual(t, epoch0, epoch7)

	// The source is drained once at construction; the first pass replays
	// that draw even if the epoch changed in between. Only later passes
	// drain afresh.
	sampler, err := NewReplay(NewShuffled(20, 3), 4, false)
	require.NoError(t, err)
	sampler.SetEpoch(7)
	assert.Equal(t, epoch0, flatten(collectBatches(sampler.Batches())))
	assert.Equal(t, epoch7, flatten(collectBatches(sampler.Batches())))
}

func TestReplayResume(t *testing.T) {
	sampler, err := NewReplay(Sequential(10), 3, false)
	require.NoError(t, err)
	assert.Equal(t, 0, sampler.BatchIdxInEpoch())

	consumed := takeBatches(sampler.Batches(), 2)
	require.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}}, consumed)
	assert.Equal(t, 2, sampler.BatchIdxInEpoch())

	state, err := sampler.StateDict()
	require.NoError(t, err)
	assert.Equal(t, 6, state.DataIdx)
	assert.Equal(t, iotaInts(10), state.IndexList)

	blob, err := json.Marshal(state)
	require.NoError(t, err)
	restored := &State{}
	require.NoError(t, json.Unmarshal(blob, restored))
	require.Equal(t, state, restored)

	// The restored sampler replays exactly the missing tail, then goes back
	// to draining its own source on the following pass.
	resumed, err := NewReplay(Sequential(10), 3, false)
	require.NoError(t, err)
	require.NoError(t, resumed.LoadStateDict(restored))
	assert.Equal(t, 2, resumed.BatchIdxInEpoch())
	assert.Equal(t, [][]int{{6, 7, 8}, {9}}, collectBatches(resumed.Batches()))
	assert.Equal(t, 4, resumed.BatchIdxInEpoch())
	assert.Len(t, collectBatches(resumed.Batches()), 4)
}

func TestReplayDropLastCursor(t *testing.T) {
	sampler, err := NewReplay(Sequential(10), 3, true)
	require.NoError(t, err)
	batches := collectBatches(sampler.Batches())
	require.Len(t, batches, 3)

	// The dropped trailing samples still count as handed out, so the cursor
	// ends at the list's end and the pass reads as complete.
	state, err := sampler.StateDict()
	require.NoError(t, err)
	assert.Equal(t, 10, state.DataIdx)
	assert.Equal(t, 3, sampler.BatchIdxInEpoch())
}

func TestReplayValidation(t *testing.T) {
	_, err := NewReplay(nil, 3, false)
	assert.ErrorContains(t, err, "source")
	_, err = NewReplay(Sequential(10), 0, false)
	assert.ErrorContains(t, err, "batchSize")

	sampler, err := NewReplay(Sequential(10), 3, false)
	require.NoError(t, err)
	assert.Error(t, sampler.SetDistributed(2, 0, false), "a frozen order cannot be sharded")

	state, err := sampler.StateDict()
	require.NoError(t, err)

	state.SamplerType = bucketedSamplerType
	assert.ErrorContains(t, sampler.LoadStateDict(state), "sampler type")
	state.SamplerType = replaySamplerType

	other, err := NewReplay(Sequential(8), 3, false)
	require.NoError(t, err)
	assert.ErrorContains(t, other.LoadStateDict(state), "number of samples")

	state.DataIdx = 11
	assert.ErrorContains(t, sampler.LoadStateDict(state), "out of range")
	state.DataIdx = -1
	assert.ErrorContains(t, sampler.LoadStateDict(state), "out of range")
}

func TestReplayOfBucketedSampler(t *testing.T) {
	// A ReplaySampler can wrap any IndexSource, other samplers included;
	// here it re-chunks a bucketed sampler's batches of 3 into batches of 4.
	lengths := []int{6, 0, 8, 2, 9, 3, 7, 4, 6, 1}
	bucketed := Bucketed(lengths).BatchSize(3).Shuffle(false).MustDone()
	sampler, err := NewReplay(bucketed, 4, false)
	require.NoError(t, err)
	require.Equal(t, 3, sampler.NumBatches())
	assert.Equal(t, [][]int{{4, 2, 6, 0}, {8, 7, 5, 3}, {9, 1}}, collectBatches(sampler.Batches()))

	// SetEpoch reaches the wrapped sampler.
	sampler.SetEpoch(2)
	assert.Equal(t, 2, bucketed.epoch)
}

func TestReplayEmptySource(t *testing.T) {
	sampler, err := NewReplay(Sequential(0), 3, false)
	require.NoError(t, err)
	assert.Equal(t, 0, sampler.NumBatches())
	assert.Empty(t, collectBatches(sampler.Batches()))
	assert.Empty(t, collectBatches(sampler.Batches()))
}

func TestIndexListCompaction(t *testing.T) {
	// Small values are stored as 32-bit entries.
	list := newIndexList([]int{0, 1, 70000})
	assert.NotNil(t, list.small)
	assert.Nil(t, list.wide)
	assert.Equal(t, 3, list.Len())
	assert.Equal(t, 70000, list.At(2))
	assert.Equal(t, []int{0, 1, 70000}, list.ToSlice())

	// Any value outside the 32-bit range switches to 64-bit entries.
	list = newIndexList([]int{0, math.MaxUint32 + 1})
	assert.Nil(t, list.small)
	assert.NotNil(t, list.wide)
	assert.Equal(t, math.MaxUint32+1, list.At(1))

	list = newIndexList([]int{-1, 2})
	assert.NotNil(t, list.wide)
	assert.Equal(t, -1, list.At(0))
}
