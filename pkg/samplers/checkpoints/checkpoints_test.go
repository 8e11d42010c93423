// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/samplers/pkg/samplers"
)

func testLengths() []int {
	lengths := make([]int, 40)
	for i := range lengths {
		lengths[i] = (i*7)%23 + 1
	}
	return lengths
}

func testSampler() *samplers.BucketedBatchSampler {
	return samplers.Bucketed(testLengths()).BatchSize(4).BatchesPerBucket(3).Seed(5).MustDone()
}

func TestCheckpoints(t *testing.T) {
	var dir string
	var consumed []int
	var savedState *samplers.State
	{
		// Train for 3 batches, checkpointing after each.
		sampler := testSampler()
		checkpoint := Build(sampler).TempDir("", "test_sampler_checkpoints_").Keep(3).MustDone()
		assert.Equal(t, 0, checkpoint.checkpointsCount)
		dir = checkpoint.Dir()
		fmt.Printf("Checkpoint directory: %s\n", dir)

		step := 0
		for batch := range sampler.Batches() {
			consumed = append(consumed, batch...)
			step++
			require.NoError(t, checkpoint.Save(int64(step)), "saving checkpoint")
			if step == 3 {
				break
			}
		}
		var err error
		savedState, err = sampler.StateDict()
		require.NoError(t, err)
		require.Equal(t, 12, savedState.NumConsumedSamples)

		list, err := checkpoint.ListCheckpoints()
		require.NoError(t, err)
		assert.Len(t, list, 3, "number of remaining checkpoints")
		assert.Equal(t, 3, checkpoint.checkpointsCount)

		// The interrupted sampler itself refuses a load mid-pass.
		assert.ErrorContains(t, checkpoint.LoadLatest(), "unfinished")
	}

	// A restarted job picks up the latest checkpoint as the handler is
	// built, and the checkpoint count continues where the old job stopped.
	{
		sampler := testSampler()
		checkpoint := Build(sampler).Dir(dir).Keep(3).MustDone()
		assert.Equal(t, 3, checkpoint.checkpointsCount)

		restored, err := sampler.StateDict()
		require.NoError(t, err)
		assert.Equal(t, savedState, restored)

		// The resumed pass delivers exactly the not-yet-consumed samples.
		seen := map[int]bool{}
		for _, idx := range consumed {
			seen[idx] = true
		}
		rest := 0
		for batch := range sampler.Batches() {
			for _, idx := range batch {
				require.False(t, seen[idx], "sample %d repeated after resume", idx)
				seen[idx] = true
				rest++
			}
		}
		assert.Equal(t, 28, rest)
		assert.Len(t, seen, 40)
	}

	if t.Failed() {
		fmt.Printf("Checkpoint directory kept for inspection: %s\n", dir)
	} else {
		assert.NoErrorf(t, os.RemoveAll(dir), "removing directory used for testing %q", dir)
	}
}

func TestCheckpointsRotation(t *testing.T) {
	checkpoint := Build(testSampler()).Dir(t.TempDir()).Keep(2).MustDone()
	for step := range 5 {
		require.NoError(t, checkpoint.Save(int64(step+1)))
	}
	list, err := checkpoint.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 5, checkpoint.checkpointsCount)

	// The newest files survive pruning.
	assert.True(t, strings.HasPrefix(list[0], "sampler-n0000003-"), list[0])
	assert.True(t, strings.HasPrefix(list[1], "sampler-n0000004-"), list[1])
	has, err := checkpoint.HasCheckpoints()
	require.NoError(t, err)
	assert.True(t, has)

	// A negative Keep disables pruning.
	keepAll := Build(testSampler()).Dir(t.TempDir()).Keep(-1).MustDone()
	for step := range 4 {
		require.NoError(t, keepAll.Save(int64(step+1)))
	}
	list, err = keepAll.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, list, 4)
}

func TestCheckpointsNaming(t *testing.T) {
	checkpoint := Build(testSampler()).Dir(t.TempDir()).MustDone()
	name := checkpoint.newCheckpointBaseName(0)
	assert.True(t, strings.HasPrefix(name, "sampler-n0000000-"), name)
	assert.True(t, strings.HasSuffix(name, "-initial"), name)
	name = checkpoint.newCheckpointBaseName(42)
	assert.True(t, strings.HasSuffix(name, "-step-00000042"), name)

	assert.Equal(t, -1, maxCheckpointCountFromCheckpoints(nil))
	assert.Equal(t, 7, maxCheckpointCountFromCheckpoints(
		[]string{"sampler-n0000007-20260102-030405-initial", "garbage", "sampler-nx-y"}))
}

func TestCheckpointsConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(testSampler()).Dir(filepath.Join(dir, "missing")).Done()
	assert.ErrorContains(t, err, "does not exist")
	_, err = Load(testSampler()).Dir(dir).Done()
	assert.ErrorContains(t, err, "no checkpoints found")

	_, err = Build(nil).Dir(dir).Done()
	assert.ErrorContains(t, err, "no sampler")
	_, err = Build(testSampler()).Done()
	assert.ErrorContains(t, err, "not configured")
	assert.Panics(t, func() { Build(testSampler()).MustDone() })

	occupied := filepath.Join(dir, "occupied")
	require.NoError(t, os.WriteFile(occupied, []byte("x"), 0644))
	_, err = Build(testSampler()).Dir(occupied).Done()
	assert.ErrorContains(t, err, "not a directory")

	// An empty directory is a fresh start for Build, and Load works once a
	// checkpoint exists.
	checkpoint, err := Build(testSampler()).Dir(dir).Done()
	require.NoError(t, err)
	has, err := checkpoint.HasCheckpoints()
	require.NoError(t, err)
	assert.False(t, has)
	require.NoError(t, checkpoint.Save(1))
	_, err = Load(testSampler()).Dir(dir).Done()
	require.NoError(t, err)
}

func TestCheckpointsStaleState(t *testing.T) {
	dir := t.TempDir()
	sampler := testSampler()
	checkpoint := Build(sampler).Dir(dir).MustDone()
	taken := 0
	for range sampler.Batches() {
		taken++
		if taken == 3 {
			break
		}
	}
	require.NoError(t, checkpoint.Save(3))

	// Restart with a different batch size: the restored pass must finish
	// before a new checkpoint can be taken.
	resumed := samplers.Bucketed(testLengths()).BatchSize(5).BatchesPerBucket(2).Seed(5).MustDone()
	restarted := Build(resumed).Dir(dir).MustDone()
	assert.ErrorContains(t, restarted.Save(4), "finish the current pass")
	for range resumed.Batches() {
	}
	require.NoError(t, restarted.Save(4))
}

func TestCheckpointsWithReplaySampler(t *testing.T) {
	dir := t.TempDir()
	sampler, err := samplers.NewReplay(samplers.Sequential(10), 3, false)
	require.NoError(t, err)
	checkpoint := Build(sampler).Dir(dir).MustDone()

	var taken [][]int
	for batch := range sampler.Batches() {
		taken = append(taken, batch)
		if len(taken) == 2 {
			break
		}
	}
	require.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}}, taken)
	require.NoError(t, checkpoint.Save(2))

	resumed, err := samplers.NewReplay(samplers.Sequential(10), 3, false)
	require.NoError(t, err)
	_ = Load(resumed).Dir(dir).MustDone()
	var rest [][]int
	for batch := range resumed.Batches() {
		rest = append(rest, batch)
	}
	assert.Equal(t, [][]int{{6, 7, 8}, {9}}, rest)

	// ReadState exposes the raw file contents.
	list, err := checkpoint.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 1)
	state, err := ReadState(filepath.Join(dir, list[0]+JsonNameSuffix))
	require.NoError(t, err)
	assert.Equal(t, 6, state.DataIdx)
	_, err = ReadState(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "failed to open")
}
