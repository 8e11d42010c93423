// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samplers

import (
	"iter"
	"slices"
	"sort"

	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BucketedBatchSampler batches samples of similar length together.
//
// All samples are sorted by length, longest first, and cut into buckets of
// batchSize*batchesPerBucket neighbors. Shuffling happens inside each bucket
// and over the order of batches, never across buckets, so every batch holds
// samples of close lengths and needs little padding. All randomness derives
// from seed+epoch: re-running an epoch reproduces its batches exactly.
//
// The sampler shards across replicas (SetDistributed) and checkpoints
// mid-pass (StateDict / LoadStateDict): a restored sampler continues with
// exactly the samples that were not yet consumed, even when batch size,
// bucket size or replica count changed between saving and restoring.
//
// Build it with Bucketed or BucketedFromField:
//
//	sampler, err := samplers.Bucketed(lengths).
//		BatchSize(16).BatchesPerBucket(10).Seed(42).
//		Done()
type BucketedBatchSampler struct {
	lengths       []int
	sortedIndices []int // by length descending, ties by position

	batchSize        int
	batchesPerBucket int
	shuffle          bool
	dropLast         bool
	seed             int64

	numReplicas int
	rank        int
	pad         bool

	epoch              int
	numConsumedSamples int // across all replicas
	duringIter         bool

	committed committedConfig
}

// committedConfig is the batching configuration the consumed-samples counter
// was produced under: refreshed when a pass completes, overwritten from the
// checkpoint on load. The resume path re-buckets with these values to
// reconstruct the interrupted pass's order.
type committedConfig struct {
	batchSize        int
	batchesPerBucket int
	numReplicas      int
}

// BucketedConfig configures a BucketedBatchSampler: create it with Bucketed
// or BucketedFromField, chain the setters, then call Done (or MustDone).
type BucketedConfig struct {
	lengths          []int
	batchSize        int
	batchesPerBucket int
	shuffle          bool
	dropLast         bool
	seed             int64
	err              error
}

// Bucketed starts configuring a sampler over the given per-sample lengths:
// sample i of the dataset has length lengths[i].
func Bucketed(lengths []int) *BucketedConfig {
	return &BucketedConfig{
		lengths:          lengths,
		batchSize:        32,
		batchesPerBucket: 10,
		shuffle:          true,
	}
}

// BucketedFromField starts configuring a sampler that measures the lengths
// from the dataset itself: one length per sample for the given field.
func BucketedFromField(ds HasFieldLengths, field string) *BucketedConfig {
	lengths, err := ds.FieldLengths(field)
	c := Bucketed(lengths)
	if err != nil {
		c.err = errors.WithMessagef(err, "BucketedFromField(%q)", field)
	} else if len(lengths) != ds.Len() {
		c.err = errors.Errorf("BucketedFromField(%q): got %d lengths for %d samples",
			field, len(lengths), ds.Len())
	}
	return c
}

// BatchSize sets how many samples compose a batch. Default is 32.
func (c *BucketedConfig) BatchSize(n int) *BucketedConfig {
	c.batchSize = n
	return c
}

// BatchesPerBucket sets how many batches compose a bucket: samples only mix
// with batchSize*batchesPerBucket neighbors in the length-sorted order.
// Smaller buckets pad less, larger buckets shuffle more. Default is 10.
func (c *BucketedConfig) BatchesPerBucket(n int) *BucketedConfig {
	c.batchesPerBucket = n
	return c
}

// Shuffle toggles shuffling. When off, batches come strictly longest-first.
// Default is on.
func (c *BucketedConfig) Shuffle(shuffle bool) *BucketedConfig {
	c.shuffle = shuffle
	return c
}

// DropLast drops the final batch of a pass when it has fewer than BatchSize
// samples. Default is off.
func (c *BucketedConfig) DropLast(dropLast bool) *BucketedConfig {
	c.dropLast = dropLast
	return c
}

// Seed sets the base random seed; each pass shuffles from seed+epoch.
// Default is 0.
func (c *BucketedConfig) Seed(seed int64) *BucketedConfig {
	c.seed = seed
	return c
}

// Done validates the configuration and builds the sampler.
func (c *BucketedConfig) Done() (*BucketedBatchSampler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.batchSize < 1 {
		return nil, errors.Errorf("batch size must be >= 1, got %d", c.batchSize)
	}
	if c.batchesPerBucket < 1 {
		return nil, errors.Errorf("batches per bucket must be >= 1, got %d", c.batchesPerBucket)
	}
	b := &BucketedBatchSampler{
		lengths:          slices.Clone(c.lengths),
		sortedIndices:    argsortDescending(c.lengths),
		batchSize:        c.batchSize,
		batchesPerBucket: c.batchesPerBucket,
		shuffle:          c.shuffle,
		dropLast:         c.dropLast,
		seed:             c.seed,
		numReplicas:      1,
		epoch:            -1,
	}
	b.committed = committedConfig{
		batchSize:        b.batchSize,
		batchesPerBucket: b.batchesPerBucket,
		numReplicas:      b.numReplicas,
	}
	return b, nil
}

// MustDone is like Done, but panics on error.
func (c *BucketedConfig) MustDone() *BucketedBatchSampler {
	b, err := c.Done()
	if err != nil {
		panic(err)
	}
	return b
}

// argsortDescending returns the sample indices ordered by length descending,
// ties keeping their original ascending position.
func argsortDescending(lengths []int) []int {
	indices := xslices.Iota(0, len(lengths))
	sort.SliceStable(indices, func(i, j int) bool {
		return lengths[indices[i]] > lengths[indices[j]]
	})
	return indices
}

// Len returns the dataset size the sampler was built over.
func (b *BucketedBatchSampler) Len() int { return len(b.lengths) }

// SetEpoch tells the sampler which epoch is about to run. Without it the
// sampler advances an internal negative counter by itself, so consecutive
// passes still shuffle differently.
func (b *BucketedBatchSampler) SetEpoch(epoch int) { b.epoch = epoch }

// SetDistributed shards the sampler: this process is rank out of
// numReplicas, and sees only its strided share of every pass. With pad,
// shards short of one sample repeat one so every replica sees the same
// number of batches; without it, shards with one extra sample drop it.
//
// It may be called again between passes, e.g. when the worker pool resizes;
// never during an unfinished pass. Arguments are validated, not clamped.
func (b *BucketedBatchSampler) SetDistributed(numReplicas, rank int, pad bool) error {
	if b.duringIter {
		return errors.Errorf("cannot call SetDistributed during an unfinished iteration")
	}
	if numReplicas <= 0 {
		return errors.Errorf("numReplicas must be > 0, got %d", numReplicas)
	}
	if rank < 0 || rank >= numReplicas {
		return errors.Errorf("rank must be in [0, %d), got %d", numReplicas, rank)
	}
	if b.dropLast {
		numSamples := len(b.lengths)
		if pad {
			numSamples = (len(b.lengths) + numReplicas - 1) / numReplicas * numReplicas
		}
		if numReplicas*b.batchSize > numSamples {
			return errors.Errorf(
				"with dropLast every replica needs at least one full batch: %d replicas x batch size %d > %d samples",
				numReplicas, b.batchSize, numSamples)
		}
	}
	b.numReplicas = numReplicas
	b.rank = rank
	b.pad = pad
	return nil
}

// numLeftSamples returns how many samples this shard still yields in the
// current pass.
func (b *BucketedBatchSampler) numLeftSamples() int {
	left := len(b.lengths) - b.numConsumedSamples
	if b.pad {
		return (left + b.numReplicas - 1) / b.numReplicas
	}
	return left / b.numReplicas
}

// totalSize returns how many samples the whole pass produces across all
// replicas, consumed ones included. Padding can push it above the dataset
// size, truncation below.
func (b *BucketedBatchSampler) totalSize() int {
	return b.numConsumedSamples + b.numReplicas*b.numLeftSamples()
}

// NumBatches returns how many batches this shard's pass yields.
func (b *BucketedBatchSampler) NumBatches() int {
	perRank := b.totalSize() / b.numReplicas
	if b.dropLast {
		return perRank / b.batchSize
	}
	return (perRank + b.batchSize - 1) / b.batchSize
}

// Batches yields one pass of batches for this shard.
//
// The iterator updates the consumption counter as it delivers batches: a
// State exported between two batches resumes right after the first of them.
// Abandoning the iterator mid-pass and calling Batches again restarts the
// pass from zero.
func (b *BucketedBatchSampler) Batches() iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		if b.duringIter {
			// The previous pass was abandoned mid-way: restart clean.
			b.numConsumedSamples = 0
		}
		b.duringIter = true

		batches := b.planBatches()
		if got := countIndices(batches); got != b.numLeftSamples() {
			panic(errors.Errorf("BucketedBatchSampler planned %d samples for this shard, expected %d",
				got, b.numLeftSamples()))
		}
		if b.dropLast && len(batches) >= 1 && len(batches[len(batches)-1]) < b.batchSize {
			batches = batches[:len(batches)-1]
		}

		for _, batch := range batches {
			b.numConsumedSamples += b.numReplicas * len(batch)
			if !yield(batch) {
				return
			}
		}

		b.duringIter = false
		b.numConsumedSamples = 0
		b.committed = committedConfig{
			batchSize:        b.batchSize,
			batchesPerBucket: b.batchesPerBucket,
			numReplicas:      b.numReplicas,
		}
		if b.epoch < 0 {
			// The caller never set an epoch: advance it here so the next
			// pass shuffles differently.
			b.epoch--
		}
	}
}

// planBatches builds the batches of one pass for this shard, shard
// equalization included. dropLast applies later, after the sample count
// check.
func (b *BucketedBatchSampler) planBatches() [][]int {
	sorted := slices.Clone(b.sortedIndices)

	var batches [][]int
	if b.shuffle {
		if b.numConsumedSamples > 0 {
			sorted = b.remainingAfterResume(sorted)
		}
		shard := stride(sorted, b.rank, b.numReplicas)
		batches = bucketize(shard, b.batchSize, b.batchesPerBucket, b.seed+int64(b.epoch))
	} else {
		sorted = sorted[min(b.numConsumedSamples, len(sorted)):]
		shard := stride(sorted, b.rank, b.numReplicas)
		batches = chunk(shard, b.batchSize)
	}

	// Equalize the shards: with pad, shards one sample short repeat one;
	// without, shards with one extra drop it.
	needPadNum := (len(b.lengths) - b.numConsumedSamples) % b.numReplicas
	if b.pad && needPadNum != 0 && needPadNum <= b.rank {
		if len(batches) > 0 {
			last := batches[len(batches)-1]
			if len(last) < b.batchSize {
				batches[len(batches)-1] = append(slices.Clone(last), last[0])
			} else {
				batches = append(batches, []int{last[0]})
			}
		} else if len(sorted) > 0 {
			// Fewer remaining samples than replicas, this shard's stride got
			// none: repeat the shortest remaining sample.
			batches = append(batches, []int{sorted[len(sorted)-1]})
		}
	} else if !b.pad && needPadNum != 0 && needPadNum > b.rank {
		if len(batches) > 0 {
			last := batches[len(batches)-1]
			batches[len(batches)-1] = last[:len(last)-1]
			if len(batches[len(batches)-1]) == 0 {
				batches = batches[:len(batches)-1]
			}
		}
	}
	return batches
}

// remainingAfterResume reconstructs the order the interrupted pass was
// consuming -- per-shard bucketing with the committed parameters, the shards'
// batches interleaved round-robin -- then drops what was already consumed
// and returns the remainder sorted by length descending again, ready to be
// re-bucketed under the current parameters.
func (b *BucketedBatchSampler) remainingAfterResume(sorted []int) []int {
	oldShards := make([][][]int, 0, b.committed.numReplicas)
	for i := range b.committed.numReplicas {
		shard := stride(sorted, i, b.committed.numReplicas)
		oldShards = append(oldShards,
			bucketize(shard, b.committed.batchSize, b.committed.batchesPerBucket, b.seed+int64(b.epoch)))
	}

	// Replicas consume their batches in lock step, so the global consumption
	// order is round-robin over the shards' batch lists.
	var flat []int
	for round := 0; ; round++ {
		exhausted := true
		for _, shardBatches := range oldShards {
			if round < len(shardBatches) {
				flat = append(flat, shardBatches[round]...)
				exhausted = false
			}
		}
		if exhausted {
			break
		}
	}

	if b.numConsumedSamples >= len(flat) {
		return nil
	}
	flat = flat[b.numConsumedSamples:]

	sort.SliceStable(flat, func(i, j int) bool {
		return b.lengths[flat[i]] > b.lengths[flat[j]]
	})
	return flat
}

// StateDict exports the pass position. It fails when the batching
// configuration changed since the consumption counter was last valid: the
// snapshot would claim the new configuration produced the old counter.
// Finishing a pass revalidates the configuration.
func (b *BucketedBatchSampler) StateDict() (*State, error) {
	if b.committed.batchSize != b.batchSize || b.committed.batchesPerBucket != b.batchesPerBucket {
		return nil, errors.Errorf(
			"cannot export state before the previously loaded state is consumed: "+
				"batch size %d -> %d, batches per bucket %d -> %d; finish the current pass first",
			b.committed.batchSize, b.batchSize, b.committed.batchesPerBucket, b.batchesPerBucket)
	}
	return &State{
		SamplerType:        bucketedSamplerType,
		Seed:               b.seed,
		Epoch:              b.epoch,
		NumConsumedSamples: b.numConsumedSamples,
		Length:             len(b.lengths),
		Shuffle:            b.shuffle,
		BatchSize:          b.batchSize,
		NumBatchPerBucket:  b.batchesPerBucket,
		NumReplicas:        b.numReplicas,
	}, nil
}

// LoadStateDict restores a position saved by another BucketedBatchSampler
// over the same dataset. The restored pass may run under a different batch
// size, bucket size or replica count than the one that saved it: the sampler
// reconstructs the save-time order with the checkpoint's parameters, skips
// what was consumed, and re-buckets the rest with the current ones.
func (b *BucketedBatchSampler) LoadStateDict(state *State) error {
	if b.duringIter {
		return errors.Errorf("cannot call LoadStateDict during an unfinished iteration")
	}
	if state.SamplerType != bucketedSamplerType {
		return errors.Errorf("cannot load state of sampler type %q into a BucketedBatchSampler", state.SamplerType)
	}
	if state.Length != len(b.lengths) {
		return errors.Errorf(
			"number of samples differs between the checkpoint (%d) and the current dataset (%d)",
			state.Length, len(b.lengths))
	}
	if state.NumConsumedSamples < 0 {
		return errors.Errorf("checkpoint consumed-samples counter %d is negative", state.NumConsumedSamples)
	}
	if state.BatchSize < 1 || state.NumBatchPerBucket < 1 || state.NumReplicas < 1 {
		return errors.Errorf(
			"checkpoint batching configuration is invalid: batch size %d, batches per bucket %d, replicas %d",
			state.BatchSize, state.NumBatchPerBucket, state.NumReplicas)
	}
	b.seed = state.Seed
	b.epoch = state.Epoch
	b.numConsumedSamples = state.NumConsumedSamples
	if b.numConsumedSamples >= state.Length {
		// Saved at a pass boundary: restart with a clean pass.
		b.numConsumedSamples = 0
	}
	if b.shuffle != state.Shuffle {
		klog.Warningf("BucketedBatchSampler: checkpoint has shuffle=%v, the sampler was built with shuffle=%v; using the checkpoint's value",
			state.Shuffle, b.shuffle)
	}
	b.shuffle = state.Shuffle
	b.committed = committedConfig{
		batchSize:        state.BatchSize,
		batchesPerBucket: state.NumBatchPerBucket,
		numReplicas:      state.NumReplicas,
	}
	return nil
}

// bucketize shuffles indices within buckets of batchSize*batchesPerBucket
// neighbors and cuts every bucket into batches. The globally last batch
// stays last -- it may be short, and short batches must come at the end on
// every replica -- while the order of all other batches is shuffled with a
// second generator seeded the same way, so the batch order does not depend
// on how much randomness the in-bucket shuffles consumed.
func bucketize(indices []int, batchSize, batchesPerBucket int, seed int64) [][]int {
	if len(indices) == 0 {
		return nil
	}
	bucketSize := min(len(indices), batchSize*batchesPerBucket)
	numBuckets := (len(indices) + bucketSize - 1) / bucketSize
	rng := newRNG(seed)
	var batches [][]int
	for i := range numBuckets {
		bucket := slices.Clone(indices[i*bucketSize : min((i+1)*bucketSize, len(indices))])
		shuffle(rng, bucket)
		batches = append(batches, chunk(bucket, batchSize)...)
	}

	order := xslices.Iota(0, len(batches)-1)
	shuffle(newRNG(seed), order)
	out := make([][]int, 0, len(batches))
	for _, idx := range order {
		out = append(out, batches[idx])
	}
	return append(out, batches[len(batches)-1])
}

// chunk cuts indices into consecutive batches of batchSize, a remainder
// forming one final short batch.
func chunk(indices []int, batchSize int) [][]int {
	if len(indices) == 0 {
		return nil
	}
	numFull := len(indices) / batchSize
	batches := make([][]int, 0, numFull+1)
	for k := 0; k < numFull; k++ {
		batches = append(batches, slices.Clone(indices[k*batchSize:(k+1)*batchSize]))
	}
	if len(indices)%batchSize != 0 {
		batches = append(batches, slices.Clone(indices[numFull*batchSize:]))
	}
	return batches
}

// stride returns every numReplicas-th element starting at rank, copied.
func stride(indices []int, rank, numReplicas int) []int {
	out := make([]int, 0, len(indices)/numReplicas+1)
	for i := rank; i < len(indices); i += numReplicas {
		out = append(out, indices[i])
	}
	return out
}

func countIndices(batches [][]int) int {
	total := 0
	for _, batch := range batches {
		total += len(batch)
	}
	return total
}
