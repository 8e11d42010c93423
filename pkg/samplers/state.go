// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samplers

// Values of State.SamplerType.
const (
	replaySamplerType   = "ReplaySampler"
	bucketedSamplerType = "BucketedBatchSampler"
)

// State is a snapshot of a sampler's exact iteration position, exported by
// BatchSampler.StateDict and restored by LoadStateDict.
//
// It is a plain value that round-trips through encoding/json -- the
// checkpoints package stores it as a JSON file. Each sampler type uses only
// its own fields and leaves the rest at their zero values; SamplerType says
// which sampler wrote the snapshot, and loading into the wrong type fails.
type State struct {
	// SamplerType discriminates which sampler exported this state.
	SamplerType string `json:"sampler_type"`

	// IndexList is the frozen sample order of a ReplaySampler.
	IndexList []int `json:"index_list,omitempty"`

	// DataIdx counts how many samples of IndexList were already handed out.
	DataIdx int `json:"data_idx"`

	// Seed is the base seed of a BucketedBatchSampler.
	Seed int64 `json:"seed"`

	// Epoch is the epoch counter. Negative means the caller never called
	// SetEpoch and the sampler advances it by itself after each pass.
	Epoch int `json:"epoch"`

	// NumConsumedSamples counts the samples consumed so far in the
	// interrupted pass, across all replicas.
	NumConsumedSamples int `json:"num_consumed_samples"`

	// Length is the dataset size the snapshot was taken over.
	Length int `json:"length"`

	// Shuffle records whether shuffling was enabled.
	Shuffle bool `json:"shuffle"`

	// BatchSize, NumBatchPerBucket and NumReplicas are the batching
	// configuration the consumed samples were produced under.
	BatchSize         int `json:"batch_size"`
	NumBatchPerBucket int `json:"num_batch_per_bucket"`
	NumReplicas       int `json:"num_replicas"`
}
