// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/gomlx/samplers/pkg/samplers"
)

// TokensField is the field under which PaddedSequences reports per-sample
// sequence lengths, for use with samplers.BucketedFromField.
const TokensField = "tokens"

// PaddedSequences is an in-memory Fetcher for variable-length sequence
// classification: each sample is one int32 sequence and one int32 label.
// Batches are padded to the longest sequence they contain, so samplers that
// group similar lengths together waste little on padding.
type PaddedSequences struct {
	sequences [][]int32
	labels    []int32
	padValue  int32
}

var (
	_ Fetcher                  = (*PaddedSequences)(nil)
	_ samplers.HasFieldLengths = (*PaddedSequences)(nil)
)

// NewPaddedSequences creates a PaddedSequences from parallel slices of
// sequences and labels. Short sequences are padded with padValue when
// batched. The slices are not copied, they must not change afterwards.
func NewPaddedSequences(sequences [][]int32, labels []int32, padValue int32) (*PaddedSequences, error) {
	if len(sequences) != len(labels) {
		return nil, errors.Errorf("got %d sequences and %d labels, they must pair up", len(sequences), len(labels))
	}
	return &PaddedSequences{
		sequences: sequences,
		labels:    labels,
		padValue:  padValue,
	}, nil
}

// Len implements Fetcher.
func (ps *PaddedSequences) Len() int { return len(ps.sequences) }

// FieldLengths implements samplers.HasFieldLengths. The only field is
// TokensField, reporting each sequence's length.
func (ps *PaddedSequences) FieldLengths(field string) ([]int, error) {
	if field != TokensField {
		return nil, errors.Errorf("PaddedSequences has no field %q, only %q", field, TokensField)
	}
	lengths := make([]int, len(ps.sequences))
	for i, seq := range ps.sequences {
		lengths[i] = len(seq)
	}
	return lengths, nil
}

// FetchBatch implements Fetcher. Inputs are two tensors: the token matrix
// shaped [batch, maxLen], padded with the configured pad value, and the
// true sequence lengths shaped [batch]. Labels is one [batch] tensor.
func (ps *PaddedSequences) FetchBatch(indices []int) (inputs, labels []*tensors.Tensor, err error) {
	if len(indices) == 0 {
		return nil, nil, errors.Errorf("cannot fetch an empty batch of indices")
	}
	// Tensors cannot be zero-sized: a batch of only empty sequences still
	// gets one padded column.
	maxLen := 1
	for _, idx := range indices {
		if idx < 0 || idx >= len(ps.sequences) {
			return nil, nil, errors.Errorf("sample index %d out of range, dataset has %d samples", idx, len(ps.sequences))
		}
		maxLen = max(maxLen, len(ps.sequences[idx]))
	}

	batchSize := len(indices)
	tokens := make([]int32, batchSize*maxLen)
	for i := range tokens {
		tokens[i] = ps.padValue
	}
	seqLengths := make([]int32, batchSize)
	labelValues := make([]int32, batchSize)
	for row, idx := range indices {
		seq := ps.sequences[idx]
		copy(tokens[row*maxLen:], seq)
		seqLengths[row] = int32(len(seq))
		labelValues[row] = ps.labels[idx]
	}
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(tokens, batchSize, maxLen),
		tensors.FromFlatDataAndDimensions(seqLengths, batchSize),
	}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(labelValues, batchSize)}
	return
}
