// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// sampler_stats inspects saved sampler states and estimates how much
// padding a bucketed sampler saves over a plain shuffled one.
//
//	sampler_stats -state <file.json>
//	sampler_stats -simulate -n 100000 -max_len 512 -batch_size 32
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/exp/rand"
	"k8s.io/klog/v2"

	"github.com/gomlx/samplers/pkg/samplers"
	"github.com/gomlx/samplers/pkg/samplers/checkpoints"
)

var (
	flagState = flag.String("state", "", "Path of a saved sampler state file (JSON) to display.")

	flagSimulate = flag.Bool("simulate", false, "Simulate one bucketed pass over synthetic sample "+
		"lengths and report the padding waste, next to a plain shuffled baseline.")
	flagNumSamples = flag.Int("n", 100_000, "Number of synthetic samples for -simulate.")
	flagMaxLen     = flag.Int("max_len", 512, "Synthetic sample lengths are drawn uniformly from [1, max_len].")

	flagBatchSize        = flag.Int("batch_size", 32, "Samples per batch.")
	flagBatchesPerBucket = flag.Int("batches_per_bucket", 10, "Batches per shuffling bucket.")
	flagShuffle          = flag.Bool("shuffle", true, "Shuffle batches within buckets.")
	flagDropLast         = flag.Bool("drop_last", false, "Drop each rank's final short batch.")
	flagReplicas         = flag.Int("replicas", 1, "Number of distributed replicas to simulate.")
	flagPad              = flag.Bool("pad", true, "Pad ranks to equal batch counts when -replicas > 1.")
	flagEpoch            = flag.Int("epoch", 0, "Epoch number to simulate, it seeds the shuffling.")
	flagSeed             = flag.Int64("seed", 42, "Seed for the synthetic lengths and the samplers.")
)

func main() {
	flag.Parse()
	switch {
	case *flagState != "":
		showState(*flagState)
	case *flagSimulate:
		simulate()
	default:
		klog.Errorf("Nothing to do: pass -state <file> or -simulate. See 'sampler_stats -help'.")
		os.Exit(1)
	}
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				// Even row style.
				s = oddRowStyle
			default:
				// Odd row style
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func showState(filePath string) {
	state := must.M1(checkpoints.ReadState(filePath))
	fmt.Println(titleStyle.Render("Sampler State"))
	table := newPlainTable(false)
	table.Row("file", filePath)
	table.Row("sampler", state.SamplerType)
	table.Row("# samples", humanize.Comma(int64(state.Length)))

	var consumed int
	switch state.SamplerType {
	case "ReplaySampler":
		consumed = state.DataIdx
		table.Row("frozen order", humanize.Comma(int64(len(state.IndexList)))+" indices")
		table.Row("cursor", humanize.Comma(int64(state.DataIdx)))
	default:
		consumed = state.NumConsumedSamples
		table.Row("seed", fmt.Sprintf("%d", state.Seed))
		table.Row("epoch", humanize.Comma(int64(state.Epoch)))
		table.Row("consumed", humanize.Comma(int64(state.NumConsumedSamples)))
		table.Row("shuffle", fmt.Sprintf("%v", state.Shuffle))
		table.Row("batch_size", humanize.Comma(int64(state.BatchSize)))
		table.Row("batches/bucket", humanize.Comma(int64(state.NumBatchPerBucket)))
		table.Row("replicas", humanize.Comma(int64(state.NumReplicas)))
	}
	if state.Length > 0 {
		table.Row("progress", fmt.Sprintf("%.1f%%", 100*float64(consumed)/float64(state.Length)))
	}
	fmt.Println(table.Render())
}

// syntheticLengths draws n sample lengths uniformly from [1, maxLen].
func syntheticLengths(n, maxLen int, seed int64) []int {
	rng := rand.New(rand.NewSource(uint64(seed)))
	lengths := make([]int, n)
	for i := range lengths {
		lengths[i] = 1 + rng.Intn(maxLen)
	}
	return lengths
}

// measurePass drains one pass and accounts, per batch, the tokens a model
// would process (batch rows times the longest sample) and how many of them
// are padding.
func measurePass(source samplers.IndexSource, lengths []int, bar *progressbar.ProgressBar) (batches int, tokens, padded int64) {
	for batch := range source.Batches() {
		longest := 0
		var used int64
		for _, idx := range batch {
			used += int64(lengths[idx])
			longest = max(longest, lengths[idx])
		}
		tokens += int64(longest * len(batch))
		padded += int64(longest*len(batch)) - used
		batches++
		_ = bar.Add(1)
	}
	return
}

func simulate() {
	n, maxLen, numReplicas := *flagNumSamples, *flagMaxLen, *flagReplicas
	if n <= 0 || maxLen <= 0 || numReplicas <= 0 {
		klog.Errorf("-n, -max_len and -replicas must be positive, got %d, %d and %d", n, maxLen, numReplicas)
		os.Exit(1)
	}
	lengths := syntheticLengths(n, maxLen, *flagSeed)

	// One bucketed sampler per rank, and a plain shuffled baseline that
	// batches in draw order, paying full padding price.
	ranked := make([]*samplers.BucketedBatchSampler, numReplicas)
	totalBatches := 0
	for rank := range ranked {
		sampler := must.M1(samplers.Bucketed(lengths).
			BatchSize(*flagBatchSize).
			BatchesPerBucket(*flagBatchesPerBucket).
			Shuffle(*flagShuffle).
			DropLast(*flagDropLast).
			Seed(*flagSeed).
			Done())
		if numReplicas > 1 {
			must.M(sampler.SetDistributed(numReplicas, rank, *flagPad))
		}
		sampler.SetEpoch(*flagEpoch)
		ranked[rank] = sampler
		totalBatches += sampler.NumBatches()
	}
	shuffled := samplers.NewShuffled(n, *flagSeed)
	shuffled.SetEpoch(*flagEpoch) // Before NewReplay: replaying freezes the order.
	baseline := must.M1(samplers.NewReplay(shuffled, *flagBatchSize, *flagDropLast))
	totalBatches += baseline.NumBatches()

	bar := progressbar.NewOptions(totalBatches,
		progressbar.OptionSetDescription("Sampling"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	var bucketBatches int
	var bucketTokens, bucketPadded int64
	perRank := make([]string, numReplicas)
	for rank, sampler := range ranked {
		batches, tokens, padded := measurePass(sampler, lengths, bar)
		perRank[rank] = humanize.Comma(int64(batches))
		bucketBatches += batches
		bucketTokens += tokens
		bucketPadded += padded
	}
	baseBatches, baseTokens, basePadded := measurePass(baseline, lengths, bar)
	must.M(bar.Finish())
	fmt.Println()

	fmt.Println(titleStyle.Render("Simulation"))
	config := newPlainTable(false)
	config.Row("# samples", humanize.Comma(int64(n)))
	config.Row("max length", humanize.Comma(int64(maxLen)))
	config.Row("batch_size", humanize.Comma(int64(*flagBatchSize)))
	config.Row("batches/bucket", humanize.Comma(int64(*flagBatchesPerBucket)))
	config.Row("seed / epoch", fmt.Sprintf("%d / %d", *flagSeed, *flagEpoch))
	if numReplicas > 1 {
		config.Row("replicas", humanize.Comma(int64(numReplicas)))
		config.Row("pad", fmt.Sprintf("%v", *flagPad))
	}
	fmt.Println(config.Render())

	fmt.Println(titleStyle.Render("Padding Waste"))
	results := newPlainTable(true)
	results.Row("Sampler", "Batches", "Batches/Rank", "Tokens", "Padding", "Waste")
	results.Row("bucketed",
		humanize.Comma(int64(bucketBatches)), perRankColumn(perRank),
		humanize.Comma(bucketTokens), humanize.Comma(bucketPadded), wastePct(bucketPadded, bucketTokens))
	results.Row("shuffled",
		humanize.Comma(int64(baseBatches)), humanize.Comma(int64(baseBatches)),
		humanize.Comma(baseTokens), humanize.Comma(basePadded), wastePct(basePadded, baseTokens))
	fmt.Println(results.Render())
}

func perRankColumn(perRank []string) string {
	if len(perRank) == 1 {
		return perRank[0]
	}
	s := perRank[0]
	for _, count := range perRank[1:] {
		s += ", " + count
	}
	return s
}

func wastePct(padded, tokens int64) string {
	if tokens == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", 100*float64(padded)/float64(tokens))
}
