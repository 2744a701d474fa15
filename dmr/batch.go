// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dmr

import (
	"context"
	"runtime"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bio-modbam/encoding/bedmethyl"
	"github.com/grailbio/bio-modbam/modbamerrors"
)

// MissingPolicy controls how a region with no data in one or more input
// files is handled (spec.md §4.5: "Missing regions are handled per policy
// ∈ {quiet, warn, fail}").
type MissingPolicy int

const (
	Quiet MissingPolicy = iota
	Warn
	Fail
)

// DefaultBatchMultiplier is the default ratio of in-flight regions to
// worker threads (spec.md §4.5: "default 1.5x threads").
const DefaultBatchMultiplier = 1.5

// batchSize returns the number of regions or sites grouped into one
// traverse.Each work unit: opts.Threads (default runtime.NumCPU()) scaled
// by DefaultBatchMultiplier.
func (o Opts) batchSize() int {
	threads := o.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	size := int(float64(threads) * DefaultBatchMultiplier)
	if size < 1 {
		size = 1
	}
	return size
}

// pendingQueueSize bounds how many batches may be waiting, already scored,
// for the single writer goroutine below to absorb (spec.md §4.5: "a
// bounded channel feeds a single writer").
const pendingQueueSize = 2

// GroupReaders is one condition group's per-sample tabix readers, in a
// fixed sample order (used for per-replicate pairing).
type GroupReaders []*bedmethyl.TabixReader

func (g GroupReaders) query(contig string, start, end int) (GroupCounts, bool, error) {
	var out GroupCounts
	missing := false
	for _, r := range g {
		rows, err := r.Query(contig, start, end)
		if err != nil {
			return GroupCounts{}, false, err
		}
		if len(rows) == 0 {
			missing = true
		}
		out.Samples = append(out.Samples, SampleCountsFromRows(rows))
	}
	return out, missing, nil
}

// regionBatchResult is one batch's worth of scored regions, handed from a
// traverse.Each worker to the single collecting goroutine below.
type regionBatchResult struct {
	start   int // index into the original regions slice
	results []RegionResult
	skipped int
}

// ScoreRegionsBatched implements spec.md §4.5's region-mode concurrency
// model: regions are grouped into batches of opts.batchSize() (default
// 1.5x threads), each batch scored by one traverse.Each worker, and
// handed to a single collecting goroutine through a channel bounded by
// pendingQueueSize — a worker that fills the channel blocks until the
// collector drains it, so no more than pendingQueueSize batches can sit
// fully scored but not yet folded into results. Each batch writes into a
// disjoint slice range, so "Output matches region input order" holds
// regardless of which batch a worker finishes first. The first worker
// error cancels a shared context; workers check it between regions so
// in-flight batches stop early instead of scoring every remaining region.
func ScoreRegionsBatched(regions []Region, a, b GroupReaders, opts Opts, policy MissingPolicy) ([]RegionResult, int, error) {
	opts = opts.withDefaults()
	n := len(regions)
	if n == 0 {
		return nil, 0, nil
	}
	batchSize := opts.batchSize()
	nBatches := (n + batchSize - 1) / batchSize

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pending := make(chan regionBatchResult, pendingQueueSize)
	produceErr := make(chan error, 1)
	go func() {
		defer close(pending)
		produceErr <- traverse.Each(nBatches, func(bi int) error {
			if ctx.Err() != nil {
				return nil
			}
			start := bi * batchSize
			end := start + batchSize
			if end > n {
				end = n
			}
			br := regionBatchResult{start: start, results: make([]RegionResult, 0, end-start)}
			for _, r := range regions[start:end] {
				if ctx.Err() != nil {
					return nil
				}
				ga, missingA, err := a.query(r.Contig, r.Start, r.End)
				if err != nil {
					cancel()
					return err
				}
				gb, missingB, err := b.query(r.Contig, r.Start, r.End)
				if err != nil {
					cancel()
					return err
				}
				if missingA || missingB {
					switch policy {
					case Fail:
						cancel()
						return modbamerrors.RegionNotFound
					case Warn:
						log.Error.Printf("dmr: region %s:%d-%d missing data in one or more samples", r.Contig, r.Start, r.End)
					}
					br.skipped++
				}
				if opts.CapCoverages {
					ga.capCoverage(opts.Codes)
					gb.capCoverage(opts.Codes)
				}
				br.results = append(br.results, ScoreRegion(r, ga, gb, opts))
			}
			select {
			case pending <- br:
				return nil
			case <-ctx.Done():
				return nil
			}
		})
	}()

	results := make([]RegionResult, n)
	skipped := 0
	for br := range pending {
		copy(results[br.start:], br.results)
		skipped += br.skipped
	}
	if perr := <-produceErr; perr != nil {
		cancel()
		return nil, skipped, perr
	}
	return results, skipped, nil
}
