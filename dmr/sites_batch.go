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
	"sort"

	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bio-modbam/encoding/bedmethyl"
)

// siteKey identifies one (contig, position, strand) row across samples.
type siteKey struct {
	Contig   string
	Position int
	Strand   byte
}

// perSampleSites indexes one sample's rows by siteKey for grouping.
type perSampleSites map[siteKey][]*bedmethyl.Record

func indexBySite(rows []*bedmethyl.Record) perSampleSites {
	out := make(perSampleSites, len(rows))
	for _, r := range rows {
		k := siteKey{Contig: r.Contig, Position: r.Start, Strand: r.Strand}
		out[k] = append(out[k], r)
	}
	return out
}

// CollectSites loads every sample in both groups fully (via
// bedmethyl.ScanAll) and returns the union of (contig, position, strand)
// keys present in at least one sample of either group, sorted in (contig,
// position, strand) order per contig in first-seen ("tabix-header") order
// (spec.md §4.5: "Ordering... single-site output is in (contig, position,
// strand) order per contig, contigs in tabix-header order").
func CollectSites(aRows, bRows [][]*bedmethyl.Record) ([]Site, []perSampleSites, []perSampleSites) {
	aIdx := make([]perSampleSites, len(aRows))
	for i, rows := range aRows {
		aIdx[i] = indexBySite(rows)
	}
	bIdx := make([]perSampleSites, len(bRows))
	for i, rows := range bRows {
		bIdx[i] = indexBySite(rows)
	}

	seen := make(map[siteKey]bool)
	var contigOrder []string
	contigSeen := make(map[string]bool)
	var keys []siteKey
	note := func(groups [][]*bedmethyl.Record) {
		for _, rows := range groups {
			for _, r := range rows {
				k := siteKey{Contig: r.Contig, Position: r.Start, Strand: r.Strand}
				if !seen[k] {
					seen[k] = true
					keys = append(keys, k)
				}
				if !contigSeen[k.Contig] {
					contigSeen[k.Contig] = true
					contigOrder = append(contigOrder, k.Contig)
				}
			}
		}
	}
	note(aRows)
	note(bRows)

	rank := make(map[string]int, len(contigOrder))
	for i, c := range contigOrder {
		rank[c] = i
	}
	sort.Slice(keys, func(i, j int) bool {
		ki, kj := keys[i], keys[j]
		if rank[ki.Contig] != rank[kj.Contig] {
			return rank[ki.Contig] < rank[kj.Contig]
		}
		if ki.Position != kj.Position {
			return ki.Position < kj.Position
		}
		return ki.Strand < kj.Strand
	})

	sites := make([]Site, len(keys))
	for i, k := range keys {
		sites[i] = Site{Contig: k.Contig, Position: k.Position, Strand: k.Strand}
	}
	return sites, aIdx, bIdx
}

// siteBatchResult is one batch's worth of scored sites, handed from a
// traverse.Each worker to the single collecting goroutine below.
type siteBatchResult struct {
	start   int // index into the original sites slice
	results []SiteResult
}

// ScoreSitesBatched scores every site in sites (spec.md §4.5's batched
// concurrency model, shared with ScoreRegionsBatched): sites are grouped
// into batches of opts.batchSize(), each scored by one traverse.Each
// worker, and handed to a single collecting goroutine through a channel
// bounded by pendingQueueSize so workers cannot race arbitrarily far ahead
// of the collector. Each batch writes into a disjoint slice range, so
// output stays in input order regardless of completion order.
func ScoreSitesBatched(sites []Site, aIdx, bIdx []perSampleSites, opts Opts) ([]SiteResult, error) {
	opts = opts.withDefaults()
	n := len(sites)
	if n == 0 {
		return nil, nil
	}
	batchSize := opts.batchSize()
	nBatches := (n + batchSize - 1) / batchSize

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pending := make(chan siteBatchResult, pendingQueueSize)
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
			br := siteBatchResult{start: start, results: make([]SiteResult, 0, end-start)}
			for _, site := range sites[start:end] {
				if ctx.Err() != nil {
					return nil
				}
				key := siteKey{Contig: site.Contig, Position: site.Position, Strand: site.Strand}
				ga := groupCountsAt(aIdx, key)
				gb := groupCountsAt(bIdx, key)
				if opts.CapCoverages {
					ga.capCoverage(opts.Codes)
					gb.capCoverage(opts.Codes)
				}
				br.results = append(br.results, ScoreSite(site, ga, gb, opts))
			}
			select {
			case pending <- br:
				return nil
			case <-ctx.Done():
				return nil
			}
		})
	}()

	results := make([]SiteResult, n)
	for br := range pending {
		copy(results[br.start:], br.results)
	}
	if perr := <-produceErr; perr != nil {
		cancel()
		return nil, perr
	}
	return results, nil
}

func groupCountsAt(idx []perSampleSites, key siteKey) GroupCounts {
	var g GroupCounts
	for _, sample := range idx {
		g.Samples = append(g.Samples, SampleCountsFromRows(sample[key]))
	}
	return g
}
