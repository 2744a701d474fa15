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

package methylpileup

import (
	"container/heap"
	"context"
	"sort"

	"github.com/biogo/hts/sam"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bio-modbam/biopb"
	gbam "github.com/grailbio/bio-modbam/encoding/bam"
	"github.com/grailbio/bio-modbam/encoding/bamprovider"
	"github.com/grailbio/bio-modbam/encoding/bedmethyl"
	"github.com/grailbio/bio-modbam/encoding/fasta"
	"github.com/grailbio/bio-modbam/modbam"
	"github.com/grailbio/bio-modbam/modbam/project"
	"github.com/grailbio/bio-modbam/threshold"
)

// RunOpts configures Run.
type RunOpts struct {
	// ChunkSize is the number of GenerateShards intervals grouped into one
	// parallel work unit (spec.md §4.4: "chunks of chunk_size x
	// interval_size base pairs"); each chunk is handed to one traverse.Each
	// worker, which processes the chunk's intervals one after another.
	ChunkSize int
	QueueSize int // capacity of the channel carrying finished chunks to the reassembly loop

	// RefFasta, when non-nil, is consulted per shard to populate
	// ProjectOpts.RefSeq/RefSeqOffset with that shard's reference bases, so
	// the Projector's k-mer/motif context is reference-based rather than
	// falling back to the read's own (possibly mismatched/indeled) sequence
	// (spec.md §4.2).
	RefFasta fasta.Fasta

	ModOpts     modbam.DecodeOpts
	ProjectOpts project.Opts
	AggOpts     Opts
	Thresholds  *threshold.Set
}

// intervalResult is one genomic interval's classified rows.
type intervalResult struct {
	rows   []*bedmethyl.Record
	failed int
}

// chunkHeap is a min-heap of chunkResult ordered by chunk rank. It holds the
// chunks that arrived before some lower-ranked chunk; its size is not
// bounded by opts.QueueSize, so while an early chunk is still running, every
// later chunk that finishes is kept here.
type chunkHeap []chunkResult

func (h chunkHeap) Len() int            { return len(h) }
func (h chunkHeap) Less(i, j int) bool  { return h[i].idx < h[j].idx }
func (h chunkHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *chunkHeap) Push(x interface{}) { *h = append(*h, x.(chunkResult)) }
func (h *chunkHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// chunkResult is one chunk's worth of intervalResults, handed from a
// traverse.Each worker to the reassembly loop through the bounded pending
// channel.
type chunkResult struct {
	idx     int // chunk rank, for the nextExpected gate below
	results []intervalResult
}

// Run processes every shard GenerateShards produces from provider, in
// parallel chunks of opts.ChunkSize shards per worker (spec.md §4.4:
// "chunks of chunk_size x interval_size base pairs"), decoding+projecting+
// aggregating each shard's records, and writes the resulting rows to w in
// strict contig+position order. Per-record decode failures are counted and
// logged, not fatal (spec.md §4.4's failure semantics); a nil return
// summarizes the total into failedRecords.
//
// Workers hand chunk results to the reassembly loop through a channel
// bounded by opts.QueueSize: a worker that finishes a chunk while the
// channel is full blocks until the reassembly loop receives from it. The
// reassembly loop moves every received chunk into chunkHeap at once, so the
// number of finished chunks held in memory is not bounded by
// opts.QueueSize. The first worker or write error cancels the shared
// context, so chunks not yet started are skipped and in-flight ones exit
// at their next shard boundary instead of running to completion.
func Run(provider bamprovider.Provider, w *bedmethyl.Writer, opts RunOpts) (failedRecords int, err error) {
	header, err := provider.GetHeader()
	if err != nil {
		return 0, err
	}
	opts.AggOpts.ContigNames = refNames(header)

	shards, err := provider.GenerateShards(bamprovider.GenerateShardsOpts{
		Strategy: bamprovider.PositionBased,
	})
	if err != nil {
		return 0, err
	}
	sort.Slice(shards, func(i, j int) bool { return shardLess(shards[i], shards[j]) })
	if len(shards) == 0 {
		return 0, nil
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 1
	}
	nChunks := (len(shards) + chunkSize - 1) / chunkSize

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pending := make(chan chunkResult, queueSize)
	produceErr := make(chan error, 1)
	go func() {
		defer close(pending)
		produceErr <- traverse.Each(nChunks, func(c int) error {
			if ctx.Err() != nil {
				return nil
			}
			start := c * chunkSize
			end := start + chunkSize
			if end > len(shards) {
				end = len(shards)
			}
			results := make([]intervalResult, 0, end-start)
			for _, shard := range shards[start:end] {
				if ctx.Err() != nil {
					return nil
				}
				r, err := processShard(provider, shard, opts)
				if err != nil {
					cancel()
					return err
				}
				results = append(results, r)
			}
			select {
			case pending <- chunkResult{idx: c, results: results}:
				return nil
			case <-ctx.Done():
				return nil
			}
		})
	}()

	// Reassembly: chunk results can arrive out of order (chunk 3 may finish
	// before chunk 1), so arrived-but-not-flushable chunks sit in the
	// min-heap keyed by chunk rank (spec.md §5's "small min-heap keyed by
	// interval rank") until every lower-ranked chunk has also arrived.
	h := &chunkHeap{}
	heap.Init(h)
	nextExpected := 0
	flush := func() error {
		for h.Len() > 0 && (*h)[0].idx == nextExpected {
			cr := heap.Pop(h).(chunkResult)
			for _, r := range cr.results {
				failedRecords += r.failed
				for _, row := range r.rows {
					if werr := w.Write(row); werr != nil {
						return werr
					}
				}
			}
			nextExpected++
		}
		return nil
	}

	for cr := range pending {
		heap.Push(h, cr)
		if ferr := flush(); ferr != nil && err == nil {
			err = ferr
			cancel()
		}
	}
	if perr := <-produceErr; perr != nil && err == nil {
		err = perr
	}
	return failedRecords, err
}

func refNames(header *sam.Header) []string {
	refs := header.Refs()
	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = r.Name()
	}
	return names
}

func shardLess(a, b gbam.Shard) bool {
	return shardCoord(a).LT(shardCoord(b))
}

func shardCoord(s gbam.Shard) biopb.Coord {
	refID := int32(biopb.InvalidRefID)
	if s.StartRef != nil {
		refID = int32(s.StartRef.ID())
	}
	return biopb.Coord{RefId: refID, Pos: int32(s.Start)}
}

func processShard(provider bamprovider.Provider, shard gbam.Shard, opts RunOpts) (intervalResult, error) {
	iter := provider.NewIterator(shard)
	defer iter.Close()

	projectOpts := opts.ProjectOpts
	if opts.RefFasta != nil && shard.StartRef != nil {
		refSeq, refOffset, err := project.LoadRefSeq(opts.RefFasta, shard.StartRef.Name(), shard.Start, shard.End)
		if err != nil {
			return intervalResult{}, err
		}
		projectOpts.RefSeq = refSeq
		projectOpts.RefSeqOffset = refOffset
	}

	var calls []project.Call
	var deletions []Deletion
	failed := 0
	for iter.Scan() {
		r := iter.Record()
		mm, ml, ok, err := modbam.ExtractTags(r)
		if err != nil {
			failed++
			log.Error.Printf("methylpileup: skipping record %s: %v", r.Name, err)
			continue
		}
		if !ok {
			continue
		}
		pbc, err := modbam.Decode(r.Seq.Expand(), mm, ml, opts.ModOpts)
		if err != nil {
			failed++
			log.Error.Printf("methylpileup: skipping record %s: %v", r.Name, err)
			continue
		}
		recordCalls, err := project.Project(r, pbc, projectOpts)
		if err != nil {
			failed++
			log.Error.Printf("methylpileup: skipping record %s: %v", r.Name, err)
			continue
		}
		calls = append(calls, recordCalls...)
		refID := -1
		if r.Ref != nil {
			refID = r.Ref.ID()
		}
		strand := byte('+')
		for _, pos := range project.DeletedPositions(r) {
			deletions = append(deletions, Deletion{RefContig: refID, RefPos: pos, Strand: strand})
		}
	}
	if err := iter.Err(); err != nil {
		return intervalResult{}, err
	}

	rows := AggregateInterval(calls, deletions, opts.Thresholds, opts.AggOpts)
	return intervalResult{rows: rows, failed: failed}, nil
}
