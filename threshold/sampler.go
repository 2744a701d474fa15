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

// Package threshold implements the Threshold Estimator (spec.md §4.3): it
// draws a sample of projected calls across a BAM/PAM's genomic shards and
// computes, per primary base, the peak-probability quantile below which
// calls are considered unreliable. Shard-parallel sampling is grounded on
// encoding/bamprovider.GenerateShards + github.com/grailbio/base/traverse,
// the same idiom pileup/snp/pileup.go uses to fan a BAM out across workers;
// seeded inclusion decisions reuse fusion/kmer_index.go's farmhash idiom.
package threshold

import (
	"github.com/biogo/hts/sam"
	"github.com/dgryski/go-farm"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	gbam "github.com/grailbio/bio-modbam/encoding/bam"
	"github.com/grailbio/bio-modbam/encoding/bamprovider"
	"github.com/grailbio/bio-modbam/encoding/fasta"
	"github.com/grailbio/bio-modbam/modbam"
	"github.com/grailbio/bio-modbam/modbam/project"
)

// SampleMode selects how records are drawn from the provider.
type SampleMode int

const (
	// NumReads samples approximately NumReads records total, spread evenly
	// across the provider's genomic shards.
	NumReads SampleMode = iota
	// Fraction samples each eligible record independently with probability
	// Fraction, via a seeded hash of the read name (deterministic when Seed
	// is set).
	Fraction
)

// SampleOpts configures Sample.
type SampleOpts struct {
	Mode     SampleMode
	NumReads int     // used when Mode == NumReads
	Fraction float64 // used when Mode == Fraction, in [0,1]
	Seed     uint64  // hash seed for Fraction mode; 0 is a valid, fixed seed

	// IncludeUnmapped includes unmapped records in the sample.
	IncludeUnmapped bool

	// RefFasta, when non-nil, is consulted per shard the same way
	// methylpileup.RunOpts.RefFasta is, so a threshold sample built with a
	// motif/k-mer filter sees the same reference-based context the Pileup
	// Aggregator will use later.
	RefFasta fasta.Fasta

	ModOpts     modbam.DecodeOpts
	ProjectOpts project.Opts
}

// Result is the accumulated output of Sample.
type Result struct {
	Calls          []project.Call
	DecodeFailures int
	RecordsVisited int
}

// Sample reads shards from provider, decoding and projecting each record's
// modification tags, and returns the accumulated calls. Per-record decode/
// project failures are counted in DecodeFailures and the record is skipped,
// matching the Pileup Aggregator's failure semantics (spec.md §4.4): decode
// errors are not fatal.
func Sample(provider bamprovider.Provider, opts SampleOpts) (*Result, error) {
	shards, err := provider.GenerateShards(bamprovider.GenerateShardsOpts{
		Strategy:        bamprovider.PositionBased,
		IncludeUnmapped: opts.IncludeUnmapped,
	})
	if err != nil {
		return nil, err
	}

	results := make([]*Result, len(shards))
	err = traverse.Each(len(shards), func(i int) error {
		budget := -1
		if opts.Mode == NumReads {
			budget = perShardBudget(opts.NumReads, len(shards), i)
		}
		r, err := sampleShard(provider, shards[i], opts, budget)
		if err != nil {
			return err
		}
		results[i] = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := &Result{}
	for _, r := range results {
		out.Calls = append(out.Calls, r.Calls...)
		out.DecodeFailures += r.DecodeFailures
		out.RecordsVisited += r.RecordsVisited
	}
	return out, nil
}

// perShardBudget returns how many records to visit from shard i of n total
// shards when the overall sampling target is numReads, distributing the
// remainder across the first numReads%n shards so the sample spreads evenly
// across the genome rather than concentrating in early shards.
func perShardBudget(numReads, n, i int) int {
	if n == 0 {
		return 0
	}
	budget := numReads / n
	if i < numReads%n {
		budget++
	}
	return budget
}

// sampleShard visits records in shard, applying opts' sampling mode and an
// optional per-shard budget (NumReads mode; -1 means unlimited, as in
// Fraction mode).
func sampleShard(provider bamprovider.Provider, shard gbam.Shard, opts SampleOpts, budget int) (*Result, error) {
	iter := provider.NewIterator(shard)
	defer iter.Close()

	if opts.RefFasta != nil && shard.StartRef != nil {
		refSeq, refOffset, err := project.LoadRefSeq(opts.RefFasta, shard.StartRef.Name(), shard.Start, shard.End)
		if err != nil {
			return nil, err
		}
		opts.ProjectOpts.RefSeq = refSeq
		opts.ProjectOpts.RefSeqOffset = refOffset
	}

	out := &Result{}
	visited := 0
	for iter.Scan() {
		if opts.Mode == NumReads && budget >= 0 && visited >= budget {
			break
		}
		r := iter.Record()
		out.RecordsVisited++
		if opts.Mode == Fraction && !includeByHash(r.Name, opts.Fraction, opts.Seed) {
			continue
		}
		calls, err := decodeAndProject(r, opts)
		if err != nil {
			out.DecodeFailures++
			log.Error.Printf("threshold: skipping record %s: %v", r.Name, err)
			continue
		}
		out.Calls = append(out.Calls, calls...)
		visited++
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeAndProject(r *sam.Record, opts SampleOpts) ([]project.Call, error) {
	mm, ml, ok, err := modbam.ExtractTags(r)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	pbc, err := modbam.Decode(r.Seq.Expand(), mm, ml, opts.ModOpts)
	if err != nil {
		return nil, err
	}
	return project.Project(r, pbc, opts.ProjectOpts)
}

// includeByHash reports whether readName should be kept in a Fraction-mode
// sample: it hashes readName with seed and compares the normalized hash
// against fraction, giving a deterministic, seed-reproducible Bernoulli
// trial per read (grounded on fusion/kmer_index.go's hashKmer pattern).
func includeByHash(readName string, fraction float64, seed uint64) bool {
	if fraction >= 1 {
		return true
	}
	if fraction <= 0 {
		return false
	}
	h := farm.Hash64WithSeed([]byte(readName), seed)
	const maxUint64 = ^uint64(0)
	return float64(h)/float64(maxUint64) < fraction
}
