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
package main

/*
bio-modbam-pileup decodes modBAM MM/ML tags, projects per-read modification
calls onto reference coordinates, estimates per-base probability
thresholds, and aggregates the result into a bedMethyl file.
*/

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bio-modbam/encoding/bamprovider"
	"github.com/grailbio/bio-modbam/encoding/bedmethyl"
	"github.com/grailbio/bio-modbam/encoding/fasta"
	"github.com/grailbio/bio-modbam/methylpileup"
	"github.com/grailbio/bio-modbam/modbam"
	"github.com/grailbio/bio-modbam/modbam/project"
	"github.com/grailbio/bio-modbam/pileup"
	"github.com/grailbio/bio-modbam/threshold"
)

var (
	bamIndexPath = flag.String("index", "", "Input BAM index path. Defaults to bampath + .bai")
	outPath      = flag.String("out", "bio-modbam-pileup.bed", "Output bedMethyl path")
	bgzf         = flag.Bool("bgzf", false, "BGZF-compress the output, and write a .tbi sidecar index")
	primaryBase  = flag.String("primary-base", "C", "Primary base (A/C/G/T) to aggregate")
	codes        = flag.String("codes", "m", "Comma-separated modification codes to emit rows for")
	combineStrands = flag.Bool("combine-strands", false, "Fold negative-strand columns onto the positive strand (only valid for palindromic motifs)")
	maxDepth     = flag.Int("max-depth", 0, "Truncate column depth to this value; 0 disables truncation")
	percentile   = flag.Float64("percentile", threshold.DefaultPercentile, "Threshold estimation percentile")
	sampleReads  = flag.Int("sample-reads", 100000, "Number of reads to sample for threshold estimation; 0 uses --sample-fraction instead")
	sampleFraction = flag.Float64("sample-fraction", 0, "Fraction of reads to sample (deterministic by read name hash) when --sample-reads=0")
	sampleSeed   = flag.Uint64("sample-seed", 0, "Seed for --sample-fraction's deterministic hash sampling")
	globalThreshold = flag.Float64("threshold", -1, "Fixed threshold applied to every primary base/code, bypassing estimation; negative disables")
	chunkSize    = flag.Int("chunk-size", 4, "Shards grouped into one parallel work unit")
	queueSize    = flag.Int("queue-size", 8, "Bound on pending-but-unwritten chunk results")
	kmerSize     = flag.Int("kmer-size", 0, "Reference/read neighborhood size captured around each call, for motif matching and annotate-motifs; 0 disables it")
	refFastaPath  = flag.String("ref-fasta", "", "Reference FASTA used for k-mer/motif context; empty falls back to each read's own sequence")
	refFastaIndex = flag.String("ref-fasta-index", "", "Reference FASTA .fai index path; defaults to -ref-fasta + .fai")
)

func usage() {
	fmt.Printf("Usage: %s [OPTIONS] bampath\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() != 1 {
		log.Fatalf("Missing positional argument (bampath required); got '%s'", strings.Join(flag.Args(), " "))
	}
	bamPath := flag.Arg(0)

	provider := bamprovider.NewProvider(bamPath, bamprovider.ProviderOpts{Index: *bamIndexPath})
	defer provider.Close()

	base, ok := primaryBaseFromFlag(*primaryBase)
	if !ok {
		log.Fatalf("unrecognized -primary-base %q", *primaryBase)
	}
	modCodes := parseCodes(*codes)

	modOpts := modbam.DecodeOpts{Assignments: modbam.NewAssignments(nil)}
	projectOpts := project.Opts{KmerSize: *kmerSize}

	var refFasta fasta.Fasta
	if *refFastaPath != "" {
		refFasta = openRefFasta(*refFastaPath, *refFastaIndex)
	}

	thresholds, err := estimateThresholds(provider, modOpts, projectOpts, refFasta)
	if err != nil {
		log.Fatalf("threshold estimation: %v", err)
	}

	out, err := os.Create(*outPath)
	if err != nil {
		log.Fatalf("creating %s: %v", *outPath, err)
	}
	defer out.Close()

	var writer *bedmethyl.Writer
	if *bgzf {
		writer = bedmethyl.NewBGZFWriter(out, 6)
	} else {
		writer = bedmethyl.NewWriter(out)
	}

	runOpts := methylpileup.RunOpts{
		ChunkSize:   *chunkSize,
		QueueSize:   *queueSize,
		RefFasta:    refFasta,
		ModOpts:     modOpts,
		ProjectOpts: projectOpts,
		Thresholds:  thresholds,
		AggOpts: methylpileup.Opts{
			PrimaryBase:    base,
			Codes:          modCodes,
			MaxDepth:       *maxDepth,
			CombineStrands: *combineStrands,
		},
	}
	failed, err := methylpileup.Run(provider, writer, runOpts)
	if err != nil {
		log.Fatalf("pileup aggregation: %v", err)
	}
	if err := writer.Close(); err != nil {
		log.Fatalf("closing %s: %v", *outPath, err)
	}
	if failed > 0 {
		log.Error.Printf("bio-modbam-pileup: %d records failed decoding/projection and were skipped", failed)
	}
	log.Debug.Printf("exiting")
}

// openRefFasta opens an indexed reference FASTA for the Coordinate
// Projector's reference-based k-mer/motif context (spec.md §4.2). The
// index defaults to path + ".fai" when indexPath is empty.
func openRefFasta(path, indexPath string) fasta.Fasta {
	if indexPath == "" {
		indexPath = path + ".fai"
	}
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("opening -ref-fasta %s: %v", path, err)
	}
	idx, err := os.Open(indexPath)
	if err != nil {
		log.Fatalf("opening -ref-fasta-index %s: %v", indexPath, err)
	}
	defer idx.Close()
	fa, err := fasta.NewIndexed(f, idx)
	if err != nil {
		log.Fatalf("reading %s as an indexed FASTA: %v", path, err)
	}
	return fa
}

func estimateThresholds(provider bamprovider.Provider, modOpts modbam.DecodeOpts, projectOpts project.Opts, refFasta fasta.Fasta) (*threshold.Set, error) {
	if *globalThreshold >= 0 {
		g := *globalThreshold
		return threshold.Estimate(nil, threshold.Opts{Overrides: threshold.Overrides{Global: &g}})
	}

	sampleOpts := threshold.SampleOpts{
		ModOpts:     modOpts,
		ProjectOpts: projectOpts,
		RefFasta:    refFasta,
	}
	if *sampleReads > 0 {
		sampleOpts.Mode = threshold.NumReads
		sampleOpts.NumReads = *sampleReads
	} else {
		sampleOpts.Mode = threshold.Fraction
		sampleOpts.Fraction = *sampleFraction
		sampleOpts.Seed = *sampleSeed
	}
	result, err := threshold.Sample(provider, sampleOpts)
	if err != nil {
		return nil, err
	}
	return threshold.Estimate(result.Calls, threshold.Opts{Percentile: *percentile})
}

func primaryBaseFromFlag(s string) (byte, bool) {
	switch strings.ToUpper(s) {
	case "A":
		return pileup.BaseA, true
	case "C":
		return pileup.BaseC, true
	case "G":
		return pileup.BaseG, true
	case "T":
		return pileup.BaseT, true
	default:
		return pileup.BaseX, false
	}
}

func parseCodes(s string) []modbam.Code {
	parts := strings.Split(s, ",")
	out := make([]modbam.Code, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, modbam.Code(p))
		}
	}
	return out
}
