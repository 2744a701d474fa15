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

import "github.com/grailbio/bio-modbam/encoding/bedmethyl"

// Region is one input region to score (spec.md §4.5's region mode).
type Region struct {
	Contig string
	Start  int
	End    int
	Name   string
}

// Opts configures scoring, shared between region and single-site modes.
type Opts struct {
	Codes      []string // mod codes tracked, stable ordering for category vectors
	PriorAlpha float64  // Beta prior alpha for MAP p-value; default 0.5
	PriorBeta  float64  // Beta prior beta; default 0.5
	Delta      float64  // effect-size threshold for MAP p-value; default 0.05
	CapCoverages bool
	// Threads bounds ScoreRegionsBatched/ScoreSitesBatched's worker count;
	// 0 defaults to runtime.NumCPU() (spec.md §4.5's "default 1.5x threads"
	// batch size is computed off this).
	Threads int
}

func (o Opts) withDefaults() Opts {
	if o.PriorAlpha == 0 {
		o.PriorAlpha = 0.5
	}
	if o.PriorBeta == 0 {
		o.PriorBeta = 0.5
	}
	if o.Delta == 0 {
		o.Delta = 0.05
	}
	return o
}

// RegionResult is one scored region (spec.md §6's region output).
type RegionResult struct {
	Region
	Score       float64
	ACounts     map[string]int
	ATotal      int
	BCounts     map[string]int
	BTotal      int
	APctSamples float64
	BPctSamples float64
	AFracMod    float64
	BFracMod    float64
	CohensH     float64
	HLow        float64
	HHigh       float64
}

// ScoreRegion implements spec.md §4.5's region mode: aggregate each group's
// samples into pooled per-code counts, then compare the pooled-across-both-
// groups null against the per-group alternative via a Dirichlet-Multinomial
// likelihood ratio, plus Cohen's h on combined fraction-modified.
func ScoreRegion(r Region, a, b GroupCounts, opts Opts) RegionResult {
	opts = opts.withDefaults()
	pooledA := a.pooled()
	pooledB := b.pooled()

	vecA := categoryVector(pooledA, opts.Codes)
	vecB := categoryVector(pooledB, opts.Codes)
	score := likelihoodRatioScore(vecA, vecB)

	h, lo, hi := cohensH(pooledA.fractionModified(), pooledA.NValid, pooledB.fractionModified(), pooledB.NValid)

	return RegionResult{
		Region:      r,
		Score:       score,
		ACounts:     pooledA.ByCode,
		ATotal:      pooledA.NValid,
		BCounts:     pooledB.ByCode,
		BTotal:      pooledB.NValid,
		APctSamples: 100 * float64(a.nonMissingSamples()) / float64(max1(len(a.Samples))),
		BPctSamples: 100 * float64(b.nonMissingSamples()) / float64(max1(len(b.Samples))),
		AFracMod:    pooledA.fractionModified(),
		BFracMod:    pooledB.fractionModified(),
		CohensH:     h,
		HLow:        lo,
		HHigh:       hi,
	}
}

// Site identifies one (contig, position, strand) single-site row.
type Site struct {
	Contig   string
	Position int
	Strand   byte
}

// SiteResult is one scored site (spec.md §4.5's single-site mode, §6's
// 12+13-column site output).
type SiteResult struct {
	Site
	EffectSize float64
	MAPPValue  float64

	HasBalanced     bool
	BalancedEffect  float64
	BalancedMAPP    float64

	HasPerReplicate   bool
	PerReplicateP      []float64
	PerReplicateEffect []float64

	PctASamples float64
	PctBSamples float64

	CohensH float64
	HLow    float64
	HHigh   float64

	ACounts  map[string]int
	BCounts  map[string]int
	ATotal   int
	BTotal   int
	AFracMod float64
	BFracMod float64
}

// ScoreSite implements spec.md §4.5's single-site mode.
func ScoreSite(site Site, a, b GroupCounts, opts Opts) SiteResult {
	opts = opts.withDefaults()
	pooledA := a.pooled()
	pooledB := b.pooled()

	res := SiteResult{
		Site:        site,
		EffectSize:  pooledA.fractionModified() - pooledB.fractionModified(),
		MAPPValue:   mapPValue(pooledA.NMod, pooledA.NValid, pooledB.NMod, pooledB.NValid, opts.PriorAlpha, opts.PriorBeta, opts.Delta),
		PctASamples: 100 * float64(a.nonMissingSamples()) / float64(max1(len(a.Samples))),
		PctBSamples: 100 * float64(b.nonMissingSamples()) / float64(max1(len(b.Samples))),
		ACounts:     pooledA.ByCode,
		BCounts:     pooledB.ByCode,
		ATotal:      pooledA.NValid,
		BTotal:      pooledB.NValid,
		AFracMod:    pooledA.fractionModified(),
		BFracMod:    pooledB.fractionModified(),
	}
	res.CohensH, res.HLow, res.HHigh = cohensH(pooledA.fractionModified(), pooledA.NValid, pooledB.fractionModified(), pooledB.NValid)

	if len(a.Samples) >= 2 && len(b.Samples) >= 2 {
		balA, balB := balancedDownsample(a, b, opts.Codes)
		bpA, bpB := balA.pooled(), balB.pooled()
		res.HasBalanced = true
		res.BalancedEffect = bpA.fractionModified() - bpB.fractionModified()
		res.BalancedMAPP = mapPValue(bpA.NMod, bpA.NValid, bpB.NMod, bpB.NValid, opts.PriorAlpha, opts.PriorBeta, opts.Delta)
	}

	if len(a.Samples) == len(b.Samples) && len(a.Samples) > 0 {
		res.HasPerReplicate = true
		res.PerReplicateP = make([]float64, len(a.Samples))
		res.PerReplicateEffect = make([]float64, len(a.Samples))
		for i := range a.Samples {
			sa, sb := a.Samples[i], b.Samples[i]
			res.PerReplicateEffect[i] = sa.fractionModified() - sb.fractionModified()
			res.PerReplicateP[i] = mapPValue(sa.NMod, sa.NValid, sb.NMod, sb.NValid, opts.PriorAlpha, opts.PriorBeta, opts.Delta)
		}
	}

	return res
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// ToSegmentInput projects a scored site down to the fields the Segmenter
// needs (spec.md §4.6 runs "in single-site mode with --segment").
func (r SiteResult) ToSegmentInput() SiteInput {
	return SiteInput{
		Site:        r.Site,
		PValue:      r.MAPPValue,
		EffectSize:  r.EffectSize,
		ACounts:     r.ACounts,
		BCounts:     r.BCounts,
		ATotal:      r.ATotal,
		BTotal:      r.BTotal,
		APctSamples: r.PctASamples,
		BPctSamples: r.PctBSamples,
		AFracMod:    r.AFracMod,
		BFracMod:    r.BFracMod,
		CohensH:     r.CohensH,
		HLow:        r.HLow,
		HHigh:       r.HHigh,
	}
}

// SampleCountsFromRows buckets a sample's bedMethyl rows at a single
// position into one SampleCounts, folding any motif-split rows of the same
// code together.
func SampleCountsFromRows(rows []*bedmethyl.Record) SampleCounts {
	var s SampleCounts
	for _, r := range rows {
		s.addRow(r)
	}
	return s
}
