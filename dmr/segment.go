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

import "math"

// State is one of the Segmenter's two HMM states (spec.md §4.6).
type State int

const (
	Same State = iota
	Different
)

// SegmentOpts configures the Segmenter.
type SegmentOpts struct {
	DmrPrior           float64 // steady-state P(Different); default 0.1
	DiffStay           float64 // P(stay Different) at distance 0; default 0.9
	DecayDistance      int     // D in the decay formula; required
	LogTransitionDecay bool
	MaxGapSize         int     // distance beyond which a segment break is forced
	SignificanceFactor float64 // default 0.01
	FineGrained        bool    // tighter significance band, shorter decay
}

func (o SegmentOpts) withDefaults() SegmentOpts {
	if o.DmrPrior == 0 {
		o.DmrPrior = 0.1
	}
	if o.DiffStay == 0 {
		o.DiffStay = 0.9
	}
	if o.SignificanceFactor == 0 {
		o.SignificanceFactor = 0.01
	}
	if o.FineGrained {
		o.SignificanceFactor /= 5
		if o.DecayDistance > 0 {
			o.DecayDistance /= 2
		}
	}
	return o
}

// SiteInput is one single-site result fed to the Segmenter: the site
// itself, its MAP p-value, and enough of ScoreSite's output to aggregate
// into a segment's output columns.
type SiteInput struct {
	Site
	PValue      float64
	EffectSize  float64
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

// Segment is one maximal run of like-labeled Viterbi states (spec.md
// §4.6's "Output").
type Segment struct {
	Contig      string
	Start       int
	End         int
	State       State
	Score       float64
	NSites      int
	ACounts     map[string]int
	BCounts     map[string]int
	APctSamples float64
	BPctSamples float64
	AFracMod    float64
	BFracMod    float64
	Effect      float64
	CohensH     float64
	HLow        float64
	HHigh       float64
}

// transitionDecayFraction maps a gap distance to [0,1]: 0 at d=0, 1 at
// d>=D. Linear by default; logarithmic compresses the early distances more
// gently per spec.md §4.6's "or logarithmic when log_transition_decay".
func transitionDecayFraction(d, decayDistance int, logarithmic bool) float64 {
	if decayDistance <= 0 {
		return 1
	}
	if d >= decayDistance {
		return 1
	}
	if !logarithmic {
		return float64(d) / float64(decayDistance)
	}
	return math.Log1p(float64(d)) / math.Log1p(float64(decayDistance))
}

// transitionMatrix returns (P(Diff->Diff), P(Same->Diff)) for a gap d,
// decayed toward the steady-state prior (spec.md §4.6).
func transitionMatrix(d int, opts SegmentOpts) (pDiffToDiff, pSameToDiff float64) {
	frac := transitionDecayFraction(d, opts.DecayDistance, opts.LogTransitionDecay)
	pDiffToDiff = opts.DiffStay - (opts.DiffStay-opts.DmrPrior)*frac
	pDiffToSame := 1 - pDiffToDiff
	// Detailed balance at the steady state: prior(Diff)*P(Diff->Same) ==
	// prior(Same)*P(Same->Diff).
	pSameToDiff = opts.DmrPrior * pDiffToSame / (1 - opts.DmrPrior)
	if pSameToDiff > 1 {
		pSameToDiff = 1
	}
	return pDiffToDiff, pSameToDiff
}

// emissionLogLik returns (logP(Same|p), logP(Different|p)): Different's
// likelihood is 1 when p<=significanceFactor, decaying smoothly above it;
// Same is its complement (spec.md §4.6's "Emission").
func emissionLogLik(p, significanceFactor float64) (logSame, logDiff float64) {
	diffLik := 1.0
	if p > significanceFactor {
		tau := significanceFactor
		diffLik = math.Exp(-(p - significanceFactor) / tau)
	}
	diffLik = math.Min(math.Max(diffLik, 1e-12), 1-1e-12)
	return math.Log(1 - diffLik), math.Log(diffLik)
}

// Segmenter runs the two-state HMM of spec.md §4.6 over one contig's
// sorted sites, via log-space Viterbi decoding on a flat preallocated DP
// table (grounded on the TuftsBCB-seq DynamicTable pattern, generalized
// from its 3-state profile-HMM table down to this module's 2-state one).
func Segmenter(contig string, sites []SiteInput, opts SegmentOpts) []Segment {
	opts = opts.withDefaults()
	n := len(sites)
	if n == 0 {
		return nil
	}

	// scores[state*n+i]; back[state*n+i] is the argmax predecessor state.
	scores := make([]float64, 2*n)
	back := make([]int, 2*n)

	logSame0, logDiff0 := emissionLogLik(sites[0].PValue, opts.SignificanceFactor)
	scores[idx(Same, 0, n)] = math.Log(1-opts.DmrPrior) + logSame0
	scores[idx(Different, 0, n)] = math.Log(opts.DmrPrior) + logDiff0

	for i := 1; i < n; i++ {
		d := sites[i].Position - sites[i-1].Position
		var pDiffToDiff, pSameToDiff float64
		if opts.MaxGapSize > 0 && d > opts.MaxGapSize {
			// Forced break: re-initialize from the marginal prior,
			// independent of the previous state.
			pDiffToDiff = opts.DmrPrior
			pSameToDiff = opts.DmrPrior
		} else {
			pDiffToDiff, pSameToDiff = transitionMatrix(d, opts)
		}
		pDiffToSame := 1 - pDiffToDiff
		pSameToSame := 1 - pSameToDiff

		logSame, logDiff := emissionLogLik(sites[i].PValue, opts.SignificanceFactor)

		fromSameToSame := scores[idx(Same, i-1, n)] + math.Log(pSameToSame)
		fromDiffToSame := scores[idx(Different, i-1, n)] + math.Log(pDiffToSame)
		// Ties broken in favor of Same (spec.md §4.6).
		if fromSameToSame >= fromDiffToSame {
			scores[idx(Same, i, n)] = fromSameToSame + logSame
			back[idx(Same, i, n)] = int(Same)
		} else {
			scores[idx(Same, i, n)] = fromDiffToSame + logSame
			back[idx(Same, i, n)] = int(Different)
		}

		fromSameToDiff := scores[idx(Same, i-1, n)] + math.Log(pSameToDiff)
		fromDiffToDiff := scores[idx(Different, i-1, n)] + math.Log(pDiffToDiff)
		if fromDiffToDiff >= fromSameToDiff {
			scores[idx(Different, i, n)] = fromDiffToDiff + logDiff
			back[idx(Different, i, n)] = int(Different)
		} else {
			scores[idx(Different, i, n)] = fromSameToDiff + logDiff
			back[idx(Different, i, n)] = int(Same)
		}
	}

	path := make([]State, n)
	last := Same
	if scores[idx(Different, n-1, n)] > scores[idx(Same, n-1, n)] {
		last = Different
	}
	path[n-1] = last
	for i := n - 1; i > 0; i-- {
		path[i-1] = State(back[idx(path[i], i, n)])
	}

	return tracebackSegments(contig, sites, path)
}

func idx(s State, i, n int) int { return int(s)*n + i }

// tracebackSegments groups consecutive like-labeled states into segments,
// aggregating counts and a per-segment score from the sum of per-site
// -log10(p) significance (spec.md §4.6: "score (sum of per-site scores
// within)").
func tracebackSegments(contig string, sites []SiteInput, path []State) []Segment {
	var out []Segment
	start := 0
	flush := func(end int) {
		seg := Segment{
			Contig: contig,
			Start:  sites[start].Position,
			End:    sites[end-1].Position + 1,
			State:  path[start],
			NSites: end - start,
		}
		aCounts := map[string]int{}
		bCounts := map[string]int{}
		var sumA, sumB, sumEffect, sumH, sumHLow, sumHHigh, sumAPct, sumBPct float64
		for i := start; i < end; i++ {
			s := sites[i]
			for k, v := range s.ACounts {
				aCounts[k] += v
			}
			for k, v := range s.BCounts {
				bCounts[k] += v
			}
			seg.Score += -math.Log10(math.Max(s.PValue, 1e-300))
			sumA += s.AFracMod
			sumB += s.BFracMod
			sumEffect += s.EffectSize
			sumH += s.CohensH
			sumHLow += s.HLow
			sumHHigh += s.HHigh
			sumAPct += s.APctSamples
			sumBPct += s.BPctSamples
		}
		n := float64(end - start)
		seg.ACounts, seg.BCounts = aCounts, bCounts
		seg.AFracMod, seg.BFracMod = sumA/n, sumB/n
		seg.Effect = sumEffect / n
		seg.CohensH = sumH / n
		seg.HLow, seg.HHigh = sumHLow/n, sumHHigh/n
		seg.APctSamples, seg.BPctSamples = sumAPct/n, sumBPct/n
		out = append(out, seg)
	}
	for i := 1; i < len(path); i++ {
		if path[i] != path[i-1] {
			flush(i)
			start = i
		}
	}
	flush(len(path))
	return out
}
