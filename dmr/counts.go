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
	"math"

	"github.com/grailbio/bio-modbam/encoding/bedmethyl"
)

// SampleCounts is one sample's (one bedMethyl file's) contribution at a
// region or site: per-code modified counts plus the shared canonical/
// coverage totals, collapsed across motif-split rows of the same code.
type SampleCounts struct {
	ByCode map[string]int // code -> n_mod
	NMod   int             // sum over codes, all-codes combined
	NValid int             // n_valid_cov
}

// addRow folds one bedMethyl row into s, attributing its mod code (parsed
// out of the row's possibly motif-annotated Name) to ByCode.
func (s *SampleCounts) addRow(r *bedmethyl.Record) {
	if s.ByCode == nil {
		s.ByCode = make(map[string]int)
	}
	code := codeFromName(r.Name)
	s.ByCode[code] += r.NMod
	s.NMod += r.NMod
	s.NValid += r.NValidCov
}

func codeFromName(name string) string {
	for i, c := range name {
		if c == ',' {
			return name[:i]
		}
	}
	return name
}

// fractionModified returns n_mod/n_valid_cov, or 0 if there's no coverage.
func (s SampleCounts) fractionModified() float64 {
	if s.NValid == 0 {
		return 0
	}
	return float64(s.NMod) / float64(s.NValid)
}

// GroupCounts aggregates SampleCounts across a condition's replicate
// samples.
type GroupCounts struct {
	Samples []SampleCounts
}

// pooled sums every sample's counts, the "pooled counts" spec.md §4.5's
// region-mode null model scores against.
func (g GroupCounts) pooled() SampleCounts {
	var out SampleCounts
	out.ByCode = make(map[string]int)
	for _, s := range g.Samples {
		for code, n := range s.ByCode {
			out.ByCode[code] += n
		}
		out.NMod += s.NMod
		out.NValid += s.NValid
	}
	return out
}

// categoryVector lays out pooled counts for codes (in a stable order) as
// [canonical, code_1, ..., code_k] float64s, the category vector the
// Dirichlet-Multinomial model scores (spec.md §4.5: "Dirichlet-Multinomial
// model over {canonical, code1, ...}").
func categoryVector(s SampleCounts, codes []string) []float64 {
	out := make([]float64, len(codes)+1)
	modSum := 0
	for i, code := range codes {
		n := s.ByCode[code]
		out[i+1] = float64(n)
		modSum += n
	}
	canonical := s.NValid - modSum
	if canonical < 0 {
		canonical = 0
	}
	out[0] = float64(canonical)
	return out
}

// nonMissingSamples counts samples in g with NValid>0, used for
// pct_a_samples/pct_b_samples (spec.md §4.5).
func (g GroupCounts) nonMissingSamples() int {
	n := 0
	for _, s := range g.Samples {
		if s.NValid > 0 {
			n++
		}
	}
	return n
}

// capCoverage scales every sample's counts in place so the group's total
// coverage equals the maximum single-sample coverage, preserving
// proportions (spec.md §4.5's "Coverage capping").
func (g *GroupCounts) capCoverage(codes []string) {
	maxCov := 0
	for _, s := range g.Samples {
		if s.NValid > maxCov {
			maxCov = s.NValid
		}
	}
	total := 0
	for _, s := range g.Samples {
		total += s.NValid
	}
	if total <= maxCov || maxCov == 0 {
		return
	}
	for i, s := range g.Samples {
		g.Samples[i] = rescaleSample(s, codes, maxCov, total)
	}
}

// balancedDownsample returns a copy of g with every sample rescaled to the
// minimum per-sample valid coverage across both groups (spec.md §4.5's
// "Balanced" variant).
func balancedDownsample(a, b GroupCounts, codes []string) (GroupCounts, GroupCounts) {
	minCov := -1
	for _, g := range []GroupCounts{a, b} {
		for _, s := range g.Samples {
			if minCov == -1 || s.NValid < minCov {
				minCov = s.NValid
			}
		}
	}
	if minCov <= 0 {
		return a, b
	}
	rescaleGroup := func(g GroupCounts) GroupCounts {
		out := GroupCounts{Samples: make([]SampleCounts, len(g.Samples))}
		for i, s := range g.Samples {
			out.Samples[i] = rescaleSample(s, codes, minCov, s.NValid)
		}
		return out
	}
	return rescaleGroup(a), rescaleGroup(b)
}

func rescaleSample(s SampleCounts, codes []string, target, total int) SampleCounts {
	if total <= 0 || s.NValid <= 0 {
		return s
	}
	// s keeps its share of the coverage: total scales onto target.
	newValid := int(math.Round(float64(s.NValid) * float64(target) / float64(total)))
	counts := make([]int, len(codes)+1) // [canonical, code_1, ..., code_k]
	sum := 0
	for i, code := range codes {
		counts[i+1] = s.ByCode[code]
		sum += counts[i+1]
	}
	if canonical := s.NValid - sum; canonical > 0 {
		counts[0] = canonical
		sum += canonical
	}
	scaled := downsampleProportional(counts, sum, newValid)
	out := SampleCounts{ByCode: make(map[string]int), NValid: newValid}
	for i, code := range codes {
		out.ByCode[code] = scaled[i+1]
		out.NMod += scaled[i+1]
	}
	return out
}
