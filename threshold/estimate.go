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

package threshold

import (
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bio-modbam/modbam"
	"github.com/grailbio/bio-modbam/modbam/project"
	"github.com/grailbio/bio-modbam/modbamerrors"
)

// DefaultPercentile is the quantile used when Opts.Percentile is 0.
const DefaultPercentile = 0.1

// Overrides fixes threshold values by caller request, bypassing estimation
// for the scopes they name (spec.md §4.3).
type Overrides struct {
	// Global, if non-nil, fixes every primary base's threshold.
	Global *float64
	// PerBase fixes individual primary_base -> threshold.
	PerBase map[byte]float64
	// PerCode fixes individual mod_code -> threshold, taking precedence
	// over PerBase/Global for that code.
	PerCode map[modbam.Code]float64
}

// Opts configures Estimate.
type Opts struct {
	Percentile float64 // quantile p in (0,1); 0 means DefaultPercentile
	Overrides  Overrides
}

// Set is the estimated (or overridden) threshold mapping produced by
// Estimate: primary_base -> threshold, plus any per-code overrides.
type Set struct {
	ByBase map[byte]float64
	ByCode map[modbam.Code]float64
}

// Threshold returns the effective threshold for a call assigned to code on
// primaryBase: the per-code override if present, else the per-base value.
func (s *Set) Threshold(primaryBase byte, code modbam.Code, hasCode bool) float64 {
	if hasCode {
		if t, ok := s.ByCode[code]; ok {
			return t
		}
	}
	return s.ByBase[primaryBase]
}

// Estimate computes a Set from a sample of projected calls, honoring any
// fixed overrides in opts.Overrides.
func Estimate(calls []project.Call, opts Opts) (*Set, error) {
	p := opts.Percentile
	if p <= 0 {
		p = DefaultPercentile
	}

	peaksByBase := make(map[byte][]float64)
	for _, c := range calls {
		if c.Call == nil {
			continue
		}
		peaksByBase[c.PrimaryBase] = append(peaksByBase[c.PrimaryBase], c.Call.Peak())
	}

	out := &Set{ByBase: make(map[byte]float64), ByCode: make(map[modbam.Code]float64)}
	bases := []byte{}
	for b := range peaksByBase {
		bases = append(bases, b)
	}
	if opts.Overrides.PerBase != nil {
		for b := range opts.Overrides.PerBase {
			bases = append(bases, b)
		}
	}
	seen := make(map[byte]bool)
	for _, b := range bases {
		if seen[b] {
			continue
		}
		seen[b] = true
		t, err := estimateOne(b, peaksByBase[b], p, opts.Overrides)
		if err != nil {
			return nil, err
		}
		out.ByBase[b] = t
	}
	for code, t := range opts.Overrides.PerCode {
		out.ByCode[code] = t
	}
	return out, nil
}

func estimateOne(base byte, peaks []float64, p float64, overrides Overrides) (float64, error) {
	if t, ok := overrides.PerBase[base]; ok {
		return t, nil
	}
	if overrides.Global != nil {
		return *overrides.Global, nil
	}
	if len(peaks) == 0 {
		log.Error.Printf("threshold: empty sample for base %v, falling back to 0.0", base)
		return 0.0, nil
	}
	return quantile(peaks, p), nil
}

// quantile returns the p-th quantile (p in (0,1)) of values using linear
// interpolation between closest ranks, the same convention spec.md §4.3's
// "bottom p fraction fail" description implies.
func quantile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// ErrInsufficientSample is returned by RequireNonEmpty; Estimate itself
// never returns it, since spec.md §4.3 has per-base estimation degrade to a
// 0.0 threshold with a warning rather than fail outright.
var ErrInsufficientSample = modbamerrors.InsufficientSample

// RequireNonEmpty returns ErrInsufficientSample if calls is empty, letting
// CLI callers choose to fail hard instead of silently falling back to a
// 0.0 threshold for every base.
func RequireNonEmpty(calls []project.Call) error {
	if len(calls) == 0 {
		return ErrInsufficientSample
	}
	return nil
}
