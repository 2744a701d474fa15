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
	"testing"

	"github.com/grailbio/bio-modbam/modbam"
	"github.com/grailbio/bio-modbam/modbam/project"
	"github.com/grailbio/bio-modbam/pileup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callWithPeak(base byte, peak float64) project.Call {
	return project.Call{
		PrimaryBase: base,
		Call:        &modbam.Call{Codes: []modbam.Code{"m"}, CodeProbs: []float64{peak}, Canonical: 1 - peak},
	}
}

func TestQuantile(t *testing.T) {
	values := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0}
	assert.InDelta(t, 0.1, quantile(values, 0), 1e-9)
	assert.InDelta(t, 1.0, quantile(values, 1), 1e-9)
	assert.InDelta(t, 0.28, quantile(values, 0.2), 1e-9)
}

func TestEstimate_DefaultPercentile(t *testing.T) {
	var calls []project.Call
	for i := 1; i <= 10; i++ {
		calls = append(calls, callWithPeak(pileup.BaseC, float64(i)/10))
	}
	set, err := Estimate(calls, Opts{})
	require.NoError(t, err)
	assert.InDelta(t, quantile([]float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0}, DefaultPercentile), set.ByBase[pileup.BaseC], 1e-9)
}

func TestEstimate_EmptySampleUsesPerBaseOverride(t *testing.T) {
	set, err := Estimate(nil, Opts{Overrides: Overrides{PerBase: map[byte]float64{pileup.BaseC: 0}}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, set.ByBase[pileup.BaseC])
}

func TestEstimate_GlobalOverrideBypassesEstimation(t *testing.T) {
	calls := []project.Call{callWithPeak(pileup.BaseC, 0.01)}
	g := 0.75
	set, err := Estimate(calls, Opts{Overrides: Overrides{Global: &g}})
	require.NoError(t, err)
	assert.Equal(t, 0.75, set.ByBase[pileup.BaseC])
}

func TestEstimate_PerCodeOverrideWins(t *testing.T) {
	calls := []project.Call{callWithPeak(pileup.BaseC, 0.5)}
	set, err := Estimate(calls, Opts{Overrides: Overrides{PerCode: map[modbam.Code]float64{"m": 0.9}}})
	require.NoError(t, err)
	assert.Equal(t, 0.9, set.Threshold(pileup.BaseC, "m", true))
}

func TestRequireNonEmpty(t *testing.T) {
	require.NoError(t, RequireNonEmpty([]project.Call{{}}))
	require.ErrorIs(t, RequireNonEmpty(nil), ErrInsufficientSample)
}

func TestPerShardBudget(t *testing.T) {
	total := 0
	for i := 0; i < 3; i++ {
		total += perShardBudget(10, 3, i)
	}
	assert.Equal(t, 10, total)
}

func TestIncludeByHash_Deterministic(t *testing.T) {
	a := includeByHash("read1", 0.5, 42)
	b := includeByHash("read1", 0.5, 42)
	assert.Equal(t, a, b)
	assert.True(t, includeByHash("read1", 1.0, 42))
	assert.False(t, includeByHash("read1", 0.0, 42))
}
