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

// Package dmr implements the DMR Scorer and Segmenter (spec.md §4.5-4.6):
// region- and single-site-mode differential-modification scoring between
// two sample groups, and a two-state HMM that groups significant sites
// into segments. The numerical routines (log-Beta sums, Beta-posterior
// grid integration) are small, self-contained math, grounded on the
// spec's own "fixed grid" guidance (§9) rather than any statistics library
// in the example pack.
package dmr

import "math"

// lgamma is a thin wrapper dropping math.Lgamma's sign (always positive for
// the positive arguments this package calls it with).
func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}

// logDirichletMultinomial returns the log marginal likelihood of observed
// category counts x under a Dirichlet-Multinomial model with concentration
// vector alpha, integrating out the category probabilities (spec.md §4.5:
// "implementation uses log-Beta sums").
//
//	log p(x|alpha) = lgamma(sum(alpha)) - lgamma(n+sum(alpha))
//	                 + sum_i [lgamma(x_i+alpha_i) - lgamma(alpha_i)]
func logDirichletMultinomial(x, alpha []float64) float64 {
	sumAlpha, n := 0.0, 0.0
	ll := 0.0
	for i := range x {
		sumAlpha += alpha[i]
		n += x[i]
		ll += lgamma(x[i]+alpha[i]) - lgamma(alpha[i])
	}
	return lgamma(sumAlpha) - lgamma(n+sumAlpha) + ll
}

// symmetricAlpha returns a k-length concentration vector of all 1s, the
// uninformative symmetric Dirichlet prior used for region-mode scoring.
func symmetricAlpha(k int) []float64 {
	a := make([]float64, k)
	for i := range a {
		a[i] = 1
	}
	return a
}

// likelihoodRatioScore compares a "single-distribution" null (category
// counts pooled across both groups) to a "two-distribution" alternative
// (each group scored against its own distribution) under a symmetric
// Dirichlet-Multinomial model. Positive values favor the alternative, i.e.
// indicate greater divergence between the groups (spec.md §4.5).
func likelihoodRatioScore(a, b []float64) float64 {
	alpha := symmetricAlpha(len(a))
	pooled := make([]float64, len(a))
	for i := range a {
		pooled[i] = a[i] + b[i]
	}
	logAlt := logDirichletMultinomial(a, alpha) + logDirichletMultinomial(b, alpha)
	logNull := logDirichletMultinomial(pooled, alpha)
	return logAlt - logNull
}

// cohensH computes Cohen's h effect size between two proportions, and its
// 95% CI via the normal approximation on the arcsine-transformed
// proportions (spec.md §4.5): Var(2*asin(sqrt(p))) ≈ 1/n.
func cohensH(pA float64, nA int, pB float64, nB int) (h, low, high float64) {
	phi := func(p float64) float64 { return 2 * math.Asin(math.Sqrt(clamp01(p))) }
	h = phi(pA) - phi(pB)
	if nA <= 0 || nB <= 0 {
		return h, h, h
	}
	se := math.Sqrt(1/float64(nA) + 1/float64(nB))
	return h, h - 1.96*se, h + 1.96*se
}

func clamp01(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// betaGridPoints is the fixed grid resolution for MAP p-value integration
// (spec.md §9: "fixed 101-point grid").
const betaGridPoints = 101

// logBetaPDF returns the log density of Beta(alpha,beta) at x in (0,1).
func logBetaPDF(x, alpha, beta float64) float64 {
	if x <= 0 || x >= 1 {
		return math.Inf(-1)
	}
	logNorm := lgamma(alpha) + lgamma(beta) - lgamma(alpha+beta)
	return (alpha-1)*math.Log(x) + (beta-1)*math.Log(1-x) - logNorm
}

// betaPosteriorGrid evaluates the (unnormalized, then normalized) posterior
// density of a binomial proportion with nMod successes out of n trials under
// a Beta(priorAlpha,priorBeta) prior, at betaGridPoints evenly spaced points
// in (0,1). Returns the grid values and their spacing.
func betaPosteriorGrid(nMod, n int, priorAlpha, priorBeta float64) (density []float64, dx float64) {
	postAlpha := priorAlpha + float64(nMod)
	postBeta := priorBeta + float64(n-nMod)
	density = make([]float64, betaGridPoints)
	dx = 1.0 / float64(betaGridPoints-1)
	sum := 0.0
	for i := range density {
		x := float64(i) * dx
		x = math.Min(math.Max(x, 1e-6), 1-1e-6)
		logP := logBetaPDF(x, postAlpha, postBeta)
		density[i] = math.Exp(logP)
		sum += density[i]
	}
	if sum > 0 {
		for i := range density {
			density[i] /= sum * dx
		}
	}
	return density, dx
}

// mapPValue computes the MAP-based p-value of spec.md §4.5: the posterior
// distribution over the effect size (pA-pB) is built from the product of
// each group's independent Beta-posterior grid, then the ratio of
// posterior mass at |effect| >= delta to the mass at effect ~= 0 is
// returned. A grid cell nearest zero stands in for "mass at 0" since a
// continuous density has no mass at a single point.
func mapPValue(nModA, nA, nModB, nB int, priorAlpha, priorBeta, delta float64) float64 {
	densA, dx := betaPosteriorGrid(nModA, nA, priorAlpha, priorBeta)
	densB, _ := betaPosteriorGrid(nModB, nB, priorAlpha, priorBeta)

	var massAtDelta, massAtZero float64
	zeroWeight := 0.0
	for i, da := range densA {
		pa := float64(i) * dx
		for j, db := range densB {
			pb := float64(j) * dx
			w := da * db * dx * dx
			effect := pa - pb
			if math.Abs(effect) >= delta {
				massAtDelta += w
			}
			// Weight mass near zero by closeness, concentrating the "point
			// mass at 0" comparison onto the single nearest grid diagonal.
			d := math.Abs(effect)
			if d < dx {
				bump := w * (1 - d/dx)
				massAtZero += bump
				zeroWeight += w
			}
		}
	}
	if massAtZero <= 0 {
		if massAtDelta <= 0 {
			return 1
		}
		return math.Inf(1)
	}
	return massAtDelta / massAtZero
}

// downsampleProportional scales counts so the total equals target,
// preserving proportions (spec.md §4.5's "Coverage capping" and "Balanced"
// downsampling both need this), rounding to the nearest integer and
// assigning any rounding remainder to the largest category.
func downsampleProportional(counts []int, total, target int) []int {
	if total <= 0 || target >= total {
		out := make([]int, len(counts))
		copy(out, counts)
		return out
	}
	out := make([]int, len(counts))
	scaled := 0
	largest := 0
	for i, c := range counts {
		v := int(math.Round(float64(c) * float64(target) / float64(total)))
		out[i] = v
		scaled += v
		if counts[i] > counts[largest] {
			largest = i
		}
	}
	out[largest] += target - scaled
	if out[largest] < 0 {
		out[largest] = 0
	}
	return out
}
