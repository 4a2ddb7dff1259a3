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
package regression

import "math"

// FitLinear fits y = beta0*genotype + beta[1:]*cov + eps by ordinary least
// squares. useCache reuses the context's precomputed covariate-only cross
// products (the "linear_dummy" data layout); when false every entry of the
// design-matrix cross product is recomputed from scratch each call (the
// "linear" streaming layout). Both produce the same beta to machine
// precision.
func (c *Context) FitLinear(genotype []float64, s *WorkerScratch, useCache bool) Result {
	imputed, _ := imputeGenotype(genotype)
	assembleLinearSystem(c, imputed, s, useCache)

	if err := s.xtx.Inv(); err != nil {
		return Result{Failed: true}
	}
	s.xtx.TimesVec(s.xty, s.beta)

	rss := residualSumSquares(c, imputed, s.beta)
	dof := float64(c.N - c.D)
	if dof <= 0 {
		return Result{Failed: true}
	}
	sigma2 := rss / dof
	se := sqrtNonNeg(sigma2 * s.xtx.InvAt(0, 0))
	if se == 0 {
		return Result{Failed: true}
	}
	return Result{Beta: s.beta[0], StdErr: se, TStat: s.beta[0] / se}
}

// assembleLinearSystem fills s.xtx and s.xty for the design matrix
// [genotype | cov]. When useCache is true, the covariate-only block is
// copied from the context's precomputed covTCov/covTY instead of
// re-accumulated.
func assembleLinearSystem(c *Context, genotype []float64, s *WorkerScratch, useCache bool) {
	d := c.D
	s.xtx.Reset()
	for i := range s.xty {
		s.xty[i] = 0
	}

	if useCache && c.covTCov != nil {
		for a := 0; a < d-1; a++ {
			s.xty[1+a] = c.covTY[a]
			for b := 0; b < d-1; b++ {
				s.xtx.Set(1+a, 1+b, c.covTCov.At(a, b))
			}
		}
	}

	for i := 0; i < c.N; i++ {
		g := genotype[i]
		row := c.cov[i]
		y := c.y[i]

		s.xtx.Add(0, 0, g*g)
		s.xty[0] += g * y
		for a := 0; a < d-1; a++ {
			s.xtx.Add(0, 1+a, g*row[a])
			s.xtx.Add(1+a, 0, g*row[a])
			if !useCache || c.covTCov == nil {
				s.xty[1+a] += row[a] * y
				for b := 0; b < d-1; b++ {
					s.xtx.Add(1+a, 1+b, row[a]*row[b])
				}
			}
		}
	}
}

func residualSumSquares(c *Context, genotype, beta []float64) float64 {
	var rss float64
	for i := 0; i < c.N; i++ {
		pred := beta[0] * genotype[i]
		row := c.cov[i]
		for a := range row {
			pred += beta[1+a] * row[a]
		}
		resid := c.y[i] - pred
		rss += resid * resid
	}
	return rss
}

func sqrtNonNeg(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}
