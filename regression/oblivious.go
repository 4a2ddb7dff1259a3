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

import "github.com/grailbio/gwas/ctsel"

// imputeGenotypeOblivious is the data-oblivious twin of imputeGenotype: the
// per-sample substitution x' = !is_NA*x + is_NA*avg is performed with
// ctsel.SelectFloat64 instead of a branch, using a constant-time NaN test
// so that which samples were missing is never visible in control flow.
func imputeGenotypeOblivious(raw []float64) (imputed []float64, mean float64) {
	n := len(raw)
	isNA := make([]ctsel.Pred, n)
	var sum float64
	var count float64
	for i, v := range raw {
		na := ctsel.IsNaN(v)
		isNA[i] = na
		sum += ctsel.SelectFloat64(na, 0, v)
		count += ctsel.SelectFloat64(na, 0, 1)
	}
	if count > 0 {
		mean = sum / count
	}
	imputed = make([]float64, n)
	for i, v := range raw {
		imputed[i] = ctsel.SelectFloat64(isNA[i], mean, v)
	}
	return imputed, mean
}

// FitLinearOblivious fits the same model as FitLinear but through the
// oblivious matrix kernels (gwasmath's ObliviousDet/ObliviousInv) and
// oblivious NA imputation. It never returns Failed: a singular design
// matrix surfaces as a non-finite beta/std_err instead of an error, since
// the caller must never branch on whether the determinant was zero.
func (c *Context) FitLinearOblivious(genotype []float64, s *WorkerScratch) Result {
	imputed, _ := imputeGenotypeOblivious(genotype)
	assembleLinearSystem(c, imputed, s, false)

	s.xtx.ObliviousInv()
	s.xtx.TimesVec(s.xty, s.beta)

	rss := residualSumSquares(c, imputed, s.beta)
	dof := float64(c.N - c.D)
	sigma2 := rss / dof
	se := sqrtNonNeg(sigma2 * s.xtx.InvAt(0, 0))
	return Result{Beta: s.beta[0], StdErr: se, TStat: s.beta[0] / se}
}

// FitLogisticOblivious mirrors FitLogistic but uses obliviousSigmoid and
// the oblivious matrix inverse at each Newton step, and oblivious NA
// imputation up front. The outer iteration count/convergence check is the
// one data-dependent control-flow path the kernel still has: only the
// matrix ops, NA imputation, and DP-boundary index advancement need to be
// oblivious, not the iteration count itself.
func (c *Context) FitLogisticOblivious(genotype []float64, s *WorkerScratch) Result {
	imputed, _ := imputeGenotypeOblivious(genotype)
	for i := range s.beta {
		s.beta[i] = 0
	}

	iterations := 0
	converged := false
	for ; iterations < maxNewtonIterations; iterations++ {
		maxDelta := newtonStepOblivious(c, imputed, s)
		if maxDelta < newtonTolerance {
			converged = true
			iterations++
			break
		}
	}

	if !converged {
		return Result{Iterations: iterations, Converged: false, Failed: true}
	}
	se := sqrtNonNeg(s.xtx.InvAt(0, 0))
	return Result{
		Beta:       s.beta[0],
		StdErr:     se,
		TStat:      s.beta[0] / se,
		Iterations: iterations,
		Converged:  true,
	}
}

func newtonStepOblivious(c *Context, genotype []float64, s *WorkerScratch) float64 {
	d := c.D
	s.xtx.Reset()
	for i := range s.xty {
		s.xty[i] = 0
	}

	for i := 0; i < c.N; i++ {
		x := designRow(genotype, c.cov, i)
		eta := dot(s.beta, x)
		p := obliviousSigmoid(eta)
		w := p * (1 - p)
		resid := c.y[i] - p

		for a := 0; a < d; a++ {
			s.xty[a] += x[a] * resid
			for b := 0; b < d; b++ {
				s.xtx.Add(a, b, w*x[a]*x[b])
			}
		}
	}

	s.xtx.ObliviousInv()
	s.xtx.TimesVec(s.xty, s.grad)

	var maxDelta float64
	for i, g := range s.grad {
		s.beta[i] += g
		abs := g
		if abs < 0 {
			abs = -abs
		}
		if abs > maxDelta {
			maxDelta = abs
		}
	}
	return maxDelta
}
