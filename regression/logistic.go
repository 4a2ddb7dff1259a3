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

const (
	maxNewtonIterations = 15
	newtonTolerance     = 1e-6
)

// FitLogistic fits a logistic model by Newton-Raphson, up to
// maxNewtonIterations rounds or until max(|beta_delta|) < newtonTolerance.
func (c *Context) FitLogistic(genotype []float64, s *WorkerScratch) Result {
	imputed, _ := imputeGenotype(genotype)
	for i := range s.beta {
		s.beta[i] = 0
	}

	iterations := 0
	converged := false
	for ; iterations < maxNewtonIterations; iterations++ {
		maxDelta := newtonStep(c, imputed, s, sigmoid)
		if maxDelta < newtonTolerance {
			converged = true
			iterations++
			break
		}
	}

	if !converged {
		return Result{Iterations: iterations, Converged: false, Failed: true}
	}
	se := math.Sqrt(s.xtx.InvAt(0, 0))
	return Result{
		Beta:       s.beta[0],
		StdErr:     se,
		TStat:      s.beta[0] / se,
		Iterations: iterations,
		Converged:  true,
	}
}

// newtonStep performs one Newton-Raphson update: computes fitted
// probabilities p = sigma(X*beta), accumulates the weighted cross product
// X'WX (W = diag(p(1-p))) and the score X'(y-p), solves for beta_delta, and
// adds it to s.beta in place. Returns max(|beta_delta|).
func newtonStep(c *Context, genotype []float64, s *WorkerScratch, sig func(float64) float64) float64 {
	d := c.D
	s.xtx.Reset()
	for i := range s.xty {
		s.xty[i] = 0
	}

	for i := 0; i < c.N; i++ {
		x := designRow(genotype, c.cov, i)
		eta := dot(s.beta, x)
		p := sig(eta)
		w := p * (1 - p)
		resid := c.y[i] - p

		for a := 0; a < d; a++ {
			s.xty[a] += x[a] * resid
			for b := 0; b < d; b++ {
				s.xtx.Add(a, b, w*x[a]*x[b])
			}
		}
	}

	if err := s.xtx.Inv(); err != nil {
		// Singular weighted information matrix: treat as non-convergence
		// rather than propagating the error up, so the row still emits
		// an NA result instead of aborting the whole run.
		for i := range s.grad {
			s.grad[i] = 0
		}
		return math.Inf(1)
	}
	s.xtx.TimesVec(s.xty, s.grad)

	var maxDelta float64
	for i, g := range s.grad {
		s.beta[i] += g
		if math.Abs(g) > maxDelta {
			maxDelta = math.Abs(g)
		}
	}
	return maxDelta
}

// designRow materializes row i of the design matrix [genotype | cov] into a
// length-D slice, allocated per call. Both the standard and the oblivious
// logistic kernels call it.
func designRow(genotype []float64, cov [][]float64, i int) []float64 {
	row := make([]float64, 1+len(cov[i]))
	row[0] = genotype[i]
	copy(row[1:], cov[i])
	return row
}

func dot(a, b []float64) float64 {
	var acc float64
	for i := range a {
		acc += a[i] * b[i]
	}
	return acc
}
