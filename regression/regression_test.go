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

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticDataset builds a design matrix y = beta_true[0]*genotype +
// beta_true[1]*1 + noise, with deterministic seeding so results are
// reproducible across test runs.
func syntheticDataset(n int, betaTrue [2]float64, seed int64, noise float64) (genotype, y []float64, cov [][]float64) {
	rnd := rand.New(rand.NewSource(seed))
	genotype = make([]float64, n)
	y = make([]float64, n)
	cov = make([][]float64, n)
	for i := 0; i < n; i++ {
		g := float64(rnd.Intn(3)) // 0, 1, or 2 copies of the allele
		genotype[i] = g
		cov[i] = []float64{1} // synthesized intercept
		y[i] = betaTrue[0]*g + betaTrue[1] + noise*rnd.NormFloat64()
	}
	return genotype, y, cov
}

func TestLinearDummyRecoversKnownCoefficient(t *testing.T) {
	genotype, y, cov := syntheticDataset(400, [2]float64{2.5, 1.0}, 1, 0.05)
	ctx := NewContext(y, cov, EPACTS)
	scratch := NewArena(1, ctx.D, ctx.N).Worker(0)

	result := ctx.FitLinear(genotype, scratch, true)
	require.False(t, result.Failed)
	assert.InDelta(t, 2.5, result.Beta, 0.1)
	assert.Greater(t, result.StdErr, 0.0)
}

func TestLinearDummyAndStreamingAgree(t *testing.T) {
	genotype, y, cov := syntheticDataset(150, [2]float64{1.2, 0.5}, 7, 0.2)
	ctx := NewContext(y, cov, EPACTS)
	arena := NewArena(2, ctx.D, ctx.N)

	dummy := ctx.FitLinear(genotype, arena.Worker(0), true)
	streaming := ctx.FitLinear(genotype, arena.Worker(1), false)

	require.False(t, dummy.Failed)
	require.False(t, streaming.Failed)
	assert.InDelta(t, dummy.Beta, streaming.Beta, 1e-9)
	assert.InDelta(t, dummy.StdErr, streaming.StdErr, 1e-9)
	assert.InDelta(t, dummy.TStat, streaming.TStat, 1e-9)
}

func TestLinearSingularDesignFails(t *testing.T) {
	n := 10
	y := make([]float64, n)
	cov := make([][]float64, n)
	genotype := make([]float64, n)
	for i := range y {
		genotype[i] = 1 // constant genotype, perfectly collinear with intercept
		cov[i] = []float64{1}
		y[i] = float64(i)
	}
	ctx := NewContext(y, cov, EPACTS)
	scratch := NewArena(1, ctx.D, ctx.N).Worker(0)
	result := ctx.FitLinear(genotype, scratch, true)
	assert.True(t, result.Failed)
}

func TestObliviousLinearAgreesWithStandard(t *testing.T) {
	genotype, y, cov := syntheticDataset(120, [2]float64{-1.8, 3.0}, 11, 0.1)
	ctx := NewContext(y, cov, EPACTS)
	arena := NewArena(2, ctx.D, ctx.N)

	std := ctx.FitLinear(genotype, arena.Worker(0), true)
	obl := ctx.FitLinearOblivious(genotype, arena.Worker(1))

	require.False(t, std.Failed)
	assert.InDelta(t, std.Beta, obl.Beta, 1e-6)
	assert.InDelta(t, std.StdErr, obl.StdErr, 1e-6)
}

func TestObliviousLinearHandlesAllNABlock(t *testing.T) {
	n := 60
	genotype := make([]float64, n)
	y := make([]float64, n)
	cov := make([][]float64, n)
	rnd := rand.New(rand.NewSource(3))
	for i := 0; i < n; i++ {
		cov[i] = []float64{1}
		if i < n/2 {
			genotype[i] = math.NaN() // one DP's block entirely missing
		} else {
			genotype[i] = float64(rnd.Intn(3))
		}
		y[i] = 0.4*genotype[i] + rnd.NormFloat64()*0.1
	}
	// Replace NaN contributions in y with a neutral value consistent with
	// imputed mean, since the synthetic y above used NaN*0.4 = NaN.
	for i := 0; i < n/2; i++ {
		y[i] = rnd.NormFloat64() * 0.1
	}

	ctx := NewContext(y, cov, EPACTS)
	scratch := NewArena(1, ctx.D, ctx.N).Worker(0)
	result := ctx.FitLinearOblivious(genotype, scratch)
	assert.False(t, math.IsNaN(result.Beta))
	assert.False(t, math.IsInf(result.Beta, 0))
}

func TestLogisticConvergesOnSimulatedData(t *testing.T) {
	n := 200
	rnd := rand.New(rand.NewSource(9))
	genotype := make([]float64, n)
	y := make([]float64, n)
	cov := make([][]float64, n)
	for i := 0; i < n; i++ {
		g := float64(rnd.Intn(3))
		genotype[i] = g
		cov[i] = []float64{1}
		logit := 1.5*g - 1.0
		p := 1 / (1 + math.Exp(-logit))
		if rnd.Float64() < p {
			y[i] = 1
		} else {
			y[i] = 0
		}
	}
	ctx := NewContext(y, cov, EPACTS)
	scratch := NewArena(1, ctx.D, ctx.N).Worker(0)
	result := ctx.FitLogistic(genotype, scratch)
	require.True(t, result.Converged)
	assert.LessOrEqual(t, result.Iterations, maxNewtonIterations)
	assert.InDelta(t, 1.5, result.Beta, 0.6)
	assert.Greater(t, result.StdErr, 0.0)
	assert.InDelta(t, result.Beta/result.StdErr, result.TStat, 1e-9)
}

func TestObliviousLogisticAgreesWithStandard(t *testing.T) {
	n := 200
	rnd := rand.New(rand.NewSource(13))
	genotype := make([]float64, n)
	y := make([]float64, n)
	cov := make([][]float64, n)
	for i := 0; i < n; i++ {
		g := float64(rnd.Intn(3))
		genotype[i] = g
		cov[i] = []float64{1}
		logit := 0.8*g - 0.3
		p := 1 / (1 + math.Exp(-logit))
		if rnd.Float64() < p {
			y[i] = 1
		} else {
			y[i] = 0
		}
	}
	ctx := NewContext(y, cov, EPACTS)
	arena := NewArena(2, ctx.D, ctx.N)
	std := ctx.FitLogistic(genotype, arena.Worker(0))
	obl := ctx.FitLogisticOblivious(genotype, arena.Worker(1))

	require.True(t, std.Converged)
	require.True(t, obl.Converged)
	assert.InDelta(t, std.Beta, obl.Beta, 1e-6)
	assert.InDelta(t, std.StdErr, obl.StdErr, 1e-6)
}

func TestFormatOutputFailedRowsAreNA(t *testing.T) {
	assert.Equal(t, "NA\tNA\tNA\t1\tfalse", FormatOutput(Linear, Result{Failed: true}))
	assert.Equal(t, "NA\tNA\tNA\t3\tfalse", FormatOutput(Logistic, Result{Failed: true, Iterations: 3}))
}

func TestFormatOutputLogisticAppendsIterationAndFlag(t *testing.T) {
	out := FormatOutput(Logistic, Result{Beta: 1, StdErr: 0.5, TStat: 2, Iterations: 4, Converged: true})
	assert.Equal(t, "1\t0.5\t2\t4\ttrue", out)
}

func TestSigmoidMatchesTrueLogisticCurve(t *testing.T) {
	for _, x := range []float64{-2, -1, -0.5, 0, 0.5, 1, 2} {
		want := 1 / (1 + math.Exp(-x))
		assert.InDelta(t, want, sigmoid(x), 0.02, "sigmoid(%v)", x)
		assert.InDelta(t, want, obliviousSigmoid(x), 0.02, "obliviousSigmoid(%v)", x)
	}
}

func TestSigmoidSaturatesOutsideWindow(t *testing.T) {
	assert.Equal(t, 1.0, sigmoid(5))
	assert.Equal(t, 0.0, sigmoid(-5))
	assert.Equal(t, 1.0, obliviousSigmoid(5))
	assert.Equal(t, 0.0, obliviousSigmoid(-5))
}
