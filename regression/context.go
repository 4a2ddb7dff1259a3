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

// Package regression implements the four per-locus fit kernels: linear and
// logistic, each in a straight-line and a data-oblivious variant. All four
// share one design-matrix layout: column 0 is the locus's genotype dosage,
// columns 1..D-1 are the run's fixed covariates (one of which is the
// synthesized constant "1" intercept).
package regression

import "github.com/grailbio/gwas/gwasmath"

// AnalysisType selects which of the four kernels Fit uses. The string
// values match the config file's analysis_type values verbatim.
type AnalysisType string

const (
	LinearDummy       AnalysisType = "linear_dummy"
	Linear            AnalysisType = "linear"
	Logistic          AnalysisType = "logistic"
	LinearOblivious   AnalysisType = "linear-oblivious"
	LogisticOblivious AnalysisType = "logistic-oblivious"
)

// ImputePolicy controls how a missing genotype value is substituted.
type ImputePolicy string

const (
	// EPACTS substitutes the locus's mean genotype for missing values.
	EPACTS ImputePolicy = "EPACTS"
	// Hail does the same substitution; the distinction from EPACTS matters
	// upstream (variance correction in reported allele frequency), not in
	// the substitution value itself, so Fit treats both identically.
	Hail ImputePolicy = "Hail"
)

// Result is one locus's fit outcome.
type Result struct {
	Beta       float64
	StdErr     float64
	TStat      float64
	Iterations int
	Converged  bool
	// Failed is true when the fit could not produce a result (singular
	// design matrix for linear, or a caller should format NA fields).
	Failed bool
}

// Context holds the data shared by every locus: the phenotype, the fixed
// covariates, and the quantities that can be precomputed once because they
// do not depend on genotype.
type Context struct {
	N int // total patients across all DPs
	D int // 1 (genotype) + number of covariate columns

	y   []float64   // length N
	cov [][]float64 // N rows x (D-1) columns

	impute ImputePolicy

	// covTCov and covTY are constant across loci: they never include the
	// genotype column. LinearDummy reuses them directly; Linear
	// recomputes the equivalent quantities from scratch every locus --
	// same math, different data layout.
	covTCov *gwasmath.SqrMatrix
	covTY   []float64
}

// NewContext builds a regression Context from the assembled phenotype and
// covariate columns (including the synthesized "1" intercept column, which
// the caller must already have appended to cov).
func NewContext(y []float64, cov [][]float64, impute ImputePolicy) *Context {
	n := len(y)
	k := 0
	if n > 0 {
		k = len(cov[0])
	}
	ctx := &Context{
		N:      n,
		D:      1 + k,
		y:      y,
		cov:    cov,
		impute: impute,
	}
	if k > 0 {
		ctx.covTCov = gwasmath.NewSqrMatrix(k)
		ctx.covTY = make([]float64, k)
		for i := 0; i < n; i++ {
			row := cov[i]
			for a := 0; a < k; a++ {
				ctx.covTY[a] += row[a] * y[i]
				for b := 0; b < k; b++ {
					ctx.covTCov.Add(a, b, row[a]*row[b])
				}
			}
		}
	}
	return ctx
}

// imputeGenotype replaces NaN entries (missing calls) with the locus's mean
// of the non-missing entries, per the configured ImputePolicy. It returns
// the imputed slice and the mean used.
func imputeGenotype(raw []float64) (imputed []float64, mean float64) {
	var sum float64
	var count int
	for _, v := range raw {
		if !isNA(v) {
			sum += v
			count++
		}
	}
	if count > 0 {
		mean = sum / float64(count)
	}
	imputed = make([]float64, len(raw))
	for i, v := range raw {
		if isNA(v) {
			imputed[i] = mean
		} else {
			imputed[i] = v
		}
	}
	return imputed, mean
}

func isNA(v float64) bool { return v != v } // NaN marks a missing call
