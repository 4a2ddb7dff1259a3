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

import "fmt"

// Fit runs the configured analysis kernel against one locus's genotype
// dosage vector (length c.N, NaN marking a missing call), using scratch
// owned by the calling worker.
func (c *Context) Fit(analysis AnalysisType, genotype []float64, s *WorkerScratch) (Result, error) {
	switch analysis {
	case LinearDummy:
		return c.FitLinear(genotype, s, true), nil
	case Linear:
		return c.FitLinear(genotype, s, false), nil
	case Logistic:
		return c.FitLogistic(genotype, s), nil
	case LinearOblivious:
		return c.FitLinearOblivious(genotype, s), nil
	case LogisticOblivious:
		return c.FitLogisticOblivious(genotype, s), nil
	default:
		return Result{}, fmt.Errorf("regression: unknown analysis type %q", analysis)
	}
}

// IsLogistic reports whether analysis is one of the two logistic variants,
// which append an iteration count and convergence flag to their output
// line.
func (a AnalysisType) IsLogistic() bool {
	return a == Logistic || a == LogisticOblivious
}

// IsOblivious reports whether analysis is one of the two oblivious
// variants.
func (a AnalysisType) IsOblivious() bool {
	return a == LinearOblivious || a == LogisticOblivious
}

// FormatOutput renders a Result as the tab-separated output line body
// (everything after "locus\talleles\t"). A failed result -- whether a
// singular design matrix (linear) or a non-converged fit (logistic) --
// always emits the same five fields: three NA values, the iteration count
// (at least 1), and "false".
func FormatOutput(analysis AnalysisType, r Result) string {
	if r.Failed {
		it := r.Iterations
		if it == 0 {
			it = 1
		}
		return fmt.Sprintf("NA\tNA\tNA\t%d\tfalse", it)
	}
	if analysis.IsLogistic() {
		return fmt.Sprintf("%g\t%g\t%g\t%d\ttrue", r.Beta, r.StdErr, r.TStat, r.Iterations)
	}
	return fmt.Sprintf("%g\t%g\t%g", r.Beta, r.StdErr, r.TStat)
}
