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

// sigmoidWindow is the half-width of the Padé approximation's validity
// window; outside it the logistic outer loop's non-convergence flag is the
// escape hatch for an input that has saturated the curve.
const sigmoidWindow = 3.0

// sigmoid approximates 1/(1+e^-x) with a modified Padé approximant to
// e^-x on (-3, 3) and a saturating step outside it. It branches on x, which
// is fine for the standard logistic kernel but not for the oblivious one;
// obliviousSigmoid below is the constant-time twin.
func sigmoid(x float64) float64 {
	if x >= sigmoidWindow {
		return 1
	}
	if x <= -sigmoidWindow {
		return 0
	}
	eNegX := padeExpNeg(-x)
	return 1 / (1 + eNegX)
}

// padeExpNeg computes the modified Padé approximant to e^x used inside the
// sigmoid window: ((x+3)^2+3) / ((x-3)^2+3). Callers wanting e^-x (i.e.
// sigmoid itself) must pass -x.
func padeExpNeg(x float64) float64 {
	num := (x+sigmoidWindow)*(x+sigmoidWindow) + 3
	den := (x-sigmoidWindow)*(x-sigmoidWindow) + 3
	return num / den
}

// obliviousSigmoid computes the same approximation as sigmoid but without
// branching on x: both the in-window and saturated results are always
// computed, and ctsel.SelectFloat64 picks the right one.
func obliviousSigmoid(x float64) float64 {
	eNegX := padeExpNeg(-x)
	inWindow := 1 / (1 + eNegX)

	aboveWindow := ctsel.BoolToPred(x >= sigmoidWindow)
	belowWindow := ctsel.BoolToPred(x <= -sigmoidWindow)

	result := ctsel.SelectFloat64(belowWindow, 0, inWindow)
	result = ctsel.SelectFloat64(aboveWindow, 1, result)
	return result
}
