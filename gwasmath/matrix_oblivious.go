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
package gwasmath

import "github.com/grailbio/gwas/ctsel"

// ObliviousDet computes the determinant the same way Det does (fraction-free
// row reduction) but with a control flow and memory access pattern that does
// not depend on matrix contents: the candidate-row scan for a zero pivot
// always runs to completion, the row swap (if any) is applied via
// ctsel.SelectRow rather than a conditional std-swap, and the function
// always performs exactly n-1 elimination rounds regardless of whether any
// pivot was actually singular. The single remaining data-dependent quantity
// -- whether a pivot was ever truly missing -- is folded into the return
// value via a final select rather than an early return, so a singular input
// produces a masked 0 through the same arithmetic path a non-singular input
// would take (including, harmlessly, a division by zero that never escapes
// because the select discards it).
func (s *SqrMatrix) ObliviousDet() float64 {
	n := s.n
	if n <= 0 {
		return 0
	}
	copy(s.work, s.m)
	w := s.work
	sign := 1.0
	swapAlwaysFound := ctsel.Pred(1)

	for k := 0; k < n-1; k++ {
		kkIsZero := ctsel.BoolToPred(w[k*n+k] == 0)
		swapNotFound := ctsel.Pred(1)

		for l := k + 1; l < n; l++ {
			lkIsNotZero := ctsel.BoolToPred(w[l*n+k] != 0)
			doSwap := kkIsZero.And(lkIsNotZero).And(swapNotFound)
			swapNotFound = swapNotFound.And(doSwap.Not())

			sign = ctsel.SelectFloat64(doSwap, -sign, sign)
			rowK := w[k*n : k*n+n]
			rowL := w[l*n : l*n+n]
			ctsel.SelectRow(doSwap, s.tmpK, rowL, rowK)
			ctsel.SelectRow(doSwap, s.tmpL, rowK, rowL)
			copy(rowK, s.tmpK)
			copy(rowL, s.tmpL)
		}
		swapAlwaysFound = swapAlwaysFound.And(kkIsZero.Not().Or(swapNotFound.Not()))

		kk := w[k*n+k]
		var kkMinusOne float64
		if k > 0 {
			kkMinusOne = w[(k-1)*n+(k-1)]
		}
		for i := k + 1; i < n; i++ {
			rowI := w[i*n : i*n+n]
			rowK := w[k*n : k*n+n]
			for j := k + 1; j < n; j++ {
				rowI[j] = kk*rowI[j] - rowI[k]*rowK[j]
				if k > 0 {
					// Deliberately unguarded: if kkMinusOne is 0 this
					// produces +-Inf/NaN, which the final select below
					// discards without it ever reaching a caller.
					rowI[j] /= kkMinusOne
				}
			}
		}
	}

	result := sign * w[(n-1)*n+(n-1)]
	return ctsel.SelectFloat64(swapAlwaysFound, result, 0)
}

func (s *SqrMatrix) obliviousCofactor() {
	n := s.n
	if n == 1 {
		s.cof[0] = 1
		return
	}
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			subi := 0
			for i := 0; i < n; i++ {
				if i == x {
					continue
				}
				subj := 0
				for j := 0; j < n; j++ {
					if j == y {
						continue
					}
					s.subM.Set(subi, subj, s.m[i*n+j])
					subj++
				}
				subi++
			}
			sign := 1.0
			if (x+y)&1 == 1 {
				sign = -1
			}
			s.cof[x*n+y] = sign * s.subM.ObliviousDet()
		}
	}
}

// ObliviousInv computes the inverse using ObliviousDet/obliviousCofactor.
// Unlike Inv, it never returns an error: per spec it computes 1/det even
// when det is 0 and lets IEEE-754 double semantics (1/0 = +-Inf) propagate,
// so that the caller never branches on whether the locus was singular. The
// resulting Inf/NaN entries surface downstream as NA-like output, which is
// the documented behavior for a singular oblivious fit.
func (s *SqrMatrix) ObliviousInv() {
	det := s.ObliviousDet()
	s.obliviousCofactor()
	s.transposeCofactorInto(s.t, 1/det)
}
