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

// Package ctsel provides constant-time selection and swap primitives used by
// the oblivious regression kernels. Every function here takes a predicate as
// an int (0 or 1, never a bool) and is built on top of crypto/subtle, whose
// ConstantTimeSelect is specified to execute in time independent of its
// arguments. Callers must never branch on the predicate themselves -- doing
// so anywhere on the path from encrypted genotype to emitted statistic
// reintroduces the timing side channel this package exists to close.
//
// This favors a portable, auditable primitive over inline assembly: the
// same branchless guarantee without committing to one instruction set.
package ctsel

import (
	"crypto/subtle"
	"math"
)

// Pred is a constant-time predicate: 1 for true, 0 for false. Unlike bool, it
// has no canonical "zero value is false" compiler-level branch baked in by
// convention, which keeps call sites honest about doing bit arithmetic on it.
type Pred int

// BoolToPred converts a bool to a Pred. This conversion itself is not
// guaranteed constant-time (the Go spec does not promise branchless `if b {
// 1 } else { 0 }` lowering); it exists only for constructing predicates from
// non-secret control state (e.g. "have we already swapped this iteration"),
// never from secret data. Predicates derived from secret data values must be
// built with constant-time comparisons (e.g. crypto/subtle) at the call site
// instead.
func BoolToPred(b bool) Pred {
	if b {
		return 1
	}
	return 0
}

// Not returns the logical negation of a predicate.
func (p Pred) Not() Pred { return 1 - p }

// And returns the logical AND of two predicates.
func (p Pred) And(q Pred) Pred { return p & q }

// Or returns the logical OR of two predicates.
func (p Pred) Or(q Pred) Pred { return p | q }

// Int returns the raw 0/1 value, for interop with crypto/subtle.
func (p Pred) Int() int { return int(p) }

// SelectFloat64 returns ifTrue when pred == 1 and ifFalse when pred == 0,
// without branching on pred. It round-trips the float64 bit pattern through
// crypto/subtle.ConstantTimeSelect, which the standard library documents as
// running in constant time for its int arguments; this assumes a 64-bit int
// (true on amd64/arm64, the platforms the oblivious kernels target).
func SelectFloat64(pred Pred, ifTrue, ifFalse float64) float64 {
	t := int(math.Float64bits(ifTrue))
	f := int(math.Float64bits(ifFalse))
	return math.Float64frombits(uint64(subtle.ConstantTimeSelect(pred.Int(), t, f)))
}

// SelectInt returns ifTrue when pred == 1 and ifFalse when pred == 0.
func SelectInt(pred Pred, ifTrue, ifFalse int) int {
	return subtle.ConstantTimeSelect(pred.Int(), ifTrue, ifFalse)
}

// SelectRow fills dst[i] = SelectFloat64(pred, ifTrue[i], ifFalse[i]) for
// every index. dst may alias neither ifTrue nor ifFalse's backing slices in a
// way that would let an early write affect a later read; passing three
// independent slices is always safe.
func SelectRow(pred Pred, dst, ifTrue, ifFalse []float64) {
	for i := range dst {
		dst[i] = SelectFloat64(pred, ifTrue[i], ifFalse[i])
	}
}

// IsNaN reports, as a constant-time predicate, whether v is NaN. Unlike
// math.IsNaN (which relies on the compiler lowering v != v to a branch),
// this works directly on the IEEE-754 bit pattern through
// subtle.ConstantTimeEq, so it is safe to call on a secret genotype value
// without leaking whether that value is a missing call.
func IsNaN(v float64) Pred {
	bits := math.Float64bits(v)
	exp := uint32(bits>>52) & 0x7ff
	frac := bits & ((1 << 52) - 1)
	fracLo := uint32(frac)
	fracHi := uint32(frac >> 32)

	expAllOnes := subtle.ConstantTimeEq(int32(exp), 0x7ff)
	fracZero := subtle.ConstantTimeEq(int32(fracLo), 0) & subtle.ConstantTimeEq(int32(fracHi), 0)
	return Pred(expAllOnes & (1 - fracZero))
}
