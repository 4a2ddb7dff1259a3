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
package enclave

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// denormalsFlushable reports whether this CPU can flush subnormal floating
// point values to zero on both input and output (FTZ/DAZ). A subnormal
// value takes measurably longer to compute on most x86 FPUs than a normal
// one, which is a timing side channel the oblivious kernels cannot afford.
// Go has no portable way to set the MXCSR control bits directly, so a
// worker that can't confirm SSE2 support refuses to start rather than run
// with unknown flush-to-zero behavior.
func denormalsFlushable() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasSSE2
	default:
		return false
	}
}
