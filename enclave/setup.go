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

import "time"

// AwaitNumPatients is the setup_num_patients equivalent: it polls the
// boundary for every DP's reported patient count and blocks until all of
// them have arrived, returning a map ready to hand to a Pool and to
// buffer.MaxBatchLines. Like AwaitPhenotypes, this has no timeout -- a DP
// that never sends PATIENT_COUNT stalls setup forever, matching the rest
// of the pipeline's unbounded waits.
func AwaitNumPatients(dpNames []string, b *Boundary) map[string]int {
	out := make(map[string]int, len(dpNames))
	for _, dp := range dpNames {
		name := dp
		out[name] = pollInt(func() (int, bool) { return b.GetNumPatients(name) })
	}
	return out
}

func pollInt(fn func() (int, bool)) int {
	for {
		if v, ok := fn(); ok {
			return v
		}
		time.Sleep(phenotypePollInterval)
	}
}
