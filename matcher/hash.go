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
package matcher

import (
	"github.com/blainsmith/seahash"
	farm "github.com/dgryski/go-farm"
)

// SeaHasher routes a locus to a worker using seahash, a fast
// non-cryptographic hash. Worker routing only needs to be balanced, not
// stable across restarts, so any such hash qualifies.
type SeaHasher struct{}

// WorkerID implements Hasher.
func (SeaHasher) WorkerID(locus string, numWorkers int) int {
	if numWorkers <= 0 {
		return 0
	}
	h := seahash.Sum64([]byte(locus))
	return int(h % uint64(numWorkers))
}

// FarmHasher is the alternate routing strategy, backed by go-farm's FarmHash
// implementation. Swappable with SeaHasher behind the same Hasher interface to
// express that worker routing has no single mandated hash function.
type FarmHasher struct{}

// WorkerID implements Hasher.
func (FarmHasher) WorkerID(locus string, numWorkers int) int {
	if numWorkers <= 0 {
		return 0
	}
	h := farm.Hash64WithSeed([]byte(locus), 0)
	return int(h % uint64(numWorkers))
}
