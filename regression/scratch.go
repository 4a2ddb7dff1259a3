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

import "github.com/grailbio/gwas/gwasmath"

// cacheLinePad is sized so that two adjacent WorkerScratch values in an
// Arena's slice never share a cache line, avoiding false sharing between
// workers that touch their own scratch continuously.
const cacheLinePad = 64

// WorkerScratch is one worker's private fit state: the design-matrix
// cross-product (whose own scratch holds its inverse) and the xty, beta
// and gradient vectors, all reused locus after locus. Per-locus helpers
// such as designRow and genotype imputation still allocate on each call.
type WorkerScratch struct {
	xtx  *gwasmath.SqrMatrix
	xty  []float64
	beta []float64
	grad []float64
	p    []float64 // length N; allocated here but not written by any kernel

	_ [cacheLinePad]byte
}

func newWorkerScratch(d, n int) *WorkerScratch {
	return &WorkerScratch{
		xtx:  gwasmath.NewSqrMatrix(d),
		xty:  make([]float64, d),
		beta: make([]float64, d),
		grad: make([]float64, d),
		p:    make([]float64, n),
	}
}

// Arena owns one WorkerScratch per worker id, indexed directly (no map, no
// lock) so that each regression goroutine only ever touches its own slot.
type Arena struct {
	workers []*WorkerScratch
}

// NewArena allocates scratch for numWorkers workers fitting a d-dimensional
// design matrix over n total patients.
func NewArena(numWorkers, d, n int) *Arena {
	a := &Arena{workers: make([]*WorkerScratch, numWorkers)}
	for i := range a.workers {
		a.workers[i] = newWorkerScratch(d, n)
	}
	return a
}

// Worker returns the scratch slot for worker id.
func (a *Arena) Worker(id int) *WorkerScratch { return a.workers[id] }
