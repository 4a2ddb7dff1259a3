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
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gwas/enclave/buffer"
	"github.com/grailbio/gwas/regression"
)

// StartGate is the condition variable every worker parks on before it
// touches shared setup state: workers are created before keys, phenotype,
// and covariates have necessarily arrived, and must not start fitting
// until Open is called once setup has finished loading all of it.
type StartGate struct {
	mu    sync.Mutex
	cond  *sync.Cond
	ready bool
}

// NewStartGate creates a closed gate.
func NewStartGate() *StartGate {
	g := &StartGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Wait blocks until Open has been called.
func (g *StartGate) Wait() {
	g.mu.Lock()
	for !g.ready {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

// Open releases every worker currently parked on Wait, and every future
// call to Wait returns immediately.
func (g *StartGate) Open() {
	g.mu.Lock()
	g.ready = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Pool runs the regression worker loop across num_workers goroutines, one
// per buffer/scratch pair, fed by a shared Boundary.
type Pool struct {
	NumWorkers    int
	MaxBatchLines int
	NumPatients   map[string]int
	Analysis      regression.AnalysisType
	Context       *regression.Context
	Boundary      *Boundary
	Gate          *StartGate
	Timings       *Timings
}

// Run starts every worker and blocks until all of them have exited,
// returning the first fatal error encountered (if any). A worker exits
// cleanly, with no error, once its queue has reported EOF and every
// pending batch has been flushed.
func (p *Pool) Run() error {
	arena := regression.NewArena(p.NumWorkers, p.Context.D, p.Context.N)

	var wg sync.WaitGroup
	errs := make([]error, p.NumWorkers)
	for tid := 0; tid < p.NumWorkers; tid++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			errs[tid] = p.runWorker(tid, arena.Worker(tid))
		}(tid)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) runWorker(tid int, scratch *regression.WorkerScratch) error {
	if !denormalsFlushable() {
		return errors.E(fmt.Sprintf("worker %d", tid), "CPU cannot guarantee flush-to-zero/denormals-are-zero, refusing to run")
	}

	p.Gate.Wait()

	buf := buffer.New(tid, p.MaxBatchLines, p.NumPatients, p.Boundary, p.Boundary, p.Analysis.IsOblivious())

	for {
		stop := p.Timings.Track(fmt.Sprintf("worker[%d].launch", tid))
		batch, err := buf.Launch()
		stop()
		if err != nil {
			return err
		}
		if batch == nil {
			log.Debug.Printf("enclave: worker %d: done", tid)
			return nil
		}
		if batch.Exhausted() {
			// No rows available yet, but the host hasn't signaled EOF
			// either: back off briefly rather than spinning on GetBatch.
			time.Sleep(workerPollInterval)
			continue
		}

		for {
			row, ok := batch.GetRow()
			if !ok {
				break
			}
			stopFit := p.Timings.Track(fmt.Sprintf("worker[%d].fit", tid))
			result, err := p.Context.Fit(p.Analysis, row.Genotype, scratch)
			stopFit()
			if err != nil {
				return err
			}
			line := fmt.Sprintf("%s\t%s\t%s", row.Locus, row.Alleles, regression.FormatOutput(p.Analysis, result))
			batch.Write(line)
		}

		p.Boundary.WriteBatch(batch.Flush())
	}
}

const workerPollInterval = time.Millisecond
