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

// Package matcher implements the cross-DP allele matcher: a
// single-goroutine k-way merge across all configured data providers that
// joins rows on locus and routes the joined row to a regression worker.
package matcher

import (
	"strings"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/gwas/reassembly"
)

// JoinedRow is one locus's data from every DP that had it, in configured DP
// order.
type JoinedRow struct {
	Locus string
	// Alleles is taken from the first (in configured DP order) contributing
	// DP's block, since all DPs report the same biallelic site.
	Alleles string
	// DPIDs lists, in configured order, the DPs that contributed a block for
	// this locus.
	DPIDs []string
	// Data is the concatenation of each contributing DP's block data, in the
	// same order as DPIDs.
	Data []byte
}

// Hasher assigns a locus to a worker id. Any balanced hash is correct --
// different loci never collide on the matcher's critical path, so the only
// property that matters is even distribution across workers.
type Hasher interface {
	WorkerID(locus string, numWorkers int) int
}

// Matcher runs the k-way merge. It owns no goroutine itself; callers invoke
// Run in a single dedicated goroutine -- one allele matcher per run, same
// as the host-side coordinator that feeds it.
type Matcher struct {
	dps        []*reassembly.DPState
	hasher     Hasher
	numWorkers int
	queues     []chan JoinedRow

	pollInterval time.Duration
}

// New creates a Matcher over dps (in configured DP order -- this order
// drives both the DPIDs tie-break and the Data concatenation order).
// queues[i] receives rows routed to worker i; Run closes
// every queue exactly once, after sending no further rows, once all DPs are
// absent.
func New(dps []*reassembly.DPState, hasher Hasher, queues []chan JoinedRow) *Matcher {
	return &Matcher{
		dps:          dps,
		hasher:       hasher,
		numWorkers:   len(queues),
		queues:       queues,
		pollInterval: time.Millisecond,
	}
}

// EOFSentinel is sent on every worker queue when merging is complete.
const EOFSentinel = reassembly.EOFLocus

// Run executes the merge loop until every DP is absent (EOF observed and
// drained), then enqueues EOFSentinel on every worker queue and closes them.
// Run blocks; callers run it in its own goroutine.
func (m *Matcher) Run() {
	absent := make([]bool, len(m.dps))

	for {
		anyWaiting := false
		minLocus := ""
		haveMin := false

		type candidate struct {
			idx   int
			block reassembly.Block
		}
		var candidates []candidate

		for i, dp := range m.dps {
			if absent[i] {
				continue
			}
			blk, state := dp.Peek()
			switch state {
			case reassembly.PeekDone:
				absent[i] = true
			case reassembly.PeekWaiting:
				anyWaiting = true
			case reassembly.PeekReady:
				if blk.Locus == reassembly.EOFLocus {
					dp.Pop()
					absent[i] = true
					continue
				}
				candidates = append(candidates, candidate{idx: i, block: blk})
				if !haveMin || blk.Locus < minLocus {
					minLocus = blk.Locus
					haveMin = true
				}
			}
		}

		if !haveMin && allAbsent(absent) {
			m.emitEOF()
			return
		}

		if anyWaiting {
			// Backpressure: at least one non-absent DP has no data yet.
			// Poll again after a short yield.
			time.Sleep(m.pollInterval)
			continue
		}

		if !haveMin {
			// Every remaining DP is either absent or itself waiting; loop
			// again without sleeping since some DP may have just gone
			// absent this round.
			continue
		}

		row := JoinedRow{Locus: minLocus}
		var data strings.Builder
		for _, c := range candidates {
			if c.block.Locus != minLocus {
				continue
			}
			if row.Alleles == "" {
				row.Alleles = c.block.Alleles
			}
			row.DPIDs = append(row.DPIDs, m.dps[c.idx].Name)
			data.Write(c.block.Data)
			m.dps[c.idx].Pop()
		}
		row.Data = []byte(data.String())

		workerID := m.hasher.WorkerID(minLocus, m.numWorkers)
		m.queues[workerID] <- row
	}
}

func allAbsent(absent []bool) bool {
	for _, a := range absent {
		if !a {
			return false
		}
	}
	return true
}

func (m *Matcher) emitEOF() {
	log.Debug.Printf("matcher: all DPs absent, emitting EOF to %d workers", m.numWorkers)
	for _, q := range m.queues {
		q <- JoinedRow{Locus: EOFSentinel}
		close(q)
	}
}
