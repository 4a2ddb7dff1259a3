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

// Package reassembly turns the out-of-order BlockBatch stream a single data
// provider (DP) sends into a strictly ordered sequence of DataBlocks ready
// to be matched against other DPs' streams.
//
// Network threads call Submit with whatever pos arrives; a dedicated
// goroutine per DP drains them back into pos order and republishes the
// contained blocks on an internal channel. The allele matcher never sees
// out-of-order data and never has to reorder anything itself -- it only
// Peeks and Pops.
package reassembly

import (
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/syncqueue"
)

// EOFLocus is the sentinel locus key that terminates a DP's stream. It
// compares greater than any real locus key under ordinary byte-wise string
// comparison because '~' (0x7e) is above any character a real locus key
// uses.
const EOFLocus = "~EOF~"

// Block is one DP's encrypted genotype slice for one locus.
type Block struct {
	Locus   string
	Alleles string
	Data    []byte
}

type blockBatch struct {
	pos    uint32
	blocks []Block
}

// PeekState describes what DPState.Peek found.
type PeekState int

const (
	// PeekWaiting means no block is available yet, but the DP has not
	// finished (more data may still arrive). Callers must retry later.
	PeekWaiting PeekState = iota
	// PeekDone means the DP has sent EOF and every block before it has
	// already been consumed: this DP is "absent" for the rest of the run.
	PeekDone
	// PeekReady means a block is available to merge now.
	PeekReady
)

// DPState holds one data provider's reassembly pipeline: the pos-ordered
// queue network threads feed, and the channel of now-ordered blocks the
// matcher drains.
type DPState struct {
	Name string

	queue    *syncqueue.OrderedQueue
	eligible chan Block

	mu     sync.Mutex
	peeked *Block
	closed bool
	err    error

	wg sync.WaitGroup
}

// NewDPState creates reassembly state for one DP. queueSize bounds how many
// out-of-order batches may be buffered before Submit blocks; eligibleSize
// bounds how many ordered blocks may sit in the eligible channel before the
// per-DP drain goroutine blocks (applying backpressure to the network
// reader for that DP).
func NewDPState(name string, queueSize, eligibleSize int) *DPState {
	d := &DPState{
		Name:     name,
		queue:    syncqueue.NewOrderedQueue(queueSize),
		eligible: make(chan Block, eligibleSize),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Submit enqueues a batch of blocks at sequence position pos. Blocks within
// the batch are already in DP-local locus order (I1); Submit does not
// inspect them. The final batch in a DP's stream must contain exactly one
// block whose Locus is EOFLocus.
func (d *DPState) Submit(pos uint32, blocks []Block) error {
	return d.queue.Insert(int(pos), &blockBatch{pos: pos, blocks: blocks})
}

// Close tears down the reassembly pipeline early, e.g. when the owning
// connection is dropped before sending EOF. The matcher will observe
// PeekDone (if err is nil) or see err via Err after that.
func (d *DPState) Close(err error) error {
	return d.queue.Close(err)
}

func (d *DPState) run() {
	defer d.wg.Done()
	defer close(d.eligible)
	for {
		entry, ok, err := d.queue.Next()
		if err != nil {
			d.mu.Lock()
			d.err = errors.E("reassembly", d.Name, err)
			d.mu.Unlock()
			return
		}
		if !ok {
			return
		}
		b := entry.(*blockBatch)
		eof := false
		for _, blk := range b.blocks {
			d.eligible <- blk
			if blk.Locus == EOFLocus {
				eof = true
			}
		}
		if eof {
			return
		}
	}
}

// Peek returns the next ordered block without consuming it. Calling Peek
// repeatedly without an intervening Pop always returns the same block.
func (d *DPState) Peek() (Block, PeekState) {
	d.mu.Lock()
	if d.peeked != nil {
		blk := *d.peeked
		d.mu.Unlock()
		return blk, PeekReady
	}
	d.mu.Unlock()

	select {
	case blk, ok := <-d.eligible:
		if !ok {
			return Block{}, PeekDone
		}
		d.mu.Lock()
		d.peeked = &blk
		d.mu.Unlock()
		return blk, PeekReady
	default:
		return Block{}, PeekWaiting
	}
}

// Pop discards the block most recently returned by Peek. It is a no-op if
// Peek has not returned PeekReady since the last Pop.
func (d *DPState) Pop() {
	d.mu.Lock()
	d.peeked = nil
	d.mu.Unlock()
}

// Err returns the error that ended this DP's stream early, if any.
func (d *DPState) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Wait blocks until the drain goroutine has exited (the eligible channel is
// closed and will never receive again).
func (d *DPState) Wait() {
	d.wg.Wait()
}
