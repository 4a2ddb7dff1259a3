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

// Package enclave implements the regression worker pool and the
// untrusted/trusted boundary between it and the host: the OCALL-style
// callback contracts a worker polls to pull keys, phenotype/covariate
// data, and batches, and to push results back out.
package enclave

import "sync"

// PollingChannel is a try_recv abstraction over a value that becomes
// available asynchronously: the enclave/host boundary communicates
// exclusively by polling with a yield rather than cross-boundary condition
// variables, since a condition variable can't cross the trusted/untrusted
// call gate. TryRecv never blocks; callers that need to wait loop it with a
// sleep.
type PollingChannel[T any] struct {
	mu    sync.Mutex
	value T
	ready bool
	eof   bool
}

// NewPollingChannel creates an empty, not-yet-ready channel.
func NewPollingChannel[T any]() *PollingChannel[T] {
	return &PollingChannel[T]{}
}

// Set publishes a value, waking the next TryRecv. Set may be called only
// once in the reference protocol (a DP's key, patient count, or phenotype
// arrives exactly once); callers that need a stream should use MarkEOF plus
// repeated construction instead.
func (p *PollingChannel[T]) Set(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = v
	p.ready = true
}

// TryRecv returns the published value and true if Set has been called;
// otherwise it returns the zero value and false without blocking.
func (p *PollingChannel[T]) TryRecv() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.ready
}

// MarkEOF flags the channel as permanently done, so a get_batch-style call
// can report EOF just by checking this field rather than waiting on a
// separate fire-and-forget async notification.
func (p *PollingChannel[T]) MarkEOF() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eof = true
}

// EOF reports whether MarkEOF has been called.
func (p *PollingChannel[T]) EOF() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eof
}
