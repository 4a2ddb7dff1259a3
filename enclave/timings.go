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
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/log"
)

// Timings accumulates cumulative duration and call count per named
// section, for the operational visibility a long-running worker pool
// needs without being load-bearing for correctness. A nil *Timings is
// valid and every method becomes a no-op, so callers can leave it disabled
// by default.
type Timings struct {
	mu    sync.Mutex
	total map[string]time.Duration
	calls map[string]int64
}

// NewTimings creates an enabled recorder.
func NewTimings() *Timings {
	return &Timings{
		total: make(map[string]time.Duration),
		calls: make(map[string]int64),
	}
}

// Record adds one observation of dur under name.
func (t *Timings) Record(name string, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total[name] += dur
	t.calls[name]++
}

// Track returns a function that records the elapsed time since it was
// created under name; call it with defer at the top of the section being
// timed.
func (t *Timings) Track(name string) func() {
	if t == nil {
		return func() {}
	}
	start := time.Now()
	return func() { t.Record(name, time.Since(start)) }
}

// LogSummary prints one log.Debug line per tracked section, sorted by name
// for stable output, plus the average cost per call.
func (t *Timings) LogSummary() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.total))
	for name := range t.total {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		calls := t.calls[name]
		avg := time.Duration(0)
		if calls > 0 {
			avg = t.total[name] / time.Duration(calls)
		}
		log.Debug.Printf("timings: %s total=%s calls=%d avg=%s", name, t.total[name], calls, avg)
	}
}
