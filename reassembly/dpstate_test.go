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
package reassembly

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainAll(t *testing.T, d *DPState, want int) []Block {
	t.Helper()
	var got []Block
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < want {
		blk, state := d.Peek()
		switch state {
		case PeekReady:
			got = append(got, blk)
			d.Pop()
		case PeekWaiting:
			if time.Now().After(deadline) {
				require.FailNow(t, "timed out waiting for ordered blocks")
			}
			time.Sleep(time.Millisecond)
		case PeekDone:
			return got
		}
	}
	return got
}

func TestDPStateOrdersOutOfOrderBatches(t *testing.T) {
	d := NewDPState("dp0", 16, 16)
	require.NoError(t, d.Submit(2, []Block{{Locus: "1:300"}}))
	require.NoError(t, d.Submit(0, []Block{{Locus: "1:100"}}))
	require.NoError(t, d.Submit(1, []Block{{Locus: "1:200"}}))
	require.NoError(t, d.Submit(3, []Block{{Locus: EOFLocus}}))

	got := drainAll(t, d, 4)
	want := []string{"1:100", "1:200", "1:300", EOFLocus}
	var gotLoci []string
	for _, b := range got {
		gotLoci = append(gotLoci, b.Locus)
	}
	assert.Equal(t, want, gotLoci)

	_, state := d.Peek()
	assert.Equal(t, PeekDone, state)
}

func TestDPStateWaitingBeforeGapFills(t *testing.T) {
	d := NewDPState("dp0", 16, 16)
	require.NoError(t, d.Submit(1, []Block{{Locus: "1:200"}}))

	_, state := d.Peek()
	assert.Equal(t, PeekWaiting, state)

	require.NoError(t, d.Submit(0, []Block{{Locus: "1:100"}}))
	got := drainAll(t, d, 2)
	assert.Equal(t, "1:100", got[0].Locus)
	assert.Equal(t, "1:200", got[1].Locus)
}

func TestDPStatePeekIsIdempotent(t *testing.T) {
	d := NewDPState("dp0", 16, 16)
	require.NoError(t, d.Submit(0, []Block{{Locus: "1:100"}}))

	a, sa := d.Peek()
	b, sb := d.Peek()
	assert.Equal(t, PeekReady, sa)
	assert.Equal(t, PeekReady, sb)
	assert.Equal(t, a, b)
	d.Pop()
	_, sc := d.Peek()
	assert.Equal(t, PeekWaiting, sc)
}

func TestDPStateRandomSubmitOrder(t *testing.T) {
	rnd := rand.New(rand.NewSource(5))
	const n = 200
	perm := rnd.Perm(n)
	d := NewDPState("dp0", n+1, n+1)
	for _, pos := range perm {
		require.NoError(t, d.Submit(uint32(pos), []Block{{Locus: locusFor(pos)}}))
	}
	require.NoError(t, d.Submit(uint32(n), []Block{{Locus: EOFLocus}}))

	got := drainAll(t, d, n+1)
	for i := 0; i < n; i++ {
		assert.Equal(t, locusFor(i), got[i].Locus)
	}
	assert.Equal(t, EOFLocus, got[n].Locus)
}

func locusFor(pos int) string {
	return "1:" + string(rune('a'+pos%26)) + string(rune('0'+pos/26))
}
