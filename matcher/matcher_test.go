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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grailbio/gwas/reassembly"
)

type roundRobinHasher struct{ next int }

func (h *roundRobinHasher) WorkerID(locus string, numWorkers int) int {
	id := h.next % numWorkers
	h.next++
	return id
}

func recvWithTimeout(t *testing.T, q chan JoinedRow) (JoinedRow, bool) {
	t.Helper()
	select {
	case row, ok := <-q:
		return row, ok
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for joined row")
		return JoinedRow{}, false
	}
}

func TestMatcherJoinsAcrossDPsInOrder(t *testing.T) {
	dp0 := reassembly.NewDPState("dp0", 8, 8)
	dp1 := reassembly.NewDPState("dp1", 8, 8)
	require.NoError(t, dp0.Submit(0, []reassembly.Block{{Locus: "1:100", Data: []byte("A")}}))
	require.NoError(t, dp1.Submit(0, []reassembly.Block{{Locus: "1:100", Data: []byte("B")}}))
	require.NoError(t, dp0.Submit(1, []reassembly.Block{{Locus: "1:200", Data: []byte("C")}}))
	require.NoError(t, dp1.Submit(1, []reassembly.Block{{Locus: EOFSentinel}}))
	require.NoError(t, dp0.Submit(2, []reassembly.Block{{Locus: EOFSentinel}}))

	queue := make(chan JoinedRow, 4)
	m := New([]*reassembly.DPState{dp0, dp1}, SeaHasher{}, []chan JoinedRow{queue})
	go m.Run()

	row1, ok := recvWithTimeout(t, queue)
	require.True(t, ok)
	assert.Equal(t, "1:100", row1.Locus)
	assert.Equal(t, []string{"dp0", "dp1"}, row1.DPIDs)
	assert.Equal(t, []byte("AB"), row1.Data)

	row2, ok := recvWithTimeout(t, queue)
	require.True(t, ok)
	assert.Equal(t, "1:200", row2.Locus)
	assert.Equal(t, []string{"dp0"}, row2.DPIDs)

	row3, ok := recvWithTimeout(t, queue)
	require.True(t, ok)
	assert.Equal(t, EOFSentinel, row3.Locus)

	_, ok = <-queue
	assert.False(t, ok, "queue must be closed after EOF")
}

func TestMatcherLocusOnlyInSubsetOfDPs(t *testing.T) {
	dp0 := reassembly.NewDPState("dp0", 8, 8)
	dp1 := reassembly.NewDPState("dp1", 8, 8)
	require.NoError(t, dp0.Submit(0, []reassembly.Block{{Locus: "1:100", Data: []byte("A")}}))
	require.NoError(t, dp0.Submit(1, []reassembly.Block{{Locus: EOFSentinel}}))
	require.NoError(t, dp1.Submit(0, []reassembly.Block{{Locus: EOFSentinel}}))

	queue := make(chan JoinedRow, 4)
	m := New([]*reassembly.DPState{dp0, dp1}, SeaHasher{}, []chan JoinedRow{queue})
	go m.Run()

	row, ok := recvWithTimeout(t, queue)
	require.True(t, ok)
	assert.Equal(t, []string{"dp0"}, row.DPIDs)
}

func TestMatcherOutOfOrderBatchesStillMergeSorted(t *testing.T) {
	dp0 := reassembly.NewDPState("dp0", 8, 8)
	// pos sequence [2,0,1]: EOF submitted first, then the two real loci.
	require.NoError(t, dp0.Submit(2, []reassembly.Block{{Locus: EOFSentinel}}))
	require.NoError(t, dp0.Submit(0, []reassembly.Block{{Locus: "1:100", Data: []byte("x")}}))
	require.NoError(t, dp0.Submit(1, []reassembly.Block{{Locus: "1:200", Data: []byte("y")}}))

	queue := make(chan JoinedRow, 4)
	m := New([]*reassembly.DPState{dp0}, SeaHasher{}, []chan JoinedRow{queue})
	go m.Run()

	row1, _ := recvWithTimeout(t, queue)
	row2, _ := recvWithTimeout(t, queue)
	assert.Equal(t, "1:100", row1.Locus)
	assert.Equal(t, "1:200", row2.Locus)
	assert.True(t, row1.Locus < row2.Locus)
}

func TestMatcherSingleDPEOFBeforeAnyData(t *testing.T) {
	dp0 := reassembly.NewDPState("dp0", 8, 8)
	require.NoError(t, dp0.Submit(0, []reassembly.Block{{Locus: EOFSentinel}}))

	queue := make(chan JoinedRow, 4)
	m := New([]*reassembly.DPState{dp0}, SeaHasher{}, []chan JoinedRow{queue})
	go m.Run()

	row, ok := recvWithTimeout(t, queue)
	require.True(t, ok)
	assert.Equal(t, EOFSentinel, row.Locus)
	_, ok = <-queue
	assert.False(t, ok)
}
