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
	"crypto/aes"
	"crypto/cipher"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grailbio/gwas/enclave/buffer"
	"github.com/grailbio/gwas/matcher"
	"github.com/grailbio/gwas/regression"
)

func TestStartGateBlocksUntilOpen(t *testing.T) {
	gate := NewStartGate()
	var released int32

	done := make(chan struct{})
	go func() {
		gate.Wait()
		atomic.StoreInt32(&released, 1)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&released), "worker must not proceed before Open")

	gate.Open()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never released after Open")
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&released))
}

func packGenotypeCodes(codes []byte) []byte {
	out := make([]byte, (len(codes)+3)/4)
	for i, c := range codes {
		out[i/4] |= c << (uint(i%4) * 2)
	}
	return out
}

func padToBlock(b []byte) []byte {
	rem := len(b) % aes.BlockSize
	if rem == 0 {
		return b
	}
	return append(b, make([]byte, aes.BlockSize-rem)...)
}

func encryptCBCForTest(t *testing.T, key buffer.AESKey, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key.Key[:])
	require.NoError(t, err)
	ct := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, key.IV[:]).CryptBlocks(ct, plaintext)
	return ct
}

// TestPoolRunEndToEnd wires a single worker through Boundary, buffer, and
// the linear_dummy kernel against one DP's single locus, and checks that
// the worker produces a well-formed, non-NA output line before exiting on
// EOF.
func TestPoolRunEndToEnd(t *testing.T) {
	key := buffer.AESKey{}
	copy(key.Key[:], []byte("0123456789abcdef"))
	copy(key.IV[:], []byte("abcdef0123456789"))

	codes := []byte{0, 1, 2, 1}
	plain := padToBlock(packGenotypeCodes(codes))
	ct := encryptCBCForTest(t, key, plain)

	numPatients := map[string]int{"dp0": len(codes)}
	queues := []chan matcher.JoinedRow{make(chan matcher.JoinedRow, 2)}
	out := &fakeOutput{}

	b := NewBoundary([]string{"dp0"}, numPatients, nil, queues, out, SimulatedAttestationProvider{})
	b.SetAES("dp0", 0, key)

	queues[0] <- matcher.JoinedRow{
		Locus: "1:100", Alleles: "A,G",
		DPIDs: []string{"dp0"},
		Data:  ct,
	}
	queues[0] <- matcher.JoinedRow{Locus: matcher.EOFSentinel}

	y := []float64{1.0, 2.0, 1.5, 3.0}
	cov := [][]float64{{1}, {1}, {1}, {1}}
	ctx := regression.NewContext(y, cov, regression.EPACTS)

	gate := NewStartGate()
	gate.Open()

	pool := &Pool{
		NumWorkers:    1,
		MaxBatchLines: 10,
		NumPatients:   numPatients,
		Analysis:      regression.LinearDummy,
		Context:       ctx,
		Boundary:      b,
		Gate:          gate,
		Timings:       NewTimings(),
	}

	err := pool.Run()
	require.NoError(t, err)
	require.Len(t, out.lines, 1)

	fields := strings.Split(out.lines[0], "\t")
	require.Len(t, fields, 5)
	assert.Equal(t, "1:100", fields[0])
	assert.Equal(t, "A,G", fields[1])
	assert.NotEqual(t, "NA", fields[2])
	assert.NotEqual(t, "NA", fields[3])
	assert.NotEqual(t, "NA", fields[4])
}
