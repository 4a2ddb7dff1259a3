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
package buffer

import (
	"crypto/aes"
	"crypto/cipher"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerRowCryptoSizeMatchesFormula(t *testing.T) {
	// Two DPs with 100 and 37 patients: ceil(100/4)=25 -> round to 32;
	// ceil(37/4)=10 -> round to 16.
	got := PerRowCryptoSize([]int{100, 37})
	want := 32 + 16 + maxLociAlleleStrSize + 2*2 + 1
	assert.Equal(t, want, got)
}

func TestMaxBatchLinesFailsWhenRowTooLarge(t *testing.T) {
	huge := make([]int, 1)
	huge[0] = EnclaveReadBufferSize * 8 // guarantees per-row size exceeds the buffer
	_, err := MaxBatchLines(huge)
	assert.Error(t, err)
}

func TestMaxBatchLinesOrdinaryCase(t *testing.T) {
	lines, err := MaxBatchLines([]int{100, 100})
	require.NoError(t, err)
	assert.Greater(t, lines, 0)
}

func encryptCBC(t *testing.T, key AESKey, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key.Key[:])
	require.NoError(t, err)
	ct := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, key.IV[:]).CryptBlocks(ct, plaintext)
	return ct
}

func packGenotypes(codes []byte) []byte {
	out := make([]byte, (len(codes)+3)/4)
	for i, c := range codes {
		out[i/4] |= c << (uint(i%4) * 2)
	}
	return out
}

func TestUnpackGenotypesRoundTrips(t *testing.T) {
	codes := []byte{0, 1, 2, genotypeNA, 1, 0}
	packed := packGenotypes(codes)
	got := unpackGenotypes(packed, len(codes))
	for i, c := range codes {
		if c == genotypeNA {
			assert.True(t, math.IsNaN(got[i]))
		} else {
			assert.Equal(t, float64(c), got[i])
		}
	}
}

type fixedKeyStore struct {
	keys map[string]AESKey
}

func (f fixedKeyStore) AESKey(dp string, tid int) (AESKey, bool) {
	k, ok := f.keys[dp]
	return k, ok
}

type fixedSource struct {
	batches [][]JoinedRow
	idx     int
}

func (f *fixedSource) GetBatch(tid, maxLines int) ([]JoinedRow, bool) {
	if f.idx >= len(f.batches) {
		return nil, true
	}
	b := f.batches[f.idx]
	f.idx++
	return b, false
}

func TestBufferLaunchDecryptsAndConcatenates(t *testing.T) {
	key := AESKey{}
	copy(key.Key[:], []byte("0123456789abcdef"))
	copy(key.IV[:], []byte("abcdef0123456789"))

	dp0codes := []byte{0, 1, 2, 1}
	dp1codes := []byte{2, 0}
	plain0 := padTo(packGenotypes(dp0codes), aes.BlockSize)
	plain1 := padTo(packGenotypes(dp1codes), aes.BlockSize)

	ct0 := encryptCBC(t, key, plain0)
	ct1 := encryptCBC(t, key, plain1)

	src := &fixedSource{batches: [][]JoinedRow{
		{{Locus: "1:100", Alleles: "A,G", DPIDs: []string{"dp0", "dp1"}, DPData: [][]byte{ct0, ct1}}},
	}}
	keys := fixedKeyStore{keys: map[string]AESKey{"dp0": key, "dp1": key}}
	numPatients := map[string]int{"dp0": len(dp0codes), "dp1": len(dp1codes)}

	buf := New(0, 10, numPatients, keys, src, false)
	batch, err := buf.Launch()
	require.NoError(t, err)
	require.NotNil(t, batch)

	row, ok := batch.GetRow()
	require.True(t, ok)
	assert.Equal(t, "1:100", row.Locus)
	require.Len(t, row.Genotype, len(dp0codes)+len(dp1codes))
	assert.Equal(t, 0.0, row.Genotype[0])
	assert.Equal(t, 1.0, row.Genotype[1])
	assert.Equal(t, 2.0, row.Genotype[4])

	_, ok = batch.GetRow()
	assert.False(t, ok)

	batch2, err := buf.Launch()
	require.NoError(t, err)
	assert.Nil(t, batch2)
}

func padTo(b []byte, blockSize int) []byte {
	rem := len(b) % blockSize
	if rem == 0 {
		return b
	}
	return append(b, make([]byte, blockSize-rem)...)
}
