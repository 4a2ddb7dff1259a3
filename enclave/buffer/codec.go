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

	"github.com/grailbio/gwas/ctsel"
	"github.com/pkg/errors"
)

// AESKey bundles one DP-worker pair's symmetric key material, RSA-decrypted
// once during setup.
type AESKey struct {
	Key [AESKeyLength]byte
	IV  [AESIVLength]byte
}

// decryptCBC decrypts ciphertext (whose length must be a multiple of the
// AES block size) with the given key/iv. A decrypt failure here always
// means a key mismatch between what the DP encrypted with and what setup
// negotiated, so it's treated as fatal rather than retried.
func decryptCBC(key AESKey, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key.Key[:])
	if err != nil {
		return nil, errors.Wrap(err, "buffer: aes.NewCipher")
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.Errorf("buffer: ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}
	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, key.IV[:])
	mode.CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}

// genotypeNA is the reserved 2-bit code for a missing call.
const genotypeNA = 0b11

// unpackGenotypes expands a 2-bit-per-sample packed slice into dosage
// values (0, 1, 2, or NaN for a missing call), reading exactly n samples.
func unpackGenotypes(packed []byte, n int) []float64 {
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := packed[i/4]
		shift := uint(i%4) * 2
		code := (b >> shift) & 0x3
		if code == genotypeNA {
			out[i] = math.NaN()
		} else {
			out[i] = float64(code)
		}
	}
	return out
}

// appendGenotypesObliviousInto copies src's n samples into dst starting at
// offset, advancing the write index without branching on whether i has
// crossed into the next DP's region: idx is clamped to the current DP's
// length via a constant-time select (idx *= (idx < length_dp)) before each
// write, then incremented unconditionally.
func appendGenotypesObliviousInto(dst []float64, offset int, src []float64) {
	for i, v := range src {
		idx := offset + i
		inRange := ctsel.BoolToPred(idx < len(dst))
		safeIdx := ctsel.SelectInt(inRange, idx, 0)
		dst[safeIdx] = ctsel.SelectFloat64(inRange, v, dst[safeIdx])
	}
}
