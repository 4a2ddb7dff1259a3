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

import "github.com/pkg/errors"

// JoinedRow is the still-encrypted row the allele matcher produced: one
// locus, the DPs that contributed to it (in configured order), and each
// contributing DP's ciphertext slice.
type JoinedRow struct {
	Locus   string
	Alleles string
	DPIDs   []string
	DPData  [][]byte
}

// Source is the OCALL-equivalent get_batch(tid) contract: returns up to
// maxLines still-encrypted joined rows, or eof=true once the matcher has
// routed ~EOF~ to this worker and no further rows will arrive.
type Source interface {
	GetBatch(tid, maxLines int) (rows []JoinedRow, eof bool)
}

// KeyStore resolves a DP's per-worker AES key, already RSA-decrypted
// during setup.
type KeyStore interface {
	AESKey(dp string, tid int) (AESKey, bool)
}

// Row is one locus, decrypted and ready for a regression kernel: Genotype
// is the concatenation of every contributing DP's dosage vector, in
// configured DP order.
type Row struct {
	Locus    string
	Alleles  string
	Genotype []float64
}

// Batch is one Buffer.Launch call's worth of decrypted rows.
type Batch struct {
	rows []Row
	idx  int
	out  []string
}

// GetRow returns the next row in the batch, or ok=false once the batch is
// drained.
func (b *Batch) GetRow() (*Row, bool) {
	if b.idx >= len(b.rows) {
		return nil, false
	}
	r := &b.rows[b.idx]
	b.idx++
	return r, true
}

// Write appends one row's formatted output line to the batch's internal
// buffer, for the worker to flush once the batch is done.
func (b *Batch) Write(line string) {
	b.out = append(b.out, line)
}

// Flush returns and clears the accumulated output lines, for the worker to
// hand to the enclave boundary's WriteBatch OCALL.
func (b *Batch) Flush() []string {
	out := b.out
	b.out = nil
	return out
}

// Exhausted reports whether every row in the batch has been consumed via
// GetRow.
func (b *Batch) Exhausted() bool { return b.idx >= len(b.rows) }

// Buffer is one worker's scratch ring: it repeatedly calls Launch to pull
// the next batch of joined rows and decrypt them.
type Buffer struct {
	tid         int
	maxLines    int
	numPatients map[string]int
	keys        KeyStore
	src         Source
	oblivious   bool
}

// New creates a Buffer for worker tid. numPatients maps each DP name to its
// patient count, needed to size the 2-bit-packed unpack. oblivious selects
// the branchless DP-boundary index advancement used by the oblivious
// kernels; the standard kernels don't need it.
func New(tid, maxLines int, numPatients map[string]int, keys KeyStore, src Source, oblivious bool) *Buffer {
	return &Buffer{
		tid:         tid,
		maxLines:    maxLines,
		numPatients: numPatients,
		keys:        keys,
		src:         src,
		oblivious:   oblivious,
	}
}

// Launch pulls up to maxLines joined rows from src, decrypts each DP's
// slice with this worker's AES context, and concatenates them into a Row
// per locus. It returns (nil, nil) once src reports EOF with nothing left
// to deliver. A decrypt failure is always fatal: there is no recovery path
// for ciphertext that doesn't unwrap under the agreed key.
func (b *Buffer) Launch() (*Batch, error) {
	rows, eof := b.src.GetBatch(b.tid, b.maxLines)
	if len(rows) == 0 {
		if eof {
			return nil, nil
		}
		return &Batch{}, nil
	}

	batch := &Batch{rows: make([]Row, 0, len(rows))}
	for _, jr := range rows {
		total := 0
		for _, dp := range jr.DPIDs {
			total += b.numPatients[dp]
		}
		genotype := make([]float64, 0, total)

		for i, dp := range jr.DPIDs {
			key, ok := b.keys.AESKey(dp, b.tid)
			if !ok {
				return nil, errors.Errorf("buffer: no AES key for dp %q worker %d", dp, b.tid)
			}
			plain, err := decryptCBC(key, jr.DPData[i])
			if err != nil {
				return nil, errors.Wrapf(err, "buffer: decrypt dp %q locus %q", dp, jr.Locus)
			}
			n := b.numPatients[dp]
			dosage := unpackGenotypes(plain, n)

			if b.oblivious {
				extended := make([]float64, len(genotype)+n)
				copy(extended, genotype)
				appendGenotypesObliviousInto(extended, len(genotype), dosage)
				genotype = extended
			} else {
				genotype = append(genotype, dosage...)
			}
		}

		batch.rows = append(batch.rows, Row{Locus: jr.Locus, Alleles: jr.Alleles, Genotype: genotype})
	}
	return batch, nil
}
