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
	"sync"

	"github.com/grailbio/gwas/enclave/buffer"
	"github.com/grailbio/gwas/matcher"
)

// OutputWriter accepts one formatted output line at a time without ever
// blocking the caller; an unbounded FIFO sits on the other side.
type OutputWriter interface {
	Enqueue(line string)
}

// Boundary is the untrusted/trusted hand-off: it holds every piece of
// setup data a worker needs (keys, patient counts, phenotype, covariates)
// behind poll-only accessors, and forwards matched rows from the allele
// matcher's per-worker queues out to the regression workers. Every
// accessor is safe for concurrent use by multiple workers.
type Boundary struct {
	dpNames []string

	aesKeys     map[string][]*PollingChannel[buffer.AESKey] // dp -> tid -> key
	numPatients map[string]*PollingChannel[int]
	y           map[string]*PollingChannel[[]byte]
	cov         map[string]map[string]*PollingChannel[[]byte] // dp -> name -> value

	cryptoMu     sync.Mutex
	dpCryptoSize map[string]int // dp -> fixed per-locus ciphertext length, sized lazily once a PATIENT_COUNT arrives

	workerQueues []chan matcher.JoinedRow
	workerEOF    []bool
	eofMu        []sync.Mutex

	evidence  []byte
	rsaPubKey [buffer.RSAPubKeySize]byte

	out OutputWriter
}

// NewBoundary creates a Boundary for a run with the given DPs, worker
// queues (index = tid, populated by the allele matcher), covariate names
// (not including the synthesized "1" intercept), output sink, and
// attestation provider. numPatients seeds any counts already known at
// construction time; it may be nil or leave DPs out entirely; a DP's
// per-locus ciphertext size is (re)computed the moment its count arrives
// through SetNumPatients, so counts discovered later over the wire work
// just as well as ones known upfront.
func NewBoundary(
	dpNames []string,
	numPatients map[string]int,
	covNames []string,
	workerQueues []chan matcher.JoinedRow,
	out OutputWriter,
	attest AttestationProvider,
) *Boundary {
	b := &Boundary{
		dpNames:      dpNames,
		aesKeys:      make(map[string][]*PollingChannel[buffer.AESKey]),
		numPatients:  make(map[string]*PollingChannel[int]),
		y:            make(map[string]*PollingChannel[[]byte]),
		cov:          make(map[string]map[string]*PollingChannel[[]byte]),
		dpCryptoSize: make(map[string]int),
		workerQueues: workerQueues,
		workerEOF:    make([]bool, len(workerQueues)),
		eofMu:        make([]sync.Mutex, len(workerQueues)),
		out:          out,
	}
	for _, dp := range dpNames {
		b.aesKeys[dp] = make([]*PollingChannel[buffer.AESKey], len(workerQueues))
		for t := range b.aesKeys[dp] {
			b.aesKeys[dp][t] = NewPollingChannel[buffer.AESKey]()
		}
		b.numPatients[dp] = NewPollingChannel[int]()
		b.y[dp] = NewPollingChannel[[]byte]()
		cov := make(map[string]*PollingChannel[[]byte], len(covNames))
		for _, name := range covNames {
			cov[name] = NewPollingChannel[[]byte]()
		}
		b.cov[dp] = cov
		if n, ok := numPatients[dp]; ok {
			b.dpCryptoSize[dp] = buffer.CompactedSize(n)
		}
	}
	if attest != nil {
		b.evidence = attest.Evidence()
		b.rsaPubKey = attest.RSAPubKey()
	}
	return b
}

// Evidence returns the attestation evidence blob to forward to DPs.
func (b *Boundary) Evidence() []byte { return b.evidence }

// RSAPubKey returns the RSA public key DPs encrypt session keys against.
func (b *Boundary) RSAPubKey() [buffer.RSAPubKeySize]byte { return b.rsaPubKey }

// SetAES publishes dp/tid's decrypted AES key, unblocking any worker
// polling GetAES for it.
func (b *Boundary) SetAES(dp string, tid int, key buffer.AESKey) {
	if chans, ok := b.aesKeys[dp]; ok && tid >= 0 && tid < len(chans) {
		chans[tid].Set(key)
	}
}

// GetAES implements the get_aes poll contract and buffer.KeyStore.
func (b *Boundary) GetAES(dp string, tid int) (buffer.AESKey, bool) {
	chans, ok := b.aesKeys[dp]
	if !ok || tid < 0 || tid >= len(chans) {
		return buffer.AESKey{}, false
	}
	return chans[tid].TryRecv()
}

// AESKey satisfies buffer.KeyStore by delegating to GetAES.
func (b *Boundary) AESKey(dp string, tid int) (buffer.AESKey, bool) {
	return b.GetAES(dp, tid)
}

// SetNumPatients publishes dp's reported patient count and sizes its
// per-locus ciphertext length accordingly. This is the only place
// dpCryptoSize is computed for a DP whose count was not already known
// when the Boundary was constructed.
func (b *Boundary) SetNumPatients(dp string, n int) {
	if ch, ok := b.numPatients[dp]; ok {
		ch.Set(n)
		b.cryptoMu.Lock()
		b.dpCryptoSize[dp] = buffer.CompactedSize(n)
		b.cryptoMu.Unlock()
	}
}

// GetNumPatients implements the get_num_patients poll contract.
func (b *Boundary) GetNumPatients(dp string) (int, bool) {
	ch, ok := b.numPatients[dp]
	if !ok {
		return 0, false
	}
	return ch.TryRecv()
}

// SetY publishes dp's phenotype column.
func (b *Boundary) SetY(dp string, y []byte) {
	if ch, ok := b.y[dp]; ok {
		ch.Set(y)
	}
}

// GetY implements the get_y poll contract.
func (b *Boundary) GetY(dp string) ([]byte, bool) {
	ch, ok := b.y[dp]
	if !ok {
		return nil, false
	}
	return ch.TryRecv()
}

// SetCov publishes dp's named covariate column.
func (b *Boundary) SetCov(dp, name string, data []byte) {
	if cols, ok := b.cov[dp]; ok {
		if ch, ok := cols[name]; ok {
			ch.Set(data)
		}
	}
}

// GetCov implements the get_cov poll contract. The constant intercept
// column is synthesized locally and never needs a value from the host.
func (b *Boundary) GetCov(dp, name string) ([]byte, bool) {
	if name == "1" {
		return []byte("1"), true
	}
	cols, ok := b.cov[dp]
	if !ok {
		return nil, false
	}
	ch, ok := cols[name]
	if !ok {
		return nil, false
	}
	return ch.TryRecv()
}

// GetBatch implements both the get_batch poll contract and
// buffer.Source: it drains up to maxLines rows from worker tid's matched
// queue without blocking, converting each matcher.JoinedRow into a
// buffer.JoinedRow by splitting its concatenated ciphertext back into one
// slice per DP using each DP's fixed per-locus crypto size. Once the
// queue reports the EOF sentinel or is closed, it latches that worker's
// EOF state and every subsequent call returns (nil, true) immediately --
// the "return EOF from get_batch" convention rather than a separate
// out-of-band mark_eof call.
func (b *Boundary) GetBatch(tid, maxLines int) ([]buffer.JoinedRow, bool) {
	if tid < 0 || tid >= len(b.workerQueues) {
		return nil, true
	}
	b.eofMu[tid].Lock()
	eof := b.workerEOF[tid]
	b.eofMu[tid].Unlock()
	if eof {
		return nil, true
	}

	q := b.workerQueues[tid]
	var rows []buffer.JoinedRow
	for len(rows) < maxLines {
		select {
		case jr, ok := <-q:
			if !ok || jr.Locus == matcher.EOFSentinel {
				b.eofMu[tid].Lock()
				b.workerEOF[tid] = true
				b.eofMu[tid].Unlock()
				return rows, len(rows) == 0
			}
			rows = append(rows, b.toBufferRow(jr))
		default:
			return rows, false
		}
	}
	return rows, false
}

func (b *Boundary) toBufferRow(jr matcher.JoinedRow) buffer.JoinedRow {
	dpData := make([][]byte, len(jr.DPIDs))
	offset := 0
	for i, dp := range jr.DPIDs {
		b.cryptoMu.Lock()
		n := b.dpCryptoSize[dp]
		b.cryptoMu.Unlock()
		if offset+n > len(jr.Data) {
			n = len(jr.Data) - offset
		}
		dpData[i] = jr.Data[offset : offset+n]
		offset += n
	}
	return buffer.JoinedRow{
		Locus:   jr.Locus,
		Alleles: jr.Alleles,
		DPIDs:   jr.DPIDs,
		DPData:  dpData,
	}
}

// WriteBatch implements the write_batch poll contract: it enqueues every
// line without blocking the worker.
func (b *Boundary) WriteBatch(lines []string) {
	for _, line := range lines {
		b.out.Enqueue(line)
	}
}
