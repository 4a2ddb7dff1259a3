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

import "github.com/grailbio/gwas/enclave/buffer"

// AttestationProvider produces the evidence blob the trust boundary uses to
// prove its identity to data providers, plus the RSA public key DPs
// encrypt their session keys against. Real evidence generation needs
// platform support this module treats as a black box; the interface lets
// setup exercise the same code path against a stand-in.
type AttestationProvider interface {
	Evidence() []byte
	RSAPubKey() [buffer.RSAPubKeySize]byte
}

// SimulatedAttestationProvider stands in for real attestation in tests and
// local runs: it echoes a nonce (truncated to MaxEvidenceSize) as evidence
// with no cryptographic proof behind it, matching a "simulate" config mode
// rather than a genuine trusted-execution environment.
type SimulatedAttestationProvider struct {
	Nonce  []byte
	PubKey [buffer.RSAPubKeySize]byte
}

// Evidence implements AttestationProvider.
func (s SimulatedAttestationProvider) Evidence() []byte {
	if len(s.Nonce) > buffer.MaxEvidenceSize {
		return s.Nonce[:buffer.MaxEvidenceSize]
	}
	return s.Nonce
}

// RSAPubKey implements AttestationProvider.
func (s SimulatedAttestationProvider) RSAPubKey() [buffer.RSAPubKeySize]byte {
	return s.PubKey
}
