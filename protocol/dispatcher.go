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
package protocol

import (
	"bufio"
	"encoding/hex"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/pkg/errors"

	"github.com/grailbio/gwas/enclave"
	"github.com/grailbio/gwas/enclave/buffer"
	"github.com/grailbio/gwas/reassembly"
)

// MinBlockCount is the initial DATA_REQUEST credit a DP receives once
// check-in completes: enough blocks in flight to keep the regression
// workers fed while the first round trip is outstanding.
const MinBlockCount = 50

// Notifier sends the two host-originated messages check-in triggers.
// Registration and the session-key handshake that precede it are treated
// as an opaque transport concern this package only consumes the result
// of (each data provider's AES_KEY message), so Notifier covers just the
// control messages the dispatch logic itself must emit.
type Notifier interface {
	// SendYAndCov tells dp which covariate names (in addition to the
	// constant intercept) it must supply before workers can start fitting.
	SendYAndCov(dp string, covNames []string) error
	// SendDataRequest grants dp additional block credit.
	SendDataRequest(dp string, credit int) error
}

// Dispatcher parses and routes every frame arriving on every DP
// connection. One Dispatcher is shared by all connection-handling
// goroutines for a run.
type Dispatcher struct {
	expectedDPs []string
	covNames     []string
	dps          map[string]*reassembly.DPState
	boundary     *enclave.Boundary
	notifier     Notifier
	onEndEnclave func()

	onRegister func(dp, addr string)

	mu             sync.Mutex
	seenData       map[net.Conn]bool
	checkedIn      map[string]bool
	checkedInCount int
}

// SetOnRegister installs a callback invoked every time a DP's
// REGISTER message carries its own "host:port" address, so a transport
// can later dial that DP back for the host-originated messages
// Notifier sends.
func (d *Dispatcher) SetOnRegister(fn func(dp, addr string)) {
	d.mu.Lock()
	d.onRegister = fn
	d.mu.Unlock()
}

// NewDispatcher builds a Dispatcher for a run against the given DPs'
// reassembly state and enclave boundary. onEndEnclave (may be nil) is
// invoked each time any connection sends END_ENCLAVE.
func NewDispatcher(
	expectedDPs, covNames []string,
	dps map[string]*reassembly.DPState,
	boundary *enclave.Boundary,
	notifier Notifier,
	onEndEnclave func(),
) *Dispatcher {
	return &Dispatcher{
		expectedDPs:  expectedDPs,
		covNames:     covNames,
		dps:          dps,
		boundary:     boundary,
		notifier:     notifier,
		onEndEnclave: onEndEnclave,
		seenData:     make(map[net.Conn]bool),
		checkedIn:    make(map[string]bool),
	}
}

// HandleConnection reads frames from conn until it errs, sees EOF_DATA,
// or sees END_ENCLAVE. DATA keeps the connection alive and looping --
// this goroutine is that connection's data_listener until the DP's
// EOF_DATA arrives; every other message type is handled once and the
// connection is then closed, matching how a DP opens a short-lived
// connection per control message but a long-lived one for its data
// stream.
func (d *Dispatcher) HandleConnection(conn net.Conn) {
	defer conn.Close()
	defer func() {
		d.mu.Lock()
		delete(d.seenData, conn)
		d.mu.Unlock()
	}()

	r := bufio.NewReader(conn)
	for {
		body, err := ReadFrame(r)
		if err != nil {
			if err != io.EOF {
				log.Error.Printf("protocol: %s: read frame: %v", conn.RemoteAddr(), err)
			}
			return
		}
		hdr, err := ParseHeader(body)
		if err != nil {
			log.Error.Printf("protocol: %s: %v", conn.RemoteAddr(), err)
			return
		}
		if done := d.HandleFrame(conn, hdr); done {
			return
		}
	}
}

// HandleFrame routes one already-parsed frame and reports whether the
// owning connection should now be closed. conn may be nil; a nil conn
// only skips the data_listener bookkeeping log line, never correctness.
func (d *Dispatcher) HandleFrame(conn net.Conn, hdr Header) (done bool) {
	switch hdr.Type {
	case Data, EOFData:
		if conn != nil {
			d.mu.Lock()
			first := !d.seenData[conn]
			d.seenData[conn] = true
			d.mu.Unlock()
			if first {
				log.Debug.Printf("protocol: %s is now the data_listener for %q", conn.RemoteAddr(), hdr.DP)
			}
		}
		if err := d.handleData(hdr); err != nil {
			log.Error.Printf("protocol: %v", err)
			return true
		}
		return hdr.Type == EOFData
		// Otherwise stay on this connection: it is now this DP's
		// dedicated data_listener.
	default:
		d.handleControl(hdr)
		return true
	}
}

func (d *Dispatcher) handleData(hdr Header) error {
	dp, ok := d.dps[hdr.DP]
	if !ok {
		return errors.Errorf("protocol: %s from unknown dp %q", hdr.Type, hdr.DP)
	}
	if hdr.Type == EOFData {
		pos, err := parsePos(hdr.Payload)
		if err != nil {
			return err
		}
		return dp.Submit(pos, []reassembly.Block{{Locus: reassembly.EOFLocus}})
	}
	pos, blocks, err := ParseDataPayload(hdr.Payload)
	if err != nil {
		return err
	}
	return dp.Submit(pos, blocks)
}

func parsePos(payload []byte) (uint32, error) {
	s := strings.TrimSpace(string(payload))
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "protocol: malformed EOF_DATA position %q", s)
	}
	return uint32(n), nil
}

// handleControl dispatches every message type besides DATA/EOF_DATA.
// GLOBAL_ID belongs to the connection-setup handshake this package
// treats as out of scope and is logged only.
func (d *Dispatcher) handleControl(hdr Header) {
	switch hdr.Type {
	case GlobalID:
		log.Debug.Printf("protocol: %s from %q (handshake, no action taken)", hdr.Type, hdr.DP)

	case Register:
		addr := strings.TrimSpace(string(hdr.Payload))
		d.mu.Lock()
		fn := d.onRegister
		d.mu.Unlock()
		if fn != nil && addr != "" {
			fn(hdr.DP, addr)
		}

	case AESKey:
		tid, key, err := parseAESKey(hdr.Payload)
		if err != nil {
			log.Error.Printf("protocol: %v", err)
			return
		}
		d.boundary.SetAES(hdr.DP, tid, key)
		if tid == 0 {
			d.checkIn(hdr.DP)
		}

	case PatientCount:
		n, err := strconv.Atoi(strings.TrimSpace(string(hdr.Payload)))
		if err != nil {
			log.Error.Printf("protocol: malformed PATIENT_COUNT from %q: %v", hdr.DP, err)
			return
		}
		d.boundary.SetNumPatients(hdr.DP, n)

	case Covariant:
		name, data, err := parseNamedColumn(hdr.Payload)
		if err != nil {
			log.Error.Printf("protocol: malformed COVARIANT from %q: %v", hdr.DP, err)
			return
		}
		d.boundary.SetCov(hdr.DP, name, data)

	case YVal:
		d.boundary.SetY(hdr.DP, hdr.Payload)

	case EndEnclave:
		log.Debug.Printf("protocol: END_ENCLAVE from %q", hdr.DP)
		if d.onEndEnclave != nil {
			d.onEndEnclave()
		}

	default:
		log.Error.Printf("protocol: unrecognized message type %d from %q", int(hdr.Type), hdr.DP)
	}
}

// parseAESKey parses an AES_KEY payload of "<tid>\t<key-hex>\t<iv-hex>".
// The handshake that negotiates and RSA-decrypts this key material is
// out of scope here; by the time a frame reaches the dispatcher, key and
// iv are already the raw bytes to install.
func parseAESKey(payload []byte) (tid int, key buffer.AESKey, err error) {
	fields := strings.Split(string(payload), "\t")
	if len(fields) != 3 {
		return 0, buffer.AESKey{}, errors.Errorf("protocol: AES_KEY wants 3 fields, got %d", len(fields))
	}
	tid, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, buffer.AESKey{}, errors.Wrapf(err, "protocol: malformed AES_KEY tid %q", fields[0])
	}
	keyBytes, err := hex.DecodeString(fields[1])
	if err != nil || len(keyBytes) != buffer.AESKeyLength {
		return 0, buffer.AESKey{}, errors.Errorf("protocol: malformed AES_KEY key material")
	}
	ivBytes, err := hex.DecodeString(fields[2])
	if err != nil || len(ivBytes) != buffer.AESIVLength {
		return 0, buffer.AESKey{}, errors.Errorf("protocol: malformed AES_KEY iv material")
	}
	copy(key.Key[:], keyBytes)
	copy(key.IV[:], ivBytes)
	return tid, key, nil
}

// parseNamedColumn parses a "<name>\t<data>" payload, used for COVARIANT.
func parseNamedColumn(payload []byte) (name string, data []byte, err error) {
	s := string(payload)
	t := strings.IndexByte(s, '\t')
	if t < 0 {
		return "", nil, errors.Errorf("protocol: missing name separator")
	}
	return s[:t], []byte(s[t+1:]), nil
}

// checkIn records that dp has registered worker 0's AES key and, once
// every expected DP has done the same, issues each DP its required
// covariate/phenotype names and its initial block credit -- the signal
// that setup is complete and steady-state DATA flow may begin.
func (d *Dispatcher) checkIn(dp string) {
	d.mu.Lock()
	if d.checkedIn[dp] {
		d.mu.Unlock()
		return
	}
	d.checkedIn[dp] = true
	d.checkedInCount++
	allIn := d.checkedInCount == len(d.expectedDPs)
	d.mu.Unlock()

	if !allIn || d.notifier == nil {
		return
	}
	for _, name := range d.expectedDPs {
		if err := d.notifier.SendYAndCov(name, d.covNames); err != nil {
			log.Error.Printf("protocol: check-in: SendYAndCov(%s): %v", name, err)
		}
		if err := d.notifier.SendDataRequest(name, MinBlockCount); err != nil {
			log.Error.Printf("protocol: check-in: SendDataRequest(%s): %v", name, err)
		}
	}
}
