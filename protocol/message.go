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

// Package protocol implements the wire framing and message dispatch
// between a data provider connection and the compute node: length-prefixed
// frames, the inbound message type table, and DATA/EOF_DATA batch
// parsing into reassembly.Blocks.
package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/grailbio/gwas/reassembly"
)

// MessageType enumerates the compute-server-inbound message kinds. Values
// are stable across parties.
type MessageType int

const (
	GlobalID     MessageType = 0
	Register     MessageType = 1
	AESKey       MessageType = 2
	PatientCount MessageType = 3
	Covariant    MessageType = 4
	YVal         MessageType = 5
	Data         MessageType = 6
	EOFData      MessageType = 7
	EndEnclave   MessageType = 8
)

func (t MessageType) String() string {
	switch t {
	case GlobalID:
		return "GLOBAL_ID"
	case Register:
		return "REGISTER"
	case AESKey:
		return "AES_KEY"
	case PatientCount:
		return "PATIENT_COUNT"
	case Covariant:
		return "COVARIANT"
	case YVal:
		return "Y_VAL"
	case Data:
		return "DATA"
	case EOFData:
		return "EOF_DATA"
	case EndEnclave:
		return "END_ENCLAVE"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// ReadFrame reads one length-prefixed frame: an ASCII decimal line giving
// the body length, then exactly that many bytes of body.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	lengthLine, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	lengthLine = strings.TrimRight(lengthLine, "\r\n")
	n, err := strconv.Atoi(lengthLine)
	if err != nil {
		return nil, errors.Wrapf(err, "protocol: malformed frame length %q", lengthLine)
	}
	if n < 0 {
		return nil, errors.Errorf("protocol: negative frame length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "protocol: read frame body")
	}
	return body, nil
}

// WriteFrame writes body as one length-prefixed frame.
func WriteFrame(w io.Writer, body []byte) error {
	if _, err := fmt.Fprintf(w, "%d\n", len(body)); err != nil {
		return errors.Wrap(err, "protocol: write frame length")
	}
	_, err := w.Write(body)
	return errors.Wrap(err, "protocol: write frame body")
}

// Header is one frame's parsed "<dp_name> <mtype> <payload>" body.
type Header struct {
	DP      string
	Type    MessageType
	Payload []byte
}

// ParseHeader splits a frame body into its DP name, message type, and
// payload, on the first two spaces.
func ParseHeader(body []byte) (Header, error) {
	s := string(body)
	sp1 := strings.IndexByte(s, ' ')
	if sp1 < 0 {
		return Header{}, errors.Errorf("protocol: malformed message %q", s)
	}
	rest := s[sp1+1:]
	sp2 := strings.IndexByte(rest, ' ')
	var mtypeStr, payload string
	if sp2 < 0 {
		mtypeStr = rest
	} else {
		mtypeStr = rest[:sp2]
		payload = rest[sp2+1:]
	}
	n, err := strconv.Atoi(mtypeStr)
	if err != nil {
		return Header{}, errors.Wrapf(err, "protocol: malformed message type %q", mtypeStr)
	}
	return Header{DP: s[:sp1], Type: MessageType(n), Payload: []byte(payload)}, nil
}

// ParseDataPayload splits a DATA message's payload into its batch
// position and the blocks it carries, per the header line
// "<pos>\t<len1>\t<len2>...\t<lenk>\n" followed by k concatenated block
// payloads with no delimiters between them (lengths drive the split).
func ParseDataPayload(payload []byte) (pos uint32, blocks []reassembly.Block, err error) {
	nl := bytes.IndexByte(payload, '\n')
	if nl < 0 {
		return 0, nil, errors.Errorf("protocol: DATA payload missing header line")
	}
	header := string(payload[:nl])
	body := payload[nl+1:]

	fields := strings.Split(header, "\t")
	if len(fields) == 0 || fields[0] == "" {
		return 0, nil, errors.Errorf("protocol: empty DATA header")
	}
	posN, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "protocol: malformed DATA pos %q", fields[0])
	}

	lens := make([]int, 0, len(fields)-1)
	for _, f := range fields[1:] {
		l, err := strconv.Atoi(f)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "protocol: malformed DATA block length %q", f)
		}
		lens = append(lens, l)
	}

	offset := 0
	blocks = make([]reassembly.Block, 0, len(lens))
	for _, l := range lens {
		if offset+l > len(body) {
			return 0, nil, errors.Errorf("protocol: DATA block length %d exceeds remaining payload (%d bytes left)", l, len(body)-offset)
		}
		blk, err := parseBlock(body[offset : offset+l])
		if err != nil {
			return 0, nil, err
		}
		blocks = append(blocks, blk)
		offset += l
	}
	return uint32(posN), blocks, nil
}

// parseBlock splits one block payload's "locus\talleles\tdata" on the
// first two tabs.
func parseBlock(raw []byte) (reassembly.Block, error) {
	s := string(raw)
	t1 := strings.IndexByte(s, '\t')
	if t1 < 0 {
		return reassembly.Block{}, errors.Errorf("protocol: block missing locus separator")
	}
	rest := s[t1+1:]
	t2 := strings.IndexByte(rest, '\t')
	if t2 < 0 {
		return reassembly.Block{}, errors.Errorf("protocol: block missing alleles separator")
	}
	return reassembly.Block{
		Locus:   s[:t1],
		Alleles: rest[:t2],
		Data:    []byte(rest[t2+1:]),
	}, nil
}
