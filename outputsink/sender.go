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
package outputsink

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Writer is the transport the sender writes each drained line (and the
// final EOF_OUTPUT message) to.
type Writer interface {
	WriteLine(line string, eof bool) error
}

// Send drains s and writes every item to w, stopping once the terminal
// EOF_OUTPUT item has been written. Callers run this in the single
// dedicated output_sender goroutine.
func Send(s *Sink, w Writer) error {
	for {
		item, ok := s.Next()
		if !ok {
			return nil
		}
		if err := w.WriteLine(item.Line, item.EOF); err != nil {
			return err
		}
		if item.EOF {
			return nil
		}
	}
}

// PlainWriter writes each line newline-terminated, uncompressed.
type PlainWriter struct {
	w io.Writer
}

// NewPlainWriter wraps w as a Writer.
func NewPlainWriter(w io.Writer) *PlainWriter {
	return &PlainWriter{w: w}
}

// WriteLine implements Writer.
func (p *PlainWriter) WriteLine(line string, eof bool) error {
	_, err := fmt.Fprintln(p.w, line)
	return err
}

// GzipSpill wraps an io.Writer so every output line is written through
// gzip compression, for coordination servers that signal a large expected
// result volume rather than the default plaintext stream.
type GzipSpill struct {
	gz *gzip.Writer
}

// NewGzipSpill wraps w with a gzip writer. Callers must eventually
// observe a WriteLine call with eof=true (or call Close themselves) to
// flush the trailing gzip footer.
func NewGzipSpill(w io.Writer) *GzipSpill {
	return &GzipSpill{gz: gzip.NewWriter(w)}
}

// WriteLine implements Writer. It closes (and flushes) the underlying
// gzip stream once the terminal item is written.
func (g *GzipSpill) WriteLine(line string, eof bool) error {
	if _, err := fmt.Fprintln(g.gz, line); err != nil {
		return err
	}
	if eof {
		return g.gz.Close()
	}
	return nil
}
