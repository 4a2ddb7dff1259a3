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

// Package netserver is the minimal net.Listener-based transport the
// compute node runs over: it accepts data provider connections and hands
// each to a protocol.Dispatcher, and it registers this node with the
// coordination server on startup.
package netserver

import (
	stderrors "errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/pkg/errors"

	"github.com/grailbio/gwas/protocol"
)

var _ protocol.Notifier = (*DialingNotifier)(nil)

// Server accepts connections on a bound TCP port and dispatches each to
// a protocol.Dispatcher. Connections stay open for as long as the DP
// keeps talking on them (control messages close after one frame; DATA
// connections loop until EOF_DATA).
type Server struct {
	listener   net.Listener
	dispatcher *protocol.Dispatcher

	wg sync.WaitGroup
}

// Listen binds bindAddr (e.g. ":9090") and returns a Server ready to
// Serve. dispatcher handles every accepted connection.
func Listen(bindAddr string, dispatcher *protocol.Dispatcher) (*Server, error) {
	l, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "netserver: listen on %s", bindAddr)
	}
	return &Server{listener: l, dispatcher: dispatcher}, nil
}

// Addr returns the bound address, useful when bindAddr used port 0.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until the listener is closed, dispatching
// each on its own goroutine. It returns nil on a clean shutdown (Close
// called) and the accept error otherwise.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if isClosedErr(err) {
				s.wg.Wait()
				return nil
			}
			return errors.Wrap(err, "netserver: accept")
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatcher.HandleConnection(conn)
		}()
	}
}

// Close stops accepting new connections. In-flight connections are left
// to finish on their own.
func (s *Server) Close() error {
	return s.listener.Close()
}

func isClosedErr(err error) bool {
	return stderrors.Is(err, net.ErrClosed)
}

// RegisterWithCoordinator dials the coordination server and sends the
// REGISTER message carrying this node's own externally-routable address,
// matching the handshake a DP performs against the compute node.
func RegisterWithCoordinator(coordinatorAddr, nodeHostname string, nodePort int) error {
	conn, err := net.Dial("tcp", coordinatorAddr)
	if err != nil {
		return errors.Wrapf(err, "netserver: dial coordinator %s", coordinatorAddr)
	}
	defer conn.Close()

	addr := net.JoinHostPort(nodeHostname, strconv.Itoa(nodePort))
	body := fmt.Sprintf("enclave %d %s", int(protocol.Register), addr)
	if err := protocol.WriteFrame(conn, []byte(body)); err != nil {
		return errors.Wrap(err, "netserver: send REGISTER")
	}
	log.Debug.Printf("netserver: registered %s with coordinator %s", addr, coordinatorAddr)
	return nil
}

// DialingNotifier implements protocol.Notifier by dialing each DP's own
// advertised address on demand. Addresses arrive via Record, which a
// Dispatcher's OnRegister hook should call as DPs register themselves.
type DialingNotifier struct {
	selfName string

	mu    sync.Mutex
	addrs map[string]string
}

// NewDialingNotifier creates a Notifier that identifies itself as
// selfName in every message it sends.
func NewDialingNotifier(selfName string) *DialingNotifier {
	return &DialingNotifier{selfName: selfName, addrs: make(map[string]string)}
}

// Record stores dp's dial address, learned from its REGISTER message.
func (n *DialingNotifier) Record(dp, addr string) {
	n.mu.Lock()
	n.addrs[dp] = addr
	n.mu.Unlock()
}

// Outbound message tags. These belong only to the host->DP direction,
// which the message-type table never enumerates (it is entirely
// DP->host); they are local to this transport rather than additions to
// protocol.MessageType.
const (
	tagYAndCov     = 0
	tagDataRequest = 1
)

func (n *DialingNotifier) send(dp string, body string) error {
	n.mu.Lock()
	addr, ok := n.addrs[dp]
	n.mu.Unlock()
	if !ok {
		return errors.Errorf("netserver: no registered address for dp %q", dp)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "netserver: dial %s at %s", dp, addr)
	}
	defer conn.Close()
	return protocol.WriteFrame(conn, []byte(body))
}

// SendYAndCov implements protocol.Notifier.
func (n *DialingNotifier) SendYAndCov(dp string, covNames []string) error {
	body := fmt.Sprintf("%s %d %s", n.selfName, tagYAndCov, strings.Join(covNames, ","))
	return n.send(dp, body)
}

// SendDataRequest implements protocol.Notifier.
func (n *DialingNotifier) SendDataRequest(dp string, credit int) error {
	body := fmt.Sprintf("%s %d %d", n.selfName, tagDataRequest, credit)
	return n.send(dp, body)
}
