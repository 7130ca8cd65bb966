// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Protocol identification sent with server.version.
const (
	clientName      = "bchwallet"
	protocolVersion = "1.4"
)

// defaultCallTimeout bounds a single RPC round trip when the caller's
// context carries no deadline.
const defaultCallTimeout = 30 * time.Second

// ElectrumConfig describes how to reach an Electrum-protocol server.
type ElectrumConfig struct {
	// Addr is the host:port of the server.
	Addr string

	// TLS wraps the connection in TLS when set.
	TLS *tls.Config

	// DialTimeout bounds connection establishment. Zero means the
	// default of 10 seconds.
	DialTimeout time.Duration
}

// electrumRequest is a JSON-RPC 2.0 request line.
type electrumRequest struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// electrumResponse is a JSON-RPC 2.0 response line. Server-initiated
// notifications carry a method instead of an id.
type electrumResponse struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *electrumError  `json:"error"`
}

// electrumError is the error member of a response. Servers disagree on
// whether it is a string or an object, so both are accepted.
type electrumError struct {
	Message string
}

// UnmarshalJSON accepts both the string and {code, message} forms.
func (e *electrumError) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		e.Message = asString
		return nil
	}

	var asObject struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &asObject); err != nil {
		return err
	}

	e.Message = asObject.Message

	return nil
}

// ElectrumSession is a Session over the Electrum wallet-server protocol:
// newline-delimited JSON-RPC 2.0 on a TCP or TLS stream.
type ElectrumSession struct {
	conn net.Conn

	writeMu sync.Mutex
	writer  *bufio.Writer

	mu        sync.Mutex
	nextID    uint64
	pending   map[uint64]chan *electrumResponse
	connected bool
	closed    bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// A compile-time check that ElectrumSession satisfies Session.
var _ Session = (*ElectrumSession)(nil)

// DialElectrum connects to the server and negotiates the protocol version.
func DialElectrum(ctx context.Context, cfg *ElectrumConfig) (
	*ElectrumSession, error) {

	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}

	dialer := &net.Dialer{Timeout: dialTimeout}

	var (
		conn net.Conn
		err  error
	)
	if cfg.TLS != nil {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: cfg.TLS}
		conn, err = tlsDialer.DialContext(ctx, "tcp", cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", cfg.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	s := &ElectrumSession{
		conn:      conn,
		writer:    bufio.NewWriter(conn),
		pending:   make(map[uint64]chan *electrumResponse),
		connected: true,
		quit:      make(chan struct{}),
	}

	s.wg.Add(1)
	go s.readLoop()

	// Announce ourselves. Failure here means the server is not speaking
	// the protocol we expect.
	var version []string
	err = s.Call(
		ctx, "server.version", &version, clientName, protocolVersion,
	)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	log.Infof("Connected to electrum server %s (%v)", cfg.Addr, version)

	return s, nil
}

// readLoop dispatches response lines to their waiting callers.
func (s *ElectrumSession) readLoop() {
	defer s.wg.Done()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var resp electrumResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			log.Warnf("Dropping unparsable server line: %v", err)
			continue
		}

		// Notifications are not awaited by anyone.
		if resp.Method != "" {
			log.Debugf("Server notification: %s", resp.Method)
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[resp.ID]
		delete(s.pending, resp.ID)
		s.mu.Unlock()

		if ok {
			ch <- &resp
		}
	}

	// The stream broke. Fail every pending call.
	s.mu.Lock()
	s.connected = false
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()
}

// Call performs one JSON-RPC round trip, decoding the result into result
// when non-nil.
func (s *ElectrumSession) Call(ctx context.Context, method string,
	result interface{}, params ...interface{}) error {

	if !s.Connected() {
		return ErrNotConnected
	}

	if params == nil {
		params = []interface{}{}
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	ch := make(chan *electrumResponse, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	payload, err := json.Marshal(&electrumRequest{
		ID:     id,
		Method: method,
		Params: params,
	})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	_, err = s.writer.Write(append(payload, '\n'))
	if err == nil {
		err = s.writer.Flush()
	}
	s.writeMu.Unlock()
	if err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()

		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		if resp.Error != nil {
			return errors.New(resp.Error.Message)
		}
		if result != nil {
			return json.Unmarshal(resp.Result, result)
		}

		return nil

	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()

		return ctx.Err()

	case <-s.quit:
		return ErrNotConnected
	}
}

// Connected reports whether the underlying stream is alive.
func (s *ElectrumSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.connected
}

// BroadcastRawTx submits a serialized transaction via
// blockchain.transaction.broadcast. Electrum servers report refusal either
// as a JSON-RPC error or, on older versions, as an error string in the
// result; both surface as a *RejectError.
func (s *ElectrumSession) BroadcastRawTx(ctx context.Context,
	rawTx []byte) (string, error) {

	var result string
	err := s.Call(
		ctx, "blockchain.transaction.broadcast", &result,
		hex.EncodeToString(rawTx),
	)
	if errors.Is(err, ErrNotConnected) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {

		return "", err
	}
	if err != nil {
		return "", newRejectError(err.Error())
	}

	// A result that is not a 64-character hash is an error message from
	// a pre-1.4 server.
	if len(result) != 64 {
		return "", newRejectError(result)
	}

	return result, nil
}

// Close tears down the connection and unblocks all pending calls.
func (s *ElectrumSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.connected = false
	s.mu.Unlock()

	close(s.quit)
	err := s.conn.Close()
	s.wg.Wait()

	return err
}
