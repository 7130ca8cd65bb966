// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain connects the wallet to the Bitcoin Cash network through
// Electrum-protocol servers and handles transaction broadcast.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected is returned when an operation requires an active
	// network session. It is a retryable precondition failure, not a
	// fatal error.
	ErrNotConnected = errors.New("no network session")
)

// RejectError is returned when the remote server refuses a transaction.
// The reason text is surfaced verbatim, with a leading "error: " prefix
// stripped.
type RejectError struct {
	Reason string
}

// Error implements the error interface.
func (e *RejectError) Error() string {
	return fmt.Sprintf("transaction rejected: %s", e.Reason)
}

// newRejectError normalizes a server error message.
func newRejectError(msg string) *RejectError {
	return &RejectError{
		Reason: strings.TrimPrefix(msg, "error: "),
	}
}

// Session is an established connection to a wallet server. Implementations
// must be safe for concurrent use.
type Session interface {
	// Connected reports whether the session can currently reach the
	// server.
	Connected() bool

	// BroadcastRawTx submits a serialized transaction and returns the
	// transaction id the server reports. Server-side refusal surfaces
	// as a *RejectError.
	BroadcastRawTx(ctx context.Context, rawTx []byte) (string, error)

	// Close tears the session down.
	Close() error
}
