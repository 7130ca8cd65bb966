// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrStateForbidden is returned when an operation cannot be
	// performed in the wallet's current state, such as signing before
	// the wallet is started or after shutdown began.
	ErrStateForbidden = errors.New("operation forbidden in current state")

	// ErrAlreadyStarted is returned when Start is called on a running
	// wallet.
	ErrAlreadyStarted = errors.New("wallet already started")
)

// lifecycle represents the lifecycle state of the wallet.
type lifecycle uint32

const (
	// lifecycleStopped indicates the wallet is stopped.
	lifecycleStopped lifecycle = iota

	// lifecycleStarting indicates the wallet is starting up.
	lifecycleStarting

	// lifecycleStarted indicates the wallet is started.
	lifecycleStarted

	// lifecycleStopping indicates the wallet is currently stopping.
	lifecycleStopping
)

// String returns the string representation of a lifecycle.
func (l lifecycle) String() string {
	switch l {
	case lifecycleStopped:
		return "stopped"

	case lifecycleStarting:
		return "starting"

	case lifecycleStarted:
		return "started"

	case lifecycleStopping:
		return "stopping"

	default:
		return "unknown lifecycle state"
	}
}

// walletState tracks the wallet's lifecycle with atomic transitions so
// operations can cheaply assert the state they require. Authentication is
// not a dimension here: key material stays sealed in the keystore and every
// signing call presents the password explicitly.
type walletState struct {
	lifecycle atomic.Uint32
}

// toStarting transitions from Stopped to Starting.
func (s *walletState) toStarting() error {
	if !s.lifecycle.CompareAndSwap(
		uint32(lifecycleStopped), uint32(lifecycleStarting)) {

		return fmt.Errorf("%w: current state is %v",
			ErrAlreadyStarted, lifecycle(s.lifecycle.Load()))
	}

	return nil
}

// toStarted marks the wallet as fully started. This should be called only
// after all resource initialization is complete.
func (s *walletState) toStarted() {
	s.lifecycle.Store(uint32(lifecycleStarted))
}

// toStopping transitions from Started to Stopping. Any other current state
// is an error, which covers Stopped, Starting, and Stopping.
func (s *walletState) toStopping() error {
	if !s.lifecycle.CompareAndSwap(
		uint32(lifecycleStarted), uint32(lifecycleStopping)) {

		return ErrStateForbidden
	}

	return nil
}

// toStopped marks the wallet as fully stopped.
func (s *walletState) toStopped() {
	s.lifecycle.Store(uint32(lifecycleStopped))
}

// isStarted returns true if the wallet is in the Started state.
func (s *walletState) isStarted() bool {
	return lifecycle(s.lifecycle.Load()) == lifecycleStarted
}

// validateStarted checks that the wallet is currently running.
func (s *walletState) validateStarted() error {
	if !s.isStarted() {
		return fmt.Errorf("%w: wallet not started", ErrStateForbidden)
	}

	return nil
}
