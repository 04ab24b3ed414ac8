// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"fmt"
)

// Disconnect reason codes surfaced to proxies on structured rejections.
const (
	ReasonPartyTokenMissing  = "party-token-missing"
	ReasonPartyTokenMismatch = "party-token-mismatch"
	ReasonNoCapacity         = "no-capacity"
	ReasonTimeout            = "timeout"
)

// Sentinel errors used across the registry services. Callers test with
// errors.Is and decide between retry, compensation and rejection.
var (
	// ErrCapacityExhausted is a reserve that found no remaining capacity.
	ErrCapacityExhausted = errors.New("family capacity exhausted")

	// ErrDuplicateReservation marks a reservation id that already has an
	// active allocation.
	ErrDuplicateReservation = errors.New("reservation already allocated")

	// ErrSlotNotAvailable marks a slot that left the AVAILABLE state
	// between selection and use.
	ErrSlotNotAvailable = errors.New("slot no longer available")

	// ErrServerMissing marks a reference to a backend the fleet does not
	// know.
	ErrServerMissing = errors.New("server not registered")

	// ErrStoreDown is returned while the routing store is past its
	// failover deadline; the registry is not accepting new work.
	ErrStoreDown = errors.New("routing store unavailable")
)

// ErrorKind buckets failures by the recovery they require.
type ErrorKind string

const (
	// ErrKindTransientStore is a store I/O failure: retry with backoff and
	// compensate any in-memory half of a two-phase mutation.
	ErrKindTransientStore ErrorKind = "transient-store"

	// ErrKindCapacity means no capacity remained; recover by trying the
	// next candidate or enqueueing.
	ErrKindCapacity ErrorKind = "capacity-exhausted"

	// ErrKindConflict is a lost race or duplicate; recover by requeueing
	// or rejecting idempotently.
	ErrKindConflict ErrorKind = "state-conflict"

	// ErrKindProtocol is a malformed or unauthorized request; surfaced to
	// the proxy as a structured disconnect.
	ErrKindProtocol ErrorKind = "protocol-violation"

	// ErrKindFatal means the registry cannot make progress at all.
	ErrKindFatal ErrorKind = "fatal"
)

// StoreError wraps a routing-store I/O failure so callers can distinguish
// transient transport errors from semantic sentinels.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("routing store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err as a transient store failure for op.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// ProtocolError is a request-level violation carrying the short reason
// code for the proxy disconnect.
type ProtocolError struct {
	Reason string
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// NewProtocolError builds a ProtocolError with a formatted detail.
func NewProtocolError(reason, format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// KindOf classifies an error into its handling bucket.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCapacityExhausted):
		return ErrKindCapacity
	case errors.Is(err, ErrStoreDown):
		return ErrKindFatal
	case errors.Is(err, ErrDuplicateReservation),
		errors.Is(err, ErrSlotNotAvailable),
		errors.Is(err, ErrServerMissing):
		return ErrKindConflict
	}

	var pe *ProtocolError
	if errors.As(err, &pe) {
		return ErrKindProtocol
	}
	var se *StoreError
	if errors.As(err, &se) {
		return ErrKindTransientStore
	}
	return ErrKindConflict
}
