// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every failure surfaced to a session is one of these
// classes, so each dialect can map it to its exact wire response.
var (
	// ErrProtocol indicates malformed client input. Fatal for strict-order
	// dialects, scoped to the offending command elsewhere.
	ErrProtocol = errors.New("protocol error")

	// ErrUnsupported indicates a dialect feature with no backend mapping.
	// Always answered with the dialect's standard client error.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrBackendTransient indicates a network or timeout failure talking to
	// the backend. Retried at most once for reads, surfaced as a dialect
	// server error otherwise. The connection stays open.
	ErrBackendTransient = errors.New("backend transient error")

	// ErrBackendAuth indicates the backend rejected our credential. Fatal
	// for the channel that saw it; the channel re-authenticates before it
	// is used again.
	ErrBackendAuth = errors.New("backend authentication error")

	// ErrBackendSemantic indicates the backend rejected the request itself
	// (value too large, quota exceeded). Mapped to the nearest
	// dialect-specific client error.
	ErrBackendSemantic = errors.New("backend semantic error")

	// ErrTooLarge is a semantic violation caught before any backend call.
	ErrTooLarge = fmt.Errorf("%w: object too large for cache", ErrBackendSemantic)

	// ErrNotNumeric is returned when incr/decr targets a non-numeric value.
	ErrNotNumeric = fmt.Errorf("%w: cannot increment or decrement non-numeric value", ErrBackendSemantic)
)

// FailureResult wraps a classified error as a Result.
func FailureResult(err error) *Result {
	return &Result{Outcome: Failure, Err: err}
}

// IsTransient reports whether err is a transient backend failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBackendTransient)
}

// IsAuth reports whether err is a backend authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrBackendAuth)
}

// IsSemantic reports whether err is a backend semantic failure.
func IsSemantic(err error) bool {
	return errors.Is(err, ErrBackendSemantic)
}
