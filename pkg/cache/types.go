// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import "time"

// Kind identifies a backend-agnostic cache operation.
//
// The *NonAtomic kinds are emulated as multi-step read/write sequences
// against the backend. They are named separately so no caller can mistake
// them for linearizable primitives.
type Kind int

const (
	// OpGet reads a single key.
	OpGet Kind = iota
	// OpSet unconditionally stores a value.
	OpSet
	// OpDelete removes a key.
	OpDelete

	// OpIncrementNonAtomic adjusts a numeric value by Delta. The value
	// envelope makes the stored bytes opaque to the backend, so arithmetic
	// is emulated as a read followed by a rewrite; not linearizable.
	OpIncrementNonAtomic
	// OpAddNonAtomic stores only if the key is absent. Emulated as a read
	// followed by a conditional write; not linearizable.
	OpAddNonAtomic
	// OpReplaceNonAtomic stores only if the key is present. Emulated; not
	// linearizable.
	OpReplaceNonAtomic
	// OpCompareSwapNonAtomic stores only if the stored revision matches
	// Revision. Emulated; not linearizable.
	OpCompareSwapNonAtomic
	// OpTouchNonAtomic rewrites an existing value with a new TTL. Emulated;
	// not linearizable.
	OpTouchNonAtomic
)

// String returns the operation kind name.
func (k Kind) String() string {
	switch k {
	case OpGet:
		return "get"
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	case OpIncrementNonAtomic:
		return "increment"
	case OpAddNonAtomic:
		return "add"
	case OpReplaceNonAtomic:
		return "replace"
	case OpCompareSwapNonAtomic:
		return "cas"
	case OpTouchNonAtomic:
		return "touch"
	default:
		return "unknown"
	}
}

// IsRead reports whether the operation is an idempotent read. Only reads
// are eligible for automatic retry.
func (k Kind) IsRead() bool {
	return k == OpGet
}

// NoTTL marks an operation without an expiry.
const NoTTL time.Duration = 0

// Operation is a backend-agnostic cache request. It is constructed only
// from a validated Command and is never partially populated.
type Operation struct {
	Kind  Kind
	Key   []byte
	Value []byte

	// TTL is always relative (seconds-from-now granularity). NoTTL means
	// the item does not expire. Dialect expiry units are normalized before
	// the Operation is built.
	TTL time.Duration

	// Flags is opaque 32-bit client metadata, round-tripped through the
	// value envelope.
	Flags uint32

	// Delta, Decrement, Initial and Create apply to OpIncrementNonAtomic.
	// Decrement subtracts Delta and clamps at zero. Create permits
	// vivifying a missing counter with Initial (binary dialect semantics);
	// without it a miss is reported as NotFound.
	Delta     uint64
	Decrement bool
	Initial   uint64
	Create    bool

	// Revision is the envelope revision a compare-swap must match.
	Revision uint64
}

// Outcome enumerates the terminal states of a CacheResult.
type Outcome int

const (
	Hit Outcome = iota
	Miss
	Stored
	NotStored
	Deleted
	NotFound
	Touched
	ValueMismatch
	Counter
	Failure
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Miss:
		return "miss"
	case Stored:
		return "stored"
	case NotStored:
		return "not_stored"
	case Deleted:
		return "deleted"
	case NotFound:
		return "not_found"
	case Touched:
		return "touched"
	case ValueMismatch:
		return "value_mismatch"
	case Counter:
		return "counter"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// Result is the backend-agnostic outcome of exactly one Operation.
type Result struct {
	Outcome Outcome

	// Value and Flags are set for Hit.
	Value []byte
	Flags uint32

	// Revision is the envelope revision of the stored value, used as the
	// dialect CAS token on gets/Hit and set after successful writes.
	Revision uint64

	// Numeric carries the post-increment counter value for Counter.
	Numeric uint64

	// Err is set only for Failure and carries a classified backend or
	// translation error.
	Err error
}

// Limits bounds per-request key and value sizes. Violations are rejected
// at translation time and never reach the backend.
type Limits struct {
	MaxKeySize   int
	MaxValueSize int
}

// DefaultLimits mirror the classic memcached bounds.
var DefaultLimits = Limits{
	MaxKeySize:   250,
	MaxValueSize: 1 << 20,
}
