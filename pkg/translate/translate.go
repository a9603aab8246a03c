// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package translate maps parsed dialect Commands onto backend-agnostic
// cache operations.
//
// The mapping policy is a single fixed table, not per-call discretion:
// verbs with a native backend equivalent translate directly; add,
// replace, cas, touch, incr and decr are emulated as explicitly
// non-atomic read/write sequences; append, prepend and flush_all have no
// backend mapping and are rejected as unsupported.
package translate

import (
	"time"

	"github.com/edgecache/kvproxy/pkg/cache"
	"github.com/edgecache/kvproxy/pkg/dialect"
)

// relativeExpiryCutoff is the classic memcached threshold: an expiry at
// or below thirty days in seconds is relative, anything above is an
// absolute Unix timestamp.
const relativeExpiryCutoff = 60 * 60 * 24 * 30

// Action tells the session how to satisfy a translated command.
type Action int

const (
	// ActionExecute dispatches Plan.Ops to the backend.
	ActionExecute Action = iota
	// ActionVersion answers locally with the proxy version.
	ActionVersion
	// ActionNoOp answers locally with an empty success.
	ActionNoOp
	// ActionQuit closes the connection cleanly.
	ActionQuit
)

// Plan is the result of translating one Command.
type Plan struct {
	Action Action

	// Ops holds one operation per key, in request key order.
	Ops []cache.Operation

	// Synthetic, when set, is the reply regardless of operation outcomes.
	// Used for writes whose expiry is already in the past: the item must
	// simply be absent, so a best-effort delete runs and the dialect's
	// success response is returned.
	Synthetic *cache.Result
}

// Translator validates Commands against the backend's limits and builds
// execution plans. Safe for concurrent use.
type Translator struct {
	limits cache.Limits
	now    func() time.Time
}

// New returns a Translator enforcing the given limits. Zero limits select
// the defaults.
func New(limits cache.Limits) *Translator {
	if limits.MaxKeySize <= 0 {
		limits.MaxKeySize = cache.DefaultLimits.MaxKeySize
	}
	if limits.MaxValueSize <= 0 {
		limits.MaxValueSize = cache.DefaultLimits.MaxValueSize
	}
	return &Translator{limits: limits, now: time.Now}
}

// Translate maps cmd to a Plan or rejects it. Limit violations and
// unsupported verbs are reported before any backend call is made.
func (t *Translator) Translate(cmd *dialect.Command) (*Plan, error) {
	switch cmd.Verb {
	case dialect.Version:
		return &Plan{Action: ActionVersion}, nil
	case dialect.NoOp:
		return &Plan{Action: ActionNoOp}, nil
	case dialect.Quit:
		return &Plan{Action: ActionQuit}, nil
	case dialect.Append, dialect.Prepend, dialect.Flush:
		return nil, cache.ErrUnsupported
	}

	for _, key := range cmd.Keys {
		if len(key) == 0 {
			return nil, &dialect.ProtocolError{Reason: "bad command line format"}
		}
		if len(key) > t.limits.MaxKeySize {
			return nil, &dialect.ProtocolError{Reason: "key too long"}
		}
	}
	if len(cmd.Value) > t.limits.MaxValueSize {
		return nil, cache.ErrTooLarge
	}

	switch cmd.Verb {
	case dialect.Get, dialect.Gets:
		ops := make([]cache.Operation, 0, len(cmd.Keys))
		for _, key := range cmd.Keys {
			ops = append(ops, cache.Operation{Kind: cache.OpGet, Key: key})
		}
		return &Plan{Ops: ops}, nil

	case dialect.Set:
		return t.storagePlan(cmd, cache.OpSet)
	case dialect.Add:
		return t.storagePlan(cmd, cache.OpAddNonAtomic)
	case dialect.Replace:
		return t.storagePlan(cmd, cache.OpReplaceNonAtomic)
	case dialect.Cas:
		return t.storagePlan(cmd, cache.OpCompareSwapNonAtomic)

	case dialect.Delete:
		return &Plan{Ops: []cache.Operation{{Kind: cache.OpDelete, Key: cmd.Key()}}}, nil

	case dialect.Incr, dialect.Decr:
		ttl, expired := t.normalizeExpiry(cmd.Exptime)
		if expired {
			ttl = cache.NoTTL
		}
		return &Plan{Ops: []cache.Operation{{
			Kind:      cache.OpIncrementNonAtomic,
			Key:       cmd.Key(),
			Delta:     cmd.Delta,
			Decrement: cmd.Verb == dialect.Decr,
			Initial:   cmd.Initial,
			Create:    cmd.Vivify,
			TTL:       ttl,
		}}}, nil

	case dialect.Touch:
		ttl, expired := t.normalizeExpiry(cmd.Exptime)
		if expired {
			return &Plan{
				Ops:       []cache.Operation{{Kind: cache.OpDelete, Key: cmd.Key()}},
				Synthetic: &cache.Result{Outcome: cache.Touched},
			}, nil
		}
		return &Plan{Ops: []cache.Operation{{
			Kind: cache.OpTouchNonAtomic,
			Key:  cmd.Key(),
			TTL:  ttl,
		}}}, nil

	default:
		return nil, cache.ErrUnsupported
	}
}

// storagePlan builds the plan for a write, wrapping the client value in
// the metadata envelope so flags and the CAS revision round-trip through
// the backend.
func (t *Translator) storagePlan(cmd *dialect.Command, kind cache.Kind) (*Plan, error) {
	ttl, expired := t.normalizeExpiry(cmd.Exptime)
	if expired {
		// Already expired on arrival: the write succeeds syntactically but
		// the item must be immediately absent.
		return &Plan{
			Ops:       []cache.Operation{{Kind: cache.OpDelete, Key: cmd.Key()}},
			Synthetic: &cache.Result{Outcome: cache.Stored},
		}, nil
	}

	op := cache.Operation{
		Kind:  kind,
		Key:   cmd.Key(),
		Value: cache.EncodeEnvelope(cmd.Flags, cache.NextRevision(), cmd.Value),
		Flags: cmd.Flags,
		TTL:   ttl,
	}
	if kind == cache.OpCompareSwapNonAtomic {
		op.Revision = cmd.CasUnique
	}
	return &Plan{Ops: []cache.Operation{op}}, nil
}

// normalizeExpiry applies the dialect expiry rule: zero means no expiry,
// values at or below the thirty-day cutoff are relative seconds, larger
// values are absolute Unix timestamps converted against the current time.
// expired reports a timestamp already in the past.
func (t *Translator) normalizeExpiry(exptime int64) (ttl time.Duration, expired bool) {
	switch {
	case exptime == 0:
		return cache.NoTTL, false
	case exptime < 0:
		return cache.NoTTL, true
	case exptime <= relativeExpiryCutoff:
		return time.Duration(exptime) * time.Second, false
	default:
		remaining := exptime - t.now().Unix()
		if remaining <= 0 {
			return cache.NoTTL, true
		}
		return time.Duration(remaining) * time.Second, false
	}
}
