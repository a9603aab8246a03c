// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"strconv"
	"time"

	"github.com/edgecache/kvproxy/pkg/cache"
)

// executeOn runs one operation over an acquired channel. Native kinds map
// to a single remote call; the *NonAtomic kinds run their documented
// best-effort sequences. Another client may interleave between the steps
// of an emulated sequence; none of them are linearizable.
func executeOn(ctx context.Context, ch Channel, op *cache.Operation) (*cache.Result, error) {
	switch op.Kind {
	case cache.OpGet:
		return executeGet(ctx, ch, op.Key)

	case cache.OpSet:
		if err := ch.Set(ctx, op.Key, op.Value, ttlSeconds(op.TTL)); err != nil {
			return nil, err
		}
		return &cache.Result{
			Outcome:  cache.Stored,
			Revision: cache.DecodeEnvelope(op.Value).Revision,
		}, nil

	case cache.OpDelete:
		// The backend's delete is idempotent and does not report whether
		// the key existed, so deletes always report Deleted.
		if err := ch.Delete(ctx, op.Key); err != nil {
			return nil, err
		}
		return &cache.Result{Outcome: cache.Deleted}, nil

	case cache.OpAddNonAtomic:
		res, err := executeGet(ctx, ch, op.Key)
		if err != nil {
			return nil, err
		}
		if res.Outcome == cache.Hit {
			return &cache.Result{Outcome: cache.NotStored}, nil
		}
		if err := ch.Set(ctx, op.Key, op.Value, ttlSeconds(op.TTL)); err != nil {
			return nil, err
		}
		return &cache.Result{
			Outcome:  cache.Stored,
			Revision: cache.DecodeEnvelope(op.Value).Revision,
		}, nil

	case cache.OpReplaceNonAtomic:
		res, err := executeGet(ctx, ch, op.Key)
		if err != nil {
			return nil, err
		}
		if res.Outcome != cache.Hit {
			return &cache.Result{Outcome: cache.NotStored}, nil
		}
		if err := ch.Set(ctx, op.Key, op.Value, ttlSeconds(op.TTL)); err != nil {
			return nil, err
		}
		return &cache.Result{
			Outcome:  cache.Stored,
			Revision: cache.DecodeEnvelope(op.Value).Revision,
		}, nil

	case cache.OpCompareSwapNonAtomic:
		res, err := executeGet(ctx, ch, op.Key)
		if err != nil {
			return nil, err
		}
		if res.Outcome != cache.Hit {
			return &cache.Result{Outcome: cache.NotFound}, nil
		}
		if res.Revision != op.Revision {
			return &cache.Result{Outcome: cache.ValueMismatch}, nil
		}
		if err := ch.Set(ctx, op.Key, op.Value, ttlSeconds(op.TTL)); err != nil {
			return nil, err
		}
		return &cache.Result{
			Outcome:  cache.Stored,
			Revision: cache.DecodeEnvelope(op.Value).Revision,
		}, nil

	case cache.OpTouchNonAtomic:
		stored, found, err := ch.Get(ctx, op.Key)
		if err != nil {
			return nil, err
		}
		if !found {
			return &cache.Result{Outcome: cache.NotFound}, nil
		}
		// Rewrite the stored bytes verbatim so flags and revision survive.
		if err := ch.Set(ctx, op.Key, stored, ttlSeconds(op.TTL)); err != nil {
			return nil, err
		}
		return &cache.Result{Outcome: cache.Touched}, nil

	case cache.OpIncrementNonAtomic:
		return executeIncrement(ctx, ch, op)

	default:
		return nil, cache.ErrUnsupported
	}
}

// executeGet reads and unwraps a stored value.
func executeGet(ctx context.Context, ch Channel, key []byte) (*cache.Result, error) {
	stored, found, err := ch.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return &cache.Result{Outcome: cache.Miss}, nil
	}
	env := cache.DecodeEnvelope(stored)
	return &cache.Result{
		Outcome:  cache.Hit,
		Value:    env.Payload,
		Flags:    env.Flags,
		Revision: env.Revision,
	}, nil
}

// executeIncrement emulates memcached arithmetic: the counter must be an
// ASCII decimal, increments wrap at 2^64, decrements clamp at zero.
func executeIncrement(ctx context.Context, ch Channel, op *cache.Operation) (*cache.Result, error) {
	stored, found, err := ch.Get(ctx, op.Key)
	if err != nil {
		return nil, err
	}

	if !found {
		if !op.Create {
			return &cache.Result{Outcome: cache.NotFound}, nil
		}
		revision := cache.NextRevision()
		value := cache.EncodeEnvelope(0, revision, []byte(strconv.FormatUint(op.Initial, 10)))
		if err := ch.Set(ctx, op.Key, value, ttlSeconds(op.TTL)); err != nil {
			return nil, err
		}
		return &cache.Result{Outcome: cache.Counter, Numeric: op.Initial, Revision: revision}, nil
	}

	env := cache.DecodeEnvelope(stored)
	current, perr := strconv.ParseUint(string(env.Payload), 10, 64)
	if perr != nil {
		return nil, cache.ErrNotNumeric
	}

	var next uint64
	if op.Decrement {
		if op.Delta > current {
			next = 0
		} else {
			next = current - op.Delta
		}
	} else {
		next = current + op.Delta
	}

	revision := cache.NextRevision()
	value := cache.EncodeEnvelope(env.Flags, revision, []byte(strconv.FormatUint(next, 10)))
	if err := ch.Set(ctx, op.Key, value, ttlSeconds(op.TTL)); err != nil {
		return nil, err
	}
	return &cache.Result{Outcome: cache.Counter, Numeric: next, Revision: revision}, nil
}

// ttlSeconds converts a normalized TTL to whole seconds for the wire,
// rounding sub-second TTLs up so they are not lost.
func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	secs := int64(ttl / time.Second)
	if ttl%time.Second != 0 {
		secs++
	}
	return secs
}
