// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package backend owns the authenticated channels to the remote cache and
// executes backend-agnostic operations with timeout, bounded retry, and
// failure classification. One Client is shared by every connection
// session; it is created explicitly at startup and drained explicitly on
// shutdown.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgecache/kvproxy/pkg/breaker"
	"github.com/edgecache/kvproxy/pkg/cache"
	"github.com/edgecache/kvproxy/pkg/metrics"
	"github.com/edgecache/kvproxy/pkg/pool"
)

// Config holds backend client configuration.
type Config struct {
	// Deadline bounds every backend call, including each step of an
	// emulated sequence.
	Deadline time.Duration

	// Pool configures the channel pool.
	Pool pool.Config

	// Breaker configures the circuit breaker guarding backend calls.
	Breaker breaker.Config

	// Logger for backend events.
	Logger *slog.Logger

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// Client executes cache operations against the remote backend. Safe for
// concurrent use by many sessions.
type Client struct {
	pool     *pool.Pool[Channel]
	breaker  *breaker.CircuitBreaker
	deadline time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates a backend client dialing channels with dial.
func New(dial pool.DialFunc[Channel], cfg Config) *Client {
	if cfg.Deadline == 0 {
		cfg.Deadline = 1 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		pool:     pool.New(dial, cfg.Pool),
		breaker:  breaker.New(cfg.Breaker),
		deadline: cfg.Deadline,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	c.breaker.OnStateChange(func(from, to breaker.State) {
		c.logger.Warn("circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		if c.metrics != nil {
			c.metrics.CircuitBreakerState.WithLabelValues("cache").Set(float64(to))
		}
	})
	return c
}

// Execute runs one operation and always yields exactly one result. Reads
// are retried once on a transient failure; writes never are, to avoid
// masking duplicate-effect risk.
func (c *Client) Execute(ctx context.Context, op *cache.Operation) *cache.Result {
	start := time.Now()

	attempts := 1
	if op.Kind.IsRead() {
		attempts = 2
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		res, err := c.attempt(ctx, op)
		if err == nil {
			c.observe(op, res.Outcome.String(), time.Since(start))
			return res
		}
		lastErr = err
		if !cache.IsTransient(err) {
			break
		}
		if i+1 < attempts {
			c.logger.Debug("retrying read after transient backend error",
				slog.String("op", op.Kind.String()),
				slog.String("error", err.Error()))
		}
	}

	c.observe(op, "error", time.Since(start))
	return cache.FailureResult(lastErr)
}

// attempt acquires a channel and runs op once under the call deadline.
func (c *Client) attempt(ctx context.Context, op *cache.Operation) (*cache.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	item, err := c.pool.Get(callCtx)
	if err != nil {
		return nil, classify(err)
	}
	defer item.Release()

	var (
		res   *cache.Result
		opErr error
	)
	berr := c.breaker.Call(func() error {
		res, opErr = executeOn(callCtx, item.Value, op)
		if opErr == nil {
			return nil
		}
		opErr = classify(opErr)
		// Semantic failures are the client's fault and must not trip the
		// breaker.
		if cache.IsSemantic(opErr) {
			return nil
		}
		return opErr
	})
	if errors.Is(berr, breaker.ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: circuit open", cache.ErrBackendTransient)
	}
	if opErr != nil {
		if cache.IsAuth(opErr) {
			// The channel's credential was rejected: take it out of
			// rotation so the next call dials and authenticates afresh.
			item.Discard()
			c.logger.Warn("backend rejected credential, discarding channel")
		}
		return nil, opErr
	}
	return res, nil
}

// Ping verifies backend reachability, for health checks.
func (c *Client) Ping(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	item, err := c.pool.Get(callCtx)
	if err != nil {
		return classify(err)
	}
	defer item.Release()

	if err := item.Value.Ping(callCtx); err != nil {
		err = classify(err)
		if cache.IsAuth(err) {
			item.Discard()
		}
		return err
	}
	return nil
}

// PoolStats reports idle and active channel counts.
func (c *Client) PoolStats() (idle, active int) {
	return c.pool.Stats()
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() breaker.State {
	return c.breaker.State()
}

// Close drains the channel pool.
func (c *Client) Close() error {
	return c.pool.Close()
}

func (c *Client) observe(op *cache.Operation, status string, d time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.BackendRequests.WithLabelValues(op.Kind.String(), status).Inc()
	c.metrics.BackendDuration.WithLabelValues(op.Kind.String()).Observe(d.Seconds())
	c.metrics.Latency.Record("backend_"+op.Kind.String(), d)
}

// classify folds raw transport and context errors into the shared
// taxonomy. Errors already classified pass through unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case cache.IsTransient(err), cache.IsAuth(err), cache.IsSemantic(err):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %s", cache.ErrBackendTransient, err)
	case errors.Is(err, pool.ErrPoolExhausted), errors.Is(err, pool.ErrPoolClosed):
		return fmt.Errorf("%w: %s", cache.ErrBackendTransient, err)
	default:
		return fmt.Errorf("%w: %s", cache.ErrBackendTransient, err)
	}
}
