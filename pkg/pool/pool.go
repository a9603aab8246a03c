// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool provides pooling for backend channels.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	// ErrPoolClosed is returned when the pool is closed.
	ErrPoolClosed = errors.New("channel pool is closed")
	// ErrPoolExhausted is returned when no channels are available within
	// the bounded wait. Callers fail fast rather than queueing.
	ErrPoolExhausted = errors.New("channel pool exhausted")
)

// Config holds channel pool configuration.
type Config struct {
	// MaxIdle is the maximum number of idle channels in the pool.
	MaxIdle int
	// MaxActive is the maximum number of active channels.
	// If 0, there is no limit.
	MaxActive int
	// IdleTimeout is the maximum time a channel can be idle before being closed.
	IdleTimeout time.Duration
	// MaxLifetime is the maximum time a channel can be alive.
	MaxLifetime time.Duration
	// DialTimeout is the timeout for establishing new channels.
	DialTimeout time.Duration
	// WaitTimeout is the maximum time to wait for a channel when the pool
	// is exhausted. If 0, returns an error immediately.
	WaitTimeout time.Duration
}

// Item wraps a pooled channel with metadata. Release returns it to the
// pool; Discard marks it unusable so the next caller dials fresh.
type Item[T io.Closer] struct {
	Value     T
	createdAt time.Time
	pool      *Pool[T]
	broken    bool
}

// Discard marks the channel unusable. Release will close it rather than
// return it to the idle set.
func (i *Item[T]) Discard() {
	i.broken = true
}

// Release returns the channel to the pool.
func (i *Item[T]) Release() error {
	return i.pool.put(i)
}

// DialFunc is a function that creates a new channel.
type DialFunc[T io.Closer] func(ctx context.Context) (T, error)

// Pool is a channel pool.
type Pool[T io.Closer] struct {
	mu       sync.Mutex
	idle     []*Item[T]
	active   int
	dialFunc DialFunc[T]
	config   Config
	closed   bool
	waitChan chan struct{}
}

// New creates a new channel pool.
func New[T io.Closer](dialFunc DialFunc[T], config Config) *Pool[T] {
	if config.MaxIdle <= 0 {
		config.MaxIdle = 10
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 30 * time.Minute
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}

	p := &Pool[T]{
		dialFunc: dialFunc,
		config:   config,
		waitChan: make(chan struct{}, 1),
	}

	// Start idle channel cleaner
	go p.cleanIdle()

	return p
}

// Get retrieves a channel from the pool or creates a new one.
func (p *Pool[T]) Get(ctx context.Context) (*Item[T], error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Try to get an idle channel
	for len(p.idle) > 0 {
		item := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]

		if p.isValid(item) {
			p.active++
			p.mu.Unlock()
			return item, nil
		}

		// Channel expired, close it
		item.Value.Close()
	}

	// Check if we can create a new channel
	if p.config.MaxActive > 0 && p.active >= p.config.MaxActive {
		p.mu.Unlock()

		// Wait for a channel to become available if WaitTimeout is set
		if p.config.WaitTimeout > 0 {
			timer := time.NewTimer(p.config.WaitTimeout)
			defer timer.Stop()

			select {
			case <-p.waitChan:
				return p.Get(ctx)
			case <-timer.C:
				return nil, ErrPoolExhausted
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		return nil, ErrPoolExhausted
	}

	// Create new channel
	p.active++
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.config.DialTimeout)
	defer cancel()

	value, err := p.dialFunc(dialCtx)
	if err != nil {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	return &Item[T]{
		Value:     value,
		createdAt: time.Now(),
		pool:      p,
	}, nil
}

// put returns a channel to the pool.
func (p *Pool[T]) put(item *Item[T]) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active--

	if p.closed || !p.isValid(item) {
		return item.Value.Close()
	}

	if len(p.idle) >= p.config.MaxIdle {
		return item.Value.Close()
	}

	p.idle = append(p.idle, item)

	// Notify waiting goroutines
	select {
	case p.waitChan <- struct{}{}:
	default:
	}

	return nil
}

// isValid checks if a channel is still usable.
func (p *Pool[T]) isValid(item *Item[T]) bool {
	if item.broken {
		return false
	}
	if p.config.MaxLifetime > 0 && time.Since(item.createdAt) > p.config.MaxLifetime {
		return false
	}
	return true
}

// cleanIdle periodically closes channels that have been idle past IdleTimeout.
func (p *Pool[T]) cleanIdle() {
	ticker := time.NewTicker(p.config.IdleTimeout / 2)
	defer ticker.Stop()

	for range ticker.C {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}

		var kept []*Item[T]
		now := time.Now()

		for _, item := range p.idle {
			if p.config.IdleTimeout > 0 && now.Sub(item.createdAt) > p.config.IdleTimeout {
				item.Value.Close()
			} else {
				kept = append(kept, item)
			}
		}

		p.idle = kept
		p.mu.Unlock()
	}
}

// Close closes the pool and all idle channels.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	for _, item := range p.idle {
		item.Value.Close()
	}
	p.idle = nil

	return nil
}

// Stats returns pool statistics.
func (p *Pool[T]) Stats() (idle, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.active
}
