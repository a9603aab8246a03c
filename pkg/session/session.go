// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session drives one client connection: read, parse, translate,
// dispatch to the backend, encode, write.
//
// Commands are pipelined: parsing continues while earlier commands wait
// on the backend, up to a bounded number in flight. Strict-order dialects
// get their responses written in request order through an in-flight
// queue; tagged dialects write each response as soon as it is ready,
// correlated by the request's opaque.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/edwingeng/deque/v2"
	"github.com/google/uuid"

	"github.com/edgecache/kvproxy/pkg/cache"
	"github.com/edgecache/kvproxy/pkg/dialect"
	proxyerr "github.com/edgecache/kvproxy/pkg/errors"
	"github.com/edgecache/kvproxy/pkg/metrics"
	"github.com/edgecache/kvproxy/pkg/translate"
)

// Executor runs one backend-agnostic operation. Implemented by
// backend.Client; tests substitute fakes.
type Executor interface {
	Execute(ctx context.Context, op *cache.Operation) *cache.Result
}

// Limiter gates command admission. Satisfied by the ratelimit package's
// token buckets and per-client limiters.
type Limiter interface {
	Allow() bool
}

// Config holds per-session collaborators and tuning.
type Config struct {
	// Codec is the wire dialect bound to the accepting listener.
	Codec dialect.Codec

	// Translator maps commands to backend operations.
	Translator *translate.Translator

	// Backend executes operations.
	Backend Executor

	// Logger for session events.
	Logger *slog.Logger

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics

	// Limiter optionally bounds the command rate of this connection.
	Limiter Limiter

	// MaxPipeline bounds commands in flight; further parsing waits until
	// a slot frees. Defaults to 64.
	MaxPipeline int

	// IdleTimeout closes connections with no traffic. Zero disables it.
	IdleTimeout time.Duration

	// Version is the string answered to version commands.
	Version string
}

// entry is one in-flight command awaiting its turn on the write path.
type entry struct {
	out  []byte
	done chan struct{}
}

// completed wraps pre-encoded bytes as a finished entry.
func completed(out []byte) *entry {
	e := &entry{out: out, done: make(chan struct{})}
	close(e.done)
	return e
}

// Session owns one client connection. Its buffer and in-flight queue are
// never touched by another session.
type Session struct {
	id     string
	conn   net.Conn
	cfg    Config
	logger *slog.Logger
	cancel context.CancelFunc

	slots chan struct{}

	// wmu serializes direct writes on tagged dialects.
	wmu sync.Mutex

	// in-flight response queue, strict-order dialects only.
	mu       sync.Mutex
	inflight *deque.Deque[*entry]
	signal   chan struct{}
	noMore   bool
}

// New creates a session for an accepted connection.
func New(conn net.Conn, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxPipeline <= 0 {
		cfg.MaxPipeline = 64
	}
	if cfg.Version == "" {
		cfg.Version = "0.0.0"
	}

	id := uuid.New().String()
	return &Session{
		id:   id,
		conn: conn,
		cfg:  cfg,
		logger: cfg.Logger.With(
			slog.String("session", id),
			slog.String("dialect", cfg.Codec.Name()),
			slog.String("remote", conn.RemoteAddr().String())),
		slots:    make(chan struct{}, cfg.MaxPipeline),
		inflight: deque.NewDeque[*entry](),
		signal:   make(chan struct{}, 1),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Run processes the connection until it closes. A nil return means the
// client disconnected cleanly or the session drained on shutdown.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()
	defer s.conn.Close()

	// Unblock the blocking read when the context ends.
	go func() {
		<-ctx.Done()
		s.conn.SetReadDeadline(time.Now())
	}()

	writerDone := make(chan struct{})
	if s.cfg.Codec.StrictOrder() {
		go s.writeLoop(ctx, writerDone)
	} else {
		close(writerDone)
	}

	err := s.readLoop(ctx)

	s.mu.Lock()
	s.noMore = true
	s.mu.Unlock()
	s.notify()
	<-writerDone

	if err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
		return proxyerr.New("session", s.cfg.Codec.Name(), s.id, s.conn.RemoteAddr().String(), err)
	}
	return nil
}

// readLoop accumulates bytes and parses complete commands until the
// connection ends. A command spanning multiple reads stays buffered; a
// single read may also carry many pipelined commands.
func (s *Session) readLoop(ctx context.Context) error {
	var buf []byte
	chunk := make([]byte, 16*1024)

	for {
		for len(buf) > 0 {
			cmd, n, err := s.cfg.Codec.Parse(buf)
			if errors.Is(err, dialect.ErrIncomplete) {
				break
			}
			if err != nil {
				if fatal := s.handleProtocolError(cmd, n, err); fatal {
					return err
				}
				buf = buf[n:]
				continue
			}
			buf = buf[n:]

			quit, err := s.handleCommand(ctx, cmd)
			if err != nil {
				return err
			}
			if quit {
				return nil
			}
		}

		// Large drained buffers are released rather than kept hot.
		if len(buf) == 0 && cap(buf) > 64*1024 {
			buf = nil
		}

		if s.cfg.IdleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		n, err := s.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// handleProtocolError answers malformed input. Recoverable errors get an
// in-line error response and parsing resumes past the reported offset;
// fatal errors (framing desync, oversized frames) get a final error frame
// and close the connection.
func (s *Session) handleProtocolError(cmd *dialect.Command, skip int, err error) (fatal bool) {
	var perr *dialect.ProtocolError
	fatal = !errors.As(err, &perr) || perr.Fatal || skip == 0

	if s.cfg.Metrics != nil {
		label := "false"
		if fatal {
			label = "true"
		}
		s.cfg.Metrics.ProtocolErrors.WithLabelValues(s.cfg.Codec.Name(), label).Inc()
	}
	s.logger.Debug("protocol error",
		slog.String("error", err.Error()),
		slog.Bool("fatal", fatal))

	// The error frame takes its turn behind earlier pipelined responses.
	// On a fatal error the read loop stops and the writer drains the
	// queue, so the final frame still reaches the client last, in order.
	s.respond(completed(s.cfg.Codec.EncodeError(cmd, err)))
	return fatal
}

// handleCommand translates and dispatches one parsed command.
func (s *Session) handleCommand(ctx context.Context, cmd *dialect.Command) (quit bool, err error) {
	start := time.Now()

	if s.cfg.Limiter != nil && !s.cfg.Limiter.Allow() {
		s.observe(cmd, "rate_limited", start)
		s.respond(completed(s.cfg.Codec.EncodeError(cmd, proxyerr.ErrRateLimited)))
		return false, nil
	}

	plan, terr := s.cfg.Translator.Translate(cmd)
	if terr != nil {
		s.observe(cmd, "rejected", start)
		s.respond(completed(s.cfg.Codec.EncodeError(cmd, terr)))
		return false, nil
	}

	switch plan.Action {
	case translate.ActionVersion:
		s.observe(cmd, "ok", start)
		res := &cache.Result{Outcome: cache.Hit, Value: []byte(s.cfg.Version)}
		s.respond(completed(s.cfg.Codec.Encode(cmd, []*cache.Result{res})))
		return false, nil

	case translate.ActionNoOp:
		s.observe(cmd, "ok", start)
		s.respond(completed(s.cfg.Codec.Encode(cmd, []*cache.Result{{}})))
		return false, nil

	case translate.ActionQuit:
		s.observe(cmd, "ok", start)
		s.respond(completed(s.cfg.Codec.Encode(cmd, []*cache.Result{{}})))
		s.awaitDrain(ctx)
		return true, nil
	}

	// Backpressure: cap commands in flight before dispatching.
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return false, nil
	}

	e := &entry{done: make(chan struct{})}
	if s.cfg.Codec.StrictOrder() {
		s.enqueue(e)
	}
	go s.dispatch(ctx, cmd, plan, e, start)
	return false, nil
}

// dispatch executes a plan's operations in key order and encodes the
// response. Backend calls already dispatched are allowed to complete even
// if the session is closing; their results are simply discarded with the
// connection.
func (s *Session) dispatch(ctx context.Context, cmd *dialect.Command, plan *translate.Plan, e *entry, start time.Time) {
	defer func() { <-s.slots }()

	bctx := context.WithoutCancel(ctx)
	results := make([]*cache.Result, 0, len(plan.Ops))
	for i := range plan.Ops {
		res := s.cfg.Backend.Execute(bctx, &plan.Ops[i])
		results = append(results, res)
		s.observeOutcome(&plan.Ops[i], res)
	}

	var out []byte
	switch {
	case plan.Synthetic != nil:
		out = s.cfg.Codec.Encode(cmd, []*cache.Result{plan.Synthetic})
		s.observe(cmd, "ok", start)
	default:
		if failed := firstFailure(results); failed != nil {
			out = s.cfg.Codec.EncodeError(cmd, failed.Err)
			s.observe(cmd, "error", start)
		} else {
			out = s.cfg.Codec.Encode(cmd, results)
			s.observe(cmd, "ok", start)
		}
	}

	if s.cfg.Codec.StrictOrder() {
		e.out = out
		close(e.done)
		return
	}
	if out != nil {
		s.writeDirect(out)
	}
}

// respond hands a finished entry to the write path.
func (s *Session) respond(e *entry) {
	if s.cfg.Codec.StrictOrder() {
		s.enqueue(e)
		return
	}
	if e.out != nil {
		s.writeDirect(e.out)
	}
}

func (s *Session) enqueue(e *entry) {
	s.mu.Lock()
	s.inflight.PushBack(e)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// writeLoop writes strict-order responses in request order, waiting for
// the head of the queue even when later commands complete first.
func (s *Session) writeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		s.mu.Lock()
		if s.inflight.IsEmpty() {
			noMore := s.noMore
			s.mu.Unlock()
			if noMore {
				return
			}
			select {
			case <-s.signal:
				continue
			case <-ctx.Done():
				return
			}
		}
		e := s.inflight.PopFront()
		s.mu.Unlock()

		select {
		case <-e.done:
		case <-ctx.Done():
			return
		}

		if e.out == nil {
			continue
		}
		if _, err := s.conn.Write(e.out); err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("write failed", slog.String("error", err.Error()))
			}
			s.cancel()
			return
		}
	}
}

// awaitDrain blocks until every in-flight command has been answered, for
// a clean quit.
func (s *Session) awaitDrain(ctx context.Context) {
	for i := 0; i < cap(s.slots); i++ {
		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
	}
	for i := 0; i < cap(s.slots); i++ {
		<-s.slots
	}
}

// writeDirect writes outside the ordered queue (tagged dialects).
func (s *Session) writeDirect(out []byte) {
	if len(out) == 0 {
		return
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.conn.Write(out); err != nil && s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) observe(cmd *dialect.Command, status string, start time.Time) {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.ObserveRequest(s.cfg.Codec.Name(), cmd.Verb.String(), status, time.Since(start))
}

func (s *Session) observeOutcome(op *cache.Operation, res *cache.Result) {
	if s.cfg.Metrics == nil || op.Kind != cache.OpGet {
		return
	}
	switch res.Outcome {
	case cache.Hit:
		s.cfg.Metrics.GetHits.WithLabelValues(s.cfg.Codec.Name()).Inc()
	case cache.Miss:
		s.cfg.Metrics.GetMisses.WithLabelValues(s.cfg.Codec.Name()).Inc()
	}
}

func firstFailure(results []*cache.Result) *cache.Result {
	for _, res := range results {
		if res.Outcome == cache.Failure {
			return res
		}
	}
	return nil
}
