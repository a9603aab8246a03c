// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/edgecache/kvproxy/pkg/cache"
	"github.com/edgecache/kvproxy/pkg/dialect/memcache"
	"github.com/edgecache/kvproxy/pkg/session"
	"github.com/edgecache/kvproxy/pkg/translate"
)

type staticExecutor struct{}

func (staticExecutor) Execute(ctx context.Context, op *cache.Operation) *cache.Result {
	switch op.Kind {
	case cache.OpGet:
		return &cache.Result{Outcome: cache.Miss}
	case cache.OpSet:
		return &cache.Result{Outcome: cache.Stored}
	default:
		return &cache.Result{Outcome: cache.Deleted}
	}
}

func testConfig(addr string, rateLimit int64) Config {
	return Config{
		Address:         addr,
		ShutdownTimeout: 5 * time.Second,
		RateLimit:       rateLimit,
		Logger:          slog.New(slog.NewTextHandler(os.Stdout, nil)),
		Session: session.Config{
			Codec:      memcache.New(0),
			Translator: translate.New(cache.Limits{}),
			Backend:    staticExecutor{},
			Version:    "test",
		},
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	probe, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	addr := probe.Addr().String()
	probe.Close()
	return addr
}

func dialUp(t *testing.T, addr string) net.Conn {
	t.Helper()
	for i := 0; i < 50; i++ {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server did not start")
	return nil
}

func TestServerServesSessions(t *testing.T) {
	addr := freeAddr(t)
	srv := New(testConfig(addr, 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Listen(ctx) }()

	conn := dialUp(t, addr)
	defer conn.Close()

	if _, err := conn.Write([]byte("version\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "VERSION test\r\n" {
		t.Errorf("response = %q", line)
	}

	conn.Close()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Listen() returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServerGracefulShutdownDrains(t *testing.T) {
	addr := freeAddr(t)
	srv := New(testConfig(addr, 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Listen(ctx) }()

	conn := dialUp(t, addr)
	defer conn.Close()

	// An open connection keeps being served while shutdown drains.
	cancel()
	time.Sleep(50 * time.Millisecond)

	if _, err := conn.Write([]byte("version\r\n")); err != nil {
		t.Fatalf("write during drain: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read during drain: %v", err)
	}
	if line != "VERSION test\r\n" {
		t.Errorf("response = %q", line)
	}
	conn.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Listen() returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServerBindFailure(t *testing.T) {
	holder, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer holder.Close()

	srv := New(testConfig(holder.Addr().String(), 0))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Listen(ctx); err == nil {
		t.Error("Listen() on an occupied port must fail immediately")
	}
}

func TestNextAcceptDelay(t *testing.T) {
	steps := []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
	}
	var delay time.Duration
	for i, want := range steps {
		delay = nextAcceptDelay(delay)
		if delay != want {
			t.Fatalf("step %d delay = %v, want %v", i, delay, want)
		}
	}
	if capped := nextAcceptDelay(time.Second); capped != time.Second {
		t.Errorf("nextAcceptDelay(1s) = %v, want cap at 1s", capped)
	}
	// A successful accept resets the sequence.
	if reset := nextAcceptDelay(0); reset != 5*time.Millisecond {
		t.Errorf("nextAcceptDelay(0) = %v, want 5ms", reset)
	}
}

func TestServerRateLimit(t *testing.T) {
	addr := freeAddr(t)
	srv := New(testConfig(addr, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Listen(ctx) }()

	conn := dialUp(t, addr)
	defer conn.Close()

	r := bufio.NewReader(conn)
	sawLimit := false
	for i := 0; i < 5; i++ {
		if _, err := conn.Write([]byte("version\r\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if line == "SERVER_ERROR backend temporarily unavailable\r\n" {
			sawLimit = true
			break
		}
	}
	if !sawLimit {
		t.Error("burst past the per-connection rate was never limited")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
