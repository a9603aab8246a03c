// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/edgecache/kvproxy/pkg/cache"
	"github.com/edgecache/kvproxy/pkg/dialect/memcache"
	"github.com/edgecache/kvproxy/pkg/dialect/memcachebin"
	"github.com/edgecache/kvproxy/pkg/translate"
)

// fakeExecutor serves operations from an in-memory map, optionally
// blocking per key until released.
type fakeExecutor struct {
	mu    sync.Mutex
	data  map[string][]byte
	gates map[string]chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		data:  make(map[string][]byte),
		gates: make(map[string]chan struct{}),
	}
}

// gate makes operations on key block until the returned function is
// called.
func (f *fakeExecutor) gate(key string) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[key] = ch
	f.mu.Unlock()
	return func() { close(ch) }
}

func (f *fakeExecutor) Execute(ctx context.Context, op *cache.Operation) *cache.Result {
	f.mu.Lock()
	gate := f.gates[string(op.Key)]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch op.Kind {
	case cache.OpGet:
		stored, ok := f.data[string(op.Key)]
		if !ok {
			return &cache.Result{Outcome: cache.Miss}
		}
		env := cache.DecodeEnvelope(stored)
		return &cache.Result{Outcome: cache.Hit, Value: env.Payload, Flags: env.Flags, Revision: env.Revision}
	case cache.OpSet:
		f.data[string(op.Key)] = op.Value
		return &cache.Result{Outcome: cache.Stored}
	case cache.OpDelete:
		delete(f.data, string(op.Key))
		return &cache.Result{Outcome: cache.Deleted}
	default:
		return cache.FailureResult(cache.ErrUnsupported)
	}
}

func startTextSession(t *testing.T, exec Executor) (client net.Conn, done chan error) {
	t.Helper()
	client, server := net.Pipe()

	sess := New(server, Config{
		Codec:      memcache.New(0),
		Translator: translate.New(cache.Limits{}),
		Backend:    exec,
		Version:    "1.0.0-test",
	})

	done = make(chan error, 1)
	go func() {
		done <- sess.Run(context.Background())
	}()
	t.Cleanup(func() { client.Close() })
	return client, done
}

func waitDone(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestSessionSetGetRoundTrip(t *testing.T) {
	client, done := startTextSession(t, newFakeExecutor())
	r := bufio.NewReader(client)

	if _, err := client.Write([]byte("set foo 7 0 5\r\nhello\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if line, _ := r.ReadString('\n'); line != "STORED\r\n" {
		t.Fatalf("set response = %q", line)
	}

	if _, err := client.Write([]byte("get foo\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := []string{"VALUE foo 7 5\r\n", "hello\r\n", "END\r\n"}
	for _, w := range want {
		if line, _ := r.ReadString('\n'); line != w {
			t.Fatalf("get response line = %q, want %q", line, w)
		}
	}

	client.Close()
	waitDone(t, done)
}

func TestSessionPipelinedResponsesStayOrdered(t *testing.T) {
	exec := newFakeExecutor()
	exec.data["slow"] = cache.EncodeEnvelope(0, 1, []byte("first"))
	exec.data["fast"] = cache.EncodeEnvelope(0, 2, []byte("second"))
	release := exec.gate("slow")

	client, done := startTextSession(t, exec)
	r := bufio.NewReader(client)

	// Both commands are parsed before the first completes.
	if _, err := client.Write([]byte("get slow\r\nget fast\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	release()

	want := []string{
		"VALUE slow 0 5\r\n", "first\r\n", "END\r\n",
		"VALUE fast 0 6\r\n", "second\r\n", "END\r\n",
	}
	for _, w := range want {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if line != w {
			t.Fatalf("line = %q, want %q", line, w)
		}
	}

	client.Close()
	waitDone(t, done)
}

func TestSessionFatalErrorOrderedBehindPipeline(t *testing.T) {
	exec := newFakeExecutor()
	exec.data["slow"] = cache.EncodeEnvelope(0, 1, []byte("first"))
	release := exec.gate("slow")

	client, done := startTextSession(t, exec)
	r := bufio.NewReader(client)

	// The second command carries a corrupt data chunk, which ends the
	// session. Its final error frame must still come after the response
	// to the still-running first command.
	if _, err := client.Write([]byte("get slow\r\nset k 0 0 2\r\nhiXY")); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	release()

	want := []string{
		"VALUE slow 0 5\r\n", "first\r\n", "END\r\n",
		"CLIENT_ERROR bad data chunk\r\n",
	}
	for _, w := range want {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if line != w {
			t.Fatalf("line = %q, want %q", line, w)
		}
	}
	if _, err := r.ReadString('\n'); err != io.EOF {
		t.Fatalf("read after close = %v, want io.EOF", err)
	}

	// Run returns the protocol error that ended the session.
	select {
	case err := <-done:
		if err == nil {
			t.Error("Run() returned nil, want protocol error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestSessionNoReplySuppressed(t *testing.T) {
	client, done := startTextSession(t, newFakeExecutor())
	r := bufio.NewReader(client)

	// The noreply set produces nothing; the next response on the wire
	// must be the version answer.
	if _, err := client.Write([]byte("set foo 0 0 2 noreply\r\nhi\r\nversion\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if line, _ := r.ReadString('\n'); line != "VERSION 1.0.0-test\r\n" {
		t.Fatalf("response = %q", line)
	}

	client.Close()
	waitDone(t, done)
}

func TestSessionRecoverableErrorKeepsConnection(t *testing.T) {
	client, done := startTextSession(t, newFakeExecutor())
	r := bufio.NewReader(client)

	if _, err := client.Write([]byte("bogus nonsense\r\nversion\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if line, _ := r.ReadString('\n'); line != "ERROR\r\n" {
		t.Fatalf("error response = %q", line)
	}
	if line, _ := r.ReadString('\n'); line != "VERSION 1.0.0-test\r\n" {
		t.Fatalf("follow-up response = %q", line)
	}

	client.Close()
	waitDone(t, done)
}

func TestSessionQuitClosesConnection(t *testing.T) {
	client, done := startTextSession(t, newFakeExecutor())

	if _, err := client.Write([]byte("quit\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Read(buf); err != io.EOF {
		t.Errorf("read after quit = %v, want EOF", err)
	}
	waitDone(t, done)
}

func TestSessionUnsupportedVerb(t *testing.T) {
	client, done := startTextSession(t, newFakeExecutor())
	r := bufio.NewReader(client)

	if _, err := client.Write([]byte("append foo 0 0 2\r\nhi\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if line, _ := r.ReadString('\n'); line != "CLIENT_ERROR append not supported\r\n" {
		t.Fatalf("response = %q", line)
	}

	client.Close()
	waitDone(t, done)
}

func binaryGet(opcode byte, opaque uint32, key string) []byte {
	out := make([]byte, 24+len(key))
	out[0] = 0x80
	out[1] = opcode
	binary.BigEndian.PutUint16(out[2:4], uint16(len(key)))
	binary.BigEndian.PutUint32(out[8:12], uint32(len(key)))
	binary.BigEndian.PutUint32(out[12:16], opaque)
	copy(out[24:], key)
	return out
}

func readBinaryResponse(t *testing.T, r io.Reader) (opaque uint32, body []byte) {
	t.Helper()
	header := make([]byte, 24)
	if _, err := io.ReadFull(r, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	bodyLen := binary.BigEndian.Uint32(header[8:12])
	body = make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return binary.BigEndian.Uint32(header[12:16]), body
}

func TestSessionBinaryCompletionOrder(t *testing.T) {
	exec := newFakeExecutor()
	exec.data["slow"] = cache.EncodeEnvelope(0, 1, []byte("a"))
	exec.data["fast"] = cache.EncodeEnvelope(0, 2, []byte("b"))
	release := exec.gate("slow")

	client, server := net.Pipe()
	sess := New(server, Config{
		Codec:      memcachebin.New(0, 0),
		Translator: translate.New(cache.Limits{}),
		Backend:    exec,
	})
	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()
	t.Cleanup(func() { client.Close() })

	var frames []byte
	frames = append(frames, binaryGet(0x00, 1, "slow")...)
	frames = append(frames, binaryGet(0x00, 2, "fast")...)
	if _, err := client.Write(frames); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The fast command overtakes the gated one; its opaque arrives first.
	opaque, _ := readBinaryResponse(t, client)
	if opaque != 2 {
		t.Errorf("first response opaque = %d, want 2", opaque)
	}
	release()
	opaque, _ = readBinaryResponse(t, client)
	if opaque != 1 {
		t.Errorf("second response opaque = %d, want 1", opaque)
	}

	client.Close()
	waitDone(t, done)
}

func TestSessionBinaryBadMagicCloses(t *testing.T) {
	client, server := net.Pipe()
	sess := New(server, Config{
		Codec:      memcachebin.New(0, 0),
		Translator: translate.New(cache.Limits{}),
		Backend:    newFakeExecutor(),
	})
	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()
	t.Cleanup(func() { client.Close() })

	bad := binaryGet(0x00, 1, "k")
	bad[0] = 0x00
	if _, err := client.Write(bad); err != nil {
		t.Fatalf("write: %v", err)
	}

	// A final error frame is written, then the connection closes.
	readBinaryResponse(t, client)
	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Read(buf); err != io.EOF {
		t.Errorf("read after fatal error = %v, want EOF", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close after fatal protocol error")
	}
}
