// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dialect

import (
	"errors"
	"fmt"

	"github.com/edgecache/kvproxy/pkg/cache"
)

// ErrIncomplete is returned by Parse when the buffer does not yet hold a
// complete command. The session keeps the buffer and reads more bytes; a
// partial frame is never consumed.
var ErrIncomplete = errors.New("incomplete frame")

// ProtocolError describes malformed client input. Fatal errors desync the
// stream and close the connection after a final error frame; recoverable
// errors are answered in-line and parsing resumes at the reported offset.
type ProtocolError struct {
	Reason string
	Fatal  bool
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// Unwrap ties ProtocolError into the shared taxonomy.
func (e *ProtocolError) Unwrap() error {
	return cache.ErrProtocol
}

// Verb identifies a client request in its native dialect.
type Verb int

const (
	Get Verb = iota
	Gets
	Set
	Add
	Replace
	Append
	Prepend
	Cas
	Delete
	Incr
	Decr
	Touch
	Flush
	Version
	Quit
	NoOp
)

// String returns the canonical (text dialect) spelling of the verb.
func (v Verb) String() string {
	switch v {
	case Get:
		return "get"
	case Gets:
		return "gets"
	case Set:
		return "set"
	case Add:
		return "add"
	case Replace:
		return "replace"
	case Append:
		return "append"
	case Prepend:
		return "prepend"
	case Cas:
		return "cas"
	case Delete:
		return "delete"
	case Incr:
		return "incr"
	case Decr:
		return "decr"
	case Touch:
		return "touch"
	case Flush:
		return "flush_all"
	case Version:
		return "version"
	case Quit:
		return "quit"
	case NoOp:
		return "noop"
	default:
		return "unknown"
	}
}

// Command is one parsed client request. It is fully self-contained and
// never references socket state.
type Command struct {
	Verb Verb

	// Keys holds one key for most verbs and the full key list for
	// multi-key retrievals.
	Keys [][]byte

	// Value is the data block of a storage command.
	Value []byte

	// Flags is opaque 32-bit client metadata.
	Flags uint32

	// Exptime is the raw dialect expiry (seconds or absolute Unix time,
	// disambiguated at translation time). 0 means no expiry.
	Exptime int64

	// Delta and Initial apply to incr/decr. Vivify permits creating a
	// missing counter with Initial (binary protocol expiry semantics).
	Delta   uint64
	Initial uint64
	Vivify  bool

	// CasUnique is the compare token of a cas command.
	CasUnique uint64

	// NoReply suppresses the success response (text noreply, binary quiet
	// mutations).
	NoReply bool

	// Quiet suppresses the miss response (binary GetQ/GetKQ).
	Quiet bool

	// WithKey asks for the key to be echoed in the response (binary
	// GetK/GetKQ; always set for text retrievals).
	WithKey bool

	// Opaque is the request correlation identifier of tagged dialects,
	// echoed verbatim in the response.
	Opaque uint32
}

// Key returns the first key, or nil for keyless commands.
func (c *Command) Key() []byte {
	if len(c.Keys) == 0 {
		return nil
	}
	return c.Keys[0]
}

// Codec is a legacy wire protocol implementation. Implementations are
// stateless and safe for concurrent use; all per-connection state lives
// in the session's buffer.
type Codec interface {
	// Name identifies the dialect in configuration, logs, and metrics.
	Name() string

	// StrictOrder reports whether responses must be written in request
	// order. Tagged dialects correlate by Command.Opaque instead.
	StrictOrder() bool

	// Parse consumes at most one complete command from buf, returning the
	// command and the number of bytes consumed. It returns ErrIncomplete
	// without consuming anything when buf holds a partial frame, or a
	// *ProtocolError for malformed input. A recoverable ProtocolError
	// reports the bytes to skip so parsing can resume.
	Parse(buf []byte) (*Command, int, error)

	// Encode serializes backend results into the dialect's exact response
	// bytes. Multi-key retrievals receive one result per key, in request
	// key order. Encode returns nil when the dialect suppresses the
	// response (noreply, quiet miss).
	Encode(cmd *Command, results []*cache.Result) []byte

	// EncodeError maps a classified error onto the dialect's error frame
	// for the given command. cmd may be nil when the error is not
	// attributable to a parsed command.
	EncodeError(cmd *Command, err error) []byte
}
