// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memcachebin implements the memcached binary protocol dialect.
//
// Framing reference:
// https://github.com/memcached/memcached/blob/master/doc/protocol-binary.xml
package memcachebin

import (
	"encoding/binary"
	"errors"

	"github.com/edgecache/kvproxy/pkg/cache"
	"github.com/edgecache/kvproxy/pkg/dialect"
)

const (
	magicRequest  = 0x80
	magicResponse = 0x81

	headerSize = 24

	// noVivify in the expiry extras of an arithmetic request means the
	// counter must not be created on miss.
	noVivify = 0xffffffff
)

// Opcodes handled by the proxy.
const (
	opGet       = 0x00
	opSet       = 0x01
	opAdd       = 0x02
	opReplace   = 0x03
	opDelete    = 0x04
	opIncrement = 0x05
	opDecrement = 0x06
	opQuit      = 0x07
	opFlush     = 0x08
	opGetQ      = 0x09
	opNoOp      = 0x0a
	opVersion   = 0x0b
	opGetK      = 0x0c
	opGetKQ     = 0x0d
	opAppend    = 0x0e
	opPrepend   = 0x0f
	opSetQ      = 0x11
	opDeleteQ   = 0x14
	opTouch     = 0x1c
)

// Response status codes.
const (
	statusOK             = 0x0000
	statusKeyNotFound    = 0x0001
	statusKeyExists      = 0x0002
	statusValueTooLarge  = 0x0003
	statusInvalidArgs    = 0x0004
	statusItemNotStored  = 0x0005
	statusDeltaBadval    = 0x0006
	statusAuthError      = 0x0020
	statusUnknownCommand = 0x0081
	statusTempFailure    = 0x0086
)

// Codec implements the memcached binary protocol. Responses carry the
// request opaque, so the session may write them in completion order.
type Codec struct {
	maxKeySize   int
	maxValueSize int
}

// New returns a binary protocol codec. Zero limits select the classic
// memcached bounds.
func New(maxKeySize, maxValueSize int) *Codec {
	if maxKeySize <= 0 {
		maxKeySize = cache.DefaultLimits.MaxKeySize
	}
	if maxValueSize <= 0 {
		maxValueSize = cache.DefaultLimits.MaxValueSize
	}
	return &Codec{maxKeySize: maxKeySize, maxValueSize: maxValueSize}
}

// Name implements dialect.Codec.
func (c *Codec) Name() string { return "memcache_binary" }

// StrictOrder implements dialect.Codec.
func (c *Codec) StrictOrder() bool { return false }

// Parse implements dialect.Codec. The fixed header is validated before
// any length field is trusted.
func (c *Codec) Parse(buf []byte) (*dialect.Command, int, error) {
	if len(buf) < headerSize {
		return nil, 0, dialect.ErrIncomplete
	}
	if buf[0] != magicRequest {
		return nil, 0, &dialect.ProtocolError{Reason: "bad request magic", Fatal: true}
	}

	opcode := buf[1]
	keyLen := int(binary.BigEndian.Uint16(buf[2:4]))
	extrasLen := int(buf[4])
	bodyLen := int(binary.BigEndian.Uint32(buf[8:12]))
	opaque := binary.BigEndian.Uint32(buf[12:16])
	cas := binary.BigEndian.Uint64(buf[16:24])

	if keyLen > c.maxKeySize || extrasLen+keyLen > bodyLen {
		return nil, 0, &dialect.ProtocolError{Reason: "invalid header lengths", Fatal: true}
	}
	if bodyLen-extrasLen-keyLen > c.maxValueSize {
		return nil, 0, &dialect.ProtocolError{Reason: "value too large", Fatal: true}
	}

	total := headerSize + bodyLen
	if len(buf) < total {
		return nil, 0, dialect.ErrIncomplete
	}

	extras := buf[headerSize : headerSize+extrasLen]
	key := buf[headerSize+extrasLen : headerSize+extrasLen+keyLen]
	value := buf[headerSize+extrasLen+keyLen : total]

	cmd := &dialect.Command{Opaque: opaque, CasUnique: cas}
	if keyLen > 0 {
		cmd.Keys = [][]byte{append([]byte(nil), key...)}
	}

	switch opcode {
	case opGet, opGetQ, opGetK, opGetKQ:
		if keyLen == 0 || extrasLen != 0 || len(value) != 0 {
			return cmd, total, invalidArgs()
		}
		cmd.Verb = dialect.Get
		cmd.Quiet = opcode == opGetQ || opcode == opGetKQ
		cmd.WithKey = opcode == opGetK || opcode == opGetKQ
		if cas != 0 {
			cmd.Verb = dialect.Gets
		}

	case opSet, opSetQ, opAdd, opReplace:
		if keyLen == 0 || extrasLen != 8 {
			return cmd, total, invalidArgs()
		}
		switch opcode {
		case opAdd:
			cmd.Verb = dialect.Add
		case opReplace:
			cmd.Verb = dialect.Replace
		default:
			cmd.Verb = dialect.Set
			cmd.NoReply = opcode == opSetQ
		}
		// A set with a CAS value is a compare-and-swap.
		if cas != 0 && cmd.Verb == dialect.Set {
			cmd.Verb = dialect.Cas
		}
		cmd.Flags = binary.BigEndian.Uint32(extras[0:4])
		cmd.Exptime = int64(binary.BigEndian.Uint32(extras[4:8]))
		cmd.Value = append([]byte(nil), value...)

	case opDelete, opDeleteQ:
		if keyLen == 0 || extrasLen != 0 || len(value) != 0 {
			return cmd, total, invalidArgs()
		}
		cmd.Verb = dialect.Delete
		cmd.NoReply = opcode == opDeleteQ

	case opIncrement, opDecrement:
		if keyLen == 0 || extrasLen != 20 || len(value) != 0 {
			return cmd, total, invalidArgs()
		}
		if opcode == opIncrement {
			cmd.Verb = dialect.Incr
		} else {
			cmd.Verb = dialect.Decr
		}
		cmd.Delta = binary.BigEndian.Uint64(extras[0:8])
		cmd.Initial = binary.BigEndian.Uint64(extras[8:16])
		expiry := binary.BigEndian.Uint32(extras[16:20])
		if expiry != noVivify {
			cmd.Exptime = int64(expiry)
			cmd.Vivify = true
		}

	case opTouch:
		if keyLen == 0 || extrasLen != 4 || len(value) != 0 {
			return cmd, total, invalidArgs()
		}
		cmd.Verb = dialect.Touch
		cmd.Exptime = int64(binary.BigEndian.Uint32(extras[0:4]))

	case opQuit:
		cmd.Verb = dialect.Quit

	case opNoOp:
		cmd.Verb = dialect.NoOp

	case opVersion:
		cmd.Verb = dialect.Version

	case opFlush:
		cmd.Verb = dialect.Flush

	case opAppend:
		cmd.Verb = dialect.Append
		cmd.Value = append([]byte(nil), value...)

	case opPrepend:
		cmd.Verb = dialect.Prepend
		cmd.Value = append([]byte(nil), value...)

	default:
		return cmd, total, &dialect.ProtocolError{Reason: "unknown command"}
	}

	return cmd, total, nil
}

func invalidArgs() error {
	return &dialect.ProtocolError{Reason: "invalid arguments"}
}

// response assembles one binary response frame.
func response(opaque uint32, status uint16, cas uint64, extras, key, body []byte) []byte {
	out := make([]byte, headerSize+len(extras)+len(key)+len(body))
	out[0] = magicResponse
	binary.BigEndian.PutUint16(out[2:4], uint16(len(key)))
	out[4] = byte(len(extras))
	binary.BigEndian.PutUint16(out[6:8], status)
	binary.BigEndian.PutUint32(out[8:12], uint32(len(extras)+len(key)+len(body)))
	binary.BigEndian.PutUint32(out[12:16], opaque)
	binary.BigEndian.PutUint64(out[16:24], cas)
	n := headerSize
	n += copy(out[n:], extras)
	n += copy(out[n:], key)
	copy(out[n:], body)
	return out
}

// Encode implements dialect.Codec.
func (c *Codec) Encode(cmd *dialect.Command, results []*cache.Result) []byte {
	res := results[0]

	switch cmd.Verb {
	case dialect.Get, dialect.Gets:
		switch res.Outcome {
		case cache.Hit:
			var key []byte
			if cmd.WithKey {
				key = cmd.Keys[0]
			}
			extras := make([]byte, 4)
			binary.BigEndian.PutUint32(extras, res.Flags)
			return response(cmd.Opaque, statusOK, res.Revision, extras, key, res.Value)
		default:
			if cmd.Quiet {
				return nil
			}
			return response(cmd.Opaque, statusKeyNotFound, 0, nil, nil, []byte("Not found"))
		}

	case dialect.Set, dialect.Add, dialect.Replace, dialect.Cas:
		switch res.Outcome {
		case cache.Stored:
			if cmd.NoReply {
				return nil
			}
			return response(cmd.Opaque, statusOK, res.Revision, nil, nil, nil)
		case cache.NotStored:
			return response(cmd.Opaque, statusItemNotStored, 0, nil, nil, []byte("Not stored"))
		case cache.ValueMismatch:
			return response(cmd.Opaque, statusKeyExists, 0, nil, nil, []byte("Data exists for key"))
		case cache.NotFound, cache.Miss:
			return response(cmd.Opaque, statusKeyNotFound, 0, nil, nil, []byte("Not found"))
		default:
			return c.EncodeError(cmd, res.Err)
		}

	case dialect.Delete:
		switch res.Outcome {
		case cache.Deleted:
			if cmd.NoReply {
				return nil
			}
			return response(cmd.Opaque, statusOK, 0, nil, nil, nil)
		case cache.NotFound, cache.Miss:
			return response(cmd.Opaque, statusKeyNotFound, 0, nil, nil, []byte("Not found"))
		default:
			return c.EncodeError(cmd, res.Err)
		}

	case dialect.Incr, dialect.Decr:
		switch res.Outcome {
		case cache.Counter:
			body := make([]byte, 8)
			binary.BigEndian.PutUint64(body, res.Numeric)
			return response(cmd.Opaque, statusOK, res.Revision, nil, nil, body)
		case cache.NotFound, cache.Miss:
			return response(cmd.Opaque, statusKeyNotFound, 0, nil, nil, []byte("Not found"))
		default:
			return c.EncodeError(cmd, res.Err)
		}

	case dialect.Touch:
		switch res.Outcome {
		case cache.Touched:
			return response(cmd.Opaque, statusOK, 0, nil, nil, nil)
		case cache.NotFound, cache.Miss:
			return response(cmd.Opaque, statusKeyNotFound, 0, nil, nil, []byte("Not found"))
		default:
			return c.EncodeError(cmd, res.Err)
		}

	case dialect.Version:
		return response(cmd.Opaque, statusOK, 0, nil, nil, res.Value)

	case dialect.NoOp:
		return response(cmd.Opaque, statusOK, 0, nil, nil, nil)

	case dialect.Quit:
		return response(cmd.Opaque, statusOK, 0, nil, nil, nil)

	default:
		return c.EncodeError(cmd, res.Err)
	}
}

// EncodeError implements dialect.Codec.
func (c *Codec) EncodeError(cmd *dialect.Command, err error) []byte {
	var opaque uint32
	if cmd != nil {
		opaque = cmd.Opaque
	}

	var perr *dialect.ProtocolError
	switch {
	case errors.As(err, &perr):
		if perr.Reason == "unknown command" {
			return response(opaque, statusUnknownCommand, 0, nil, nil, []byte("Unknown command"))
		}
		return response(opaque, statusInvalidArgs, 0, nil, nil, []byte(perr.Reason))
	case errors.Is(err, cache.ErrTooLarge):
		return response(opaque, statusValueTooLarge, 0, nil, nil, []byte("Too large"))
	case errors.Is(err, cache.ErrNotNumeric):
		return response(opaque, statusDeltaBadval, 0, nil, nil, []byte("Non-numeric server-side value"))
	case errors.Is(err, cache.ErrUnsupported):
		return response(opaque, statusUnknownCommand, 0, nil, nil, []byte("Not supported"))
	case errors.Is(err, cache.ErrBackendAuth):
		return response(opaque, statusAuthError, 0, nil, nil, []byte("Auth error"))
	case errors.Is(err, cache.ErrBackendSemantic):
		return response(opaque, statusInvalidArgs, 0, nil, nil, []byte(err.Error()))
	default:
		return response(opaque, statusTempFailure, 0, nil, nil, []byte("Temporary failure"))
	}
}

var _ dialect.Codec = (*Codec)(nil)
