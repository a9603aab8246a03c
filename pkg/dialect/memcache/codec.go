// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memcache implements the memcached text protocol dialect.
//
// Grammar reference:
// https://github.com/memcached/memcached/blob/master/doc/protocol.txt
package memcache

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/edgecache/kvproxy/pkg/cache"
	"github.com/edgecache/kvproxy/pkg/dialect"
)

const (
	// maxCommandLine bounds the first line of any command. Commands whose
	// first line grows past this without a terminator have desynced.
	maxCommandLine = 8192

	// maxBatchSize bounds the number of keys in one retrieval.
	maxBatchSize = 1024
)

var (
	crlf         = []byte("\r\n")
	respStored   = []byte("STORED\r\n")
	respNotStor  = []byte("NOT_STORED\r\n")
	respExists   = []byte("EXISTS\r\n")
	respNotFound = []byte("NOT_FOUND\r\n")
	respDeleted  = []byte("DELETED\r\n")
	respTouched  = []byte("TOUCHED\r\n")
	respEnd      = []byte("END\r\n")
	respError    = []byte("ERROR\r\n")
	noreplyToken = []byte("noreply")
)

// Codec implements the memcached text protocol. The zero value is not
// usable; construct with New.
type Codec struct {
	maxValueSize int
}

// New returns a text protocol codec. maxValueSize bounds the declared
// data block length of storage commands; zero selects the classic 1 MiB
// limit.
func New(maxValueSize int) *Codec {
	if maxValueSize <= 0 {
		maxValueSize = cache.DefaultLimits.MaxValueSize
	}
	return &Codec{maxValueSize: maxValueSize}
}

// Name implements dialect.Codec.
func (c *Codec) Name() string { return "memcache" }

// StrictOrder implements dialect.Codec. The text protocol carries no
// request identifier, so responses must be written in request order.
func (c *Codec) StrictOrder() bool { return true }

// Parse implements dialect.Codec.
func (c *Codec) Parse(buf []byte) (*dialect.Command, int, error) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		if len(buf) > maxCommandLine {
			return nil, 0, &dialect.ProtocolError{Reason: "command line too long", Fatal: true}
		}
		return nil, 0, dialect.ErrIncomplete
	}
	lineEnd := idx + 1
	line := buf[:lineEnd]
	line = bytes.TrimRight(line, "\r\n")

	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return nil, lineEnd, &dialect.ProtocolError{Reason: "unknown command"}
	}

	switch string(fields[0]) {
	case "get":
		return parseRetrieval(dialect.Get, fields[1:], lineEnd)
	case "gets":
		return parseRetrieval(dialect.Gets, fields[1:], lineEnd)
	case "set":
		return c.parseStorage(dialect.Set, fields[1:], buf, lineEnd)
	case "add":
		return c.parseStorage(dialect.Add, fields[1:], buf, lineEnd)
	case "replace":
		return c.parseStorage(dialect.Replace, fields[1:], buf, lineEnd)
	case "append":
		return c.parseStorage(dialect.Append, fields[1:], buf, lineEnd)
	case "prepend":
		return c.parseStorage(dialect.Prepend, fields[1:], buf, lineEnd)
	case "cas":
		return c.parseStorage(dialect.Cas, fields[1:], buf, lineEnd)
	case "delete":
		return parseDelete(fields[1:], lineEnd)
	case "incr":
		return parseArithmetic(dialect.Incr, fields[1:], lineEnd)
	case "decr":
		return parseArithmetic(dialect.Decr, fields[1:], lineEnd)
	case "touch":
		return parseTouch(fields[1:], lineEnd)
	case "flush_all":
		return parseFlush(fields[1:], lineEnd)
	case "version":
		return &dialect.Command{Verb: dialect.Version}, lineEnd, nil
	case "quit":
		return &dialect.Command{Verb: dialect.Quit}, lineEnd, nil
	default:
		return nil, lineEnd, &dialect.ProtocolError{Reason: "unknown command"}
	}
}

// parseRetrieval handles `get <key>*` and `gets <key>*`.
func parseRetrieval(verb dialect.Verb, args [][]byte, consumed int) (*dialect.Command, int, error) {
	if len(args) == 0 {
		return nil, consumed, badFormat()
	}
	if len(args) > maxBatchSize {
		return nil, consumed, &dialect.ProtocolError{Reason: "too many keys in batch"}
	}
	cmd := &dialect.Command{
		Verb:    verb,
		Keys:    make([][]byte, 0, len(args)),
		WithKey: true,
	}
	for _, k := range args {
		cmd.Keys = append(cmd.Keys, append([]byte(nil), k...))
	}
	return cmd, consumed, nil
}

// parseStorage handles the storage commands, which are followed by a data
// block: <key> <flags> <exptime> <bytes> [<cas unique>] [noreply]\r\n<data>\r\n
func (c *Codec) parseStorage(verb dialect.Verb, args [][]byte, buf []byte, lineEnd int) (*dialect.Command, int, error) {
	want := 4
	if verb == dialect.Cas {
		want = 5
	}
	noreply := false
	if len(args) == want+1 && bytes.Equal(args[want], noreplyToken) {
		noreply = true
		args = args[:want]
	}
	if len(args) != want {
		return nil, lineEnd, badFormat()
	}

	flags, err1 := strconv.ParseUint(string(args[1]), 10, 32)
	exptime, err2 := strconv.ParseInt(string(args[2]), 10, 64)
	size, err3 := strconv.ParseUint(string(args[3]), 10, 63)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, lineEnd, badFormat()
	}

	var casUnique uint64
	if verb == dialect.Cas {
		casUnique, err1 = strconv.ParseUint(string(args[4]), 10, 64)
		if err1 != nil {
			return nil, lineEnd, badFormat()
		}
	}

	if int(size) > c.maxValueSize {
		// The declared block cannot be buffered, so the stream cannot be
		// resynced past it.
		return nil, 0, &dialect.ProtocolError{Reason: "object too large for cache", Fatal: true}
	}

	// The data block plus its terminator must be fully buffered before
	// anything is consumed.
	total := lineEnd + int(size) + len(crlf)
	if len(buf) < total {
		return nil, 0, dialect.ErrIncomplete
	}
	if !bytes.Equal(buf[lineEnd+int(size):total], crlf) {
		return nil, 0, &dialect.ProtocolError{Reason: "bad data chunk", Fatal: true}
	}

	cmd := &dialect.Command{
		Verb:      verb,
		Keys:      [][]byte{append([]byte(nil), args[0]...)},
		Value:     append([]byte(nil), buf[lineEnd:lineEnd+int(size)]...),
		Flags:     uint32(flags),
		Exptime:   exptime,
		CasUnique: casUnique,
		NoReply:   noreply,
	}
	return cmd, total, nil
}

// parseDelete handles `delete <key> [noreply]`.
func parseDelete(args [][]byte, consumed int) (*dialect.Command, int, error) {
	noreply := false
	if len(args) == 2 && bytes.Equal(args[1], noreplyToken) {
		noreply = true
		args = args[:1]
	}
	if len(args) != 1 {
		return nil, consumed, badFormat()
	}
	return &dialect.Command{
		Verb:    dialect.Delete,
		Keys:    [][]byte{append([]byte(nil), args[0]...)},
		NoReply: noreply,
	}, consumed, nil
}

// parseArithmetic handles `incr <key> <value> [noreply]` and decr.
func parseArithmetic(verb dialect.Verb, args [][]byte, consumed int) (*dialect.Command, int, error) {
	noreply := false
	if len(args) == 3 && bytes.Equal(args[2], noreplyToken) {
		noreply = true
		args = args[:2]
	}
	if len(args) != 2 {
		return nil, consumed, badFormat()
	}
	delta, err := strconv.ParseUint(string(args[1]), 10, 64)
	if err != nil {
		return nil, consumed, &dialect.ProtocolError{Reason: "invalid numeric delta argument"}
	}
	return &dialect.Command{
		Verb:    verb,
		Keys:    [][]byte{append([]byte(nil), args[0]...)},
		Delta:   delta,
		NoReply: noreply,
	}, consumed, nil
}

// parseTouch handles `touch <key> <exptime> [noreply]`.
func parseTouch(args [][]byte, consumed int) (*dialect.Command, int, error) {
	noreply := false
	if len(args) == 3 && bytes.Equal(args[2], noreplyToken) {
		noreply = true
		args = args[:2]
	}
	if len(args) != 2 {
		return nil, consumed, badFormat()
	}
	exptime, err := strconv.ParseInt(string(args[1]), 10, 64)
	if err != nil {
		return nil, consumed, badFormat()
	}
	return &dialect.Command{
		Verb:    dialect.Touch,
		Keys:    [][]byte{append([]byte(nil), args[0]...)},
		Exptime: exptime,
		NoReply: noreply,
	}, consumed, nil
}

// parseFlush handles `flush_all [delay] [noreply]`. The verb is parsed for
// protocol fidelity; the translator rejects it as unsupported.
func parseFlush(args [][]byte, consumed int) (*dialect.Command, int, error) {
	cmd := &dialect.Command{Verb: dialect.Flush}
	if len(args) > 0 && bytes.Equal(args[len(args)-1], noreplyToken) {
		cmd.NoReply = true
		args = args[:len(args)-1]
	}
	switch len(args) {
	case 0:
	case 1:
		delay, err := strconv.ParseInt(string(args[0]), 10, 64)
		if err != nil {
			return nil, consumed, badFormat()
		}
		cmd.Exptime = delay
	default:
		return nil, consumed, badFormat()
	}
	return cmd, consumed, nil
}

func badFormat() error {
	return &dialect.ProtocolError{Reason: "bad command line format"}
}

// Encode implements dialect.Codec.
func (c *Codec) Encode(cmd *dialect.Command, results []*cache.Result) []byte {
	if cmd.NoReply {
		return nil
	}

	switch cmd.Verb {
	case dialect.Get, dialect.Gets:
		return c.encodeValues(cmd, results)
	case dialect.Version:
		var b bytes.Buffer
		b.WriteString("VERSION ")
		b.Write(results[0].Value)
		b.Write(crlf)
		return b.Bytes()
	case dialect.Quit:
		return nil
	}

	res := results[0]
	switch res.Outcome {
	case cache.Stored:
		return respStored
	case cache.NotStored:
		return respNotStor
	case cache.ValueMismatch:
		return respExists
	case cache.Deleted:
		return respDeleted
	case cache.NotFound, cache.Miss:
		return respNotFound
	case cache.Touched:
		return respTouched
	case cache.Counter:
		return []byte(strconv.FormatUint(res.Numeric, 10) + "\r\n")
	default:
		return c.EncodeError(cmd, res.Err)
	}
}

// encodeValues writes the VALUE blocks of a retrieval, one per hit, in
// request key order, terminated by END.
func (c *Codec) encodeValues(cmd *dialect.Command, results []*cache.Result) []byte {
	var b bytes.Buffer
	for i, res := range results {
		if res.Outcome != cache.Hit {
			continue
		}
		b.WriteString("VALUE ")
		b.Write(cmd.Keys[i])
		b.WriteByte(' ')
		b.WriteString(strconv.FormatUint(uint64(res.Flags), 10))
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(len(res.Value)))
		if cmd.Verb == dialect.Gets {
			b.WriteByte(' ')
			b.WriteString(strconv.FormatUint(res.Revision, 10))
		}
		b.Write(crlf)
		b.Write(res.Value)
		b.Write(crlf)
	}
	b.Write(respEnd)
	return b.Bytes()
}

// EncodeError implements dialect.Codec.
func (c *Codec) EncodeError(cmd *dialect.Command, err error) []byte {
	if cmd != nil && cmd.NoReply {
		return nil
	}

	var perr *dialect.ProtocolError
	switch {
	case errors.As(err, &perr):
		if perr.Reason == "unknown command" {
			return respError
		}
		return []byte(fmt.Sprintf("CLIENT_ERROR %s\r\n", perr.Reason))
	case errors.Is(err, cache.ErrTooLarge):
		return []byte("SERVER_ERROR object too large for cache\r\n")
	case errors.Is(err, cache.ErrNotNumeric):
		return []byte("CLIENT_ERROR cannot increment or decrement non-numeric value\r\n")
	case errors.Is(err, cache.ErrUnsupported):
		verb := "command"
		if cmd != nil {
			verb = cmd.Verb.String()
		}
		return []byte(fmt.Sprintf("CLIENT_ERROR %s not supported\r\n", verb))
	case errors.Is(err, cache.ErrBackendAuth):
		return []byte("SERVER_ERROR backend authentication failed\r\n")
	case errors.Is(err, cache.ErrBackendSemantic):
		return []byte(fmt.Sprintf("CLIENT_ERROR %s\r\n", semanticReason(err)))
	default:
		return []byte("SERVER_ERROR backend temporarily unavailable\r\n")
	}
}

func semanticReason(err error) string {
	msg := err.Error()
	prefix := cache.ErrBackendSemantic.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}

var _ dialect.Codec = (*Codec)(nil)
