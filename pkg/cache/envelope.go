// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"encoding/binary"
	"sync/atomic"
	"time"
)

// The backend stores opaque bytes, but the legacy dialects attach 32-bit
// client flags and a CAS token to every value. Both ride in a fixed
// envelope header prepended to the payload:
//
//	0      2          6                 14
//	+------+----------+-----------------+----------...
//	| 0xEC | flags    | revision        | payload
//	| 0x01 | (uint32) | (uint64)        |
//	+------+----------+-----------------+----------...
//
// all integers big-endian. Values without the magic prefix (written by
// other clients of the same backend namespace) decode as flags 0,
// revision 0.
const (
	envelopeMagic0 = 0xEC
	envelopeMagic1 = 0x01
	envelopeHeader = 14
)

// Envelope is the decoded metadata of a stored value.
type Envelope struct {
	Flags    uint32
	Revision uint64
	Payload  []byte
}

// EncodeEnvelope prepends the envelope header to payload.
func EncodeEnvelope(flags uint32, revision uint64, payload []byte) []byte {
	out := make([]byte, envelopeHeader+len(payload))
	out[0] = envelopeMagic0
	out[1] = envelopeMagic1
	binary.BigEndian.PutUint32(out[2:6], flags)
	binary.BigEndian.PutUint64(out[6:14], revision)
	copy(out[envelopeHeader:], payload)
	return out
}

// DecodeEnvelope splits a stored value into metadata and payload. Raw
// values that never carried an envelope are returned unchanged with zero
// metadata.
func DecodeEnvelope(stored []byte) Envelope {
	if len(stored) < envelopeHeader || stored[0] != envelopeMagic0 || stored[1] != envelopeMagic1 {
		return Envelope{Payload: stored}
	}
	return Envelope{
		Flags:    binary.BigEndian.Uint32(stored[2:6]),
		Revision: binary.BigEndian.Uint64(stored[6:14]),
		Payload:  stored[envelopeHeader:],
	}
}

var revisionCounter atomic.Uint64

func init() {
	revisionCounter.Store(uint64(time.Now().UnixNano()))
}

// NextRevision returns a process-unique, monotonically increasing revision
// for a newly written value. Seeded from the clock so revisions remain
// distinct across proxy restarts.
func NextRevision() uint64 {
	return revisionCounter.Add(1)
}
