// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rpcwire implements the gRPC wire protocol of the remote cache
// service. The message surface is four small RPCs, so the frames are
// encoded and decoded directly with protowire rather than generated
// stubs.
package rpcwire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the kvstore.v1 messages.
const (
	fieldKey        = 1
	fieldValue      = 2
	fieldTTLSeconds = 3
	fieldFound      = 1
	fieldFoundValue = 2
)

// appendGetRequest encodes a GetRequest{key}.
func appendGetRequest(b, key []byte) []byte {
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	return protowire.AppendBytes(b, key)
}

// appendSetRequest encodes a SetRequest{key, value, ttl_seconds}.
func appendSetRequest(b, key, value []byte, ttlSeconds int64) []byte {
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	b = protowire.AppendBytes(b, key)
	b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
	b = protowire.AppendBytes(b, value)
	if ttlSeconds > 0 {
		b = protowire.AppendTag(b, fieldTTLSeconds, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ttlSeconds))
	}
	return b
}

// appendDeleteRequest encodes a DeleteRequest{key}.
func appendDeleteRequest(b, key []byte) []byte {
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	return protowire.AppendBytes(b, key)
}

// getReply is a decoded GetResponse.
type getReply struct {
	found bool
	value []byte
}

// parseGetReply decodes GetResponse{found, value}. Unknown fields are
// skipped so the server side can grow the message.
func parseGetReply(b []byte) (getReply, error) {
	var reply getReply
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return reply, fmt.Errorf("rpcwire: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldFound && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return reply, fmt.Errorf("rpcwire: bad found field: %w", protowire.ParseError(n))
			}
			reply.found = v != 0
			b = b[n:]
		case num == fieldFoundValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return reply, fmt.Errorf("rpcwire: bad value field: %w", protowire.ParseError(n))
			}
			reply.value = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return reply, fmt.Errorf("rpcwire: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return reply, nil
}
