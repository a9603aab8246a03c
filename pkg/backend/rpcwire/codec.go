// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpcwire

import (
	"fmt"
)

// frame carries pre-encoded protobuf bytes through grpc's codec hook.
// Requests are encoded before the call; responses hand their raw bytes
// back for parsing.
type frame struct {
	data []byte
}

// rawCodec satisfies grpc's encoding.Codec for *frame values, skipping
// the generated-message marshal path entirely.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("rpcwire: marshal of unexpected type %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("rpcwire: unmarshal into unexpected type %T", v)
	}
	f.data = data
	return nil
}

func (rawCodec) Name() string { return "kvproxy-raw" }
