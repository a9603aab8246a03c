// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpcwire

import (
	"bytes"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestAppendGetRequest(t *testing.T) {
	b := appendGetRequest(nil, []byte("mykey"))

	num, typ, n := protowire.ConsumeTag(b)
	if num != fieldKey || typ != protowire.BytesType {
		t.Fatalf("tag = (%d, %v)", num, typ)
	}
	key, _ := protowire.ConsumeBytes(b[n:])
	if string(key) != "mykey" {
		t.Errorf("key = %q", key)
	}
}

func TestAppendSetRequest(t *testing.T) {
	b := appendSetRequest(nil, []byte("k"), []byte("v"), 300)

	var key, value []byte
	var ttl uint64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			t.Fatalf("bad tag")
		}
		b = b[n:]
		switch num {
		case fieldKey:
			key, n = protowire.ConsumeBytes(b)
		case fieldValue:
			value, n = protowire.ConsumeBytes(b)
		case fieldTTLSeconds:
			if typ != protowire.VarintType {
				t.Fatalf("ttl wire type = %v", typ)
			}
			ttl, n = protowire.ConsumeVarint(b)
		default:
			t.Fatalf("unexpected field %d", num)
		}
		if n < 0 {
			t.Fatalf("bad field %d", num)
		}
		b = b[n:]
	}

	if string(key) != "k" || string(value) != "v" || ttl != 300 {
		t.Errorf("decoded (%q, %q, %d)", key, value, ttl)
	}
}

func TestAppendSetRequestOmitsZeroTTL(t *testing.T) {
	b := appendSetRequest(nil, []byte("k"), []byte("v"), 0)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if num == fieldTTLSeconds {
			t.Fatal("zero TTL must not be encoded")
		}
		b = b[n:]
		n = protowire.ConsumeFieldValue(num, typ, b)
		b = b[n:]
	}
}

func TestParseGetReply(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, fieldFound, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	b = protowire.AppendTag(b, fieldFoundValue, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("stored bytes"))

	reply, err := parseGetReply(b)
	if err != nil {
		t.Fatalf("parseGetReply() returned error: %v", err)
	}
	if !reply.found || !bytes.Equal(reply.value, []byte("stored bytes")) {
		t.Errorf("reply = %+v", reply)
	}
}

func TestParseGetReplyMiss(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, fieldFound, protowire.VarintType)
	b = protowire.AppendVarint(b, 0)

	reply, err := parseGetReply(b)
	if err != nil {
		t.Fatalf("parseGetReply() returned error: %v", err)
	}
	if reply.found {
		t.Error("found = true on a miss")
	}
}

func TestParseGetReplySkipsUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 9, protowire.VarintType)
	b = protowire.AppendVarint(b, 12345)
	b = protowire.AppendTag(b, fieldFound, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	b = protowire.AppendTag(b, fieldFoundValue, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("v"))

	reply, err := parseGetReply(b)
	if err != nil {
		t.Fatalf("parseGetReply() returned error: %v", err)
	}
	if !reply.found || string(reply.value) != "v" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestParseGetReplyTruncated(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, fieldFoundValue, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("value"))

	if _, err := parseGetReply(b[:len(b)-2]); err == nil {
		t.Error("truncated message parsed without error")
	}
}

func TestRawCodec(t *testing.T) {
	c := rawCodec{}

	data, err := c.Marshal(&frame{data: []byte("payload")})
	if err != nil {
		t.Fatalf("Marshal() returned error: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("Marshal() = %q", data)
	}

	var f frame
	if err := c.Unmarshal([]byte("resp"), &f); err != nil {
		t.Fatalf("Unmarshal() returned error: %v", err)
	}
	if string(f.data) != "resp" {
		t.Errorf("Unmarshal() stored %q", f.data)
	}

	if _, err := c.Marshal("not a frame"); err == nil {
		t.Error("Marshal accepted a non-frame value")
	}
	if err := c.Unmarshal(nil, "not a frame"); err == nil {
		t.Error("Unmarshal accepted a non-frame value")
	}
}
