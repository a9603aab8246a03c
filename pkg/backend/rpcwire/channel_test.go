// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpcwire

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/edgecache/kvproxy/pkg/cache"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		code  codes.Code
		check func(error) bool
		class string
	}{
		{name: "unauthenticated", code: codes.Unauthenticated, check: cache.IsAuth, class: "auth"},
		{name: "permission denied", code: codes.PermissionDenied, check: cache.IsAuth, class: "auth"},
		{name: "invalid argument", code: codes.InvalidArgument, check: cache.IsSemantic, class: "semantic"},
		{name: "resource exhausted", code: codes.ResourceExhausted, check: cache.IsSemantic, class: "semantic"},
		{name: "cache not found", code: codes.NotFound, check: cache.IsSemantic, class: "semantic"},
		{name: "unavailable", code: codes.Unavailable, check: cache.IsTransient, class: "transient"},
		{name: "deadline exceeded", code: codes.DeadlineExceeded, check: cache.IsTransient, class: "transient"},
		{name: "internal", code: codes.Internal, check: cache.IsTransient, class: "transient"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(status.Error(tt.code, "nope"))
			if !tt.check(err) {
				t.Errorf("classify(%v) = %v, want %s", tt.code, err, tt.class)
			}
		})
	}
}

func TestClassifyNonStatusError(t *testing.T) {
	if err := classify(errors.New("raw failure")); !cache.IsTransient(err) {
		t.Errorf("classify() = %v, want transient", err)
	}
}

func TestBearerAuthMetadata(t *testing.T) {
	a := bearerAuth{token: "secret-token", secure: true}

	md, err := a.GetRequestMetadata(context.Background())
	if err != nil {
		t.Fatalf("GetRequestMetadata() returned error: %v", err)
	}
	if md["authorization"] != "secret-token" {
		t.Error("credential not attached as authorization metadata")
	}
	if !a.RequireTransportSecurity() {
		t.Error("TLS-backed credentials must require transport security")
	}
}
