// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpcwire

import (
	"context"
	"crypto/tls"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/edgecache/kvproxy/pkg/backend"
	"github.com/edgecache/kvproxy/pkg/cache"
	"github.com/edgecache/kvproxy/pkg/pool"
)

// RPC method names of the remote cache service.
const (
	methodGet    = "/kvstore.v1.KV/Get"
	methodSet    = "/kvstore.v1.KV/Set"
	methodDelete = "/kvstore.v1.KV/Delete"
	methodPing   = "/kvstore.v1.KV/Ping"
)

// cacheHeader names the target cache on every RPC.
const cacheHeader = "cache"

// Config describes one backend endpoint.
type Config struct {
	// Target is the gRPC endpoint, host:port.
	Target string

	// CacheName is sent as request metadata on every call.
	CacheName string

	// AuthToken is the opaque bearer credential. It is attached to each
	// RPC as authorization metadata and never appears in logs or errors.
	AuthToken string

	// PlainText disables TLS. Local testing only.
	PlainText bool
}

// bearerAuth attaches the backend credential to every RPC.
type bearerAuth struct {
	token  string
	secure bool
}

func (a bearerAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": a.token}, nil
}

func (a bearerAuth) RequireTransportSecurity() bool { return a.secure }

// Channel is one gRPC client connection implementing backend.Channel.
type Channel struct {
	conn      *grpc.ClientConn
	cacheName string
}

var _ backend.Channel = (*Channel)(nil)

// Dial returns a pool.DialFunc that opens one gRPC connection per pooled
// channel. Spreading calls over several connections sidesteps per-stream
// head-of-line pressure on a single transport.
func Dial(cfg Config) pool.DialFunc[backend.Channel] {
	return func(ctx context.Context) (backend.Channel, error) {
		return open(cfg)
	}
}

func open(cfg Config) (*Channel, error) {
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if cfg.PlainText {
		creds = insecure.NewCredentials()
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	}
	if cfg.AuthToken != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerAuth{
			token:  cfg.AuthToken,
			secure: !cfg.PlainText,
		}))
	}

	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dial backend: %w", cache.ErrBackendTransient, err)
	}
	return &Channel{conn: conn, cacheName: cfg.CacheName}, nil
}

func (c *Channel) invoke(ctx context.Context, method string, req []byte) ([]byte, error) {
	if c.cacheName != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, cacheHeader, c.cacheName)
	}
	var resp frame
	if err := c.conn.Invoke(ctx, method, &frame{data: req}, &resp); err != nil {
		return nil, classify(err)
	}
	return resp.data, nil
}

// Get implements backend.Channel.
func (c *Channel) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	resp, err := c.invoke(ctx, methodGet, appendGetRequest(nil, key))
	if err != nil {
		return nil, false, err
	}
	reply, err := parseGetReply(resp)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", cache.ErrBackendTransient, err)
	}
	if !reply.found {
		return nil, false, nil
	}
	return reply.value, true, nil
}

// Set implements backend.Channel.
func (c *Channel) Set(ctx context.Context, key, value []byte, ttlSeconds int64) error {
	_, err := c.invoke(ctx, methodSet, appendSetRequest(nil, key, value, ttlSeconds))
	return err
}

// Delete implements backend.Channel.
func (c *Channel) Delete(ctx context.Context, key []byte) error {
	_, err := c.invoke(ctx, methodDelete, appendDeleteRequest(nil, key))
	return err
}

// Ping implements backend.Channel.
func (c *Channel) Ping(ctx context.Context) error {
	_, err := c.invoke(ctx, methodPing, nil)
	return err
}

// Close implements backend.Channel.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// classify maps gRPC status codes onto the shared error taxonomy. The
// returned errors carry the status message but never request payloads or
// credentials.
func classify(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %w", cache.ErrBackendTransient, err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %s", cache.ErrBackendAuth, st.Message())
	case codes.InvalidArgument, codes.OutOfRange, codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", cache.ErrBackendSemantic, st.Message())
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", cache.ErrBackendSemantic, st.Message())
	case codes.NotFound:
		// Misses come back as found=false; NotFound here means the named
		// cache does not exist.
		return fmt.Errorf("%w: %s", cache.ErrBackendSemantic, st.Message())
	default:
		// Unavailable, DeadlineExceeded, Canceled, Internal, Unknown.
		return fmt.Errorf("%w: %s", cache.ErrBackendTransient, st.Message())
	}
}
