// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the TCP listener front end of kvproxy.
//
// # Overview
//
// Each Server binds one wire dialect to one port. Every accepted
// connection gets its own session, which parses commands with the
// configured codec, translates them to cache operations, and executes
// them against the backend.
//
// # Architecture
//
//	┌─────────┐         ┌─────────┐         ┌──────────┐
//	│ Client  │ ←─TCP─→ │  Server │────────→│ Session  │
//	└─────────┘         └─────────┘         └──────────┘
//	                                             ↓
//	                                        ┌──────────┐
//	                                        │  Codec   │
//	                                        └──────────┘
//	                                             ↓
//	                                        ┌──────────┐
//	                                        │ Backend  │
//	                                        └──────────┘
//
// # Connection Flow
//
//  1. Client connects to the listener
//  2. Server completes the TLS handshake when TLS is configured
//  3. Server attaches the client's shared rate limiter, if enabled
//  4. A session runs the read/translate/execute/write loops until the
//     client disconnects or sends quit
//
// # Graceful Shutdown
//
// When the context is canceled:
//
//  1. Server stops accepting new connections
//  2. Server waits for existing sessions to drain (with timeout)
//  3. After ShutdownTimeout, remaining sessions are forcefully closed
//  4. Returns ErrShutdownTimeout if the timeout was exceeded
//
// Connection tracking uses sync.WaitGroup:
//
//	server.wg.Add(1)
//	go server.handleConn(...)
//	defer server.wg.Done()
//
// # TLS Support
//
// Optional TLS termination:
//
//	tlsConfig := &tls.Config{
//		Certificates: []tls.Certificate{cert},
//	}
//	cfg := tcp.Config{
//		Address:   ":11211",
//		TLSConfig: tlsConfig,
//	}
//
// # Rate Limiting
//
// When RateLimit is positive the server keeps one token bucket per
// client host. All connections from the same host draw from the same
// bucket, so opening extra connections does not raise the allowed rate.
// Limited commands are answered with an in-band error response rather
// than a dropped connection.
//
// # Example
//
//	cfg := tcp.Config{
//		Address: ":11211",
//		Session: session.Config{
//			Codec:      memcache.New(limits.MaxValueSize),
//			Translator: translate.New(limits),
//			Backend:    client,
//		},
//	}
//
//	server := tcp.New(cfg)
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
