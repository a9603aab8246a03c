// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dialect defines the interface implemented by each legacy cache
// wire protocol supported by the proxy.
//
// A dialect is a pure byte transformation: it parses client bytes into
// Commands and serializes backend results into protocol-correct response
// bytes. Dialects share no behavior, only this interface shape; each
// lives in its own subpackage (memcache for the text protocol,
// memcachebin for the binary protocol).
package dialect
