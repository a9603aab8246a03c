// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cache defines the backend-agnostic operation and result types
// shared by every dialect, the error taxonomy used across the proxy, and
// the value envelope that carries dialect metadata through the backend.
package cache
