// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package backend

import "context"

// Channel is one authenticated connection to the remote cache. The wire
// encoding behind it is the backend's concern; implementations must
// return errors already classified into the shared taxonomy
// (cache.ErrBackendTransient, cache.ErrBackendAuth,
// cache.ErrBackendSemantic).
type Channel interface {
	// Get reads the stored bytes for key. found is false on a miss.
	Get(ctx context.Context, key []byte) (value []byte, found bool, err error)

	// Set stores value under key. ttlSeconds of zero means no expiry.
	Set(ctx context.Context, key, value []byte, ttlSeconds int64) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key []byte) error

	// Ping verifies the channel end to end, including authentication.
	Ping(ctx context.Context) error

	// Close releases the channel.
	Close() error
}
