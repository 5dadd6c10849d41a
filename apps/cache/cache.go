// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package cache allows third parties to implement external storage for the token cache,
and provides the storage backends that ship with this module.

Values handed to a Backend are already encrypted. Keys are opaque strings; a Backend
must not interpret them. Implementations must be safe for concurrent use.
*/
package cache

import (
	"context"
	"errors"
)

// ErrClosed is returned by a Backend used after Close.
var ErrClosed = errors.New("cache backend is closed")

// Backend is durable key-value storage for encrypted cache values.
type Backend interface {
	// Read returns the value stored under key. ok is false if there is none.
	Read(ctx context.Context, key string) (value string, ok bool, err error)
	// Write stores value under key, replacing any previous value.
	Write(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteAll removes every key.
	DeleteAll(ctx context.Context) error
	// Keys returns the keys present at the time of the call, in no particular order.
	Keys(ctx context.Context) ([]string, error)
	// Close releases the resources held by the backend.
	Close() error
}
