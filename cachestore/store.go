// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

// Package cachestore provides pluggable key/value backends for the
// pipeline result cache. Backends are best-effort: a failing backend
// reads as a miss and never blocks pipeline execution.
package cachestore

import (
	"context"
	"time"
)

// Store is a TTL-aware key/value backend.
type Store interface {
	// Get returns the value for key and whether it was present. A
	// missing or expired key returns (nil, false, nil); backend
	// failures return a non-nil error.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes a value under key. A non-positive ttl stores the
	// value without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
