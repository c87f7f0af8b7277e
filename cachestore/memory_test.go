// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	val, ok, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(val) != "v" {
		t.Errorf("Get = (%q, %v), want (v, true)", val, ok)
	}
}

func TestMemoryStoreMiss(t *testing.T) {
	s := NewMemoryStore()
	_, ok, err := s.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("absent key reported present")
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, ok, _ := s.Get(ctx, "k"); !ok {
		t.Fatal("key should be live before expiry")
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("key should have expired")
	}
	if s.Len() != 0 {
		t.Errorf("expired entry not reaped, len = %d", s.Len())
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), 0)
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("deleted key still present")
	}

	if err := s.Delete(ctx, "absent"); err != nil {
		t.Errorf("deleting absent key: %v", err)
	}
}

func TestMemoryStoreValueIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	src := []byte("original")
	_ = s.Set(ctx, "k", src, 0)
	src[0] = 'X'

	val, _, _ := s.Get(ctx, "k")
	if string(val) != "original" {
		t.Errorf("stored value aliased caller slice: %q", val)
	}
}
