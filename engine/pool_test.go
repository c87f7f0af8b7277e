// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"sync"
	"testing"
	"time"
)

func checkInvariant(t *testing.T, stats PoolStats) {
	t.Helper()
	for role, rs := range stats {
		if rs.InUse+rs.Available != rs.Total {
			t.Errorf("role %s: in_use(%d) + available(%d) != total(%d)", role, rs.InUse, rs.Available, rs.Total)
		}
		if rs.InUse < 0 || rs.Available < 0 || rs.Overflow < 0 {
			t.Errorf("role %s: negative count in %+v", role, rs)
		}
		if rs.InUse > rs.Total {
			t.Errorf("role %s: in_use(%d) > total(%d)", role, rs.InUse, rs.Total)
		}
	}
}

func TestPoolAcquireRelease(t *testing.T) {
	p := testPool(newScriptedModel())
	defer p.Shutdown()
	ctx := context.Background()

	client, release, err := p.Acquire(ctx, RoleCapable)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if client == nil {
		t.Fatal("nil client")
	}

	stats := p.Stats()
	if stats[RoleCapable].InUse != 1 {
		t.Errorf("in_use = %d, want 1", stats[RoleCapable].InUse)
	}
	checkInvariant(t, stats)

	release()
	stats = p.Stats()
	if stats[RoleCapable].InUse != 0 || stats[RoleCapable].Available != 2 {
		t.Errorf("after release: %+v", stats[RoleCapable])
	}
	checkInvariant(t, stats)
}

func TestPoolDoubleReleaseIsIdempotent(t *testing.T) {
	p := testPool(newScriptedModel())
	defer p.Shutdown()

	_, release, err := p.Acquire(context.Background(), RoleMini)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
	release()

	stats := p.Stats()
	if stats[RoleMini].Available != 3 {
		t.Errorf("double release corrupted counts: %+v", stats[RoleMini])
	}
	checkInvariant(t, stats)
}

func TestPoolExhaustionFallsBackToTemporaryClient(t *testing.T) {
	p := testPool(newScriptedModel())
	defer p.Shutdown()
	ctx := context.Background()

	// Drain the creative pool (size 1).
	_, release1, err := p.Acquire(ctx, RoleCreative)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Exhausted: must not block, must fabricate.
	done := make(chan struct{})
	var release2 func()
	go func() {
		var err error
		_, release2, err = p.Acquire(ctx, RoleCreative)
		if err != nil {
			t.Errorf("overflow Acquire: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("exhausted Acquire blocked instead of fabricating a temporary client")
	}

	stats := p.Stats()
	if stats[RoleCreative].Overflow != 1 {
		t.Errorf("overflow = %d, want 1", stats[RoleCreative].Overflow)
	}
	checkInvariant(t, stats)

	release2()
	if p.Stats()[RoleCreative].Overflow != 0 {
		t.Error("temporary client not dropped on release")
	}
	release1()
}

func TestPoolBlocksPastOverflowCapUntilRelease(t *testing.T) {
	m := newScriptedModel()
	p, err := NewPool(PoolConfig{
		Size:        map[Role]int{RoleCapable: 1, RoleCreative: 1, RoleMini: 1},
		MaxOverflow: 1,
	}, m.factory, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Shutdown()
	ctx := context.Background()

	_, release1, _ := p.Acquire(ctx, RoleMini) // pooled
	_, release2, _ := p.Acquire(ctx, RoleMini) // overflow, at cap

	acquired := make(chan struct{})
	go func() {
		_, release3, err := p.Acquire(ctx, RoleMini)
		if err == nil {
			release3()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("Acquire past the overflow cap did not block")
	case <-time.After(50 * time.Millisecond):
	}

	release1()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("blocked Acquire not woken by release")
	}
	release2()
}

func TestPoolAcquireHonorsContextPastCap(t *testing.T) {
	m := newScriptedModel()
	p, err := NewPool(PoolConfig{
		Size:        map[Role]int{RoleCapable: 1, RoleCreative: 1, RoleMini: 1},
		MaxOverflow: 0,
	}, m.factory, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Shutdown()

	_, release, _ := p.Acquire(context.Background(), RoleCapable)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, _, err := p.Acquire(ctx, RoleCapable); err == nil {
		t.Fatal("expected context error")
	}
}

func TestPoolInvariantUnderConcurrency(t *testing.T) {
	p := testPool(newScriptedModel())
	defer p.Shutdown()
	ctx := context.Background()

	var workers sync.WaitGroup
	for g := 0; g < 8; g++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for i := 0; i < 200; i++ {
				_, release, err := p.Acquire(ctx, RoleMini)
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				release()
			}
		}()
	}

	// Snapshot stats concurrently with the churn.
	stop := make(chan struct{})
	var checker sync.WaitGroup
	checker.Add(1)
	go func() {
		defer checker.Done()
		for {
			select {
			case <-stop:
				return
			default:
				checkInvariant(t, p.Stats())
			}
		}
	}()

	workers.Wait()
	close(stop)
	checker.Wait()

	final := p.Stats()
	checkInvariant(t, final)
	if final[RoleMini].InUse != 0 {
		t.Errorf("clients leaked: %+v", final[RoleMini])
	}
}

func TestPoolUnknownRole(t *testing.T) {
	p := testPool(newScriptedModel())
	defer p.Shutdown()

	if _, _, err := p.Acquire(context.Background(), Role("gpu")); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestPoolShutdownRejectsAcquire(t *testing.T) {
	p := testPool(newScriptedModel())
	p.Shutdown()

	if _, _, err := p.Acquire(context.Background(), RoleCapable); err == nil {
		t.Error("expected error after shutdown")
	}
}
