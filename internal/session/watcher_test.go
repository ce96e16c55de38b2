// Copyright (c) 2025 VaultFS
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcher_FiresOnceOnExpiry(t *testing.T) {
	var expired atomic.Bool
	var fired atomic.Int32

	w := NewWatcher(2*time.Millisecond,
		func(time.Time) bool { return expired.Load() },
		func() { fired.Add(1) },
	)
	w.Start(context.Background())

	time.Sleep(10 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("callback fired before expiry")
	}

	expired.Store(true)
	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if fired.Load() != 1 {
		t.Fatalf("callback fired %d times, want exactly 1", fired.Load())
	}

	// Loop has exited; further waiting changes nothing.
	time.Sleep(10 * time.Millisecond)
	if fired.Load() != 1 {
		t.Fatalf("callback fired again after loop exit: %d", fired.Load())
	}
}

func TestWatcher_StopIsDeterministic(t *testing.T) {
	var fired atomic.Int32
	w := NewWatcher(time.Millisecond,
		func(time.Time) bool { return false },
		func() { fired.Add(1) },
	)
	w.Start(context.Background())
	w.Stop()
	w.Stop() // idempotent

	time.Sleep(10 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("stopped watcher must never fire")
	}
}

func TestWatcher_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var fired atomic.Int32
	w := NewWatcher(time.Millisecond,
		func(time.Time) bool { return false },
		func() { fired.Add(1) },
	)
	w.Start(ctx)
	cancel()
	w.Stop()
	if fired.Load() != 0 {
		t.Fatal("cancelled watcher must never fire")
	}
}
