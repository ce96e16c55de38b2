// Copyright (c) 2025 VaultFS
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"sync"
	"time"
)

// DefaultTickInterval is the advisory expiry-check cadence.
const DefaultTickInterval = time.Second

// Watcher drives periodic expiry checks for one session. Detection is
// advisory-pull: each tick asks the check function whether the session
// has expired and fires the expiry callback at most once, then stops.
//
// The watcher is deliberately separate from the lifecycle math so the
// timing computation stays testable without timers.
type Watcher struct {
	interval  time.Duration
	isExpired func(now time.Time) bool
	onExpired func()

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	running bool
}

// NewWatcher creates a watcher that polls isExpired every interval and
// calls onExpired exactly once when it first reports true.
func NewWatcher(interval time.Duration, isExpired func(now time.Time) bool, onExpired func()) *Watcher {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Watcher{
		interval:  interval,
		isExpired: isExpired,
		onExpired: onExpired,
	}
}

// Start launches the tick loop. It is a no-op if already running.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if w.isExpired(t) {
				w.once.Do(w.onExpired)
				return
			}
		}
	}
}

// Stop cancels the tick loop and waits for it to exit. Safe to call
// multiple times. Must not be called from inside the expiry callback:
// the loop exits on its own after firing it.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
