// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds248xtest

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is a virtual clock for tests. Sleep and After advance virtual time
// immediately instead of blocking, so bounded polling loops and conversion
// waits complete instantly and deterministically.
//
// Methods other than Now, Since, Sleep and After are served by an embedded
// clock.Mock that is never advanced.
type Clock struct {
	clock.Clock

	mu    sync.Mutex
	start time.Time
	now   time.Time
	// Sleeps records every duration passed to Sleep or After.
	Sleeps []time.Duration
}

// NewClock returns a Clock starting at the Unix epoch.
func NewClock() *Clock {
	m := clock.NewMock()
	return &Clock{Clock: m, start: m.Now(), now: m.Now()}
}

// Now implements clock.Clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since implements clock.Clock.
func (c *Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Sleep implements clock.Clock by advancing virtual time.
func (c *Clock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance(d)
}

// After implements clock.Clock. The returned channel already holds the
// advanced time.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

// Elapsed returns the virtual time spent since NewClock.
func (c *Clock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(c.start)
}

func (c *Clock) advance(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.Sleeps = append(c.Sleeps, d)
	c.now = c.now.Add(d)
}

var _ clock.Clock = &Clock{}
