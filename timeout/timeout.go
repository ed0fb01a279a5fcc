// Copyright (c) 2026 EngEmil
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package timeout implements the USB-inactivity deadline the boot
// controller uses to fall back to the existing application when the host
// stops talking to the bootloader mid-session.
package timeout

import "time"

// Clock is a monotonic deadline, reset on DFU activity and checked by the
// boot controller's main loop.
type Clock struct {
	duration time.Duration
	start    time.Time
	enabled  bool
	now      func() time.Time
}

// New returns a disabled Clock with the given timeout duration. now
// defaults to time.Now when nil; tests supply a deterministic clock.
func New(duration time.Duration, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{duration: duration, now: now}
}

// Init starts the clock, recording the current time and enabling it.
func (c *Clock) Init() {
	c.start = c.now()
	c.enabled = true
}

// Reset restarts the deadline from the current time without changing the
// enabled state.
func (c *Clock) Reset() {
	c.start = c.now()
}

// Expired reports whether the deadline has elapsed. A disabled clock never
// expires.
func (c *Clock) Expired() bool {
	if !c.enabled {
		return false
	}
	return c.now().Sub(c.start) >= c.duration
}

// Disable stops the clock from expiring until Enable or Init is called
// again.
func (c *Clock) Disable() {
	c.enabled = false
}

// Enable restarts and (re-)enables the clock.
func (c *Clock) Enable() {
	c.start = c.now()
	c.enabled = true
}
