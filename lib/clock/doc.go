// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock parameter instead of calling time.Now,
// time.After, or time.NewTicker directly. Real() provides the standard
// library behavior; Fake() provides a deterministic clock that advances
// only when Advance is called.
//
// The gateway's timer-driven components (approval TTL expiry, health
// monitor ticks, the orphan scan interval) all take a Clock so their
// tests run instantly and without flakes:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	monitor := NewMonitor(c, ...)
//	c.WaitForTimers(1)            // block until the goroutine registers its ticker
//	c.Advance(10 * time.Second)   // fire one tick deterministically
//
// WaitForTimers eliminates the race between a goroutine registering a
// timer and the test advancing time past its deadline.
package clock
