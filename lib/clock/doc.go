// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The sync engine stamps records with Clock.Now and waits out retry
// backoff with Clock.After. Tests inject a FakeClock and drive it:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go engine.Upload(ctx, source, "a.bin", "")
//	c.WaitForTimers(1) // upload is backing off
//	c.Advance(time.Second)
//
// Requested reports the durations the code under test asked to wait,
// which is how backoff schedules are asserted without real sleeps.
package clock
