// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// Tests that drive a fake clock run the code under test in a goroutine
// and collect its result from a channel. [RequireReceive] bounds that
// wait with a wall-clock timeout so a stuck goroutine fails the test
// instead of hanging it. It is the only place tests use real time.
package testutil
