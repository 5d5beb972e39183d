// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the boxsync build: the release version plus
// the VCS revision and time the Go toolchain stamps into the binary.
package version
