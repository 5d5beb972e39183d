// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands assembles the boxsync command tree.
//
// Each command resolves the configuration (--config, then
// BOXSYNC_CONFIG, then defaults), reads the index header to learn the
// KDF parameters, asks for the passphrase, and drives
// lib/syncengine. The passphrase comes from --passphrase-file,
// paths.passphrase_file, BOXSYNC_PASSPHRASE, or a terminal prompt, in
// that order. Share recipients need no passphrase: "share fetch" works
// from the bundle alone.
package commands
