// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML configuration of the boxsync client.
//
// Configuration comes from a single file named by the BOXSYNC_CONFIG
// environment variable ([Load]) or a --config flag ([LoadFile]). There
// is no discovery under ~/.config and no per-value environment
// overrides; what the file says is what runs. Without a file, the CLI
// uses [Default], which keeps blobs in a SQLite mirror beside the
// index.
//
// The file may carry development, staging, and production sections
// that override the base values when [Config].Environment matches. A
// remote section in an override replaces the base remote wholesale.
// Production refuses the in-memory backend.
//
// After loading, ${HOME}, ${BOXSYNC_ROOT}, and ${VAR:-default} are
// expanded in path fields. Durations use Go syntax ("500ms", "2m").
//
// Example:
//
//	environment: production
//	paths:
//	  root: ${HOME}/.local/share/boxsync
//	engine:
//	  chunk_size: 4194304
//	  compression: zstd
//	remote:
//	  kind: matrix
//	  matrix:
//	    homeserver: https://matrix.example.org
//	    room_id: "!box:example.org"
//	    token_file: ${BOXSYNC_ROOT}/matrix.token
//
// This package depends on no other boxsync packages.
package config
