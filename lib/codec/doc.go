// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR configuration for boxsync.
//
// The snapshot header, the encrypted snapshot body, share bundles, and
// share manifests are all CBOR. Encoding is Core Deterministic so equal
// values produce equal bytes. Decoding is strict about duplicate keys
// and container sizes because every input crosses a trust boundary.
//
// Struct types use `cbor:"name,omitempty"` tags. Callers import this
// package rather than fxamacker/cbor directly so the options cannot
// drift between writers and readers.
package codec
