// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote defines the boundary between boxsync and the untrusted
// service that durably holds encrypted chunks.
//
// The transport is treated as an opaque blob store with four
// operations: put, get, list, delete. It never sees plaintext, file
// names, or keys. Everything it stores has already been sealed by
// chunkcodec or boxindex, so a compromised transport can withhold or
// corrupt blobs but cannot read them, and corruption is detected on
// download.
//
// Errors crossing the boundary carry one of three classes from
// [boxerr]: transient (retry with backoff), permanent (surface
// immediately), or not found. Backends produce them with [Transient],
// [Permanent], [NotFound], or [Classify] for errors that come from
// generic plumbing such as context deadlines.
//
// Backends live in subpackages:
//
//   - memory: in-process map with fault injection, for tests
//   - matrixbox: a Matrix room, blobs uploaded as media
//   - s3box: an S3 bucket under a per-box key prefix
//   - sqlitebox: a local SQLite file, used as an offline mirror
package remote
