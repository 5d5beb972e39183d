// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package boxindex is the local encrypted index of a box: every file
// and folder record, each file's chunk map and upload state, and the
// version counters that order commits.
//
// The index lives in one file. Its plaintext header holds only what is
// needed to derive the box key (box id, KDF parameters, salt, and the
// key verifier); [ReadHeader] reads it without a key. The body is the
// CBOR snapshot sealed under a key derived from the box key, with the
// header bytes as associated data.
//
// Writers go through a single lock. Every mutation ([Index.Put],
// [Index.Update], [Index.Delete], [Index.Remove], folder operations)
// bumps the mutation sequence; [Index.Commit] bumps the snapshot
// version and replaces the file with a temp-file, fsync, rename, and
// directory fsync. A crash at any point leaves the previous or the new
// snapshot, never a torn one. Readers ([Index.Get], [Index.List],
// [Index.Files]) load the last committed snapshot from an atomic
// pointer and never wait on the writer.
//
// An exclusive flock on "<path>.lock" keeps a second process from
// opening the same box for writing.
package boxindex
