// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncengine moves files between a local box index and a
// remote blob store.
//
// An [Engine] owns one box: its [boxindex.Index], its unlocked
// [keyring.BoxKey], and a [remote.Backend]. Uploads split a file into
// chunks, encrypt each under the file's key, and push them to the
// remote concurrently. The index records every chunk as it is
// confirmed, so an interrupted upload resumes with only the chunks
// the remote never acknowledged.
//
// # Lifecycle
//
// A file record moves through these states:
//
//	Pending ──all chunks confirmed──▶ Complete ──Delete──▶ Tombstoned ──remote cleanup──▶ (removed)
//	   │                                  │
//	   └─chunk exhausts retries─▶ PermanentlyFailed      └─Reconcile finds chunks absent─▶ Corrupted
//
// PermanentlyFailed and Corrupted records stay put until [Engine.Retry]
// re-sends the missing chunks or [Engine.Cancel] / [Engine.Delete]
// discards them.
//
// # Concurrency
//
// A single semaphore caps remote calls in flight across every file the
// engine is handling. Each file fans out its chunks on an errgroup.
// Cancelling an upload stops new chunk submissions; calls already
// sent run to completion (bounded by the per-call timeout) and their
// results are recorded, so no acknowledged chunk is lost.
//
// Remote errors that unwrap to [boxerr.ErrTransient] are retried with
// exponential backoff and full jitter, waiting on the injected
// [clock.Clock]. Every other error aborts the file it occurred on and
// leaves other files unaffected.
//
// # Sharing
//
// [Engine.ExportShare] publishes an encrypted manifest of one key
// scope's complete files and returns a [keyring.ShareBundle]. A
// recipient opens it with [OpenShare] and downloads through the
// returned [ShareReader], which holds no key above the scope.
package syncengine
