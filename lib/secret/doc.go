// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds passphrases and key material outside the Go
// heap.
//
// [Buffer] memory comes from mmap(MAP_ANONYMOUS), is excluded from
// core dumps with madvise(MADV_DONTDUMP), and is mlock'd when the
// process's RLIMIT_MEMLOCK allows it. Containers frequently run with a
// 64 KiB lock limit, so a refused mlock degrades to an unlocked buffer
// instead of failing; [Buffer.Locked] reports which one you got. Close
// zeroes the memory before unmapping it. After Close, any access
// panics. Close is idempotent.
//
// Every key in boxsync (master, box, scope, file) lives in a Buffer.
// The owner that creates a Buffer closes it; functions that receive
// one borrow it.
//
// Passphrase input: [ReadPassphrase] from a reader, [ReadFromPath]
// from a 0600 file or stdin, [FromEnv] from an environment variable
// that is unset after reading.
package secret
