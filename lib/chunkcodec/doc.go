// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chunkcodec turns files into encrypted, independently
// transportable chunks and back.
//
// A [Splitter] cuts a file (an io.ReaderAt of known size) into
// fixed-size plaintext chunks. The last chunk may be short; an empty
// file is a single empty chunk. Because boundaries depend only on the
// size, a resumed upload can Seek straight to the chunks it still owes.
//
// [Codec.EncryptChunk] optionally compresses a chunk (lz4 or zstd,
// falling back to none when compression does not help), then seals it
// with XChaCha20-Poly1305 under the file key. The associated data binds
// the file id and chunk index. The result carries the BLAKE3 content
// hash of the sealed blob, which the index records before upload.
//
// [Codec.DecryptChunk] checks the content hash first and the AEAD tag
// second, so transport corruption surfaces as boxerr.ErrIntegrity and
// forgery as boxerr.ErrAuthentication. [Assemble] reorders chunks by
// index and fails with *boxerr.IncompleteFileError when any are absent.
package chunkcodec
