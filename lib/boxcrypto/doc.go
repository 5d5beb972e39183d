// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package boxcrypto is the cryptographic core of boxsync: key
// derivation, authenticated encryption, and integrity hashing.
//
// Key derivation:
//
//   - [Derive] stretches a passphrase with Argon2id under [KDFParams].
//     Out-of-range parameters fail with boxerr.ErrKeyDerivation.
//   - [DeriveSubkey] derives child keys with HKDF-SHA256. Callers
//     pass domain-separated info strings.
//
// Encryption is XChaCha20-Poly1305. A [Sealer] owns the nonce space of
// one key: a random per-Sealer seed plus a monotonic counter, so
// nonces never repeat under that Sealer. [Open] is all-or-nothing: a
// bad tag returns boxerr.ErrAuthentication and no plaintext. The
// version byte of the wire framing ([MarshalSealed]) is authenticated
// along with the caller's associated data.
//
// Hashing is BLAKE3 in keyed mode. [ContentHash] and [MerkleRoot] use
// fixed domain keys; [MAC] uses a secret key and produces integrity
// tags and box verifiers.
//
// All *secret.Buffer arguments are borrowed. Functions that return a
// Buffer transfer ownership to the caller.
package boxcrypto
