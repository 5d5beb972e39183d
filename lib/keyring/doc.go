// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyring manages the key hierarchy of a user's boxes.
//
// A [Session] holds the master key derived from the user's passphrase.
// A [KeyRing] borrows the session and derives, on demand:
//
//   - a [BoxKey] per box, from the master key and the box's salt
//   - a [ShareKey] per shared scope, from a box key
//   - per-file keys, from the scope key of the file's key scope
//
// Because file keys hang off scope keys, a ShareKey reaches every file
// uploaded into its scope and nothing else. HKDF is one-way, so
// holding a ShareKey reveals neither the BoxKey nor sibling scopes.
// Revoking a share means no longer handing out the bundle; recipients
// who already hold it keep access to what they could already read.
//
// [UnlockBox] checks the derived box key against a verifier stored in
// the snapshot header, so a wrong passphrase fails with
// boxerr.ErrAuthentication before any ciphertext is touched.
//
// Share export goes through [ShareBundle]: CBOR-encoded with
// [MarshalBundle], optionally sealed to an age recipient with
// [SealBundle]. A recipient imports it with [KeyRing.ImportShare] on a
// KeyRing created with a nil session.
//
// Keys returned by BoxKey and ShareKey derivation methods belong to the
// caller. BoxKey and ShareKey values themselves belong to the KeyRing
// and are released by [KeyRing.Close].
package keyring
