// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed wraps filippo.io/age for handing share bundles to a
// specific person. A bundle sealed with [Seal] to a recipient's age1...
// key can only be opened with the matching identity via [Open]. Output
// is ASCII-armored so it can be pasted into any text channel.
//
// Identities are held in secret.Buffer values. [ReadIdentityFile] and
// [WriteIdentityFile] use the age-keygen file format so keys made by
// either tool are interchangeable.
package sealed
