// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"fmt"

	"github.com/bureau-foundation/boxsync/lib/boxcrypto"
	"github.com/bureau-foundation/boxsync/lib/secret"
)

// HKDF info prefixes. Each path through the key tree has its own
// prefix; changing one orphans every ciphertext under that path.
//
//	master --box.v1|boxID--> box key --index.v1--> index key
//	                            |
//	                            +--scope.v1|scope--> scope key --file.v1|localID--> file key
//	                                                    |
//	                                                    +--manifest.v1--> manifest key
var (
	infoBox      = []byte("boxsync.box.v1")
	infoIndex    = []byte("boxsync.index.v1")
	infoScope    = []byte("boxsync.scope.v1")
	infoFile     = []byte("boxsync.file.v1")
	infoManifest = []byte("boxsync.manifest.v1")
)

const verifierDomain = "boxsync.box.verifier.v1"

// BoxKey unlocks one box. It is owned by the KeyRing that produced it
// and released by KeyRing.Close.
type BoxKey struct {
	boxID string
	key   *secret.Buffer
}

// BoxID returns the box this key unlocks.
func (b *BoxKey) BoxID() string { return b.boxID }

// IndexKey derives the key that encrypts the box's index snapshot.
// The caller must Close it.
func (b *BoxKey) IndexKey() (*secret.Buffer, error) {
	return boxcrypto.DeriveSubkey(b.key, nil, infoIndex)
}

// FileKey derives the key for file localID stored under scope. The
// result equals ShareKey.FileKey(localID) for a share of the same
// scope. The caller must Close it.
func (b *BoxKey) FileKey(scope, localID string) (*secret.Buffer, error) {
	scopeKey, err := deriveScopeKey(b.key, scope)
	if err != nil {
		return nil, err
	}
	defer scopeKey.Close()
	return deriveFileKey(scopeKey, localID)
}

// ManifestKey derives the key a share manifest for scope is encrypted
// under. The caller must Close it.
func (b *BoxKey) ManifestKey(scope string) (*secret.Buffer, error) {
	scopeKey, err := deriveScopeKey(b.key, scope)
	if err != nil {
		return nil, err
	}
	defer scopeKey.Close()
	return boxcrypto.DeriveSubkey(scopeKey, nil, infoManifest)
}

// Verifier returns the value stored in the snapshot header that lets
// UnlockBox reject a wrong passphrase before decrypting anything.
func (b *BoxKey) Verifier() boxcrypto.Hash {
	return boxcrypto.MAC(b.key, verifierDomain, []byte(b.boxID))
}

// ShareKey grants read access to one scope of one box. It derives file
// keys for that scope only, and HKDF cannot be run backwards to reach
// the box key.
type ShareKey struct {
	boxID string
	scope string
	key   *secret.Buffer
}

// BoxID returns the box the share was derived from.
func (s *ShareKey) BoxID() string { return s.boxID }

// Scope returns the scope the share covers.
func (s *ShareKey) Scope() string { return s.scope }

// FileKey derives the key for file localID in this share's scope. The
// caller must Close it.
func (s *ShareKey) FileKey(localID string) (*secret.Buffer, error) {
	return deriveFileKey(s.key, localID)
}

// ManifestKey derives the key the share's manifest is encrypted under.
// The caller must Close it.
func (s *ShareKey) ManifestKey() (*secret.Buffer, error) {
	return boxcrypto.DeriveSubkey(s.key, nil, infoManifest)
}

func deriveBoxKey(master *secret.Buffer, boxID string, salt []byte) (*secret.Buffer, error) {
	key, err := boxcrypto.DeriveSubkey(master, salt, concat(infoBox, boxID))
	if err != nil {
		return nil, fmt.Errorf("deriving box key for %s: %w", boxID, err)
	}
	return key, nil
}

func deriveScopeKey(boxKey *secret.Buffer, scope string) (*secret.Buffer, error) {
	key, err := boxcrypto.DeriveSubkey(boxKey, nil, concat(infoScope, scope))
	if err != nil {
		return nil, fmt.Errorf("deriving scope key: %w", err)
	}
	return key, nil
}

func deriveFileKey(scopeKey *secret.Buffer, localID string) (*secret.Buffer, error) {
	key, err := boxcrypto.DeriveSubkey(scopeKey, nil, concat(infoFile, localID))
	if err != nil {
		return nil, fmt.Errorf("deriving file key for %s: %w", localID, err)
	}
	return key, nil
}

// concat builds prefix, a zero byte, then value. The separator keeps a scope named
// "x" under one prefix from colliding with a longer prefix.
func concat(prefix []byte, value string) []byte {
	info := make([]byte, 0, len(prefix)+1+len(value))
	info = append(info, prefix...)
	info = append(info, 0)
	info = append(info, value...)
	return info
}
