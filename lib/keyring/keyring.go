// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bureau-foundation/boxsync/lib/boxcrypto"
	"github.com/bureau-foundation/boxsync/lib/boxerr"
)

// BoxSaltSize is the size of the per-box salt stored in the snapshot
// header.
const BoxSaltSize = 32

// ErrNoSession is returned by operations that need the master key on a
// KeyRing created without one (a share recipient's KeyRing).
var ErrNoSession = errors.New("keyring has no session")

// BoxCredentials is the public half of a box's key material, stored in
// the plaintext snapshot header.
type BoxCredentials struct {
	Salt     []byte         `cbor:"salt"`
	Verifier boxcrypto.Hash `cbor:"verifier"`
}

// KeyRing derives and caches box and share keys. It borrows the
// Session; Close releases the derived keys and the session. Safe for
// concurrent use.
type KeyRing struct {
	session *Session

	mu     sync.Mutex
	boxes  map[string]*BoxKey
	shares []*ShareKey
	closed bool
}

// New creates a KeyRing over session. A nil session yields a KeyRing
// that can only import shares.
func New(session *Session) *KeyRing {
	return &KeyRing{
		session: session,
		boxes:   make(map[string]*BoxKey),
	}
}

// NewBoxCredentials generates a fresh salt for a new box, derives its
// key, and returns the credentials to store in the box header. The box
// key is cached as if UnlockBox had been called.
func (r *KeyRing) NewBoxCredentials(boxID string) (*BoxKey, BoxCredentials, error) {
	salt := make([]byte, BoxSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, BoxCredentials{}, fmt.Errorf("generating box salt: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkUsableLocked(); err != nil {
		return nil, BoxCredentials{}, err
	}
	if _, exists := r.boxes[boxID]; exists {
		return nil, BoxCredentials{}, fmt.Errorf("box %s is already unlocked in this keyring", boxID)
	}

	key, err := deriveBoxKey(r.session.master, boxID, salt)
	if err != nil {
		return nil, BoxCredentials{}, err
	}
	boxKey := &BoxKey{boxID: boxID, key: key}
	r.boxes[boxID] = boxKey
	return boxKey, BoxCredentials{Salt: salt, Verifier: boxKey.Verifier()}, nil
}

// UnlockBox derives the key for boxID from the session and checks it
// against the stored verifier. A mismatch (wrong passphrase, or
// credentials from a different box) returns boxerr.ErrAuthentication.
// Unlocked keys are cached for the life of the KeyRing.
func (r *KeyRing) UnlockBox(boxID string, credentials BoxCredentials) (*BoxKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkUsableLocked(); err != nil {
		return nil, err
	}

	if cached, ok := r.boxes[boxID]; ok {
		if !cached.Verifier().Equal(credentials.Verifier) {
			return nil, fmt.Errorf("%w: credentials do not match box %s", boxerr.ErrAuthentication, boxID)
		}
		return cached, nil
	}

	key, err := deriveBoxKey(r.session.master, boxID, credentials.Salt)
	if err != nil {
		return nil, err
	}
	boxKey := &BoxKey{boxID: boxID, key: key}
	if !boxKey.Verifier().Equal(credentials.Verifier) {
		key.Close()
		return nil, fmt.Errorf("%w: wrong passphrase for box %s", boxerr.ErrAuthentication, boxID)
	}
	r.boxes[boxID] = boxKey
	return boxKey, nil
}

// DeriveShare derives the read-only key for scope within boxKey's box.
// The ShareKey is owned by the KeyRing.
func (r *KeyRing) DeriveShare(boxKey *BoxKey, scope string) (*ShareKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("keyring is closed")
	}

	key, err := deriveScopeKey(boxKey.key, scope)
	if err != nil {
		return nil, err
	}
	share := &ShareKey{boxID: boxKey.boxID, scope: scope, key: key}
	r.shares = append(r.shares, share)
	return share, nil
}

// ImportShare turns a received bundle into a ShareKey. Works on a
// KeyRing with no session. The bundle keeps its own copy of the key.
func (r *KeyRing) ImportShare(bundle *ShareBundle) (*ShareKey, error) {
	if bundle.Version != ShareBundleVersion {
		return nil, fmt.Errorf("share bundle version %d is not supported (expected %d)", bundle.Version, ShareBundleVersion)
	}
	if bundle.Key == nil || bundle.Key.Len() != boxcrypto.KeySize {
		return nil, fmt.Errorf("share bundle key must be %d bytes", boxcrypto.KeySize)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("keyring is closed")
	}

	key, err := bundle.Key.Clone()
	if err != nil {
		return nil, err
	}
	share := &ShareKey{boxID: bundle.BoxID, scope: bundle.Scope, key: key}
	r.shares = append(r.shares, share)
	return share, nil
}

// Close releases every derived key and the session. Idempotent.
func (r *KeyRing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for boxID, boxKey := range r.boxes {
		errs = append(errs, boxKey.key.Close())
		delete(r.boxes, boxID)
	}
	for _, share := range r.shares {
		errs = append(errs, share.key.Close())
	}
	r.shares = nil
	if r.session != nil {
		errs = append(errs, r.session.Close())
	}
	return errors.Join(errs...)
}

func (r *KeyRing) checkUsableLocked() error {
	if r.closed {
		return fmt.Errorf("keyring is closed")
	}
	if r.session == nil {
		return ErrNoSession
	}
	if r.session.Closed() {
		return fmt.Errorf("keyring session is closed")
	}
	return nil
}
