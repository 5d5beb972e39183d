// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"fmt"

	"github.com/bureau-foundation/boxsync/lib/boxcrypto"
	"github.com/bureau-foundation/boxsync/lib/secret"
)

// Session owns the master key for as long as a user is working with
// their boxes. There is no package-level key state: every operation
// that needs the master key receives a Session.
type Session struct {
	master *secret.Buffer
	params boxcrypto.KDFParams
}

// NewSession derives the master key from passphrase with Argon2id. The
// passphrase slice is zeroed before NewSession returns, on success and
// on failure. The caller must Close the session.
func NewSession(passphrase []byte, params boxcrypto.KDFParams) (*Session, error) {
	defer secret.Zero(passphrase)

	master, err := boxcrypto.Derive(passphrase, params)
	if err != nil {
		return nil, fmt.Errorf("deriving master key: %w", err)
	}
	return &Session{master: master, params: params}, nil
}

// WithSession runs fn with a session derived from passphrase and
// closes the session on every return path, including a panic in fn.
func WithSession(passphrase []byte, params boxcrypto.KDFParams, fn func(*Session) error) error {
	session, err := NewSession(passphrase, params)
	if err != nil {
		return err
	}
	defer session.Close()
	return fn(session)
}

// Params returns the KDF parameters the master key was derived with.
func (s *Session) Params() boxcrypto.KDFParams {
	return s.params
}

// Close zeroes the master key. Idempotent.
func (s *Session) Close() error {
	return s.master.Close()
}

// Closed reports whether the master key has been released.
func (s *Session) Closed() bool {
	return s.master.Closed()
}
