// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package boxcrypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/boxsync/lib/boxerr"
	"github.com/bureau-foundation/boxsync/lib/secret"
)

// KeySize is the size in bytes of every symmetric key in a box: the
// master key, box keys, scope keys, and file keys.
const KeySize = 32

// Argon2id parameter bounds. A snapshot header carries its KDF
// parameters in plaintext, so the upper bounds stop a tampered header
// from making unlock allocate unbounded memory.
const (
	MinSaltSize  = 16
	MinMemoryKiB = 8 * 1024
	MaxMemoryKiB = 4 * 1024 * 1024
	MaxTime      = 100
	MaxThreads   = 255
)

// KDFParams is the Argon2id work factor plus the salt it is applied
// with. Stored in the plaintext snapshot header.
type KDFParams struct {
	Time      uint32 `cbor:"time"`
	MemoryKiB uint32 `cbor:"memory_kib"`
	Threads   uint8  `cbor:"threads"`
	Salt      []byte `cbor:"salt"`
}

// DefaultKDFParams returns the work factor used for new boxes with the
// given salt.
func DefaultKDFParams(salt []byte) KDFParams {
	return KDFParams{
		Time:      3,
		MemoryKiB: 64 * 1024,
		Threads:   4,
		Salt:      salt,
	}
}

// Validate reports a KeyDerivationError when any parameter is out of
// range.
func (p KDFParams) Validate() error {
	switch {
	case p.Time < 1:
		return keyDerivationError("time must be at least 1, got %d", p.Time)
	case p.Time > MaxTime:
		return keyDerivationError("time must not exceed %d, got %d", MaxTime, p.Time)
	case p.Threads < 1:
		return keyDerivationError("threads must be at least 1")
	case p.MemoryKiB < MinMemoryKiB:
		return keyDerivationError("memory must be at least %d KiB, got %d", MinMemoryKiB, p.MemoryKiB)
	case p.MemoryKiB > MaxMemoryKiB:
		return keyDerivationError("memory must not exceed %d KiB, got %d", MaxMemoryKiB, p.MemoryKiB)
	case p.MemoryKiB < 8*uint32(p.Threads):
		return keyDerivationError("memory %d KiB is below 8 KiB per thread for %d threads", p.MemoryKiB, p.Threads)
	case len(p.Salt) < MinSaltSize:
		return keyDerivationError("salt must be at least %d bytes, got %d", MinSaltSize, len(p.Salt))
	}
	return nil
}

// Derive stretches a user secret into a KeySize key with Argon2id. The
// same secret and parameters always produce the same key.
//
// userSecret is borrowed and not modified. The returned Buffer must be
// closed by the caller.
func Derive(userSecret []byte, params KDFParams) (*secret.Buffer, error) {
	if len(userSecret) == 0 {
		return nil, keyDerivationError("secret is empty")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	derived := argon2.IDKey(userSecret, params.Salt, params.Time, params.MemoryKiB, params.Threads, KeySize)
	// NewFromBytes copies into mmap and zeros the heap slice.
	return secret.NewFromBytes(derived)
}

// DeriveSubkey derives a KeySize child key from parent with
// HKDF-SHA256. Callers provide domain-separated info strings; see
// keyring for the key hierarchy.
//
// parent is borrowed and NOT closed. The returned Buffer must be
// closed by the caller.
func DeriveSubkey(parent *secret.Buffer, salt, info []byte) (*secret.Buffer, error) {
	if parent.Len() != KeySize {
		return nil, keyDerivationError("parent key must be %d bytes, got %d", KeySize, parent.Len())
	}
	child, err := secret.New(KeySize)
	if err != nil {
		return nil, err
	}
	reader := hkdf.New(sha256.New, parent.Bytes(), salt, info)
	if _, err := io.ReadFull(reader, child.Bytes()); err != nil {
		child.Close()
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return child, nil
}

func keyDerivationError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{boxerr.ErrKeyDerivation}, args...)...)
}
