// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package boxcrypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/bureau-foundation/boxsync/lib/boxerr"
	"github.com/bureau-foundation/boxsync/lib/secret"
)

// SealedVersion is the first byte of every marshaled sealed blob. It
// is also prepended to the associated data, so rewriting it fails
// authentication.
const SealedVersion byte = 0x01

// Sizes of the sealed blob framing.
const (
	NonceSize = chacha20poly1305.NonceSizeX
	TagSize   = chacha20poly1305.Overhead

	// SealedOverhead is version + nonce + tag.
	SealedOverhead = 1 + NonceSize + TagSize

	nonceSeedSize = NonceSize - 8
)

// ErrNonceExhausted is returned once a Sealer has used every counter
// value. The key must not encrypt again; derive a new one.
var ErrNonceExhausted = errors.New("nonce counter exhausted for this key")

// Sealed is the output of one encryption: the nonce, the ciphertext,
// and the detached Poly1305 tag.
type Sealed struct {
	Nonce      [NonceSize]byte
	Ciphertext []byte
	Tag        [TagSize]byte
}

// Sealer is the encryption context for one key. Each nonce is a random
// 16-byte seed drawn when the Sealer is created followed by a 64-bit
// big-endian counter, so a nonce never repeats under one Sealer. Two
// Sealers on the same key draw independent seeds.
//
// Safe for concurrent use.
type Sealer struct {
	aead cipher.AEAD

	mu        sync.Mutex
	seed      [nonceSeedSize]byte
	counter   uint64
	exhausted bool
}

// NewSealer creates an encryption context for key. key is borrowed
// and NOT closed; it must be KeySize bytes.
func NewSealer(key *secret.Buffer) (*Sealer, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	sealer := &Sealer{aead: aead}
	if _, err := io.ReadFull(rand.Reader, sealer.seed[:]); err != nil {
		return nil, fmt.Errorf("generating nonce seed: %w", err)
	}
	return sealer, nil
}

// Encrypt seals plaintext with associated data ad under the next
// nonce. Fails with ErrNonceExhausted after 2^64 calls.
func (s *Sealer) Encrypt(plaintext, ad []byte) (Sealed, error) {
	nonce, err := s.nextNonce()
	if err != nil {
		return Sealed{}, err
	}

	output := s.aead.Seal(nil, nonce[:], plaintext, versionedAD(ad))
	sealed := Sealed{
		Nonce:      nonce,
		Ciphertext: output[:len(output)-TagSize],
	}
	copy(sealed.Tag[:], output[len(output)-TagSize:])
	return sealed, nil
}

// Open decrypts sealed with the Sealer's key. See [Open].
func (s *Sealer) Open(sealed Sealed, ad []byte) ([]byte, error) {
	return openWith(s.aead, sealed, ad)
}

func (s *Sealer) nextNonce() ([NonceSize]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var nonce [NonceSize]byte
	if s.exhausted {
		return nonce, ErrNonceExhausted
	}
	copy(nonce[:], s.seed[:])
	binary.BigEndian.PutUint64(nonce[nonceSeedSize:], s.counter)
	if s.counter == math.MaxUint64 {
		s.exhausted = true
	} else {
		s.counter++
	}
	return nonce, nil
}

// Open verifies and decrypts sealed under key. On tag mismatch it
// returns an error matching boxerr.ErrAuthentication and no plaintext.
//
// key is borrowed and NOT closed.
func Open(key *secret.Buffer, sealed Sealed, ad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return openWith(aead, sealed, ad)
}

func openWith(aead cipher.AEAD, sealed Sealed, ad []byte) ([]byte, error) {
	combined := make([]byte, 0, len(sealed.Ciphertext)+TagSize)
	combined = append(combined, sealed.Ciphertext...)
	combined = append(combined, sealed.Tag[:]...)

	plaintext, err := aead.Open(combined[:0], sealed.Nonce[:], combined, versionedAD(ad))
	if err != nil {
		return nil, fmt.Errorf("%w: AEAD tag did not verify (wrong key, tampered data, or mismatched context)", boxerr.ErrAuthentication)
	}
	return plaintext, nil
}

// MarshalSealed frames sealed as:
//
//	[Version: 1 byte] [Nonce: 24 bytes] [Ciphertext: N bytes] [Tag: 16 bytes]
func MarshalSealed(sealed Sealed) []byte {
	output := make([]byte, 0, SealedOverhead+len(sealed.Ciphertext))
	output = append(output, SealedVersion)
	output = append(output, sealed.Nonce[:]...)
	output = append(output, sealed.Ciphertext...)
	output = append(output, sealed.Tag[:]...)
	return output
}

// UnmarshalSealed parses a blob produced by MarshalSealed. Truncated
// blobs and unknown versions match boxerr.ErrIntegrity. The returned
// Ciphertext aliases data.
func UnmarshalSealed(data []byte) (Sealed, error) {
	var sealed Sealed
	if len(data) < SealedOverhead {
		return sealed, fmt.Errorf("%w: sealed blob is %d bytes, minimum is %d", boxerr.ErrIntegrity, len(data), SealedOverhead)
	}
	if data[0] != SealedVersion {
		return sealed, fmt.Errorf("%w: sealed blob version %d is not supported (expected %d)", boxerr.ErrIntegrity, data[0], SealedVersion)
	}
	copy(sealed.Nonce[:], data[1:1+NonceSize])
	sealed.Ciphertext = data[1+NonceSize : len(data)-TagSize]
	copy(sealed.Tag[:], data[len(data)-TagSize:])
	return sealed, nil
}

func newAEAD(key *secret.Buffer) (cipher.AEAD, error) {
	if key.Len() != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, key.Len())
	}
	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return aead, nil
}

func versionedAD(ad []byte) []byte {
	versioned := make([]byte, 1+len(ad))
	versioned[0] = SealedVersion
	copy(versioned[1:], ad)
	return versioned
}
