// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"fmt"

	"github.com/bureau-foundation/boxsync/lib/boxcrypto"
	"github.com/bureau-foundation/boxsync/lib/codec"
	"github.com/bureau-foundation/boxsync/lib/sealed"
	"github.com/bureau-foundation/boxsync/lib/secret"
)

// ShareBundleVersion is the current share bundle format.
const ShareBundleVersion = 1

// ShareBundle is everything a recipient needs to read a share: the
// scope key, which box and scope it belongs to, and the remote id of
// the manifest listing the shared files.
type ShareBundle struct {
	Version    int
	BoxID      string
	Scope      string
	ManifestID string

	// Key is the scope key. Owned by the bundle; Close releases it.
	Key *secret.Buffer
}

// shareBundleWire is the CBOR form. Key is a heap copy that lives only
// for the duration of a marshal or unmarshal.
type shareBundleWire struct {
	Version    int    `cbor:"v"`
	BoxID      string `cbor:"box"`
	Scope      string `cbor:"scope"`
	ManifestID string `cbor:"manifest"`
	Key        []byte `cbor:"key"`
}

// Bundle exports the share with the remote id of its manifest. The
// bundle holds its own copy of the key; the caller must Close it.
func (s *ShareKey) Bundle(manifestID string) (*ShareBundle, error) {
	key, err := s.key.Clone()
	if err != nil {
		return nil, err
	}
	return &ShareBundle{
		Version:    ShareBundleVersion,
		BoxID:      s.boxID,
		Scope:      s.scope,
		ManifestID: manifestID,
		Key:        key,
	}, nil
}

// Close releases the bundle's key. Idempotent.
func (b *ShareBundle) Close() error {
	if b.Key != nil {
		return b.Key.Close()
	}
	return nil
}

// MarshalBundle encodes b as CBOR. The result contains the key in the
// clear; zero it with secret.Zero once written or sealed.
func MarshalBundle(b *ShareBundle) ([]byte, error) {
	wire := shareBundleWire{
		Version:    b.Version,
		BoxID:      b.BoxID,
		Scope:      b.Scope,
		ManifestID: b.ManifestID,
		Key:        b.Key.Bytes(),
	}
	data, err := codec.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encoding share bundle: %w", err)
	}
	return data, nil
}

// UnmarshalBundle decodes a bundle produced by MarshalBundle. The key
// is moved into a secret.Buffer and data is zeroed.
func UnmarshalBundle(data []byte) (*ShareBundle, error) {
	defer secret.Zero(data)

	var wire shareBundleWire
	if err := codec.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decoding share bundle: %w", err)
	}
	if wire.Version != ShareBundleVersion {
		secret.Zero(wire.Key)
		return nil, fmt.Errorf("share bundle version %d is not supported (expected %d)", wire.Version, ShareBundleVersion)
	}
	if len(wire.Key) != boxcrypto.KeySize {
		secret.Zero(wire.Key)
		return nil, fmt.Errorf("share bundle key is %d bytes, want %d", len(wire.Key), boxcrypto.KeySize)
	}
	key, err := secret.NewFromBytes(wire.Key)
	if err != nil {
		return nil, err
	}
	return &ShareBundle{
		Version:    wire.Version,
		BoxID:      wire.BoxID,
		Scope:      wire.Scope,
		ManifestID: wire.ManifestID,
		Key:        key,
	}, nil
}

// SealBundle encrypts b to the given age recipients. The output is
// ASCII-armored.
func SealBundle(b *ShareBundle, recipients ...string) ([]byte, error) {
	data, err := MarshalBundle(b)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(data)
	return sealed.Seal(data, recipients...)
}

// OpenSealedBundle decrypts a bundle sealed to identity. identity is
// borrowed and NOT closed.
func OpenSealedBundle(armored []byte, identity *secret.Buffer) (*ShareBundle, error) {
	plaintext, err := sealed.Open(armored, identity)
	if err != nil {
		return nil, fmt.Errorf("opening sealed share bundle: %w", err)
	}
	defer plaintext.Close()

	// UnmarshalBundle zeroes its input; hand it a copy rather than the
	// mmap region, which Close zeroes anyway.
	data := make([]byte, plaintext.Len())
	copy(data, plaintext.Bytes())
	return UnmarshalBundle(data)
}
