// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package boxcrypto

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/boxsync/lib/secret"
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// domainKey is a fixed BLAKE3 key naming one hashing context. The
// bytes are the ASCII domain name zero-padded to 32 so they read
// plainly in hex dumps.
type domainKey [32]byte

var (
	contentDomainKey = domainKey{
		'b', 'o', 'x', 's', 'y', 'n', 'c', '.', 'c', 'h', 'u', 'n', 'k', '.',
		'c', 'o', 'n', 't', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	treeDomainKey = domainKey{
		'b', 'o', 'x', 's', 'y', 'n', 'c', '.', 'c', 'h', 'u', 'n', 'k', '.',
		't', 'r', 'e', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// ContentHash hashes an encrypted chunk as it travels to the remote.
// It is unkeyed by any secret: anyone holding the blob can check it,
// which is what lets corruption be told apart from forgery.
func ContentHash(data []byte) Hash {
	return keyedHash(contentDomainKey[:], data)
}

// MerkleRoot computes a binary Merkle tree over hashes. Odd nodes are
// promoted to the next level unhashed. Panics on an empty list.
func MerkleRoot(hashes []Hash) Hash {
	if len(hashes) == 0 {
		panic("boxcrypto.MerkleRoot: empty hash list")
	}

	hasher, err := blake3.NewKeyed(treeDomainKey[:])
	if err != nil {
		panic("boxcrypto: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var combined [64]byte

	level := make([]Hash, len(hashes))
	copy(level, hashes)
	for len(level) > 1 {
		next := make([]Hash, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			copy(combined[:32], level[i][:])
			copy(combined[32:], level[i+1][:])
			hasher.Reset()
			hasher.Write(combined[:])
			copy(next[i/2][:], hasher.Sum(nil))
		}
		if len(level)%2 == 1 {
			next[len(next)-1] = level[len(level)-1]
		}
		level = next
	}
	return level[0]
}

// MAC computes a BLAKE3 keyed tag over a domain string and parts. Each
// part is length-prefixed, so ("ab","c") and ("a","bc") differ.
//
// key is borrowed and NOT closed; it must be KeySize bytes.
func MAC(key *secret.Buffer, domain string, parts ...[]byte) Hash {
	hasher, err := blake3.NewKeyed(key.Bytes())
	if err != nil {
		panic("boxcrypto: BLAKE3 keyed hash initialization failed (key must be 32 bytes): " + err.Error())
	}
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(domain)))
	hasher.Write(length[:])
	hasher.Write([]byte(domain))
	for _, part := range parts {
		binary.BigEndian.PutUint64(length[:], uint64(len(part)))
		hasher.Write(length[:])
		hasher.Write(part)
	}
	var result Hash
	copy(result[:], hasher.Sum(nil))
	return result
}

// Equal compares two hashes in constant time.
func (h Hash) Equal(other Hash) bool {
	return subtle.ConstantTimeCompare(h[:], other[:]) == 1
}

// IsZero reports whether h is the zero hash (unset).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing hash: %w", err)
	}
	if len(decoded) != len(hash) {
		return hash, fmt.Errorf("hash is %d bytes, want %d", len(decoded), len(hash))
	}
	copy(hash[:], decoded)
	return hash, nil
}

func keyedHash(key []byte, data []byte) Hash {
	hasher, err := blake3.NewKeyed(key)
	if err != nil {
		panic("boxcrypto: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}
