// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunkcodec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/bureau-foundation/boxsync/lib/boxcrypto"
	"github.com/bureau-foundation/boxsync/lib/boxerr"
	"github.com/bureau-foundation/boxsync/lib/secret"
)

// chunkADPrefix starts the associated data of every chunk. The AD binds
// a blob to its file and position, so the remote cannot swap chunks
// between files or reorder them within one.
var chunkADPrefix = []byte("boxsync.chunk.v1")

// EncryptedChunk is one chunk ready for the remote: the sealed blob
// and the hash of that blob, recorded in the index before upload.
type EncryptedChunk struct {
	Index       int
	Blob        []byte
	ContentHash boxcrypto.Hash
	PlainSize   int
}

// Codec encrypts and decrypts chunks. The zero value does not
// compress.
type Codec struct {
	Compression Compression
}

// EncryptChunk compresses chunk (falling back to no compression when
// that does not help), prefixes the payload header, and seals it under
// sealer with associated data binding fileID and the chunk index.
//
// Payload layout, inside the encryption:
//
//	[Compression: 1 byte] [Plain size: uvarint] [Body]
func (c Codec) EncryptChunk(sealer *boxcrypto.Sealer, chunk Chunk, fileID string) (EncryptedChunk, error) {
	if len(chunk.Data) > MaxChunkSize {
		return EncryptedChunk{}, fmt.Errorf("chunk %d is %d bytes, maximum is %d", chunk.Index, len(chunk.Data), MaxChunkSize)
	}

	algorithm := c.Compression
	body, err := compress(chunk.Data, algorithm)
	if errors.Is(err, errIncompressible) {
		algorithm, body = CompressionNone, chunk.Data
	} else if err != nil {
		return EncryptedChunk{}, fmt.Errorf("compressing chunk %d: %w", chunk.Index, err)
	}

	payload := make([]byte, 1, 1+binary.MaxVarintLen64+len(body))
	payload[0] = byte(algorithm)
	payload = binary.AppendUvarint(payload, uint64(len(chunk.Data)))
	payload = append(payload, body...)

	sealed, err := sealer.Encrypt(payload, chunkAD(fileID, chunk.Index))
	if err != nil {
		return EncryptedChunk{}, fmt.Errorf("encrypting chunk %d: %w", chunk.Index, err)
	}
	blob := boxcrypto.MarshalSealed(sealed)
	return EncryptedChunk{
		Index:       chunk.Index,
		Blob:        blob,
		ContentHash: boxcrypto.ContentHash(blob),
		PlainSize:   len(chunk.Data),
	}, nil
}

// DecryptChunk verifies and decrypts encrypted. The content hash is
// checked first: a mismatch is boxerr.ErrIntegrity (the blob changed
// in transit or storage) even if the tag would still verify. A tag
// failure after that is boxerr.ErrAuthentication. No plaintext is
// returned on either failure.
//
// key is the file key; it is borrowed and NOT closed.
func (c Codec) DecryptChunk(key *secret.Buffer, encrypted EncryptedChunk, fileID string) (Chunk, error) {
	if actual := boxcrypto.ContentHash(encrypted.Blob); !actual.Equal(encrypted.ContentHash) {
		return Chunk{}, fmt.Errorf("%w: chunk %d content hash is %s, index records %s",
			boxerr.ErrIntegrity, encrypted.Index, actual, encrypted.ContentHash)
	}

	sealed, err := boxcrypto.UnmarshalSealed(encrypted.Blob)
	if err != nil {
		return Chunk{}, fmt.Errorf("chunk %d: %w", encrypted.Index, err)
	}
	payload, err := boxcrypto.Open(key, sealed, chunkAD(fileID, encrypted.Index))
	if err != nil {
		return Chunk{}, fmt.Errorf("chunk %d: %w", encrypted.Index, err)
	}

	if len(payload) < 2 {
		return Chunk{}, fmt.Errorf("%w: chunk %d payload is truncated", boxerr.ErrIntegrity, encrypted.Index)
	}
	algorithm := Compression(payload[0])
	plainSize, headerLength := binary.Uvarint(payload[1:])
	if headerLength <= 0 || plainSize > MaxChunkSize {
		return Chunk{}, fmt.Errorf("%w: chunk %d payload header is malformed", boxerr.ErrIntegrity, encrypted.Index)
	}
	data, err := decompress(payload[1+headerLength:], algorithm, int(plainSize))
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: chunk %d: %v", boxerr.ErrIntegrity, encrypted.Index, err)
	}
	if encrypted.PlainSize != 0 && encrypted.PlainSize != len(data) {
		return Chunk{}, fmt.Errorf("%w: chunk %d decrypted to %d bytes, index records %d",
			boxerr.ErrIntegrity, encrypted.Index, len(data), encrypted.PlainSize)
	}
	return Chunk{Index: encrypted.Index, Data: data}, nil
}

// Assemble orders chunks by index and returns their concatenation.
// chunks may arrive in any order. Every index in [0, count) must be
// present exactly once: missing indexes produce an
// *boxerr.IncompleteFileError, and duplicates or out-of-range indexes
// are rejected.
func Assemble(chunks []Chunk, count int) (io.Reader, error) {
	if count < 1 {
		return nil, fmt.Errorf("chunk count must be positive, got %d", count)
	}

	ordered := make([]Chunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	present := make([]bool, count)
	for _, chunk := range ordered {
		if chunk.Index < 0 || chunk.Index >= count {
			return nil, fmt.Errorf("chunk index %d out of range [0, %d)", chunk.Index, count)
		}
		if present[chunk.Index] {
			return nil, fmt.Errorf("chunk %d supplied more than once", chunk.Index)
		}
		present[chunk.Index] = true
	}

	var missing []int
	for index, ok := range present {
		if !ok {
			missing = append(missing, index)
		}
	}
	if len(missing) > 0 {
		return nil, &boxerr.IncompleteFileError{Missing: missing}
	}

	readers := make([]io.Reader, len(ordered))
	for index, chunk := range ordered {
		readers[index] = bytes.NewReader(chunk.Data)
	}
	return io.MultiReader(readers...), nil
}

func chunkAD(fileID string, index int) []byte {
	ad := make([]byte, 0, len(chunkADPrefix)+1+len(fileID)+1+8)
	ad = append(ad, chunkADPrefix...)
	ad = append(ad, 0)
	ad = append(ad, fileID...)
	ad = append(ad, 0)
	ad = binary.BigEndian.AppendUint64(ad, uint64(index))
	return ad
}
