// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunkcodec

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/bureau-foundation/boxsync/lib/boxcrypto"
	"github.com/bureau-foundation/boxsync/lib/boxerr"
	"github.com/bureau-foundation/boxsync/lib/secret"
)

func testKey(t *testing.T) *secret.Buffer {
	t.Helper()
	key, err := secret.NewFromBytes(bytes.Repeat([]byte{0x42}, boxcrypto.KeySize))
	if err != nil {
		t.Fatalf("creating key: %v", err)
	}
	t.Cleanup(func() { key.Close() })
	return key
}

func testSealer(t *testing.T, key *secret.Buffer) *boxcrypto.Sealer {
	t.Helper()
	sealer, err := boxcrypto.NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return sealer
}

func randomBytes(seed int64, size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func TestChunkCount(t *testing.T) {
	tests := []struct {
		size      int64
		chunkSize int
		expected  int
	}{
		{0, 1024, 1},
		{1, 1024, 1},
		{1024, 1024, 1},
		{1025, 1024, 2},
		{10 << 20, 1 << 20, 10},
		{10<<20 + 1, 1 << 20, 11},
	}
	for _, test := range tests {
		if got := ChunkCount(test.size, test.chunkSize); got != test.expected {
			t.Errorf("ChunkCount(%d, %d) = %d, want %d", test.size, test.chunkSize, got, test.expected)
		}
	}
}

func TestSplitterCoversInput(t *testing.T) {
	data := randomBytes(1, 3*MinChunkSize+123)
	splitter, err := NewSplitter(bytes.NewReader(data), int64(len(data)), MinChunkSize)
	if err != nil {
		t.Fatalf("NewSplitter: %v", err)
	}
	if splitter.Count() != 4 {
		t.Fatalf("Count() = %d, want 4", splitter.Count())
	}

	var rebuilt []byte
	for expectedIndex := 0; ; expectedIndex++ {
		chunk, err := splitter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if chunk.Index != expectedIndex {
			t.Fatalf("chunk index %d, want %d", chunk.Index, expectedIndex)
		}
		rebuilt = append(rebuilt, chunk.Data...)
	}
	if !bytes.Equal(rebuilt, data) {
		t.Error("concatenated chunks differ from input")
	}
}

func TestSplitterSeekRestarts(t *testing.T) {
	data := randomBytes(2, 5*MinChunkSize)
	splitter, err := NewSplitter(bytes.NewReader(data), int64(len(data)), MinChunkSize)
	if err != nil {
		t.Fatalf("NewSplitter: %v", err)
	}
	if err := splitter.Seek(3); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	chunk, err := splitter.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if chunk.Index != 3 || !bytes.Equal(chunk.Data, data[3*MinChunkSize:4*MinChunkSize]) {
		t.Errorf("Seek(3) then Next returned chunk %d with wrong data", chunk.Index)
	}
	if err := splitter.Seek(6); err == nil {
		t.Error("Seek past the end should fail")
	}
}

func TestSplitterEmptyFile(t *testing.T) {
	splitter, err := NewSplitter(bytes.NewReader(nil), 0, MinChunkSize)
	if err != nil {
		t.Fatalf("NewSplitter: %v", err)
	}
	chunk, err := splitter.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if chunk.Index != 0 || len(chunk.Data) != 0 {
		t.Errorf("empty file chunk = %+v", chunk)
	}
	if _, err := splitter.Next(); err != io.EOF {
		t.Errorf("second Next() error = %v, want io.EOF", err)
	}
}

func TestSplitterShortSource(t *testing.T) {
	data := randomBytes(3, MinChunkSize)
	splitter, err := NewSplitter(bytes.NewReader(data), int64(2*MinChunkSize), MinChunkSize)
	if err != nil {
		t.Fatalf("NewSplitter: %v", err)
	}
	if _, err := splitter.Read(1); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Read past source end error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestNewSplitterRejectsBadChunkSize(t *testing.T) {
	if _, err := NewSplitter(bytes.NewReader(nil), 0, MinChunkSize-1); err == nil {
		t.Error("chunk size below minimum should fail")
	}
	if _, err := NewSplitter(bytes.NewReader(nil), 0, MaxChunkSize+1); err == nil {
		t.Error("chunk size above maximum should fail")
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	key := testKey(t)
	sealer := testSealer(t, key)

	payloads := map[string][]byte{
		"random":     randomBytes(4, 50000),
		"repetitive": bytes.Repeat([]byte("boxsync "), 8000),
		"empty":      {},
	}
	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		codec := Codec{Compression: compression}
		for name, data := range payloads {
			t.Run(compression.String()+"/"+name, func(t *testing.T) {
				encrypted, err := codec.EncryptChunk(sealer, Chunk{Index: 7, Data: data}, "file-1")
				if err != nil {
					t.Fatalf("EncryptChunk: %v", err)
				}
				if encrypted.PlainSize != len(data) || encrypted.Index != 7 {
					t.Errorf("metadata = index %d size %d", encrypted.Index, encrypted.PlainSize)
				}
				decrypted, err := codec.DecryptChunk(key, encrypted, "file-1")
				if err != nil {
					t.Fatalf("DecryptChunk: %v", err)
				}
				if !bytes.Equal(decrypted.Data, data) {
					t.Error("roundtrip mismatch")
				}
			})
		}
	}
}

func TestCompressionShrinksRepetitiveData(t *testing.T) {
	sealer := testSealer(t, testKey(t))
	data := bytes.Repeat([]byte("abcdefgh"), 10000)

	plain, err := Codec{}.EncryptChunk(sealer, Chunk{Data: data}, "f")
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}
	compressed, err := Codec{Compression: CompressionZstd}.EncryptChunk(sealer, Chunk{Data: data}, "f")
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}
	if len(compressed.Blob) >= len(plain.Blob)/4 {
		t.Errorf("zstd blob %d bytes, uncompressed %d bytes", len(compressed.Blob), len(plain.Blob))
	}
}

func TestDecryptChunkDetectsBitFlips(t *testing.T) {
	key := testKey(t)
	codec := Codec{Compression: CompressionLZ4}
	encrypted, err := codec.EncryptChunk(testSealer(t, key), Chunk{Index: 0, Data: randomBytes(5, 256)}, "file-1")
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}

	for byteIndex := 0; byteIndex < len(encrypted.Blob); byteIndex += 7 {
		tampered := encrypted
		tampered.Blob = bytes.Clone(encrypted.Blob)
		tampered.Blob[byteIndex] ^= 0x10

		_, err := codec.DecryptChunk(key, tampered, "file-1")
		if !errors.Is(err, boxerr.ErrIntegrity) {
			t.Fatalf("flip at %d: error = %v, want ErrIntegrity", byteIndex, err)
		}

		// With the content hash recomputed over the tampered blob, only
		// the AEAD tag stands between the attacker and the plaintext.
		tampered.ContentHash = boxcrypto.ContentHash(tampered.Blob)
		_, err = codec.DecryptChunk(key, tampered, "file-1")
		if !errors.Is(err, boxerr.ErrAuthentication) && !errors.Is(err, boxerr.ErrIntegrity) {
			t.Fatalf("flip at %d with forged hash: error = %v", byteIndex, err)
		}
		if byteIndex > 0 && !errors.Is(err, boxerr.ErrAuthentication) {
			t.Fatalf("flip at %d with forged hash: error = %v, want ErrAuthentication", byteIndex, err)
		}
	}
}

func TestDecryptChunkRejectsSwappedContext(t *testing.T) {
	key := testKey(t)
	codec := Codec{}
	encrypted, err := codec.EncryptChunk(testSealer(t, key), Chunk{Index: 2, Data: []byte("chunk two")}, "file-a")
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}

	if _, err := codec.DecryptChunk(key, encrypted, "file-b"); !errors.Is(err, boxerr.ErrAuthentication) {
		t.Errorf("other file id: error = %v, want ErrAuthentication", err)
	}
	moved := encrypted
	moved.Index = 3
	if _, err := codec.DecryptChunk(key, moved, "file-a"); !errors.Is(err, boxerr.ErrAuthentication) {
		t.Errorf("other index: error = %v, want ErrAuthentication", err)
	}
}

func TestAssembleOutOfOrder(t *testing.T) {
	data := randomBytes(6, 10*MinChunkSize+17)
	splitter, err := NewSplitter(bytes.NewReader(data), int64(len(data)), MinChunkSize)
	if err != nil {
		t.Fatalf("NewSplitter: %v", err)
	}
	var chunks []Chunk
	for {
		chunk, err := splitter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		chunks = append(chunks, chunk)
	}

	for trial := int64(0); trial < 5; trial++ {
		shuffled := append([]Chunk(nil), chunks...)
		rand.New(rand.NewSource(trial)).Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		reader, err := Assemble(shuffled, len(chunks))
		if err != nil {
			t.Fatalf("Assemble: %v", err)
		}
		rebuilt, err := io.ReadAll(reader)
		if err != nil {
			t.Fatalf("reading assembled stream: %v", err)
		}
		if !bytes.Equal(rebuilt, data) {
			t.Fatalf("trial %d: reassembled bytes differ", trial)
		}
	}
}

func TestAssembleReportsMissing(t *testing.T) {
	chunks := []Chunk{{Index: 0}, {Index: 2}, {Index: 4}}
	_, err := Assemble(chunks, 5)

	var incomplete *boxerr.IncompleteFileError
	if !errors.As(err, &incomplete) {
		t.Fatalf("Assemble() error = %v, want IncompleteFileError", err)
	}
	if len(incomplete.Missing) != 2 || incomplete.Missing[0] != 1 || incomplete.Missing[1] != 3 {
		t.Errorf("Missing = %v, want [1 3]", incomplete.Missing)
	}
}

func TestAssembleRejectsDuplicatesAndOutOfRange(t *testing.T) {
	if _, err := Assemble([]Chunk{{Index: 0}, {Index: 0}}, 1); err == nil {
		t.Error("duplicate index should fail")
	}
	if _, err := Assemble([]Chunk{{Index: 0}, {Index: 1}}, 1); err == nil {
		t.Error("out-of-range index should fail")
	}
}

func TestParseCompression(t *testing.T) {
	for _, name := range []string{"none", "lz4", "zstd"} {
		parsed, err := ParseCompression(name)
		if err != nil {
			t.Fatalf("ParseCompression(%q): %v", name, err)
		}
		if parsed.String() != name {
			t.Errorf("String() = %q, want %q", parsed.String(), name)
		}
	}
	if _, err := ParseCompression("brotli"); err == nil {
		t.Error("unknown compression should fail")
	}
}
