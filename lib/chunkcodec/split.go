// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunkcodec

import (
	"fmt"
	"io"
)

// Chunk size bounds. The upper bound also caps decompression output.
const (
	MinChunkSize     = 4 * 1024
	MaxChunkSize     = 64 * 1024 * 1024
	DefaultChunkSize = 1024 * 1024
)

// Chunk is one plaintext segment of a file.
type Chunk struct {
	Index int
	Data  []byte
}

// ChunkCount returns the number of chunks a file of size bytes splits
// into. An empty file is one empty chunk, so every file has a chunk 0.
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 {
		return 1
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// Splitter produces the chunks of a file lazily. Boundaries depend
// only on the file size and chunk size, so Seek can restart at any
// index; a resumed upload reads only the chunks it still needs.
//
// Not safe for concurrent use.
type Splitter struct {
	source    io.ReaderAt
	size      int64
	chunkSize int
	count     int
	next      int
}

// NewSplitter creates a Splitter over size bytes of source.
func NewSplitter(source io.ReaderAt, size int64, chunkSize int) (*Splitter, error) {
	if chunkSize < MinChunkSize || chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("chunk size %d is outside [%d, %d]", chunkSize, MinChunkSize, MaxChunkSize)
	}
	if size < 0 {
		return nil, fmt.Errorf("negative file size %d", size)
	}
	return &Splitter{
		source:    source,
		size:      size,
		chunkSize: chunkSize,
		count:     ChunkCount(size, chunkSize),
	}, nil
}

// Count returns the total number of chunks.
func (s *Splitter) Count() int { return s.count }

// Next returns the next chunk, or io.EOF after the last one.
func (s *Splitter) Next() (Chunk, error) {
	if s.next >= s.count {
		return Chunk{}, io.EOF
	}
	chunk, err := s.Read(s.next)
	if err != nil {
		return Chunk{}, err
	}
	s.next++
	return chunk, nil
}

// Seek positions the Splitter so the next call to Next returns chunk
// index.
func (s *Splitter) Seek(index int) error {
	if index < 0 || index > s.count {
		return fmt.Errorf("chunk index %d out of range [0, %d]", index, s.count)
	}
	s.next = index
	return nil
}

// Read returns chunk index without moving the Splitter's position.
func (s *Splitter) Read(index int) (Chunk, error) {
	if index < 0 || index >= s.count {
		return Chunk{}, fmt.Errorf("chunk index %d out of range [0, %d)", index, s.count)
	}
	offset := int64(index) * int64(s.chunkSize)
	length := int64(s.chunkSize)
	if remaining := s.size - offset; remaining < length {
		length = remaining
	}

	data := make([]byte, length)
	if length > 0 {
		read, err := s.source.ReadAt(data, offset)
		if int64(read) < length {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Chunk{}, fmt.Errorf("reading chunk %d at offset %d: %w", index, offset, err)
		}
	}
	return Chunk{Index: index, Data: data}, nil
}
