// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunkcodec

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the algorithm applied to a chunk before
// encryption. The value is written inside the encrypted payload, so
// it is protocol-stable and hidden from the remote.
type Compression uint8

const (
	// CompressionNone stores chunks as-is. Right for media and
	// archives, which rarely shrink.
	CompressionNone Compression = 0

	// CompressionLZ4 is LZ4 block mode: cheap, modest ratio.
	CompressionLZ4 Compression = 1

	// CompressionZstd is zstd at the default level: better ratio on
	// documents and text.
	CompressionZstd Compression = 2
)

// String returns the configuration name of c.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a configuration name. The empty string is
// CompressionNone.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q (want none, lz4, or zstd)", name)
	}
}

// errIncompressible means the compressor would not shrink the input;
// the chunk is then stored with CompressionNone.
var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("chunkcodec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(MaxChunkSize),
	)
	if err != nil {
		panic("chunkcodec: zstd decoder initialization failed: " + err.Error())
	}
}

// compress returns data compressed with c, or errIncompressible when
// the output would not be smaller.
func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil
	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %d", c)
	}
}

// decompress reverses compress. plainSize comes from the authenticated
// payload header and must match exactly.
func decompress(data []byte, c Compression, plainSize int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(data) != plainSize {
			return nil, fmt.Errorf("uncompressed chunk: size %d does not match expected %d", len(data), plainSize)
		}
		return data, nil
	case CompressionLZ4:
		destination := make([]byte, plainSize)
		read, err := lz4.UncompressBlock(data, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != plainSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, plainSize)
		}
		return destination, nil
	case CompressionZstd:
		destination, err := zstdDecoder.DecodeAll(data, make([]byte, 0, plainSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(destination) != plainSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(destination), plainSize)
		}
		return destination, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %d", c)
	}
}
