// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides bounded HTTP body reads for the HTTP-based
// remote backends.
//
// JSON API responses are read up to MaxResponseSize. Blob downloads are
// read with [ReadBlob], which takes an explicit bound derived from the
// largest sealed chunk and fails instead of truncating when the server
// sends more.
package netutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON API response reads. Event and pagination
// responses are a few kilobytes; the bound only stops a misbehaving
// server from exhausting memory.
const MaxResponseSize int64 = 16 << 20

// ErrBodyTooLarge is returned by ReadBlob when the body exceeds the
// caller's bound.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// ReadResponse reads a JSON API response body up to MaxResponseSize
// bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a JSON API response body (up to MaxResponseSize
// bytes) and decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ReadBlob reads a binary body of at most limit bytes. A body longer
// than limit returns ErrBodyTooLarge rather than a truncated blob,
// because a truncated chunk would only fail later with a less useful
// integrity error.
func ReadBlob(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading blob body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, limit)
	}
	return data, nil
}

// ErrorBody reads an HTTP error response body for diagnostic messages.
// Read errors are ignored; a partial body is still useful.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	return string(data)
}
