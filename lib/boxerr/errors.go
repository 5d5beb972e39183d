// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package boxerr defines the error taxonomy shared by every boxsync
// layer. Each class is a sentinel matched with errors.Is; typed errors
// carry detail and unwrap to their sentinel:
//
//	var incomplete *boxerr.IncompleteFileError
//	if errors.As(err, &incomplete) {
//	    fmt.Println(incomplete.Missing)
//	}
//	if errors.Is(err, boxerr.ErrTransient) { ... }
//
// Only ErrTransient is retried by the sync engine. Everything else
// aborts the operation for the affected file and is surfaced.
package boxerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthentication is returned for wrong credentials and AEAD tag
	// mismatches. Never retried.
	ErrAuthentication = errors.New("authentication failed")

	// ErrIntegrity is returned when a content hash or integrity tag
	// does not match after transport. Surfaced as data corruption.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrKeyDerivation is returned for invalid key derivation
	// parameters. A configuration or programmer error.
	ErrKeyDerivation = errors.New("invalid key derivation parameters")

	// ErrTransient marks remote failures worth retrying: network
	// errors, rate limits, timeouts, server errors.
	ErrTransient = errors.New("transient remote failure")

	// ErrPermanent marks remote failures that will not succeed on
	// retry: authorization, quota, malformed requests.
	ErrPermanent = errors.New("permanent remote failure")

	// ErrIncompleteFile is returned when a file is read before every
	// chunk is available.
	ErrIncompleteFile = errors.New("file is incomplete")

	// ErrNotFound is returned for unknown local ids and for remote ids
	// the transport does not hold.
	ErrNotFound = errors.New("not found")
)

// IncompleteFileError lists the chunk indexes missing from a file.
type IncompleteFileError struct {
	LocalID string
	Missing []int
}

func (e *IncompleteFileError) Error() string {
	if len(e.Missing) == 0 {
		return fmt.Sprintf("file %s is incomplete", e.LocalID)
	}
	parts := make([]string, 0, len(e.Missing))
	for index, chunk := range e.Missing {
		if index == 8 {
			parts = append(parts, fmt.Sprintf("... (%d more)", len(e.Missing)-index))
			break
		}
		parts = append(parts, fmt.Sprint(chunk))
	}
	if e.LocalID == "" {
		return fmt.Sprintf("incomplete chunk sequence: missing [%s]", strings.Join(parts, " "))
	}
	return fmt.Sprintf("file %s is incomplete: missing chunks [%s]", e.LocalID, strings.Join(parts, " "))
}

func (e *IncompleteFileError) Unwrap() error { return ErrIncompleteFile }

// RemoteError wraps a transport failure with its class. Kind is one
// of ErrTransient, ErrPermanent, or ErrNotFound.
type RemoteError struct {
	Kind error
	Op   string
	ID   string
	Err  error
}

func (e *RemoteError) Error() string {
	var builder strings.Builder
	builder.WriteString("remote")
	if e.Op != "" {
		builder.WriteString(" " + e.Op)
	}
	if e.ID != "" {
		builder.WriteString(" " + e.ID)
	}
	builder.WriteString(": ")
	builder.WriteString(e.Kind.Error())
	if e.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Err.Error())
	}
	return builder.String()
}

// Unwrap exposes both the class sentinel and the underlying cause so
// errors.Is matches either.
func (e *RemoteError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsRetryable reports whether err belongs to the transient class.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
