// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"net"

	"github.com/bureau-foundation/boxsync/lib/boxerr"
)

// Backend is the capability set every remote transport provides. Blobs
// are opaque: a backend never inspects or transforms the bytes it is
// handed, and returns them unchanged from Get.
//
// Every error a Backend returns must be classified with [Transient],
// [Permanent], or [NotFound] so that callers can decide whether to
// retry. Implementations must be safe for concurrent use.
type Backend interface {
	// Put stores blob and returns the id the transport assigned to it.
	// None of the transports echo a digest of what they stored, so a
	// successful Put confirms a chunk on the id alone. The content hash
	// recorded with the chunk is checked against the stored bytes on
	// every Get, before decryption.
	Put(ctx context.Context, blob []byte) (string, error)

	// Get returns the blob stored under id. Unknown ids return a
	// NotFound error.
	Get(ctx context.Context, id string) ([]byte, error)

	// List returns the ids of every blob the transport holds for this
	// box, in no particular order.
	List(ctx context.Context) ([]string, error)

	// Delete removes the blob stored under id. Deleting an unknown id
	// returns a NotFound error; callers that treat deletion as
	// idempotent check for it with errors.Is(err, boxerr.ErrNotFound).
	Delete(ctx context.Context, id string) error
}

// Transient classifies err as worth retrying. A nil err stays nil.
func Transient(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &boxerr.RemoteError{Kind: boxerr.ErrTransient, Op: op, ID: id, Err: err}
}

// Permanent classifies err as not worth retrying. A nil err stays nil.
func Permanent(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &boxerr.RemoteError{Kind: boxerr.ErrPermanent, Op: op, ID: id, Err: err}
}

// NotFound reports that the transport holds no blob under id.
func NotFound(op, id string) error {
	return &boxerr.RemoteError{Kind: boxerr.ErrNotFound, Op: op, ID: id}
}

// Classify gives an unclassified error its class. Errors that already
// carry a class pass through unchanged. Context deadlines and network
// errors are transient; a cancelled context is permanent because
// retrying it cannot succeed; anything else is permanent.
func Classify(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var remoteErr *boxerr.RemoteError
	if errors.As(err, &remoteErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(op, id, err)
	}
	if errors.Is(err, context.Canceled) {
		return Permanent(op, id, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(op, id, err)
	}
	return Permanent(op, id, err)
}
