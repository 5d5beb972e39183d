// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package matrixbox implements [remote.Backend] on a Matrix room.
//
// A box maps to one room. Each blob is uploaded to the homeserver's
// media repository and announced with an m.boxsync.blob event whose
// content records the MXC URI and byte length; the event id is the
// blob's remote id. List pages backwards through /messages filtered to
// that event type, Get resolves the event and downloads the media, and
// Delete redacts the event. A redacted event has no content and is
// reported as not found.
//
// The backend receives an already-issued access token. Login, device
// management, and room creation belong to whoever provisions the box.
//
// HTTP failures are classified for the sync engine's retry policy:
//
//	429, 5xx, M_LIMIT_EXCEEDED, timeouts   transient
//	404, M_NOT_FOUND                       not found
//	401, 403, 413, other 4xx               permanent
package matrixbox
