// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package s3box implements [remote.Backend] on an S3 bucket or an
// S3-compatible store.
//
// Each box owns a key prefix; each blob is one object named by a random
// UUID under it. Retries inside the AWS SDK are disabled so that the
// sync engine's backoff policy is the only one in effect. SDK errors
// are classified by modeled type (NoSuchKey, NotFound), then by API
// error code (SlowDown, InternalError, and similar are transient), then
// by HTTP status.
package s3box
