// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/bureau-foundation/boxsync/lib/boxerr"
	"github.com/bureau-foundation/boxsync/lib/boxindex"
	"github.com/bureau-foundation/boxsync/lib/clock"
	"github.com/bureau-foundation/boxsync/lib/keyring"
	"github.com/bureau-foundation/boxsync/lib/remote"
)

// BackupIndex uploads the committed index file to the remote and
// records the blob in the index. The file is already sealed under the
// index key, so the remote learns only its size and plaintext header.
// Backups beyond the retention count are deleted oldest first; a
// failure to delete one is logged and retried on the next backup.
//
// Returns the remote id of the new backup.
func (e *Engine) BackupIndex(ctx context.Context) (string, error) {
	data := e.index.ExportSnapshot()
	header, err := boxindex.ParseHeader(data)
	if err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}

	var remoteID string
	if err := e.retry.do(ctx, "put", "", func(callCtx context.Context) error {
		id, err := e.backend.Put(callCtx, data)
		remoteID = id
		return err
	}); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}

	previous := e.index.Blobs(boxindex.BlobBackup)
	if err := e.index.PutBlob(boxindex.BlobRecord{
		RemoteID:        remoteID,
		Kind:            boxindex.BlobBackup,
		SnapshotVersion: header.SnapshotVersion,
		CreatedAt:       e.clock.Now(),
	}); err != nil {
		return "", err
	}
	if excess := len(previous) + 1 - e.retention; excess > 0 {
		for _, old := range previous[:excess] {
			err := e.retry.do(ctx, "delete", old.RemoteID, func(callCtx context.Context) error {
				return e.backend.Delete(callCtx, old.RemoteID)
			})
			if err != nil && !errors.Is(err, boxerr.ErrNotFound) {
				e.logger.Warn("pruning old index backup failed",
					"remote_id", old.RemoteID,
					"error", err,
				)
				continue
			}
			if err := e.index.RemoveBlob(old.RemoteID); err != nil {
				return "", err
			}
		}
	}
	if err := e.commit("backup record"); err != nil {
		return "", err
	}
	e.logger.Info("index backed up",
		"remote_id", remoteID,
		"snapshot_version", header.SnapshotVersion,
		"size", len(data),
	)
	return remoteID, nil
}

// RecoverConfig holds the parameters for RecoverIndex.
type RecoverConfig struct {
	Backend remote.Backend

	// Path is where the recovered index is written. An index already
	// there is replaced.
	Path string

	// KeyRing must hold a session for the box's passphrase. When nil,
	// Unlock is called instead.
	KeyRing *keyring.KeyRing

	// Unlock builds a KeyRing once the newest backup's header is known,
	// for callers that need its KDF parameters to derive the session.
	// The caller owns the returned KeyRing.
	Unlock func(header boxindex.Header) (*keyring.KeyRing, error)

	// BoxID restricts recovery to backups of one box. Empty accepts
	// any box, and fails if the remote holds backups of several.
	BoxID string

	// Retry settings for the remote scan, with the same meaning and
	// defaults as the Config fields of the same names.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	CallTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// RecoverIndex rebuilds a lost local index from the newest backup on
// the remote. Every blob is fetched and checked for an index header,
// so on a large box this is slow; it is meant for disaster recovery.
// Candidates are tried newest first until one authenticates.
func RecoverIndex(ctx context.Context, config RecoverConfig) (*boxindex.Index, error) {
	if config.Backend == nil || (config.KeyRing == nil && config.Unlock == nil) || config.Path == "" {
		return nil, fmt.Errorf("recover: Backend, KeyRing or Unlock, and Path are required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	recoverClock := config.Clock
	if recoverClock == nil {
		recoverClock = clock.Real()
	}
	retry := newRetryPolicy(retrySettings{
		maxRetries:  config.MaxRetries,
		baseBackoff: config.BaseBackoff,
		maxBackoff:  config.MaxBackoff,
		callTimeout: config.CallTimeout,
	}, recoverClock, logger)

	var ids []string
	if err := retry.do(ctx, "list", "", func(callCtx context.Context) error {
		listed, err := config.Backend.List(callCtx)
		ids = listed
		return err
	}); err != nil {
		return nil, fmt.Errorf("recover: %w", err)
	}

	type candidate struct {
		remoteID string
		header   boxindex.Header
		data     []byte
	}
	var candidates []candidate
	boxes := make(map[string]bool)
	for _, id := range ids {
		var data []byte
		err := retry.do(ctx, "get", id, func(callCtx context.Context) error {
			blob, err := config.Backend.Get(callCtx, id)
			data = blob
			return err
		})
		if errors.Is(err, boxerr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("recover: %w", err)
		}
		header, err := boxindex.ParseHeader(data)
		if err != nil {
			continue
		}
		if config.BoxID != "" && header.BoxID != config.BoxID {
			continue
		}
		boxes[header.BoxID] = true
		candidates = append(candidates, candidate{remoteID: id, header: header, data: data})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("recover: no index backup on the remote: %w", boxerr.ErrNotFound)
	}
	if len(boxes) > 1 {
		return nil, fmt.Errorf("recover: remote holds backups of %d boxes; choose one by box id", len(boxes))
	}
	slices.SortFunc(candidates, func(a, b candidate) int {
		return cmp.Compare(b.header.SnapshotVersion, a.header.SnapshotVersion)
	})

	ring := config.KeyRing
	if ring == nil {
		var err error
		ring, err = config.Unlock(candidates[0].header)
		if err != nil {
			return nil, fmt.Errorf("recover: %w", err)
		}
	}

	var errs []error
	for _, candidate := range candidates {
		index, err := boxindex.RestoreSnapshot(config.Path, candidate.data, ring, candidate.header.BoxID, boxindex.Options{Logger: logger})
		if err != nil {
			logger.Warn("index backup rejected",
				"remote_id", candidate.remoteID,
				"snapshot_version", candidate.header.SnapshotVersion,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("backup %s: %w", candidate.remoteID, err))
			continue
		}
		if err := index.PutBlob(boxindex.BlobRecord{
			RemoteID:        candidate.remoteID,
			Kind:            boxindex.BlobBackup,
			SnapshotVersion: candidate.header.SnapshotVersion,
			CreatedAt:       recoverClock.Now(),
		}); err != nil {
			index.Close()
			return nil, err
		}
		if _, err := index.Commit(); err != nil {
			index.Close()
			return nil, fmt.Errorf("recover: %w", err)
		}
		logger.Info("index recovered",
			"box", candidate.header.BoxID,
			"remote_id", candidate.remoteID,
			"snapshot_version", candidate.header.SnapshotVersion,
		)
		return index, nil
	}
	return nil, fmt.Errorf("recover: every backup failed: %w", errors.Join(errs...))
}
