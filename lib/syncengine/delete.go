// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/boxsync/lib/boxerr"
	"github.com/bureau-foundation/boxsync/lib/boxindex"
)

// Delete removes a file from the box. Any upload running on the file
// is interrupted first. The record is tombstoned and committed, every
// chunk the remote holds is deleted (a chunk already absent counts as
// deleted), and only then is the record erased.
//
// If a remote delete fails the record stays Tombstoned with the chunks
// still to delete, and CleanupTombstones (or Delete again) finishes it
// later, including after a restart.
func (e *Engine) Delete(ctx context.Context, localID string) error {
	e.interrupt(localID)
	ctx, finish, err := e.begin(ctx, localID)
	if err != nil {
		return err
	}
	defer finish()

	if err := e.index.Delete(localID); err != nil {
		return err
	}
	if err := e.commit("tombstone"); err != nil {
		return err
	}
	return e.purge(ctx, localID)
}

// Cancel abandons an unfinished upload: it is Delete restricted to
// Pending and PermanentlyFailed files.
func (e *Engine) Cancel(ctx context.Context, localID string) error {
	record, err := e.index.Get(localID)
	if err != nil {
		return err
	}
	switch record.State {
	case boxindex.FilePending, boxindex.FilePermanentlyFailed:
	default:
		return fmt.Errorf("file %s is %s; only unfinished uploads can be cancelled", localID, record.State)
	}
	return e.Delete(ctx, localID)
}

// CleanupTombstones finishes every delete that was interrupted, and
// returns how many records it erased. Errors from individual files
// are joined; the remaining files are still attempted.
func (e *Engine) CleanupTombstones(ctx context.Context) (int, error) {
	var tombstoned []string
	for _, record := range e.index.Files() {
		if record.State == boxindex.FileTombstoned {
			tombstoned = append(tombstoned, record.LocalID)
		}
	}

	removed := 0
	var errs []error
	for _, localID := range tombstoned {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		operationCtx, finish, err := e.begin(ctx, localID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		err = e.purge(operationCtx, localID)
		finish()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		e.logger.Info("tombstones cleaned up", "removed", removed, "remaining", len(tombstoned)-removed)
	}
	return removed, errors.Join(errs...)
}

// purge deletes the remote chunks of a tombstoned record and then the
// record itself.
func (e *Engine) purge(ctx context.Context, localID string) error {
	record, err := e.index.Get(localID)
	if err != nil {
		return err
	}
	if record.State != boxindex.FileTombstoned {
		return fmt.Errorf("file %s is %s, not tombstoned", localID, record.State)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, chunk := range record.Chunks {
		if chunk.RemoteChunkID == "" {
			continue
		}
		if err := e.slots.Acquire(groupCtx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer e.slots.Release(1)
			err := e.retry.do(groupCtx, "delete", chunk.RemoteChunkID, func(callCtx context.Context) error {
				return e.backend.Delete(callCtx, chunk.RemoteChunkID)
			})
			if err != nil && !errors.Is(err, boxerr.ErrNotFound) {
				return fmt.Errorf("deleting chunk %d of %s: %w", chunk.Index, localID, err)
			}
			_, err = e.index.Update(localID, func(record *boxindex.FileRecord) error {
				record.Chunks[chunk.Index].RemoteChunkID = ""
				if chunk.Index == 0 {
					record.RemoteID = ""
				}
				return nil
			})
			return err
		})
	}
	if err := group.Wait(); err != nil {
		e.commitProgress(localID)
		return err
	}
	if err := ctx.Err(); err != nil {
		e.commitProgress(localID)
		return err
	}

	if err := e.index.Remove(localID); err != nil {
		return err
	}
	if err := e.commit("removed file"); err != nil {
		return err
	}
	e.logger.Info("file deleted", "local_id", localID, "chunks", record.ChunkCount)
	return nil
}
