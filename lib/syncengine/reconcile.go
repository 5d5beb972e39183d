// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/bureau-foundation/boxsync/lib/boxindex"
)

// Report is the difference between the index and the remote found by
// Reconcile. Every list is sorted.
type Report struct {
	// Orphans are remote blobs no record refers to: leftovers of
	// interrupted uploads or deletes, or blobs some other writer put
	// there. They are reported, never deleted.
	Orphans []string

	// Corrupted are local ids of files that were Complete (or already
	// Corrupted) and have at least one chunk absent from the remote.
	Corrupted []string

	// Missing are confirmed chunks of unfinished files that the remote
	// no longer has.
	Missing []MissingChunk

	// MissingBlobs are index backups and share manifests the remote
	// no longer has.
	MissingBlobs []string
}

// MissingChunk identifies one chunk absent from the remote.
type MissingChunk struct {
	LocalID  string
	Index    int
	RemoteID string
}

// Clean reports whether the index and the remote agree.
func (r *Report) Clean() bool {
	return len(r.Orphans) == 0 && len(r.Corrupted) == 0 && len(r.Missing) == 0 && len(r.MissingBlobs) == 0
}

// Reconcile lists the remote and compares it with the committed index.
//
// Complete files with absent chunks move to Corrupted, and the absent
// chunks to Failed with their remote ids kept; Retry re-sends them.
// Nothing else changes, so running Reconcile twice against the same
// remote yields the same report. Tombstoned files are skipped: their
// chunks disappearing is the point.
//
// Uploads running while Reconcile lists may have blobs the index does
// not yet record; those show up as orphans until the upload commits.
func (e *Engine) Reconcile(ctx context.Context) (*Report, error) {
	var ids []string
	if err := e.retry.do(ctx, "list", "", func(callCtx context.Context) error {
		listed, err := e.backend.List(callCtx)
		ids = listed
		return err
	}); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	present := make(map[string]bool, len(ids))
	for _, id := range ids {
		present[id] = true
	}

	snapshot := e.index.Snapshot()
	report := &Report{}
	known := make(map[string]bool)
	corrupted := make(map[string][]int)

	for localID, record := range snapshot.Files {
		var absent []int
		for _, chunk := range record.Chunks {
			if chunk.RemoteChunkID == "" {
				continue
			}
			known[chunk.RemoteChunkID] = true
			if !present[chunk.RemoteChunkID] {
				absent = append(absent, chunk.Index)
			}
		}
		if len(absent) == 0 {
			continue
		}
		switch record.State {
		case boxindex.FileComplete, boxindex.FileCorrupted:
			report.Corrupted = append(report.Corrupted, localID)
			corrupted[localID] = absent
		case boxindex.FilePending, boxindex.FilePermanentlyFailed:
			for _, index := range absent {
				chunk := record.Chunks[index]
				if chunk.State != boxindex.ChunkConfirmed {
					continue
				}
				report.Missing = append(report.Missing, MissingChunk{
					LocalID:  localID,
					Index:    index,
					RemoteID: chunk.RemoteChunkID,
				})
			}
		}
	}
	for id := range snapshot.Blobs {
		known[id] = true
		if !present[id] {
			report.MissingBlobs = append(report.MissingBlobs, id)
		}
	}
	for _, id := range ids {
		if !known[id] {
			report.Orphans = append(report.Orphans, id)
		}
	}

	slices.Sort(report.Orphans)
	slices.Sort(report.Corrupted)
	slices.Sort(report.MissingBlobs)
	slices.SortFunc(report.Missing, func(a, b MissingChunk) int {
		if a.LocalID != b.LocalID {
			if a.LocalID < b.LocalID {
				return -1
			}
			return 1
		}
		return a.Index - b.Index
	})

	if err := e.markCorrupted(corrupted); err != nil {
		return report, err
	}
	e.logger.Info("reconcile complete",
		"remote_blobs", len(ids),
		"orphans", len(report.Orphans),
		"corrupted", len(report.Corrupted),
		"missing", len(report.Missing),
		"missing_blobs", len(report.MissingBlobs),
	)
	return report, nil
}

// errStateChanged aborts an index update when the record moved on
// (typically to Tombstoned) after the snapshot was read.
var errStateChanged = errors.New("record state changed")

// markCorrupted records absent chunks. Records already marked the same
// way are left alone so repeated reconciles do not churn versions.
func (e *Engine) markCorrupted(corrupted map[string][]int) error {
	changed := false
	for localID, absent := range corrupted {
		record, err := e.index.Get(localID)
		if err != nil {
			return err
		}
		needsUpdate := record.State != boxindex.FileCorrupted
		for _, index := range absent {
			if record.Chunks[index].State != boxindex.ChunkFailed {
				needsUpdate = true
			}
		}
		if !needsUpdate {
			continue
		}
		_, err = e.index.Update(localID, func(record *boxindex.FileRecord) error {
			if record.State != boxindex.FileComplete && record.State != boxindex.FileCorrupted {
				return errStateChanged
			}
			record.State = boxindex.FileCorrupted
			record.LastError = fmt.Sprintf("%d chunks absent from remote", len(absent))
			for _, index := range absent {
				record.Chunks[index].State = boxindex.ChunkFailed
			}
			return nil
		})
		if errors.Is(err, errStateChanged) {
			continue
		}
		if err != nil {
			return err
		}
		e.logger.Warn("file corrupted: chunks absent from remote",
			"local_id", localID,
			"chunks", absent,
		)
		changed = true
	}
	if !changed {
		return nil
	}
	return e.commit("reconcile")
}
