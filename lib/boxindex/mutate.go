// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package boxindex

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/bureau-foundation/boxsync/lib/boxerr"
)

// Put inserts or replaces a file record in the working copy. The
// stored record's Version is one more than the previous version for
// that local id; record.Version is updated to match.
func (x *Index) Put(record *FileRecord) error {
	if err := record.validate(); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkOpenLocked(); err != nil {
		return err
	}
	if err := x.checkFolderLocked(record.FolderID); err != nil {
		return err
	}

	if previous, ok := x.working.Files[record.LocalID]; ok {
		record.Version = previous.Version + 1
	} else {
		record.Version = 1
	}
	x.working.Files[record.LocalID] = record.Clone()
	x.mutatedLocked()
	return nil
}

// Update applies fn to a copy of the working record for localID and
// stores the result. fn runs under the writer lock, so concurrent
// updates to different chunks of one file cannot lose each other's
// changes. If fn returns an error nothing is stored.
func (x *Index) Update(localID string, fn func(*FileRecord) error) (*FileRecord, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkOpenLocked(); err != nil {
		return nil, err
	}

	current, ok := x.working.Files[localID]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", localID, boxerr.ErrNotFound)
	}
	updated := current.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	if updated.LocalID != localID {
		return nil, fmt.Errorf("update changed local id %s to %s", localID, updated.LocalID)
	}
	if err := updated.validate(); err != nil {
		return nil, err
	}
	if err := x.checkFolderLocked(updated.FolderID); err != nil {
		return nil, err
	}
	updated.Version = current.Version + 1
	x.working.Files[localID] = updated
	x.mutatedLocked()
	return updated.Clone(), nil
}

// Delete tombstones localID. The record stays in the index until
// Remove. Tombstoning twice is harmless.
func (x *Index) Delete(localID string) error {
	_, err := x.Update(localID, func(record *FileRecord) error {
		record.State = FileTombstoned
		return nil
	})
	return err
}

// Remove erases localID from the working copy. The sync engine calls
// it once every remote chunk of a tombstoned file is gone.
func (x *Index) Remove(localID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkOpenLocked(); err != nil {
		return err
	}
	if _, ok := x.working.Files[localID]; !ok {
		return fmt.Errorf("file %s: %w", localID, boxerr.ErrNotFound)
	}
	delete(x.working.Files, localID)
	x.mutatedLocked()
	return nil
}

// PutFolder creates or renames a folder. An empty ID is assigned a
// fresh one. The parent must exist. Returns the stored folder.
func (x *Index) PutFolder(folder FolderRecord) (FolderRecord, error) {
	if folder.Name == "" {
		return FolderRecord{}, fmt.Errorf("folder name is empty")
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkOpenLocked(); err != nil {
		return FolderRecord{}, err
	}
	if folder.ID == "" {
		folder.ID = uuid.NewString()
	}
	if err := x.checkFolderLocked(folder.ParentID); err != nil {
		return FolderRecord{}, err
	}
	if existing, ok := x.working.Folders[folder.ID]; ok && existing.ParentID != folder.ParentID {
		return FolderRecord{}, fmt.Errorf("folder %s exists under a different parent; use MoveFolder", folder.ID)
	}
	stored := folder
	x.working.Folders[folder.ID] = &stored
	x.mutatedLocked()
	return folder, nil
}

// MoveFolder reparents folderID under newParentID. Fails with ErrCycle
// if newParentID is folderID or one of its descendants.
func (x *Index) MoveFolder(folderID, newParentID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkOpenLocked(); err != nil {
		return err
	}
	folder, ok := x.working.Folders[folderID]
	if !ok {
		return fmt.Errorf("folder %s: %w", folderID, boxerr.ErrNotFound)
	}
	if err := x.checkFolderLocked(newParentID); err != nil {
		return err
	}

	// Walk from the new parent to the root. Meeting folderID on the
	// way means the move would close a loop. The step bound guards
	// against an index that already contains a cycle.
	for ancestor, steps := newParentID, 0; ancestor != ""; steps++ {
		if ancestor == folderID {
			return fmt.Errorf("moving %s under %s: %w", folderID, newParentID, ErrCycle)
		}
		if steps > len(x.working.Folders) {
			return fmt.Errorf("%w: folder tree already contains a cycle", boxerr.ErrIntegrity)
		}
		ancestor = x.working.Folders[ancestor].ParentID
	}

	moved := *folder
	moved.ParentID = newParentID
	x.working.Folders[folderID] = &moved
	x.mutatedLocked()
	return nil
}

// RemoveFolder deletes an empty folder.
func (x *Index) RemoveFolder(folderID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkOpenLocked(); err != nil {
		return err
	}
	if _, ok := x.working.Folders[folderID]; !ok {
		return fmt.Errorf("folder %s: %w", folderID, boxerr.ErrNotFound)
	}
	for _, folder := range x.working.Folders {
		if folder.ParentID == folderID {
			return fmt.Errorf("folder %s has subfolders", folderID)
		}
	}
	for _, record := range x.working.Files {
		if record.FolderID == folderID {
			return fmt.Errorf("folder %s is not empty", folderID)
		}
	}
	delete(x.working.Folders, folderID)
	x.mutatedLocked()
	return nil
}

// PutBlob records an auxiliary remote blob owned by the box.
func (x *Index) PutBlob(blob BlobRecord) error {
	if blob.RemoteID == "" {
		return fmt.Errorf("blob record has no remote id")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkOpenLocked(); err != nil {
		return err
	}
	x.working.Blobs[blob.RemoteID] = &blob
	x.mutatedLocked()
	return nil
}

// RemoveBlob forgets an auxiliary blob. Removing an unknown id is a
// no-op.
func (x *Index) RemoveBlob(remoteID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkOpenLocked(); err != nil {
		return err
	}
	if _, ok := x.working.Blobs[remoteID]; !ok {
		return nil
	}
	delete(x.working.Blobs, remoteID)
	x.mutatedLocked()
	return nil
}

// Commit makes the working copy durable as the next version and
// publishes it to readers. Version N+1 is always built from committed
// version N plus the mutations since.
//
// The file is replaced atomically: a crash at any point leaves either
// the old or the new snapshot on disk, never a mix. If Commit fails
// the previous snapshot stays on disk and visible to readers, and the
// mutations stay pending for the next Commit. A Commit with nothing
// pending writes nothing and returns the current version.
func (x *Index) Commit() (uint64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkOpenLocked(); err != nil {
		return 0, err
	}
	previous := x.committed.Load()
	if !x.dirty && previous != nil {
		return previous.Version, nil
	}

	next := x.working.clone()
	if previous != nil {
		next.Version = previous.Version + 1
	}
	header := x.header
	header.SnapshotVersion = next.Version

	data, err := encodeIndex(header, next, x.sealer)
	if err != nil {
		return 0, err
	}
	if err := x.writeAtomic(data); err != nil {
		x.logger.Error("index commit failed",
			"version", next.Version,
			"error", err,
		)
		return 0, err
	}

	x.header = header
	x.header.FormatVersion = FormatVersion
	x.working.Version = next.Version
	x.dirty = false
	x.committed.Store(next)
	x.raw.Store(&data)
	x.logger.Debug("index committed",
		"version", next.Version,
		"mutation_seq", next.MutationSeq,
		"files", len(next.Files),
	)
	return next.Version, nil
}

// writeAtomic replaces the index file with data: write a temp file in
// the same directory, fsync it, rename over the target, fsync the
// directory.
func (x *Index) writeAtomic(data []byte) error {
	directory := filepath.Dir(x.path)
	tmpFile, err := os.CreateTemp(directory, ".boxidx-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp index file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing index: %w", err)
	}
	if err := x.syncFile(tmpFile); err != nil {
		tmpFile.Close()
		return fmt.Errorf("syncing index: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp index file: %w", err)
	}
	if err := os.Rename(tmpPath, x.path); err != nil {
		return fmt.Errorf("renaming index into place: %w", err)
	}
	success = true

	// The rename is the commit point; directory sync errors after it
	// are logged, not returned.
	if dir, err := os.Open(directory); err != nil {
		x.logger.Warn("opening index directory for sync", "error", err)
	} else {
		if err := dir.Sync(); err != nil {
			x.logger.Warn("syncing index directory", "error", err)
		}
		dir.Close()
	}
	return nil
}

func (x *Index) mutatedLocked() {
	x.working.MutationSeq++
	x.dirty = true
}

func (x *Index) checkOpenLocked() error {
	if x.closed {
		return fmt.Errorf("index %s is closed", x.path)
	}
	return nil
}

func (x *Index) checkFolderLocked(folderID string) error {
	if folderID == "" {
		return nil
	}
	if _, ok := x.working.Folders[folderID]; !ok {
		return fmt.Errorf("folder %s: %w", folderID, boxerr.ErrNotFound)
	}
	return nil
}
