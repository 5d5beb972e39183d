// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package boxindex

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/boxsync/lib/boxcrypto"
	"github.com/bureau-foundation/boxsync/lib/boxerr"
	"github.com/bureau-foundation/boxsync/lib/keyring"
	"github.com/bureau-foundation/boxsync/lib/secret"
)

// ErrCycle is returned when moving a folder would make it its own
// ancestor.
var ErrCycle = errors.New("folder move would create a cycle")

// ErrLocked is returned when another process holds the index open.
var ErrLocked = errors.New("box index is open in another process")

// Index is the encrypted local database of one box.
//
// Mutations apply to a working copy under a single writer lock and
// become durable on Commit. Readers (Get, List, Files, Snapshot) see
// the last committed snapshot and never wait for the writer.
type Index struct {
	path   string
	header Header
	logger *slog.Logger

	indexKey *secret.Buffer
	sealer   *boxcrypto.Sealer
	lockFile *os.File

	// mu is the writer lock. It guards working and dirty, and
	// serializes Commit.
	mu      sync.Mutex
	working *Snapshot
	dirty   bool
	closed  bool

	committed atomic.Pointer[Snapshot]

	// raw is the encoded bytes of the committed snapshot, for backup.
	raw atomic.Pointer[[]byte]

	// syncFile is (*os.File).Sync, replaceable in tests to simulate
	// a full or failing disk.
	syncFile func(*os.File) error
}

// Options configures Create and Open.
type Options struct {
	// Logger receives commit and recovery events. Nil discards them.
	Logger *slog.Logger
}

// Create initializes a new, empty index at path for boxKey. header
// supplies the KDF parameters and credentials; its box id must match
// boxKey. Fails if path already exists.
func Create(path string, boxKey *keyring.BoxKey, header Header, options Options) (*Index, error) {
	if header.BoxID != boxKey.BoxID() {
		return nil, fmt.Errorf("header box id %q does not match key for %q", header.BoxID, boxKey.BoxID())
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("index %s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	index, err := newIndex(path, boxKey, header, options)
	if err != nil {
		return nil, err
	}
	index.working = emptySnapshot()
	index.dirty = true
	if _, err := index.Commit(); err != nil {
		index.Close()
		return nil, err
	}
	return index, nil
}

// Open reads the index at path, unlocks its box through ring, and
// authenticates the snapshot. A wrong passphrase fails in UnlockBox
// with boxerr.ErrAuthentication; a tampered file fails with
// boxerr.ErrAuthentication or boxerr.ErrIntegrity. If boxID is not
// empty it must match the header.
func Open(path string, ring *keyring.KeyRing, boxID string, options Options) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return openData(path, data, ring, boxID, options)
}

// RestoreSnapshot authenticates data (bytes from ExportSnapshot,
// typically fetched from a remote backup) and installs it at path,
// replacing any existing index. Returns the opened index.
func RestoreSnapshot(path string, data []byte, ring *keyring.KeyRing, boxID string, options Options) (*Index, error) {
	index, err := openData(path, data, ring, boxID, options)
	if err != nil {
		return nil, fmt.Errorf("restoring snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		index.Close()
		return nil, fmt.Errorf("creating index directory: %w", err)
	}
	if err := index.writeAtomic(data); err != nil {
		index.Close()
		return nil, fmt.Errorf("restoring snapshot: %w", err)
	}
	index.logger.Info("index restored from snapshot",
		"box", index.header.BoxID,
		"version", index.header.SnapshotVersion,
	)
	return index, nil
}

func openData(path string, data []byte, ring *keyring.KeyRing, boxID string, options Options) (*Index, error) {
	header, _, err := readHeader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if boxID != "" && header.BoxID != boxID {
		return nil, fmt.Errorf("index at %s belongs to box %q, not %q", path, header.BoxID, boxID)
	}
	boxKey, err := ring.UnlockBox(header.BoxID, header.Credentials)
	if err != nil {
		return nil, err
	}

	index, err := newIndex(path, boxKey, header, options)
	if err != nil {
		return nil, err
	}
	_, snapshot, err := decodeIndex(data, index.indexKey)
	if err != nil {
		index.Close()
		return nil, err
	}
	index.working = snapshot.clone()
	index.committed.Store(snapshot)
	raw := append([]byte(nil), data...)
	index.raw.Store(&raw)
	return index, nil
}

func newIndex(path string, boxKey *keyring.BoxKey, header Header, options Options) (*Index, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	lockFile, err := acquireLock(path)
	if err != nil {
		return nil, err
	}
	indexKey, err := boxKey.IndexKey()
	if err != nil {
		releaseLock(lockFile)
		return nil, fmt.Errorf("deriving index key: %w", err)
	}
	sealer, err := boxcrypto.NewSealer(indexKey)
	if err != nil {
		indexKey.Close()
		releaseLock(lockFile)
		return nil, err
	}
	return &Index{
		path:     path,
		header:   header,
		logger:   logger.With("index", path),
		indexKey: indexKey,
		sealer:   sealer,
		lockFile: lockFile,
		syncFile: (*os.File).Sync,
	}, nil
}

// acquireLock takes an exclusive flock on path+".lock". One process
// writes a box at a time; a second Open fails fast with ErrLocked.
func acquireLock(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}
	lockFile, err := os.OpenFile(path+".lock", os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening index lock: %w", err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFile.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("locking index: %w", err)
	}
	return lockFile, nil
}

func releaseLock(lockFile *os.File) {
	unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
	lockFile.Close()
}

// Close releases the index key and the process lock. Uncommitted
// mutations are discarded. Idempotent.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	if x.dirty {
		x.logger.Warn("closing index with uncommitted mutations", "mutation_seq", x.working.MutationSeq)
	}
	releaseLock(x.lockFile)
	return x.indexKey.Close()
}

// BoxID returns the id of the box this index belongs to.
func (x *Index) BoxID() string { return x.header.BoxID }

// Header returns the plaintext header as of the last commit.
func (x *Index) Header() Header {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.header
}

// Path returns the index file path.
func (x *Index) Path() string { return x.path }

// Snapshot returns the last committed snapshot. It must not be
// modified.
func (x *Index) Snapshot() *Snapshot {
	return x.committed.Load()
}

// Version returns the last committed version.
func (x *Index) Version() uint64 {
	return x.committed.Load().Version
}

// Get returns a copy of the committed record for localID.
func (x *Index) Get(localID string) (*FileRecord, error) {
	record, ok := x.committed.Load().Files[localID]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", localID, boxerr.ErrNotFound)
	}
	return record.Clone(), nil
}

// List returns copies of the committed, non-tombstoned records in
// folderID, sorted by display name.
func (x *Index) List(folderID string) []*FileRecord {
	var records []*FileRecord
	for _, record := range x.committed.Load().Files {
		if record.FolderID == folderID && record.State != FileTombstoned {
			records = append(records, record.Clone())
		}
	}
	sortFiles(records)
	return records
}

// Files returns copies of every committed record, tombstones included,
// sorted by display name.
func (x *Index) Files() []*FileRecord {
	snapshot := x.committed.Load()
	records := make([]*FileRecord, 0, len(snapshot.Files))
	for _, record := range snapshot.Files {
		records = append(records, record.Clone())
	}
	sortFiles(records)
	return records
}

// Folders returns the committed child folders of parentID, sorted by
// name.
func (x *Index) Folders(parentID string) []FolderRecord {
	var folders []FolderRecord
	for _, folder := range x.committed.Load().Folders {
		if folder.ParentID == parentID {
			folders = append(folders, *folder)
		}
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
	return folders
}

// Blobs returns the committed auxiliary blob records of kind, oldest
// first.
func (x *Index) Blobs(kind BlobKind) []BlobRecord {
	var blobs []BlobRecord
	for _, blob := range x.committed.Load().Blobs {
		if blob.Kind == kind {
			blobs = append(blobs, *blob)
		}
	}
	sort.Slice(blobs, func(i, j int) bool {
		if !blobs[i].CreatedAt.Equal(blobs[j].CreatedAt) {
			return blobs[i].CreatedAt.Before(blobs[j].CreatedAt)
		}
		return blobs[i].RemoteID < blobs[j].RemoteID
	})
	return blobs
}

// ExportSnapshot returns the encrypted bytes of the committed index
// file. Safe to store on an untrusted remote.
func (x *Index) ExportSnapshot() []byte {
	raw := x.raw.Load()
	return append([]byte(nil), (*raw)...)
}

func sortFiles(records []*FileRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].DisplayName != records[j].DisplayName {
			return records[i].DisplayName < records[j].DisplayName
		}
		return records[i].LocalID < records[j].LocalID
	})
}

func sortFolders(folders []*FolderRecord) {
	sort.Slice(folders, func(i, j int) bool { return folders[i].ID < folders[j].ID })
}

func sortBlobs(blobs []*BlobRecord) {
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].RemoteID < blobs[j].RemoteID })
}
