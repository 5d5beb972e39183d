// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package boxindex

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/boxsync/lib/boxcrypto"
)

// FileState is the lifecycle state of a file record.
type FileState uint8

const (
	// FilePending means the upload has started and not every chunk is
	// confirmed.
	FilePending FileState = iota

	// FileComplete means every chunk is confirmed and the integrity
	// tag is set.
	FileComplete

	// FileTombstoned means a delete was requested. The record stays
	// until every remote chunk is confirmed gone.
	FileTombstoned

	// FilePermanentlyFailed means a chunk exhausted its retries or hit
	// a permanent remote error. Only an explicit retry or cancel moves
	// the record on.
	FilePermanentlyFailed

	// FileCorrupted means the record was Complete but reconciliation
	// found chunks missing from the remote.
	FileCorrupted
)

func (s FileState) String() string {
	switch s {
	case FilePending:
		return "pending"
	case FileComplete:
		return "complete"
	case FileTombstoned:
		return "tombstoned"
	case FilePermanentlyFailed:
		return "permanently-failed"
	case FileCorrupted:
		return "corrupted"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ChunkState is the upload state of one chunk.
type ChunkState uint8

const (
	ChunkPending ChunkState = iota
	ChunkInFlight
	ChunkConfirmed
	ChunkFailed
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkInFlight:
		return "in-flight"
	case ChunkConfirmed:
		return "confirmed"
	case ChunkFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ChunkEntry tracks one chunk of a file. ContentHash is the hash of
// the sealed blob; RemoteChunkID is set once the remote acknowledges
// the upload.
type ChunkEntry struct {
	Index         int            `cbor:"index"`
	RemoteChunkID string         `cbor:"remote_id,omitempty"`
	ContentHash   boxcrypto.Hash `cbor:"content_hash"`
	PlainSize     int            `cbor:"plain_size"`
	CipherSize    int            `cbor:"cipher_size"`
	State         ChunkState     `cbor:"state"`
	RetryCount    int            `cbor:"retries,omitempty"`
}

// FileRecord is the index entry for one file.
type FileRecord struct {
	LocalID string `cbor:"id"`

	// RemoteID is the remote id of chunk 0, set once it is confirmed.
	RemoteID string `cbor:"remote_id,omitempty"`

	DisplayName string `cbor:"name"`
	FolderID    string `cbor:"folder,omitempty"`

	// KeyScope selects the scope key the file key derives from. It is
	// the folder the file was uploaded into and never changes, so
	// moving a file does not re-key it.
	KeyScope string `cbor:"scope,omitempty"`

	SizePlain   int64        `cbor:"size_plain"`
	SizeCipher  int64        `cbor:"size_cipher"`
	ChunkSize   int          `cbor:"chunk_size"`
	ChunkCount  int          `cbor:"chunk_count"`
	Compression uint8        `cbor:"compression,omitempty"`
	Chunks      []ChunkEntry `cbor:"chunks"`

	CreatedAt  time.Time `cbor:"created"`
	ModifiedAt time.Time `cbor:"modified"`

	// Version increases on every change to this record.
	Version uint64 `cbor:"version"`

	// IntegrityTag is a MAC under the file key over the Merkle root of
	// the chunk content hashes and the plaintext size. Set on
	// completion.
	IntegrityTag boxcrypto.Hash `cbor:"integrity_tag"`

	State FileState `cbor:"state"`

	// LastError is the error that moved the record to
	// PermanentlyFailed.
	LastError string `cbor:"last_error,omitempty"`
}

// NewLocalID returns a fresh random local id.
func NewLocalID() string {
	return uuid.NewString()
}

// IsComplete reports whether every chunk is confirmed.
func (r *FileRecord) IsComplete() bool {
	for _, chunk := range r.Chunks {
		if chunk.State != ChunkConfirmed {
			return false
		}
	}
	return len(r.Chunks) == r.ChunkCount
}

// Unconfirmed returns the indexes of chunks not yet confirmed.
func (r *FileRecord) Unconfirmed() []int {
	var indexes []int
	for _, chunk := range r.Chunks {
		if chunk.State != ChunkConfirmed {
			indexes = append(indexes, chunk.Index)
		}
	}
	return indexes
}

// RemoteChunkIDs returns the remote ids of every chunk that has one.
func (r *FileRecord) RemoteChunkIDs() []string {
	var ids []string
	for _, chunk := range r.Chunks {
		if chunk.RemoteChunkID != "" {
			ids = append(ids, chunk.RemoteChunkID)
		}
	}
	return ids
}

// ContentHashes returns the chunk content hashes in index order.
func (r *FileRecord) ContentHashes() []boxcrypto.Hash {
	hashes := make([]boxcrypto.Hash, len(r.Chunks))
	for index, chunk := range r.Chunks {
		hashes[index] = chunk.ContentHash
	}
	return hashes
}

// Clone returns a deep copy.
func (r *FileRecord) Clone() *FileRecord {
	clone := *r
	clone.Chunks = append([]ChunkEntry(nil), r.Chunks...)
	return &clone
}

// validate checks the structural invariants of a record: a local id,
// and a chunk map that is exactly 0..ChunkCount-1 in order.
func (r *FileRecord) validate() error {
	if r.LocalID == "" {
		return fmt.Errorf("file record has no local id")
	}
	if r.ChunkCount < 1 {
		return fmt.Errorf("file %s: chunk count must be positive, got %d", r.LocalID, r.ChunkCount)
	}
	if len(r.Chunks) != r.ChunkCount {
		return fmt.Errorf("file %s: chunk map has %d entries, chunk count is %d", r.LocalID, len(r.Chunks), r.ChunkCount)
	}
	for position, chunk := range r.Chunks {
		if chunk.Index != position {
			return fmt.Errorf("file %s: chunk map entry %d has index %d", r.LocalID, position, chunk.Index)
		}
	}
	return nil
}

// FolderRecord is one node of the folder tree. The root folder is the
// empty id and has no record.
type FolderRecord struct {
	ID        string    `cbor:"id"`
	ParentID  string    `cbor:"parent,omitempty"`
	Name      string    `cbor:"name"`
	CreatedAt time.Time `cbor:"created"`
}

// BlobKind identifies a remote blob that is not a file chunk.
type BlobKind uint8

const (
	// BlobBackup is an encrypted copy of a committed index snapshot.
	BlobBackup BlobKind = iota + 1

	// BlobManifest is an encrypted share manifest.
	BlobManifest
)

func (k BlobKind) String() string {
	switch k {
	case BlobBackup:
		return "backup"
	case BlobManifest:
		return "manifest"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// BlobRecord tracks a remote blob the box owns besides file chunks, so
// reconciliation does not report it as an orphan.
type BlobRecord struct {
	RemoteID string   `cbor:"remote_id"`
	Kind     BlobKind `cbor:"kind"`

	// Scope is the share scope of a manifest.
	Scope string `cbor:"scope,omitempty"`

	// SnapshotVersion is the index version a backup holds.
	SnapshotVersion uint64 `cbor:"snapshot_version,omitempty"`

	CreatedAt time.Time `cbor:"created"`
}

// Snapshot is an immutable view of the index at one committed
// version. Values reachable from a Snapshot must not be modified.
type Snapshot struct {
	// Version is the box-wide version: it counts commits, and every
	// mutation is folded into the next one. It is the version recorded
	// in the file header and in backups.
	Version uint64

	// MutationSeq counts individual mutations (Put, Update, Delete,
	// PutFolder and the rest) over the life of the index.
	MutationSeq uint64

	Files   map[string]*FileRecord
	Folders map[string]*FolderRecord
	Blobs   map[string]*BlobRecord
}

// snapshotBody is the encrypted part of the index file.
type snapshotBody struct {
	Version     uint64          `cbor:"version"`
	MutationSeq uint64          `cbor:"mutation_seq"`
	Files       []*FileRecord   `cbor:"files"`
	Folders     []*FolderRecord `cbor:"folders"`
	Blobs       []*BlobRecord   `cbor:"blobs,omitempty"`
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Files:   make(map[string]*FileRecord),
		Folders: make(map[string]*FolderRecord),
		Blobs:   make(map[string]*BlobRecord),
	}
}

// clone deep-copies the snapshot so the working copy can diverge from
// the committed one.
func (s *Snapshot) clone() *Snapshot {
	clone := &Snapshot{
		Version:     s.Version,
		MutationSeq: s.MutationSeq,
		Files:       make(map[string]*FileRecord, len(s.Files)),
		Folders:     make(map[string]*FolderRecord, len(s.Folders)),
		Blobs:       make(map[string]*BlobRecord, len(s.Blobs)),
	}
	for id, record := range s.Files {
		clone.Files[id] = record.Clone()
	}
	for id, folder := range s.Folders {
		copied := *folder
		clone.Folders[id] = &copied
	}
	for id, blob := range s.Blobs {
		copied := *blob
		clone.Blobs[id] = &copied
	}
	return clone
}
