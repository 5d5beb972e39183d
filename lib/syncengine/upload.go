// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/boxsync/lib/boxcrypto"
	"github.com/bureau-foundation/boxsync/lib/boxerr"
	"github.com/bureau-foundation/boxsync/lib/boxindex"
	"github.com/bureau-foundation/boxsync/lib/chunkcodec"
	"github.com/bureau-foundation/boxsync/lib/secret"
)

// integrityDomain separates file integrity tags from every other MAC
// under a file key.
const integrityDomain = "boxsync.file.integrity.v1"

// ChunkError reports the chunk that drove a file to PermanentlyFailed.
// Err is the remote or encryption error; errors.Is(err,
// boxerr.ErrPermanent) and errors.Is(err, boxerr.ErrTransient) see
// through it.
type ChunkError struct {
	LocalID string
	Index   int
	Retries int
	Err     error
}

func (e *ChunkError) Error() string {
	if e.Retries > 0 {
		return fmt.Sprintf("file %s chunk %d failed after %d retries: %v", e.LocalID, e.Index, e.Retries, e.Err)
	}
	return fmt.Sprintf("file %s chunk %d failed: %v", e.LocalID, e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// Upload creates a record for src under folderID and sends every
// chunk. The Pending record is committed before the first chunk goes
// out, and each confirmed chunk is committed as it lands, so a crash
// at any point leaves a record Resume can finish.
//
// The file's key scope is folderID and stays fixed if the file later
// moves. On failure or cancellation the returned record, when not nil,
// is the committed state of the file and its LocalID is what Resume
// and Retry take.
func (e *Engine) Upload(ctx context.Context, src Source, name, folderID string) (*boxindex.FileRecord, error) {
	if name == "" {
		return nil, fmt.Errorf("upload: name is empty")
	}
	size := src.Size()
	if size < 0 {
		return nil, fmt.Errorf("upload %s: negative size %d", name, size)
	}

	now := e.clock.Now()
	count := chunkcodec.ChunkCount(size, e.chunkSize)
	record := &boxindex.FileRecord{
		LocalID:     boxindex.NewLocalID(),
		DisplayName: name,
		FolderID:    folderID,
		KeyScope:    folderID,
		SizePlain:   size,
		ChunkSize:   e.chunkSize,
		ChunkCount:  count,
		Compression: uint8(e.codec.Compression),
		Chunks:      make([]boxindex.ChunkEntry, count),
		CreatedAt:   now,
		ModifiedAt:  now,
		State:       boxindex.FilePending,
	}
	for index := range record.Chunks {
		record.Chunks[index].Index = index
	}
	if err := e.index.Put(record); err != nil {
		return nil, fmt.Errorf("upload %s: %w", name, err)
	}
	if err := e.commit("new file record"); err != nil {
		return nil, fmt.Errorf("upload %s: %w", name, err)
	}
	e.logger.Info("upload started",
		"local_id", record.LocalID,
		"size", size,
		"chunks", count,
	)

	ctx, finish, err := e.begin(ctx, record.LocalID)
	if err != nil {
		return record, err
	}
	defer finish()
	return e.transferAndReport(ctx, record, src)
}

// Resume sends the chunks of a Pending file that the remote has not
// confirmed. src must be the same plaintext the upload started with;
// its size is checked against the record. Resuming a Complete file
// does nothing.
func (e *Engine) Resume(ctx context.Context, localID string, src Source) (*boxindex.FileRecord, error) {
	ctx, finish, err := e.begin(ctx, localID)
	if err != nil {
		return nil, err
	}
	defer finish()

	record, err := e.index.Get(localID)
	if err != nil {
		return nil, err
	}
	switch record.State {
	case boxindex.FileComplete:
		return record, nil
	case boxindex.FilePending:
	default:
		return record, fmt.Errorf("file %s is %s; only pending uploads resume", localID, record.State)
	}
	e.logger.Info("upload resumed",
		"local_id", localID,
		"remaining", len(record.Unconfirmed()),
		"chunks", record.ChunkCount,
	)
	return e.transferAndReport(ctx, record, src)
}

// Retry moves a PermanentlyFailed or Corrupted file back to Pending,
// clears the retry counts of its unconfirmed chunks, and resumes it.
func (e *Engine) Retry(ctx context.Context, localID string, src Source) (*boxindex.FileRecord, error) {
	ctx, finish, err := e.begin(ctx, localID)
	if err != nil {
		return nil, err
	}
	defer finish()

	record, err := e.index.Update(localID, func(record *boxindex.FileRecord) error {
		switch record.State {
		case boxindex.FilePermanentlyFailed, boxindex.FileCorrupted, boxindex.FilePending:
		default:
			return fmt.Errorf("file %s is %s; nothing to retry", localID, record.State)
		}
		for index := range record.Chunks {
			chunk := &record.Chunks[index]
			if chunk.State != boxindex.ChunkConfirmed {
				chunk.State = boxindex.ChunkPending
				chunk.RetryCount = 0
			}
		}
		record.State = boxindex.FilePending
		record.LastError = ""
		record.ModifiedAt = e.clock.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.commit("retry"); err != nil {
		return nil, err
	}
	e.logger.Info("upload retried",
		"local_id", localID,
		"remaining", len(record.Unconfirmed()),
	)
	return e.transferAndReport(ctx, record, src)
}

func (e *Engine) transferAndReport(ctx context.Context, record *boxindex.FileRecord, src Source) (*boxindex.FileRecord, error) {
	transferErr := e.transfer(ctx, record, src)
	current, err := e.index.Get(record.LocalID)
	if err != nil {
		current = record
	}
	if transferErr != nil {
		return current, transferErr
	}
	return current, nil
}

// transfer sends every unconfirmed chunk of record and settles the
// file's state: Complete when all chunks are confirmed,
// PermanentlyFailed when one chunk gives up, and unchanged (still
// Pending) on cancellation or an index failure.
func (e *Engine) transfer(ctx context.Context, record *boxindex.FileRecord, src Source) error {
	if src.Size() != record.SizePlain {
		return fmt.Errorf("file %s: source is %d bytes, record expects %d", record.LocalID, src.Size(), record.SizePlain)
	}
	fileKey, err := e.box.FileKey(record.KeyScope, record.LocalID)
	if err != nil {
		return err
	}
	defer fileKey.Close()
	sealer, err := boxcrypto.NewSealer(fileKey)
	if err != nil {
		return err
	}
	splitter, err := chunkcodec.NewSplitter(src, record.SizePlain, record.ChunkSize)
	if err != nil {
		return err
	}
	if splitter.Count() != record.ChunkCount {
		return fmt.Errorf("file %s: source splits into %d chunks, record has %d", record.LocalID, splitter.Count(), record.ChunkCount)
	}
	codec := chunkcodec.Codec{Compression: chunkcodec.Compression(record.Compression)}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, index := range record.Unconfirmed() {
		if err := e.slots.Acquire(groupCtx, 1); err != nil {
			break
		}
		chunk, err := splitter.Read(index)
		if err != nil {
			e.slots.Release(1)
			group.Go(func() error { return fmt.Errorf("reading chunk %d: %w", index, err) })
			break
		}
		group.Go(func() error {
			defer e.slots.Release(1)
			return e.sendChunk(groupCtx, record.LocalID, sealer, codec, chunk)
		})
	}
	err = group.Wait()

	var chunkErr *ChunkError
	switch {
	case errors.As(err, &chunkErr):
		return e.failFile(record.LocalID, chunkErr)
	case err != nil:
		e.commitProgress(record.LocalID)
		return err
	case ctx.Err() != nil:
		// The last chunks may have landed after the cancel.
		if current, getErr := e.index.Get(record.LocalID); getErr == nil && len(current.Unconfirmed()) == 0 {
			if err := e.completeFile(record.LocalID, fileKey); err != nil {
				return err
			}
			return ctx.Err()
		}
		e.commitProgress(record.LocalID)
		return ctx.Err()
	}
	return e.completeFile(record.LocalID, fileKey)
}

// sendChunk encrypts chunk and uploads it, retrying transient
// failures. Each call is detached from ctx so a cancelled upload
// still records a blob the remote accepted. A ChunkError means the
// chunk gave up; any other error leaves it resumable.
func (e *Engine) sendChunk(ctx context.Context, localID string, sealer *boxcrypto.Sealer, codec chunkcodec.Codec, chunk chunkcodec.Chunk) error {
	encrypted, err := codec.EncryptChunk(sealer, chunk, localID)
	if err != nil {
		return &ChunkError{LocalID: localID, Index: chunk.Index, Err: err}
	}
	index := chunk.Index

	if _, err := e.index.Update(localID, func(record *boxindex.FileRecord) error {
		entry := &record.Chunks[index]
		entry.State = boxindex.ChunkInFlight
		entry.ContentHash = encrypted.ContentHash
		entry.PlainSize = encrypted.PlainSize
		entry.CipherSize = len(encrypted.Blob)
		return nil
	}); err != nil {
		return err
	}

	for {
		var remoteID string
		err := e.retry.attempt(context.WithoutCancel(ctx), "put", "", func(callCtx context.Context) error {
			id, err := e.backend.Put(callCtx, encrypted.Blob)
			remoteID = id
			return err
		})
		if err == nil {
			return e.confirmChunk(localID, index, remoteID)
		}

		failed, updateErr := e.index.Update(localID, func(record *boxindex.FileRecord) error {
			entry := &record.Chunks[index]
			entry.State = boxindex.ChunkFailed
			entry.RetryCount++
			return nil
		})
		if updateErr != nil {
			return errors.Join(err, updateErr)
		}
		retries := failed.Chunks[index].RetryCount
		if !boxerr.IsRetryable(err) || retries > e.retry.maxRetries {
			return &ChunkError{LocalID: localID, Index: index, Retries: retries - 1, Err: err}
		}
		e.logger.Warn("chunk upload failed, retrying",
			"local_id", localID,
			"chunk", index,
			"retry", retries,
			"error", err,
		)
		if err := e.setChunkState(localID, index, boxindex.ChunkPending); err != nil {
			return err
		}
		if err := e.retry.wait(ctx, retries-1); err != nil {
			return err
		}
		if err := e.setChunkState(localID, index, boxindex.ChunkInFlight); err != nil {
			return err
		}
	}
}

func (e *Engine) setChunkState(localID string, index int, state boxindex.ChunkState) error {
	_, err := e.index.Update(localID, func(record *boxindex.FileRecord) error {
		record.Chunks[index].State = state
		return nil
	})
	return err
}

func (e *Engine) confirmChunk(localID string, index int, remoteID string) error {
	if _, err := e.index.Update(localID, func(record *boxindex.FileRecord) error {
		entry := &record.Chunks[index]
		entry.State = boxindex.ChunkConfirmed
		entry.RemoteChunkID = remoteID
		if index == 0 {
			record.RemoteID = remoteID
		}
		return nil
	}); err != nil {
		return err
	}
	return e.commit(fmt.Sprintf("chunk %d of %s", index, localID))
}

// commitProgress commits whatever the transfer recorded before it
// stopped. A failure here is logged: the caller is already returning
// the error that stopped the transfer.
func (e *Engine) commitProgress(localID string) {
	if err := e.commit("upload progress"); err != nil {
		e.logger.Error("recording upload progress failed",
			"local_id", localID,
			"error", err,
		)
	}
}

func (e *Engine) failFile(localID string, chunkErr *ChunkError) error {
	if _, err := e.index.Update(localID, func(record *boxindex.FileRecord) error {
		record.State = boxindex.FilePermanentlyFailed
		record.LastError = chunkErr.Error()
		record.ModifiedAt = e.clock.Now()
		return nil
	}); err != nil {
		return errors.Join(chunkErr, err)
	}
	if err := e.commit("failed file"); err != nil {
		return errors.Join(chunkErr, err)
	}
	e.logger.Error("upload permanently failed",
		"local_id", localID,
		"chunk", chunkErr.Index,
		"error", chunkErr.Err,
	)
	return chunkErr
}

func (e *Engine) completeFile(localID string, fileKey *secret.Buffer) error {
	record, err := e.index.Update(localID, func(record *boxindex.FileRecord) error {
		if !record.IsComplete() {
			return &boxerr.IncompleteFileError{LocalID: localID, Missing: record.Unconfirmed()}
		}
		var cipherSize int64
		for _, chunk := range record.Chunks {
			cipherSize += int64(chunk.CipherSize)
		}
		record.SizeCipher = cipherSize
		record.IntegrityTag = integrityTag(fileKey, record)
		record.State = boxindex.FileComplete
		record.LastError = ""
		record.ModifiedAt = e.clock.Now()
		return nil
	})
	if err != nil {
		return err
	}
	if err := e.commit("completed file"); err != nil {
		return err
	}
	e.logger.Info("upload complete",
		"local_id", localID,
		"remote_id", record.RemoteID,
		"size_cipher", record.SizeCipher,
	)
	return nil
}

// integrityTag is the MAC under the file key over the Merkle root of
// the chunk content hashes and the plaintext size.
func integrityTag(fileKey *secret.Buffer, record *boxindex.FileRecord) boxcrypto.Hash {
	root := boxcrypto.MerkleRoot(record.ContentHashes())
	size := binary.BigEndian.AppendUint64(nil, uint64(record.SizePlain))
	return boxcrypto.MAC(fileKey, integrityDomain, root[:], size)
}

// verifyIntegrity recomputes the integrity tag of a complete record.
func verifyIntegrity(fileKey *secret.Buffer, record *boxindex.FileRecord) error {
	if !integrityTag(fileKey, record).Equal(record.IntegrityTag) {
		return fmt.Errorf("%w: file %s integrity tag does not match its chunk map", boxerr.ErrIntegrity, record.LocalID)
	}
	return nil
}
