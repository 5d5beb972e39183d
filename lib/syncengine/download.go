// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bureau-foundation/boxsync/lib/boxerr"
	"github.com/bureau-foundation/boxsync/lib/boxindex"
	"github.com/bureau-foundation/boxsync/lib/chunkcodec"
	"github.com/bureau-foundation/boxsync/lib/remote"
	"github.com/bureau-foundation/boxsync/lib/secret"
)

// Download writes the plaintext of a Complete file to w.
//
// The record's integrity tag is checked before anything is fetched.
// Chunks are fetched concurrently in windows; each window is verified
// and decrypted in full before any of it reaches w, so w only ever
// receives authenticated plaintext. If a later window fails, w holds
// a verified prefix of the file.
func (e *Engine) Download(ctx context.Context, localID string, w io.Writer) error {
	record, err := e.index.Get(localID)
	if err != nil {
		return err
	}
	if err := checkDownloadable(record); err != nil {
		return err
	}
	fileKey, err := e.box.FileKey(record.KeyScope, localID)
	if err != nil {
		return err
	}
	defer fileKey.Close()
	if err := verifyIntegrity(fileKey, record); err != nil {
		return err
	}
	if err := e.fetcher.fetch(ctx, record, fileKey, w); err != nil {
		return fmt.Errorf("downloading %s: %w", localID, err)
	}
	e.logger.Info("download complete", "local_id", localID, "size", record.SizePlain)
	return nil
}

func checkDownloadable(record *boxindex.FileRecord) error {
	switch record.State {
	case boxindex.FileComplete:
		if record.IsComplete() {
			return nil
		}
	case boxindex.FileTombstoned:
		return fmt.Errorf("file %s is being deleted: %w", record.LocalID, boxerr.ErrNotFound)
	}
	return &boxerr.IncompleteFileError{LocalID: record.LocalID, Missing: record.Unconfirmed()}
}

// fetcher downloads and decrypts the chunks of one file. The engine
// and ShareReader share it; the engine's fetcher also shares the
// engine's slots.
type fetcher struct {
	backend remote.Backend
	slots   *semaphore.Weighted
	window  int
	retry   *retryPolicy
	logger  *slog.Logger
}

func (f *fetcher) fetch(ctx context.Context, record *boxindex.FileRecord, fileKey *secret.Buffer, w io.Writer) error {
	var codec chunkcodec.Codec
	for start := 0; start < record.ChunkCount; start += f.window {
		end := min(start+f.window, record.ChunkCount)
		chunks := make([]chunkcodec.Chunk, end-start)

		group, groupCtx := errgroup.WithContext(ctx)
		for _, entry := range record.Chunks[start:end] {
			if err := f.slots.Acquire(groupCtx, 1); err != nil {
				break
			}
			group.Go(func() error {
				defer f.slots.Release(1)
				blob, err := f.get(groupCtx, entry.RemoteChunkID)
				if err != nil {
					return fmt.Errorf("chunk %d: %w", entry.Index, err)
				}
				chunk, err := codec.DecryptChunk(fileKey, chunkcodec.EncryptedChunk{
					Index:       entry.Index,
					Blob:        blob,
					ContentHash: entry.ContentHash,
					PlainSize:   entry.PlainSize,
				}, record.LocalID)
				if err != nil {
					return err
				}
				chunks[entry.Index-start] = chunkcodec.Chunk{Index: entry.Index - start, Data: chunk.Data}
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		reader, err := chunkcodec.Assemble(chunks, end-start)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, reader); err != nil {
			return fmt.Errorf("writing chunks %d-%d: %w", start, end-1, err)
		}
	}
	return nil
}

func (f *fetcher) get(ctx context.Context, id string) ([]byte, error) {
	if id == "" {
		return nil, fmt.Errorf("chunk has no remote id: %w", boxerr.ErrNotFound)
	}
	var blob []byte
	err := f.retry.do(ctx, "get", id, func(callCtx context.Context) error {
		data, err := f.backend.Get(callCtx, id)
		blob = data
		return err
	})
	return blob, err
}
