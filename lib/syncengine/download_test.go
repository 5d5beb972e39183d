// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/boxsync/lib/boxerr"
	"github.com/bureau-foundation/boxsync/lib/boxindex"
	"github.com/bureau-foundation/boxsync/lib/remote"
	"github.com/bureau-foundation/boxsync/lib/remote/memory"
	"github.com/bureau-foundation/boxsync/lib/testutil"
)

func uploadComplete(t *testing.T, h *harness, data []byte, name, folderID string) *boxindex.FileRecord {
	t.Helper()
	record, err := h.engine.Upload(context.Background(), bytes.NewReader(data), name, folderID)
	if err != nil {
		t.Fatalf("Upload(%s): %v", name, err)
	}
	return record
}

func TestDownloadDetectsCorruptChunk(t *testing.T) {
	h := newHarness(t, nil)
	record := uploadComplete(t, h, randomBytes(10, 3*testChunkSize), "photo", "")

	h.store.Corrupt(record.Chunks[1].RemoteChunkID, func(blob []byte) { blob[len(blob)/2] ^= 0x01 })

	var output bytes.Buffer
	err := h.engine.Download(context.Background(), record.LocalID, &output)
	if !errors.Is(err, boxerr.ErrIntegrity) {
		t.Fatalf("Download error = %v, want integrity failure", err)
	}
	if output.Len() != 0 {
		t.Errorf("%d bytes written from a window with a corrupt chunk", output.Len())
	}
	if calls := h.store.Calls(memory.OpGet); calls > 3 {
		t.Errorf("get calls = %d, want at most 3 (integrity failures are not retried)", calls)
	}
}

func TestDownloadDetectsSwappedChunks(t *testing.T) {
	h := newHarness(t, nil)
	record := uploadComplete(t, h, randomBytes(11, 2*testChunkSize), "doc", "")

	first, _ := h.store.Blob(record.Chunks[0].RemoteChunkID)
	second, _ := h.store.Blob(record.Chunks[1].RemoteChunkID)
	if len(first) != len(second) {
		t.Fatalf("full chunks sealed to %d and %d bytes", len(first), len(second))
	}
	h.store.Corrupt(record.Chunks[0].RemoteChunkID, func(blob []byte) { copy(blob, second) })
	h.store.Corrupt(record.Chunks[1].RemoteChunkID, func(blob []byte) { copy(blob, first) })

	err := h.engine.Download(context.Background(), record.LocalID, &bytes.Buffer{})
	if !errors.Is(err, boxerr.ErrIntegrity) {
		t.Fatalf("Download error = %v, want integrity failure", err)
	}
}

func TestDownloadOfMissingChunkIsNotFound(t *testing.T) {
	h := newHarness(t, nil)
	record := uploadComplete(t, h, randomBytes(12, 2*testChunkSize), "gone", "")
	h.store.Drop(record.Chunks[1].RemoteChunkID)

	err := h.engine.Download(context.Background(), record.LocalID, &bytes.Buffer{})
	if !errors.Is(err, boxerr.ErrNotFound) {
		t.Fatalf("Download error = %v, want not found", err)
	}
}

func TestDownloadRetriesTransientGet(t *testing.T) {
	h := newHarness(t, func(config *Config) { config.Concurrency = 1 })
	data := randomBytes(13, 100)
	record := uploadComplete(t, h, data, "f", "")

	h.store.SetHook(func(_ context.Context, op memory.Op, _ string, call int) error {
		if op == memory.OpGet && call == 1 {
			return remote.Transient("get", "", errors.New("timeout"))
		}
		return nil
	})
	results := make(chan error, 1)
	var output bytes.Buffer
	go func() { results <- h.engine.Download(context.Background(), record.LocalID, &output) }()
	h.advanceThroughRetries(1)
	if err := testutil.RequireReceive(t, results, 5*time.Second, "waiting for download"); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(output.Bytes(), data) {
		t.Fatal("downloaded bytes differ from upload")
	}
}

func TestDownloadUnknownFile(t *testing.T) {
	h := newHarness(t, nil)
	err := h.engine.Download(context.Background(), "no-such-file", &bytes.Buffer{})
	if !errors.Is(err, boxerr.ErrNotFound) {
		t.Fatalf("Download error = %v, want not found", err)
	}
}

func TestDownloadRejectsTamperedRecord(t *testing.T) {
	h := newHarness(t, nil)
	record := uploadComplete(t, h, randomBytes(14, 2*testChunkSize), "f", "")

	if _, err := h.index.Update(record.LocalID, func(record *boxindex.FileRecord) error {
		record.SizePlain++
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := h.index.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := h.engine.Download(context.Background(), record.LocalID, &bytes.Buffer{}); !errors.Is(err, boxerr.ErrIntegrity) {
		t.Fatalf("Download error = %v, want integrity failure", err)
	}
	if calls := h.store.Calls(memory.OpGet); calls != 0 {
		t.Errorf("get calls = %d, want 0 before the tag verifies", calls)
	}
}
