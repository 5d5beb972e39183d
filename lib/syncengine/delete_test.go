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

func TestDeleteRemovesRemoteChunks(t *testing.T) {
	h := newHarness(t, nil)
	record := uploadComplete(t, h, randomBytes(30, 3*testChunkSize), "doomed", "")
	kept := uploadComplete(t, h, randomBytes(31, 100), "kept", "")

	// A chunk the remote already lost counts as deleted.
	h.store.Drop(record.Chunks[1].RemoteChunkID)

	if err := h.engine.Delete(context.Background(), record.LocalID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := h.index.Get(record.LocalID); !errors.Is(err, boxerr.ErrNotFound) {
		t.Errorf("Get after Delete = %v, want not found", err)
	}
	if h.store.Len() != 1 {
		t.Errorf("remote holds %d blobs, want only the kept file's chunk", h.store.Len())
	}
	if _, ok := h.store.Blob(kept.Chunks[0].RemoteChunkID); !ok {
		t.Error("Delete removed another file's chunk")
	}
	if err := h.engine.Delete(context.Background(), record.LocalID); !errors.Is(err, boxerr.ErrNotFound) {
		t.Errorf("second Delete = %v, want not found", err)
	}
}

func TestTombstonedDeleteResumesAfterRestart(t *testing.T) {
	h := newHarness(t, func(config *Config) { config.Concurrency = 1 })
	record := uploadComplete(t, h, randomBytes(32, 3*testChunkSize), "stubborn", "")
	blocked := record.Chunks[2].RemoteChunkID
	h.store.SetHook(func(_ context.Context, op memory.Op, id string, _ int) error {
		if op == memory.OpDelete && id == blocked {
			return remote.Permanent("delete", id, errors.New("forbidden"))
		}
		return nil
	})

	err := h.engine.Delete(context.Background(), record.LocalID)
	if !errors.Is(err, boxerr.ErrPermanent) {
		t.Fatalf("Delete error = %v, want permanent", err)
	}
	tombstoned := h.record(record.LocalID)
	if tombstoned.State != boxindex.FileTombstoned {
		t.Fatalf("state = %s, want tombstoned", tombstoned.State)
	}
	if tombstoned.Chunks[2].RemoteChunkID != blocked {
		t.Errorf("undeleted chunk lost its remote id")
	}
	var incomplete *boxerr.IncompleteFileError
	if err := h.engine.Download(context.Background(), record.LocalID, &bytes.Buffer{}); !errors.Is(err, boxerr.ErrNotFound) || errors.As(err, &incomplete) {
		t.Errorf("Download of tombstoned file = %v, want not found", err)
	}

	h.store.SetHook(nil)
	h.restart()
	removed, err := h.engine.CleanupTombstones(context.Background())
	if err != nil {
		t.Fatalf("CleanupTombstones: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := h.index.Get(record.LocalID); !errors.Is(err, boxerr.ErrNotFound) {
		t.Errorf("Get after cleanup = %v, want not found", err)
	}
	if h.store.Len() != 0 {
		t.Errorf("remote holds %d blobs, want 0", h.store.Len())
	}

	removed, err = h.engine.CleanupTombstones(context.Background())
	if err != nil || removed != 0 {
		t.Errorf("second cleanup = %d, %v", removed, err)
	}
}

func TestCancelAbandonsUnfinishedUpload(t *testing.T) {
	h := newHarness(t, func(config *Config) { config.Concurrency = 1 })
	h.store.SetHook(func(_ context.Context, op memory.Op, _ string, call int) error {
		if op == memory.OpPut && call == 2 {
			return remote.Permanent("put", "", errors.New("quota exceeded"))
		}
		return nil
	})
	record, err := h.engine.Upload(context.Background(), bytes.NewReader(randomBytes(33, 3*testChunkSize)), "abandoned", "")
	if err == nil {
		t.Fatal("Upload succeeded")
	}
	h.store.SetHook(nil)

	if err := h.engine.Cancel(context.Background(), record.LocalID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := h.index.Get(record.LocalID); !errors.Is(err, boxerr.ErrNotFound) {
		t.Errorf("Get after Cancel = %v, want not found", err)
	}
	if h.store.Len() != 0 {
		t.Errorf("remote holds %d blobs, want 0", h.store.Len())
	}

	complete := uploadComplete(t, h, randomBytes(34, 100), "finished", "")
	if err := h.engine.Cancel(context.Background(), complete.LocalID); err == nil {
		t.Error("Cancel of a complete file succeeded")
	}
}

func TestDeleteInterruptsRunningUpload(t *testing.T) {
	h := newHarness(t, func(config *Config) { config.Concurrency = 1 })
	h.store.SetHook(func(_ context.Context, op memory.Op, _ string, call int) error {
		if op == memory.OpPut && call == 2 {
			return remote.Transient("put", "", errors.New("slow down"))
		}
		return nil
	})

	results := h.uploadAsync(randomBytes(35, 3*testChunkSize), "interrupted")
	h.clock.WaitForTimers(1)

	var localID string
	for _, record := range h.index.Files() {
		localID = record.LocalID
	}
	if err := h.engine.Delete(context.Background(), localID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	result := testutil.RequireReceive(t, results, 5*time.Second, "waiting for upload")
	if !errors.Is(result.err, context.Canceled) {
		t.Errorf("Upload error = %v, want context.Canceled", result.err)
	}
	if _, err := h.index.Get(localID); !errors.Is(err, boxerr.ErrNotFound) {
		t.Errorf("Get after Delete = %v, want not found", err)
	}
	if h.store.Len() != 0 {
		t.Errorf("remote holds %d blobs, want 0", h.store.Len())
	}
}
