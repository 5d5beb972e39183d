// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitebox

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/boxsync/lib/boxerr"
)

func openTestBackend(t *testing.T, path, box string) *Backend {
	t.Helper()
	backend, err := Open(Config{Path: path, Box: box, PoolSize: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := backend.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return backend
}

func TestRoundTrip(t *testing.T) {
	backend := openTestBackend(t, filepath.Join(t.TempDir(), "mirror.db"), "box-1")
	ctx := context.Background()

	blob := bytes.Repeat([]byte{0x00, 0xFF, 0x10}, 4096)
	id, err := backend.Put(ctx, blob)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := backend.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatal("Get returned different bytes")
	}

	if err := backend.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := backend.Delete(ctx, id); !errors.Is(err, boxerr.ErrNotFound) {
		t.Errorf("second Delete = %v, want not found", err)
	}
	if _, err := backend.Get(ctx, id); !errors.Is(err, boxerr.ErrNotFound) {
		t.Errorf("Get after Delete = %v, want not found", err)
	}
}

func TestBoxesShareFileButNotBlobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")
	first := openTestBackend(t, path, "box-1")
	second := openTestBackend(t, path, "box-2")
	ctx := context.Background()

	id, err := first.Put(ctx, []byte("one"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := second.Put(ctx, []byte("two")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ids, err := first.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("List = %v, want [%s]", ids, id)
	}
	if _, err := second.Get(ctx, id); !errors.Is(err, boxerr.ErrNotFound) {
		t.Errorf("other box Get = %v, want not found", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")
	ctx := context.Background()

	backend, err := Open(Config{Path: path, Box: "box"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := backend.Put(ctx, []byte("durable"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openTestBackend(t, path, "box")
	got, err := reopened.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != "durable" {
		t.Errorf("Get = %q", got)
	}
}

func TestOpenRequiresBox(t *testing.T) {
	if _, err := Open(Config{Path: filepath.Join(t.TempDir(), "x.db")}); err == nil {
		t.Fatal("expected error without Box")
	}
}
