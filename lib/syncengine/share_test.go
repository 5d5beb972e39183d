// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/bureau-foundation/boxsync/lib/boxerr"
	"github.com/bureau-foundation/boxsync/lib/boxindex"
	"github.com/bureau-foundation/boxsync/lib/chunkcodec"
	"github.com/bureau-foundation/boxsync/lib/keyring"
)

// receiveShare hands bundle to a recipient the way the CLI does: as
// encoded bytes, imported into a keyring that has no session.
func receiveShare(t *testing.T, bundle *keyring.ShareBundle) *keyring.ShareKey {
	t.Helper()
	encoded, err := keyring.MarshalBundle(bundle)
	if err != nil {
		t.Fatalf("MarshalBundle: %v", err)
	}
	received, err := keyring.UnmarshalBundle(encoded)
	if err != nil {
		t.Fatalf("UnmarshalBundle: %v", err)
	}
	defer received.Close()

	recipient := keyring.New(nil)
	t.Cleanup(func() { recipient.Close() })
	share, err := recipient.ImportShare(received)
	if err != nil {
		t.Fatalf("ImportShare: %v", err)
	}
	return share
}

func TestShareGrantsScopeOnly(t *testing.T) {
	h := newHarness(t, nil)
	folder, err := h.index.PutFolder(boxindex.FolderRecord{Name: "photos"})
	if err != nil {
		t.Fatalf("PutFolder: %v", err)
	}
	if _, err := h.index.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	beachData := randomBytes(40, 2*testChunkSize+17)
	beach := uploadComplete(t, h, beachData, "beach.jpg", folder.ID)
	uploadComplete(t, h, randomBytes(41, 100), "sunset.jpg", folder.ID)
	private := uploadComplete(t, h, randomBytes(42, 100), "diary.txt", "")

	ctx := context.Background()
	ownerShare, err := h.ring.DeriveShare(h.box, folder.ID)
	if err != nil {
		t.Fatalf("DeriveShare: %v", err)
	}
	bundle, err := h.engine.ExportShare(ctx, ownerShare)
	if err != nil {
		t.Fatalf("ExportShare: %v", err)
	}
	defer bundle.Close()
	if bundle.ManifestID == "" || bundle.Scope != folder.ID || bundle.BoxID != testBoxID {
		t.Errorf("bundle = %+v", bundle)
	}

	share := receiveShare(t, bundle)
	reader, err := OpenShare(ctx, ShareConfig{
		Share:      share,
		ManifestID: bundle.ManifestID,
		Backend:    h.store,
	})
	if err != nil {
		t.Fatalf("OpenShare: %v", err)
	}
	files := reader.Files()
	if len(files) != 2 {
		t.Fatalf("share lists %d files, want 2", len(files))
	}
	for _, file := range files {
		if file.LocalID == private.LocalID {
			t.Error("share lists a file outside its scope")
		}
	}

	var output bytes.Buffer
	if err := reader.Download(ctx, beach.LocalID, &output); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(output.Bytes(), beachData) {
		t.Fatal("shared download differs from upload")
	}
	if err := reader.Download(ctx, private.LocalID, &bytes.Buffer{}); !errors.Is(err, boxerr.ErrNotFound) {
		t.Errorf("Download outside scope = %v, want not found", err)
	}

	// Even with the private file's chunk in hand, the share's keys
	// cannot open it.
	blob, _ := h.store.Blob(private.Chunks[0].RemoteChunkID)
	guessedKey, err := share.FileKey(private.LocalID)
	if err != nil {
		t.Fatalf("FileKey: %v", err)
	}
	defer guessedKey.Close()
	_, err = chunkcodec.Codec{}.DecryptChunk(guessedKey, chunkcodec.EncryptedChunk{
		Index:       0,
		Blob:        blob,
		ContentHash: private.Chunks[0].ContentHash,
	}, private.LocalID)
	if !errors.Is(err, boxerr.ErrAuthentication) {
		t.Errorf("decrypting out-of-scope chunk = %v, want authentication failure", err)
	}

	report, err := h.engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(report.Orphans) != 0 {
		t.Errorf("manifest reported as orphan: %v", report.Orphans)
	}
}

func TestOpenShareRejectsOtherScope(t *testing.T) {
	h := newHarness(t, nil)
	folder, err := h.index.PutFolder(boxindex.FolderRecord{Name: "shared"})
	if err != nil {
		t.Fatalf("PutFolder: %v", err)
	}
	uploadComplete(t, h, randomBytes(43, 100), "a", folder.ID)

	ctx := context.Background()
	scoped, err := h.ring.DeriveShare(h.box, folder.ID)
	if err != nil {
		t.Fatalf("DeriveShare: %v", err)
	}
	bundle, err := h.engine.ExportShare(ctx, scoped)
	if err != nil {
		t.Fatalf("ExportShare: %v", err)
	}
	defer bundle.Close()

	root, err := h.ring.DeriveShare(h.box, "")
	if err != nil {
		t.Fatalf("DeriveShare: %v", err)
	}
	_, err = OpenShare(ctx, ShareConfig{Share: root, ManifestID: bundle.ManifestID, Backend: h.store})
	if !errors.Is(err, boxerr.ErrAuthentication) {
		t.Fatalf("OpenShare with another scope = %v, want authentication failure", err)
	}
}

func TestRevokeShareDeletesManifest(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	share, err := h.ring.DeriveShare(h.box, "")
	if err != nil {
		t.Fatalf("DeriveShare: %v", err)
	}
	bundle, err := h.engine.ExportShare(ctx, share)
	if err != nil {
		t.Fatalf("ExportShare: %v", err)
	}
	defer bundle.Close()

	if err := h.engine.RevokeShare(ctx, bundle.ManifestID); err != nil {
		t.Fatalf("RevokeShare: %v", err)
	}
	if _, ok := h.store.Blob(bundle.ManifestID); ok {
		t.Error("manifest still on the remote")
	}
	if blobs := h.index.Blobs(boxindex.BlobManifest); len(blobs) != 0 {
		t.Errorf("manifest records = %v, want none", blobs)
	}
	_, err = OpenShare(ctx, ShareConfig{Share: share, ManifestID: bundle.ManifestID, Backend: h.store})
	if !errors.Is(err, boxerr.ErrNotFound) {
		t.Errorf("OpenShare after revoke = %v, want not found", err)
	}
	if err := h.engine.RevokeShare(ctx, bundle.ManifestID); !errors.Is(err, boxerr.ErrNotFound) {
		t.Errorf("second RevokeShare = %v, want not found", err)
	}
}

func TestExportShareRejectsForeignBox(t *testing.T) {
	h := newHarness(t, nil)
	other := newRing(t)
	otherBox, _, err := other.NewBoxCredentials("someone-else")
	if err != nil {
		t.Fatalf("NewBoxCredentials: %v", err)
	}
	share, err := other.DeriveShare(otherBox, "")
	if err != nil {
		t.Fatalf("DeriveShare: %v", err)
	}
	if _, err := h.engine.ExportShare(context.Background(), share); err == nil {
		t.Fatal("ExportShare accepted a share of another box")
	}
}
