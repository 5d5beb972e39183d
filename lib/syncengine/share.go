// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bureau-foundation/boxsync/lib/boxcrypto"
	"github.com/bureau-foundation/boxsync/lib/boxerr"
	"github.com/bureau-foundation/boxsync/lib/boxindex"
	"github.com/bureau-foundation/boxsync/lib/clock"
	"github.com/bureau-foundation/boxsync/lib/codec"
	"github.com/bureau-foundation/boxsync/lib/keyring"
	"github.com/bureau-foundation/boxsync/lib/remote"
)

// ManifestVersion is the share manifest format written by ExportShare.
const ManifestVersion = 1

const manifestADPrefix = "boxsync.manifest.v1"

// Manifest lists the files a share grants access to. It is stored on
// the remote sealed under the share's manifest key.
type Manifest struct {
	Version   int                    `cbor:"version"`
	BoxID     string                 `cbor:"box"`
	Scope     string                 `cbor:"scope"`
	CreatedAt time.Time              `cbor:"created"`
	Files     []*boxindex.FileRecord `cbor:"files"`
}

func manifestAD(boxID, scope string) []byte {
	ad := make([]byte, 0, len(manifestADPrefix)+1+len(boxID)+1+len(scope))
	ad = append(ad, manifestADPrefix...)
	ad = append(ad, 0)
	ad = append(ad, boxID...)
	ad = append(ad, 0)
	ad = append(ad, scope...)
	return ad
}

// ExportShare publishes a manifest of the Complete files in share's
// scope and returns the bundle a recipient needs to read them. The
// manifest is a point-in-time list: files uploaded later need a new
// export. The caller must Close the bundle.
//
// Obtain share with KeyRing.DeriveShare for this engine's box key.
func (e *Engine) ExportShare(ctx context.Context, share *keyring.ShareKey) (*keyring.ShareBundle, error) {
	if share.BoxID() != e.index.BoxID() {
		return nil, fmt.Errorf("share is for box %q, engine serves %q", share.BoxID(), e.index.BoxID())
	}
	scope := share.Scope()
	manifest := Manifest{
		Version:   ManifestVersion,
		BoxID:     share.BoxID(),
		Scope:     scope,
		CreatedAt: e.clock.Now(),
	}
	for _, record := range e.index.Files() {
		if record.State != boxindex.FileComplete || record.KeyScope != scope {
			continue
		}
		record.LastError = ""
		manifest.Files = append(manifest.Files, record)
	}

	plaintext, err := codec.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	manifestKey, err := share.ManifestKey()
	if err != nil {
		return nil, err
	}
	defer manifestKey.Close()
	sealer, err := boxcrypto.NewSealer(manifestKey)
	if err != nil {
		return nil, err
	}
	sealed, err := sealer.Encrypt(plaintext, manifestAD(manifest.BoxID, scope))
	if err != nil {
		return nil, fmt.Errorf("sealing manifest: %w", err)
	}
	blob := boxcrypto.MarshalSealed(sealed)

	var remoteID string
	if err := e.retry.do(ctx, "put", "", func(callCtx context.Context) error {
		id, err := e.backend.Put(callCtx, blob)
		remoteID = id
		return err
	}); err != nil {
		return nil, fmt.Errorf("publishing manifest: %w", err)
	}
	if err := e.index.PutBlob(boxindex.BlobRecord{
		RemoteID:  remoteID,
		Kind:      boxindex.BlobManifest,
		Scope:     scope,
		CreatedAt: manifest.CreatedAt,
	}); err != nil {
		return nil, err
	}
	if err := e.commit("manifest record"); err != nil {
		return nil, err
	}
	e.logger.Info("share exported",
		"scope", scope,
		"manifest_id", remoteID,
		"files", len(manifest.Files),
	)
	return share.Bundle(remoteID)
}

// RevokeShare deletes a published manifest. Recipients that already
// fetched it keep what they downloaded and, holding the scope key, can
// still read the scope's chunks while they exist.
func (e *Engine) RevokeShare(ctx context.Context, manifestID string) error {
	known := false
	for _, blob := range e.index.Blobs(boxindex.BlobManifest) {
		if blob.RemoteID == manifestID {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("manifest %s: %w", manifestID, boxerr.ErrNotFound)
	}
	err := e.retry.do(ctx, "delete", manifestID, func(callCtx context.Context) error {
		return e.backend.Delete(callCtx, manifestID)
	})
	if err != nil && !errors.Is(err, boxerr.ErrNotFound) {
		return fmt.Errorf("revoking share: %w", err)
	}
	if err := e.index.RemoveBlob(manifestID); err != nil {
		return err
	}
	return e.commit("revoked manifest")
}

// ShareConfig holds the parameters for OpenShare. Share, ManifestID,
// and Backend are required; the tuning fields default as in Config.
type ShareConfig struct {
	Share      *keyring.ShareKey
	ManifestID string
	Backend    remote.Backend

	Concurrency int
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	CallTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// ShareReader reads the files of one share. It holds only the share's
// scope key and has no index of its own.
type ShareReader struct {
	share    *keyring.ShareKey
	manifest Manifest
	files    map[string]*boxindex.FileRecord
	fetcher  *fetcher
	logger   *slog.Logger
}

// OpenShare fetches and decrypts the manifest named by config. A
// manifest sealed under another scope's key, or edited on the remote,
// fails with boxerr.ErrAuthentication.
func OpenShare(ctx context.Context, config ShareConfig) (*ShareReader, error) {
	if config.Share == nil || config.Backend == nil || config.ManifestID == "" {
		return nil, fmt.Errorf("open share: Share, ManifestID, and Backend are required")
	}
	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	shareClock := config.Clock
	if shareClock == nil {
		shareClock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("box", config.Share.BoxID(), "scope", config.Share.Scope())
	retry := newRetryPolicy(retrySettings{
		maxRetries:  config.MaxRetries,
		baseBackoff: config.BaseBackoff,
		maxBackoff:  config.MaxBackoff,
		callTimeout: config.CallTimeout,
	}, shareClock, logger)
	reader := &ShareReader{
		share: config.Share,
		files: make(map[string]*boxindex.FileRecord),
		fetcher: &fetcher{
			backend: config.Backend,
			slots:   semaphore.NewWeighted(int64(concurrency)),
			window:  concurrency,
			retry:   retry,
			logger:  logger,
		},
		logger: logger,
	}

	blob, err := reader.fetcher.get(ctx, config.ManifestID)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}
	manifest, err := openManifest(config.Share, blob)
	if err != nil {
		return nil, err
	}
	for _, record := range manifest.Files {
		if record.KeyScope != manifest.Scope {
			return nil, fmt.Errorf("%w: manifest lists file %s from scope %q", boxerr.ErrIntegrity, record.LocalID, record.KeyScope)
		}
		reader.files[record.LocalID] = record
	}
	reader.manifest = manifest
	logger.Info("share opened", "manifest_id", config.ManifestID, "files", len(manifest.Files))
	return reader, nil
}

func openManifest(share *keyring.ShareKey, blob []byte) (Manifest, error) {
	sealed, err := boxcrypto.UnmarshalSealed(blob)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: %w", err)
	}
	manifestKey, err := share.ManifestKey()
	if err != nil {
		return Manifest{}, err
	}
	defer manifestKey.Close()
	plaintext, err := boxcrypto.Open(manifestKey, sealed, manifestAD(share.BoxID(), share.Scope()))
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: %w", err)
	}

	var manifest Manifest
	if err := codec.Unmarshal(plaintext, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("%w: decoding manifest: %v", boxerr.ErrIntegrity, err)
	}
	if manifest.Version != ManifestVersion {
		return Manifest{}, fmt.Errorf("manifest version %d is not supported (expected %d)", manifest.Version, ManifestVersion)
	}
	if manifest.BoxID != share.BoxID() || manifest.Scope != share.Scope() {
		return Manifest{}, fmt.Errorf("%w: manifest is for box %q scope %q", boxerr.ErrIntegrity, manifest.BoxID, manifest.Scope)
	}
	return manifest, nil
}

// Files returns copies of the shared file records, in manifest order.
func (r *ShareReader) Files() []*boxindex.FileRecord {
	files := make([]*boxindex.FileRecord, 0, len(r.manifest.Files))
	for _, record := range r.manifest.Files {
		files = append(files, record.Clone())
	}
	return files
}

// CreatedAt returns when the manifest was exported.
func (r *ShareReader) CreatedAt() time.Time { return r.manifest.CreatedAt }

// Download writes the plaintext of shared file localID to w, with the
// same verification as Engine.Download.
func (r *ShareReader) Download(ctx context.Context, localID string, w io.Writer) error {
	record, ok := r.files[localID]
	if !ok {
		return fmt.Errorf("file %s is not in this share: %w", localID, boxerr.ErrNotFound)
	}
	if err := checkDownloadable(record); err != nil {
		return err
	}
	fileKey, err := r.share.FileKey(localID)
	if err != nil {
		return err
	}
	defer fileKey.Close()
	if err := verifyIntegrity(fileKey, record); err != nil {
		return err
	}
	if err := r.fetcher.fetch(ctx, record, fileKey, w); err != nil {
		return fmt.Errorf("downloading shared %s: %w", localID, err)
	}
	return nil
}
