// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bureau-foundation/boxsync/lib/config"
	"github.com/bureau-foundation/boxsync/lib/remote"
	"github.com/bureau-foundation/boxsync/lib/remote/matrixbox"
	"github.com/bureau-foundation/boxsync/lib/remote/memory"
	"github.com/bureau-foundation/boxsync/lib/remote/s3box"
	"github.com/bureau-foundation/boxsync/lib/remote/sqlitebox"
	"github.com/bureau-foundation/boxsync/lib/secret"
)

// matrixTokenEnv supplies the Matrix access token when no token file
// is configured.
const matrixTokenEnv = "BOXSYNC_MATRIX_TOKEN"

// openBackend connects the configured remote for boxID. The returned
// function releases the backend and any credentials it holds.
func openBackend(ctx context.Context, settings config.RemoteConfig, boxID string, logger *slog.Logger) (remote.Backend, func() error, error) {
	logger = logger.With("remote", settings.Kind)

	switch settings.Kind {
	case config.RemoteMemory:
		logger.Warn("in-memory remote: blobs are lost when the process exits")
		return memory.New(), func() error { return nil }, nil

	case config.RemoteSQLite:
		backend, err := sqlitebox.Open(sqlitebox.Config{
			Path:     settings.SQLite.Path,
			Box:      boxID,
			PoolSize: settings.SQLite.PoolSize,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return backend, backend.Close, nil

	case config.RemoteMatrix:
		token, err := readCredential(settings.Matrix.TokenFile, matrixTokenEnv)
		if err != nil {
			return nil, nil, fmt.Errorf("matrix access token: %w", err)
		}
		backend, err := matrixbox.New(matrixbox.Config{
			HomeserverURL: settings.Matrix.Homeserver,
			RoomID:        settings.Matrix.RoomID,
			AccessToken:   token,
			HTTPClient:    &http.Client{},
			Logger:        logger,
		})
		if err != nil {
			token.Close()
			return nil, nil, err
		}
		return backend, token.Close, nil

	case config.RemoteS3:
		prefix := settings.S3.Prefix
		if prefix == "" {
			prefix = boxID
		}
		s3Config := s3box.Config{
			Bucket:       settings.S3.Bucket,
			Prefix:       prefix,
			Region:       settings.S3.Region,
			Endpoint:     settings.S3.Endpoint,
			UsePathStyle: settings.S3.UsePathStyle,
			AccessKeyID:  settings.S3.AccessKeyID,
			Logger:       logger,
		}
		release := func() error { return nil }
		if settings.S3.AccessKeyID != "" {
			secretKey, err := secret.ReadFromPath(settings.S3.SecretKeyFile)
			if err != nil {
				return nil, nil, fmt.Errorf("s3 secret key: %w", err)
			}
			s3Config.SecretAccessKey = secretKey
			release = secretKey.Close
		}
		backend, err := s3box.New(ctx, s3Config)
		if err != nil {
			release()
			return nil, nil, err
		}
		return backend, release, nil
	}
	return nil, nil, fmt.Errorf("unknown remote kind %q", settings.Kind)
}

// readCredential reads a secret from path, or from the environment
// variable env when path is empty.
func readCredential(path, env string) (*secret.Buffer, error) {
	if path != "" {
		return secret.ReadFromPath(path)
	}
	buffer, err := secret.FromEnv(env)
	if err != nil {
		return nil, err
	}
	if buffer == nil {
		return nil, fmt.Errorf("set a token file in the config or %s", env)
	}
	return buffer, nil
}
