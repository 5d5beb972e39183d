// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/boxsync/cmd/boxsync/cli"
	"github.com/bureau-foundation/boxsync/lib/boxcrypto"
	"github.com/bureau-foundation/boxsync/lib/boxindex"
	"github.com/bureau-foundation/boxsync/lib/chunkcodec"
	"github.com/bureau-foundation/boxsync/lib/config"
	"github.com/bureau-foundation/boxsync/lib/keyring"
	"github.com/bureau-foundation/boxsync/lib/remote"
	"github.com/bureau-foundation/boxsync/lib/syncengine"
)

// stdout is where commands write their results. Tests replace it.
var stdout io.Writer = os.Stdout

// boxFlags are the flags every command that touches a box accepts.
type boxFlags struct {
	configPath     string
	passphraseFile string
	verbose        bool
}

func (f *boxFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "", "config file (default: $BOXSYNC_CONFIG, else built-in defaults)")
	flagSet.StringVar(&f.passphraseFile, "passphrase-file", "", "read the passphrase from this 0600 file, or - for stdin")
	flagSet.BoolVarP(&f.verbose, "verbose", "v", false, "log at debug level")
}

func newFlagSet(name string, flags *boxFlags) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.register(flagSet)
	return flagSet
}

func (f *boxFlags) load() (*config.Config, *slog.Logger, error) {
	settings, err := config.Resolve(f.configPath)
	if err != nil {
		return nil, nil, err
	}
	return settings, cli.NewLogger(f.verbose), nil
}

func (f *boxFlags) passphrasePath(settings *config.Config) string {
	if f.passphraseFile != "" {
		return f.passphraseFile
	}
	return settings.Paths.PassphraseFile
}

// session derives the master key for a box whose index header carries
// params.
func (f *boxFlags) session(settings *config.Config, params boxcrypto.KDFParams, confirm bool) (*keyring.KeyRing, error) {
	passphrase, err := readPassphrase(f.passphrasePath(settings), confirm)
	if err != nil {
		return nil, err
	}
	defer passphrase.Close()

	session, err := keyring.NewSession(passphrase.Bytes(), params)
	if err != nil {
		return nil, err
	}
	return keyring.New(session), nil
}

// openedBox is an unlocked box with its engine, ready for one command.
type openedBox struct {
	settings     *config.Config
	logger       *slog.Logger
	ring         *keyring.KeyRing
	index        *boxindex.Index
	key          *keyring.BoxKey
	backend      remote.Backend
	closeBackend func() error
	engine       *syncengine.Engine
}

// open reads the index header, asks for the passphrase, unlocks the
// box, and connects the remote.
func (f *boxFlags) open(ctx context.Context) (*openedBox, error) {
	settings, logger, err := f.load()
	if err != nil {
		return nil, err
	}
	header, err := boxindex.ReadHeader(settings.Paths.Index)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no box at %s (run 'boxsync init' first)", settings.Paths.Index)
	}
	if err != nil {
		return nil, fmt.Errorf("reading index header: %w", err)
	}

	ring, err := f.session(settings, header.KDF, false)
	if err != nil {
		return nil, err
	}
	box := &openedBox{settings: settings, logger: logger, ring: ring}

	box.index, err = boxindex.Open(settings.Paths.Index, ring, header.BoxID, boxindex.Options{Logger: logger})
	if err != nil {
		box.Close()
		return nil, fmt.Errorf("opening box: %w", err)
	}
	box.key, err = ring.UnlockBox(header.BoxID, header.Credentials)
	if err != nil {
		box.Close()
		return nil, fmt.Errorf("unlocking box: %w", err)
	}
	box.backend, box.closeBackend, err = openBackend(ctx, settings.Remote, header.BoxID, logger)
	if err != nil {
		box.Close()
		return nil, fmt.Errorf("connecting remote: %w", err)
	}
	engineConfig, err := newEngineConfig(settings.Engine)
	if err != nil {
		box.Close()
		return nil, err
	}
	engineConfig.Index = box.index
	engineConfig.Box = box.key
	engineConfig.Backend = box.backend
	engineConfig.Logger = logger
	box.engine, err = syncengine.New(engineConfig)
	if err != nil {
		box.Close()
		return nil, err
	}
	return box, nil
}

// Close releases the index lock, the remote, and every key.
func (b *openedBox) Close() error {
	var errs []error
	if b.index != nil {
		errs = append(errs, b.index.Close())
	}
	if b.closeBackend != nil {
		errs = append(errs, b.closeBackend())
	}
	errs = append(errs, b.ring.Close())
	return errors.Join(errs...)
}

// newEngineConfig maps the engine section onto syncengine.Config.
// Zero values stay zero so the engine applies its own defaults.
func newEngineConfig(settings config.EngineConfig) (syncengine.Config, error) {
	compression, err := chunkcodec.ParseCompression(settings.Compression)
	if err != nil {
		return syncengine.Config{}, err
	}
	return syncengine.Config{
		Codec:           chunkcodec.Codec{Compression: compression},
		ChunkSize:       settings.ChunkSize,
		Concurrency:     settings.Concurrency,
		MaxRetries:      settings.MaxRetries,
		BaseBackoff:     settings.BaseBackoff,
		MaxBackoff:      settings.MaxBackoff,
		CallTimeout:     settings.CallTimeout,
		BackupRetention: settings.BackupRetention,
	}, nil
}

// withBox opens the box, runs fn, and closes the box. A close failure
// is reported only when fn succeeded.
func (f *boxFlags) withBox(ctx context.Context, fn func(*openedBox) error) (err error) {
	box, err := f.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := box.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()
	return fn(box)
}
