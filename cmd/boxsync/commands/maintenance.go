// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/boxsync/cmd/boxsync/cli"
	"github.com/bureau-foundation/boxsync/lib/boxindex"
	"github.com/bureau-foundation/boxsync/lib/keyring"
	"github.com/bureau-foundation/boxsync/lib/syncengine"
)

func reconcileCommand() *cli.Command {
	var flags boxFlags
	return &cli.Command{
		Name:    "reconcile",
		Summary: "Compare the index with the remote",
		Description: `List the remote and compare it with the index. Reports orphan blobs
(on the remote, unknown to the index), corrupted files (Complete but
missing chunks remotely, now marked Corrupted), and confirmed chunks of
unfinished uploads that have disappeared.

Nothing is deleted. Exits 1 when the report is not clean.`,
		Usage: "boxsync reconcile [flags]",
		Flags: func() *pflag.FlagSet {
			return newFlagSet("reconcile", &flags)
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("reconcile takes no arguments")
			}
			return flags.withBox(ctx, func(box *openedBox) error {
				report, err := box.engine.Reconcile(ctx)
				if err != nil {
					return err
				}
				printReport(report)
				if !report.Clean() {
					return &cli.ExitError{Code: 1}
				}
				return nil
			})
		},
	}
}

func printReport(report *syncengine.Report) {
	for _, id := range report.Orphans {
		fmt.Fprintf(stdout, "orphan\t%s\n", id)
	}
	for _, localID := range report.Corrupted {
		fmt.Fprintf(stdout, "corrupted\t%s\n", localID)
	}
	for _, missing := range report.Missing {
		fmt.Fprintf(stdout, "missing\t%s\tchunk %d\t%s\n", missing.LocalID, missing.Index, missing.RemoteID)
	}
	for _, id := range report.MissingBlobs {
		fmt.Fprintf(stdout, "missing-blob\t%s\n", id)
	}
	if report.Clean() {
		fmt.Fprintln(stdout, "clean")
	}
}

func cleanupCommand() *cli.Command {
	var flags boxFlags
	return &cli.Command{
		Name:    "cleanup",
		Summary: "Finish deletes left tombstoned",
		Description: `Delete the remote chunks of every tombstoned file and remove the
files from the index. Run after a delete that could not reach the
remote.`,
		Usage: "boxsync cleanup [flags]",
		Flags: func() *pflag.FlagSet {
			return newFlagSet("cleanup", &flags)
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("cleanup takes no arguments")
			}
			return flags.withBox(ctx, func(box *openedBox) error {
				purged, err := box.engine.CleanupTombstones(ctx)
				fmt.Fprintf(stdout, "purged %d\n", purged)
				return err
			})
		},
	}
}

func backupCommand() *cli.Command {
	var flags boxFlags
	return &cli.Command{
		Name:    "backup",
		Summary: "Push the encrypted index to the remote",
		Description: `Upload the committed index, still encrypted under the box key, as a
backup blob. Older backups beyond engine.backup_retention are deleted.
'boxsync restore' rebuilds a lost index from the newest backup.`,
		Usage: "boxsync backup [flags]",
		Flags: func() *pflag.FlagSet {
			return newFlagSet("backup", &flags)
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("backup takes no arguments")
			}
			return flags.withBox(ctx, func(box *openedBox) error {
				remoteID, err := box.engine.BackupIndex(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(stdout, remoteID)
				return nil
			})
		},
	}
}

func restoreCommand() *cli.Command {
	var flags boxFlags
	var boxID string
	return &cli.Command{
		Name:    "restore",
		Summary: "Rebuild a lost index from a remote backup",
		Description: `Fetch the remote's blobs, find index backups, and install the newest
one that the passphrase unlocks at paths.index. Every blob is read, so
on a large box this is slow.

With a sqlite remote, --box-id is required because the mirror is
partitioned by box.`,
		Usage: "boxsync restore [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("restore", &flags)
			flagSet.StringVar(&boxID, "box-id", "", "only consider backups of this box")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("restore takes no arguments")
			}
			settings, logger, err := flags.load()
			if err != nil {
				return err
			}
			if _, err := os.Stat(settings.Paths.Index); err == nil {
				return fmt.Errorf("an index already exists at %s; move it away first", settings.Paths.Index)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := settings.EnsurePaths(); err != nil {
				return err
			}

			backend, closeBackend, err := openBackend(ctx, settings.Remote, boxID, logger)
			if err != nil {
				return fmt.Errorf("connecting remote: %w", err)
			}
			defer closeBackend()

			var ring *keyring.KeyRing
			defer func() {
				if ring != nil {
					ring.Close()
				}
			}()
			index, err := syncengine.RecoverIndex(ctx, syncengine.RecoverConfig{
				Backend:     backend,
				Path:        settings.Paths.Index,
				BoxID:       boxID,
				MaxRetries:  settings.Engine.MaxRetries,
				BaseBackoff: settings.Engine.BaseBackoff,
				MaxBackoff:  settings.Engine.MaxBackoff,
				CallTimeout: settings.Engine.CallTimeout,
				Logger:      logger,
				Unlock: func(header boxindex.Header) (*keyring.KeyRing, error) {
					unlocked, err := flags.session(settings, header.KDF, false)
					ring = unlocked
					return unlocked, err
				},
			})
			if err != nil {
				return err
			}
			header := index.Header()
			if err := index.Close(); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s\tversion %d\n", header.BoxID, header.SnapshotVersion)
			return nil
		},
	}
}
