// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/boxsync/cmd/boxsync/cli"
	"github.com/bureau-foundation/boxsync/lib/config"
	"github.com/bureau-foundation/boxsync/lib/keyring"
	"github.com/bureau-foundation/boxsync/lib/remote"
	"github.com/bureau-foundation/boxsync/lib/sealed"
	"github.com/bureau-foundation/boxsync/lib/secret"
	"github.com/bureau-foundation/boxsync/lib/syncengine"
)

// ageArmorHeader starts a sealed bundle; anything else is read as a
// base64 plain bundle.
var ageArmorHeader = []byte("-----BEGIN AGE ENCRYPTED FILE-----")

func shareCommand() *cli.Command {
	return &cli.Command{
		Name:    "share",
		Summary: "Share a folder's files read-only",
		Description: `Share the files of one folder. The sender exports a bundle holding
the folder's scope key and the id of an encrypted manifest on the
remote; the recipient fetches with the bundle alone, without the box
passphrase. Shares are revoked by deleting the manifest, which stops
new fetches but cannot take back a key already handed out.`,
		Subcommands: []*cli.Command{
			shareExportCommand(),
			shareRevokeCommand(),
			shareFetchCommand(),
		},
	}
}

func shareExportCommand() *cli.Command {
	var flags boxFlags
	var recipients []string
	var output string
	return &cli.Command{
		Name:    "export",
		Summary: "Publish a manifest for a folder and write its share bundle",
		Usage:   "boxsync share export [flags] <folder-id | />",
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("share export", &flags)
			flagSet.StringArrayVarP(&recipients, "recipient", "r", nil, "seal the bundle to this age public key (repeatable)")
			flagSet.StringVarP(&output, "output", "o", "", "write the bundle to this file instead of stdout")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Share a folder with the holder of an age key",
				Command:     "boxsync share export -r age1qyq... -o photos.share 6f1c...",
			},
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: boxsync share export [flags] <folder-id | />")
			}
			scope := args[0]
			if scope == "/" {
				scope = ""
			}
			for _, recipient := range recipients {
				if err := sealed.ParseRecipient(recipient); err != nil {
					return err
				}
			}
			return flags.withBox(ctx, func(box *openedBox) error {
				share, err := box.ring.DeriveShare(box.key, scope)
				if err != nil {
					return err
				}
				bundle, err := box.engine.ExportShare(ctx, share)
				if err != nil {
					return err
				}
				defer bundle.Close()

				encoded, err := encodeBundle(bundle, recipients)
				if err != nil {
					return err
				}
				box.logger.Info("share exported", "scope", bundle.Scope, "manifest_id", bundle.ManifestID, "sealed", len(recipients) > 0)
				return writeOutput(output, encoded)
			})
		},
	}
}

func encodeBundle(bundle *keyring.ShareBundle, recipients []string) ([]byte, error) {
	if len(recipients) > 0 {
		return keyring.SealBundle(bundle, recipients...)
	}
	data, err := keyring.MarshalBundle(bundle)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(data)
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(data)), base64.StdEncoding.EncodedLen(len(data))+1)
	base64.StdEncoding.Encode(encoded, data)
	return append(encoded, '\n'), nil
}

// decodeBundle reads either form encodeBundle writes. identityPath is
// only read for a sealed bundle.
func decodeBundle(data []byte, identityPath string) (*keyring.ShareBundle, error) {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, ageArmorHeader) {
		identity, err := sealed.ReadIdentityFile(identityPath)
		if err != nil {
			return nil, fmt.Errorf("reading identity: %w", err)
		}
		defer identity.Close()
		return keyring.OpenSealedBundle(trimmed, identity)
	}
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(trimmed)))
	n, err := base64.StdEncoding.Decode(decoded, trimmed)
	if err != nil {
		secret.Zero(decoded)
		return nil, fmt.Errorf("share bundle is neither age-sealed nor base64: %w", err)
	}
	return keyring.UnmarshalBundle(decoded[:n])
}

func writeOutput(path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func shareRevokeCommand() *cli.Command {
	var flags boxFlags
	return &cli.Command{
		Name:    "revoke",
		Summary: "Delete a share's manifest from the remote",
		Usage:   "boxsync share revoke [flags] <manifest-id>",
		Flags: func() *pflag.FlagSet {
			return newFlagSet("share revoke", &flags)
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: boxsync share revoke [flags] <manifest-id>")
			}
			return flags.withBox(ctx, func(box *openedBox) error {
				return box.engine.RevokeShare(ctx, args[0])
			})
		},
	}
}

func shareFetchCommand() *cli.Command {
	var flags boxFlags
	var identity, output string
	return &cli.Command{
		Name:    "fetch",
		Summary: "List or download the files of a received share",
		Description: `Open a share bundle and read its manifest from the remote. Without a
local id, list the shared files; with one, download that file. The
remote section of the config must point at the sender's remote.`,
		Usage: "boxsync share fetch [flags] <bundle-file> [local-id]",
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("share fetch", &flags)
			flagSet.StringVar(&identity, "identity", "", "age identity for sealed bundles (default: paths.identity)")
			flagSet.StringVarP(&output, "output", "o", "", "output path, or - for stdout (default: the display name)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) < 1 || len(args) > 2 {
				return fmt.Errorf("usage: boxsync share fetch [flags] <bundle-file> [local-id]")
			}
			settings, logger, err := flags.load()
			if err != nil {
				return err
			}
			if identity == "" {
				identity = settings.Paths.Identity
			}
			data, err := readBundleFile(args[0])
			if err != nil {
				return err
			}
			bundle, err := decodeBundle(data, identity)
			if err != nil {
				return err
			}
			defer bundle.Close()

			ring := keyring.New(nil)
			defer ring.Close()
			share, err := ring.ImportShare(bundle)
			if err != nil {
				return err
			}

			backend, closeBackend, err := openBackend(ctx, settings.Remote, bundle.BoxID, logger)
			if err != nil {
				return fmt.Errorf("connecting remote: %w", err)
			}
			defer closeBackend()

			reader, err := syncengine.OpenShare(ctx, shareConfig(settings.Engine, share, bundle.ManifestID, backend, logger))
			if err != nil {
				return err
			}
			if len(args) == 1 {
				return listShare(reader)
			}
			return downloadShared(ctx, reader, args[1], output)
		},
	}
}

func readBundleFile(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func shareConfig(settings config.EngineConfig, share *keyring.ShareKey, manifestID string, backend remote.Backend, logger *slog.Logger) syncengine.ShareConfig {
	return syncengine.ShareConfig{
		Share:       share,
		ManifestID:  manifestID,
		Backend:     backend,
		Concurrency: settings.Concurrency,
		MaxRetries:  settings.MaxRetries,
		BaseBackoff: settings.BaseBackoff,
		MaxBackoff:  settings.MaxBackoff,
		CallTimeout: settings.CallTimeout,
		Logger:      logger,
	}
}

func listShare(reader *syncengine.ShareReader) error {
	tw := tabwriter.NewWriter(stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSIZE\tNAME")
	for _, record := range reader.Files() {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", record.LocalID, record.SizePlain, record.DisplayName)
	}
	return tw.Flush()
}

func downloadShared(ctx context.Context, reader *syncengine.ShareReader, localID, output string) error {
	if output == "-" {
		return reader.Download(ctx, localID, stdout)
	}
	path := output
	if path == "" {
		for _, record := range reader.Files() {
			if record.LocalID == localID {
				path = filepath.Base(record.DisplayName)
			}
		}
		if path == "" {
			return fmt.Errorf("file %s is not in this share", localID)
		}
	}
	return writeVerified(path, func(w io.Writer) error {
		return reader.Download(ctx, localID, w)
	})
}
