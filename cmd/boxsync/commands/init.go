// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/boxsync/cmd/boxsync/cli"
	"github.com/bureau-foundation/boxsync/lib/boxcrypto"
	"github.com/bureau-foundation/boxsync/lib/boxindex"
	"github.com/bureau-foundation/boxsync/lib/sealed"
)

func initCommand() *cli.Command {
	var flags boxFlags
	var boxID string
	return &cli.Command{
		Name:    "init",
		Summary: "Create a new box and its encrypted index",
		Description: `Create a new box: generate a KDF salt and box salt, derive the keys
from a passphrase, and write an empty encrypted index to paths.index.

The passphrase is asked for twice. It cannot be recovered; losing it
loses the box.`,
		Usage: "boxsync init [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("init", &flags)
			flagSet.StringVar(&boxID, "box-id", "", "box id (default: a random UUID)")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Create a box with the default configuration", Command: "boxsync init"},
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("init takes no arguments")
			}
			settings, logger, err := flags.load()
			if err != nil {
				return err
			}
			if _, err := os.Stat(settings.Paths.Index); err == nil {
				return fmt.Errorf("a box already exists at %s", settings.Paths.Index)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := settings.EnsurePaths(); err != nil {
				return err
			}

			salt := make([]byte, boxcrypto.MinSaltSize*2)
			if _, err := rand.Read(salt); err != nil {
				return fmt.Errorf("generating KDF salt: %w", err)
			}
			params := boxcrypto.KDFParams{
				Time:      settings.KDF.Time,
				MemoryKiB: settings.KDF.MemoryKiB,
				Threads:   settings.KDF.Threads,
				Salt:      salt,
			}
			if err := params.Validate(); err != nil {
				return err
			}
			if boxID == "" {
				boxID = uuid.NewString()
			}

			ring, err := flags.session(settings, params, true)
			if err != nil {
				return err
			}
			defer ring.Close()

			key, credentials, err := ring.NewBoxCredentials(boxID)
			if err != nil {
				return err
			}
			index, err := boxindex.Create(settings.Paths.Index, key, boxindex.Header{
				BoxID:       boxID,
				KDF:         params,
				Credentials: credentials,
			}, boxindex.Options{Logger: logger})
			if err != nil {
				return err
			}
			if err := index.Close(); err != nil {
				return err
			}

			logger.Info("box created", "box", boxID, "index", settings.Paths.Index)
			fmt.Fprintln(stdout, boxID)
			return nil
		},
	}
}

func keygenCommand() *cli.Command {
	var flags boxFlags
	var output string
	return &cli.Command{
		Name:    "keygen",
		Summary: "Generate an age identity for receiving sealed shares",
		Description: `Generate an X25519 age identity and write it with mode 0600. The
public key printed on stdout is what share senders pass to
'boxsync share export --recipient'.`,
		Usage: "boxsync keygen [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("keygen", &flags)
			flagSet.StringVarP(&output, "output", "o", "", "identity file (default: paths.identity)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("keygen takes no arguments")
			}
			settings, _, err := flags.load()
			if err != nil {
				return err
			}
			path := output
			if path == "" {
				if err := settings.EnsurePaths(); err != nil {
					return err
				}
				path = settings.Paths.Identity
			}

			keypair, err := sealed.GenerateKeypair()
			if err != nil {
				return err
			}
			defer keypair.Close()
			if err := sealed.WriteIdentityFile(path, keypair); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}
			fmt.Fprintln(stdout, keypair.Recipient)
			return nil
		},
	}
}
