// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/boxsync/cmd/boxsync/cli"
	"github.com/bureau-foundation/boxsync/lib/version"
)

// Root returns the boxsync command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "boxsync",
		Description: `boxsync keeps files end-to-end encrypted on an untrusted remote.

Files are split into chunks, encrypted locally, and pushed as opaque
blobs. The only record of what the blobs mean is the encrypted index on
this machine; back it up with 'boxsync backup'.`,
		Subcommands: []*cli.Command{
			initCommand(),
			uploadCommand(),
			resumeCommand(),
			retryCommand(),
			downloadCommand(),
			listCommand(),
			mkdirCommand(),
			deleteCommand(),
			cleanupCommand(),
			reconcileCommand(),
			backupCommand(),
			restoreCommand(),
			shareCommand(),
			keygenCommand(),
			versionCommand(),
		},
	}
}

func versionCommand() *cli.Command {
	var full bool
	return &cli.Command{
		Name:    "version",
		Summary: "Print the build version",
		Usage:   "boxsync version [--full]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("version", pflag.ContinueOnError)
			flagSet.BoolVar(&full, "full", false, "include the Go toolchain and platform")
			return flagSet
		},
		Run: func(_ context.Context, args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("version takes no arguments")
			}
			build := version.Current()
			if full {
				fmt.Fprintln(stdout, build.Full())
				return nil
			}
			fmt.Fprintln(stdout, build.String())
			return nil
		},
	}
}
