// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command framework behind the boxsync
// binary.
//
// A [Command] has a name, an optional pflag set factory, nested
// subcommands, and a Run function taking a context. [Command.Execute]
// routes by the first positional word, parses flags, and prints help
// for -h, --help, or "help". Unknown commands and flags get a "did you
// mean" suggestion when one is within edit distance 3.
//
// [ExitError] carries an exit code for commands whose non-zero exit
// is a result, not a failure. [NewLogger] builds the slog logger
// commands pass down to the libraries.
package cli
