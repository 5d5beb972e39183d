// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"crypto/subtle"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/boxsync/lib/secret"
)

// passphraseEnv is read when no passphrase file is configured. It is
// unset as soon as it is read.
const passphraseEnv = "BOXSYNC_PASSPHRASE"

// readPassphrase returns the box passphrase from, in order: the file
// at path, BOXSYNC_PASSPHRASE, or an interactive prompt. confirm asks
// twice, for box creation.
func readPassphrase(path string, confirm bool) (*secret.Buffer, error) {
	if path != "" {
		return secret.ReadFromPath(path)
	}
	if buffer, err := secret.FromEnv(passphraseEnv); buffer != nil || err != nil {
		return buffer, err
	}

	stdin := int(os.Stdin.Fd())
	if !term.IsTerminal(stdin) {
		return nil, fmt.Errorf("no terminal for the passphrase prompt (use --passphrase-file or %s)", passphraseEnv)
	}

	first, err := prompt(stdin, "Passphrase: ")
	if err != nil {
		return nil, err
	}
	if confirm {
		second, err := prompt(stdin, "Confirm passphrase: ")
		if err != nil {
			secret.Zero(first)
			return nil, err
		}
		match := subtle.ConstantTimeCompare(first, second) == 1
		secret.Zero(second)
		if !match {
			secret.Zero(first)
			return nil, fmt.Errorf("passphrases do not match")
		}
	}
	if len(first) == 0 {
		return nil, fmt.Errorf("passphrase is empty")
	}
	return secret.NewFromBytes(first)
}

func prompt(fd int, label string) ([]byte, error) {
	fmt.Fprint(os.Stderr, label)
	value, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return value, nil
}
