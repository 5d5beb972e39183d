// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
)

// maxPassphraseLength bounds a single passphrase line. Recovery phrases
// of 24 words fit comfortably.
const maxPassphraseLength = 4096

// ReadPassphrase reads the first line of r into a Buffer. Surrounding
// whitespace is trimmed; interior spaces are kept so multi-word
// recovery phrases survive. An empty line is an error.
func ReadPassphrase(r io.Reader) (*Buffer, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256), maxPassphraseLength)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		return nil, fmt.Errorf("passphrase is empty")
	}
	line := scanner.Bytes()
	defer Zero(line)

	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("passphrase is empty")
	}
	// NewFromBytes zeroes trimmed, the deferred Zero covers the rest.
	return NewFromBytes(trimmed)
}

// ReadFromPath reads a passphrase from a file, or from stdin when path
// is "-". The file should be mode 0600; wider permissions are refused
// so a box passphrase is never world-readable by accident.
func ReadFromPath(path string) (*Buffer, error) {
	if path == "-" {
		return ReadPassphrase(os.Stdin)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("passphrase file %s has mode %04o, want 0600 or stricter", path, info.Mode().Perm())
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadPassphrase(file)
}

// FromEnv moves the value of an environment variable into a Buffer and
// unsets the variable. Returns nil, nil when the variable is not set.
func FromEnv(name string) (*Buffer, error) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return nil, nil
	}
	os.Unsetenv(name)
	if value == "" {
		return nil, fmt.Errorf("%s is set but empty", name)
	}
	return NewFromBytes([]byte(value))
}
