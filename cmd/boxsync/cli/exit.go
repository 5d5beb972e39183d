// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// ExitError ends the process with Code and no extra message. Commands
// return it when a non-zero exit is an answer rather than a failure,
// such as reconcile finding drift.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode is checked by main to skip the "error:" line.
func (e *ExitError) ExitCode() int {
	return e.Code
}
