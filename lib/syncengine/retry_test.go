// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/boxsync/lib/boxerr"
	"github.com/bureau-foundation/boxsync/lib/clock"
	"github.com/bureau-foundation/boxsync/lib/remote"
)

func TestBackoffCeiling(t *testing.T) {
	policy := newRetryPolicy(retrySettings{
		baseBackoff: time.Second,
		maxBackoff:  8 * time.Second,
	}, clock.Fake(epoch), slog.New(slog.DiscardHandler))

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 8 * time.Second},
		{62, 8 * time.Second},
	}
	for _, test := range tests {
		if got := policy.ceiling(test.retry); got != test.want {
			t.Errorf("ceiling(%d) = %v, want %v", test.retry, got, test.want)
		}
	}
}

func TestFullJitterStaysInRange(t *testing.T) {
	for range 1000 {
		if got := fullJitter(time.Second); got < 0 || got > time.Second {
			t.Fatalf("fullJitter(1s) = %v", got)
		}
	}
	if got := fullJitter(0); got != 0 {
		t.Errorf("fullJitter(0) = %v", got)
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	policy := newRetryPolicy(retrySettings{}, clock.Fake(epoch), slog.New(slog.DiscardHandler))
	if policy.maxRetries != DefaultMaxRetries ||
		policy.baseBackoff != DefaultBaseBackoff ||
		policy.maxBackoff != DefaultMaxBackoff ||
		policy.callTimeout != DefaultCallTimeout {
		t.Errorf("defaults = %+v", policy)
	}
	disabled := newRetryPolicy(retrySettings{maxRetries: -1}, clock.Fake(epoch), slog.New(slog.DiscardHandler))
	if disabled.maxRetries != 0 {
		t.Errorf("negative maxRetries gave %d, want 0", disabled.maxRetries)
	}
}

func TestAttemptTimeoutIsTransient(t *testing.T) {
	policy := newRetryPolicy(retrySettings{callTimeout: time.Millisecond}, clock.Fake(epoch), slog.New(slog.DiscardHandler))
	err := policy.attempt(context.Background(), "get", "blob", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, boxerr.ErrTransient) {
		t.Fatalf("timed-out call = %v, want transient", err)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	fake := clock.Fake(epoch)
	policy := newRetryPolicy(retrySettings{}, fake, slog.New(slog.DiscardHandler))
	calls := 0
	err := policy.do(context.Background(), "delete", "blob", func(context.Context) error {
		calls++
		return remote.Permanent("delete", "blob", errors.New("forbidden"))
	})
	if !errors.Is(err, boxerr.ErrPermanent) || calls != 1 {
		t.Errorf("do = %v after %d calls, want permanent after 1", err, calls)
	}
	if len(fake.Requested()) != 0 {
		t.Errorf("waited %v before a permanent error", fake.Requested())
	}
}

func TestDoGivesUpWhenContextEnds(t *testing.T) {
	policy := newRetryPolicy(retrySettings{}, clock.Fake(epoch), slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := policy.do(ctx, "get", "blob", func(context.Context) error {
		calls++
		cancel()
		return remote.Transient("get", "blob", errors.New("reset"))
	})
	if !errors.Is(err, boxerr.ErrTransient) || calls != 1 {
		t.Errorf("do = %v after %d calls, want the transient error after 1", err, calls)
	}
}
