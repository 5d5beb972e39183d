// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/bureau-foundation/boxsync/lib/boxerr"
	"github.com/bureau-foundation/boxsync/lib/clock"
	"github.com/bureau-foundation/boxsync/lib/remote"
)

type retrySettings struct {
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	callTimeout time.Duration
}

// retryPolicy runs remote calls with a per-call timeout and retries
// transient failures with exponential backoff and full jitter.
type retryPolicy struct {
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	callTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	// jitter picks the actual wait in [0, ceiling]. Tests replace it
	// to make the schedule deterministic.
	jitter func(ceiling time.Duration) time.Duration
}

func newRetryPolicy(settings retrySettings, retryClock clock.Clock, logger *slog.Logger) *retryPolicy {
	policy := &retryPolicy{
		maxRetries:  settings.maxRetries,
		baseBackoff: settings.baseBackoff,
		maxBackoff:  settings.maxBackoff,
		callTimeout: settings.callTimeout,
		clock:       retryClock,
		logger:      logger,
		jitter:      fullJitter,
	}
	switch {
	case policy.maxRetries == 0:
		policy.maxRetries = DefaultMaxRetries
	case policy.maxRetries < 0:
		policy.maxRetries = 0
	}
	if policy.baseBackoff <= 0 {
		policy.baseBackoff = DefaultBaseBackoff
	}
	if policy.maxBackoff <= 0 {
		policy.maxBackoff = DefaultMaxBackoff
	}
	policy.maxBackoff = max(policy.maxBackoff, policy.baseBackoff)
	if policy.callTimeout <= 0 {
		policy.callTimeout = DefaultCallTimeout
	}
	return policy
}

func fullJitter(ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

// ceiling returns min(maxBackoff, baseBackoff * 2^retry).
func (p *retryPolicy) ceiling(retry int) time.Duration {
	backoff := p.baseBackoff
	for range retry {
		if backoff >= p.maxBackoff {
			break
		}
		backoff *= 2
	}
	return min(backoff, p.maxBackoff)
}

// wait sleeps before retry number retry (zero-based), or returns
// ctx.Err() if ctx ends first.
func (p *retryPolicy) wait(ctx context.Context, retry int) error {
	delay := p.jitter(p.ceiling(retry))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(delay):
		return nil
	}
}

// attempt makes one call bounded by the call timeout and classifies
// its error.
func (p *retryPolicy) attempt(ctx context.Context, op, id string, call func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return remote.Classify(op, id, call(callCtx))
}

// do retries call until it succeeds, fails with anything other than a
// transient error, exhausts the retry budget, or ctx ends.
func (p *retryPolicy) do(ctx context.Context, op, id string, call func(context.Context) error) error {
	for retry := 0; ; retry++ {
		err := p.attempt(ctx, op, id, call)
		if err == nil || !boxerr.IsRetryable(err) || retry >= p.maxRetries || ctx.Err() != nil {
			return err
		}
		p.logger.Warn("remote call failed, retrying",
			"op", op,
			"id", id,
			"retry", retry+1,
			"error", err,
		)
		if waitErr := p.wait(ctx, retry); waitErr != nil {
			return err
		}
	}
}
