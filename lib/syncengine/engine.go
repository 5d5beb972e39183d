// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bureau-foundation/boxsync/lib/boxindex"
	"github.com/bureau-foundation/boxsync/lib/chunkcodec"
	"github.com/bureau-foundation/boxsync/lib/clock"
	"github.com/bureau-foundation/boxsync/lib/keyring"
	"github.com/bureau-foundation/boxsync/lib/remote"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultConcurrency     = 4
	DefaultMaxRetries      = 5
	DefaultBaseBackoff     = 500 * time.Millisecond
	DefaultMaxBackoff      = 30 * time.Second
	DefaultCallTimeout     = 2 * time.Minute
	DefaultBackupRetention = 3
)

// ErrBusy is returned when an operation is already running on the same
// file.
var ErrBusy = errors.New("another operation is running on this file")

// Source is the plaintext of a file being uploaded. *bytes.Reader and
// *io.SectionReader satisfy it; wrap an *os.File with [NewSource].
type Source interface {
	io.ReaderAt
	Size() int64
}

type sizedReaderAt struct {
	io.ReaderAt
	size int64
}

func (s sizedReaderAt) Size() int64 { return s.size }

// NewSource pairs reader with its size.
func NewSource(reader io.ReaderAt, size int64) Source {
	return sizedReaderAt{ReaderAt: reader, size: size}
}

// Config holds the collaborators and tuning of an Engine. Index, Box,
// and Backend are required; every other field has a default.
type Config struct {
	Index   *boxindex.Index
	Box     *keyring.BoxKey
	Backend remote.Backend

	// Codec selects chunk compression for new uploads. Resumed uploads
	// keep the compression recorded at upload time.
	Codec chunkcodec.Codec

	// ChunkSize is the plaintext chunk size for new uploads. Zero means
	// chunkcodec.DefaultChunkSize.
	ChunkSize int

	// Concurrency caps remote calls in flight across all files.
	Concurrency int

	// MaxRetries is how many times a transient failure is retried
	// before the chunk fails for good. Zero means DefaultMaxRetries;
	// negative disables retries.
	MaxRetries int

	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// CallTimeout bounds each remote call. A call that hits it fails
	// as transient.
	CallTimeout time.Duration

	// BackupRetention is how many remote index backups BackupIndex
	// keeps.
	BackupRetention int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Engine synchronizes one box with its remote. Safe for concurrent
// use; operations on different files run in parallel.
type Engine struct {
	index     *boxindex.Index
	box       *keyring.BoxKey
	backend   remote.Backend
	codec     chunkcodec.Codec
	chunkSize int
	retention int
	clock     clock.Clock
	logger    *slog.Logger

	slots   *semaphore.Weighted
	retry   *retryPolicy
	fetcher *fetcher

	mu      sync.Mutex
	running map[string]*operation
}

// operation is a running upload, resume, or delete of one file.
type operation struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Engine. The Engine borrows Index and Box; the caller
// closes them after the last operation returns.
func New(config Config) (*Engine, error) {
	if config.Index == nil || config.Box == nil || config.Backend == nil {
		return nil, fmt.Errorf("syncengine: Index, Box, and Backend are required")
	}
	if config.Box.BoxID() != config.Index.BoxID() {
		return nil, fmt.Errorf("syncengine: key is for box %q, index is box %q", config.Box.BoxID(), config.Index.BoxID())
	}
	chunkSize := config.ChunkSize
	if chunkSize == 0 {
		chunkSize = chunkcodec.DefaultChunkSize
	}
	if chunkSize < chunkcodec.MinChunkSize || chunkSize > chunkcodec.MaxChunkSize {
		return nil, fmt.Errorf("syncengine: chunk size %d is outside [%d, %d]", chunkSize, chunkcodec.MinChunkSize, chunkcodec.MaxChunkSize)
	}
	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	retention := config.BackupRetention
	if retention <= 0 {
		retention = DefaultBackupRetention
	}
	engineClock := config.Clock
	if engineClock == nil {
		engineClock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("box", config.Index.BoxID())

	retry := newRetryPolicy(retrySettings{
		maxRetries:  config.MaxRetries,
		baseBackoff: config.BaseBackoff,
		maxBackoff:  config.MaxBackoff,
		callTimeout: config.CallTimeout,
	}, engineClock, logger)
	slots := semaphore.NewWeighted(int64(concurrency))

	return &Engine{
		index:     config.Index,
		box:       config.Box,
		backend:   config.Backend,
		codec:     config.Codec,
		chunkSize: chunkSize,
		retention: retention,
		clock:     engineClock,
		logger:    logger,
		slots:     slots,
		retry:     retry,
		fetcher: &fetcher{
			backend: config.Backend,
			slots:   slots,
			window:  concurrency,
			retry:   retry,
			logger:  logger,
		},
		running: make(map[string]*operation),
	}, nil
}

// begin registers an operation on localID. The returned context is
// cancelled by interrupt; finish must be called when the operation
// returns.
func (e *Engine) begin(ctx context.Context, localID string) (context.Context, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.running[localID]; busy {
		return nil, nil, fmt.Errorf("file %s: %w", localID, ErrBusy)
	}
	operationCtx, cancel := context.WithCancel(ctx)
	op := &operation{cancel: cancel, done: make(chan struct{})}
	e.running[localID] = op
	finish := func() {
		cancel()
		e.mu.Lock()
		delete(e.running, localID)
		e.mu.Unlock()
		close(op.done)
	}
	return operationCtx, finish, nil
}

// interrupt cancels the operation running on localID, if any, and
// waits for it to record its progress and return.
func (e *Engine) interrupt(localID string) {
	e.mu.Lock()
	op := e.running[localID]
	e.mu.Unlock()
	if op == nil {
		return
	}
	op.cancel()
	<-op.done
}

// commit makes pending index mutations durable.
func (e *Engine) commit(what string) error {
	if _, err := e.index.Commit(); err != nil {
		return fmt.Errorf("committing %s: %w", what, err)
	}
	return nil
}
