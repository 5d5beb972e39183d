// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory is an in-process [remote.Backend] for tests. Blobs
// live in a map; every call can be intercepted by a hook that injects
// failures, observes ordering, or cancels the caller mid-operation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bureau-foundation/boxsync/lib/remote"
)

// Op names a Backend operation for hooks and call counters.
type Op string

const (
	OpPut    Op = "put"
	OpGet    Op = "get"
	OpList   Op = "list"
	OpDelete Op = "delete"
)

// Hook runs before every call with the operation, the blob id (empty
// for put and list), and the 1-based count of calls to that operation
// so far. A non-nil return is returned to the caller in place of the
// call; hooks classify their own errors with remote.Transient,
// remote.Permanent, or remote.NotFound. The hook runs without the
// store's lock held, so it may call back into the store.
type Hook func(ctx context.Context, op Op, id string, call int) error

// Store is a goroutine-safe in-memory Backend.
type Store struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	nextID uint64
	calls  map[Op]int
	hook   Hook
}

var _ remote.Backend = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		blobs: make(map[string][]byte),
		calls: make(map[Op]int),
	}
}

// SetHook installs hook, replacing any previous one. nil removes it.
func (s *Store) SetHook(hook Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// Calls returns how many times op has been invoked, including calls a
// hook failed.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Len returns the number of stored blobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

// Blob returns a copy of the stored blob, bypassing hooks and counters.
func (s *Store) Blob(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), blob...), true
}

// Inject stores blob directly and returns its id, bypassing hooks and
// counters. Used to plant orphans.
func (s *Store) Inject(blob []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(blob)
}

// Drop removes a blob without going through Delete, simulating loss on
// the remote side.
func (s *Store) Drop(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[id]
	delete(s.blobs, id)
	return ok
}

// Corrupt applies mutate to the stored blob in place, simulating
// transport corruption.
func (s *Store) Corrupt(id string, mutate func([]byte)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[id]
	if ok {
		mutate(blob)
	}
	return ok
}

func (s *Store) Put(ctx context.Context, blob []byte) (string, error) {
	if err := s.before(ctx, OpPut, ""); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(blob), nil
}

func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	if err := s.before(ctx, OpGet, id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[id]
	if !ok {
		return nil, remote.NotFound(string(OpGet), id)
	}
	return append([]byte(nil), blob...), nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := s.before(ctx, OpList, ""); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.blobs))
	for id := range s.blobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.before(ctx, OpDelete, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[id]; !ok {
		return remote.NotFound(string(OpDelete), id)
	}
	delete(s.blobs, id)
	return nil
}

// before counts the call, runs the hook, and checks the context.
func (s *Store) before(ctx context.Context, op Op, id string) error {
	s.mu.Lock()
	s.calls[op]++
	call := s.calls[op]
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, op, id, call); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return remote.Classify(string(op), id, err)
	}
	return nil
}

func (s *Store) storeLocked(blob []byte) string {
	s.nextID++
	id := fmt.Sprintf("mem-%06d", s.nextID)
	s.blobs[id] = append([]byte(nil), blob...)
	return id
}
