// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks long-lived device subsystems and tears them down
// in reverse registration order.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/visionmate/device/pkg/commons"
)

// closeTimeout bounds each subsystem close during teardown.
const closeTimeout = 2 * time.Second

// Closer releases a subsystem. Implementations must be safe to call once.
type Closer func(ctx context.Context) error

type entry struct {
	name   string
	handle interface{}
	closer Closer
}

// Registry is a named collection of running subsystems.
type Registry struct {
	logger commons.Logger

	mu      sync.Mutex
	entries []entry
	byName  map[string]int
	torn    bool
}

func New(logger commons.Logger) *Registry {
	return &Registry{
		logger: logger,
		byName: map[string]int{},
	}
}

// Register adds a subsystem. The closer may be nil for handles that need no
// teardown. Registering a duplicate name is an error.
func (r *Registry) Register(name string, handle interface{}, closer Closer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.torn {
		return fmt.Errorf("registry: register %q after teardown", name)
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("registry: duplicate subsystem %q", name)
	}
	r.byName[name] = len(r.entries)
	r.entries = append(r.entries, entry{name: name, handle: handle, closer: closer})
	return nil
}

// Lookup returns the handle registered under name.
func (r *Registry) Lookup(name string) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.entries[i].handle, true
}

// Get returns the handle registered under name as T.
func Get[T any](r *Registry, name string) (T, bool) {
	var zero T
	h, ok := r.Lookup(name)
	if !ok {
		return zero, false
	}
	t, ok := h.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Teardown closes every subsystem in reverse registration order. Each close
// gets its own deadline so one hung subsystem cannot stall the rest. The
// first error is returned after all closers have run.
func (r *Registry) Teardown(ctx context.Context) error {
	r.mu.Lock()
	if r.torn {
		r.mu.Unlock()
		return nil
	}
	r.torn = true
	entries := r.entries
	r.mu.Unlock()

	var firstErr error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.closer == nil {
			continue
		}
		if err := r.closeOne(ctx, e); err != nil {
			if r.logger != nil {
				r.logger.Warnw("subsystem close failed", "name", e.name, "error", err)
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("close %s: %w", e.name, err)
			}
		}
	}
	return firstErr
}

func (r *Registry) closeOne(ctx context.Context, e entry) error {
	cctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.closer(cctx) }()
	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		return cctx.Err()
	}
}
