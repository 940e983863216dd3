// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionmate/device/pkg/commons"
)

func newTestLogger() commons.Logger {
	l, _ := commons.NewApplicationLogger()
	return l
}

func TestTeardownReverseOrder(t *testing.T) {
	r := New(newTestLogger())

	var order []string
	closerFor := func(name string) Closer {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	require.NoError(t, r.Register("broker", struct{}{}, closerFor("broker")))
	require.NoError(t, r.Register("camera", struct{}{}, closerFor("camera")))
	require.NoError(t, r.Register("voice", struct{}{}, closerFor("voice")))

	require.NoError(t, r.Teardown(context.Background()))
	assert.Equal(t, []string{"voice", "camera", "broker"}, order)
}

func TestTeardownBoundsHungCloser(t *testing.T) {
	r := New(newTestLogger())

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, r.Register("hung", struct{}{}, func(ctx context.Context) error {
		<-block
		return nil
	}))

	var closed bool
	require.NoError(t, r.Register("tail", struct{}{}, func(context.Context) error {
		closed = true
		return nil
	}))

	start := time.Now()
	err := r.Teardown(context.Background())
	assert.Error(t, err)
	assert.True(t, closed, "remaining subsystems should still close")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestTeardownIdempotent(t *testing.T) {
	r := New(newTestLogger())

	var calls int
	require.NoError(t, r.Register("once", struct{}{}, func(context.Context) error {
		calls++
		return nil
	}))

	require.NoError(t, r.Teardown(context.Background()))
	require.NoError(t, r.Teardown(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestLookupAndGet(t *testing.T) {
	r := New(newTestLogger())

	type fakeCamera struct{ id int }
	cam := &fakeCamera{id: 7}
	require.NoError(t, r.Register("camera", cam, nil))

	h, ok := r.Lookup("camera")
	require.True(t, ok)
	assert.Same(t, cam, h)

	typed, ok := Get[*fakeCamera](r, "camera")
	require.True(t, ok)
	assert.Equal(t, 7, typed.id)

	_, ok = Get[string](r, "camera")
	assert.False(t, ok)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestRegisterDuplicate(t *testing.T) {
	r := New(newTestLogger())
	require.NoError(t, r.Register("gps", struct{}{}, nil))
	assert.Error(t, r.Register("gps", struct{}{}, nil))
}
