// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package voice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loudChunk(n int) []int16 {
	c := make([]int16, n)
	for i := range c {
		if i%2 == 0 {
			c[i] = 5000
		} else {
			c[i] = -5000
		}
	}
	return c
}

func silentChunk(n int) []int16 { return make([]int16, n) }

func testOpts() EndpointOptions {
	return EndpointOptions{
		SilenceThreshold:  0.02,
		SilenceDuration:   300 * time.Millisecond,
		MinSpeechDuration: 500 * time.Millisecond,
	}
}

// feed advances the clock 100 ms per chunk, like a real 100 ms capture loop.
func feed(e *Endpointer, start time.Time, chunks [][]int16) []Result {
	results := make([]Result, 0, len(chunks))
	now := start
	for _, c := range chunks {
		now = now.Add(100 * time.Millisecond)
		results = append(results, e.Process(c, now))
	}
	return results
}

func TestEndpointerEmitsUtterance(t *testing.T) {
	e := NewEndpointer(testOpts())
	start := time.Unix(1700000000, 0)

	var chunks [][]int16
	for i := 0; i < 6; i++ {
		chunks = append(chunks, loudChunk(1600))
	}
	for i := 0; i < 4; i++ {
		chunks = append(chunks, silentChunk(1600))
	}

	results := feed(e, start, chunks)
	assert.Equal(t, EventSpeechStart, results[0].Event)

	var utterance *Result
	for i := range results {
		if results[i].Event == EventUtterance {
			utterance = &results[i]
		}
	}
	require.NotNil(t, utterance, "expected a completed utterance")
	// 6 loud + silence chunks accumulated while still inside the utterance
	assert.GreaterOrEqual(t, len(utterance.Audio), 6*1600)
	assert.GreaterOrEqual(t, utterance.Duration, 500*time.Millisecond)
	assert.False(t, e.Speaking())
}

func TestEndpointerDiscardsShortSpeech(t *testing.T) {
	e := NewEndpointer(testOpts())
	start := time.Unix(1700000000, 0)

	chunks := [][]int16{loudChunk(1600), silentChunk(1600), silentChunk(1600), silentChunk(1600)}
	results := feed(e, start, chunks)

	var sawUtterance, sawDiscard bool
	for _, r := range results {
		sawUtterance = sawUtterance || r.Event == EventUtterance
		sawDiscard = sawDiscard || r.Event == EventDiscarded
	}
	assert.False(t, sawUtterance)
	assert.True(t, sawDiscard)
}

func TestEndpointerMinimumDurationBoundary(t *testing.T) {
	// exactly the minimum is kept; only below it discards
	opts := testOpts()
	opts.SilenceDuration = 200 * time.Millisecond
	opts.MinSpeechDuration = 500 * time.Millisecond
	e := NewEndpointer(opts)
	start := time.Unix(1700000000, 0)

	// speech at t=100ms, silence from t=200ms, ends at t=400ms when the
	// silence window hits 200ms: duration 300ms < 500ms, discarded
	results := feed(e, start, [][]int16{
		loudChunk(1600), silentChunk(1600), silentChunk(1600), silentChunk(1600),
	})
	assert.Equal(t, EventDiscarded, results[3].Event)

	// three loud chunks push the end to t=600ms: duration 500ms == minimum, kept
	e = NewEndpointer(opts)
	results = feed(e, start, [][]int16{
		loudChunk(1600), loudChunk(1600), loudChunk(1600),
		silentChunk(1600), silentChunk(1600), silentChunk(1600),
	})
	assert.Equal(t, EventUtterance, results[5].Event)
	assert.Equal(t, 500*time.Millisecond, results[5].Duration)
}

func TestEndpointerSpeechResumesDuringSilenceWindow(t *testing.T) {
	e := NewEndpointer(testOpts())
	start := time.Unix(1700000000, 0)

	// silence shorter than the window, then speech again: still one utterance
	results := feed(e, start, [][]int16{
		loudChunk(1600), loudChunk(1600),
		silentChunk(1600), silentChunk(1600), // 200ms < 300ms window
		loudChunk(1600), loudChunk(1600),
		silentChunk(1600), silentChunk(1600), silentChunk(1600), silentChunk(1600),
	})

	var count int
	for _, r := range results {
		if r.Event == EventUtterance {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestEndpointerIgnoresSilenceWhileListening(t *testing.T) {
	e := NewEndpointer(testOpts())
	start := time.Unix(1700000000, 0)

	for _, r := range feed(e, start, [][]int16{silentChunk(1600), silentChunk(1600)}) {
		assert.Equal(t, EventNone, r.Event)
	}
	assert.False(t, e.Speaking())
}

func TestEndpointerReset(t *testing.T) {
	e := NewEndpointer(testOpts())
	e.Process(loudChunk(1600), time.Unix(1700000000, 0))
	require.True(t, e.Speaking())
	e.Reset()
	assert.False(t, e.Speaking())
}
