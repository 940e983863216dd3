// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

// Package voice is the always-on speech pipeline: RMS endpointing over mic
// chunks and chunked utterance upload to the broker.
package voice

import (
	"time"

	"github.com/visionmate/device/internal/audio"
)

// Event is what one processed chunk did to the endpointing state machine.
type Event int

const (
	EventNone Event = iota
	EventSpeechStart
	EventUtterance // a complete utterance is ready
	EventDiscarded // speech ended but was shorter than the minimum
)

// EndpointOptions are the utterance boundaries.
type EndpointOptions struct {
	SilenceThreshold  float64 // normalized RMS above which a chunk is speech
	SilenceDuration   time.Duration
	MinSpeechDuration time.Duration
}

// Result is the outcome of processing one chunk.
type Result struct {
	Event    Event
	Audio    []int16 // set on EventUtterance
	Duration time.Duration
	RMS      float64
}

// Endpointer is a two-state (listening/speaking) RMS utterance detector.
// Not safe for concurrent use; the capture loop is its single caller.
type Endpointer struct {
	opts EndpointOptions

	speaking     bool
	speechStart  time.Time
	silenceSince time.Time
	buf          []int16
}

func NewEndpointer(opts EndpointOptions) *Endpointer {
	return &Endpointer{opts: opts}
}

// Process advances the state machine with one capture chunk.
func (e *Endpointer) Process(chunk []int16, now time.Time) Result {
	rms := audio.RMS(audio.Int16ToFloat32(chunk))
	loud := rms > e.opts.SilenceThreshold

	if !e.speaking {
		if !loud {
			return Result{Event: EventNone, RMS: rms}
		}
		e.speaking = true
		e.speechStart = now
		e.silenceSince = time.Time{}
		e.buf = append(e.buf[:0], chunk...)
		return Result{Event: EventSpeechStart, RMS: rms}
	}

	e.buf = append(e.buf, chunk...)
	if loud {
		e.silenceSince = time.Time{}
		return Result{Event: EventNone, RMS: rms}
	}

	if e.silenceSince.IsZero() {
		e.silenceSince = now
		return Result{Event: EventNone, RMS: rms}
	}
	if now.Sub(e.silenceSince) < e.opts.SilenceDuration {
		return Result{Event: EventNone, RMS: rms}
	}

	// utterance ended
	duration := now.Sub(e.speechStart)
	utterance := make([]int16, len(e.buf))
	copy(utterance, e.buf)
	e.reset()

	if duration < e.opts.MinSpeechDuration {
		return Result{Event: EventDiscarded, Duration: duration, RMS: rms}
	}
	return Result{Event: EventUtterance, Audio: utterance, Duration: duration, RMS: rms}
}

// Speaking reports whether the detector is inside an utterance.
func (e *Endpointer) Speaking() bool { return e.speaking }

// Reset drops any partial utterance and returns to listening.
func (e *Endpointer) Reset() { e.reset() }

func (e *Endpointer) reset() {
	e.speaking = false
	e.speechStart = time.Time{}
	e.silenceSince = time.Time{}
	e.buf = e.buf[:0]
}
