// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

// Package audio owns the portaudio devices: blocking mic capture, the
// continuous playback stream, one-shot playback, and the PCM helpers the
// rest of the runtime shares.
package audio

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/visionmate/device/pkg/commons"
)

const (
	openRetries    = 3
	openRetryDelay = 500 * time.Millisecond
)

var initOnce sync.Once

// Initialize sets up the portaudio host once per process.
func Initialize() error {
	var err error
	initOnce.Do(func() { err = portaudio.Initialize() })
	return err
}

// Terminate releases the portaudio host.
func Terminate() error {
	return portaudio.Terminate()
}

// findDevice returns the first device whose name contains hint, preferring
// it over the host default. Empty hint or no match falls back to the default
// device for the direction.
func findDevice(hint string, wantInput bool) (*portaudio.DeviceInfo, error) {
	if hint != "" {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, fmt.Errorf("audio: list devices: %w", err)
		}
		needle := strings.ToLower(hint)
		for _, dev := range devices {
			if !strings.Contains(strings.ToLower(dev.Name), needle) {
				continue
			}
			if wantInput && dev.MaxInputChannels > 0 {
				return dev, nil
			}
			if !wantInput && dev.MaxOutputChannels > 0 {
				return dev, nil
			}
		}
	}
	if wantInput {
		return portaudio.DefaultInputDevice()
	}
	return portaudio.DefaultOutputDevice()
}

// CaptureOptions configures a blocking mic stream.
type CaptureOptions struct {
	SampleRate  int
	FrameSize   int // samples per Read
	DeviceIndex int // explicit device index; -1 selects by hint
	DeviceHint  string
}

// Capture is a blocking int16 mono capture stream.
type Capture struct {
	logger commons.Logger
	stream *portaudio.Stream
	buf    []int16

	mu     sync.Mutex
	closed bool
}

// OpenCapture opens the mic. A busy device is retried a few times since the
// previous owner may still be releasing it.
func OpenCapture(logger commons.Logger, opts CaptureOptions) (*Capture, error) {
	var dev *portaudio.DeviceInfo
	var err error
	if opts.DeviceIndex >= 0 {
		devices, derr := portaudio.Devices()
		if derr != nil {
			return nil, fmt.Errorf("audio: list devices: %w", derr)
		}
		if opts.DeviceIndex >= len(devices) {
			return nil, fmt.Errorf("audio: device index %d out of range", opts.DeviceIndex)
		}
		dev = devices[opts.DeviceIndex]
	} else {
		dev, err = findDevice(opts.DeviceHint, true)
		if err != nil {
			return nil, err
		}
	}

	buf := make([]int16, opts.FrameSize)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(opts.SampleRate),
		FramesPerBuffer: opts.FrameSize,
	}

	var stream *portaudio.Stream
	for attempt := 1; ; attempt++ {
		stream, err = portaudio.OpenStream(params, buf)
		if err == nil {
			break
		}
		if attempt >= openRetries {
			return nil, fmt.Errorf("audio: open capture %q: %w", dev.Name, err)
		}
		logger.Warnw("capture device busy, retrying",
			"device", dev.Name, "attempt", attempt, "error", err)
		time.Sleep(openRetryDelay)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("audio: start capture: %w", err)
	}

	logger.Infow("capture stream open",
		"device", dev.Name, "rate", opts.SampleRate, "frame", opts.FrameSize)
	return &Capture{logger: logger, stream: stream, buf: buf}, nil
}

// Read blocks until one frame of samples is available and returns a copy.
func (c *Capture) Read() ([]int16, error) {
	if err := c.stream.Read(); err != nil {
		return nil, err
	}
	out := make([]int16, len(c.buf))
	copy(out, c.buf)
	return out, nil
}

// Close stops and releases the stream. Safe to call more than once.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.stream.Stop(); err != nil {
		c.logger.Warnw("capture stop failed", "error", err)
	}
	return c.stream.Close()
}
