// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/visionmate/device/pkg/commons"
)

const (
	playbackQueueFrames = 64
	playbackBlockSize   = 1024
)

// Speaker owns the output device. One-shot playback (PlayFile, PlayPCM) is
// serialized; the continuous stream runs independently for live calls.
type Speaker struct {
	logger commons.Logger
	hint   string

	playMu sync.Mutex // serializes one-shot playback

	mu     sync.Mutex
	out    *outStream // nil when the continuous stream is stopped
	closed bool
}

// outStream is one continuous playback session. The pull callback owns tail;
// everything else only touches queue.
type outStream struct {
	stream *portaudio.Stream
	queue  chan []float32
	tail   []float32
	rate   int
	ch     int
}

func NewSpeaker(logger commons.Logger, deviceHint string) *Speaker {
	return &Speaker{logger: logger, hint: deviceHint}
}

// ====================================================================
// continuous stream
// ====================================================================

// StreamStart opens the continuous float32 output stream. Starting an
// already-running stream with the same shape is a no-op; a different shape
// restarts it.
func (s *Speaker) StreamStart(sampleRate, channels int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("audio: speaker closed")
	}
	if s.out != nil {
		if s.out.rate == sampleRate && s.out.ch == channels {
			return nil
		}
		s.stopLocked()
	}

	dev, err := findDevice(s.hint, false)
	if err != nil {
		return err
	}

	out := &outStream{
		queue: make(chan []float32, playbackQueueFrames),
		rate:  sampleRate,
		ch:    channels,
	}
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: playbackBlockSize,
	}

	stream, err := portaudio.OpenStream(params, out.fill)
	if err != nil {
		return fmt.Errorf("audio: open output %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("audio: start output: %w", err)
	}
	out.stream = stream
	s.out = out

	s.logger.Infow("playback stream open",
		"device", dev.Name, "rate", sampleRate, "channels", channels)
	return nil
}

// fill is the portaudio pull callback: drain the tail first, then dequeue
// whole frames, push back whatever does not fit, zero-pad a shortfall.
func (o *outStream) fill(out []float32) {
	filled := 0
	for filled < len(out) {
		if len(o.tail) > 0 {
			n := copy(out[filled:], o.tail)
			o.tail = o.tail[n:]
			filled += n
			continue
		}
		select {
		case frame := <-o.queue:
			o.tail = frame
		default:
			for i := filled; i < len(out); i++ {
				out[i] = 0
			}
			return
		}
	}
}

// StreamEnqueue queues one frame for the continuous stream. When the queue
// is full the oldest frame is dropped so live audio never backs up.
func (s *Speaker) StreamEnqueue(frame []float32) {
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	if out == nil {
		return
	}
	for {
		select {
		case out.queue <- frame:
			return
		default:
			select {
			case <-out.queue:
				s.logger.Debugw("playback queue full, dropped oldest frame")
			default:
			}
		}
	}
}

// StreamStop closes the continuous stream. Idempotent.
func (s *Speaker) StreamStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Speaker) stopLocked() {
	if s.out == nil {
		return
	}
	if err := s.out.stream.Stop(); err != nil {
		s.logger.Warnw("playback stream stop failed", "error", err)
	}
	s.out.stream.Close()
	s.out = nil
}

// ====================================================================
// one-shot playback
// ====================================================================

// PlayFile decodes a WAV file, resamples it to 44.1 kHz mono, and plays it
// to completion. Blocking.
func (s *Speaker) PlayFile(path string) error {
	wav, err := ReadWAVFile(path)
	if err != nil {
		return err
	}
	pcm := wav.Samples
	if wav.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	pcm = ResampleInt16(pcm, wav.SampleRate, 44100)
	return s.PlayArray(Int16ToFloat32(pcm), 44100, 1)
}

// PlayPCM plays raw little-endian int16 mono PCM at the given rate.
func (s *Speaker) PlayPCM(b []byte, sampleRate int) error {
	return s.PlayArray(Int16ToFloat32(BytesToInt16(b)), sampleRate, 1)
}

// PlayArray plays interleaved float32 samples to completion. Blocking.
func (s *Speaker) PlayArray(samples []float32, sampleRate, channels int) error {
	if len(samples) == 0 {
		return nil
	}
	s.playMu.Lock()
	defer s.playMu.Unlock()

	dev, err := findDevice(s.hint, false)
	if err != nil {
		return err
	}

	block := make([]float32, playbackBlockSize*channels)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: playbackBlockSize,
	}
	stream, err := portaudio.OpenStream(params, block)
	if err != nil {
		return fmt.Errorf("audio: open output %q: %w", dev.Name, err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("audio: start output: %w", err)
	}
	defer stream.Stop()

	for off := 0; off < len(samples); off += len(block) {
		end := off + len(block)
		if end > len(samples) {
			end = len(samples)
		}
		n := copy(block, samples[off:end])
		for i := n; i < len(block); i++ {
			block[i] = 0
		}
		if err := stream.Write(); err != nil {
			return fmt.Errorf("audio: write output: %w", err)
		}
	}
	return nil
}

// Close stops the continuous stream and marks the speaker unusable.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stopLocked()
	return nil
}
