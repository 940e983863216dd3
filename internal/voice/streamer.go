// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package voice

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/visionmate/device/internal/audio"
	"github.com/visionmate/device/internal/broker"
	"github.com/visionmate/device/pkg/commons"
)

// chunkBytes is the fixed utterance upload chunk size.
const chunkBytes = 8192

// Chunk is one outbound utterance fragment.
type Chunk struct {
	DeviceID    string `json:"deviceId"`
	StreamID    string `json:"streamId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	IsLast      bool   `json:"isLast"`
	Timestamp   int64  `json:"timestamp"`
	Format      string `json:"format"`
	SampleRate  int    `json:"sampleRate"`
	Data        string `json:"data"`
}

// BuildChunks splits an utterance into fixed-size base64 chunks in index
// order. The final chunk carries isLast.
func BuildChunks(deviceID, streamID string, pcm []byte, sampleRate int, ts int64) []Chunk {
	total := (len(pcm) + chunkBytes - 1) / chunkBytes
	if total == 0 {
		return nil
	}
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkBytes
		end := start + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		chunks = append(chunks, Chunk{
			DeviceID:    deviceID,
			StreamID:    streamID,
			ChunkIndex:  i,
			TotalChunks: total,
			IsLast:      i == total-1,
			Timestamp:   ts,
			Format:      "pcm16le",
			SampleRate:  sampleRate,
			Data:        base64.StdEncoding.EncodeToString(pcm[start:end]),
		})
	}
	return chunks
}

// frameReader is the capture surface the pipeline pulls from.
type frameReader interface {
	Read() ([]int16, error)
	Close() error
}

// PipelineOptions configures the voice pipeline.
type PipelineOptions struct {
	DeviceID   string
	SampleRate int
	ChunkMS    int
	Endpoint   EndpointOptions
	// OpenCapture opens the mic; nil uses the portaudio capture device.
	OpenCapture func() (frameReader, error)
	// Chime, when set, is played before an utterance uploads.
	Chime func()
	// DumpDir, when set, receives a debug WAV per utterance.
	DumpDir string
	// Clock is injectable for testing; defaults to time.Now.
	Clock func() time.Time
}

// Pipeline is the voice activity pipeline (mic → endpointer → broker).
// Pause and Resume are its only external controls; the call coordinator is
// the sole caller of both.
type Pipeline struct {
	logger commons.Logger
	pub    broker.Publisher
	topics broker.Topics
	opts   PipelineOptions
	clock  func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewPipeline(logger commons.Logger, pub broker.Publisher, topics broker.Topics, opts PipelineOptions) *Pipeline {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Pipeline{
		logger: logger,
		pub:    pub,
		topics: topics,
		opts:   opts,
		clock:  clock,
	}
}

// Start opens the mic and begins endpointing. No-op when already running.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	open := p.opts.OpenCapture
	if open == nil {
		open = p.defaultCapture
	}
	src, err := open()
	if err != nil {
		return fmt.Errorf("voice: open capture: %w", err)
	}

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.running = true
	go p.run(src, p.stopCh, p.doneCh)
	p.logger.Infow("voice pipeline listening",
		"rate", p.opts.SampleRate, "chunkMs", p.opts.ChunkMS)
	return nil
}

func (p *Pipeline) defaultCapture() (frameReader, error) {
	frame := p.opts.SampleRate * p.opts.ChunkMS / 1000
	return audio.OpenCapture(p.logger, audio.CaptureOptions{
		SampleRate:  p.opts.SampleRate,
		FrameSize:   frame,
		DeviceIndex: -1,
		DeviceHint:  "USB Audio Device",
	})
}

// Pause stops the capture loop, closes the mic, and joins the loop before
// returning. The mic is fully released when Pause returns. Idempotent.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()

	<-done
	p.logger.Infow("voice pipeline paused")
}

// Resume restarts listening after a Pause.
func (p *Pipeline) Resume() error { return p.Start() }

// Close releases the pipeline. Same effect as Pause.
func (p *Pipeline) Close() error {
	p.Pause()
	return nil
}

func (p *Pipeline) run(src frameReader, stopCh chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)
	defer src.Close()

	ep := NewEndpointer(p.opts.Endpoint)
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		chunk, err := src.Read()
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
			}
			p.logger.Warnw("capture read failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		res := ep.Process(chunk, p.clock())
		switch res.Event {
		case EventSpeechStart:
			p.logger.Debugw("speech started", "rms", res.RMS)
		case EventDiscarded:
			p.logger.Debugw("utterance below minimum, discarded",
				"duration", res.Duration)
		case EventUtterance:
			p.emit(res.Audio, res.Duration)
		}
	}
}

// emit uploads one utterance as QoS 1 chunks in index order.
func (p *Pipeline) emit(utterance []int16, duration time.Duration) {
	if p.opts.Chime != nil {
		p.opts.Chime()
	}

	now := p.clock()
	streamID := fmt.Sprintf("voice_%d", now.UnixMilli())
	pcm := audio.Int16ToBytes(utterance)
	chunks := BuildChunks(p.opts.DeviceID, streamID, pcm, p.opts.SampleRate, now.UnixMilli())

	p.logger.Infow("uploading utterance",
		"streamId", streamID, "duration", duration, "chunks", len(chunks))
	for _, c := range chunks {
		if err := p.pub.Publish(p.topics.STT, c, 1, false); err != nil {
			p.logger.Errorw("utterance chunk publish failed",
				"streamId", streamID, "chunkIndex", c.ChunkIndex, "error", err)
			return
		}
	}

	if p.opts.DumpDir != "" {
		p.dump(streamID, utterance)
	}
}

func (p *Pipeline) dump(streamID string, utterance []int16) {
	if err := os.MkdirAll(p.opts.DumpDir, 0o755); err != nil {
		p.logger.Warnw("debug dump dir failed", "error", err)
		return
	}
	path := filepath.Join(p.opts.DumpDir, streamID+".wav")
	if err := audio.WriteWAVFile(path, utterance, p.opts.SampleRate, 1); err != nil {
		p.logger.Warnw("debug dump failed", "path", path, "error", err)
	}
}
