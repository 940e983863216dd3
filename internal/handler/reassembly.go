// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/visionmate/device/internal/audio"
	"github.com/visionmate/device/pkg/commons"
)

const (
	streamTTL     = 15 * time.Second
	sweepInterval = time.Second
)

// AudioChunk is one inbound synthesized-speech fragment.
type AudioChunk struct {
	ServerStreamID string `json:"serverStreamId"`
	ChunkIndex     int    `json:"chunkIndex"`
	TotalChunks    int    `json:"totalChunks"`
	IsLast         bool   `json:"isLast"`
	Format         string `json:"format"`
	SampleRate     int    `json:"sampleRate"`
	Data           string `json:"data"`
}

// AudioSink receives finalized streams; the speaker satisfies it.
type AudioSink interface {
	PlayPCM(pcm []byte, sampleRate int) error
}

// stream aggregates one in-flight chunked download.
type stream struct {
	chunks     map[int][]byte
	total      int
	sampleRate int
	sawLast    bool
	firstSeen  time.Time
}

// Reassembler rebuilds chunked audio streams and hands them to playback.
// Streams finalize on isLast, on full chunk count, or after the TTL with
// whatever arrived; missing chunks are skipped in index order.
type Reassembler struct {
	logger commons.Logger
	sink   AudioSink

	// dumpDir, when set, receives a WAV per finalized stream.
	dumpDir string
	// clock is injectable for testing; defaults to time.Now.
	clock func() time.Time

	mu      sync.Mutex
	streams map[string]*stream

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// ReassemblerOptions configures the reassembler.
type ReassemblerOptions struct {
	DumpDir string
	Clock   func() time.Time
}

func NewReassembler(logger commons.Logger, sink AudioSink, opts ReassemblerOptions) *Reassembler {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	r := &Reassembler{
		logger:  logger,
		sink:    sink,
		dumpDir: opts.DumpDir,
		clock:   clock,
		streams: map[string]*stream{},
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go r.sweeper()
	return r
}

// HandleChunk consumes one /audio message.
func (r *Reassembler) HandleChunk(payload []byte) {
	var chunk AudioChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		r.logger.Warnw("malformed audio chunk, skipped", "error", err)
		return
	}
	if chunk.ServerStreamID == "" || chunk.ChunkIndex < 0 {
		r.logger.Warnw("audio chunk missing stream id or index, skipped")
		return
	}

	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		r.logger.Warnw("audio chunk base64 decode failed, skipped",
			"stream", chunk.ServerStreamID, "index", chunk.ChunkIndex, "error", err)
		return
	}

	r.mu.Lock()
	s, ok := r.streams[chunk.ServerStreamID]
	if !ok {
		s = &stream{
			chunks:    map[int][]byte{},
			firstSeen: r.clock(),
		}
		r.streams[chunk.ServerStreamID] = s
	}
	s.chunks[chunk.ChunkIndex] = data
	if chunk.TotalChunks > 0 {
		s.total = chunk.TotalChunks
	}
	if chunk.SampleRate > 0 {
		s.sampleRate = chunk.SampleRate
	}
	if chunk.IsLast {
		s.sawLast = true
	}

	complete := s.sawLast || (s.total > 0 && len(s.chunks) >= s.total)
	if !complete {
		r.mu.Unlock()
		return
	}
	delete(r.streams, chunk.ServerStreamID)
	r.mu.Unlock()

	r.finalize(chunk.ServerStreamID, s, "complete")
}

// sweeper finalizes expired streams once per second.
func (r *Reassembler) sweeper() {
	defer close(r.doneCh)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(r.clock())
		}
	}
}

// sweep finalizes every stream whose age has reached the TTL.
func (r *Reassembler) sweep(now time.Time) {
	expired := map[string]*stream{}
	r.mu.Lock()
	for id, s := range r.streams {
		if now.Sub(s.firstSeen) >= streamTTL {
			expired[id] = s
			delete(r.streams, id)
		}
	}
	r.mu.Unlock()

	for id, s := range expired {
		r.finalize(id, s, "timeout")
	}
}

// finalize concatenates received chunks in index order (gaps logged and
// skipped) and enqueues playback.
func (r *Reassembler) finalize(id string, s *stream, reason string) {
	total := s.total
	if total == 0 {
		// no declared total: play the contiguous indices that arrived
		for i := 0; ; i++ {
			if _, ok := s.chunks[i]; !ok {
				total = i
				break
			}
		}
	}

	var pcm []byte
	missing := 0
	for i := 0; i < total; i++ {
		data, ok := s.chunks[i]
		if !ok {
			missing++
			continue
		}
		pcm = append(pcm, data...)
	}
	if missing > 0 {
		r.logger.Warnw("stream finalized with gaps",
			"stream", id, "missing", missing, "total", total, "reason", reason)
	}
	if len(pcm) == 0 {
		r.logger.Warnw("stream finalized empty", "stream", id, "reason", reason)
		return
	}

	rate := s.sampleRate
	if rate == 0 {
		rate = 16000
	}

	r.logger.Infow("playing reassembled stream",
		"stream", id, "bytes", len(pcm), "rate", rate, "reason", reason)

	if r.dumpDir != "" {
		r.dump(id, pcm, rate)
	}
	if err := r.sink.PlayPCM(pcm, rate); err != nil {
		r.logger.Errorw("stream playback failed", "stream", id, "error", err)
	}
}

func (r *Reassembler) dump(id string, pcm []byte, rate int) {
	if err := os.MkdirAll(r.dumpDir, 0o755); err != nil {
		r.logger.Warnw("debug dump dir failed", "error", err)
		return
	}
	path := filepath.Join(r.dumpDir, fmt.Sprintf("%s.wav", id))
	if err := audio.WriteWAVFile(path, audio.BytesToInt16(pcm), rate, 1); err != nil {
		r.logger.Warnw("debug dump failed", "path", path, "error", err)
	}
}

// Pending reports the number of in-flight streams.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// Close stops the sweeper. In-flight streams are dropped.
func (r *Reassembler) Close() {
	r.closeOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
	})
}
