// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"path/filepath"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/visionmate/device/internal/camera"
	"github.com/visionmate/device/internal/httpapi"
	"github.com/visionmate/device/pkg/commons"
)

const (
	frameCheckInterval = time.Second

	intervalShrink = 0.8
	intervalGrow   = 1.2
)

// FrameSource supplies the latest camera frame. The caller owns the Mat.
type FrameSource interface {
	LatestFrame() (gocv.Mat, bool)
}

// VisionAPI is the backend surface the segmenter needs.
type VisionAPI interface {
	Segment(jpeg []byte) (*httpapi.DetectionResult, error)
}

// AlertPlayer plays a local sound asset.
type AlertPlayer interface {
	PlayFile(path string) error
}

// SegmenterOptions tunes the scene-change detector.
type SegmenterOptions struct {
	DiffThreshold float64
	// MinInterval and MaxInterval bound the adaptive send period, seconds.
	MinInterval float64
	MaxInterval float64
	SoundDir    string
	// Clock is injectable for testing; defaults to time.Now.
	Clock func() time.Time
}

// Segmenter samples the camera once a second, measures scene change against
// the previous sample, and posts changed frames to the lane segmentation
// endpoint. The send period adapts: a changing scene shrinks it toward
// MinInterval, a static one grows it toward MaxInterval.
type Segmenter struct {
	logger commons.Logger
	frames FrameSource
	api    VisionAPI
	player AlertPlayer
	opts   SegmenterOptions
	clock  func() time.Time

	interval float64
	lastSend time.Time
	prev     gocv.Mat
	hasPrev  bool

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

func NewSegmenter(logger commons.Logger, frames FrameSource, api VisionAPI, player AlertPlayer, opts SegmenterOptions) *Segmenter {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Segmenter{
		logger:   logger,
		frames:   frames,
		api:      api,
		player:   player,
		opts:     opts,
		clock:    clock,
		interval: opts.MinInterval,
		prev:     gocv.NewMat(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (s *Segmenter) Start() {
	go s.run()
}

func (s *Segmenter) run() {
	defer close(s.doneCh)
	defer s.prev.Close()

	ticker := time.NewTicker(frameCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.step()
		}
	}
}

func (s *Segmenter) step() {
	frame, ok := s.frames.LatestFrame()
	if !ok {
		return
	}
	defer frame.Close()

	changed := false
	if s.hasPrev {
		diff := camera.FrameDiff(frame, s.prev)
		changed = diff > s.opts.DiffThreshold
	}
	frame.CopyTo(&s.prev)
	s.hasPrev = true

	now := s.clock()
	send, next := nextSendState(changed, now.Sub(s.lastSend).Seconds(), s.interval, s.opts.MinInterval, s.opts.MaxInterval)
	s.interval = next
	if !send {
		return
	}
	s.lastSend = now

	jpeg, err := camera.EncodeJPEG(frame)
	if err != nil {
		s.logger.Warnw("segmentation frame encode failed", "error", err)
		return
	}
	result, err := s.api.Segment(jpeg)
	if err != nil {
		s.logger.Warnw("segmentation request failed", "error", err)
		return
	}
	if result.Unsafe() && result.Data.AudioFile != "" {
		s.playWarning(result.Data.AudioFile)
	}
}

// nextSendState decides whether to post the current frame and what the send
// period becomes. A changed scene sends (once the period elapsed) and tightens
// the period; a static scene relaxes it.
func nextSendState(changed bool, sinceLast, interval, minI, maxI float64) (send bool, next float64) {
	if changed {
		next = interval * intervalShrink
		if next < minI {
			next = minI
		}
		return sinceLast >= interval, next
	}
	next = interval * intervalGrow
	if next > maxI {
		next = maxI
	}
	return false, next
}

func (s *Segmenter) playWarning(audioFile string) {
	if s.player == nil {
		return
	}
	path := filepath.Join(s.opts.SoundDir, "warning", audioFile+".wav")
	if err := s.player.PlayFile(path); err != nil {
		s.logger.Warnw("warning playback failed", "file", path, "error", err)
	}
}

// Close stops the sampling loop. Idempotent.
func (s *Segmenter) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
	return nil
}
