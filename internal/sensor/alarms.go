// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"path/filepath"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/visionmate/device/internal/broker"
	"github.com/visionmate/device/internal/camera"
	"github.com/visionmate/device/internal/httpapi"
	"github.com/visionmate/device/pkg/commons"
)

const (
	pollInterval = 500 * time.Millisecond

	// Alert window: obstacles nearer than a meter are already in reach,
	// farther than 1.5 m are not yet a hazard.
	minAlertCM = 100.0
	maxAlertCM = 150.0

	alertCooldown = 5 * time.Second
)

// RangeSensor abstracts the distance readout for testing.
type RangeSensor interface {
	DistanceCM() (float64, error)
}

// FrameSource supplies the latest camera frame for the obstacle snapshot.
type FrameSource interface {
	LatestFrame() (gocv.Mat, bool)
}

// VisionAPI is the backend surface the watcher needs.
type VisionAPI interface {
	Detect(jpeg []byte) (*httpapi.DetectionResult, error)
}

// AlertPlayer plays a local sound asset.
type AlertPlayer interface {
	PlayFile(path string) error
}

// obstacleEvent is the wire shape published on the obstacle topic.
type obstacleEvent struct {
	DeviceID        string   `json:"deviceId"`
	Timestamp       int64    `json:"ts"`
	Distance        float64  `json:"distance"`
	Unit            string   `json:"unit"`
	Class           string   `json:"class"`
	DetectedObjects []string `json:"detectedObjects"`
	Severity        string   `json:"severity"`
}

// WatcherOptions wires the obstacle watcher.
type WatcherOptions struct {
	DeviceID string
	SoundDir string
	// Clock is injectable for testing; defaults to time.Now.
	Clock func() time.Time
}

// Watcher polls the ranger at 2 Hz. A reading inside the alert window plays
// the stop cue, snapshots the camera for classification, and publishes an
// obstacle event. Alerts are rate limited by a 5 s cooldown.
type Watcher struct {
	logger commons.Logger
	ranger RangeSensor
	frames FrameSource
	api    VisionAPI
	player AlertPlayer
	pub    broker.Publisher
	topics broker.Topics
	opts   WatcherOptions
	clock  func() time.Time

	lastAlert time.Time

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

func NewWatcher(logger commons.Logger, ranger RangeSensor, frames FrameSource, api VisionAPI,
	player AlertPlayer, pub broker.Publisher, topics broker.Topics, opts WatcherOptions) *Watcher {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Watcher{
		logger: logger,
		ranger: ranger,
		frames: frames,
		api:    api,
		player: player,
		pub:    pub,
		topics: topics,
		opts:   opts,
		clock:  clock,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.step()
		}
	}
}

func (w *Watcher) step() {
	distance, err := w.ranger.DistanceCM()
	if err != nil {
		w.logger.Warnw("range read failed", "error", err)
		return
	}

	now := w.clock()
	if !shouldAlert(distance, now, w.lastAlert) {
		return
	}
	w.lastAlert = now
	w.logger.Infow("obstacle in range", "distance_cm", distance)

	w.playCue("stop.wav")
	class, severity := w.classify()
	w.publishEvent(now, distance, class, severity)
}

// shouldAlert applies the alert window and cooldown. Both window bounds are
// inclusive; the cooldown must have fully elapsed.
func shouldAlert(distanceCM float64, now, lastAlert time.Time) bool {
	if distanceCM < minAlertCM || distanceCM > maxAlertCM {
		return false
	}
	return lastAlert.IsZero() || now.Sub(lastAlert) > alertCooldown
}

// classify snapshots the camera and asks the backend what is ahead. Failures
// degrade to an unclassified alert, never suppress it.
func (w *Watcher) classify() (class, severity string) {
	if w.frames == nil || w.api == nil {
		return "", ""
	}
	frame, ok := w.frames.LatestFrame()
	if !ok {
		return "", ""
	}
	defer frame.Close()

	jpeg, err := camera.EncodeJPEG(frame)
	if err != nil {
		w.logger.Warnw("obstacle snapshot encode failed", "error", err)
		return "", ""
	}
	result, err := w.api.Detect(jpeg)
	if err != nil {
		w.logger.Warnw("obstacle detection request failed", "error", err)
		return "", ""
	}
	if result.Data.AudioFile != "" {
		w.playCue(filepath.Join("warning", result.Data.AudioFile+".wav"))
	}
	return result.Data.Class, result.Data.Severity
}

func (w *Watcher) publishEvent(now time.Time, distanceCM float64, class, severity string) {
	event := obstacleEvent{
		DeviceID:        w.opts.DeviceID,
		Timestamp:       now.UnixMilli(),
		Distance:        distanceCM / 100.0,
		Unit:            "m",
		Class:           class,
		DetectedObjects: []string{},
		Severity:        severity,
	}
	if err := w.pub.Publish(w.topics.Obstacle, event, 1, false); err != nil {
		w.logger.Warnw("obstacle publish failed", "error", err)
	}
}

func (w *Watcher) playCue(rel string) {
	if w.player == nil {
		return
	}
	path := filepath.Join(w.opts.SoundDir, rel)
	if err := w.player.PlayFile(path); err != nil {
		w.logger.Warnw("alert playback failed", "file", path, "error", err)
	}
}

// Close stops the poll loop. Idempotent.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.stopCh)
		<-w.doneCh
	})
	return nil
}
