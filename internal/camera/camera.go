// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

// Package camera owns the capture device. A background loop keeps exactly
// one latest frame; consumers (video track, segmentation, obstacle snaps)
// clone it on demand and never touch the device.
package camera

import (
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/visionmate/device/pkg/commons"
)

const (
	maxConsecutiveFailures = 10
	reconnectDelay         = 2 * time.Second
	joinTimeout            = 2 * time.Second
)

// Options configures the capture device.
type Options struct {
	DeviceID int
	Width    int
	Height   int
	FPS      int
}

// Camera is the single owner of the capture device.
type Camera struct {
	logger commons.Logger
	opts   Options

	mu       sync.RWMutex
	latest   gocv.Mat
	hasFrame bool

	stopCh chan struct{}
	doneCh chan struct{}

	closeOnce sync.Once
}

func New(logger commons.Logger, opts Options) *Camera {
	return &Camera{
		logger: logger,
		opts:   opts,
		latest: gocv.NewMat(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the capture loop. The loop opens the device itself so a
// temporarily missing camera does not fail startup.
func (c *Camera) Start() {
	go c.run()
}

func (c *Camera) run() {
	defer close(c.doneCh)
	frame := gocv.NewMat()
	defer frame.Close()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		vc, err := c.open()
		if err != nil {
			c.logger.Warnw("camera open failed, retrying",
				"device", c.opts.DeviceID, "error", err)
			if !c.sleep(reconnectDelay) {
				return
			}
			continue
		}

		failures := 0
		for failures < maxConsecutiveFailures {
			select {
			case <-c.stopCh:
				vc.Close()
				return
			default:
			}
			if ok := vc.Read(&frame); !ok || frame.Empty() {
				failures++
				continue
			}
			failures = 0
			c.store(frame)
		}

		c.logger.Warnw("camera read failures, reconnecting",
			"device", c.opts.DeviceID, "failures", failures)
		vc.Close()
		if !c.sleep(reconnectDelay) {
			return
		}
	}
}

func (c *Camera) open() (*gocv.VideoCapture, error) {
	vc, err := gocv.OpenVideoCapture(c.opts.DeviceID)
	if err != nil {
		return nil, err
	}
	vc.Set(gocv.VideoCaptureFrameWidth, float64(c.opts.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(c.opts.Height))
	vc.Set(gocv.VideoCaptureFPS, float64(c.opts.FPS))
	c.logger.Infow("camera open",
		"device", c.opts.DeviceID, "width", c.opts.Width, "height", c.opts.Height)
	return vc, nil
}

func (c *Camera) sleep(d time.Duration) bool {
	select {
	case <-c.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Camera) store(frame gocv.Mat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame.CopyTo(&c.latest)
	c.hasFrame = true
}

// LatestFrame returns a clone of the most recent frame. The caller owns the
// returned Mat and must Close it.
func (c *Camera) LatestFrame() (gocv.Mat, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasFrame {
		return gocv.Mat{}, false
	}
	return c.latest.Clone(), true
}

// LatestImage returns the most recent frame as an image.Image (RGB order).
func (c *Camera) LatestImage() (image.Image, bool) {
	frame, ok := c.LatestFrame()
	if !ok {
		return nil, false
	}
	defer frame.Close()
	img, err := frame.ToImage()
	if err != nil {
		c.logger.Warnw("frame conversion failed", "error", err)
		return nil, false
	}
	return img, true
}

// Close stops the capture loop and releases the device. Idempotent.
func (c *Camera) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopCh)
		select {
		case <-c.doneCh:
		case <-time.After(joinTimeout):
			err = fmt.Errorf("camera: capture loop did not stop within %s", joinTimeout)
		}
		c.mu.Lock()
		c.latest.Close()
		c.hasFrame = false
		c.mu.Unlock()
	})
	return err
}
