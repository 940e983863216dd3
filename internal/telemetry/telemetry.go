// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry publishes the device's outbound signals: the startup
// ping, periodic GPS position reports, and lane segmentation alerts.
package telemetry

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/visionmate/device/internal/broker"
	"github.com/visionmate/device/pkg/commons"
)

const gpsInterval = 5 * time.Second

// PositionSource is the GPS service surface the reporter needs.
type PositionSource interface {
	Location() (lat, lng float64, ok bool)
	SpeedKMH() float64
}

// positionReport is the wire shape of a GPS sample. Pin carries the battery
// percentage so the companion can show both on one report.
type positionReport struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	SpeedKMH  float64 `json:"speed_kmh"`
	Pin       int     `json:"pin"`
}

type pingMessage struct {
	Data string `json:"data"`
}

// Reporter publishes the startup ping and a position sample every 5 s.
// Position samples are fire-and-forget (QoS 0).
type Reporter struct {
	logger commons.Logger
	pub    broker.Publisher
	topics broker.Topics
	source PositionSource

	// battery reads the charge percentage; injectable for tests.
	battery func() int

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

func NewReporter(logger commons.Logger, pub broker.Publisher, topics broker.Topics, source PositionSource) *Reporter {
	return &Reporter{
		logger:  logger,
		pub:     pub,
		topics:  topics,
		source:  source,
		battery: readBatteryPercent,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Ping announces the device to the backend. Sent once after connect.
func (r *Reporter) Ping() error {
	return r.pub.Publish(r.topics.Ping, pingMessage{Data: "PING"}, 1, false)
}

// Start launches the position loop. Without a source it is a no-op.
func (r *Reporter) Start() {
	if r.source == nil {
		close(r.doneCh)
		return
	}
	go r.run()
}

func (r *Reporter) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(gpsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.publishPosition()
		}
	}
}

func (r *Reporter) publishPosition() {
	lat, lng, ok := r.source.Location()
	if !ok {
		return // no fix yet
	}
	report := positionReport{
		Latitude:  lat,
		Longitude: lng,
		SpeedKMH:  r.source.SpeedKMH(),
		Pin:       r.battery(),
	}
	if err := r.pub.Publish(r.topics.GPS, report, 0, false); err != nil {
		r.logger.Warnw("gps publish failed", "error", err)
	}
}

// readBatteryPercent reads the first power supply capacity the kernel
// exposes. Mains-powered dev boards report 100.
func readBatteryPercent() int {
	matches, err := filepath.Glob("/sys/class/power_supply/*/capacity")
	if err != nil || len(matches) == 0 {
		return 100
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		return 100
	}
	pct, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pct < 0 || pct > 100 {
		return 100
	}
	return pct
}

// Close stops the position loop. Idempotent.
func (r *Reporter) Close() error {
	r.closeOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
	})
	return nil
}
