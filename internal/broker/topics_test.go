// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForDevice(t *testing.T) {
	topics := ForDevice("vm-42")

	assert.Equal(t, "device/vm-42/audio", topics.Audio)
	assert.Equal(t, "device/vm-42/command", topics.Command)
	assert.Equal(t, "device/vm-42/webrtc/offer", topics.Offer)
	assert.Equal(t, "device/vm-42/webrtc/answer", topics.Answer)
	assert.Equal(t, "device/vm-42/webrtc/candidate", topics.Candidate)
	assert.Equal(t, "device/vm-42/stt", topics.STT)
	assert.Equal(t, "device/vm-42/gps", topics.GPS)
	assert.Equal(t, "device/vm-42/obstacle", topics.Obstacle)
	assert.Equal(t, "device/vm-42/ping", topics.Ping)
}

func TestInboundSet(t *testing.T) {
	topics := ForDevice("vm-42")
	in := topics.Inbound()

	assert.Len(t, in, 5)
	assert.Contains(t, in, topics.Audio)
	assert.Contains(t, in, topics.Command)
	assert.Contains(t, in, topics.Offer)
	assert.Contains(t, in, topics.Answer)
	assert.Contains(t, in, topics.Candidate)
	assert.NotContains(t, in, topics.STT)
}
