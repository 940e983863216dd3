// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetApplicationConfigDefaults(t *testing.T) {
	v, err := InitConfig()
	require.NoError(t, err)
	v.Set("DEVICE_ID", "device-001")

	cfg, err := GetApplicationConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "device-001", cfg.DeviceID)
	assert.Equal(t, "tcp://localhost:1883", cfg.BrokerURL)
	assert.Equal(t, 16000, cfg.AudioSampleRate)
	assert.Equal(t, 100, cfg.AudioChunkMS)
	assert.Equal(t, -1, cfg.MicIndex)
	assert.InDelta(t, 12.0, cfg.DiffThreshold, 1e-9)
	assert.InDelta(t, 2.0, cfg.SendIntervalMin, 1e-9)
	assert.InDelta(t, 10.0, cfg.SendIntervalMax, 1e-9)
	assert.InDelta(t, 0.02, cfg.SilenceThreshold, 1e-9)
	assert.InDelta(t, 1.5, cfg.SilenceDuration, 1e-9)
	assert.InDelta(t, 0.5, cfg.MinSpeechDuration, 1e-9)
	assert.InDelta(t, 0.3, cfg.PlaybackGain, 1e-9)
	assert.False(t, cfg.PlaybackAutoGain)
	assert.Equal(t, 640, cfg.CameraWidth)
	assert.Equal(t, 480, cfg.CameraHeight)
}

func TestGetApplicationConfigMissingDeviceID(t *testing.T) {
	v, err := InitConfig()
	require.NoError(t, err)

	_, err = GetApplicationConfig(v)
	assert.Error(t, err)
}

func TestGetApplicationConfigOverrides(t *testing.T) {
	v, err := InitConfig()
	require.NoError(t, err)
	v.Set("DEVICE_ID", "device-002")
	v.Set("AUDIO_SAMPLE_RATE", 48000)
	v.Set("PLAYBACK_AUTO_GAIN", true)
	v.Set("GPS_ENABLED", true)
	v.Set("GPS_PORT", "/dev/ttyTHS1")

	cfg, err := GetApplicationConfig(v)
	require.NoError(t, err)

	assert.Equal(t, 48000, cfg.AudioSampleRate)
	assert.True(t, cfg.PlaybackAutoGain)
	assert.True(t, cfg.GPSEnabled)
	assert.Equal(t, "/dev/ttyTHS1", cfg.GPSPort)
}
