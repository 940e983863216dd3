// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionmate/device/internal/broker"
	"github.com/visionmate/device/pkg/commons"
)

func newTestLogger() commons.Logger {
	l, _ := commons.NewApplicationLogger()
	return l
}

type fakeRanger struct {
	cm  float64
	err error
}

func (f *fakeRanger) DistanceCM() (float64, error) { return f.cm, f.err }

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []any
}

func (p *recordingPublisher) Publish(topic string, payload any, qos byte, retain bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, payload)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type recordingPlayer struct {
	mu    sync.Mutex
	paths []string
}

func (p *recordingPlayer) PlayFile(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paths = append(p.paths, path)
	return nil
}

func TestShouldAlert(t *testing.T) {
	now := time.Unix(1700000000, 0)
	old := now.Add(-10 * time.Second)

	tests := []struct {
		name string
		cm   float64
		last time.Time
		want bool
	}{
		{"below window", 99.9, time.Time{}, false},
		{"lower bound inclusive", 100.0, time.Time{}, true},
		{"inside window", 125.0, time.Time{}, true},
		{"upper bound inclusive", 150.0, time.Time{}, true},
		{"above window", 150.1, time.Time{}, false},
		{"cooldown active", 125.0, now.Add(-5 * time.Second), false},
		{"cooldown elapsed", 125.0, old, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldAlert(tt.cm, now, tt.last))
		})
	}
}

func newBareWatcher(ranger RangeSensor, pub broker.Publisher, player AlertPlayer, now *time.Time) *Watcher {
	return NewWatcher(newTestLogger(), ranger, nil, nil, player, pub,
		broker.ForDevice("vm-1"), WatcherOptions{
			DeviceID: "vm-1",
			SoundDir: "assets/audio",
			Clock:    func() time.Time { return *now },
		})
}

func TestStepPublishesObstacleEvent(t *testing.T) {
	now := time.Unix(1700000000, 0)
	pub := &recordingPublisher{}
	player := &recordingPlayer{}
	w := newBareWatcher(&fakeRanger{cm: 120}, pub, player, &now)

	w.step()

	require.Equal(t, 1, pub.count())
	data, err := json.Marshal(pub.msgs[0])
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"deviceId":"vm-1","ts":1700000000000,"distance":1.2,"unit":"m","class":"","detectedObjects":[],"severity":""}`,
		string(data))

	require.Len(t, player.paths, 1)
	assert.Contains(t, player.paths[0], "stop.wav")
}

func TestStepRespectsCooldown(t *testing.T) {
	now := time.Unix(1700000000, 0)
	pub := &recordingPublisher{}
	w := newBareWatcher(&fakeRanger{cm: 120}, pub, nil, &now)

	w.step()
	now = now.Add(3 * time.Second)
	w.step()
	require.Equal(t, 1, pub.count())

	now = now.Add(3 * time.Second) // 6 s after first alert
	w.step()
	assert.Equal(t, 2, pub.count())
}

func TestStepIgnoresOutOfWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	pub := &recordingPublisher{}
	ranger := &fakeRanger{cm: 300}
	w := newBareWatcher(ranger, pub, nil, &now)

	w.step()
	ranger.cm = 50
	w.step()
	assert.Equal(t, 0, pub.count())
}

func TestStepSensorErrorSkipped(t *testing.T) {
	now := time.Unix(1700000000, 0)
	pub := &recordingPublisher{}
	w := newBareWatcher(&fakeRanger{err: errors.New("i2c timeout")}, pub, nil, &now)

	w.step()
	assert.Equal(t, 0, pub.count())
}
