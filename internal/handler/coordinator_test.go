// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVAP struct {
	mu      sync.Mutex
	events  []string
	resumeE error
}

func (v *fakeVAP) Pause() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events = append(v.events, "pause")
}

func (v *fakeVAP) Resume() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events = append(v.events, "resume")
	return v.resumeE
}

func (v *fakeVAP) log() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.events))
	copy(out, v.events)
	return out
}

type fakePeer struct {
	mu      sync.Mutex
	events  []string
	offerE  error
	sosE    error
	answerE error
}

func (p *fakePeer) record(ev string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *fakePeer) HandleOffer([]byte) error     { p.record("offer"); return p.offerE }
func (p *fakePeer) HandleAnswer([]byte) error    { p.record("answer"); return p.answerE }
func (p *fakePeer) HandleCandidate([]byte) error { p.record("candidate"); return nil }
func (p *fakePeer) InitiateSOS() error           { p.record("sos"); return p.sosE }
func (p *fakePeer) ClosePeer() error             { p.record("close"); return nil }

func (p *fakePeer) log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	copy(out, p.events)
	return out
}

func newTestCoordinator(vap *fakeVAP, peer *fakePeer) (*Coordinator, *[]time.Duration) {
	c := NewCoordinator(newTestLogger(), vap, peer)
	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }
	return c, &slept
}

func TestInboundOfferPausesThenNegotiates(t *testing.T) {
	vap := &fakeVAP{}
	peer := &fakePeer{}
	c, slept := newTestCoordinator(vap, peer)

	c.HandleOffer([]byte(`{"type":"offer","sdp":"v=0"}`))

	assert.Equal(t, StateActive, c.State())
	assert.Equal(t, []string{"pause"}, vap.log())
	assert.Equal(t, []string{"offer"}, peer.log())
	require.Len(t, *slept, 1)
	assert.Equal(t, releaseGrace, (*slept)[0])
}

func TestOfferRejectedWhileBusy(t *testing.T) {
	vap := &fakeVAP{}
	peer := &fakePeer{}
	c, _ := newTestCoordinator(vap, peer)

	c.HandleOffer([]byte(`{}`))
	require.Equal(t, StateActive, c.State())

	c.HandleOffer([]byte(`{}`))
	assert.Equal(t, []string{"offer"}, peer.log(), "second offer must not reach the peer")

	err := c.InitiateSOS()
	assert.Error(t, err)
}

func TestFailedSetupResumesVoice(t *testing.T) {
	vap := &fakeVAP{}
	peer := &fakePeer{offerE: errors.New("sdp rejected")}
	c, _ := newTestCoordinator(vap, peer)

	c.HandleOffer([]byte(`{}`))

	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, []string{"pause", "resume"}, vap.log())
}

func TestICETerminalStatesTearDown(t *testing.T) {
	for _, state := range []webrtc.ICEConnectionState{
		webrtc.ICEConnectionStateFailed,
		webrtc.ICEConnectionStateDisconnected,
		webrtc.ICEConnectionStateClosed,
	} {
		t.Run(state.String(), func(t *testing.T) {
			vap := &fakeVAP{}
			peer := &fakePeer{}
			c, _ := newTestCoordinator(vap, peer)

			require.NoError(t, c.InitiateSOS())
			require.Equal(t, StateActive, c.State())

			c.OnICEState(state)

			assert.Equal(t, StateIdle, c.State())
			assert.Equal(t, []string{"pause", "resume"}, vap.log())
			assert.Contains(t, peer.log(), "close")
		})
	}
}

func TestICEFailureDuringNegotiationDoesNotWedge(t *testing.T) {
	vap := &fakeVAP{}
	peer := &fakePeer{}
	c, _ := newTestCoordinator(vap, peer)

	// ICE fails while the grace sleep is still in flight; the teardown must
	// win over the pending active transition
	c.sleep = func(time.Duration) {
		c.OnICEState(webrtc.ICEConnectionStateFailed)
	}

	err := c.InitiateSOS()
	assert.Error(t, err)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, []string{"pause", "resume"}, vap.log())
	assert.Contains(t, peer.log(), "close")

	// a later call must still go through
	c.sleep = func(time.Duration) {}
	require.NoError(t, c.InitiateSOS())
	assert.Equal(t, StateActive, c.State())
}

func TestConnectedIsIdempotent(t *testing.T) {
	vap := &fakeVAP{}
	peer := &fakePeer{}
	c, _ := newTestCoordinator(vap, peer)

	require.NoError(t, c.InitiateSOS())
	c.OnICEState(webrtc.ICEConnectionStateConnected)
	c.OnICEState(webrtc.ICEConnectionStateConnected)

	assert.Equal(t, StateActive, c.State())
	assert.Equal(t, []string{"pause"}, vap.log(), "connected must not touch the devices")
}

func TestTerminalStateWhileIdleIsNoop(t *testing.T) {
	vap := &fakeVAP{}
	peer := &fakePeer{}
	c, _ := newTestCoordinator(vap, peer)

	c.OnICEState(webrtc.ICEConnectionStateDisconnected)

	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, vap.log())
	assert.Empty(t, peer.log())
}

func TestAnswerWhileIdleDiscarded(t *testing.T) {
	vap := &fakeVAP{}
	peer := &fakePeer{}
	c, _ := newTestCoordinator(vap, peer)

	c.HandleAnswer([]byte(`{}`))
	assert.Empty(t, peer.log())
}

func TestCandidateAlwaysForwarded(t *testing.T) {
	vap := &fakeVAP{}
	peer := &fakePeer{}
	c, _ := newTestCoordinator(vap, peer)

	// even while idle: the peer buffers early candidates itself
	c.HandleCandidate([]byte(`{}`))
	assert.Equal(t, []string{"candidate"}, peer.log())
}
