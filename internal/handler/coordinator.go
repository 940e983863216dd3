// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/visionmate/device/pkg/commons"
)

// releaseGrace is how long the coordinator waits after pausing the voice
// pipeline before the peer may claim the capture device.
const releaseGrace = 500 * time.Millisecond

// CallState is the coordinator's lifecycle position.
type CallState int

const (
	StateIdle CallState = iota
	StateNegotiating
	StateActive
	StateTearingDown
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateTearingDown:
		return "tearing-down"
	}
	return "unknown"
}

// VoicePipeline is the only surface the coordinator needs from the voice
// side.
type VoicePipeline interface {
	Pause()
	Resume() error
}

// CallPeer is the signalling surface of the WebRTC manager.
type CallPeer interface {
	HandleOffer(payload []byte) error
	HandleAnswer(payload []byte) error
	HandleCandidate(payload []byte) error
	InitiateSOS() error
	ClosePeer() error
}

// Coordinator mediates between the voice pipeline and the call peer. It is
// the sole owner of "who holds the microphone": the pipeline never opens the
// mic during a call, and the peer never opens it before the pipeline has
// confirmed release.
type Coordinator struct {
	logger commons.Logger
	vap    VoicePipeline
	peer   CallPeer

	// sleep is injectable for tests; defaults to time.Sleep.
	sleep func(time.Duration)

	mu    sync.Mutex
	state CallState
}

func NewCoordinator(logger commons.Logger, vap VoicePipeline, peer CallPeer) *Coordinator {
	return &Coordinator{
		logger: logger,
		vap:    vap,
		peer:   peer,
		sleep:  time.Sleep,
		state:  StateIdle,
	}
}

// State returns the current call state.
func (c *Coordinator) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandleOffer accepts an inbound call when idle: pause voice, wait for the
// device release grace, hand the offer to the peer.
func (c *Coordinator) HandleOffer(payload []byte) {
	if err := c.startCall("inbound offer", func() error {
		return c.peer.HandleOffer(payload)
	}); err != nil {
		c.logger.Errorw("inbound call failed", "error", err)
	}
}

// InitiateSOS starts an emergency outbound call when idle.
func (c *Coordinator) InitiateSOS() error {
	return c.startCall("sos", c.peer.InitiateSOS)
}

func (c *Coordinator) startCall(kind string, initiate func() error) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("handler: %s rejected, call %s in progress", kind, state)
	}
	c.state = StateNegotiating
	c.mu.Unlock()

	c.logger.Infow("starting call", "kind", kind)
	c.vap.Pause()
	c.sleep(releaseGrace)

	if err := initiate(); err != nil {
		c.logger.Warnw("call setup failed, resuming voice pipeline",
			"kind", kind, "error", err)
		c.teardown()
		return err
	}

	// the call may already have ended mid-negotiation (ICE failure routed
	// through endCall); only a still-negotiating call becomes active
	c.mu.Lock()
	if c.state != StateNegotiating {
		state := c.state
		c.mu.Unlock()
		// initiate may have rebuilt the peer after the teardown ran
		if err := c.peer.ClosePeer(); err != nil {
			c.logger.Warnw("peer teardown failed", "error", err)
		}
		return fmt.Errorf("handler: %s ended during negotiation (state %s)", kind, state)
	}
	c.state = StateActive
	c.mu.Unlock()
	return nil
}

// HandleAnswer forwards a remote answer; only meaningful mid-negotiation.
func (c *Coordinator) HandleAnswer(payload []byte) {
	if c.State() == StateIdle {
		c.logger.Warnw("answer received while idle, discarded")
		return
	}
	if err := c.peer.HandleAnswer(payload); err != nil {
		c.logger.Errorw("answer handling failed", "error", err)
	}
}

// HandleCandidate always forwards; the peer buffers candidates that arrive
// early.
func (c *Coordinator) HandleCandidate(payload []byte) {
	if err := c.peer.HandleCandidate(payload); err != nil {
		c.logger.Warnw("candidate handling failed", "error", err)
	}
}

// OnICEState is the peer's state callback. Terminal states tear the call
// down and give the microphone back to the voice pipeline; connected is
// idempotent.
func (c *Coordinator) OnICEState(state webrtc.ICEConnectionState) {
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		// no device reacquisition; media is already flowing
	case webrtc.ICEConnectionStateFailed,
		webrtc.ICEConnectionStateDisconnected,
		webrtc.ICEConnectionStateClosed:
		c.endCall(state.String())
	}
}

func (c *Coordinator) endCall(reason string) {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateTearingDown {
		c.mu.Unlock()
		return
	}
	c.state = StateTearingDown
	c.mu.Unlock()

	c.logger.Infow("call ended", "reason", reason)
	if err := c.peer.ClosePeer(); err != nil {
		c.logger.Warnw("peer teardown failed", "error", err)
	}
	c.teardown()
}

// teardown returns to idle and resumes voice listening.
func (c *Coordinator) teardown() {
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()

	if err := c.vap.Resume(); err != nil {
		c.logger.Errorw("voice pipeline resume failed", "error", err)
	}
}
