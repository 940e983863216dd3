// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/visionmate/device/internal/audio"
	"github.com/visionmate/device/internal/broker"
	"github.com/visionmate/device/pkg/commons"
)

// ManagerOptions configures the peer manager.
type ManagerOptions struct {
	DeviceID string
	Mic      MicOptions
	Playback audio.LoudnessOptions
}

// Manager owns the WebRTC peer. All negotiation state is mutated on a single
// event-loop goroutine; the public methods submit work there and await it.
// One peer at a time: initializing a new call closes any previous peer.
type Manager struct {
	logger  commons.Logger
	pub     broker.Publisher
	topics  broker.Topics
	ice     *ICEServerProvider
	frames  FrameSource // nil disables the video track
	speaker *audio.Speaker
	opts    ManagerOptions

	loop *eventLoop

	// loop-owned state; only closed is read elsewhere
	pc        *webrtc.PeerConnection
	mic       *micTrack
	video     *videoTrack
	pending   []CandidateMessage
	remoteSet bool
	sessionID string

	closed     chan struct{}
	onICEState func(webrtc.ICEConnectionState)
}

func NewManager(
	logger commons.Logger,
	pub broker.Publisher,
	topics broker.Topics,
	ice *ICEServerProvider,
	frames FrameSource,
	speaker *audio.Speaker,
	opts ManagerOptions,
) *Manager {
	return &Manager{
		logger:  logger,
		pub:     pub,
		topics:  topics,
		ice:     ice,
		frames:  frames,
		speaker: speaker,
		opts:    opts,
		loop:    newEventLoop(),
		closed:  make(chan struct{}),
	}
}

// OnICEConnectionStateChange registers the coordinator's state callback.
// Must be set before the first call.
func (m *Manager) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	m.onICEState = fn
}

// ====================================================================
// public signalling surface
// ====================================================================

// HandleOffer answers an inbound offer: new peer, remote description,
// buffered candidates, answer, gathered candidates published first.
func (m *Manager) HandleOffer(payload []byte) error {
	var offer OfferMessage
	if err := json.Unmarshal(payload, &offer); err != nil {
		return fmt.Errorf("call: decode offer: %w", err)
	}
	if offer.SDP == "" {
		return errors.New("call: offer missing sdp")
	}

	return m.loop.submit(offerTimeout, func() error {
		if err := m.initialize(); err != nil {
			return err
		}
		if err := m.answerOffer(offer); err != nil {
			m.closePeer()
			return err
		}
		return nil
	})
}

// HandleAnswer applies the remote answer to an SOS offer in flight.
func (m *Manager) HandleAnswer(payload []byte) error {
	var answer AnswerMessage
	if err := json.Unmarshal(payload, &answer); err != nil {
		return fmt.Errorf("call: decode answer: %w", err)
	}
	if answer.SDP == "" {
		return errors.New("call: answer missing sdp")
	}

	return m.loop.submit(offerTimeout, func() error {
		if m.pc == nil {
			return errors.New("call: answer received with no peer")
		}
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}
		if err := m.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("call: set remote answer: %w", err)
		}
		m.remoteSet = true
		m.flushPending()
		return nil
	})
}

// HandleCandidate applies one remote trickle candidate, buffering it when
// the remote description is not yet set. Buffered candidates are applied in
// arrival order.
func (m *Manager) HandleCandidate(payload []byte) error {
	var cand CandidateMessage
	if err := json.Unmarshal(payload, &cand); err != nil {
		return fmt.Errorf("call: decode candidate: %w", err)
	}
	if cand.Candidate == "" {
		return errors.New("call: empty candidate")
	}
	if !AcceptInbound(cand.Candidate) {
		m.logger.Debugw("inbound candidate rejected by filter",
			"candidate", cand.Candidate)
		return nil
	}

	return m.loop.submit(candidateTimeout, func() error {
		if m.pc == nil || !m.remoteSet {
			m.pending = append(m.pending, cand)
			m.logger.Debugw("candidate buffered before remote description",
				"buffered", len(m.pending))
			return nil
		}
		return m.addCandidate(cand)
	})
}

// InitiateSOS starts an emergency call: new peer, local offer published with
// isEmergency, answer awaited through HandleAnswer.
func (m *Manager) InitiateSOS() error {
	return m.loop.submit(offerTimeout, func() error {
		if err := m.initialize(); err != nil {
			return err
		}
		if err := m.sendOffer(); err != nil {
			m.closePeer()
			return err
		}
		return nil
	})
}

// ClosePeer tears down the current call but keeps the manager usable for
// the next one. Idempotent.
func (m *Manager) ClosePeer() error {
	return m.loop.submit(offerTimeout, func() error {
		m.closePeer()
		return nil
	})
}

// Close shuts the manager down for good. Idempotent.
func (m *Manager) Close() error {
	select {
	case <-m.closed:
		return nil
	default:
		close(m.closed)
	}
	if err := m.loop.submit(offerTimeout, func() error {
		m.closePeer()
		return nil
	}); err != nil {
		m.logger.Warnw("final peer teardown failed", "error", err)
	}
	m.loop.close()
	return nil
}

// ====================================================================
// loop-owned internals
// ====================================================================

// initialize closes any prior peer, then builds a fresh one with both local
// tracks attached before any SDP exists. Candidates buffered while no peer
// existed must survive peer creation; they are flushed once the remote
// description lands.
func (m *Manager) initialize() error {
	pending := m.pending
	m.closePeer()

	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   OpusSampleRate,
			Channels:    OpusChannels,
			SDPFmtpLine: OpusFMTP,
		},
		PayloadType: OpusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("call: register opus: %w", err)
	}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return fmt.Errorf("call: register vp8: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return fmt.Errorf("call: register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: m.ice.Servers(),
	})
	if err != nil {
		return fmt.Errorf("call: new peer: %w", err)
	}

	m.pc = pc
	m.sessionID = uuid.NewString()
	m.remoteSet = false
	m.pending = pending

	m.installHandlers(pc)
	m.attachTracks(pc)

	m.logger.Infow("peer initialized", "session", m.sessionID)
	return nil
}

func (m *Manager) installHandlers(pc *webrtc.PeerConnection) {
	session := m.sessionID

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			m.logger.Debugw("ice gathering complete", "session", session)
			return
		}
		m.publishCandidate(c.ToJSON())
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		m.logger.Infow("ice connection state", "session", session, "state", state.String())
		if state == webrtc.ICEConnectionStateFailed {
			m.dumpCandidateDiagnostic(pc)
		}
		if m.onICEState != nil {
			go m.onICEState(state)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Infow("peer connection state", "session", session, "state", state.String())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.logger.Infow("remote track",
			"session", session, "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go m.pumpRemoteAudio(track)
		}
	})
}

// attachTracks adds the mic and camera tracks. A busy mic degrades the call
// to receive-only audio rather than failing it.
func (m *Manager) attachTracks(pc *webrtc.PeerConnection) {
	mic, err := newMicTrack(m.logger, m.opts.Mic)
	if err != nil {
		m.logger.Warnw("mic unavailable, call continues without local audio", "error", err)
	} else {
		if sender, err := pc.AddTrack(mic.track); err != nil {
			m.logger.Errorw("audio track attach failed", "error", err)
			mic.src.Close()
		} else {
			m.mic = mic
			mic.start()
			go drainRTCP(sender)
		}
	}

	if m.frames == nil {
		return
	}
	video, err := newVideoTrack(m.logger, m.frames)
	if err != nil {
		m.logger.Warnw("video unavailable, call continues without video", "error", err)
		return
	}
	if sender, err := pc.AddTrack(video.track); err != nil {
		m.logger.Errorw("video track attach failed", "error", err)
		video.enc.Close()
		return
	} else {
		m.video = video
		video.start()
		go drainRTCP(sender)
	}
}

// drainRTCP reads and discards RTCP so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// answerOffer is the callee flow.
func (m *Manager) answerOffer(offer OfferMessage) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := m.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("call: set remote offer: %w", err)
	}
	m.remoteSet = true
	m.flushPending()

	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("call: create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(m.pc)
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("call: set local answer: %w", err)
	}

	select {
	case <-gathered:
	case <-time.After(gatherTimeout):
		m.logger.Warnw("ice gathering incomplete, answering with partial candidates",
			"session", m.sessionID)
	}

	local := m.pc.LocalDescription()
	if local == nil {
		return errors.New("call: local description missing after answer")
	}

	// second candidate path: everything the finalized SDP carries
	for _, cand := range ExtractSDPCandidates(local.SDP) {
		if !AcceptOutbound(cand.Candidate) {
			continue
		}
		if err := m.pub.Publish(m.topics.Candidate, cand, 1, false); err != nil {
			m.logger.Warnw("candidate publish failed", "error", err)
		}
	}

	msg := AnswerMessage{Type: "answer", SDP: local.SDP}
	if err := m.pub.Publish(m.topics.Answer, msg, 1, false); err != nil {
		return fmt.Errorf("call: publish answer: %w", err)
	}
	m.logger.Infow("answer published", "session", m.sessionID, "caller", offer.CallerID)
	return nil
}

// sendOffer is the caller (SOS) flow.
func (m *Manager) sendOffer() error {
	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("call: create offer: %w", err)
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("call: set local offer: %w", err)
	}

	// the local description lands asynchronously; poll briefly
	deadline := time.Now().Add(localDescTimeout)
	for m.pc.LocalDescription() == nil {
		if time.Now().After(deadline) {
			return errors.New("call: local description not set in time")
		}
		time.Sleep(localDescPoll)
	}

	local := m.pc.LocalDescription()
	msg := OfferMessage{
		Type:        "offer",
		SDP:         local.SDP,
		CallerID:    m.opts.DeviceID,
		IsEmergency: true,
	}
	if err := m.pub.Publish(m.topics.Offer, msg, 1, false); err != nil {
		return fmt.Errorf("call: publish offer: %w", err)
	}
	m.logger.Infow("emergency offer published", "session", m.sessionID)
	return nil
}

// publishCandidate filters and publishes one locally gathered candidate.
func (m *Manager) publishCandidate(init webrtc.ICECandidateInit) {
	if !AcceptOutbound(init.Candidate) {
		m.logger.Debugw("outbound candidate suppressed", "candidate", init.Candidate)
		return
	}
	msg := CandidateMessage{Candidate: init.Candidate}
	if init.SDPMid != nil {
		msg.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		msg.SDPMLineIndex = *init.SDPMLineIndex
	}
	if err := m.pub.Publish(m.topics.Candidate, msg, 1, false); err != nil {
		m.logger.Warnw("candidate publish failed", "error", err)
	}
}

// flushPending applies buffered candidates in arrival order. Runs on the
// loop right after the remote description is set.
func (m *Manager) flushPending() {
	if len(m.pending) == 0 {
		return
	}
	m.logger.Infow("applying buffered candidates", "count", len(m.pending))
	for _, cand := range m.pending {
		if err := m.addCandidate(cand); err != nil {
			m.logger.Warnw("buffered candidate failed", "error", err)
		}
	}
	m.pending = nil
}

func (m *Manager) addCandidate(cand CandidateMessage) error {
	mid := cand.SDPMid
	idx := cand.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	if err := m.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("call: add candidate: %w", err)
	}
	return nil
}

// pumpRemoteAudio decodes the remote opus track into the continuous
// playback stream until the track ends.
func (m *Manager) pumpRemoteAudio(track *webrtc.TrackRemote) {
	dec, err := opus.NewDecoder(OpusSampleRate, 1)
	if err != nil {
		m.logger.Errorw("opus decoder failed", "error", err)
		return
	}
	if err := m.speaker.StreamStart(OpusSampleRate, 1); err != nil {
		m.logger.Errorw("playback stream start failed", "error", err)
		return
	}

	buf := make([]byte, 1500)
	pcm := make([]int16, OpusFrameSamples*6) // up to 120 ms frames
	var pkt rtp.Packet

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !strings.Contains(err.Error(), "closed") {
				m.logger.Debugw("remote audio read ended", "error", err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			m.logger.Debugw("rtp unmarshal failed", "error", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		ns, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			m.logger.Debugw("opus decode failed", "error", err)
			continue
		}

		shaped := audio.ShapeLoudness(pcm[:ns], m.opts.Playback)
		m.speaker.StreamEnqueue(audio.Int16ToFloat32(shaped))
	}
}

// dumpCandidateDiagnostic logs the candidates attempted before ICE failed.
func (m *Manager) dumpCandidateDiagnostic(pc *webrtc.PeerConnection) {
	stats := pc.GetStats()
	for _, s := range stats {
		switch v := s.(type) {
		case webrtc.ICECandidateStats:
			m.logger.Warnw("ice candidate at failure",
				"type", v.CandidateType, "address", v.IP, "port", v.Port, "protocol", v.Protocol)
		case webrtc.ICECandidatePairStats:
			m.logger.Warnw("ice pair at failure",
				"state", v.State, "nominated", v.Nominated)
		}
	}
}

// closePeer stops media and releases the peer. Loop-owned; safe when no
// peer exists.
func (m *Manager) closePeer() {
	if m.mic != nil {
		m.mic.stop()
		m.mic = nil
	}
	if m.video != nil {
		m.video.stop()
		m.video = nil
	}
	if m.pc != nil {
		if err := m.pc.Close(); err != nil {
			m.logger.Warnw("peer close failed", "error", err)
		}
		m.pc = nil
		m.logger.Infow("peer closed", "session", m.sessionID)
	}
	m.speaker.StreamStop()
	m.remoteSet = false
	m.pending = nil
}
