// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

// Package call is the WebRTC side of the device: peer lifecycle, MQTT
// signalling payloads, trickle ICE filtering, and the media tracks.
package call

import "time"

const (
	// Opus over RTP per RFC 7587: 48 kHz clock, 2 channels in the SDP
	// regardless of the encoded stream.
	OpusSampleRate  = 48000
	OpusChannels    = 2
	OpusPayloadType = 111
	OpusFMTP        = "minptime=10;useinbandfec=1;stereo=0;sprop-stereo=0"

	// 20 ms frames at 48 kHz mono int16
	OpusFrameDuration = 20 * time.Millisecond
	OpusFrameSamples  = 960
	OpusFrameBytes    = OpusFrameSamples * 2

	// negotiation bounds
	offerTimeout        = 30 * time.Second
	candidateTimeout    = 5 * time.Second
	gatherTimeout       = 10 * time.Second
	localDescTimeout    = 5 * time.Second
	localDescPoll       = 100 * time.Millisecond
	videoFPS            = 15
	videoWidth          = 640
	videoHeight         = 480
)

// OfferMessage is the /webrtc/offer payload, both directions.
type OfferMessage struct {
	Type        string `json:"type"`
	SDP         string `json:"sdp"`
	CallerID    string `json:"callerId,omitempty"`
	IsEmergency bool   `json:"isEmergency,omitempty"`
}

// AnswerMessage is the /webrtc/answer payload.
type AnswerMessage struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CandidateMessage is the /webrtc/candidate payload. Candidate carries the
// full SDP line including the "candidate:" prefix.
type CandidateMessage struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}
