// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import "fmt"

// Topics is the per-device topic set. Every topic embeds the device id.
type Topics struct {
	Audio     string // inbound synthesized speech chunks
	Command   string // inbound control messages
	Offer     string // webrtc offer, bidirectional
	Answer    string // webrtc answer, bidirectional
	Candidate string // webrtc trickle candidates, bidirectional
	STT       string // outbound utterance chunks
	GPS       string // outbound position telemetry
	Obstacle  string // outbound obstacle events
	Ping      string // outbound heartbeat
}

// ForDevice builds the canonical topic set for a device id.
func ForDevice(deviceID string) Topics {
	p := fmt.Sprintf("device/%s", deviceID)
	return Topics{
		Audio:     p + "/audio",
		Command:   p + "/command",
		Offer:     p + "/webrtc/offer",
		Answer:    p + "/webrtc/answer",
		Candidate: p + "/webrtc/candidate",
		STT:       p + "/stt",
		GPS:       p + "/gps",
		Obstacle:  p + "/obstacle",
		Ping:      p + "/ping",
	}
}

// Inbound lists the topics the device subscribes to.
func (t Topics) Inbound() []string {
	return []string{t.Audio, t.Command, t.Offer, t.Answer, t.Candidate}
}
