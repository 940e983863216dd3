// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCandidateLine(t *testing.T) {
	ip, typ, ok := parseCandidateLine("candidate:1 1 udp 2130706431 192.168.1.20 54321 typ host generation 0")
	require.True(t, ok)
	assert.Equal(t, "192.168.1.20", ip)
	assert.Equal(t, "host", typ)

	// a= prefix tolerated
	ip, typ, ok = parseCandidateLine("a=candidate:2 1 udp 1694498815 203.0.113.9 3478 typ srflx raddr 0.0.0.0 rport 0")
	require.True(t, ok)
	assert.Equal(t, "203.0.113.9", ip)
	assert.Equal(t, "srflx", typ)

	_, _, ok = parseCandidateLine("m=audio 9 UDP/TLS/RTP/SAVPF 111")
	assert.False(t, ok)

	_, _, ok = parseCandidateLine("candidate:truncated 1 udp")
	assert.False(t, ok)
}

func TestAcceptOutboundFiltering(t *testing.T) {
	cases := []struct {
		name string
		line string
		want bool
	}{
		{"lan host", "candidate:1 1 udp 2130706431 192.168.1.20 54321 typ host", true},
		{"srflx", "candidate:2 1 udp 1694498815 203.0.113.9 3478 typ srflx raddr 0.0.0.0 rport 0", true},
		{"relay", "candidate:3 1 udp 41885439 198.51.100.7 443 typ relay raddr 0.0.0.0 rport 0", true},
		{"ipv6 host", "candidate:4 1 udp 2130706431 ::1 54321 typ host", false},
		{"ipv6 global", "candidate:5 1 udp 2130706431 2001:db8::1 54321 typ host", false},
		{"docker 172.17", "candidate:6 1 udp 2130706431 172.17.0.5 54321 typ host", false},
		{"docker 172.18", "candidate:7 1 udp 2130706431 172.18.3.2 54321 typ host", false},
		{"docker 172.19", "candidate:8 1 udp 2130706431 172.19.0.1 54321 typ host", false},
		{"prflx rejected", "candidate:9 1 udp 1862270975 10.0.0.3 999 typ prflx raddr 0.0.0.0 rport 0", false},
		{"mdns rejected", "candidate:10 1 udp 2130706431 f00f.local 54321 typ host", false},
		{"non-bridge 172.20 kept", "candidate:11 1 udp 2130706431 172.20.0.5 54321 typ host", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, AcceptOutbound(tc.line))
		})
	}
}

func TestAcceptInboundFiltering(t *testing.T) {
	// IPv6 host rejected, IPv6 relay fine
	assert.False(t, AcceptInbound("candidate:1 1 udp 2130706431 2001:db8::1 54321 typ host"))
	assert.True(t, AcceptInbound("candidate:2 1 udp 41885439 2001:db8::2 443 typ relay raddr :: rport 0"))
	assert.True(t, AcceptInbound("candidate:3 1 udp 2130706431 192.168.1.20 54321 typ host"))
	assert.False(t, AcceptInbound("candidate:4 1 udp 1862270975 10.0.0.3 999 typ prflx raddr 0.0.0.0 rport 0"))
}

const testSDP = "v=0\r\n" +
	"o=- 123 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=mid:0\r\n" +
	"a=candidate:1 1 udp 2130706431 172.17.0.5 54321 typ host\r\n" +
	"a=candidate:2 1 udp 2130706431 ::1 54321 typ host\r\n" +
	"a=candidate:3 1 udp 2130706431 192.168.1.20 54321 typ host\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"a=mid:1\r\n" +
	"a=candidate:4 1 udp 2130706431 192.168.1.20 54322 typ host\r\n"

func TestExtractSDPCandidatesSectionMapping(t *testing.T) {
	cands := ExtractSDPCandidates(testSDP)
	require.Len(t, cands, 4)

	assert.Equal(t, "0", cands[0].SDPMid)
	assert.Equal(t, uint16(0), cands[0].SDPMLineIndex)
	assert.Equal(t, "1", cands[3].SDPMid)
	assert.Equal(t, uint16(1), cands[3].SDPMLineIndex)
	assert.Contains(t, cands[3].Candidate, "54322")
}

func TestExtractThenFilterPublishesOnlyRoutable(t *testing.T) {
	var published []CandidateMessage
	for _, c := range ExtractSDPCandidates(testSDP) {
		if AcceptOutbound(c.Candidate) {
			published = append(published, c)
		}
	}

	require.Len(t, published, 2)
	assert.Contains(t, published[0].Candidate, "192.168.1.20")
	assert.Contains(t, published[1].Candidate, "192.168.1.20")
}
