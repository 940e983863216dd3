// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"net"
	"strings"
)

// candidate types the device is willing to signal or accept
var allowedCandidateTypes = map[string]bool{
	"host":  true,
	"srflx": true,
	"relay": true,
}

// dockerBridgePrefixes are the bridge networks a containerized deploy leaks
// into host candidates. Peers can never reach them.
var dockerBridgePrefixes = []string{"172.17.", "172.18.", "172.19."}

// parseCandidateLine pulls the connection address and candidate type out of
// an ICE candidate line ("candidate:... <ip> <port> typ <type> ...", with or
// without the a= prefix).
func parseCandidateLine(line string) (ip, typ string, ok bool) {
	line = strings.TrimPrefix(strings.TrimSpace(line), "a=")
	if !strings.HasPrefix(line, "candidate:") {
		return "", "", false
	}
	fields := strings.Fields(line)
	// foundation component transport priority address port "typ" type
	if len(fields) < 8 {
		return "", "", false
	}
	for i := 6; i < len(fields)-1; i++ {
		if fields[i] == "typ" {
			return fields[4], fields[i+1], true
		}
	}
	return "", "", false
}

func isIPv4(addr string) bool {
	parsed := net.ParseIP(addr)
	return parsed != nil && parsed.To4() != nil
}

func isDockerBridge(addr string) bool {
	for _, prefix := range dockerBridgePrefixes {
		if strings.HasPrefix(addr, prefix) {
			return true
		}
	}
	return false
}

// AcceptOutbound decides whether a locally gathered candidate may be
// published: host/srflx/relay, IPv4 only, never a Docker bridge address.
// mDNS candidates (.local) carry no routable literal and are rejected with
// the non-IPv4 class.
func AcceptOutbound(line string) bool {
	ip, typ, ok := parseCandidateLine(line)
	if !ok || !allowedCandidateTypes[typ] {
		return false
	}
	if !isIPv4(ip) {
		return false
	}
	return !isDockerBridge(ip)
}

// AcceptInbound decides whether a remote candidate is applied: host, srflx,
// relay, but never an IPv6 host candidate.
func AcceptInbound(line string) bool {
	ip, typ, ok := parseCandidateLine(line)
	if !ok || !allowedCandidateTypes[typ] {
		return false
	}
	if typ == "host" && !isIPv4(ip) && net.ParseIP(ip) != nil {
		return false
	}
	return true
}

// ExtractSDPCandidates walks a finalized local SDP and returns each
// a=candidate line with the sdpMid and sdpMLineIndex of the m= section it
// belongs to.
func ExtractSDPCandidates(sdp string) []CandidateMessage {
	var out []CandidateMessage

	mlineIndex := -1
	mid := ""
	for _, raw := range strings.Split(sdp, "\n") {
		line := strings.TrimRight(raw, "\r")
		switch {
		case strings.HasPrefix(line, "m="):
			mlineIndex++
			mid = ""
		case strings.HasPrefix(line, "a=mid:"):
			mid = strings.TrimPrefix(line, "a=mid:")
		case strings.HasPrefix(line, "a=candidate:"):
			if mlineIndex < 0 {
				continue // session-level candidate line, malformed
			}
			out = append(out, CandidateMessage{
				Candidate:     strings.TrimPrefix(line, "a="),
				SDPMid:        mid,
				SDPMLineIndex: uint16(mlineIndex),
			})
		}
	}
	return out
}
