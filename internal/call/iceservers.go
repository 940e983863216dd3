// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pion/webrtc/v4"

	"github.com/visionmate/device/pkg/commons"
)

const iceFetchTimeout = 10 * time.Second

// fallbackICEServers is used whenever TURN credentials cannot be fetched.
func fallbackICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
}

// iceServerJSON tolerates both string and list forms of "urls", which the
// credential API has served interchangeably.
type iceServerJSON struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username"`
	Credential string          `json:"credential"`
}

func (s iceServerJSON) urls() ([]string, error) {
	var one string
	if err := json.Unmarshal(s.URLs, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(s.URLs, &many); err == nil {
		return many, nil
	}
	return nil, fmt.Errorf("call: unparseable ice server urls %s", string(s.URLs))
}

// ICEServerProvider fetches TURN credentials once per process and caches
// them; every peer created afterwards reuses the same list.
type ICEServerProvider struct {
	logger commons.Logger
	rest   *resty.Client
	url    string
	apiKey string

	once   sync.Once
	cached []webrtc.ICEServer
}

func NewICEServerProvider(logger commons.Logger, apiURL, apiKey string) *ICEServerProvider {
	return &ICEServerProvider{
		logger: logger,
		rest:   resty.New().SetTimeout(iceFetchTimeout),
		url:    apiURL,
		apiKey: apiKey,
	}
}

// Servers returns the cached ICE server list, fetching on first use.
func (p *ICEServerProvider) Servers() []webrtc.ICEServer {
	p.once.Do(func() {
		servers, err := p.fetch()
		if err != nil {
			p.logger.Warnw("turn credential fetch failed, using stun fallback", "error", err)
			p.cached = fallbackICEServers()
			return
		}
		p.logger.Infow("turn credentials acquired", "servers", len(servers))
		p.cached = servers
	})
	return p.cached
}

func (p *ICEServerProvider) fetch() ([]webrtc.ICEServer, error) {
	if p.url == "" {
		return nil, fmt.Errorf("call: no turn api url configured")
	}

	req := p.rest.R()
	if p.apiKey != "" {
		req.SetQueryParam("apiKey", p.apiKey)
	}
	resp, err := req.Get(p.url)
	if err != nil {
		return nil, fmt.Errorf("call: fetch turn credentials: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("call: turn api returned %s", resp.Status())
	}

	var raw []iceServerJSON
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("call: decode turn credentials: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("call: turn api returned no servers")
	}

	servers := make([]webrtc.ICEServer, 0, len(raw))
	for _, s := range raw {
		urls, err := s.urls()
		if err != nil {
			p.logger.Warnw("skipping malformed ice server entry", "error", err)
			continue
		}
		server := webrtc.ICEServer{URLs: urls}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("call: no usable ice servers in response")
	}
	return servers, nil
}
