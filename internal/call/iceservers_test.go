// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionmate/device/pkg/commons"
)

func newTestLogger() commons.Logger {
	l, _ := commons.NewApplicationLogger()
	return l
}

func TestServersFetchesAndCaches(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "secret", r.URL.Query().Get("apiKey"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"urls":"stun:stun.relay.example.net:80"},
			{"urls":["turn:relay.example.net:80","turn:relay.example.net:443"],"username":"u","credential":"c"}
		]`))
	}))
	defer srv.Close()

	p := NewICEServerProvider(newTestLogger(), srv.URL, "secret")

	servers := p.Servers()
	require.Len(t, servers, 2)
	assert.Equal(t, []string{"stun:stun.relay.example.net:80"}, servers[0].URLs)
	assert.Equal(t, []string{"turn:relay.example.net:80", "turn:relay.example.net:443"}, servers[1].URLs)
	assert.Equal(t, "u", servers[1].Username)
	assert.Equal(t, "c", servers[1].Credential)

	// second call must hit the cache
	p.Servers()
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestServersFallsBackToSTUN(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	p := NewICEServerProvider(newTestLogger(), srv.URL, "")
	servers := p.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, servers[0].URLs)
}

func TestServersFallsBackWhenUnconfigured(t *testing.T) {
	p := NewICEServerProvider(newTestLogger(), "", "")
	servers := p.Servers()
	require.Len(t, servers, 1)
	assert.Contains(t, servers[0].URLs[0], "stun:")
}
