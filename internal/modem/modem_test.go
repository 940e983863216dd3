// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package modem

import (
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionmate/device/pkg/commons"
)

func newTestLogger() commons.Logger {
	l, _ := commons.NewApplicationLogger()
	return l
}

// fakePort scripts the module side: every write is inspected and the
// canned response queued for the next reads.
type fakePort struct {
	mu      sync.Mutex
	writes  []string
	pending []byte
	respond func(cmd string) string
	closed  bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cmd := string(b)
	p.writes = append(p.writes, cmd)
	if p.respond != nil {
		p.pending = append(p.pending, []byte(p.respond(cmd))...)
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func healthyModule(cmd string) string {
	switch {
	case strings.HasPrefix(cmd, "AT+CSQ"):
		return "+CSQ: 21,0\r\nOK\r\n"
	case strings.HasPrefix(cmd, "AT+CMGF"):
		return "OK\r\n"
	case strings.HasPrefix(cmd, "AT+CMGS"):
		return "> "
	case strings.HasSuffix(cmd, ctrlZ):
		return "+CMGS: 12\r\nOK\r\n"
	case strings.HasPrefix(cmd, "AT"):
		return "OK\r\n"
	}
	return ""
}

func TestNewInitializesTextMode(t *testing.T) {
	port := &fakePort{respond: healthyModule}
	m, err := New(newTestLogger(), port)
	require.NoError(t, err)
	require.NotNil(t, m)

	joined := strings.Join(port.writes, "")
	assert.Contains(t, joined, "AT\r\n")
	assert.Contains(t, joined, "AT+CSQ")
	assert.Contains(t, joined, "AT+CMGF=1")
}

func TestNewRetriesProbe(t *testing.T) {
	attempts := 0
	port := &fakePort{}
	port.respond = func(cmd string) string {
		if cmd == "AT\r\n" {
			attempts++
			if attempts < 3 {
				return "" // silent module, first two probes
			}
		}
		return healthyModule(cmd)
	}

	_, err := New(newTestLogger(), port)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestNewFailsWhenSilent(t *testing.T) {
	port := &fakePort{} // never answers
	_, err := New(newTestLogger(), port)
	assert.Error(t, err)
}

func TestSendSMS(t *testing.T) {
	port := &fakePort{respond: healthyModule}
	m, err := New(newTestLogger(), port)
	require.NoError(t, err)

	require.NoError(t, m.SendSMS("+15550100", "need assistance"))

	joined := strings.Join(port.writes, "")
	assert.Contains(t, joined, `AT+CMGS="+15550100"`)
	assert.Contains(t, joined, "need assistance"+ctrlZ)
}

func TestSendSMSErrorResponse(t *testing.T) {
	port := &fakePort{}
	port.respond = func(cmd string) string {
		if strings.HasPrefix(cmd, "AT+CMGS") {
			return "ERROR\r\n"
		}
		return healthyModule(cmd)
	}
	m, err := New(newTestLogger(), port)
	require.NoError(t, err)

	assert.Error(t, m.SendSMS("+15550100", "x"))
}

func TestCloseReleasesPort(t *testing.T) {
	port := &fakePort{respond: healthyModule}
	m, err := New(newTestLogger(), port)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.True(t, port.closed)
}
