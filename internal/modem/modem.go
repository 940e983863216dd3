// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

// Package modem drives a SIM800A GSM module over its serial AT interface.
// Only outbound SMS is supported.
package modem

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/term"

	"github.com/visionmate/device/pkg/commons"
)

const (
	probeAttempts = 3

	probeTimeout   = time.Second
	commandTimeout = 2 * time.Second
	promptTimeout  = 5 * time.Second
	sendTimeout    = 10 * time.Second

	ctrlZ = "\x1a"
)

// Modem is a SIM800A session. Commands are serialized; the module cannot
// interleave them.
type Modem struct {
	logger commons.Logger
	mu     sync.Mutex
	port   io.ReadWriteCloser
}

// Open connects to the module on a serial port and initializes it.
func Open(logger commons.Logger, portName string, baud int) (*Modem, error) {
	port, err := term.Open(portName, term.Speed(baud), term.ReadTimeout(500*time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("modem: open %s: %w", portName, err)
	}
	m, err := New(logger, port)
	if err != nil {
		port.Close()
		return nil, err
	}
	return m, nil
}

// New initializes the module on an already-open port. Exposed for tests.
func New(logger commons.Logger, port io.ReadWriteCloser) (*Modem, error) {
	m := &Modem{logger: logger, port: port}

	var err error
	for i := 0; i < probeAttempts; i++ {
		if err = m.command("AT", "OK", probeTimeout); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("modem: not responding: %w", err)
	}

	if resp, err := m.query("AT+CSQ", "OK", commandTimeout); err == nil {
		m.logger.Infow("modem signal quality", "csq", strings.TrimSpace(resp))
	}
	if err := m.command("AT+CMGF=1", "OK", commandTimeout); err != nil {
		return nil, fmt.Errorf("modem: text mode: %w", err)
	}
	return m, nil
}

// SendSMS sends one text message. Blocks until the module confirms or the
// send times out.
func (m *Modem) SendSMS(phone, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.write(fmt.Sprintf("AT+CMGS=%q\r", phone)); err != nil {
		return err
	}
	if _, err := m.waitFor(">", promptTimeout); err != nil {
		return fmt.Errorf("modem: no send prompt: %w", err)
	}
	if err := m.write(message + ctrlZ); err != nil {
		return err
	}
	if _, err := m.waitFor("OK", sendTimeout); err != nil {
		return fmt.Errorf("modem: send not confirmed: %w", err)
	}
	m.logger.Infow("sms sent", "phone", phone)
	return nil
}

// Close releases the serial port.
func (m *Modem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port.Close()
}

// ====================================================================
// AT plumbing
// ====================================================================

func (m *Modem) command(cmd, expect string, timeout time.Duration) error {
	_, err := m.query(cmd, expect, timeout)
	return err
}

func (m *Modem) query(cmd, expect string, timeout time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.write(cmd + "\r\n"); err != nil {
		return "", err
	}
	return m.waitFor(expect, timeout)
}

func (m *Modem) write(s string) error {
	if _, err := m.port.Write([]byte(s)); err != nil {
		return fmt.Errorf("modem: write: %w", err)
	}
	return nil
}

// waitFor accumulates output until the expected token appears. "ERROR"
// fails fast. The port read timeout keeps the loop polling.
func (m *Modem) waitFor(expect string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	var acc strings.Builder
	buf := make([]byte, 256)

	for time.Now().Before(deadline) {
		n, err := m.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			out := acc.String()
			if strings.Contains(out, expect) {
				return out, nil
			}
			if strings.Contains(out, "ERROR") {
				return out, fmt.Errorf("modem: error response: %s", strings.TrimSpace(out))
			}
		}
		if err != nil {
			if err == io.EOF {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return acc.String(), fmt.Errorf("modem: read: %w", err)
		}
	}
	return acc.String(), fmt.Errorf("modem: timeout waiting for %q", expect)
}
