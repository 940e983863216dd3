// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker is the device's MQTT session: a durable connection with
// auto-reconnect, JSON publish, and subscription replay on reconnect.
package broker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/visionmate/device/pkg/commons"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 10 * time.Second
	subscribeTimeout  = 5 * time.Second
	reconnectInterval = time.Second
	reconnectCap      = 5 * time.Second
)

// Handler consumes one inbound message.
type Handler func(topic string, payload []byte)

// Publisher is the outbound surface most components depend on. Payloads are
// JSON-marshalled by the session; callers never pre-serialize.
type Publisher interface {
	Publish(topic string, payload interface{}, qos byte, retain bool) error
}

// SessionOptions configures the broker connection.
type SessionOptions struct {
	URL      string
	ClientID string
	Username string
	Password string
}

// Session is a durable MQTT session.
type Session struct {
	logger commons.Logger
	client mqtt.Client

	mu     sync.Mutex
	subs   map[string]Handler
	closed bool
}

func NewSession(logger commons.Logger, opts SessionOptions) *Session {
	s := &Session{
		logger: logger,
		subs:   map[string]Handler{},
	}

	co := mqtt.NewClientOptions().
		AddBroker(opts.URL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnectInterval).
		SetMaxReconnectInterval(reconnectCap).
		// in-order callback delivery; handlers only enqueue, so the
		// synchronous dispatch cannot stall the client
		SetOrderMatters(true).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warnw("broker connection lost", "error", err)
		})
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}

	s.client = mqtt.NewClient(co)
	return s
}

// Connect establishes the session and blocks until the first connection or
// timeout.
func (s *Session) Connect() error {
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("broker: connect timeout after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker: connect: %w", err)
	}
	return nil
}

// onConnect replays the subscription set; paho calls it on every reconnect.
func (s *Session) onConnect(client mqtt.Client) {
	s.mu.Lock()
	subs := make(map[string]Handler, len(s.subs))
	for topic, h := range s.subs {
		subs[topic] = h
	}
	s.mu.Unlock()

	s.logger.Infow("broker connected", "subscriptions", len(subs))
	for topic, h := range subs {
		s.subscribe(client, topic, h)
	}
}

func (s *Session) subscribe(client mqtt.Client, topic string, h Handler) {
	token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(subscribeTimeout) || token.Error() != nil {
		s.logger.Errorw("broker subscribe failed", "topic", topic, "error", token.Error())
	}
}

// Subscribe registers a handler for a topic. The subscription survives
// reconnects.
func (s *Session) Subscribe(topic string, h Handler) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("broker: session closed")
	}
	s.subs[topic] = h
	s.mu.Unlock()

	if s.client.IsConnected() {
		s.subscribe(s.client, topic, h)
	}
	return nil
}

// Publish JSON-marshals payload and publishes it. []byte payloads pass
// through unencoded.
func (s *Session) Publish(topic string, payload interface{}, qos byte, retain bool) error {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	default:
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("broker: marshal for %s: %w", topic, err)
		}
	}

	token := s.client.Publish(topic, qos, retain, data)
	if qos == 0 {
		return token.Error()
	}
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("broker: publish timeout on %s", topic)
	}
	return token.Error()
}

// Disconnect closes the session. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.client.Disconnect(500)
	s.logger.Infow("broker disconnected")
}
