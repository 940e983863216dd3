// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

// Package handler routes inbound broker traffic: suffix dispatch onto a
// worker pool, the call coordinator, chunked audio reassembly, and device
// commands.
package handler

import (
	"strings"
	"sync"

	"github.com/visionmate/device/internal/broker"
	"github.com/visionmate/device/pkg/commons"
)

const (
	routerWorkers   = 4
	routerQueueSize = 64
)

type routedJob struct {
	topic   string
	payload []byte
	handle  func([]byte)
}

type routeEntry struct {
	handle  func([]byte)
	ordered bool
}

// Router dispatches inbound messages by topic suffix onto a fixed worker
// pool, so slow handlers (SDP negotiation) never block the broker I/O loop.
// Ordered suffixes share one serialized lane instead: signaling messages
// must reach the peer in arrival order.
type Router struct {
	logger commons.Logger

	mu     sync.RWMutex
	routes map[string]routeEntry
	closed bool

	jobs    chan routedJob
	ordered chan routedJob
	wg      sync.WaitGroup

	closeOnce sync.Once
}

func NewRouter(logger commons.Logger) *Router {
	r := &Router{
		logger:  logger,
		routes:  map[string]routeEntry{},
		jobs:    make(chan routedJob, routerQueueSize),
		ordered: make(chan routedJob, routerQueueSize),
	}
	for i := 0; i < routerWorkers; i++ {
		r.wg.Add(1)
		go r.worker(r.jobs)
	}
	r.wg.Add(1)
	go r.worker(r.ordered)
	return r
}

func (r *Router) worker(jobs chan routedJob) {
	defer r.wg.Done()
	for job := range jobs {
		job.handle(job.payload)
	}
}

// Handle registers a pooled handler for a topic suffix (e.g. "/audio").
func (r *Router) Handle(suffix string, fn func(payload []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[suffix] = routeEntry{handle: fn}
}

// HandleOrdered registers a handler on the serialized lane. Messages for
// ordered suffixes run one at a time, in arrival order, across all ordered
// suffixes combined.
func (r *Router) HandleOrdered(suffix string, fn func(payload []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[suffix] = routeEntry{handle: fn, ordered: true}
}

// Route matches the topic against registered suffixes and enqueues the
// handler. Unmatched topics and full queues are logged and dropped.
func (r *Router) Route(topic string, payload []byte) {
	// the read lock is held across the enqueue so Close cannot close the
	// channels under an in-flight send
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	var entry routeEntry
	found := false
	for suffix, e := range r.routes {
		if strings.HasSuffix(topic, suffix) {
			entry = e
			found = true
			break
		}
	}
	if !found {
		r.logger.Debugw("no route for topic", "topic", topic)
		return
	}

	lane := r.jobs
	if entry.ordered {
		lane = r.ordered
	}
	select {
	case lane <- routedJob{topic: topic, payload: payload, handle: entry.handle}:
	default:
		r.logger.Warnw("router queue full, message dropped", "topic", topic)
	}
}

// Bind subscribes every inbound device topic to this router.
func (r *Router) Bind(session *broker.Session, topics broker.Topics) error {
	for _, topic := range topics.Inbound() {
		if err := session.Subscribe(topic, r.Route); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the pool. Messages already enqueued still run; messages
// routed afterwards are dropped.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.jobs)
		close(r.ordered)
		r.wg.Wait()
	})
}
