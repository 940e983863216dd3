// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"errors"
	"fmt"
	"time"
)

var errLoopStopped = errors.New("call: event loop stopped")

// eventLoop serializes all peer operations onto one owner goroutine. Public
// peer methods submit closures and await the result with a timeout; nothing
// else may touch the peer connection's negotiation state.
type eventLoop struct {
	work chan func()
	stop chan struct{}
	done chan struct{}
}

func newEventLoop() *eventLoop {
	l := &eventLoop{
		work: make(chan func(), 32),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.work:
			fn()
		case <-l.stop:
			// drain whatever was queued before the stop
			for {
				select {
				case fn := <-l.work:
					fn()
				default:
					return
				}
			}
		}
	}
}

// submit runs fn on the owner goroutine and waits for its result up to
// timeout. A timeout abandons the wait but fn still runs to completion.
func (l *eventLoop) submit(timeout time.Duration, fn func() error) error {
	result := make(chan error, 1)
	wrapped := func() { result <- fn() }

	select {
	case <-l.stop:
		return errLoopStopped
	default:
	}
	select {
	case l.work <- wrapped:
	case <-l.stop:
		return errLoopStopped
	}

	select {
	case err := <-result:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("call: operation timed out after %s", timeout)
	}
}

// close stops the loop after draining queued work. Idempotent via the peer's
// own close guard.
func (l *eventLoop) close() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	<-l.done
}
