// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicgo

import "sync"

// eventQueue runs closures in order on its own goroutine. It decouples
// quic-go's tracer, which runs on the connection's run loop, from the
// engine callbacks.
type eventQueue struct {
	mutex  sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) post(f func()) {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return
	}
	q.queue = append(q.queue, f)
	q.mutex.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close stops the queue after all posted closures ran.
func (q *eventQueue) close() {
	q.mutex.Lock()
	q.closed = true
	q.mutex.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.done)

	for {
		q.mutex.Lock()
		queue, closed := q.queue, q.closed
		q.queue = nil
		q.mutex.Unlock()

		for _, f := range queue {
			f()
		}

		if len(queue) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}
