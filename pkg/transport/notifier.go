// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import "sync"

// notifier runs posted closures one after another on its own goroutine. The
// queue is unbounded, so posting never blocks.
type notifier struct {
	mutex   sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

func newNotifier() *notifier {
	n := &notifier{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go n.run()
	return n
}

// post enqueues f. It returns false after close.
func (n *notifier) post(f func()) bool {
	n.mutex.Lock()
	if n.closed {
		n.mutex.Unlock()
		return false
	}
	n.queue = append(n.queue, f)
	n.mutex.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
	return true
}

// close stops accepting closures. Already posted closures are still run.
func (n *notifier) close() {
	n.mutex.Lock()
	n.closed = true
	n.mutex.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// done is closed after the last closure returned.
func (n *notifier) done() <-chan struct{} {
	return n.stopped
}

func (n *notifier) run() {
	defer close(n.stopped)

	for {
		n.mutex.Lock()
		queue, closed := n.queue, n.closed
		n.queue = nil
		n.mutex.Unlock()

		for _, f := range queue {
			f()
		}

		if len(queue) > 0 {
			continue
		}
		if closed {
			return
		}
		<-n.wake
	}
}
