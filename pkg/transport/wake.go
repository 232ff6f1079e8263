// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import "sync"

// broadcast wakes all current waiters at once.
type broadcast struct {
	mutex sync.Mutex
	ch    chan struct{}
}

// wait returns a channel closed by the next signal. Obtain it before
// releasing the lock protecting the awaited condition.
func (b *broadcast) wait() <-chan struct{} {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.ch == nil {
		b.ch = make(chan struct{})
	}
	return b.ch
}

func (b *broadcast) signal() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.ch != nil {
		close(b.ch)
		b.ch = nil
	}
}
