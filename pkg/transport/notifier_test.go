// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"testing"
	"time"
)

func TestNotifierOrder(t *testing.T) {
	n := newNotifier()

	var got []int
	block := make(chan struct{})
	n.post(func() { <-block })

	// Posting never blocks, even while a closure runs.
	for i := 0; i < 1000; i++ {
		if !n.post(func() { got = append(got, i) }) {
			t.Fatal("post failed")
		}
	}
	close(block)
	n.close()

	select {
	case <-n.done():
	case <-time.After(2 * time.Second):
		t.Fatal("Notifier did not stop")
	}

	if len(got) != 1000 {
		t.Fatalf("%d closures ran", len(got))
	}
	for i, v := range got {
		if i != v {
			t.Fatalf("Closure %d ran at position %d", v, i)
		}
	}

	if n.post(func() {}) {
		t.Fatal("post succeeded after close")
	}
}

func TestBroadcast(t *testing.T) {
	var b broadcast

	first, second := b.wait(), b.wait()
	b.signal()

	for _, ch := range []<-chan struct{}{first, second} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("Waiter was not woken")
		}
	}

	select {
	case <-b.wait():
		t.Fatal("New waiter was woken by an old signal")
	default:
	}
}
