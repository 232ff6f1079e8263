// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dtn7/quiclib-go/pkg/engine/enginetest"
)

func streamBuffer(id int64, final bool, data string) *Buffer {
	buf := NewStreamBuffer(final, []byte(data))
	buf.Stream.StreamID = id
	return buf
}

func TestSendQueuePushInvalid(t *testing.T) {
	c, _ := dialFake(t, nil, nil)
	q := c.SendQueue()

	if err := q.Push(nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Push(nil) returned %v", err)
	}
	if err := q.Push(&Buffer{Data: [][]byte{{1}}}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Push without metadata returned %v", err)
	}
	both := &Buffer{Stream: &StreamMeta{}, Datagram: &DatagramMeta{}}
	if err := q.Push(both); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Push with both metadata returned %v", err)
	}
}

func TestSendQueueCloseOrdering(t *testing.T) {
	c, eng, id := openFake(t, nil, nil, true)
	q := c.SendQueue()

	// Hold the queue until everything is pushed.
	eng.SetCwnd(0)

	if err := q.Push(streamBuffer(id, false, "hello")); err != nil {
		t.Fatal(err)
	}
	if err := c.CloseStream(id, 0); err != nil {
		t.Fatal(err)
	}
	if err := q.Push(streamBuffer(id, false, " world")); err != nil {
		t.Fatal(err)
	}
	if n := q.Len(); n != 3 {
		t.Fatalf("Queue holds %d items", n)
	}
	if _, fin := eng.Written(id); fin {
		t.Fatal("FIN was written before the queued data")
	}

	eng.SetCwnd(1 << 20)

	waitFor(t, "queued FIN", func() bool {
		_, fin := eng.Written(id)
		return fin
	})

	if data, _ := eng.Written(id); !bytes.Equal(data, []byte("hello world")) {
		t.Fatalf("Written %q", data)
	}
	if n := q.Len(); n != 0 {
		t.Fatalf("Queue holds %d items", n)
	}
}

func TestSendQueuePartialWrites(t *testing.T) {
	c, eng, id := openFake(t, nil, func(e *enginetest.Engine) { e.StreamCredit = 3 }, true)
	q := c.SendQueue()

	if err := q.Push(streamBuffer(id, true, "abcdefgh")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "partial write", func() bool {
		data, _ := eng.Written(id)
		return len(data) == 3
	})
	waitFor(t, "requeued remainder", func() bool { return q.Len() == 1 })

	eng.Grant(id, 5)

	waitFor(t, "remaining data", func() bool {
		data, fin := eng.Written(id)
		return fin && bytes.Equal(data, []byte("abcdefgh"))
	})
}

func TestSendQueueDatagrams(t *testing.T) {
	c, eng := dialFake(t, nil, nil, WithDatagrams(true))
	eng.CompleteHandshake(testALPN, true)

	for _, s := range []string{"a", "b", "c"} {
		if err := c.SendQueue().Push(NewDatagramBuffer([]byte(s))); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "queued datagrams", func() bool { return len(eng.Datagrams()) == 3 })

	for i, d := range eng.Datagrams() {
		if d.Ticket != uint64(i) || string(d.Data) != string(rune('a'+i)) {
			t.Fatalf("Datagram %d is %v", i, d)
		}
	}
}
