// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type queueItem struct {
	buf *Buffer

	// closeMarker requests closing stream with code after all of its queued
	// data was sent.
	closeMarker bool
	stream      int64
	code        uint64
}

// SendQueue buffers outbound stream data and datagrams. A goroutine releases
// them whenever the congestion window permits.
type SendQueue struct {
	conn *Connection

	mutex sync.Mutex
	items []queueItem
	wake  chan struct{}
}

func newSendQueue(c *Connection) *SendQueue {
	return &SendQueue{
		conn: c,
		wake: make(chan struct{}, 1),
	}
}

// Push appends a buffer. Stream buffers must carry their stream id in
// buf.Stream.StreamID.
func (q *SendQueue) Push(buf *Buffer) error {
	switch {
	case buf == nil:
		return ErrInvalid
	case buf.Stream != nil && buf.Datagram != nil:
		return fmt.Errorf("%w: buffer is both stream data and a datagram", ErrInvalid)
	case buf.Stream == nil && buf.Datagram == nil:
		return fmt.Errorf("%w: buffer has no metadata", ErrInvalid)
	}

	item := queueItem{buf: buf, stream: -1}
	if buf.Stream != nil {
		item.stream = buf.Stream.StreamID
	}

	q.mutex.Lock()
	q.items = append(q.items, item)
	q.mutex.Unlock()

	q.notify()
	return nil
}

// PushClose queues closing a stream behind its queued data.
func (q *SendQueue) PushClose(id int64, code uint64) {
	q.mutex.Lock()
	q.items = append(q.items, queueItem{closeMarker: true, stream: id, code: code})
	q.mutex.Unlock()

	q.notify()
}

// Len returns the number of queued items.
func (q *SendQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}

func (q *SendQueue) hasStream(id int64) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for _, item := range q.items {
		if !item.closeMarker && item.stream == id {
			return true
		}
	}
	return false
}

func (q *SendQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *SendQueue) ready() bool {
	c := q.conn

	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.eng != nil && c.eng.CwndLeft() > 0
}

func (q *SendQueue) run() {
	defer q.conn.wg.Done()

	for {
		congestion := q.conn.wake.wait()
		select {
		case <-q.conn.done:
			return
		case <-q.wake:
		case <-congestion:
		case <-time.After(congestionWait):
		}

		q.dispatch()
	}
}

// pop returns the next item, moving close markers behind later data of the
// same stream.
func (q *SendQueue) pop() (queueItem, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for len(q.items) > 0 {
		item := q.items[0]
		if item.closeMarker {
			last := -1
			for i := 1; i < len(q.items); i++ {
				if !q.items[i].closeMarker && q.items[i].stream == item.stream {
					last = i
				}
			}
			if last > 0 {
				copy(q.items, q.items[1:last+1])
				q.items[last] = item
				continue
			}
		}
		q.items = q.items[1:]
		return item, true
	}
	return queueItem{}, false
}

func (q *SendQueue) pushFront(item queueItem) {
	q.mutex.Lock()
	q.items = append([]queueItem{item}, q.items...)
	q.mutex.Unlock()
}

func (q *SendQueue) dispatch() {
	c := q.conn

	for q.Len() > 0 && q.ready() {
		item, ok := q.pop()
		if !ok {
			return
		}

		switch {
		case item.closeMarker:
			if err := c.closeStream(item.stream, item.code); err != nil {
				c.logger.WithError(err).WithField("stream", item.stream).Debug("Queued stream close failed")
			}

		case item.buf.Datagram != nil:
			if _, err := c.SendDatagram(item.buf); err != nil {
				c.logger.WithError(err).Debug("Queued datagram failed")
			}

		default:
			n, err := c.sendStream(item.buf, item.stream, false)
			blocked := errors.Is(err, ErrStreamDataBlocked) || errors.Is(err, ErrConnDataBlocked)
			if err != nil && !blocked {
				c.logger.WithError(err).WithFields(log.Fields{
					"stream":  item.stream,
					"written": n,
				}).Debug("Queued stream data failed")
				continue
			}
			if blocked || uint64(n) < item.buf.Len() {
				item.buf = &Buffer{
					Data:   split(item.buf.Data, n),
					Stream: &StreamMeta{StreamID: item.stream, Final: item.buf.IsFinal()},
				}
				q.pushFront(item)
				return
			}
		}
	}
}
