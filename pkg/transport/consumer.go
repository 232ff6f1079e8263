// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"net"
	"sync"
)

// Consumer receives the events of an endpoint. A Consumer implements any
// subset of the handler interfaces below; it is compared by identity and
// should therefore be a pointer.
//
// Handlers are invoked on the endpoint's notification goroutine in the order
// the events occurred, except NewConnection which is invoked synchronously
// while a server accepts a connection.
type Consumer any

// NewConnectionHandler may veto a new server side connection.
type NewConnectionHandler interface {
	NewConnection(srv *Server, remote net.Addr) bool
}

// HandshakeCompleteHandler may veto an established connection, e.g., due to
// an unexpected ALPN.
type HandshakeCompleteHandler interface {
	HandshakeComplete(conn *Connection, remote net.Addr, alpn string) bool
}

// StreamOpenedHandler may veto a peer initiated stream, which resets it.
type StreamOpenedHandler interface {
	StreamOpened(conn *Connection, id int64) bool
}

// StreamClosedHandler is informed about closed streams.
type StreamClosedHandler interface {
	StreamClosed(conn *Connection, id int64)
}

// StreamDataHandler receives stream data.
type StreamDataHandler interface {
	StreamData(conn *Connection, buf *Buffer)
}

// DatagramDataHandler receives datagrams.
type DatagramDataHandler interface {
	DatagramData(conn *Connection, buf *Buffer)
}

// StreamAckedHandler is informed once for each sent buffer after all bytes up
// to offset were acknowledged.
type StreamAckedHandler interface {
	StreamAcked(conn *Connection, id int64, offset uint64, buf *Buffer)
}

// DatagramAckedHandler is informed about acknowledged datagrams.
type DatagramAckedHandler interface {
	DatagramAcked(conn *Connection, buf *Buffer)
}

// ConnectionErrorHandler is informed about a connection error. Returning
// true marks the error as handled for the remaining consumers.
type ConnectionErrorHandler interface {
	ConnectionError(conn *Connection, code uint64) bool
}

// ConnectionClosedHandler is informed about a finally closed connection.
type ConnectionClosedHandler interface {
	ConnectionClosed(conn *Connection, remote net.Addr)
}

// consumerList is the ordered consumer list, shared between a server and its
// children.
type consumerList struct {
	mutex     sync.RWMutex
	consumers []Consumer
}

// add appends c if it is not already present.
func (cl *consumerList) add(c Consumer) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	for _, other := range cl.consumers {
		if other == c {
			return
		}
	}
	cl.consumers = append(cl.consumers, c)
}

// remove deletes c and returns the number of remaining consumers.
func (cl *consumerList) remove(c Consumer) int {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	for i, other := range cl.consumers {
		if other == c {
			cl.consumers = append(cl.consumers[:i], cl.consumers[i+1:]...)
			break
		}
	}
	return len(cl.consumers)
}

func (cl *consumerList) snapshot() []Consumer {
	cl.mutex.RLock()
	defer cl.mutex.RUnlock()
	return append([]Consumer(nil), cl.consumers...)
}

func (cl *consumerList) len() int {
	cl.mutex.RLock()
	defer cl.mutex.RUnlock()
	return len(cl.consumers)
}

// vetoed calls f for each consumer until one returns false.
func (cl *consumerList) vetoed(f func(Consumer) (ok, handled bool)) bool {
	for _, c := range cl.snapshot() {
		if ok, handled := f(c); handled && !ok {
			return true
		}
	}
	return false
}

// each calls f for each consumer.
func (cl *consumerList) each(f func(Consumer)) {
	for _, c := range cl.snapshot() {
		f(c)
	}
}

func (cl *consumerList) newConnection(srv *Server, remote net.Addr) bool {
	return !cl.vetoed(func(c Consumer) (bool, bool) {
		if h, ok := c.(NewConnectionHandler); ok {
			return h.NewConnection(srv, remote), true
		}
		return true, false
	})
}

func (cl *consumerList) handshakeComplete(conn *Connection, remote net.Addr, alpn string) bool {
	return !cl.vetoed(func(c Consumer) (bool, bool) {
		if h, ok := c.(HandshakeCompleteHandler); ok {
			return h.HandshakeComplete(conn, remote, alpn), true
		}
		return true, false
	})
}

func (cl *consumerList) streamOpened(conn *Connection, id int64) bool {
	return !cl.vetoed(func(c Consumer) (bool, bool) {
		if h, ok := c.(StreamOpenedHandler); ok {
			return h.StreamOpened(conn, id), true
		}
		return true, false
	})
}

// connectionError returns true if a consumer handled the error.
func (cl *consumerList) connectionError(conn *Connection, code uint64) bool {
	for _, c := range cl.snapshot() {
		if h, ok := c.(ConnectionErrorHandler); ok && h.ConnectionError(conn, code) {
			return true
		}
	}
	return false
}

func (cl *consumerList) streamClosed(conn *Connection, id int64) {
	cl.each(func(c Consumer) {
		if h, ok := c.(StreamClosedHandler); ok {
			h.StreamClosed(conn, id)
		}
	})
}

func (cl *consumerList) streamData(conn *Connection, buf *Buffer) {
	cl.each(func(c Consumer) {
		if h, ok := c.(StreamDataHandler); ok {
			h.StreamData(conn, buf)
		}
	})
}

func (cl *consumerList) datagramData(conn *Connection, buf *Buffer) {
	cl.each(func(c Consumer) {
		if h, ok := c.(DatagramDataHandler); ok {
			h.DatagramData(conn, buf)
		}
	})
}

func (cl *consumerList) streamAcked(conn *Connection, id int64, offset uint64, buf *Buffer) {
	cl.each(func(c Consumer) {
		if h, ok := c.(StreamAckedHandler); ok {
			h.StreamAcked(conn, id, offset, buf)
		}
	})
}

func (cl *consumerList) datagramAcked(conn *Connection, buf *Buffer) {
	cl.each(func(c Consumer) {
		if h, ok := c.(DatagramAckedHandler); ok {
			h.DatagramAcked(conn, buf)
		}
	})
}

func (cl *consumerList) connectionClosed(conn *Connection, remote net.Addr) {
	cl.each(func(c Consumer) {
		if h, ok := c.(ConnectionClosedHandler); ok {
			h.ConnectionClosed(conn, remote)
		}
	})
}
