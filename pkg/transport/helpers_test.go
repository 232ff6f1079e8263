// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"crypto/tls"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dtn7/quiclib-go/pkg/engine/enginetest"
)

const testALPN = "quiclib-test"

// recorder is a consumer implementing every handler.
type recorder struct {
	mutex sync.Mutex

	vetoConnections bool
	vetoHandshakes  bool
	vetoStreams     bool

	connections   int
	handshakes    []string
	opened        []int64
	closedStreams []int64
	data          []*Buffer
	datagrams     []*Buffer
	acked         []*Buffer
	ackOffsets    []uint64
	dgramsAcked   []*Buffer
	errorCodes    []uint64
	closed        int
}

func (r *recorder) NewConnection(*Server, net.Addr) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.connections++
	return !r.vetoConnections
}

func (r *recorder) HandshakeComplete(_ *Connection, _ net.Addr, alpn string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.handshakes = append(r.handshakes, alpn)
	return !r.vetoHandshakes
}

func (r *recorder) StreamOpened(_ *Connection, id int64) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.opened = append(r.opened, id)
	return !r.vetoStreams
}

func (r *recorder) StreamClosed(_ *Connection, id int64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.closedStreams = append(r.closedStreams, id)
}

func (r *recorder) StreamData(_ *Connection, buf *Buffer) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.data = append(r.data, buf)
}

func (r *recorder) DatagramData(_ *Connection, buf *Buffer) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.datagrams = append(r.datagrams, buf)
}

func (r *recorder) StreamAcked(_ *Connection, _ int64, offset uint64, buf *Buffer) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.acked = append(r.acked, buf)
	r.ackOffsets = append(r.ackOffsets, offset)
}

func (r *recorder) DatagramAcked(_ *Connection, buf *Buffer) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.dgramsAcked = append(r.dgramsAcked, buf)
}

func (r *recorder) ConnectionError(_ *Connection, code uint64) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.errorCodes = append(r.errorCodes, code)
	return true
}

func (r *recorder) ConnectionClosed(*Connection, net.Addr) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.closed++
}

// get runs f while holding the recorder's lock.
func (r *recorder) get(f func(r *recorder) bool) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return f(r)
}

// waitFor polls cond until it holds or fails the test after two seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var testRemote = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}

// dialFake dials a client connection backed by a fake engine.
func dialFake(t *testing.T, consumer Consumer, configure func(*enginetest.Engine), opts ...Option) (*Connection, *enginetest.Engine) {
	t.Helper()

	p := enginetest.NewProvider()
	p.Configure = configure

	opts = append([]Option{WithALPN(testALPN), WithProvider(p)}, opts...)
	c, err := Dial(testRemote, consumer, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	engines := p.Engines()
	if len(engines) != 1 {
		t.Fatalf("Provider created %d engines", len(engines))
	}
	return c, engines[0]
}

// openFake dials a connection, completes its handshake and opens a stream.
func openFake(t *testing.T, consumer Consumer, configure func(*enginetest.Engine), bidi bool, opts ...Option) (*Connection, *enginetest.Engine, int64) {
	t.Helper()

	c, eng := dialFake(t, consumer, configure, opts...)
	eng.CompleteHandshake(testALPN, false)

	id, err := c.OpenStream(bidi)
	if err != nil {
		t.Fatal(err)
	}
	return c, eng, id
}

// listenFake starts a server backed by fake engines on a loopback port.
func listenFake(t *testing.T, consumer Consumer) (*Server, *enginetest.Listener) {
	t.Helper()

	p := enginetest.NewProvider()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}

	s, err := Listen([]*net.UDPAddr{addr}, consumer,
		WithALPN(testALPN),
		WithProvider(p),
		WithTLSConfig(&tls.Config{MinVersion: tls.VersionTLS13}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	listeners := p.Listeners()
	if len(listeners) != 1 {
		t.Fatalf("Provider created %d listeners", len(listeners))
	}
	return s, listeners[0]
}
