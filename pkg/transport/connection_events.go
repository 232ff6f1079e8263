// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bytes"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quiclib-go/pkg/engine"
)

// StreamRefusedCode resets streams vetoed by a consumer.
const StreamRefusedCode uint64 = 0x1

// connEvents implements engine.Callbacks for a Connection.
type connEvents Connection

func (c *Connection) callbacks() engine.Callbacks {
	return (*connEvents)(c)
}

func (ev *connEvents) conn() *Connection {
	return (*Connection)(ev)
}

func (ev *connEvents) HandshakeProgress() {
	ev.advanceState(StateHandshake)
}

func (ev *connEvents) HandshakeCompleted(alpn string) {
	c := ev.conn()

	c.mutex.Lock()
	c.alpn = alpn
	remote := c.path.Remote
	c.mutex.Unlock()

	c.advanceState(StateHandshake)
	c.advanceState(StateOpen)
	c.handshakeOnce.Do(func() { close(c.handshakeDone) })

	c.logger.WithFields(log.Fields{
		"alpn":   alpn,
		"remote": remote,
	}).Info("Handshake completed")

	c.post(func() {
		if !c.consumers.handshakeComplete(c, remote, alpn) {
			c.logger.WithField("alpn", alpn).Info("Consumer refused connection")
			go func() { _ = c.Disconnect(true, engine.ConnectionRefused) }()
		}
	})
}

func (ev *connEvents) StreamOpened(id int64) {
	c := ev.conn()

	c.mutex.Lock()
	c.seenStreamLocked(id)
	c.creditRemoteStreamLocked(StreamIsBidi(id))
	if _, ok := c.streams[id]; !ok {
		c.streams[id] = newStream(id, c.role)
	}
	c.mutex.Unlock()

	c.logger.WithField("stream", id).Debug("Peer opened stream")

	c.post(func() {
		if !c.consumers.streamOpened(c, id) {
			c.logger.WithField("stream", id).Debug("Consumer refused stream")
			go func() { _ = c.CloseStream(id, StreamRefusedCode) }()
		}
	})
}

// creditRemoteStreamLocked accounts for one peer initiated stream and extends
// the peer's budget back to the maximum once it fell below half of it.
func (c *Connection) creditRemoteStreamLocked(bidi bool) {
	dir, max := 0, c.params.InitialMaxStreamsBidi
	if !bidi {
		dir, max = 1, c.params.InitialMaxStreamsUni
	}

	if c.remoteStreams[dir] > 0 {
		c.remoteStreams[dir]--
	}
	if c.remoteStreams[dir] < max/2 {
		ext := max - c.remoteStreams[dir]
		c.eng.ExtendMaxStreams(bidi, ext)
		c.remoteStreams[dir] = max

		c.logger.WithFields(log.Fields{
			"bidi":      bidi,
			"extension": ext,
		}).Debug("Extended peer's stream budget")
	}
}

func (c *Connection) seenStreamLocked(id int64) {
	if class := id & 0x3; id > c.lastStreamID[class] {
		c.lastStreamID[class] = id
	}
}

func (ev *connEvents) StreamData(id int64, offset uint64, data []byte, fin bool) {
	c := ev.conn()

	notify := false
	if fin {
		c.mutex.Lock()
		if st, ok := c.streams[id]; ok {
			st.setFlags(StreamClosedReading)
			notify = c.releaseStreamLocked(st)
		}
		c.mutex.Unlock()
	}

	buf := &Buffer{
		Data: [][]byte{data},
		Stream: &StreamMeta{
			StreamID: id,
			Type:     StreamType(id & 0x3),
			Offset:   offset,
			Length:   uint64(len(data)),
			Final:    fin,
		},
	}
	c.post(func() {
		c.consumers.streamData(c, buf)
		if notify {
			c.consumers.streamClosed(c, id)
		}
	})
}

func (ev *connEvents) StreamClosed(id int64, code uint64) {
	c := ev.conn()

	c.mutex.Lock()
	st, ok := c.streams[id]
	notify := false
	if ok {
		if st.close() {
			delete(c.streams, id)
		}
		notify = st.claimClosed()
	}
	c.mutex.Unlock()

	// A missing stream was freed and announced when its last ack arrived.
	if !notify {
		return
	}

	c.logger.WithFields(log.Fields{
		"stream": id,
		"code":   code,
	}).Debug("Stream closed")

	c.post(func() { c.consumers.streamClosed(c, id) })
}

func (ev *connEvents) StreamReset(id int64, finalSize, code uint64) {
	ev.logger.WithFields(log.Fields{
		"stream":     id,
		"final_size": finalSize,
		"code":       code,
	}).Debug("Peer reset stream")

	ev.StreamClosed(id, code)
}

func (ev *connEvents) StreamAcked(id int64, offset, length uint64) {
	c := ev.conn()

	c.mutex.Lock()
	st, ok := c.streams[id]
	if !ok {
		c.mutex.Unlock()
		return
	}
	acked, done := st.ack(offset + length)
	notify := false
	if done {
		delete(c.streams, id)
		notify = st.claimClosed()
	}
	c.mutex.Unlock()

	if len(acked) == 0 && !notify {
		return
	}
	c.post(func() {
		for _, buf := range acked {
			c.consumers.streamAcked(c, id, buf.Stream.Offset+buf.Len(), buf)
		}
		if notify {
			c.consumers.streamClosed(c, id)
		}
	})
}

// releaseStreamLocked frees st once it is closed in both directions and fully
// acknowledged. It reports whether consumers still have to learn about it.
func (c *Connection) releaseStreamLocked(st *stream) bool {
	if !st.freeable() {
		return false
	}
	delete(c.streams, st.id)
	return st.claimClosed()
}

// postStreamClosed announces a stream freed on the caller's goroutine.
func (c *Connection) postStreamClosed(id int64) {
	c.logger.WithField("stream", id).Debug("Stream closed")
	c.post(func() { c.consumers.streamClosed(c, id) })
}

func (ev *connEvents) DatagramReceived(data []byte) {
	c := ev.conn()

	buf := &Buffer{
		Data:     [][]byte{data},
		Datagram: &DatagramMeta{Length: uint64(len(data))},
	}
	c.post(func() { c.consumers.datagramData(c, buf) })
}

func (ev *connEvents) DatagramAcked(ticket uint64) {
	c := ev.conn()

	c.mutex.Lock()
	buf, ok := c.datagrams[ticket]
	delete(c.datagrams, ticket)
	c.mutex.Unlock()

	if ok {
		c.post(func() { c.consumers.datagramAcked(c, buf) })
	}
}

func (ev *connEvents) DatagramLost(ticket uint64) {
	c := ev.conn()

	c.mutex.Lock()
	_, ok := c.datagrams[ticket]
	delete(c.datagrams, ticket)
	c.mutex.Unlock()

	if ok {
		c.logger.WithField("ticket", ticket).Debug("Datagram lost")
	}
}

func (ev *connEvents) NewConnectionID(cid []byte) {
	c := ev.conn()
	cid = append([]byte(nil), cid...)

	c.cidMutex.Lock()
	c.cids = append(c.cids, cid)
	c.cidMutex.Unlock()

	if c.server != nil {
		c.server.addRoute(cid, c)
	}
}

func (ev *connEvents) RetireConnectionID(cid []byte) {
	c := ev.conn()

	c.cidMutex.Lock()
	for i, other := range c.cids {
		if bytes.Equal(other, cid) {
			c.cids = append(c.cids[:i], c.cids[i+1:]...)
			break
		}
	}
	c.cidMutex.Unlock()

	if c.server != nil {
		c.server.removeRoute(cid, c)
	}
}

func (ev *connEvents) Draining(ce engine.CloseError) {
	ev.conn().enterDraining(ce)
}
