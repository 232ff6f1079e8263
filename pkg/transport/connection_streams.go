// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quiclib-go/pkg/engine"
)

// OpenStream opens a new locally initiated stream and returns its id.
func (c *Connection) OpenStream(bidi bool) (int64, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.checkOpenLocked(); err != nil {
		return -1, err
	}
	if !c.eng.HandshakeCompleted() {
		return -1, fmt.Errorf("%w: handshake not completed", ErrInvalid)
	}

	var id int64
	var err error
	if bidi {
		id, err = c.eng.OpenBidiStream()
	} else {
		id, err = c.eng.OpenUniStream()
	}
	if err != nil {
		return -1, c.wrapEngineError(err, -1)
	}

	c.streams[id] = newStream(id, c.role)
	c.seenStreamLocked(id)

	c.logger.WithFields(log.Fields{
		"stream": id,
		"bidi":   bidi,
	}).Debug("Opened stream")
	return id, nil
}

// StreamState returns the state of a known stream.
func (c *Connection) StreamState(id int64) (StreamState, bool) {
	c.mutex.Lock()
	st, ok := c.streams[id]
	c.mutex.Unlock()

	if !ok {
		return 0, false
	}
	return st.getState(), true
}

// StreamCount returns the number of streams in the stream table.
func (c *Connection) StreamCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.streams)
}

// lookupStream returns the stream id or an error, distinguishing never
// opened from already closed streams.
func (c *Connection) lookupStream(id int64) (*stream, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if st, ok := c.streams[id]; ok {
		return st, nil
	}
	if id > c.lastStreamID[id&0x3] {
		return nil, fmt.Errorf("%w: unknown stream %d", ErrInvalid, id)
	}
	return nil, fmt.Errorf("%w: stream %d", ErrStreamClosed, id)
}

// CloseStream closes a stream. A non-zero code or a unidirectional stream
// results in a reset; otherwise a FIN is sent. If the send queue still holds
// data for the stream, the FIN is queued behind it.
func (c *Connection) CloseStream(id int64, code uint64) error {
	if id < 0 {
		return ErrInvalid
	}
	if code == 0 && StreamIsBidi(id) && c.queue.hasStream(id) {
		c.queue.PushClose(id, code)
		return nil
	}
	return c.closeStream(id, code)
}

func (c *Connection) closeStream(id int64, code uint64) error {
	st, err := c.lookupStream(id)
	if err != nil {
		return err
	}

	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.checkOpenLocked(); err != nil {
		return err
	}

	if code != 0 || !StreamIsBidi(id) {
		if err := c.eng.ShutdownStream(id, code); err != nil {
			return c.wrapEngineError(err, id)
		}
		st.setFlags(StreamClosedSending)
		if c.releaseStreamLocked(st) {
			c.postStreamClosed(id)
		}
		return nil
	}

	if st.getState()&StreamClosedSending != 0 {
		return fmt.Errorf("%w: stream %d already closed for sending", ErrStreamClosed, id)
	}
	st.setFlags(StreamClosedSending)
	c.streamsToClose = append(c.streamsToClose, id)
	err = c.flushStreamsToCloseLocked()
	if c.releaseStreamLocked(st) {
		c.postStreamClosed(id)
	}
	return err
}

// flushStreamsToCloseLocked writes the FINs of queued stream closes. Streams
// blocked by flow control stay queued.
func (c *Connection) flushStreamsToCloseLocked() error {
	for len(c.streamsToClose) > 0 {
		id := c.streamsToClose[0]

		_, err := c.eng.WriteStream(id, nil, true)
		switch {
		case err == nil,
			errors.Is(err, engine.ErrStreamNotFound),
			errors.Is(err, engine.ErrStreamShutWrite),
			errors.Is(err, engine.ErrWriteMore):
			c.streamsToClose = c.streamsToClose[1:]

		case isBlocked(err):
			return nil

		default:
			c.streamsToClose = c.streamsToClose[1:]
			return c.wrapEngineError(err, id)
		}
	}
	return nil
}

// writeStreamLocked is the single funnel for stream writes.
func (c *Connection) writeStreamLocked(id int64, data [][]byte, fin bool) (int, error) {
	if err := c.checkOpenLocked(); err != nil {
		return 0, err
	}
	if err := c.flushStreamsToCloseLocked(); err != nil {
		return 0, err
	}

	n, err := c.eng.WriteStream(id, data, fin)
	if err != nil && isFatal(err) {
		c.logger.WithError(err).Warn("Writing stream failed fatally")
		go func() { _ = c.Disconnect(false, engine.InternalError) }()
	}
	return n, err
}

// SendStream submits buf on the stream id. It blocks while the stream or the
// connection is flow-control blocked, waiting for the congestion wake. The
// buffer is kept until the peer acknowledged it and is then passed to the
// consumers' StreamAcked.
func (c *Connection) SendStream(buf *Buffer, id int64) error {
	_, err := c.sendStream(buf, id, true)
	return err
}

// sendStream writes buf and returns the number of accepted bytes. Without
// wait, it returns after the first partial or blocked write.
func (c *Connection) sendStream(buf *Buffer, id int64, wait bool) (int, error) {
	if buf == nil || buf.Datagram != nil || id < 0 || uint64(id) > engine.MaxVarint {
		return 0, ErrInvalid
	}

	st, err := c.lookupStream(id)
	if err != nil {
		return 0, err
	}

	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	total, fin := buf.Len(), buf.IsFinal()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	st.mutex.Lock()
	state, offset := st.state, st.lastOffset
	st.mutex.Unlock()

	if state&StreamClosedSending != 0 {
		return 0, fmt.Errorf("%w: stream %d closed for sending", ErrStreamClosed, id)
	}
	if offset+total >= engine.MaxVarint {
		return 0, fmt.Errorf("%w: stream %d offset exceeds the varint range", ErrInvalid, id)
	}
	if total == 0 && !fin {
		return 0, nil
	}

	if buf.Stream == nil {
		buf.Stream = &StreamMeta{}
	}
	buf.Stream.StreamID = id
	buf.Stream.Type = StreamType(id & 0x3)
	buf.Stream.Offset = offset

	written := 0
	for {
		n, err := c.writeStreamLocked(id, split(buf.Data, written), fin)
		if n > 0 {
			written += n
			st.mutex.Lock()
			st.lastOffset += uint64(n)
			st.mutex.Unlock()
		}

		if err == nil && uint64(written) == total {
			break
		}
		if err != nil && !isBlocked(err) {
			c.storeAckBufLocked(st, buf, written)
			return written, c.wrapEngineError(err, id)
		}
		if !wait {
			c.storeAckBufLocked(st, buf, written)
			return written, c.wrapEngineError(err, id)
		}
		if err == nil && n > 0 {
			continue
		}

		blocked := StreamDataBlocked
		if errors.Is(err, engine.ErrConnDataBlocked) {
			blocked = StreamConnBlocked
		}
		st.setFlags(blocked)

		wake := c.wake.wait()
		c.mutex.Unlock()
		select {
		case <-wake:
		case <-time.After(congestionWait):
		case <-c.done:
		}
		c.mutex.Lock()

		st.clearFlags(blocked)
	}

	c.storeAckBufLocked(st, buf, written)
	if fin && uint64(written) == total {
		st.setFlags(StreamClosedSending)
		if c.releaseStreamLocked(st) {
			c.postStreamClosed(id)
		}
	}
	return written, nil
}

// storeAckBufLocked keeps the written part of buf until it is acknowledged.
// Empty buffers carry nothing to acknowledge and are not stored.
func (c *Connection) storeAckBufLocked(st *stream, buf *Buffer, written int) {
	if written == 0 {
		return
	}
	if uint64(written) == buf.Len() {
		buf.Stream.Length = uint64(written)
		st.addAckBuf(buf)
		return
	}

	st.addAckBuf(&Buffer{
		Data: head(buf.Data, written),
		Stream: &StreamMeta{
			StreamID: buf.Stream.StreamID,
			Type:     buf.Stream.Type,
			Offset:   buf.Stream.Offset,
			Length:   uint64(written),
		},
	})
}

// SendDatagram submits buf as a DATAGRAM frame and returns its ticket. It
// waits for the handshake to complete first. The buffer is passed to the
// consumers' DatagramAcked once the peer acknowledged it.
func (c *Connection) SendDatagram(buf *Buffer) (uint64, error) {
	if buf == nil || buf.Stream != nil {
		return 0, ErrInvalid
	}

	select {
	case <-c.handshakeDone:
	case <-c.done:
		return 0, ErrConnClosed
	case <-time.After(datagramHandshakeTimeout):
		return 0, fmt.Errorf("%w: handshake did not complete", ErrInvalid)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.checkOpenLocked(); err != nil {
		return 0, err
	}
	if !c.params.DatagramsEnabled() || !c.eng.DatagramsSupported() {
		return 0, ErrExtensionNotSupported
	}

	ticket := c.nextTicket
	c.nextTicket++

	data := buf.Bytes()
	if err := c.eng.WriteDatagram(ticket, data); err != nil {
		if isFatal(err) {
			go func() { _ = c.Disconnect(false, engine.InternalError) }()
		}
		return 0, c.wrapEngineError(err, -1)
	}

	buf.Datagram = &DatagramMeta{Length: uint64(len(data)), Ticket: ticket}
	c.datagrams[ticket] = buf
	return ticket, nil
}

// PendingDatagrams returns the number of datagrams awaiting acknowledgment.
func (c *Connection) PendingDatagrams() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.datagrams)
}
