// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"strings"
	"sync"

	"github.com/dtn7/quiclib-go/pkg/engine"
)

// StreamState is a bitmask describing a stream.
type StreamState uint32

const (
	StreamOpen StreamState = 1 << iota
	StreamDataBlocked
	StreamConnBlocked
	StreamClosedSending
	StreamClosedReading
	StreamErrMaxStreams
	StreamErrConnection
	StreamErrConnInitial
	StreamErrConnClosed

	StreamClosedBoth = StreamClosedSending | StreamClosedReading
)

var streamStateNames = []string{
	"open", "data-blocked", "conn-blocked", "closed-sending", "closed-reading",
	"err-max-streams", "err-connection", "err-conn-initial", "err-conn-closed",
}

func (s StreamState) String() string {
	var names []string
	for i, name := range streamStateNames {
		if s&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// StreamIsBidi reports whether id denotes a bidirectional stream.
func StreamIsBidi(id int64) bool {
	return id&0x2 == 0
}

// StreamIsServerInitiated reports whether id denotes a server initiated
// stream.
func StreamIsServerInitiated(id int64) bool {
	return id&0x1 == 1
}

// StreamIsLocal reports whether id was initiated by an endpoint of role.
func StreamIsLocal(id int64, role engine.Role) bool {
	return StreamIsServerInitiated(id) == (role == engine.RoleServer)
}

// initialStreamState of a new stream. The non-writing end of a
// unidirectional stream has its sending part closed and vice versa.
func initialStreamState(id int64, role engine.Role) StreamState {
	state := StreamOpen
	if !StreamIsBidi(id) {
		if StreamIsLocal(id, role) {
			state |= StreamClosedReading
		} else {
			state |= StreamClosedSending
		}
	}
	return state
}

type stream struct {
	id int64

	// writeMu serializes writers of this stream. It is acquired before the
	// connection's mutex.
	writeMu sync.Mutex

	// mutex guards the fields below; acquired after the connection's mutex.
	mutex      sync.Mutex
	state      StreamState
	lastOffset uint64
	ackBufs    []*Buffer

	// closeNotified is set once consumers were told about the closing.
	closeNotified bool
}

func newStream(id int64, role engine.Role) *stream {
	return &stream{id: id, state: initialStreamState(id, role)}
}

func (st *stream) getState() StreamState {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	return st.state
}

func (st *stream) setFlags(flags StreamState) StreamState {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	st.state |= flags
	return st.state
}

func (st *stream) clearFlags(flags StreamState) {
	st.mutex.Lock()
	st.state &^= flags
	st.mutex.Unlock()
}

// addAckBuf stores a submitted buffer until it is acknowledged.
func (st *stream) addAckBuf(buf *Buffer) {
	st.mutex.Lock()
	st.ackBufs = append(st.ackBufs, buf)
	st.mutex.Unlock()
}

// ack evicts every buffer ending at or before end. It returns the evicted
// buffers and whether the stream can be freed.
func (st *stream) ack(end uint64) (acked []*Buffer, done bool) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	keep := st.ackBufs[:0]
	for _, b := range st.ackBufs {
		if b.Stream.Offset+b.Len() <= end {
			acked = append(acked, b)
		} else {
			keep = append(keep, b)
		}
	}
	for i := len(keep); i < len(st.ackBufs); i++ {
		st.ackBufs[i] = nil
	}
	st.ackBufs = keep

	done = st.state&StreamClosedBoth == StreamClosedBoth && len(st.ackBufs) == 0
	return
}

// close marks both directions closed and reports whether the stream can be
// freed.
func (st *stream) close() bool {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	st.state |= StreamClosedBoth
	return len(st.ackBufs) == 0
}

// freeable reports whether both directions are closed and every submitted
// buffer was acknowledged.
func (st *stream) freeable() bool {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	return st.state&StreamClosedBoth == StreamClosedBoth && len(st.ackBufs) == 0
}

// claimClosed returns true only for its first call.
func (st *stream) claimClosed() bool {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	if st.closeNotified {
		return false
	}
	st.closeNotified = true
	return true
}
