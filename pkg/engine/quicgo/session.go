// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicgo

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quiclib-go/pkg/engine"
)

const (
	// writeTimeout bounds a stream write; a write without progress within
	// this time reports the stream as blocked.
	writeTimeout = 10 * time.Millisecond

	readBufferSize = 32 * 1024

	// initialCwndLeft is reported before quic-go published its first metrics.
	initialCwndLeft = 32 * 1252
)

type sessionStream struct {
	id   int64
	send quic.SendStream
	recv quic.ReceiveStream

	written   uint64
	finSent   bool
	finAcked  bool
	readDone  bool
	writeDone bool
	notified  bool
	acked     ackedRanges
}

type pendingDatagram struct {
	ticket uint64
	length int
}

// session implements engine.Engine on a quic-go connection.
type session struct {
	role   engine.Role
	logger *log.Entry

	// Client sessions own their transport; server sessions share their
	// listener's.
	pipe      *packetPipe
	tr        *quic.Transport
	listener  *listener
	tracingID quic.ConnectionTracingID

	cb     engine.Callbacks
	events *eventQueue

	mutex      sync.Mutex
	conn       quic.EarlyConnection
	dialCancel context.CancelFunc
	handshake  bool
	datagrams  bool
	alpn       string
	localClose bool
	draining   bool
	closed     bool
	streams    map[int64]*sessionStream

	// tracerMutex guards the tracer's bookkeeping. It is taken on quic-go's
	// run loop and must never be held while calling into quic-go.
	tracerMutex  sync.Mutex
	sent         map[int64][]sentFrame
	tickets      []pendingDatagram
	issued       map[uint64][]byte
	metrics      engine.Metrics
	pto          time.Duration
	progressOnce sync.Once

	wg sync.WaitGroup
}

func newSession(role engine.Role, cb engine.Callbacks) *session {
	return &session{
		role:    role,
		cb:      cb,
		logger:  log.WithField("engine", "quic-go").WithField("role", role.String()),
		streams: make(map[int64]*sessionStream),
		sent:    make(map[int64][]sentFrame),
		issued:  make(map[uint64][]byte),
	}
}

// emit delivers an event on the session's event queue.
func (s *session) emit(f func(cb engine.Callbacks)) {
	if s.events == nil || s.cb == nil {
		return
	}
	cb := s.cb
	s.events.post(func() { f(cb) })
}

// spawn runs f on a tracked goroutine unless the session is closed.
func (s *session) spawn(f func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
}

func (s *session) dial(ctx context.Context, remote net.Addr, tlsConf *tls.Config, conf *quic.Config) {
	defer s.wg.Done()

	conn, err := s.tr.DialEarly(ctx, remote, tlsConf, conf)
	if err != nil {
		s.mutex.Lock()
		local := s.localClose
		s.draining = !local
		s.mutex.Unlock()

		if !local {
			s.logger.WithError(err).WithField("remote", remote).Info("Dialing failed")
			ce := closeError(err)
			s.emit(func(cb engine.Callbacks) { cb.Draining(ce) })
		}
		return
	}

	s.bind(conn)
}

// bind attaches an established quic-go connection.
func (s *session) bind(conn quic.EarlyConnection) {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		_ = conn.CloseWithError(ShutdownError, "")
		return
	}
	s.conn = conn
	s.mutex.Unlock()

	s.spawn(func() { s.waitHandshake(conn) })
	s.spawn(func() { s.watchClose(conn) })
}

func (s *session) waitHandshake(conn quic.EarlyConnection) {
	select {
	case <-conn.HandshakeComplete():
	case <-conn.Context().Done():
		return
	}

	state := conn.ConnectionState()

	s.mutex.Lock()
	s.handshake = true
	s.datagrams = state.SupportsDatagrams
	s.alpn = state.TLS.NegotiatedProtocol
	alpn := s.alpn
	s.mutex.Unlock()

	s.progressOnce.Do(func() { s.emit(func(cb engine.Callbacks) { cb.HandshakeProgress() }) })
	s.emit(func(cb engine.Callbacks) {
		cb.HandshakeCompleted(alpn)

		s.spawn(func() { s.acceptStreams(conn) })
		s.spawn(func() { s.acceptUniStreams(conn) })
		s.spawn(func() { s.receiveDatagrams(conn) })
	})
}

func (s *session) watchClose(conn quic.EarlyConnection) {
	<-conn.Context().Done()
	cause := context.Cause(conn.Context())

	s.mutex.Lock()
	local := s.localClose
	if !local {
		s.draining = true
	}
	s.mutex.Unlock()

	if local {
		return
	}

	ce := closeError(cause)
	s.logger.WithFields(log.Fields{
		"remote": conn.RemoteAddr(),
		"reason": ce.Error(),
	}).Debug("Connection closed by peer or timeout")
	s.emit(func(cb engine.Callbacks) { cb.Draining(ce) })
}

func (s *session) addStream(st *sessionStream) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.streams[st.id] = st
}

func (s *session) acceptStreams(conn quic.EarlyConnection) {
	for {
		str, err := conn.AcceptStream(conn.Context())
		if err != nil {
			return
		}

		st := &sessionStream{id: int64(str.StreamID()), send: str, recv: str}
		s.addStream(st)
		s.cb.StreamOpened(st.id)
		s.spawn(func() { s.readStream(st) })
	}
}

func (s *session) acceptUniStreams(conn quic.EarlyConnection) {
	for {
		str, err := conn.AcceptUniStream(conn.Context())
		if err != nil {
			return
		}

		st := &sessionStream{id: int64(str.StreamID()), recv: str, writeDone: true}
		s.addStream(st)
		s.cb.StreamOpened(st.id)
		s.spawn(func() { s.readStream(st) })
	}
}

func (s *session) receiveDatagrams(conn quic.EarlyConnection) {
	if !conn.ConnectionState().SupportsDatagrams {
		return
	}

	for {
		data, err := conn.ReceiveDatagram(conn.Context())
		if err != nil {
			return
		}
		s.cb.DatagramReceived(data)
	}
}

func (s *session) readStream(st *sessionStream) {
	var offset uint64
	buf := make([]byte, readBufferSize)

	for {
		n, err := st.recv.Read(buf)
		fin := errors.Is(err, io.EOF)

		if n > 0 || fin {
			data := append([]byte(nil), buf[:n]...)
			s.cb.StreamData(st.id, offset, data, fin)
			offset += uint64(n)
		}

		if err == nil {
			continue
		}

		var streamErr *quic.StreamError
		if errors.As(err, &streamErr) && streamErr.Remote {
			s.mutex.Lock()
			st.readDone, st.writeDone, st.notified = true, true, true
			delete(s.streams, st.id)
			s.mutex.Unlock()

			s.cb.StreamReset(st.id, offset, uint64(streamErr.ErrorCode))
			return
		}

		if fin || errors.As(err, &streamErr) {
			s.finish(st, func(st *sessionStream) { st.readDone = true })
		}
		return
	}
}

// finish applies mark and reports the stream closed once both of its
// directions are done.
func (s *session) finish(st *sessionStream, mark func(*sessionStream)) {
	s.mutex.Lock()
	mark(st)
	done := st.readDone && st.writeDone && !st.notified
	if done {
		st.notified = true
		delete(s.streams, st.id)
	}
	s.mutex.Unlock()

	if done {
		id := st.id
		s.emit(func(cb engine.Callbacks) { cb.StreamClosed(id, 0) })
	}
}

func (s *session) inbound() *packetPipe {
	if s.listener != nil {
		return s.listener.pipe
	}
	return s.pipe
}

func (s *session) ReadPacket(pi engine.PacketInfo, data []byte) error {
	s.mutex.Lock()
	draining, closed := s.draining, s.closed
	s.mutex.Unlock()

	switch {
	case closed:
		return engine.ErrDropConn
	case draining:
		return engine.ErrDraining
	}

	if !s.inbound().push(pi.Path.Remote, data) {
		s.logger.Debug("Dropping packet, backlog is full")
	}
	return nil
}

func (s *session) WritePending(time.Time) error {
	return nil
}

func (s *session) stream(id int64) (*sessionStream, quic.EarlyConnection, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	switch {
	case s.localClose:
		return nil, nil, engine.ErrClosing
	case s.draining:
		return nil, nil, engine.ErrDraining
	}

	st, ok := s.streams[id]
	if !ok {
		return nil, nil, engine.ErrStreamNotFound
	}
	return st, s.conn, nil
}

func (s *session) WriteStream(id int64, data [][]byte, fin bool) (int, error) {
	st, conn, err := s.stream(id)
	if err != nil {
		return 0, err
	}

	s.mutex.Lock()
	send, finSent, writeDone := st.send, st.finSent, st.writeDone
	s.mutex.Unlock()

	switch {
	case send == nil:
		return 0, engine.ErrStreamState
	case finSent || writeDone:
		return 0, engine.ErrStreamShutWrite
	}

	var p []byte
	for _, d := range data {
		p = append(p, d...)
	}

	var n int
	if len(p) > 0 {
		_ = send.SetWriteDeadline(time.Now().Add(writeTimeout))
		n, err = send.Write(p)
		_ = send.SetWriteDeadline(time.Time{})

		s.mutex.Lock()
		st.written += uint64(n)
		s.mutex.Unlock()

		if err != nil {
			err = streamError(err, conn.Context().Err() != nil)
			if errors.Is(err, engine.ErrStreamDataBlocked) && n > 0 {
				err = nil
			}
			if errors.Is(err, engine.ErrStreamShutWrite) {
				s.finish(st, func(st *sessionStream) { st.writeDone = true })
			}
			if err != nil || n < len(p) {
				return n, err
			}
		}
	}

	if fin {
		if err := send.Close(); err != nil {
			return n, streamError(err, conn.Context().Err() != nil)
		}
		s.mutex.Lock()
		st.finSent = true
		s.mutex.Unlock()
	}
	return n, nil
}

func (s *session) WriteDatagram(ticket uint64, data []byte) error {
	s.mutex.Lock()
	conn, handshake, supported := s.conn, s.handshake, s.datagrams
	s.mutex.Unlock()

	switch {
	case conn == nil || !handshake:
		return engine.ErrHandshakePending
	case !supported:
		return engine.ErrNoDatagram
	}

	s.tracerMutex.Lock()
	s.tickets = append(s.tickets, pendingDatagram{ticket: ticket, length: len(data)})
	s.tracerMutex.Unlock()

	err := conn.SendDatagram(data)
	if err == nil {
		return nil
	}

	s.tracerMutex.Lock()
	for i := len(s.tickets) - 1; i >= 0; i-- {
		if s.tickets[i].ticket == ticket {
			s.tickets = append(s.tickets[:i], s.tickets[i+1:]...)
			break
		}
	}
	s.tracerMutex.Unlock()

	var tooLarge *quic.DatagramTooLargeError
	switch {
	case errors.As(err, &tooLarge):
		return engine.ErrDatagramTooLarge
	case conn.Context().Err() != nil:
		return engine.ErrClosing
	default:
		return errors.Join(engine.ErrInternal, err)
	}
}

func (s *session) openStream(bidi bool) (int64, error) {
	s.mutex.Lock()
	conn, handshake := s.conn, s.handshake
	s.mutex.Unlock()

	if conn == nil || !handshake {
		return -1, engine.ErrHandshakePending
	}

	var st *sessionStream
	if bidi {
		str, err := conn.OpenStream()
		if err != nil {
			return -1, s.openError(conn)
		}
		st = &sessionStream{id: int64(str.StreamID()), send: str, recv: str}
	} else {
		str, err := conn.OpenUniStream()
		if err != nil {
			return -1, s.openError(conn)
		}
		st = &sessionStream{id: int64(str.StreamID()), send: str, readDone: true}
	}

	s.addStream(st)
	if st.recv != nil {
		s.spawn(func() { s.readStream(st) })
	}
	return st.id, nil
}

func (s *session) openError(conn quic.EarlyConnection) error {
	if conn.Context().Err() != nil {
		return engine.ErrClosing
	}
	return engine.ErrStreamIDBlocked
}

func (s *session) OpenBidiStream() (int64, error) {
	return s.openStream(true)
}

func (s *session) OpenUniStream() (int64, error) {
	return s.openStream(false)
}

func (s *session) ShutdownStream(id int64, code uint64) error {
	st, _, err := s.stream(id)
	if err != nil {
		return err
	}

	if st.send != nil {
		st.send.CancelWrite(quic.StreamErrorCode(code))
	}
	if st.recv != nil {
		st.recv.CancelRead(quic.StreamErrorCode(code))
	}

	s.mutex.Lock()
	st.readDone, st.writeDone = true, true
	done := !st.notified
	st.notified = true
	delete(s.streams, id)
	s.mutex.Unlock()

	if done {
		s.emit(func(cb engine.Callbacks) { cb.StreamClosed(id, code) })
	}
	return nil
}

// ExtendMaxStreams is a no-op, quic-go issues MAX_STREAMS on its own.
func (s *session) ExtendMaxStreams(bool, uint64) {}

func (s *session) HandshakeCompleted() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.handshake
}

func (s *session) DatagramsSupported() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.datagrams
}

func (s *session) IsInClosingPeriod() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.localClose
}

func (s *session) IsInDrainingPeriod() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.draining
}

func (s *session) CwndLeft() uint64 {
	s.tracerMutex.Lock()
	defer s.tracerMutex.Unlock()

	switch m := s.metrics; {
	case m.Cwnd == 0:
		return initialCwndLeft
	case m.Cwnd > m.BytesInFlight:
		return m.Cwnd - m.BytesInFlight
	default:
		return 0
	}
}

func (s *session) PTO() time.Duration {
	s.tracerMutex.Lock()
	defer s.tracerMutex.Unlock()
	return s.pto
}

// Expiry returns the zero time, quic-go runs its own timers.
func (s *session) Expiry() time.Time {
	return time.Time{}
}

func (s *session) HandleExpiry(time.Time) error {
	return nil
}

func (s *session) WriteConnectionClose(ce engine.CloseError) error {
	s.mutex.Lock()
	if s.localClose || s.draining {
		s.mutex.Unlock()
		return engine.ErrClosing
	}
	s.localClose = true
	conn, cancel := s.conn, s.dialCancel
	s.mutex.Unlock()

	if conn == nil {
		if cancel != nil {
			cancel()
		}
		return nil
	}

	// quic-go only sends application closes.
	return conn.CloseWithError(quic.ApplicationErrorCode(ce.Code), ce.Reason)
}

func (s *session) ALPN() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.alpn
}

func (s *session) Metrics() engine.Metrics {
	s.tracerMutex.Lock()
	defer s.tracerMutex.Unlock()
	return s.metrics
}

func (s *session) Close() error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil
	}
	s.closed = true
	conn, cancel := s.conn, s.dialCancel
	closeConn := conn != nil && !s.localClose && !s.draining
	s.localClose = true
	s.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	if closeConn {
		_ = conn.CloseWithError(ShutdownError, "")
	}

	var err error
	if s.tr != nil {
		err = s.tr.Close()
		_ = s.pipe.Close()
	}
	s.wg.Wait()

	if s.events != nil {
		s.events.close()
	}
	if s.listener != nil {
		s.listener.forget(s)
	}
	return err
}
