// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package enginetest provides a deterministic in-memory engine.Engine.
//
// The Engine does not produce packets. Tests drive it by injecting peer
// events, e.g., PeerOpenStream or AckStream, which are delivered to the
// transport through its callbacks.
package enginetest

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dtn7/quiclib-go/pkg/engine"
)

// Extension records an engine.Engine.ExtendMaxStreams call.
type Extension struct {
	Bidi bool
	N    uint64
}

// Shutdown records an engine.Engine.ShutdownStream call.
type Shutdown struct {
	ID   int64
	Code uint64
}

// Datagram records an engine.Engine.WriteDatagram call.
type Datagram struct {
	Ticket uint64
	Data   []byte
}

type fakeStream struct {
	data      []byte
	fin       bool
	shut      bool
	unlimited bool
	limit     uint64
}

// Engine is a fake engine.Engine.
type Engine struct {
	mutex sync.Mutex
	role  engine.Role
	cb    engine.Callbacks

	// Window caps the bytes accepted by one WriteStream call; zero is
	// unlimited.
	Window int
	// StreamCredit is the flow-control credit of new streams; zero is
	// unlimited.
	StreamCredit uint64
	// MaxLocalBidi and MaxLocalUni are the peer's stream budgets.
	MaxLocalBidi, MaxLocalUni int

	alpn       string
	handshake  bool
	datagrams  bool
	closing    bool
	draining   bool
	closed     bool
	cwnd       uint64
	pto        time.Duration
	openedBidi int
	openedUni  int

	streams     map[int64]*fakeStream
	extensions  []Extension
	shutdowns   []Shutdown
	sent        []Datagram
	closeError  *engine.CloseError
	writeCalls  int
	readPackets int
	readErr     error
}

// New creates an Engine for role, reporting events to cb.
func New(role engine.Role, cb engine.Callbacks) *Engine {
	return &Engine{
		role:         role,
		cb:           cb,
		MaxLocalBidi: 100,
		MaxLocalUni:  100,
		cwnd:         1 << 20,
		pto:          10 * time.Millisecond,
		streams:      make(map[int64]*fakeStream),
	}
}

func (e *Engine) newStreamLocked(id int64) *fakeStream {
	st := &fakeStream{unlimited: e.StreamCredit == 0, limit: e.StreamCredit}
	e.streams[id] = st
	return st
}

func (e *Engine) firstStreamID(bidi bool) int64 {
	var id int64
	if e.role == engine.RoleServer {
		id |= 0x1
	}
	if !bidi {
		id |= 0x2
	}
	return id
}

func (e *Engine) ReadPacket(pi engine.PacketInfo, data []byte) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.readPackets++
	return e.readErr
}

func (e *Engine) WritePending(time.Time) error {
	return nil
}

func (e *Engine) WriteStream(id int64, data [][]byte, fin bool) (int, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.writeCalls++

	switch {
	case e.closing:
		return 0, engine.ErrClosing
	case e.draining:
		return 0, engine.ErrDraining
	}

	st, ok := e.streams[id]
	if !ok {
		return 0, engine.ErrStreamNotFound
	}
	if st.fin || st.shut {
		return 0, engine.ErrStreamShutWrite
	}

	var total int
	for _, d := range data {
		total += len(d)
	}

	n := total
	if e.Window > 0 && n > e.Window {
		n = e.Window
	}
	if !st.unlimited {
		if avail := int(st.limit - uint64(len(st.data))); n > avail {
			n = avail
		}
	}
	if n == 0 && total > 0 {
		return 0, engine.ErrStreamDataBlocked
	}

	rest := n
	for _, d := range data {
		if rest == 0 {
			break
		}
		if len(d) > rest {
			d = d[:rest]
		}
		st.data = append(st.data, d...)
		rest -= len(d)
	}
	if fin && n == total {
		st.fin = true
	}
	return n, nil
}

func (e *Engine) WriteDatagram(ticket uint64, data []byte) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if !e.datagrams {
		return engine.ErrNoDatagram
	}
	if uint64(len(data)) > engine.MaxDatagramFrameSize {
		return engine.ErrDatagramTooLarge
	}
	e.sent = append(e.sent, Datagram{Ticket: ticket, Data: append([]byte(nil), data...)})
	return nil
}

func (e *Engine) openStream(bidi bool) (int64, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if !e.handshake {
		return -1, engine.ErrHandshakePending
	}

	opened, max := &e.openedBidi, e.MaxLocalBidi
	if !bidi {
		opened, max = &e.openedUni, e.MaxLocalUni
	}
	if *opened >= max {
		return -1, engine.ErrStreamIDBlocked
	}

	id := e.firstStreamID(bidi) + int64(*opened)*4
	*opened++
	e.newStreamLocked(id)
	return id, nil
}

func (e *Engine) OpenBidiStream() (int64, error) {
	return e.openStream(true)
}

func (e *Engine) OpenUniStream() (int64, error) {
	return e.openStream(false)
}

func (e *Engine) ShutdownStream(id int64, code uint64) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	st, ok := e.streams[id]
	if !ok {
		return engine.ErrStreamNotFound
	}
	st.shut = true
	e.shutdowns = append(e.shutdowns, Shutdown{ID: id, Code: code})
	return nil
}

func (e *Engine) ExtendMaxStreams(bidi bool, n uint64) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.extensions = append(e.extensions, Extension{Bidi: bidi, N: n})
}

func (e *Engine) HandshakeCompleted() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.handshake
}

func (e *Engine) DatagramsSupported() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.datagrams
}

func (e *Engine) IsInClosingPeriod() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.closing
}

func (e *Engine) IsInDrainingPeriod() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.draining
}

func (e *Engine) CwndLeft() uint64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.cwnd
}

func (e *Engine) PTO() time.Duration {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.pto
}

func (e *Engine) Expiry() time.Time {
	return time.Time{}
}

func (e *Engine) HandleExpiry(time.Time) error {
	return nil
}

func (e *Engine) WriteConnectionClose(ce engine.CloseError) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closing || e.draining {
		return engine.ErrClosing
	}
	e.closing = true
	e.closeError = &ce
	return nil
}

func (e *Engine) ALPN() string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.alpn
}

func (e *Engine) Metrics() engine.Metrics {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return engine.Metrics{SmoothedRTT: e.pto / 3, Cwnd: e.cwnd}
}

func (e *Engine) Close() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.closed = true
	return nil
}

// CompleteHandshake finishes the handshake, negotiating alpn.
func (e *Engine) CompleteHandshake(alpn string, datagrams bool) {
	e.mutex.Lock()
	e.handshake = true
	e.alpn = alpn
	e.datagrams = datagrams
	e.mutex.Unlock()

	e.cb.HandshakeProgress()
	e.cb.HandshakeCompleted(alpn)
}

// PeerOpenStream simulates a peer initiated stream.
func (e *Engine) PeerOpenStream(id int64) {
	e.mutex.Lock()
	e.newStreamLocked(id)
	e.mutex.Unlock()

	e.cb.StreamOpened(id)
}

// PeerSend delivers stream data from the peer.
func (e *Engine) PeerSend(id int64, offset uint64, data []byte, fin bool) {
	e.cb.StreamData(id, offset, data, fin)
}

// PeerDatagram delivers a datagram from the peer.
func (e *Engine) PeerDatagram(data []byte) {
	e.cb.DatagramReceived(data)
}

// AckStream acknowledges the stream range [offset, offset+length).
func (e *Engine) AckStream(id int64, offset, length uint64) {
	e.cb.StreamAcked(id, offset, length)
}

// AckDatagram acknowledges a datagram.
func (e *Engine) AckDatagram(ticket uint64) {
	e.cb.DatagramAcked(ticket)
}

// LoseDatagram declares a datagram lost.
func (e *Engine) LoseDatagram(ticket uint64) {
	e.cb.DatagramLost(ticket)
}

// CloseStream reports a stream as closed in both directions.
func (e *Engine) CloseStream(id int64, code uint64) {
	e.cb.StreamClosed(id, code)
}

// Drain simulates a CONNECTION_CLOSE from the peer.
func (e *Engine) Drain(ce engine.CloseError) {
	e.mutex.Lock()
	e.draining = true
	e.mutex.Unlock()

	e.cb.Draining(ce)
}

// Grant extends the flow-control credit of stream id by n bytes.
func (e *Engine) Grant(id int64, n uint64) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if st, ok := e.streams[id]; ok {
		st.limit += n
	}
}

// SetCwnd sets the congestion window.
func (e *Engine) SetCwnd(n uint64) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.cwnd = n
}

// SetReadError sets the error returned by ReadPacket.
func (e *Engine) SetReadError(err error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.readErr = err
}

// Written returns the data written on stream id and whether it was finished.
func (e *Engine) Written(id int64) ([]byte, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	st, ok := e.streams[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), st.data...), st.fin
}

// WriteCalls returns the number of WriteStream calls.
func (e *Engine) WriteCalls() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.writeCalls
}

// Extensions returns the recorded ExtendMaxStreams calls.
func (e *Engine) Extensions() []Extension {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]Extension(nil), e.extensions...)
}

// Shutdowns returns the recorded ShutdownStream calls.
func (e *Engine) Shutdowns() []Shutdown {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]Shutdown(nil), e.shutdowns...)
}

// Datagrams returns the written datagrams.
func (e *Engine) Datagrams() []Datagram {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]Datagram(nil), e.sent...)
}

// CloseError returns the error passed to WriteConnectionClose, if any.
func (e *Engine) CloseError() *engine.CloseError {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.closeError
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.closed
}

// Listener is a fake engine.Listener.
type Listener struct {
	cfg       engine.ServerConfig
	acceptor  engine.Acceptor
	configure func(*Engine)

	mutex   sync.Mutex
	engines []*Engine
	nextCID byte
	closed  bool
}

// HandleInitial accepts a connection from pi's remote address.
func (l *Listener) HandleInitial(pi engine.PacketInfo, data []byte) error {
	_, err := l.Accept(pi.Path.Remote)
	return err
}

// Accept creates a server side Engine for a connection from remote.
func (l *Listener) Accept(remote net.Addr) (*Engine, error) {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return nil, engine.ErrClosing
	}
	l.nextCID++
	cid := l.nextCID
	l.mutex.Unlock()

	e := New(engine.RoleServer, nil)
	if l.configure != nil {
		l.configure(e)
	}
	cb, err := l.acceptor.NewConnection(e, engine.AcceptInfo{
		Path:    engine.Path{Local: l.cfg.LocalAddr, Remote: remote},
		ODCID:   []byte{0xaa, cid},
		SCID:    []byte{0x5c, cid},
		DCID:    []byte{0xdc, cid},
		Version: 1,
	})
	if err != nil {
		return nil, err
	}
	e.cb = cb

	l.mutex.Lock()
	l.engines = append(l.engines, e)
	l.mutex.Unlock()
	return e, nil
}

// Engines returns the accepted engines.
func (l *Listener) Engines() []*Engine {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]*Engine(nil), l.engines...)
}

func (l *Listener) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.closed = true
	return nil
}

// Provider is a fake engine.Provider recording the created engines.
type Provider struct {
	// Configure is applied on each new Engine.
	Configure func(*Engine)

	mutex     sync.Mutex
	engines   []*Engine
	listeners []*Listener
	dialErr   error
}

// NewProvider creates a Provider.
func NewProvider() *Provider {
	return &Provider{}
}

// FailDial makes subsequent Dial calls fail with err.
func (p *Provider) FailDial(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.dialErr = err
}

func (p *Provider) Dial(cfg engine.ClientConfig, _ engine.PacketWriter, cb engine.Callbacks) (engine.Engine, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.dialErr != nil {
		return nil, p.dialErr
	}
	if cfg.Path.Remote == nil {
		return nil, fmt.Errorf("%w: no remote address", engine.ErrInvalidArgument)
	}

	e := New(engine.RoleClient, cb)
	if p.Configure != nil {
		p.Configure(e)
	}
	p.engines = append(p.engines, e)
	return e, nil
}

func (p *Provider) Listen(cfg engine.ServerConfig, _ engine.PacketWriter, acceptor engine.Acceptor) (engine.Listener, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	l := &Listener{cfg: cfg, acceptor: acceptor, configure: p.Configure}
	p.listeners = append(p.listeners, l)
	return l, nil
}

// Engines returns the dialed engines.
func (p *Provider) Engines() []*Engine {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]*Engine(nil), p.engines...)
}

// Listeners returns the created listeners.
func (p *Provider) Listeners() []*Listener {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]*Listener(nil), p.listeners...)
}
