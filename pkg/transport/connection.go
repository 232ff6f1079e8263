// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quiclib-go/pkg/engine"
	"github.com/dtn7/quiclib-go/pkg/header"
	"github.com/dtn7/quiclib-go/pkg/quictls"
	"github.com/dtn7/quiclib-go/pkg/socket"
)

const (
	// congestionWait bounds a blocked writer's wait for the congestion wake.
	congestionWait = 100 * time.Millisecond

	// defaultPTO is used before an engine reports its probe timeout.
	defaultPTO = 100 * time.Millisecond
)

// Connection is a QUIC connection, either a client or a server's child.
type Connection struct {
	*Common

	server    *Server
	sock      *socket.Socket
	ownSocket bool
	role      engine.Role

	// mutex guards the fields below. Engine calls, except ReadPacket and
	// HandleExpiry, are made while holding it.
	mutex          sync.Mutex
	eng            engine.Engine
	path           engine.Path
	alpn           string
	lastError      engine.CloseError
	closing        bool
	closeTimer     *time.Timer
	nextTicket     uint64
	streams        map[int64]*stream
	datagrams      map[uint64]*Buffer
	streamsToClose []int64
	remoteStreams  [2]uint64
	lastStreamID   [4]int64

	cidMutex sync.Mutex
	odcid    []byte
	cids     [][]byte

	wake          broadcast
	timerWake     chan struct{}
	handshakeDone chan struct{}
	handshakeOnce sync.Once

	queue  *SendQueue
	keylog *quictls.KeyLog

	finishOnce sync.Once
	finishErr  error
	done       chan struct{}
	wg         sync.WaitGroup
}

func newConnection(common *Common, srv *Server, sock *socket.Socket, role engine.Role) *Connection {
	c := &Connection{
		Common:        common,
		server:        srv,
		sock:          sock,
		role:          role,
		lastError:     engine.NoErrorClose,
		streams:       make(map[int64]*stream),
		datagrams:     make(map[uint64]*Buffer),
		lastStreamID:  [4]int64{-1, -1, -1, -1},
		timerWake:     make(chan struct{}, 1),
		handshakeDone: make(chan struct{}),
		done:          make(chan struct{}),
	}
	c.remoteStreams[0] = common.params.InitialMaxStreamsBidi
	c.remoteStreams[1] = common.params.InitialMaxStreamsUni
	c.queue = newSendQueue(c)
	return c
}

// Dial connects to remote. The returned Connection is in StateInitial; the
// consumer is informed about the handshake's completion.
func Dial(remote *net.UDPAddr, consumer Consumer, opts ...Option) (*Connection, error) {
	cfg := NewConfig(opts...)
	cfg.Mode = ModeClient
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	sock, err := socket.Dial(remote, cfg.socketOptions())
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %v: %w", ErrInvalid, remote, err)
	}

	c := newConnection(newCommon(cfg), nil, sock, engine.RoleClient)
	c.ownSocket = true
	c.path = engine.Path{Local: sock.LocalAddr(), Remote: remote}
	if consumer != nil {
		c.AddConsumer(consumer)
	}

	tlsConf := cfg.clientTLS()
	if c.keylog = quictls.NewKeyLog(c.keyLogID); c.keylog != nil {
		tlsConf.KeyLogWriter = c.keylog
	}

	c.mutex.Lock()
	eng, err := cfg.Provider.Dial(engine.ClientConfig{
		Path:       c.path,
		TLS:        tlsConf,
		Params:     c.params,
		Timeouts:   cfg.Timeouts,
		SCIDLength: clientSCIDLength,
	}, engine.PacketWriterFunc(c.writePacket), c.callbacks())
	if err != nil {
		c.mutex.Unlock()
		c.notifier.close()
		_ = sock.Close()
		return nil, fmt.Errorf("%w: creating engine: %w", ErrInternal, err)
	}
	c.eng = eng
	c.mutex.Unlock()

	c.advanceState(StateInitial)
	c.logger.WithField("remote", remote).Info("Dialing")

	c.start(true)
	return c, nil
}

func (c *Connection) keyLogID() string {
	c.cidMutex.Lock()
	defer c.cidMutex.Unlock()

	if c.odcid != nil {
		return hex.EncodeToString(c.odcid)
	}
	return c.id.String()
}

// start launches the connection's goroutines. A server's child has no read
// loop of its own.
func (c *Connection) start(readLoop bool) {
	c.wg.Add(2)
	go c.timerLoop()
	go c.queue.run()

	if readLoop {
		c.wg.Add(1)
		go c.readLoop()
	}
}

func (c *Connection) readLoop() {
	defer c.wg.Done()

	buf := make([]byte, socket.MaxDatagramSize)
	for {
		pkt, err := c.sock.ReadPacket(buf)
		if errors.Is(err, net.ErrClosed) {
			return
		} else if err != nil {
			c.logger.WithError(err).Warn("Reading from socket errored")
			return
		}

		data := buf[:pkt.N]
		if hdr, err := header.Parse(data, clientSCIDLength); err != nil {
			c.logger.WithError(err).Debug("Dropping unparsable packet")
			continue
		} else if hdr.Type == header.VersionNegotiation {
			c.logger.Info("Dropping Version Negotiation packet, version negotiation is not supported")
			continue
		}

		c.handlePacket(pkt.Info(), data)
	}
}

// handlePacket feeds one datagram into the engine.
func (c *Connection) handlePacket(pi engine.PacketInfo, data []byte) {
	c.mutex.Lock()
	skip := c.eng == nil || c.closingOrDrainingLocked()
	c.mutex.Unlock()
	if skip {
		return
	}

	c.stats.received(pi.Timestamp, len(data))

	err := c.eng.ReadPacket(pi, data)
	switch {
	case err == nil:

	case errors.Is(err, engine.ErrDraining):
		c.enterDraining(engine.CloseError{Remote: true})
		return

	case errors.Is(err, engine.ErrDropConn):
		c.logger.Debug("Engine dropped the connection")
		go c.finish()
		return

	case isFatal(err):
		c.logger.WithError(err).Warn("Reading packet failed fatally")
		go func() { _ = c.Disconnect(false, engine.InternalError) }()
		return

	default:
		c.logger.WithError(err).Debug("Reading packet failed")
	}

	c.mutex.Lock()
	if err := c.eng.WritePending(time.Now()); err != nil {
		c.logger.WithError(err).Debug("Writing pending packets failed")
	}
	c.mutex.Unlock()

	c.notifyTimer()
	c.wake.signal()
}

// writePacket sends a packet produced by the engine.
func (c *Connection) writePacket(pi engine.PacketInfo, data []byte) error {
	remote := pi.Path.Remote
	if remote == nil {
		remote = c.path.Remote
	}

	if c.role == engine.RoleClient {
		c.cidMutex.Lock()
		if c.odcid == nil {
			if hdr, err := header.Parse(data, 0); err == nil && hdr.Type == header.Initial {
				c.odcid = append([]byte(nil), hdr.DCID...)
			}
		}
		c.cidMutex.Unlock()
	}

	if _, err := c.sock.WriteTo(data, remote); err != nil {
		c.logger.WithError(err).WithField("remote", remote).Debug("Writing packet failed")
		return err
	}
	c.stats.sent(time.Now(), len(data))
	c.notifyTimer()
	return nil
}

// notifyTimer makes the timer loop recompute the engine's expiry.
func (c *Connection) notifyTimer() {
	select {
	case c.timerWake <- struct{}{}:
	default:
	}
}

func (c *Connection) timerLoop() {
	defer c.wg.Done()

	for {
		var timerC <-chan time.Time
		var timer *time.Timer

		c.mutex.Lock()
		if c.eng != nil {
			if expiry := c.eng.Expiry(); !expiry.IsZero() {
				timer = time.NewTimer(time.Until(expiry))
				timerC = timer.C
			}
		}
		c.mutex.Unlock()

		select {
		case <-c.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case <-c.timerWake:

		case now := <-timerC:
			c.handleExpiry(now)
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

func (c *Connection) handleExpiry(now time.Time) {
	err := c.eng.HandleExpiry(now)
	switch {
	case err == nil:

	case errors.Is(err, engine.ErrDraining):
		c.enterDraining(engine.CloseError{Code: engine.NoError, Reason: "idle timeout"})
		return

	default:
		c.logger.WithError(err).Warn("Handling timer expiry failed")
		go func() { _ = c.Disconnect(false, engine.InternalError) }()
		return
	}

	c.mutex.Lock()
	if err := c.flushStreamsToCloseLocked(); err != nil {
		c.logger.WithError(err).Debug("Closing queued streams failed")
	}
	if err := c.eng.WritePending(now); err != nil {
		c.logger.WithError(err).Debug("Writing pending packets failed")
	}
	c.mutex.Unlock()

	c.wake.signal()
}

// closingOrDrainingLocked reports whether the engine stopped sending.
func (c *Connection) closingOrDrainingLocked() bool {
	return c.eng.IsInClosingPeriod() || c.eng.IsInDrainingPeriod()
}

// checkOpenLocked fails if the connection cannot send anymore.
func (c *Connection) checkOpenLocked() error {
	if c.eng == nil {
		return fmt.Errorf("%w: no engine", ErrInvalid)
	}
	if c.closing || c.closingOrDrainingLocked() {
		return ErrConnClosed
	}
	return nil
}

func (c *Connection) ptoLocked() time.Duration {
	if c.eng != nil {
		if pto := c.eng.PTO(); pto > 0 {
			return pto
		}
	}
	return defaultPTO
}

// RemoteAddr returns the peer's address.
func (c *Connection) RemoteAddr() net.Addr {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.path.Remote
}

// LocalAddr returns the local address.
func (c *Connection) LocalAddr() net.Addr {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.path.Local
}

// ALPN returns the negotiated application protocol, which is empty until the
// handshake completed.
func (c *Connection) ALPN() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.alpn
}

// LastError returns the error of the last close attempt.
func (c *Connection) LastError() engine.CloseError {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lastError
}

// Server returns the parent server, or nil for a client.
func (c *Connection) Server() *Server {
	return c.server
}

// ConnectionIDs returns the connection IDs issued for this connection.
func (c *Connection) ConnectionIDs() [][]byte {
	c.cidMutex.Lock()
	defer c.cidMutex.Unlock()
	return append([][]byte(nil), c.cids...)
}

// SendQueue returns the connection's congestion-aware send queue.
func (c *Connection) SendQueue() *SendQueue {
	return c.queue
}

// HandshakeDone is closed after the handshake completed.
func (c *Connection) HandshakeDone() <-chan struct{} {
	return c.handshakeDone
}

// Done is closed after the connection reached StateClosed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Stats returns a snapshot of the connection's statistics.
func (c *Connection) Stats() Stats {
	s := c.stats.snapshot(time.Now())

	c.mutex.Lock()
	if c.eng != nil {
		m := c.eng.Metrics()
		s.SmoothedRTT = m.SmoothedRTT
		s.Cwnd = m.Cwnd
		s.BytesInFlight = m.BytesInFlight
	}
	c.mutex.Unlock()
	return s
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection(%s, %v)", c.id, c.RemoteAddr())
}

// Disconnect closes the connection with an application or transport error
// code. The connection becomes StateHalfClosed and reaches StateClosed after
// the closing period of three PTOs.
func (c *Connection) Disconnect(app bool, code uint64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closing {
		return nil
	}
	c.closing = true
	c.advanceState(StateHalfClosed)

	ce := engine.CloseError{Application: app, Code: code}
	c.lastError = ce

	var err error
	if c.eng != nil && !c.closingOrDrainingLocked() {
		err = c.eng.WriteConnectionClose(ce)
	}
	c.startCloseWaitLocked()

	c.logger.WithFields(log.Fields{
		"application": app,
		"code":        code,
	}).Info("Disconnecting")

	if err != nil {
		return c.wrapEngineError(err, -1)
	}
	return nil
}

func (c *Connection) startCloseWaitLocked() {
	if c.closeTimer != nil {
		return
	}
	c.closeTimer = time.AfterFunc(3*c.ptoLocked(), c.closeWaitExpired)
}

func (c *Connection) closeWaitExpired() {
	c.mutex.Lock()
	var closing, draining bool
	if c.eng != nil {
		closing, draining = c.eng.IsInClosingPeriod(), c.eng.IsInDrainingPeriod()
	}
	c.mutex.Unlock()

	c.logger.WithFields(log.Fields{
		"closing":  closing,
		"draining": draining,
	}).Debug("Closing period expired")

	c.finish()
}

// enterDraining starts the close-wait after the peer closed the connection.
func (c *Connection) enterDraining(ce engine.CloseError) {
	c.mutex.Lock()
	if c.closing {
		c.mutex.Unlock()
		return
	}
	c.closing = true
	c.lastError = ce
	c.startCloseWaitLocked()
	c.mutex.Unlock()

	c.logger.WithField("reason", ce.Error()).Info("Connection is draining")

	if !ce.IsGraceful() {
		c.post(func() {
			if !c.consumers.connectionError(c, ce.Code) {
				c.logger.WithField("code", ce.Code).Debug("Connection error was not handled")
			}
		})
	}
}

// Close closes the connection immediately, sending a CONNECTION_CLOSE if the
// connection is not already closing or draining.
func (c *Connection) Close() error {
	var result *multierror.Error

	c.mutex.Lock()
	if !c.closing {
		c.closing = true
		c.advanceState(StateHalfClosed)
		ce := engine.CloseError{Application: true, Code: engine.NoError}
		c.lastError = ce
		if c.eng != nil && !c.closingOrDrainingLocked() {
			if err := c.eng.WriteConnectionClose(ce); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	c.mutex.Unlock()

	c.finish()
	if c.finishErr != nil {
		result = multierror.Append(result, c.finishErr)
	}
	return result.ErrorOrNil()
}

// finish moves the connection to StateClosed, informs the consumers and
// releases all resources. It must not be called from the connection's own
// goroutines.
func (c *Connection) finish() {
	c.finishOnce.Do(func() {
		c.advanceState(StateClosed)

		c.mutex.Lock()
		c.closing = true
		if c.closeTimer != nil {
			c.closeTimer.Stop()
		}
		eng, remote := c.eng, c.path.Remote
		c.mutex.Unlock()

		c.post(func() { c.consumers.connectionClosed(c, remote) })

		close(c.done)
		c.wake.signal()

		var result *multierror.Error
		if eng != nil {
			if err := eng.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if c.ownSocket {
			if err := c.sock.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		c.wg.Wait()

		if c.server != nil {
			c.server.removeChild(c)
		}
		if err := c.keylog.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if c.ownNotifier {
			c.notifier.close()
		}

		c.finishErr = result.ErrorOrNil()
		c.logger.Info("Connection closed")
	})
}
