// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"crypto/tls"
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

// minInitialSize is the minimum size of a datagram carrying a client's
// Initial packet, RFC 9000 section 14.1.
const minInitialSize = 1200

var errRefused = errors.New("connection refused by consumer")

type listenSocket struct {
	sock     *socket.Socket
	listener engine.Listener
}

// Server is a QUIC server listening on one or more UDP sockets.
type Server struct {
	*Common

	mutex     sync.Mutex
	listeners []*listenSocket
	tlsConf   *tls.Config
	keylog    *quictls.KeyLog

	// routeMutex guards the routing table. It is never held while calling
	// into an engine.
	routeMutex sync.Mutex
	children   []*Connection
	routes     map[string]*Connection
	byRemote   map[string]*Connection

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
	wg        sync.WaitGroup
}

// Listen creates a Server listening on each of addrs.
func Listen(addrs []*net.UDPAddr, consumer Consumer, opts ...Option) (*Server, error) {
	cfg := NewConfig(opts...)
	cfg.Mode = ModeServer
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no address to listen on", ErrInvalid)
	}

	tlsConf, err := cfg.serverTLS()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	s := &Server{
		Common:   newCommon(cfg),
		tlsConf:  tlsConf,
		routes:   make(map[string]*Connection),
		byRemote: make(map[string]*Connection),
		done:     make(chan struct{}),
	}
	if consumer != nil {
		s.AddConsumer(consumer)
	}

	for _, addr := range addrs {
		if err := s.listen(addr); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	s.advanceState(StateListening)
	for _, ls := range s.listeners {
		s.wg.Add(1)
		go s.readLoop(ls)

		s.logger.WithField("address", ls.sock.LocalAddr()).Info("Listening")
	}
	return s, nil
}

func (s *Server) listen(addr *net.UDPAddr) error {
	sock, err := socket.Listen(addr, s.config.socketOptions())
	if err != nil {
		return fmt.Errorf("%w: listening on %v: %w", ErrInvalid, addr, err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	tlsConf := s.tlsConf
	if s.keylog == nil {
		port := sock.LocalAddr().Port
		if s.keylog = quictls.NewKeyLog(func() string { return fmt.Sprintf("server-%d", port) }); s.keylog != nil {
			s.tlsConf.KeyLogWriter = s.keylog
		}
	}

	ls := &listenSocket{sock: sock}
	ln, err := s.config.Provider.Listen(engine.ServerConfig{
		LocalAddr:  sock.LocalAddr(),
		TLS:        tlsConf,
		Params:     s.params,
		Timeouts:   s.config.Timeouts,
		SCIDLength: serverSCIDLength,
	}, engine.PacketWriterFunc(func(pi engine.PacketInfo, data []byte) error {
		return s.writePacket(ls, pi, data)
	}), &acceptor{server: s, ls: ls})
	if err != nil {
		_ = sock.Close()
		return fmt.Errorf("%w: creating engine listener: %w", ErrInternal, err)
	}
	ls.listener = ln

	s.listeners = append(s.listeners, ls)
	return nil
}

// Addrs returns the local addresses of the listening sockets.
func (s *Server) Addrs() []*net.UDPAddr {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	addrs := make([]*net.UDPAddr, 0, len(s.listeners))
	for _, ls := range s.listeners {
		addrs = append(addrs, ls.sock.LocalAddr())
	}
	return addrs
}

// Certificate returns the path of the certificate chain.
func (s *Server) Certificate() string {
	return s.config.Certificate
}

// PrivateKey returns the path of the private key.
func (s *Server) PrivateKey() string {
	return s.config.PrivateKey
}

// SNI returns the configured server name.
func (s *Server) SNI() string {
	return s.config.SNI
}

// Children returns the server's current connections.
func (s *Server) Children() []*Connection {
	s.routeMutex.Lock()
	defer s.routeMutex.Unlock()
	return append([]*Connection(nil), s.children...)
}

// Stats returns the aggregated statistics of all sockets.
func (s *Server) Stats() Stats {
	return s.stats.snapshot(time.Now())
}

func (s *Server) String() string {
	return fmt.Sprintf("Server(%s, %v)", s.id, s.Addrs())
}

func (s *Server) readLoop(ls *listenSocket) {
	defer s.wg.Done()

	buf := make([]byte, socket.MaxDatagramSize)
	for {
		pkt, err := ls.sock.ReadPacket(buf)
		if errors.Is(err, net.ErrClosed) {
			return
		} else if err != nil {
			s.logger.WithError(err).Warn("Reading from socket errored")
			return
		}

		s.stats.received(pkt.Timestamp, pkt.N)
		s.handlePacket(ls, pkt, buf[:pkt.N])
	}
}

func (s *Server) handlePacket(ls *listenSocket, pkt socket.Packet, data []byte) {
	logger := s.logger.WithField("remote", pkt.Remote)

	hdr, err := header.Parse(data, serverSCIDLength)
	if err != nil {
		logger.WithError(err).Debug("Dropping unparsable packet")
		return
	}

	if hdr.Type == header.VersionNegotiation || hdr.Type == header.UnknownLong {
		logger.WithField("version", hdr.Version).Info("Dropping packet, version negotiation is not supported")
		return
	}

	if child := s.route(hdr.DCID); child != nil {
		child.handlePacket(pkt.Info(), data)
		return
	}

	if hdr.Type != header.Initial {
		logger.WithField("type", hdr.Type).Debug("Dropping packet of an unknown connection")
		return
	}
	if len(data) < minInitialSize {
		logger.WithField("size", len(data)).Debug("Dropping undersized Initial")
		return
	}
	if s.State() != StateListening {
		return
	}

	switch err := ls.listener.HandleInitial(pkt.Info(), data); {
	case err == nil:
	case errors.Is(err, engine.ErrRetryRequired):
		logger.Warn("Dropping Initial, address validation is not supported")
	default:
		logger.WithError(err).Debug("Accepting connection failed")
	}
}

func (s *Server) writePacket(ls *listenSocket, pi engine.PacketInfo, data []byte) error {
	if _, err := ls.sock.WriteTo(data, pi.Path.Remote); err != nil {
		s.logger.WithError(err).WithField("remote", pi.Path.Remote).Debug("Writing packet failed")
		return err
	}

	now := time.Now()
	s.stats.sent(now, len(data))

	if pi.Path.Remote != nil {
		s.routeMutex.Lock()
		child := s.byRemote[pi.Path.Remote.String()]
		s.routeMutex.Unlock()

		if child != nil {
			child.stats.sent(now, len(data))
			child.notifyTimer()
		}
	}
	return nil
}

func (s *Server) route(dcid []byte) *Connection {
	s.routeMutex.Lock()
	defer s.routeMutex.Unlock()
	return s.routes[hex.EncodeToString(dcid)]
}

func (s *Server) addRoute(cid []byte, c *Connection) {
	s.routeMutex.Lock()
	defer s.routeMutex.Unlock()
	s.routes[hex.EncodeToString(cid)] = c
}

func (s *Server) removeRoute(cid []byte, c *Connection) {
	s.routeMutex.Lock()
	defer s.routeMutex.Unlock()

	key := hex.EncodeToString(cid)
	if s.routes[key] == c {
		delete(s.routes, key)
	}
}

func (s *Server) addChild(c *Connection, info engine.AcceptInfo) {
	s.routeMutex.Lock()
	defer s.routeMutex.Unlock()

	s.children = append(s.children, c)
	for _, cid := range [][]byte{info.ODCID, info.SCID} {
		if len(cid) > 0 {
			s.routes[hex.EncodeToString(cid)] = c
		}
	}
	if info.Path.Remote != nil {
		s.byRemote[info.Path.Remote.String()] = c
	}
}

func (s *Server) removeChild(c *Connection) {
	s.routeMutex.Lock()
	defer s.routeMutex.Unlock()

	for i, child := range s.children {
		if child == c {
			s.children = append(s.children[:i], s.children[i+1:]...)
			break
		}
	}
	for key, child := range s.routes {
		if child == c {
			delete(s.routes, key)
		}
	}
	for key, child := range s.byRemote {
		if child == c {
			delete(s.byRemote, key)
		}
	}
}

// Close closes all connections and listening sockets.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		var result *multierror.Error

		s.advanceState(StateClosed)

		for _, child := range s.Children() {
			if err := child.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}

		s.mutex.Lock()
		listeners := s.listeners
		s.mutex.Unlock()

		for _, ls := range listeners {
			if err := ls.listener.Close(); err != nil {
				result = multierror.Append(result, err)
			}
			if err := ls.sock.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		s.wg.Wait()

		if err := s.keylog.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		s.notifier.close()

		s.closeErr = result.ErrorOrNil()
		s.logger.Info("Server closed")
		close(s.done)
	})
	return s.closeErr
}

// Done is closed after Close returned.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// acceptor attaches engine-created connections to a Server.
type acceptor struct {
	server *Server
	ls     *listenSocket
}

func (a *acceptor) NewConnection(eng engine.Engine, info engine.AcceptInfo) (engine.Callbacks, error) {
	s := a.server
	if s.State() != StateListening {
		return nil, fmt.Errorf("%w: server is not listening", ErrConnClosed)
	}

	logger := s.logger.WithFields(log.Fields{
		"remote": info.Path.Remote,
		"odcid":  hex.EncodeToString(info.ODCID),
	})

	if !s.consumers.newConnection(s, info.Path.Remote) {
		logger.Info("Consumer refused connection")
		return nil, errRefused
	}

	c := newConnection(s.childCommon(), s, a.ls.sock, engine.RoleServer)
	c.eng = eng
	c.path = info.Path
	if len(info.SCID) > 0 {
		c.cids = append(c.cids, append([]byte(nil), info.SCID...))
	}
	c.advanceState(StateInitial)

	s.addChild(c, info)
	c.start(false)

	logger.WithField("connection", c.id).Info("Accepted connection")
	return c.callbacks(), nil
}
