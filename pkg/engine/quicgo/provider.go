// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package quicgo provides an engine.Provider backed by quic-go.
//
// quic-go drives its connections on its own goroutines. The provider feeds
// it packets through an in-memory net.PacketConn and reports acknowledgments,
// losses and connection IDs through a connection tracer.
package quicgo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/logging"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quiclib-go/pkg/engine"
)

// Provider creates quic-go backed engines.
type Provider struct{}

// NewProvider returns a quic-go Provider.
func NewProvider() *Provider {
	return &Provider{}
}

// Dial starts a client connection.
func (p *Provider) Dial(cfg engine.ClientConfig, out engine.PacketWriter, cb engine.Callbacks) (engine.Engine, error) {
	if cfg.TLS == nil || cfg.Path.Remote == nil {
		return nil, engine.ErrInvalidArgument
	}

	pipe := newPacketPipe(cfg.Path.Local, out)
	tr, err := newTransport(pipe, cfg.SCIDLength)
	if err != nil {
		_ = pipe.Close()
		return nil, err
	}

	s := newSession(engine.RoleClient, cb)
	s.pipe, s.tr = pipe, tr
	s.events = newEventQueue()

	conf := quicConfig(cfg.Params, cfg.Timeouts)
	conf.Tracer = func(_ context.Context, _ logging.Perspective, odcid quic.ConnectionID) *logging.ConnectionTracer {
		return s.connectionTracer(odcid)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.dialCancel = cancel

	s.wg.Add(1)
	go s.dial(ctx, cfg.Path.Remote, cfg.TLS, conf)

	return s, nil
}

// Listen creates a server side listener.
func (p *Provider) Listen(cfg engine.ServerConfig, out engine.PacketWriter, acceptor engine.Acceptor) (engine.Listener, error) {
	if cfg.TLS == nil || acceptor == nil {
		return nil, engine.ErrInvalidArgument
	}

	pipe := newPacketPipe(cfg.LocalAddr, out)
	tr, err := newTransport(pipe, cfg.SCIDLength)
	if err != nil {
		_ = pipe.Close()
		return nil, err
	}

	l := &listener{
		acceptor: acceptor,
		pipe:     pipe,
		tr:       tr,
		sessions: make(map[quic.ConnectionTracingID]*session),
		logger:   log.WithField("listener", cfg.LocalAddr),
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())

	conf := quicConfig(cfg.Params, cfg.Timeouts)
	conf.Tracer = l.newTracer

	ln, err := tr.ListenEarly(cfg.TLS, conf)
	if err != nil {
		l.cancel()
		_ = tr.Close()
		_ = pipe.Close()
		return nil, fmt.Errorf("quic-go listen: %w", err)
	}
	l.ln = ln

	l.wg.Add(1)
	go l.acceptLoop()

	return l, nil
}

// listener implements engine.Listener on a quic-go EarlyListener. Sessions
// are created by the tracer factory and attached to the accepted connection
// by their tracing ID.
type listener struct {
	acceptor engine.Acceptor
	pipe     *packetPipe
	tr       *quic.Transport
	ln       *quic.EarlyListener
	logger   *log.Entry

	mutex    sync.Mutex
	sessions map[quic.ConnectionTracingID]*session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (l *listener) newTracer(ctx context.Context, _ logging.Perspective, odcid quic.ConnectionID) *logging.ConnectionTracer {
	id, _ := ctx.Value(quic.ConnectionTracingKey).(quic.ConnectionTracingID)

	s := newSession(engine.RoleServer, nil)
	s.listener = l
	s.tracingID = id
	return s.connectionTracer(odcid)
}

// accept asks the acceptor to adopt a new session.
func (l *listener) accept(s *session, info engine.AcceptInfo) {
	cb, err := l.acceptor.NewConnection(s, info)
	if err != nil {
		l.logger.WithError(err).WithField("remote", info.Path.Remote).Debug("Connection refused by acceptor")
		return
	}

	s.cb = cb
	s.events = newEventQueue()

	l.mutex.Lock()
	l.sessions[s.tracingID] = s
	l.mutex.Unlock()
}

func (l *listener) forget(s *session) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.sessions[s.tracingID] == s {
		delete(l.sessions, s.tracingID)
	}
}

func (l *listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			if !errors.Is(err, quic.ErrServerClosed) && l.ctx.Err() == nil {
				l.logger.WithError(err).Warn("Accepting connections failed")
			}
			return
		}

		id, _ := conn.Context().Value(quic.ConnectionTracingKey).(quic.ConnectionTracingID)

		l.mutex.Lock()
		s, ok := l.sessions[id]
		l.mutex.Unlock()

		if !ok {
			go func() { _ = conn.CloseWithError(RefusedError, "refused") }()
			continue
		}

		s.bind(conn)
	}
}

// HandleInitial feeds a packet of an unknown connection into quic-go.
func (l *listener) HandleInitial(pi engine.PacketInfo, data []byte) error {
	if !l.pipe.push(pi.Path.Remote, data) {
		return fmt.Errorf("quic-go listener: backlog full, dropping packet from %v", pi.Path.Remote)
	}
	return nil
}

// Close shuts down the listener together with quic-go's transport.
func (l *listener) Close() error {
	l.cancel()

	lnErr := l.ln.Close()
	trErr := l.tr.Close()
	_ = l.pipe.Close()
	l.wg.Wait()

	return errors.Join(lnErr, trErr)
}
