// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package manager deduplicates QUIC endpoints between consumers.
//
// Clients are shared by their resolved peer address, servers by their
// resolved listening address. Each consumer holds a reference, which is
// released by Unref; the last reference closes the endpoint.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quiclib-go/pkg/transport"
)

const resolveTimeout = 10 * time.Second

var (
	// ErrALPNMismatch is returned if an existing endpoint does not accept
	// the requested application protocols.
	ErrALPNMismatch = errors.New("manager: ALPN mismatch")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("manager: closed")

	// ErrUnknownEndpoint is returned by Unref for endpoints of another
	// manager.
	ErrUnknownEndpoint = errors.New("manager: unknown endpoint")
)

type clientEntry struct {
	addr *net.UDPAddr
	conn *transport.Connection
}

type serverEntry struct {
	addr *net.UDPAddr
	srv  *transport.Server
}

// Manager is a registry of shared clients and servers.
type Manager struct {
	resolver Resolver
	opts     []transport.Option

	mutex   sync.Mutex
	clients []clientEntry
	servers []serverEntry
	closed  bool
}

// Option alters a Manager.
type Option func(*Manager)

// WithResolver sets the resolver, net.DefaultResolver by default.
func WithResolver(r Resolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// WithTransportOptions sets options applied to every created endpoint before
// the per-call options.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(m *Manager) { m.opts = append(m.opts, opts...) }
}

// New creates a Manager.
func New(opts ...Option) *Manager {
	m := &Manager{resolver: net.DefaultResolver}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var (
	defaultOnce    sync.Once
	defaultManager *Manager
)

// Default returns the process wide Manager, creating it on first use.
func Default() *Manager {
	defaultOnce.Do(func() { defaultManager = New() })
	return defaultManager
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port != 0 && a.Port == b.Port && a.IP.Equal(b.IP)
}

func (m *Manager) resolve(location string) (*net.UDPAddr, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	return resolve(ctx, m.resolver, loc)
}

// Listen returns a server for location. An existing server on the same
// address is shared if it accepts all alpns.
func (m *Manager) Listen(consumer transport.Consumer, location string, alpns []string, certFile, keyFile string, opts ...transport.Option) (*transport.Server, error) {
	addr, err := m.resolve(location)
	if err != nil {
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	for _, e := range m.servers {
		if !sameAddr(e.addr, addr) {
			continue
		}

		accepted := e.srv.ALPNs()
		for _, alpn := range alpns {
			if !slices.Contains(accepted, alpn) {
				return nil, fmt.Errorf("%w: %s does not accept %q", ErrALPNMismatch, e.srv, alpn)
			}
		}

		e.srv.AddConsumer(consumer)
		log.WithFields(log.Fields{
			"server":    e.srv.ID(),
			"consumers": e.srv.ConsumerCount(),
		}).Debug("Sharing existing server")
		return e.srv, nil
	}

	all := append([]transport.Option{
		transport.WithLocation(location),
		transport.WithALPN(alpns...),
		transport.WithCertificate(certFile),
		transport.WithPrivateKey(keyFile),
	}, m.opts...)
	srv, err := transport.Listen([]*net.UDPAddr{addr}, consumer, append(all, opts...)...)
	if err != nil {
		return nil, err
	}

	m.servers = append(m.servers, serverEntry{addr: addr, srv: srv})
	go m.forgetOnClose(srv)
	log.WithFields(log.Fields{
		"server":   srv.ID(),
		"location": location,
	}).Info("Created server")
	return srv, nil
}

// Connect returns a client connection to location. An existing, still open
// connection to the same address is shared if it negotiates alpn.
func (m *Manager) Connect(consumer transport.Consumer, location, alpn string, opts ...transport.Option) (*transport.Connection, error) {
	addr, err := m.resolve(location)
	if err != nil {
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	for _, e := range m.clients {
		if !sameAddr(e.addr, addr) || e.conn.State() >= transport.StateHalfClosed {
			continue
		}
		if !slices.Contains(e.conn.ALPNs(), alpn) {
			return nil, fmt.Errorf("%w: %s does not use %q", ErrALPNMismatch, e.conn, alpn)
		}

		e.conn.AddConsumer(consumer)
		log.WithFields(log.Fields{
			"connection": e.conn.ID(),
			"consumers":  e.conn.ConsumerCount(),
		}).Debug("Sharing existing connection")
		return e.conn, nil
	}

	all := append([]transport.Option{
		transport.WithLocation(location),
		transport.WithALPN(alpn),
	}, m.opts...)
	conn, err := transport.Dial(addr, consumer, append(all, opts...)...)
	if err != nil {
		return nil, err
	}

	m.clients = append(m.clients, clientEntry{addr: addr, conn: conn})
	go m.forgetOnClose(conn)

	log.WithFields(log.Fields{
		"connection": conn.ID(),
		"location":   location,
	}).Info("Created connection")
	return conn, nil
}

// forgetOnClose removes an endpoint closed outside of the Manager, e.g., by
// its peer, a timeout or a direct Close.
func (m *Manager) forgetOnClose(ep transport.Endpoint) {
	<-ep.Done()

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.removeLocked(ep)
}

func (m *Manager) removeLocked(ep transport.Endpoint) {
	switch ep := ep.(type) {
	case *transport.Connection:
		m.clients = slices.DeleteFunc(m.clients, func(e clientEntry) bool { return e.conn == ep })
	case *transport.Server:
		m.servers = slices.DeleteFunc(m.servers, func(e serverEntry) bool { return e.srv == ep })
	}
}

// Unref detaches consumer from ep. The last consumer closes the endpoint and
// removes it from the Manager.
func (m *Manager) Unref(ep transport.Endpoint, consumer transport.Consumer) error {
	m.mutex.Lock()
	if !m.containsLocked(ep) {
		m.mutex.Unlock()
		// Endpoints closed outside of the Manager were already forgotten.
		if ep.State() == transport.StateClosed {
			ep.RemoveConsumer(consumer)
			return nil
		}
		return ErrUnknownEndpoint
	}
	if ep.RemoveConsumer(consumer) > 0 {
		m.mutex.Unlock()
		return nil
	}
	m.removeLocked(ep)
	m.mutex.Unlock()

	log.WithField("endpoint", ep.ID()).Debug("Last consumer left, closing endpoint")
	return ep.Close()
}

func (m *Manager) containsLocked(ep transport.Endpoint) bool {
	for _, e := range m.clients {
		if transport.Endpoint(e.conn) == ep {
			return true
		}
	}
	for _, e := range m.servers {
		if transport.Endpoint(e.srv) == ep {
			return true
		}
	}
	return false
}

// Endpoints returns all servers followed by all clients.
func (m *Manager) Endpoints() []transport.Endpoint {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	eps := make([]transport.Endpoint, 0, len(m.servers)+len(m.clients))
	for _, e := range m.servers {
		eps = append(eps, e.srv)
	}
	for _, e := range m.clients {
		eps = append(eps, e.conn)
	}
	return eps
}

// Close closes all endpoints. The Manager cannot be used afterwards.
func (m *Manager) Close() error {
	m.mutex.Lock()
	m.closed = true
	eps := make([]transport.Endpoint, 0, len(m.servers)+len(m.clients))
	for _, e := range m.servers {
		eps = append(eps, e.srv)
	}
	for _, e := range m.clients {
		eps = append(eps, e.conn)
	}
	m.servers, m.clients = nil, nil
	m.mutex.Unlock()

	var result *multierror.Error
	for _, ep := range eps {
		if err := ep.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing %v: %w", ep, err))
		}
	}
	return result.ErrorOrNil()
}
