// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport implements QUIC servers and client connections on top of
// an engine.Engine.
//
// A Server or a client Connection owns its UDP socket and a set of
// goroutines: a socket read loop, an expiry timer loop and a send queue.
// Events are delivered to the endpoint's consumers on a notification
// goroutine, which is shared by a server and its connections.
package transport

import (
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quiclib-go/pkg/engine"
)

// Endpoint is either a *Server or a *Connection.
type Endpoint interface {
	ID() uuid.UUID
	Mode() Mode
	State() State
	Location() string
	ALPNs() []string
	AppData() any

	AddConsumer(c Consumer)
	RemoveConsumer(c Consumer) int
	ConsumerCount() int

	Close() error
	// Done is closed once the endpoint was closed.
	Done() <-chan struct{}

	common() *Common
}

// Common is the state shared by servers and connections.
type Common struct {
	id     uuid.UUID
	config Config
	params engine.TransportParams
	state  atomic.Int32

	consumers   *consumerList
	notifier    *notifier
	ownNotifier bool

	stats statistics

	logger *log.Entry
}

func newCommon(cfg Config) *Common {
	c := &Common{
		id:          uuid.New(),
		config:      cfg,
		params:      cfg.transportParams(),
		consumers:   &consumerList{},
		notifier:    newNotifier(),
		ownNotifier: true,
	}
	c.stats.enabled = cfg.EnableStats
	c.logger = log.WithFields(log.Fields{
		"endpoint": c.id.String(),
		"mode":     cfg.Mode.String(),
		"location": cfg.Location,
	})
	return c
}

// childCommon derives a server's connection context, sharing consumers and
// the notification loop.
func (c *Common) childCommon() *Common {
	child := &Common{
		id:        uuid.New(),
		config:    c.config,
		params:    c.params,
		consumers: c.consumers,
		notifier:  c.notifier,
	}
	child.stats.enabled = c.config.EnableStats
	child.logger = c.logger.WithField("connection", child.id.String())
	return child
}

func (c *Common) common() *Common {
	return c
}

// ID identifies the endpoint in logs.
func (c *Common) ID() uuid.UUID {
	return c.id
}

// Mode is the endpoint's mode; a server's connections are in server mode.
func (c *Common) Mode() Mode {
	return c.config.Mode
}

// State returns the current state.
func (c *Common) State() State {
	return State(c.state.Load())
}

// Location is the string the endpoint was created for.
func (c *Common) Location() string {
	return c.config.Location
}

// ALPNs returns the configured application protocols.
func (c *Common) ALPNs() []string {
	return append([]string(nil), c.config.ALPNs...)
}

// AppData returns the opaque application value.
func (c *Common) AppData() any {
	return c.config.AppData
}

// TransportParams returns the transport parameter template.
func (c *Common) TransportParams() engine.TransportParams {
	return c.params
}

// AddConsumer registers c for this endpoint's events.
func (c *Common) AddConsumer(consumer Consumer) {
	c.consumers.add(consumer)
}

// RemoveConsumer unregisters c and returns the number of remaining consumers.
func (c *Common) RemoveConsumer(consumer Consumer) int {
	return c.consumers.remove(consumer)
}

// ConsumerCount returns the number of registered consumers.
func (c *Common) ConsumerCount() int {
	return c.consumers.len()
}

// advanceState moves the state forward to s. It returns false if the state
// already is s or beyond.
func (c *Common) advanceState(s State) bool {
	for {
		cur := c.state.Load()
		if cur >= int32(s) {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			c.logger.WithFields(log.Fields{
				"from": State(cur).String(),
				"to":   s.String(),
			}).Debug("State changed")
			return true
		}
	}
}

// post schedules f on the notification loop.
func (c *Common) post(f func()) {
	if !c.notifier.post(f) {
		c.logger.Debug("Dropping event after notification loop was closed")
	}
}
