// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package statsrest exposes endpoints and their statistics as JSON.
//
// The API offers the following routes below its router:
//
//	GET /endpoints       all endpoints, servers with their children
//	GET /endpoints/{id}  a single endpoint or server child
//	GET /ws              WebSocket pushing the endpoint list periodically
package statsrest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quiclib-go/pkg/transport"
)

// DefaultInterval between two WebSocket updates.
const DefaultInterval = time.Second

// EndpointSource lists endpoints, e.g., a *manager.Manager.
type EndpointSource interface {
	Endpoints() []transport.Endpoint
}

// EndpointInfo is the JSON representation of an endpoint.
type EndpointInfo struct {
	ID       string   `json:"id"`
	Mode     string   `json:"mode"`
	State    string   `json:"state"`
	Location string   `json:"location,omitempty"`
	ALPNs    []string `json:"alpns"`

	// Addrs are a server's listening addresses.
	Addrs []string `json:"addrs,omitempty"`

	// Local, Remote and ALPN are only set for connections.
	Local  string `json:"local,omitempty"`
	Remote string `json:"remote,omitempty"`
	ALPN   string `json:"alpn,omitempty"`

	Stats    transport.Stats `json:"stats"`
	Children []EndpointInfo  `json:"children,omitempty"`
}

func connectionInfo(c *transport.Connection) EndpointInfo {
	info := EndpointInfo{
		ID:       c.ID().String(),
		Mode:     c.Mode().String(),
		State:    c.State().String(),
		Location: c.Location(),
		ALPNs:    c.ALPNs(),
		ALPN:     c.ALPN(),
		Stats:    c.Stats(),
	}
	if local := c.LocalAddr(); local != nil {
		info.Local = local.String()
	}
	if remote := c.RemoteAddr(); remote != nil {
		info.Remote = remote.String()
	}
	return info
}

func serverInfo(s *transport.Server) EndpointInfo {
	info := EndpointInfo{
		ID:       s.ID().String(),
		Mode:     s.Mode().String(),
		State:    s.State().String(),
		Location: s.Location(),
		ALPNs:    s.ALPNs(),
		Stats:    s.Stats(),
	}
	for _, addr := range s.Addrs() {
		info.Addrs = append(info.Addrs, addr.String())
	}
	for _, child := range s.Children() {
		info.Children = append(info.Children, connectionInfo(child))
	}
	return info
}

// Info creates the EndpointInfo of ep.
func Info(ep transport.Endpoint) EndpointInfo {
	switch ep := ep.(type) {
	case *transport.Server:
		return serverInfo(ep)
	case *transport.Connection:
		return connectionInfo(ep)
	default:
		return EndpointInfo{
			ID:    ep.ID().String(),
			Mode:  ep.Mode().String(),
			State: ep.State().String(),
			ALPNs: ep.ALPNs(),
		}
	}
}

// StatsAPI serves the statistics routes.
type StatsAPI struct {
	router   *mux.Router
	source   EndpointSource
	interval time.Duration

	upgrader websocket.Upgrader
}

// NewStatsAPI registers its routes at router. A non-positive interval falls
// back to DefaultInterval.
func NewStatsAPI(router *mux.Router, source EndpointSource, interval time.Duration) *StatsAPI {
	if interval <= 0 {
		interval = DefaultInterval
	}

	api := &StatsAPI{
		router:   router,
		source:   source,
		interval: interval,
		upgrader: websocket.Upgrader{},
	}

	api.router.HandleFunc("/endpoints", api.handleEndpoints).Methods(http.MethodGet)
	api.router.HandleFunc("/endpoints/{id}", api.handleEndpoint).Methods(http.MethodGet)
	api.router.HandleFunc("/ws", api.handleWebSocket)

	return api
}

// ServeHTTP is a http.Handler to be bound to a HTTP endpoint, e.g., /stats.
func (api *StatsAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.router.ServeHTTP(w, r)
}

func (api *StatsAPI) snapshot() []EndpointInfo {
	infos := []EndpointInfo{}
	for _, ep := range api.source.Endpoints() {
		infos = append(infos, Info(ep))
	}
	return infos
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write statistics response")
	}
}

// handleEndpoints processes /endpoints GET requests.
func (api *StatsAPI) handleEndpoints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.snapshot())
}

// handleEndpoint processes /endpoints/{id} GET requests.
func (api *StatsAPI) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	for _, info := range api.snapshot() {
		if info.ID == id.String() {
			writeJSON(w, http.StatusOK, info)
			return
		}
		for _, child := range info.Children {
			if child.ID == id.String() {
				writeJSON(w, http.StatusOK, child)
				return
			}
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown endpoint " + id.String()})
}

// handleWebSocket pushes a snapshot every interval until the client leaves.
func (api *StatsAPI) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}
	defer conn.Close()

	logger := log.WithField("client", conn.RemoteAddr())
	logger.Debug("Statistics WebSocket client connected")

	// The client only sends control frames; a read error means it left.
	left := make(chan struct{})
	go func() {
		defer close(left)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(api.interval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(api.snapshot()); err != nil {
			logger.WithError(err).Debug("Statistics WebSocket client errored")
			return
		}

		select {
		case <-left:
			logger.Debug("Statistics WebSocket client left")
			return
		case <-ticker.C:
		}
	}
}
