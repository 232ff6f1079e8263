// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import "fmt"

// Mode of an endpoint.
type Mode int

const (
	ModeClient Mode = iota
	ModeServer
)

func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// State of a server or a connection. States only move forward.
//
//	server:     None -> Listening -> Closed
//	connection: None -> Initial -> Handshake -> Open -> HalfClosed -> Closed
type State int32

const (
	StateNone State = iota
	StateListening
	StateInitial
	StateHandshake
	StateOpen
	StateHalfClosed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateListening:
		return "listening"
	case StateInitial:
		return "initial"
	case StateHandshake:
		return "handshake"
	case StateOpen:
		return "open"
	case StateHalfClosed:
		return "half-closed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
