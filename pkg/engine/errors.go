// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package engine

import (
	"errors"
	"fmt"
)

// Errors returned by engines.
var (
	ErrInvalidArgument    = errors.New("engine: invalid argument")
	ErrStreamIDBlocked    = errors.New("engine: stream id blocked")
	ErrStreamDataBlocked  = errors.New("engine: stream data blocked")
	ErrConnDataBlocked    = errors.New("engine: connection data blocked")
	ErrStreamNotFound     = errors.New("engine: stream not found")
	ErrStreamShutWrite    = errors.New("engine: stream shut for writing")
	ErrStreamState        = errors.New("engine: invalid stream state")
	ErrWriteMore          = errors.New("engine: write more")
	ErrPacketNumExhausted = errors.New("engine: packet number exhausted")
	ErrClosing            = errors.New("engine: connection is closing")
	ErrDraining           = errors.New("engine: connection is draining")
	ErrDropConn           = errors.New("engine: drop connection")
	ErrCrypto             = errors.New("engine: crypto error")
	ErrHandshakePending   = errors.New("engine: handshake not completed")
	ErrNoDatagram         = errors.New("engine: peer does not support datagrams")
	ErrDatagramTooLarge   = errors.New("engine: datagram too large")
	ErrRetryRequired      = errors.New("engine: address validation required")
	ErrVersionNegotiation = errors.New("engine: version negotiation required")
	ErrInternal           = errors.New("engine: internal error")
)

// Transport error codes, RFC 9000 section 20.1.
const (
	NoError           uint64 = 0x0
	InternalError     uint64 = 0x1
	ConnectionRefused uint64 = 0x2
	FlowControlError  uint64 = 0x3
	ProtocolViolation uint64 = 0xa
	ApplicationError  uint64 = 0xc
)

// CloseError is the error carried by a CONNECTION_CLOSE frame.
type CloseError struct {
	// Application distinguishes application (0x1d) from transport (0x1c)
	// closes.
	Application bool
	Code        uint64
	Reason      string

	// Remote is set if the close was initiated by the peer.
	Remote bool
}

// NoErrorClose is the graceful transport close.
var NoErrorClose = CloseError{Code: NoError}

func (ce CloseError) Error() string {
	kind := "transport"
	if ce.Application {
		kind = "application"
	}
	side := "local"
	if ce.Remote {
		side = "remote"
	}

	if ce.Reason == "" {
		return fmt.Sprintf("%s %s close, code %#x", side, kind, ce.Code)
	}
	return fmt.Sprintf("%s %s close, code %#x: %s", side, kind, ce.Code, ce.Reason)
}

// IsGraceful reports whether the close carries no error.
func (ce CloseError) IsGraceful() bool {
	return ce.Code == NoError
}
