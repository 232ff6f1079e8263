// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"errors"
	"fmt"

	"github.com/dtn7/quiclib-go/pkg/engine"
)

// Error is the kind of error returned by the transport's operations. A
// successful operation returns nil. Returned errors might wrap an Error with
// further context, so they should be tested with errors.Is.
type Error int

const (
	_ Error = iota

	// ErrInternal is an unreachable state or assertion failure.
	ErrInternal

	// ErrOOM signals a failed allocation.
	ErrOOM

	// ErrInvalid is a generic error, mostly an invalid argument.
	ErrInvalid

	// ErrStreamIDBlocked is returned if the peer has not credited enough
	// stream IDs to open another stream.
	ErrStreamIDBlocked

	// ErrStreamDataBlocked is returned if the stream's flow-control window is
	// exhausted.
	ErrStreamDataBlocked

	// ErrStreamClosed is returned for a stream which was already closed or
	// reset.
	ErrStreamClosed

	// ErrConnDataBlocked is returned if the connection's flow-control window
	// is exhausted.
	ErrConnDataBlocked

	// ErrPacketNumExhausted forces the connection to close.
	ErrPacketNumExhausted

	// ErrConnClosed is returned during the closing or draining period.
	ErrConnClosed

	// ErrExtensionNotSupported is returned when sending datagrams without the
	// peer supporting them.
	ErrExtensionNotSupported
)

func (e Error) Error() string {
	switch e {
	case ErrInternal:
		return "internal error"
	case ErrOOM:
		return "out of memory"
	case ErrInvalid:
		return "invalid argument"
	case ErrStreamIDBlocked:
		return "stream id blocked"
	case ErrStreamDataBlocked:
		return "stream data blocked"
	case ErrStreamClosed:
		return "stream closed"
	case ErrConnDataBlocked:
		return "connection data blocked"
	case ErrPacketNumExhausted:
		return "packet number exhausted"
	case ErrConnClosed:
		return "connection closed"
	case ErrExtensionNotSupported:
		return "extension not supported"
	default:
		return fmt.Sprintf("unknown error %d", int(e))
	}
}

// errorKind maps an engine error to an Error. The streamID is used to
// distinguish never opened from already closed streams; pass a negative
// value for non-stream operations.
func (c *Connection) errorKind(err error, streamID int64) Error {
	switch {
	case errors.Is(err, engine.ErrStreamNotFound):
		if streamID >= 0 && streamID > c.lastStreamID[streamID&0x3] {
			return ErrInvalid
		}
		return ErrStreamClosed

	case errors.Is(err, engine.ErrStreamShutWrite), errors.Is(err, engine.ErrStreamState):
		return ErrStreamClosed

	case errors.Is(err, engine.ErrStreamIDBlocked):
		return ErrStreamIDBlocked

	case errors.Is(err, engine.ErrStreamDataBlocked), errors.Is(err, engine.ErrWriteMore):
		return ErrStreamDataBlocked

	case errors.Is(err, engine.ErrConnDataBlocked):
		return ErrConnDataBlocked

	case errors.Is(err, engine.ErrPacketNumExhausted):
		return ErrPacketNumExhausted

	case errors.Is(err, engine.ErrClosing), errors.Is(err, engine.ErrDraining), errors.Is(err, engine.ErrDropConn):
		return ErrConnClosed

	case errors.Is(err, engine.ErrNoDatagram):
		return ErrExtensionNotSupported

	case errors.Is(err, engine.ErrInvalidArgument), errors.Is(err, engine.ErrDatagramTooLarge),
		errors.Is(err, engine.ErrHandshakePending):
		return ErrInvalid

	default:
		return ErrInternal
	}
}

// wrapEngineError maps err to an Error, keeping err in the chain.
func (c *Connection) wrapEngineError(err error, streamID int64) error {
	if err == nil {
		return nil
	}
	var kind Error
	if errors.As(err, &kind) {
		return err
	}
	return fmt.Errorf("%w: %w", c.errorKind(err, streamID), err)
}

// isFatal reports whether an engine error requires closing the connection.
func isFatal(err error) bool {
	return errors.Is(err, engine.ErrPacketNumExhausted) ||
		errors.Is(err, engine.ErrCrypto) ||
		errors.Is(err, engine.ErrInternal)
}

// isBlocked reports whether an engine error is a recoverable flow-control
// condition.
func isBlocked(err error) bool {
	return errors.Is(err, engine.ErrStreamDataBlocked) ||
		errors.Is(err, engine.ErrConnDataBlocked) ||
		errors.Is(err, engine.ErrWriteMore)
}
