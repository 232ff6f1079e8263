// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicgo

import (
	"context"
	"errors"
	"net"

	"github.com/quic-go/quic-go"

	"github.com/dtn7/quiclib-go/pkg/engine"
)

const (
	// RefusedError closes connections refused by the acceptor.
	RefusedError = quic.ApplicationErrorCode(engine.ConnectionRefused)

	// ShutdownError closes connections when the listener shuts down.
	ShutdownError = quic.ApplicationErrorCode(engine.NoError)
)

// closeError translates the cause of a closed quic-go connection.
func closeError(cause error) engine.CloseError {
	var (
		appErr       *quic.ApplicationError
		transportErr *quic.TransportError
		idleErr      *quic.IdleTimeoutError
		hsErr        *quic.HandshakeTimeoutError
	)

	switch {
	case errors.As(cause, &appErr):
		return engine.CloseError{
			Application: true,
			Code:        uint64(appErr.ErrorCode),
			Reason:      appErr.ErrorMessage,
			Remote:      appErr.Remote,
		}

	case errors.As(cause, &transportErr):
		return engine.CloseError{
			Code:   uint64(transportErr.ErrorCode),
			Reason: transportErr.ErrorMessage,
			Remote: transportErr.Remote,
		}

	case errors.As(cause, &idleErr):
		return engine.CloseError{Code: engine.NoError, Reason: "idle timeout"}

	case errors.As(cause, &hsErr):
		return engine.CloseError{Code: engine.InternalError, Reason: "handshake timeout"}

	case errors.Is(cause, context.Canceled):
		return engine.CloseError{Code: engine.NoError, Reason: "canceled"}

	default:
		ce := engine.CloseError{Code: engine.InternalError}
		if cause != nil {
			ce.Reason = cause.Error()
		}
		return ce
	}
}

// streamError translates errors of stream operations.
func streamError(err error, connDone bool) error {
	var (
		streamErr *quic.StreamError
		netErr    net.Error
	)

	switch {
	case errors.As(err, &streamErr):
		return engine.ErrStreamShutWrite
	case errors.As(err, &netErr) && netErr.Timeout():
		return engine.ErrStreamDataBlocked
	case connDone:
		return engine.ErrClosing
	default:
		return errors.Join(engine.ErrInternal, err)
	}
}
