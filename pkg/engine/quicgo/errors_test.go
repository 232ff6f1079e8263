// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicgo

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/quic-go/quic-go"

	"github.com/dtn7/quiclib-go/pkg/engine"
)

func TestCloseError(t *testing.T) {
	tests := []struct {
		cause error
		ce    engine.CloseError
	}{
		{
			&quic.ApplicationError{Remote: true, ErrorCode: 42, ErrorMessage: "bye"},
			engine.CloseError{Application: true, Code: 42, Reason: "bye", Remote: true},
		},
		{
			fmt.Errorf("wrapped: %w", &quic.TransportError{ErrorCode: quic.TransportErrorCode(engine.ProtocolViolation), ErrorMessage: "bad"}),
			engine.CloseError{Code: engine.ProtocolViolation, Reason: "bad"},
		},
		{
			&quic.IdleTimeoutError{},
			engine.CloseError{Code: engine.NoError, Reason: "idle timeout"},
		},
		{
			&quic.HandshakeTimeoutError{},
			engine.CloseError{Code: engine.InternalError, Reason: "handshake timeout"},
		},
		{
			context.Canceled,
			engine.CloseError{Code: engine.NoError, Reason: "canceled"},
		},
		{
			errors.New("boom"),
			engine.CloseError{Code: engine.InternalError, Reason: "boom"},
		},
	}

	for _, test := range tests {
		if ce := closeError(test.cause); ce != test.ce {
			t.Fatalf("closeError(%v) = %+v, expected %+v", test.cause, ce, test.ce)
		}
	}
}

func TestStreamError(t *testing.T) {
	if err := streamError(&quic.StreamError{StreamID: 4, ErrorCode: 1}, false); !errors.Is(err, engine.ErrStreamShutWrite) {
		t.Fatalf("Stream error mapped to %v", err)
	}
	if err := streamError(errors.New("gone"), true); !errors.Is(err, engine.ErrClosing) {
		t.Fatalf("Closed connection mapped to %v", err)
	}
	if err := streamError(errors.New("other"), false); !errors.Is(err, engine.ErrInternal) {
		t.Fatalf("Unknown error mapped to %v", err)
	}
}
