// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/dtn7/quiclib-go/pkg/engine"
	"github.com/dtn7/quiclib-go/pkg/engine/enginetest"
)

func TestDialInvalidConfig(t *testing.T) {
	if _, err := Dial(testRemote, nil, WithProvider(enginetest.NewProvider())); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Dial without ALPN returned %v", err)
	}
	if _, err := Dial(testRemote, nil, WithALPN(testALPN), WithProvider(nil)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Dial without provider returned %v", err)
	}
	if _, err := Dial(testRemote, nil, WithALPN(testALPN), WithMaxStreamsBidiRemote(1<<61)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Dial with too many streams returned %v", err)
	}
}

func TestDialEngineFailure(t *testing.T) {
	p := enginetest.NewProvider()
	p.FailDial(engine.ErrInternal)

	if _, err := Dial(testRemote, nil, WithALPN(testALPN), WithProvider(p)); !errors.Is(err, ErrInternal) {
		t.Fatalf("Dial returned %v", err)
	}
}

func TestConnectionHandshake(t *testing.T) {
	rec := &recorder{}
	c, eng := dialFake(t, rec, nil)

	if state := c.State(); state != StateInitial {
		t.Fatalf("State is %v, expected %v", state, StateInitial)
	}
	if c.Mode() != ModeClient {
		t.Fatalf("Mode is %v", c.Mode())
	}

	select {
	case <-c.HandshakeDone():
		t.Fatal("Handshake done before it completed")
	default:
	}

	eng.CompleteHandshake(testALPN, false)

	select {
	case <-c.HandshakeDone():
	case <-time.After(time.Second):
		t.Fatal("Handshake did not complete")
	}

	if state := c.State(); state != StateOpen {
		t.Fatalf("State is %v, expected %v", state, StateOpen)
	}
	if alpn := c.ALPN(); alpn != testALPN {
		t.Fatalf("ALPN is %q", alpn)
	}

	waitFor(t, "handshake event", func() bool {
		return rec.get(func(r *recorder) bool { return len(r.handshakes) == 1 && r.handshakes[0] == testALPN })
	})
}

func TestConnectionHandshakeVeto(t *testing.T) {
	rec := &recorder{vetoHandshakes: true}
	c, eng := dialFake(t, rec, nil)

	eng.CompleteHandshake(testALPN, false)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Vetoed connection was not closed")
	}

	ce := eng.CloseError()
	if ce == nil || !ce.Application || ce.Code != engine.ConnectionRefused {
		t.Fatalf("Unexpected close error %v", ce)
	}
	if state := c.State(); state != StateClosed {
		t.Fatalf("State is %v", state)
	}
	if !eng.Closed() {
		t.Fatal("Engine was not closed")
	}

	waitFor(t, "connection closed event", func() bool {
		return rec.get(func(r *recorder) bool { return r.closed == 1 })
	})
}

func TestConnectionDisconnect(t *testing.T) {
	rec := &recorder{}
	c, eng := dialFake(t, rec, nil)
	eng.CompleteHandshake(testALPN, false)

	if err := c.Disconnect(true, 42); err != nil {
		t.Fatal(err)
	}
	if state := c.State(); state != StateHalfClosed && state != StateClosed {
		t.Fatalf("State is %v", state)
	}
	if last := c.LastError(); !last.Application || last.Code != 42 {
		t.Fatalf("Last error is %v", last)
	}

	// A second disconnect is a no-op.
	if err := c.Disconnect(false, engine.InternalError); err != nil {
		t.Fatal(err)
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Connection did not reach the closed state")
	}

	if ce := eng.CloseError(); ce == nil || ce.Code != 42 {
		t.Fatalf("Engine close error is %v", ce)
	}
	if _, err := c.OpenStream(true); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("OpenStream on a closed connection returned %v", err)
	}

	waitFor(t, "connection closed event", func() bool {
		return rec.get(func(r *recorder) bool { return r.closed == 1 && len(r.errorCodes) == 0 })
	})
}

func TestConnectionDrain(t *testing.T) {
	rec := &recorder{}
	c, eng := dialFake(t, rec, nil)
	eng.CompleteHandshake(testALPN, false)

	eng.Drain(engine.CloseError{Code: engine.ProtocolViolation, Remote: true})

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Draining connection did not close")
	}

	if last := c.LastError(); last.Code != engine.ProtocolViolation {
		t.Fatalf("Last error is %v", last)
	}
	if eng.CloseError() != nil {
		t.Fatal("Draining connection sent a CONNECTION_CLOSE")
	}

	waitFor(t, "connection error event", func() bool {
		return rec.get(func(r *recorder) bool {
			return len(r.errorCodes) == 1 && r.errorCodes[0] == engine.ProtocolViolation && r.closed == 1
		})
	})
}

func TestConnectionGracefulDrain(t *testing.T) {
	rec := &recorder{}
	c, eng := dialFake(t, rec, nil)
	eng.CompleteHandshake(testALPN, false)

	eng.Drain(engine.CloseError{Application: true, Code: engine.NoError, Remote: true})

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Draining connection did not close")
	}

	waitFor(t, "connection closed event", func() bool {
		return rec.get(func(r *recorder) bool { return r.closed == 1 })
	})
	if rec.get(func(r *recorder) bool { return len(r.errorCodes) != 0 }) {
		t.Fatal("Graceful close was reported as an error")
	}
}

func TestConnectionCloseIdempotent(t *testing.T) {
	c, eng := dialFake(t, nil, nil)

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !eng.Closed() {
		t.Fatal("Engine was not closed")
	}
	if c.State() != StateClosed {
		t.Fatalf("State is %v", c.State())
	}
}

func TestConnectionReadDropsConnection(t *testing.T) {
	c, eng := dialFake(t, nil, nil)
	eng.SetReadError(engine.ErrDropConn)

	c.handlePacket(engine.PacketInfo{Timestamp: time.Now()}, []byte{0x40, 0x00})

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Dropped connection was not closed")
	}

	if stats := c.Stats(); stats.PacketsReceived != 1 {
		t.Fatalf("Received %d packets", stats.PacketsReceived)
	}
}

func TestConnectionConsumers(t *testing.T) {
	c, _ := dialFake(t, nil, nil)

	a, b := &recorder{}, &recorder{}
	c.AddConsumer(a)
	c.AddConsumer(a)
	c.AddConsumer(b)

	if n := c.ConsumerCount(); n != 2 {
		t.Fatalf("Consumer count is %d", n)
	}
	if n := c.RemoveConsumer(a); n != 1 {
		t.Fatalf("Remaining consumers %d", n)
	}
	if n := c.RemoveConsumer(a); n != 1 {
		t.Fatalf("Remaining consumers %d", n)
	}
}
