// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/dtn7/quiclib-go/pkg/quictls"
)

// echo sends all received stream data and datagrams back from the
// notification goroutine, which keeps the stream's data in order.
type echo struct {
	recorder
}

func (e *echo) StreamData(conn *Connection, buf *Buffer) {
	e.recorder.StreamData(conn, buf)

	reply := NewStreamBuffer(buf.IsFinal(), append([]byte(nil), buf.Bytes()...))
	_ = conn.SendStream(reply, buf.Stream.StreamID)
}

func (e *echo) DatagramData(conn *Connection, buf *Buffer) {
	e.recorder.DatagramData(conn, buf)

	reply := NewDatagramBuffer(append([]byte(nil), buf.Bytes()...))
	_, _ = conn.SendDatagram(reply)
}

// captureStates records every logged state change until the test ends.
func captureStates(t *testing.T) *test.Hook {
	t.Helper()

	logger := log.StandardLogger()
	level, out := logger.GetLevel(), logger.Out
	hooks := logger.ReplaceHooks(make(log.LevelHooks))

	hook := new(test.Hook)
	logger.AddHook(hook)
	logger.SetLevel(log.DebugLevel)
	logger.SetOutput(io.Discard)

	t.Cleanup(func() {
		logger.ReplaceHooks(hooks)
		logger.SetLevel(level)
		logger.SetOutput(out)
	})
	return hook
}

// statesOf lists the states an endpoint passed through.
func statesOf(hook *test.Hook, key, id string) (states []string) {
	for _, e := range hook.AllEntries() {
		if e.Message == "State changed" && e.Data[key] == id {
			states = append(states, e.Data["to"].(string))
		}
	}
	return
}

func TestQUICGoEcho(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping QUIC handshake in short mode")
	}

	hook := captureStates(t)

	cert, key, err := quictls.WriteSelfSigned(t.TempDir(), "localhost")
	if err != nil {
		t.Fatal(err)
	}

	srvRec := &echo{}
	srv, err := Listen([]*net.UDPAddr{{IP: net.IPv4(127, 0, 0, 1)}}, srvRec,
		WithALPN(testALPN),
		WithCertificate(cert),
		WithPrivateKey(key),
		WithDatagrams(true),
		WithStats(true))
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	cliRec := &recorder{}
	conn, err := Dial(srv.Addrs()[0], cliRec,
		WithALPN(testALPN),
		WithSNI("localhost"),
		WithInsecureSkipVerify(true),
		WithDatagrams(true),
		WithIdleTimeout(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	select {
	case <-conn.HandshakeDone():
	case <-time.After(5 * time.Second):
		t.Fatalf("Handshake did not complete, state %v", conn.State())
	}
	if conn.ALPN() != testALPN {
		t.Fatalf("Negotiated ALPN %q", conn.ALPN())
	}

	id, err := conn.OpenStream(true)
	if err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte("quiclib "), 512)
	if err := conn.SendStream(NewStreamBuffer(true, payload), id); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "echoed stream data", func() bool {
		return cliRec.get(func(r *recorder) bool {
			var got []byte
			final := false
			for _, buf := range r.data {
				got = append(got, buf.Bytes()...)
				final = final || buf.IsFinal()
			}
			return final && bytes.Equal(got, payload)
		})
	})

	if n := len(srv.Children()); n != 1 {
		t.Fatalf("Server has %d children", n)
	}
	child := srv.Children()[0]

	// Both ends free the stream once it is closed in both directions and
	// every byte was acknowledged.
	waitFor(t, "client stream freed", func() bool {
		_, ok := conn.StreamState(id)
		return !ok && cliRec.get(func(r *recorder) bool {
			return len(r.closedStreams) == 1 && r.closedStreams[0] == id
		})
	})
	waitFor(t, "server stream freed", func() bool {
		_, ok := child.StreamState(id)
		return !ok && srvRec.get(func(r *recorder) bool {
			return len(r.closedStreams) == 1 && r.closedStreams[0] == id
		})
	})
	if n := conn.StreamCount(); n != 0 {
		t.Fatalf("Client keeps %d streams", n)
	}
	if n := child.StreamCount(); n != 0 {
		t.Fatalf("Server keeps %d streams", n)
	}

	if _, err := conn.SendDatagram(NewDatagramBuffer([]byte("ping"))); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "echoed datagram", func() bool {
		return cliRec.get(func(r *recorder) bool {
			return len(r.datagrams) > 0 && bytes.Equal(r.datagrams[0].Bytes(), []byte("ping"))
		})
	})
	waitFor(t, "acknowledged datagram", func() bool {
		return cliRec.get(func(r *recorder) bool { return len(r.dgramsAcked) > 0 })
	})

	if err := conn.Disconnect(true, 0); err != nil {
		t.Fatal(err)
	}

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Client did not close")
	}
	select {
	case <-child.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Server's connection did not close")
	}

	waitFor(t, "server connection closed event", func() bool {
		return srvRec.get(func(r *recorder) bool { return r.closed == 1 })
	})

	if !cliRec.get(func(r *recorder) bool {
		return len(r.dgramsAcked) == 1 && bytes.Equal(r.dgramsAcked[0].Bytes(), []byte("ping"))
	}) {
		t.Fatal("Datagram acknowledgment was not delivered exactly once")
	}
	if !cliRec.get(func(r *recorder) bool { return len(r.closedStreams) == 1 }) {
		t.Fatal("Client stream closed was delivered more than once")
	}

	states := statesOf(hook, "connection", child.id.String())
	want := []string{StateInitial.String(), StateHandshake.String(), StateOpen.String()}
	if len(states) < len(want) {
		t.Fatalf("Server connection passed through %v", states)
	}
	for i, s := range want {
		if states[i] != s {
			t.Fatalf("Server connection passed through %v, expected %v first", states, want)
		}
	}

	if stats := srv.Stats(); stats.PacketsReceived == 0 || stats.PacketsSent == 0 {
		t.Fatalf("Server statistics are empty: %+v", stats)
	}
}
