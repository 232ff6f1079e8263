// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package engine defines the boundary between the transport core and a QUIC
// protocol engine.
//
// An engine implements packet protection, frame coding, loss recovery and
// congestion control for a single QUIC connection. The transport core owns
// the UDP sockets: inbound datagrams are handed to Engine.ReadPacket and
// outbound packets leave the engine through a PacketWriter. Everything the
// engine learns while processing packets is reported through Callbacks.
//
// Engines must be safe for concurrent use. Callbacks may be invoked
// synchronously from ReadPacket and HandleExpiry, or from goroutines owned by
// the engine, but never from within the other Engine methods. This allows the
// core to hold its connection lock while writing, without a reentrant mutex.
package engine

import (
	"crypto/tls"
	"net"
	"time"
)

// Role of an endpoint within a connection.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Engine drives one QUIC connection.
type Engine interface {
	// ReadPacket processes one inbound UDP payload. It returns ErrDraining if
	// the peer closed the connection and ErrDropConn if the connection should
	// be dropped without further action.
	ReadPacket(pi PacketInfo, data []byte) error

	// WritePending lets the engine emit pending packets, e.g., ACK-only
	// packets after a read.
	WritePending(now time.Time) error

	// WriteStream submits data for the stream id. The engine accepts a prefix
	// of data bounded by flow control and congestion control and returns its
	// length. If fin is set and all of data was accepted, the sending part of
	// the stream is finished. An empty data with fin emits a bare FIN.
	WriteStream(id int64, data [][]byte, fin bool) (int, error)

	// WriteDatagram submits a DATAGRAM frame. The ticket is reported back by
	// Callbacks.DatagramAcked or Callbacks.DatagramLost.
	WriteDatagram(ticket uint64, data []byte) error

	// OpenBidiStream opens a new locally initiated bidirectional stream.
	OpenBidiStream() (int64, error)

	// OpenUniStream opens a new locally initiated unidirectional stream.
	OpenUniStream() (int64, error)

	// ShutdownStream resets the sending and aborts the receiving part of the
	// stream with an application error code.
	ShutdownStream(id int64, code uint64) error

	// ExtendMaxStreams grants the peer n additional streams of a direction.
	// It may be called from within callbacks.
	ExtendMaxStreams(bidi bool, n uint64)

	// HandshakeCompleted reports whether the handshake has been completed.
	HandshakeCompleted() bool

	// DatagramsSupported reports whether the peer accepts DATAGRAM frames. It
	// is only meaningful after the handshake.
	DatagramsSupported() bool

	// IsInClosingPeriod reports whether a CONNECTION_CLOSE has been sent.
	IsInClosingPeriod() bool

	// IsInDrainingPeriod reports whether a CONNECTION_CLOSE has been received.
	IsInDrainingPeriod() bool

	// CwndLeft returns the number of bytes the congestion controller currently
	// permits to send.
	CwndLeft() uint64

	// PTO returns the current probe timeout.
	PTO() time.Duration

	// Expiry returns the next time HandleExpiry must be called. The zero time
	// means no timer is pending, because the engine runs its own timers.
	Expiry() time.Time

	// HandleExpiry processes an expired timer.
	HandleExpiry(now time.Time) error

	// WriteConnectionClose closes the connection, emitting a CONNECTION_CLOSE.
	WriteConnectionClose(ce CloseError) error

	// ALPN returns the negotiated application protocol.
	ALPN() string

	// Metrics returns the engine's recovery metrics.
	Metrics() Metrics

	// Close releases all resources bound to this engine.
	Close() error
}

// Callbacks receives the events of one connection.
type Callbacks interface {
	// HandshakeProgress is called when the handshake keys got installed.
	HandshakeProgress()

	// HandshakeCompleted is called once the TLS handshake finished.
	HandshakeCompleted(alpn string)

	// StreamOpened announces a peer initiated stream.
	StreamOpened(id int64)

	// StreamData delivers in-order stream data starting at offset.
	StreamData(id int64, offset uint64, data []byte, fin bool)

	// StreamClosed is called when both directions of a stream are done.
	StreamClosed(id int64, code uint64)

	// StreamReset is called when the peer reset a stream.
	StreamReset(id int64, finalSize, code uint64)

	// StreamAcked reports that the peer acknowledged the stream's data. The
	// range [offset, offset+length) extends the contiguous acknowledged
	// prefix of the stream.
	StreamAcked(id int64, offset, length uint64)

	// DatagramReceived delivers the payload of a DATAGRAM frame.
	DatagramReceived(data []byte)

	// DatagramAcked reports the acknowledgment of a datagram's packet.
	DatagramAcked(ticket uint64)

	// DatagramLost reports a datagram declared lost.
	DatagramLost(ticket uint64)

	// NewConnectionID announces a connection ID issued by this endpoint. It
	// may be called from engine goroutines and must not block.
	NewConnectionID(cid []byte)

	// RetireConnectionID withdraws an issued connection ID. It must not block.
	RetireConnectionID(cid []byte)

	// Draining is called when the connection entered the draining period,
	// e.g., after receiving a CONNECTION_CLOSE or an idle timeout.
	Draining(ce CloseError)
}

// PacketWriter sends packets produced by an engine.
type PacketWriter interface {
	WritePacket(pi PacketInfo, data []byte) error
}

// PacketWriterFunc adapts a function to a PacketWriter.
type PacketWriterFunc func(pi PacketInfo, data []byte) error

// WritePacket calls f.
func (f PacketWriterFunc) WritePacket(pi PacketInfo, data []byte) error {
	return f(pi, data)
}

// AcceptInfo describes a server side connection created by an engine.
type AcceptInfo struct {
	Path Path

	// ODCID is the Destination Connection ID of the client's first Initial.
	ODCID []byte
	// SCID is the connection ID issued by the server.
	SCID []byte
	// DCID is the client's Source Connection ID.
	DCID []byte

	Version uint32
}

// Acceptor is implemented by the server core to attach new connections.
type Acceptor interface {
	// NewConnection is called before the engine processes the first packet of
	// a new connection. Returning an error refuses the connection.
	NewConnection(eng Engine, info AcceptInfo) (Callbacks, error)
}

// Listener is a server side engine instance bound to one socket.
type Listener interface {
	// HandleInitial processes an Initial packet that did not match any known
	// connection. It may result in Acceptor.NewConnection.
	HandleInitial(pi PacketInfo, data []byte) error

	// Close shuts down the listener and all its connections.
	Close() error
}

// ClientConfig configures a client engine.
type ClientConfig struct {
	Path     Path
	TLS      *tls.Config
	Params   TransportParams
	Timeouts Timeouts

	// SCIDLength is the length of connection IDs issued by the client.
	SCIDLength int
}

// ServerConfig configures a server engine.
type ServerConfig struct {
	LocalAddr net.Addr
	TLS       *tls.Config
	Params    TransportParams
	Timeouts  Timeouts

	// SCIDLength is the length of connection IDs issued by the server.
	SCIDLength int
}

// Timeouts of a connection.
type Timeouts struct {
	Idle      time.Duration
	KeepAlive time.Duration
	Handshake time.Duration
}

// Provider creates engines.
type Provider interface {
	// Dial starts a client connection. The engine writes the first Initial
	// packet before Dial returns or shortly after.
	Dial(cfg ClientConfig, out PacketWriter, cb Callbacks) (Engine, error)

	// Listen creates a server side listener on one socket.
	Listen(cfg ServerConfig, out PacketWriter, acceptor Acceptor) (Listener, error)
}
