// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package socket wraps UDP sockets for QUIC. Besides the payload, every
// received datagram comes with its ancillary data: the ECN codepoint, the
// local address it was sent to and, if requested, the kernel's receive
// timestamp.
//
// On Linux, the socket options IP_PKTINFO, IP_RECVTOS and IP_MTU_DISCOVER
// (or their IPv6 counterparts) are set for every socket. On other platforms,
// ancillary data is not available and the socket's local address is reported
// instead.
package socket

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quiclib-go/pkg/engine"
)

// MaxDatagramSize is the size of the receive buffer.
const MaxDatagramSize = 65527

// oobSize is large enough for PKTINFO, TOS/TCLASS and a timestamp.
const oobSize = 128

// Options for a Socket.
type Options struct {
	// Timestamps enables SO_TIMESTAMPNS to receive kernel timestamps.
	Timestamps bool

	// DontFragment sets the don't-fragment bit, i.e., enables path MTU
	// discovery.
	DontFragment bool

	// ReceiveBuffer, if non-zero, sets the socket's receive buffer size.
	ReceiveBuffer int
}

// DefaultOptions returns the default socket Options.
func DefaultOptions() Options {
	return Options{DontFragment: true}
}

// Packet describes a received datagram.
type Packet struct {
	// N is the number of payload bytes.
	N int

	Remote    *net.UDPAddr
	Local     *net.UDPAddr
	ECN       engine.ECN
	Timestamp time.Time
}

// Info converts the Packet's ancillary data into an engine.PacketInfo.
func (p Packet) Info() engine.PacketInfo {
	return engine.PacketInfo{
		Path:      engine.Path{Local: p.Local, Remote: p.Remote},
		ECN:       p.ECN,
		Timestamp: p.Timestamp,
	}
}

// Socket is a UDP socket. Reading must be done from a single goroutine,
// writing is safe for concurrent use.
type Socket struct {
	conn      *net.UDPConn
	local     *net.UDPAddr
	remote    *net.UDPAddr
	ipv6      bool
	connected bool
	opts      Options

	oob []byte
}

func network(ip net.IP) (string, bool) {
	if ip == nil || ip.To4() != nil {
		return "udp4", false
	}
	return "udp6", true
}

func control(ipv6 bool, opts Options) func(string, string, syscall.RawConn) error {
	return func(_, _ string, rawConn syscall.RawConn) error {
		return setOptions(rawConn, ipv6, opts)
	}
}

func newSocket(conn *net.UDPConn, ipv6, connected bool, opts Options) *Socket {
	s := &Socket{
		conn:      conn,
		local:     conn.LocalAddr().(*net.UDPAddr),
		ipv6:      ipv6,
		connected: connected,
		opts:      opts,
		oob:       make([]byte, oobSize),
	}
	if connected {
		s.remote = conn.RemoteAddr().(*net.UDPAddr)
	}

	if opts.ReceiveBuffer > 0 {
		if err := conn.SetReadBuffer(opts.ReceiveBuffer); err != nil {
			log.WithFields(log.Fields{
				"socket": s,
				"size":   opts.ReceiveBuffer,
				"error":  err,
			}).Warn("Failed to set receive buffer size")
		}
	}
	return s
}

// Listen opens a UDP socket bound to addr.
func Listen(addr *net.UDPAddr, opts Options) (*Socket, error) {
	netw, ipv6 := network(addr.IP)
	lc := net.ListenConfig{Control: control(ipv6, opts)}

	pc, err := lc.ListenPacket(context.Background(), netw, addr.String())
	if err != nil {
		return nil, fmt.Errorf("listening on %v: %w", addr, err)
	}

	s := newSocket(pc.(*net.UDPConn), ipv6, false, opts)
	log.WithField("socket", s).Debug("Opened listening UDP socket")
	return s, nil
}

// Dial opens a UDP socket connected to remote.
func Dial(remote *net.UDPAddr, opts Options) (*Socket, error) {
	netw, ipv6 := network(remote.IP)
	dialer := net.Dialer{Control: control(ipv6, opts)}

	conn, err := dialer.Dial(netw, remote.String())
	if err != nil {
		return nil, fmt.Errorf("connecting to %v: %w", remote, err)
	}

	s := newSocket(conn.(*net.UDPConn), ipv6, true, opts)
	log.WithField("socket", s).Debug("Opened connected UDP socket")
	return s, nil
}

func (s *Socket) String() string {
	if s.connected {
		return fmt.Sprintf("udp(%v -> %v)", s.local, s.remote)
	}
	return fmt.Sprintf("udp(%v)", s.local)
}

// LocalAddr returns the address the socket is bound to.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.local
}

// RemoteAddr returns the peer of a connected socket, nil otherwise.
func (s *Socket) RemoteAddr() *net.UDPAddr {
	return s.remote
}

// Connected reports whether the socket is connected to a peer.
func (s *Socket) Connected() bool {
	return s.connected
}

// IPv6 reports whether this is an IPv6 socket.
func (s *Socket) IPv6() bool {
	return s.ipv6
}

// ReadPacket receives one datagram into b.
func (s *Socket) ReadPacket(b []byte) (Packet, error) {
	n, oobn, _, remote, err := s.conn.ReadMsgUDP(b, s.oob)
	if err != nil {
		return Packet{}, err
	}

	pkt := Packet{
		N:      n,
		Remote: remote,
		Local:  s.local,
	}
	if pkt.Remote == nil {
		pkt.Remote = s.remote
	}

	parseControl(s.oob[:oobn], &pkt)

	if pkt.Timestamp.IsZero() {
		pkt.Timestamp = time.Now()
	}
	return pkt, nil
}

// WriteTo sends b to addr. Connected sockets ignore addr.
func (s *Socket) WriteTo(b []byte, addr net.Addr) (int, error) {
	if s.connected {
		return s.conn.Write(b)
	}

	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		var err error
		if udpAddr, err = net.ResolveUDPAddr("udp", addr.String()); err != nil {
			return 0, err
		}
	}
	return s.conn.WriteToUDP(b, udpAddr)
}

// SetReadDeadline sets the deadline for ReadPacket.
func (s *Socket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// Close the socket. A blocked ReadPacket returns net.ErrClosed.
func (s *Socket) Close() error {
	log.WithField("socket", s).Debug("Closing UDP socket")
	return s.conn.Close()
}
