// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package engine

import (
	"fmt"
	"net"
	"time"
)

// ECN codepoint of an IP packet, RFC 3168.
type ECN uint8

const (
	ECNNotECT ECN = 0b00
	ECNECT1   ECN = 0b01
	ECNECT0   ECN = 0b10
	ECNCE     ECN = 0b11
)

func (e ECN) String() string {
	switch e {
	case ECNNotECT:
		return "Not-ECT"
	case ECNECT1:
		return "ECT(1)"
	case ECNECT0:
		return "ECT(0)"
	case ECNCE:
		return "CE"
	default:
		return fmt.Sprintf("ECN(%d)", uint8(e))
	}
}

// Path is the pair of addresses a packet travelled on.
type Path struct {
	Local  net.Addr
	Remote net.Addr
}

func (p Path) String() string {
	return fmt.Sprintf("%v <-> %v", p.Local, p.Remote)
}

// PacketInfo carries the ancillary data of a UDP datagram.
type PacketInfo struct {
	Path      Path
	ECN       ECN
	Timestamp time.Time
}

// Metrics of an engine's loss recovery.
type Metrics struct {
	SmoothedRTT   time.Duration
	Cwnd          uint64
	BytesInFlight uint64
}

// MaxVarint is the largest value of a QUIC variable-length integer.
const MaxVarint uint64 = 1<<62 - 1

// MaxDatagramFrameSize is advertised when datagrams are enabled, RFC 9221.
const MaxDatagramFrameSize uint64 = 65535

// TransportParams is the template for the transport parameters sent to the
// peer.
type TransportParams struct {
	InitialMaxData                 uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64
	ActiveConnectionIDLimit        uint64

	// MaxDatagramFrameSize is zero if datagrams are disabled.
	MaxDatagramFrameSize uint64
}

// DefaultTransportParams returns the default transport parameters.
func DefaultTransportParams() TransportParams {
	return TransportParams{
		InitialMaxData:                 MaxVarint,
		InitialMaxStreamDataBidiLocal:  131072,
		InitialMaxStreamDataBidiRemote: 131072,
		InitialMaxStreamDataUni:        131072,
		InitialMaxStreamsBidi:          100,
		InitialMaxStreamsUni:           100,
		ActiveConnectionIDLimit:        4,
	}
}

// DatagramsEnabled reports whether DATAGRAM frames are accepted.
func (tp TransportParams) DatagramsEnabled() bool {
	return tp.MaxDatagramFrameSize > 0
}
