// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package header decodes the version-independent parts of QUIC packet
// headers (RFC 8999) together with the QUIC version 1 long header packet
// types (RFC 9000, section 17.2). Nothing beyond the connection IDs and the
// token of an Initial packet is inspected; header protection is untouched.
package header

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dtn7/quiclib-go/pkg/varint"
)

const (
	// Version1 is QUIC version 1, RFC 9000.
	Version1 uint32 = 0x00000001

	// MaxCIDLength is the longest connection ID permitted by QUIC version 1.
	MaxCIDLength = 20
)

// PacketType of a QUIC packet.
type PacketType uint8

const (
	// Short is a 1-RTT packet with a short header.
	Short PacketType = iota
	Initial
	ZeroRTT
	Handshake
	Retry
	// VersionNegotiation packets carry the version 0.
	VersionNegotiation
	// UnknownLong is a long header packet of an unsupported version.
	UnknownLong
)

func (pt PacketType) String() string {
	switch pt {
	case Short:
		return "1-RTT"
	case Initial:
		return "Initial"
	case ZeroRTT:
		return "0-RTT"
	case Handshake:
		return "Handshake"
	case Retry:
		return "Retry"
	case VersionNegotiation:
		return "Version Negotiation"
	default:
		return "Unknown"
	}
}

var (
	// ErrTooShort is returned when a datagram ends within the header.
	ErrTooShort = errors.New("header: packet too short")

	// ErrCIDTooLong is returned for version 1 packets with connection IDs longer
	// than 20 bytes.
	ErrCIDTooLong = errors.New("header: connection id too long")
)

// Header is the decoded invariant header of a QUIC packet.
type Header struct {
	Type    PacketType
	Version uint32
	DCID    []byte
	SCID    []byte

	// Token is only present in Initial packets.
	Token []byte
}

// IsLong reports whether the header is a long header.
func (h Header) IsLong() bool {
	return h.Type != Short
}

func (h Header) String() string {
	return fmt.Sprintf("%v{version: %#x, dcid: %x, scid: %x}", h.Type, h.Version, h.DCID, h.SCID)
}

// Parse decodes the header at the start of b. Short header packets do not
// encode the length of their Destination Connection ID, so the caller passes
// the length of the connection IDs it issues as shortDCIDLen.
//
// The returned slices alias b.
func Parse(b []byte, shortDCIDLen int) (Header, error) {
	if len(b) < 1 {
		return Header{}, ErrTooShort
	}

	if b[0]&0x80 == 0 {
		if len(b) < 1+shortDCIDLen {
			return Header{}, ErrTooShort
		}
		return Header{Type: Short, DCID: b[1 : 1+shortDCIDLen]}, nil
	}

	if len(b) < 7 {
		return Header{}, ErrTooShort
	}

	hdr := Header{Version: binary.BigEndian.Uint32(b[1:5])}

	off := 5
	dcidLen := int(b[off])
	off++
	if len(b) < off+dcidLen+1 {
		return Header{}, ErrTooShort
	}
	hdr.DCID = b[off : off+dcidLen]
	off += dcidLen

	scidLen := int(b[off])
	off++
	if len(b) < off+scidLen {
		return Header{}, ErrTooShort
	}
	hdr.SCID = b[off : off+scidLen]
	off += scidLen

	switch hdr.Version {
	case 0:
		hdr.Type = VersionNegotiation
		return hdr, nil
	case Version1:
	default:
		hdr.Type = UnknownLong
		return hdr, nil
	}

	if dcidLen > MaxCIDLength || scidLen > MaxCIDLength {
		return Header{}, ErrCIDTooLong
	}

	switch (b[0] & 0x30) >> 4 {
	case 0:
		hdr.Type = Initial
	case 1:
		hdr.Type = ZeroRTT
	case 2:
		hdr.Type = Handshake
	case 3:
		hdr.Type = Retry
	}

	if hdr.Type == Initial {
		tokenLen, n := varint.Decode(b[off:])
		if n == 0 {
			return Header{}, ErrTooShort
		}
		off += n
		if uint64(len(b)-off) < tokenLen {
			return Header{}, ErrTooShort
		}
		hdr.Token = b[off : off+int(tokenLen)]
	}

	return hdr, nil
}
