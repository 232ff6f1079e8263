// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux
// +build linux

package socket

import (
	"encoding/binary"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dtn7/quiclib-go/pkg/engine"
)

// Within this file, Linux-specific socket options are configured. They are
// based on the ip(7) and ipv6(7) manual pages.

// setOptions is the Control function for listening and dialing.
func setOptions(rawConn syscall.RawConn, ipv6 bool, opts Options) (err error) {
	type sockopt struct {
		level, opt, value int
	}

	var sockopts []sockopt
	if ipv6 {
		sockopts = append(sockopts,
			sockopt{unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1},
			sockopt{unix.IPPROTO_IPV6, unix.IPV6_RECVTCLASS, 1})
		if opts.DontFragment {
			sockopts = append(sockopts, sockopt{unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IPV6_PMTUDISC_DO})
		}
	} else {
		sockopts = append(sockopts,
			sockopt{unix.IPPROTO_IP, unix.IP_PKTINFO, 1},
			sockopt{unix.IPPROTO_IP, unix.IP_RECVTOS, 1})
		if opts.DontFragment {
			sockopts = append(sockopts, sockopt{unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO})
		}
	}
	if opts.Timestamps {
		sockopts = append(sockopts, sockopt{unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1})
	}

	ctrlErr := rawConn.Control(func(fd uintptr) {
		for _, so := range sockopts {
			err = unix.SetsockoptInt(int(fd), so.level, so.opt, so.value)
			if err != nil {
				return
			}
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return
}

// parseControl extracts ECN, destination address and timestamp from the
// control messages of a received datagram.
func parseControl(oob []byte, pkt *Packet) {
	if len(oob) == 0 {
		return
	}

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return
	}

	for _, msg := range msgs {
		switch {
		case msg.Header.Level == unix.IPPROTO_IP && msg.Header.Type == unix.IP_TOS && len(msg.Data) >= 1:
			pkt.ECN = engine.ECN(msg.Data[0] & 0x03)

		case msg.Header.Level == unix.IPPROTO_IP && msg.Header.Type == unix.IP_PKTINFO && len(msg.Data) >= 12:
			// struct in_pktinfo { int ipi_ifindex; struct in_addr ipi_spec_dst; struct in_addr ipi_addr; }
			ip := make(net.IP, net.IPv4len)
			copy(ip, msg.Data[8:12])
			pkt.Local = &net.UDPAddr{IP: ip, Port: pkt.Local.Port}

		case msg.Header.Level == unix.IPPROTO_IPV6 && msg.Header.Type == unix.IPV6_TCLASS && len(msg.Data) >= 4:
			pkt.ECN = engine.ECN(binary.NativeEndian.Uint32(msg.Data) & 0x03)

		case msg.Header.Level == unix.IPPROTO_IPV6 && msg.Header.Type == unix.IPV6_PKTINFO && len(msg.Data) >= 16:
			// struct in6_pktinfo { struct in6_addr ipi6_addr; unsigned int ipi6_ifindex; }
			ip := make(net.IP, net.IPv6len)
			copy(ip, msg.Data[:16])
			pkt.Local = &net.UDPAddr{IP: ip, Port: pkt.Local.Port}

		case msg.Header.Level == unix.SOL_SOCKET && msg.Header.Type == unix.SO_TIMESTAMPNS && len(msg.Data) >= 16:
			sec := int64(binary.NativeEndian.Uint64(msg.Data[0:8]))
			nsec := int64(binary.NativeEndian.Uint64(msg.Data[8:16]))
			pkt.Timestamp = time.Unix(sec, nsec)
		}
	}
}
