// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicgo

import (
	"net"
	"sync"
	"time"

	"github.com/dtn7/quiclib-go/pkg/engine"
)

const pipeBacklog = 1024

type pipePacket struct {
	data   []byte
	remote net.Addr
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return false }

// packetPipe is the net.PacketConn of a quic.Transport. Inbound packets are
// pushed by the transport core; outbound packets are passed to its
// PacketWriter.
type packetPipe struct {
	local net.Addr
	out   engine.PacketWriter

	packets chan pipePacket

	mutex       sync.Mutex
	deadline    time.Time
	deadlineSet chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once
}

func newPacketPipe(local net.Addr, out engine.PacketWriter) *packetPipe {
	return &packetPipe{
		local:       local,
		out:         out,
		packets:     make(chan pipePacket, pipeBacklog),
		deadlineSet: make(chan struct{}),
		closed:      make(chan struct{}),
	}
}

// push enqueues a copy of data. It reports false if the packet was dropped.
func (p *packetPipe) push(remote net.Addr, data []byte) bool {
	pkt := pipePacket{data: append([]byte(nil), data...), remote: remote}

	select {
	case <-p.closed:
		return false
	default:
	}

	select {
	case p.packets <- pkt:
		return true
	default:
		return false
	}
}

func (p *packetPipe) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		p.mutex.Lock()
		deadline, deadlineSet := p.deadline, p.deadlineSet
		p.mutex.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, nil, timeoutError{}
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}

		retry, n, remote, err := p.wait(b, timeout, deadlineSet)
		if timer != nil {
			timer.Stop()
		}
		if !retry {
			return n, remote, err
		}
	}
}

// wait blocks for one packet. It reports retry if the deadline changed.
func (p *packetPipe) wait(b []byte, timeout <-chan time.Time, deadlineSet <-chan struct{}) (retry bool, n int, remote net.Addr, err error) {
	select {
	case pkt := <-p.packets:
		return false, copy(b, pkt.data), pkt.remote, nil
	case <-p.closed:
		return false, 0, nil, net.ErrClosed
	case <-timeout:
		return false, 0, nil, timeoutError{}
	case <-deadlineSet:
		return true, 0, nil, nil
	}
}

func (p *packetPipe) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-p.closed:
		return 0, net.ErrClosed
	default:
	}

	pi := engine.PacketInfo{
		Path:      engine.Path{Local: p.local, Remote: addr},
		Timestamp: time.Now(),
	}
	if err := p.out.WritePacket(pi, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *packetPipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *packetPipe) LocalAddr() net.Addr {
	return p.local
}

func (p *packetPipe) SetDeadline(t time.Time) error {
	return p.SetReadDeadline(t)
}

func (p *packetPipe) SetReadDeadline(t time.Time) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.deadline = t
	close(p.deadlineSet)
	p.deadlineSet = make(chan struct{})
	return nil
}

func (p *packetPipe) SetWriteDeadline(time.Time) error {
	return nil
}
