// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"sync"
	"time"
)

const (
	bucketWidth = 100 * time.Millisecond
	bucketCount = 10
)

// rollingCounter sums values over the last second in ten 100 ms buckets.
type rollingCounter struct {
	buckets [bucketCount]struct {
		slot  int64
		value uint64
	}
}

func slotOf(t time.Time) int64 {
	return t.UnixNano() / int64(bucketWidth)
}

func (rc *rollingCounter) add(now time.Time, v uint64) {
	slot := slotOf(now)
	b := &rc.buckets[slot%bucketCount]
	if b.slot != slot {
		b.slot = slot
		b.value = 0
	}
	b.value += v
}

func (rc *rollingCounter) sum(now time.Time) (total uint64) {
	slot := slotOf(now)
	for _, b := range rc.buckets {
		if age := slot - b.slot; age >= 0 && age < bucketCount {
			total += b.value
		}
	}
	return
}

// Stats is a snapshot of a connection's or a server's statistics.
type Stats struct {
	PacketsSent     uint64 `json:"packets_sent"`
	PacketsReceived uint64 `json:"packets_received"`
	BytesSent       uint64 `json:"bytes_sent"`
	BytesReceived   uint64 `json:"bytes_received"`

	// SendRate and ReceiveRate are in bytes over the last second. They are
	// only collected if statistics are enabled.
	SendRate    uint64 `json:"send_rate"`
	ReceiveRate uint64 `json:"receive_rate"`

	SmoothedRTT   time.Duration `json:"smoothed_rtt"`
	Cwnd          uint64        `json:"cwnd"`
	BytesInFlight uint64        `json:"bytes_in_flight"`
}

type statistics struct {
	mutex   sync.Mutex
	enabled bool

	packetsSent, packetsRecv uint64
	bytesSent, bytesRecv     uint64
	sendRate, recvRate       rollingCounter
}

func (s *statistics) sent(now time.Time, n int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.packetsSent++
	s.bytesSent += uint64(n)
	if s.enabled {
		s.sendRate.add(now, uint64(n))
	}
}

func (s *statistics) received(now time.Time, n int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.packetsRecv++
	s.bytesRecv += uint64(n)
	if s.enabled {
		s.recvRate.add(now, uint64(n))
	}
}

func (s *statistics) snapshot(now time.Time) Stats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return Stats{
		PacketsSent:     s.packetsSent,
		PacketsReceived: s.packetsRecv,
		BytesSent:       s.bytesSent,
		BytesReceived:   s.bytesRecv,
		SendRate:        s.sendRate.sum(now),
		ReceiveRate:     s.recvRate.sum(now),
	}
}
