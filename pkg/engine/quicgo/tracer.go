// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicgo

import (
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/logging"

	"github.com/dtn7/quiclib-go/pkg/engine"
)

const (
	timerGranularity = time.Millisecond
	maxAckDelay      = 25 * time.Millisecond
)

// sentFrame is the part of a sent 1-RTT packet that is reported back on
// acknowledgment or loss.
type sentFrame struct {
	datagram bool
	ticket   uint64

	stream int64
	offset uint64
	length uint64
	fin    bool
}

type streamAck struct {
	id       int64
	from, to uint64
}

// connectionTracer hooks the session into quic-go's packet level events.
func (s *session) connectionTracer(odcid quic.ConnectionID) *logging.ConnectionTracer {
	return &logging.ConnectionTracer{
		StartedConnection: func(local, remote net.Addr, src, dest logging.ConnectionID) {
			s.started(local, remote, odcid, src, dest)
		},
		UpdatedKeyFromTLS: func(level logging.EncryptionLevel, _ logging.Perspective) {
			if level == logging.EncryptionHandshake {
				s.progressOnce.Do(func() { s.emit(func(cb engine.Callbacks) { cb.HandshakeProgress() }) })
			}
		},
		SentShortHeaderPacket: func(hdr *logging.ShortHeader, _ logging.ByteCount, _ logging.ECN, _ *logging.AckFrame, frames []logging.Frame) {
			s.sentPacket(int64(hdr.PacketNumber), frames)
		},
		ReceivedShortHeaderPacket: func(_ *logging.ShortHeader, _ logging.ByteCount, _ logging.ECN, frames []logging.Frame) {
			s.receivedPacket(frames)
		},
		LostPacket: func(level logging.EncryptionLevel, pn logging.PacketNumber, _ logging.PacketLossReason) {
			if level == logging.Encryption1RTT {
				s.lostPacket(int64(pn))
			}
		},
		UpdatedMetrics: func(rtt *logging.RTTStats, cwnd, inFlight logging.ByteCount, _ int) {
			s.updateMetrics(rtt, cwnd, inFlight)
		},
	}
}

func (s *session) started(local, remote net.Addr, odcid quic.ConnectionID, src, dest logging.ConnectionID) {
	s.tracerMutex.Lock()
	s.issued[0] = src.Bytes()
	s.tracerMutex.Unlock()

	if s.listener == nil {
		return
	}

	s.listener.accept(s, engine.AcceptInfo{
		Path:    engine.Path{Local: local, Remote: remote},
		ODCID:   odcid.Bytes(),
		SCID:    src.Bytes(),
		DCID:    dest.Bytes(),
		Version: uint32(quic.Version1),
	})
}

func (s *session) sentPacket(pn int64, frames []logging.Frame) {
	s.tracerMutex.Lock()
	defer s.tracerMutex.Unlock()

	var record []sentFrame
	for _, f := range frames {
		switch f := f.(type) {
		case *logging.StreamFrame:
			record = append(record, sentFrame{
				stream: int64(f.StreamID),
				offset: uint64(f.Offset),
				length: uint64(f.Length),
				fin:    f.Fin,
			})

		case *logging.DatagramFrame:
			ticket, dropped, ok := s.takeTicketLocked(int(f.Length))
			for _, t := range dropped {
				s.emit(func(cb engine.Callbacks) { cb.DatagramLost(t) })
			}
			if ok {
				record = append(record, sentFrame{datagram: true, ticket: ticket})
			}

		case *logging.NewConnectionIDFrame:
			if _, ok := s.issued[f.SequenceNumber]; ok {
				continue
			}
			cid := f.ConnectionID.Bytes()
			s.issued[f.SequenceNumber] = cid
			s.emit(func(cb engine.Callbacks) { cb.NewConnectionID(cid) })
		}
	}

	if len(record) > 0 {
		s.sent[pn] = record
	}
}

// takeTicketLocked pairs a sent datagram frame with the oldest pending
// datagram of the same length. quic-go sends datagrams in order, so pending
// datagrams queued before the match were dropped and are returned as such.
// Without a match, the pending datagrams are left untouched.
func (s *session) takeTicketLocked(length int) (ticket uint64, dropped []uint64, ok bool) {
	for i, p := range s.tickets {
		if p.length != length {
			continue
		}
		for _, d := range s.tickets[:i] {
			dropped = append(dropped, d.ticket)
		}
		s.tickets = s.tickets[i+1:]
		return p.ticket, dropped, true
	}
	return 0, nil, false
}

func ackContains(ack *logging.AckFrame, pn int64) bool {
	for _, r := range ack.AckRanges {
		if pn >= int64(r.Smallest) && pn <= int64(r.Largest) {
			return true
		}
	}
	return false
}

func (s *session) receivedPacket(frames []logging.Frame) {
	var acked [][]sentFrame

	s.tracerMutex.Lock()
	for _, f := range frames {
		switch f := f.(type) {
		case *logging.AckFrame:
			for pn, record := range s.sent {
				if ackContains(f, pn) {
					acked = append(acked, record)
					delete(s.sent, pn)
				}
			}

		case *logging.RetireConnectionIDFrame:
			cid, ok := s.issued[f.SequenceNumber]
			if !ok {
				continue
			}
			delete(s.issued, f.SequenceNumber)
			s.emit(func(cb engine.Callbacks) { cb.RetireConnectionID(cid) })
		}
	}
	s.tracerMutex.Unlock()

	if len(acked) > 0 {
		s.emit(func(cb engine.Callbacks) { s.processAcks(cb, acked) })
	}
}

// processAcks runs on the event queue and translates acknowledged frames
// into callbacks.
func (s *session) processAcks(cb engine.Callbacks, acked [][]sentFrame) {
	var (
		datagrams []uint64
		streams   []streamAck
		closed    []int64
	)

	s.mutex.Lock()
	for _, record := range acked {
		for _, f := range record {
			if f.datagram {
				datagrams = append(datagrams, f.ticket)
				continue
			}

			st, ok := s.streams[f.stream]
			if !ok {
				continue
			}

			if from, to := st.acked.add(f.offset, f.offset+f.length); to > from {
				streams = append(streams, streamAck{id: st.id, from: from, to: to})
			}
			if f.fin {
				st.finAcked = true
			}

			if st.finAcked && st.finSent && st.acked.prefix >= st.written && !st.writeDone {
				st.writeDone = true
				if st.readDone && !st.notified {
					st.notified = true
					delete(s.streams, st.id)
					closed = append(closed, st.id)
				}
			}
		}
	}
	s.mutex.Unlock()

	for _, t := range datagrams {
		cb.DatagramAcked(t)
	}
	for _, a := range streams {
		cb.StreamAcked(a.id, a.from, a.to-a.from)
	}
	for _, id := range closed {
		cb.StreamClosed(id, 0)
	}
}

func (s *session) lostPacket(pn int64) {
	s.tracerMutex.Lock()
	record := s.sent[pn]
	delete(s.sent, pn)
	s.tracerMutex.Unlock()

	for _, f := range record {
		if f.datagram {
			ticket := f.ticket
			s.emit(func(cb engine.Callbacks) { cb.DatagramLost(ticket) })
		}
	}
}

func (s *session) updateMetrics(rtt *logging.RTTStats, cwnd, inFlight logging.ByteCount) {
	s.tracerMutex.Lock()
	defer s.tracerMutex.Unlock()

	s.metrics = engine.Metrics{
		SmoothedRTT:   rtt.SmoothedRTT(),
		Cwnd:          uint64(cwnd),
		BytesInFlight: uint64(inFlight),
	}
	s.pto = rtt.SmoothedRTT() + max(4*rtt.MeanDeviation(), timerGranularity) + maxAckDelay
}
