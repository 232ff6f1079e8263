// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicgo

import (
	"slices"
	"testing"

	"github.com/quic-go/quic-go/logging"

	"github.com/dtn7/quiclib-go/pkg/engine"
)

func TestTakeTicket(t *testing.T) {
	s := &session{tickets: []pendingDatagram{
		{ticket: 1, length: 4},
		{ticket: 2, length: 9},
		{ticket: 3, length: 4},
		{ticket: 4, length: 16},
	}}

	if ticket, dropped, ok := s.takeTicketLocked(4); !ok || ticket != 1 || len(dropped) != 0 {
		t.Fatalf("First frame matched ticket %d, dropped %v, ok %t", ticket, dropped, ok)
	}

	// The datagram with ticket 2 never left the connection.
	ticket, dropped, ok := s.takeTicketLocked(4)
	if !ok || ticket != 3 {
		t.Fatalf("Second frame matched ticket %d, ok %t", ticket, ok)
	}
	if !slices.Equal(dropped, []uint64{2}) {
		t.Fatalf("Dropped tickets are %v", dropped)
	}

	if _, _, ok := s.takeTicketLocked(5); ok {
		t.Fatal("Frame of unknown length matched a ticket")
	}
	if len(s.tickets) != 1 || s.tickets[0].ticket != 4 {
		t.Fatalf("Pending tickets are %v", s.tickets)
	}

	if ticket, _, ok := s.takeTicketLocked(16); !ok || ticket != 4 {
		t.Fatalf("Last frame matched ticket %d, ok %t", ticket, ok)
	}
	if len(s.tickets) != 0 {
		t.Fatalf("Pending tickets are %v", s.tickets)
	}
}

func TestSentPacketSkipsDroppedDatagrams(t *testing.T) {
	s := newSession(engine.RoleClient, nil)
	s.tickets = []pendingDatagram{{ticket: 10, length: 3}, {ticket: 11, length: 5}}

	s.sentPacket(1, []logging.Frame{&logging.DatagramFrame{Length: 5}})

	record := s.sent[1]
	if len(record) != 1 || !record[0].datagram || record[0].ticket != 11 {
		t.Fatalf("Packet recorded %+v", record)
	}
	if len(s.tickets) != 0 {
		t.Fatalf("Pending tickets are %v", s.tickets)
	}

	// A later acknowledgment must not be attributed to the dropped datagram.
	s.sentPacket(2, []logging.Frame{&logging.DatagramFrame{Length: 3}})
	if _, ok := s.sent[2]; ok {
		t.Fatal("Unmatched datagram frame was recorded")
	}
}
