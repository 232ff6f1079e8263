// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package header

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dtn7/quiclib-go/pkg/varint"
)

func longHeader(first byte, version uint32, dcid, scid, token []byte, withToken bool) []byte {
	b := []byte{first, byte(version >> 24), byte(version >> 16), byte(version >> 8), byte(version)}
	b = append(b, byte(len(dcid)))
	b = append(b, dcid...)
	b = append(b, byte(len(scid)))
	b = append(b, scid...)
	if withToken {
		b = varint.Append(b, uint64(len(token)))
		b = append(b, token...)
	}
	// length and packet number; not inspected
	return append(b, 0x41, 0x00, 0x00)
}

func TestParseInitial(t *testing.T) {
	dcid := bytes.Repeat([]byte{0xaa}, 18)
	scid := bytes.Repeat([]byte{0xbb}, 8)
	pkt := longHeader(0xc0, Version1, dcid, scid, []byte("tok"), true)

	hdr, err := Parse(pkt, 8)
	if err != nil {
		t.Fatal(err)
	}

	if hdr.Type != Initial || !hdr.IsLong() {
		t.Fatalf("Expected Initial, got %v", hdr.Type)
	}
	if hdr.Version != Version1 {
		t.Fatalf("Expected version 1, got %#x", hdr.Version)
	}
	if !bytes.Equal(hdr.DCID, dcid) || !bytes.Equal(hdr.SCID, scid) {
		t.Fatalf("Connection IDs differ: %v", hdr)
	}
	if string(hdr.Token) != "tok" {
		t.Fatalf("Token is %q", hdr.Token)
	}
}

func TestParseLongTypes(t *testing.T) {
	tests := []struct {
		first byte
		typ   PacketType
	}{
		{0xc0, Initial},
		{0xd0, ZeroRTT},
		{0xe0, Handshake},
		{0xf0, Retry},
	}

	for _, test := range tests {
		pkt := longHeader(test.first, Version1, []byte{1, 2, 3, 4}, []byte{5, 6}, nil, test.typ == Initial)
		hdr, err := Parse(pkt, 4)
		if err != nil {
			t.Fatal(err)
		}
		if hdr.Type != test.typ {
			t.Fatalf("First byte %#x: expected %v, got %v", test.first, test.typ, hdr.Type)
		}
	}
}

func TestParseShort(t *testing.T) {
	pkt := append([]byte{0x40}, bytes.Repeat([]byte{0x11}, 20)...)
	hdr, err := Parse(pkt, 8)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Type != Short || hdr.IsLong() {
		t.Fatalf("Expected short header, got %v", hdr.Type)
	}
	if len(hdr.DCID) != 8 {
		t.Fatalf("Expected 8 byte DCID, got %d", len(hdr.DCID))
	}

	if _, err := Parse([]byte{0x40, 1, 2}, 8); !errors.Is(err, ErrTooShort) {
		t.Fatalf("Expected ErrTooShort, got %v", err)
	}
}

func TestParseVersionNegotiation(t *testing.T) {
	pkt := longHeader(0x80, 0, []byte{1}, []byte{2}, nil, false)
	hdr, err := Parse(pkt, 8)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Type != VersionNegotiation {
		t.Fatalf("Expected version negotiation, got %v", hdr.Type)
	}
}

func TestParseErrors(t *testing.T) {
	tests := [][]byte{
		nil,
		{0xc0, 0, 0, 0},
		{0xc0, 0, 0, 0, 1, 18, 1, 2},
		longHeader(0xc0, Version1, bytes.Repeat([]byte{1}, 21), nil, nil, true),
	}

	for i, pkt := range tests {
		if _, err := Parse(pkt, 8); err == nil {
			t.Fatalf("Test %d: expected error for %x", i, pkt)
		}
	}
}
