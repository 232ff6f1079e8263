// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package varint

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		value  uint64
		length int
	}{
		{0, 1},
		{1, 1},
		{63, 1},
		{64, 2},
		{16383, 2},
		{16384, 4},
		{1<<30 - 1, 4},
		{1 << 30, 8},
		{1<<62 - 1, 8},
	}

	for _, test := range tests {
		var buf [8]byte
		n := Encode(buf[:], test.value)
		if n != test.length {
			t.Fatalf("Encoding %d resulted in %d bytes, expected %d", test.value, n, test.length)
		}

		prefix := buf[0] >> 6
		if 1<<prefix != n {
			t.Fatalf("Length prefix %02b does not match length %d for %d", prefix, n, test.value)
		}

		v, m := Decode(buf[:n])
		if v != test.value || m != n {
			t.Fatalf("Decoding %x resulted in (%d, %d), expected (%d, %d)", buf[:n], v, m, test.value, n)
		}

		r, err := Read(bufio.NewReader(bytes.NewReader(buf[:n])))
		if err != nil {
			t.Fatal(err)
		} else if r != test.value {
			t.Fatalf("Read %d, expected %d", r, test.value)
		}
	}
}

func TestEncodeTooLarge(t *testing.T) {
	for _, v := range []uint64{1 << 62, 1<<63 + 5, ^uint64(0)} {
		var buf [8]byte
		if n := Encode(buf[:], v); n != 0 {
			t.Fatalf("Encoding %d returned length %d", v, n)
		}
		if l := Len(v); l != 0 {
			t.Fatalf("Len(%d) = %d", v, l)
		}
		if err := Write(io.Discard, v); !errors.Is(err, ErrTooLarge) {
			t.Fatalf("Write(%d) returned %v", v, err)
		}
	}
}

func TestKnownEncodings(t *testing.T) {
	// Examples from RFC 9000, appendix A.1.
	tests := []struct {
		data  []byte
		value uint64
	}{
		{[]byte{0xc2, 0x19, 0x7c, 0x5e, 0xff, 0x14, 0xe8, 0x8c}, 151288809941952652},
		{[]byte{0x9d, 0x7f, 0x3e, 0x7d}, 494878333},
		{[]byte{0x7b, 0xbd}, 15293},
		{[]byte{0x25}, 37},
		{[]byte{0x40, 0x25}, 37},
	}

	for _, test := range tests {
		v, n := Decode(test.data)
		if v != test.value || n != len(test.data) {
			t.Fatalf("Decoding %x resulted in (%d, %d), expected (%d, %d)",
				test.data, v, n, test.value, len(test.data))
		}
	}
}

func TestDecodeShort(t *testing.T) {
	for _, data := range [][]byte{nil, {0x40}, {0x80, 0x01, 0x02}, {0xc0, 0, 0, 0, 0, 0, 0}} {
		if _, n := Decode(data); n != 0 {
			t.Fatalf("Decoding truncated %x consumed %d bytes", data, n)
		}
	}

	if _, err := Read(bufio.NewReader(bytes.NewReader([]byte{0x80, 0x01}))); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Reading truncated varint returned %v", err)
	}
}

func TestAppend(t *testing.T) {
	b := Append([]byte{0xff}, 16384)
	if !bytes.Equal(b, []byte{0xff, 0x80, 0x00, 0x40, 0x00}) {
		t.Fatalf("Append resulted in %x", b)
	}

	if b2 := Append(b, 1<<62); len(b2) != len(b) {
		t.Fatalf("Append of oversized value changed length")
	}
}
