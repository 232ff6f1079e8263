// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package varint implements QUIC's variable-length integer encoding as
// described in RFC 9000, section 16.
//
// The two most significant bits of the first byte encode the length of the
// integer: 0b00 for one byte (6 bit value), 0b01 for two bytes (14 bit),
// 0b10 for four bytes (30 bit) and 0b11 for eight bytes (62 bit).
package varint

import (
	"errors"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

const (
	// Max1 is the largest value encodable in one byte.
	Max1 uint64 = 1<<6 - 1
	// Max2 is the largest value encodable in two bytes.
	Max2 uint64 = 1<<14 - 1
	// Max4 is the largest value encodable in four bytes.
	Max4 uint64 = 1<<30 - 1
	// Max is the largest value encodable at all.
	Max uint64 = quicvarint.Max
)

// ErrTooLarge is returned for values exceeding Max.
var ErrTooLarge = errors.New("varint: value exceeds 62 bits")

// Len returns the number of bytes required to encode v, or 0 if v > Max.
func Len(v uint64) int {
	switch {
	case v <= Max1:
		return 1
	case v <= Max2:
		return 2
	case v <= Max4:
		return 4
	case v <= Max:
		return 8
	default:
		return 0
	}
}

// Encode writes v into b using the smallest possible form. It returns the
// number of bytes written, which is 0 if v exceeds Max or b is too short.
func Encode(b []byte, v uint64) int {
	n := Len(v)
	if n == 0 || len(b) < n {
		return 0
	}
	return len(quicvarint.Append(b[:0], v))
}

// Append appends the encoding of v to b. Values exceeding Max leave b
// unmodified.
func Append(b []byte, v uint64) []byte {
	if v > Max {
		return b
	}
	return quicvarint.Append(b, v)
}

// Decode reads a varint from b. It returns the value and the number of
// bytes consumed; n is 0 if b is too short.
func Decode(b []byte) (v uint64, n int) {
	v, n, err := quicvarint.Parse(b)
	if err != nil {
		return 0, 0
	}
	return v, n
}

// countingReader counts the bytes read from r.
type countingReader struct {
	r io.ByteReader
	n int
}

func (cr *countingReader) ReadByte() (byte, error) {
	b, err := cr.r.ReadByte()
	if err == nil {
		cr.n++
	}
	return b, err
}

// Read decodes one varint from r. A varint truncated after its first byte
// results in io.ErrUnexpectedEOF.
func Read(r io.ByteReader) (uint64, error) {
	cr := &countingReader{r: r}
	v, err := quicvarint.Read(cr)
	if errors.Is(err, io.EOF) && cr.n > 0 {
		err = io.ErrUnexpectedEOF
	}
	return v, err
}

// Write encodes v to w.
func Write(w io.Writer, v uint64) error {
	if v > Max {
		return ErrTooLarge
	}
	_, err := w.Write(quicvarint.Append(nil, v))
	return err
}
