// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bytes"
	"testing"
)

func TestBufferSplitHead(t *testing.T) {
	data := [][]byte{[]byte("abc"), []byte("de"), []byte("fghi")}
	joined := []byte("abcdefghi")

	for n := 0; n <= len(joined); n++ {
		if rest := (&Buffer{Data: split(data, n)}).Bytes(); !bytes.Equal(rest, joined[n:]) {
			t.Fatalf("split(%d) = %q", n, rest)
		}
		if first := (&Buffer{Data: head(data, n)}).Bytes(); !bytes.Equal(first, joined[:n]) {
			t.Fatalf("head(%d) = %q", n, first)
		}
	}

	if !bytes.Equal(data[0], []byte("abc")) {
		t.Fatal("split modified its input")
	}
}

func TestBufferMeta(t *testing.T) {
	buf := NewStreamBuffer(true, []byte("ab"), []byte("c"))
	if buf.Len() != 3 || !buf.IsFinal() || buf.Datagram != nil {
		t.Fatalf("Unexpected stream buffer %+v", buf)
	}

	dgram := NewDatagramBuffer([]byte("x"))
	if dgram.IsFinal() || dgram.Stream != nil || dgram.Datagram == nil {
		t.Fatalf("Unexpected datagram buffer %+v", dgram)
	}
}
