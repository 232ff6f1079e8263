// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

// StreamType of a stream id's two low bits.
type StreamType uint8

const (
	StreamClientBidi StreamType = 0x0
	StreamServerBidi StreamType = 0x1
	StreamClientUni  StreamType = 0x2
	StreamServerUni  StreamType = 0x3
)

// StreamMeta describes stream data.
type StreamMeta struct {
	StreamID int64
	Type     StreamType
	Offset   uint64
	Length   uint64
	Final    bool
}

// DatagramMeta describes a datagram.
type DatagramMeta struct {
	Length uint64
	Ticket uint64
}

// Buffer is a list of byte slices, either stream data or a datagram.
type Buffer struct {
	Data [][]byte

	Stream   *StreamMeta
	Datagram *DatagramMeta
}

// NewStreamBuffer creates a Buffer for stream data.
func NewStreamBuffer(final bool, data ...[]byte) *Buffer {
	return &Buffer{Data: data, Stream: &StreamMeta{Final: final}}
}

// NewDatagramBuffer creates a Buffer for a datagram.
func NewDatagramBuffer(data ...[]byte) *Buffer {
	return &Buffer{Data: data, Datagram: &DatagramMeta{}}
}

// Len returns the total number of bytes.
func (b *Buffer) Len() uint64 {
	var n uint64
	for _, d := range b.Data {
		n += uint64(len(d))
	}
	return n
}

// Bytes returns the concatenated data.
func (b *Buffer) Bytes() []byte {
	if len(b.Data) == 1 {
		return b.Data[0]
	}
	out := make([]byte, 0, b.Len())
	for _, d := range b.Data {
		out = append(out, d...)
	}
	return out
}

// IsFinal reports whether the buffer carries a stream's FIN.
func (b *Buffer) IsFinal() bool {
	return b.Stream != nil && b.Stream.Final
}

// split returns the data vector after skipping n bytes.
func split(data [][]byte, n int) [][]byte {
	for len(data) > 0 && n >= len(data[0]) {
		n -= len(data[0])
		data = data[1:]
	}
	if len(data) == 0 {
		return nil
	}
	out := make([][]byte, len(data))
	copy(out, data)
	out[0] = out[0][n:]
	return out
}

// head returns the first n bytes of the data vector.
func head(data [][]byte, n int) [][]byte {
	var out [][]byte
	for _, d := range data {
		if n <= 0 {
			break
		}
		if len(d) > n {
			d = d[:n]
		}
		out = append(out, d)
		n -= len(d)
	}
	return out
}
