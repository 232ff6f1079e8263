// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/dtn7/cboring"
)

// Announcement of some node's QUIC server.
type Announcement struct {
	// Node identifies the announcing process.
	Node   string
	Scheme string
	ALPNs  []string
	Port   uint
}

// Location of the announced server when reached at host.
func (announcement Announcement) Location(host string) string {
	return fmt.Sprintf("%s://%s", announcement.Scheme, net.JoinHostPort(host, strconv.FormatUint(uint64(announcement.Port), 10)))
}

// UnmarshalAnnouncements creates a new array of Announcement based on a CBOR byte string.
func UnmarshalAnnouncements(data []byte) ([]Announcement, error) {
	buff := bytes.NewBuffer(data)

	l, err := cboring.ReadArrayLength(buff)
	if err != nil {
		return nil, err
	}

	announcements := make([]Announcement, l)
	for i := range announcements {
		if err := cboring.Unmarshal(&announcements[i], buff); err != nil {
			return nil, fmt.Errorf("unmarshalling Announcement %d failed: %w", i, err)
		}
	}
	return announcements, nil
}

// MarshalAnnouncements into a CBOR byte string.
func MarshalAnnouncements(announcements []Announcement) ([]byte, error) {
	buff := new(bytes.Buffer)

	if err := cboring.WriteArrayLength(uint64(len(announcements)), buff); err != nil {
		return nil, err
	}
	for i := range announcements {
		if err := cboring.Marshal(&announcements[i], buff); err != nil {
			return nil, fmt.Errorf("marshalling Announcement %d (%v) failed: %w", i, announcements[i], err)
		}
	}
	return buff.Bytes(), nil
}

// MarshalCbor creates a CBOR representation for an Announcement.
func (announcement *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(4, w); err != nil {
		return err
	}

	if err := cboring.WriteTextString(announcement.Node, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(announcement.Scheme, w); err != nil {
		return err
	}

	if err := cboring.WriteArrayLength(uint64(len(announcement.ALPNs)), w); err != nil {
		return err
	}
	for _, alpn := range announcement.ALPNs {
		if err := cboring.WriteTextString(alpn, w); err != nil {
			return err
		}
	}

	return cboring.WriteUInt(uint64(announcement.Port), w)
}

// UnmarshalCbor creates an Announcement from its CBOR representation.
func (announcement *Announcement) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 4 {
		return fmt.Errorf("wrong array length: %d instead of 4", l)
	}

	var err error
	if announcement.Node, err = cboring.ReadTextString(r); err != nil {
		return err
	}
	if announcement.Scheme, err = cboring.ReadTextString(r); err != nil {
		return err
	}

	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	announcement.ALPNs = make([]string, n)
	for i := range announcement.ALPNs {
		if announcement.ALPNs[i], err = cboring.ReadTextString(r); err != nil {
			return fmt.Errorf("unmarshalling ALPN %d failed: %w", i, err)
		}
	}

	if p, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if p == 0 || p > 0xffff {
		return fmt.Errorf("invalid port %d", p)
	} else {
		announcement.Port = uint(p)
	}

	return nil
}

func (announcement Announcement) String() string {
	return fmt.Sprintf("Announcement(%s,%s,%v,%d)", announcement.Node, announcement.Scheme, announcement.ALPNs, announcement.Port)
}
