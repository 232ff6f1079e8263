// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/dtn7/cboring"
)

func TestAnnouncementCbor(t *testing.T) {
	var tests = []Announcement{
		{Node: "a", Scheme: "quic", ALPNs: []string{"echo"}, Port: 4433},
		{Node: "b", Scheme: "quic", ALPNs: []string{"echo", "h3"}, Port: 443},
		{Node: "c", Scheme: "https", ALPNs: []string{}, Port: 65535},
	}

	buff, err := MarshalAnnouncements(tests)
	if err != nil {
		t.Fatalf("Encoding failed: %v", err)
	}

	out, err := UnmarshalAnnouncements(buff)
	if err != nil {
		t.Fatalf("Decoding failed: %v", err)
	}
	if !reflect.DeepEqual(tests, out) {
		t.Fatalf("Decoded Announcements differ: %v became %v", tests, out)
	}
}

func TestAnnouncementCborInvalid(t *testing.T) {
	wrongLength := new(bytes.Buffer)
	_ = cboring.WriteArrayLength(1, wrongLength)
	_ = cboring.WriteArrayLength(3, wrongLength)

	zeroPort := new(bytes.Buffer)
	_ = cboring.WriteArrayLength(1, zeroPort)
	_ = cboring.WriteArrayLength(4, zeroPort)
	_ = cboring.WriteTextString("node", zeroPort)
	_ = cboring.WriteTextString("quic", zeroPort)
	_ = cboring.WriteArrayLength(0, zeroPort)
	_ = cboring.WriteUInt(0, zeroPort)

	for name, data := range map[string][]byte{
		"empty":        {},
		"wrong length": wrongLength.Bytes(),
		"zero port":    zeroPort.Bytes(),
	} {
		if _, err := UnmarshalAnnouncements(data); err == nil {
			t.Fatalf("%s: decoding succeeded", name)
		}
	}
}

func TestAnnouncementLocation(t *testing.T) {
	a := Announcement{Scheme: "quic", Port: 4433}

	if l := a.Location("192.0.2.1"); l != "quic://192.0.2.1:4433" {
		t.Fatalf("Unexpected location %q", l)
	}
	if l := a.Location("fe80::1"); l != "quic://[fe80::1]:4433" {
		t.Fatalf("Unexpected location %q", l)
	}
}
