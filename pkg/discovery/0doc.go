// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery announces QUIC servers through UDP multicast and reports
// the servers announced by other nodes.
package discovery

const (
	// address4 is the default multicast IPv4 address used for discovery.
	address4 = "224.23.23.24"

	// address6 is the default multicast IPv6 address used for discovery.
	address6 = "ff02::24"

	// port is the default multicast UDP port used for discovery.
	port = 35040
)
