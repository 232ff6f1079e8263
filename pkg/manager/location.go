// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// DefaultPort is used for locations without an explicit port.
const DefaultPort = 443

// ErrInvalidLocation is returned for unparsable locations.
var ErrInvalidLocation = errors.New("manager: invalid location")

// Location is a parsed "<scheme>://<host>[:<port>][/path]".
type Location struct {
	Scheme string
	Host   string
	Port   int
	Path   string
}

// ParseLocation parses s, defaulting to DefaultPort.
func ParseLocation(s string) (Location, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %q: %w", ErrInvalidLocation, s, err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return Location{}, fmt.Errorf("%w: %q has no scheme or host", ErrInvalidLocation, s)
	}

	loc := Location{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Port:   DefaultPort,
		Path:   u.Path,
	}
	if p := u.Port(); p != "" {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return Location{}, fmt.Errorf("%w: %q has an invalid port: %w", ErrInvalidLocation, s, err)
		}
		loc.Port = int(port)
	}
	return loc, nil
}

func (loc Location) String() string {
	return fmt.Sprintf("%s://%s%s", loc.Scheme, net.JoinHostPort(loc.Host, strconv.Itoa(loc.Port)), loc.Path)
}

// Resolver looks up a host's addresses; *net.Resolver implements it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// resolve returns the UDP address of loc, preferring IPv4.
func resolve(ctx context.Context, r Resolver, loc Location) (*net.UDPAddr, error) {
	if ip := net.ParseIP(loc.Host); ip != nil {
		return &net.UDPAddr{IP: ip, Port: loc.Port}, nil
	}

	addrs, err := r.LookupIPAddr(ctx, loc.Host)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", loc.Host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolving %s: no addresses", loc.Host)
	}

	chosen := addrs[0]
	for _, addr := range addrs {
		if addr.IP.To4() != nil {
			chosen = addr
			break
		}
	}
	return &net.UDPAddr{IP: chosen.IP, Port: loc.Port, Zone: chosen.Zone}, nil
}
