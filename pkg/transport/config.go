// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/dtn7/quiclib-go/pkg/engine"
	"github.com/dtn7/quiclib-go/pkg/engine/quicgo"
	"github.com/dtn7/quiclib-go/pkg/quictls"
	"github.com/dtn7/quiclib-go/pkg/socket"
)

const (
	clientSCIDLength = 8
	serverSCIDLength = 18

	// datagramHandshakeTimeout bounds the wait for a handshake before
	// sending a datagram.
	datagramHandshakeTimeout = 5 * time.Second
)

// Config of a server or a client connection. Use Options to alter the
// defaults returned by DefaultConfig.
type Config struct {
	Location string
	Mode     Mode

	// ALPNs is the server's allow-list; a client uses the first entry.
	ALPNs []string

	PrivateKey  string
	Certificate string
	SNI         string

	Params   engine.TransportParams
	Timeouts engine.Timeouts

	EnableDatagrams    bool
	EnableStats        bool
	InsecureSkipVerify bool

	// TLS overrides the configuration built from the fields above.
	TLS *tls.Config

	Provider engine.Provider
	AppData  any
}

// DefaultConfig returns a client configuration with default transport
// parameters and the quic-go engine.
func DefaultConfig() Config {
	return Config{
		Mode:     ModeClient,
		Params:   engine.DefaultTransportParams(),
		Provider: quicgo.NewProvider(),
	}
}

// Option alters a Config.
type Option func(*Config)

// NewConfig applies opts on a DefaultConfig.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithLocation sets the location string, e.g., "quic://localhost:4433".
func WithLocation(location string) Option {
	return func(c *Config) { c.Location = location }
}

// WithMode sets client or server mode.
func WithMode(mode Mode) Option {
	return func(c *Config) { c.Mode = mode }
}

// WithALPN sets the application protocols.
func WithALPN(alpns ...string) Option {
	return func(c *Config) { c.ALPNs = append([]string(nil), alpns...) }
}

// WithPrivateKey sets the path of the server's private key.
func WithPrivateKey(path string) Option {
	return func(c *Config) { c.PrivateKey = path }
}

// WithCertificate sets the path of the server's PEM certificate chain.
func WithCertificate(path string) Option {
	return func(c *Config) { c.Certificate = path }
}

// WithSNI sets the server name.
func WithSNI(sni string) Option {
	return func(c *Config) { c.SNI = sni }
}

// WithMaxStreamsBidiRemote sets the number of bidirectional streams the peer
// may open.
func WithMaxStreamsBidiRemote(n uint64) Option {
	return func(c *Config) { c.Params.InitialMaxStreamsBidi = n }
}

// WithMaxStreamsUniRemote sets the number of unidirectional streams the peer
// may open.
func WithMaxStreamsUniRemote(n uint64) Option {
	return func(c *Config) { c.Params.InitialMaxStreamsUni = n }
}

// WithMaxStreamDataBidiRemote sets the receive window of bidirectional
// streams.
func WithMaxStreamDataBidiRemote(n uint64) Option {
	return func(c *Config) {
		c.Params.InitialMaxStreamDataBidiRemote = n
		c.Params.InitialMaxStreamDataBidiLocal = n
	}
}

// WithMaxStreamDataUniRemote sets the receive window of unidirectional
// streams.
func WithMaxStreamDataUniRemote(n uint64) Option {
	return func(c *Config) { c.Params.InitialMaxStreamDataUni = n }
}

// WithMaxDataRemote sets the connection's receive window.
func WithMaxDataRemote(n uint64) Option {
	return func(c *Config) { c.Params.InitialMaxData = n }
}

// WithDatagrams enables the DATAGRAM extension.
func WithDatagrams(enable bool) Option {
	return func(c *Config) { c.EnableDatagrams = enable }
}

// WithStats enables kernel timestamps and bitrate statistics.
func WithStats(enable bool) Option {
	return func(c *Config) { c.EnableStats = enable }
}

// WithIdleTimeout sets the idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeouts.Idle = d }
}

// WithKeepAlive sets the keep-alive period; zero disables keep-alives.
func WithKeepAlive(d time.Duration) Option {
	return func(c *Config) { c.Timeouts.KeepAlive = d }
}

// WithInsecureSkipVerify disables the verification of the server's
// certificate.
func WithInsecureSkipVerify(skip bool) Option {
	return func(c *Config) { c.InsecureSkipVerify = skip }
}

// WithTLSConfig overrides the generated TLS configuration.
func WithTLSConfig(conf *tls.Config) Option {
	return func(c *Config) { c.TLS = conf }
}

// WithProvider selects the QUIC engine.
func WithProvider(p engine.Provider) Option {
	return func(c *Config) { c.Provider = p }
}

// WithAppData attaches an opaque application value.
func WithAppData(data any) Option {
	return func(c *Config) { c.AppData = data }
}

// transportParams returns the parameter template for new connections.
func (c Config) transportParams() engine.TransportParams {
	tp := c.Params
	if c.EnableDatagrams {
		tp.MaxDatagramFrameSize = engine.MaxDatagramFrameSize
	} else {
		tp.MaxDatagramFrameSize = 0
	}
	return tp
}

func (c Config) socketOptions() socket.Options {
	opts := socket.DefaultOptions()
	opts.Timestamps = c.EnableStats
	return opts
}

func (c Config) validate() error {
	if c.Provider == nil {
		return fmt.Errorf("%w: no engine provider", ErrInvalid)
	}
	if len(c.ALPNs) == 0 {
		return fmt.Errorf("%w: no ALPN configured", ErrInvalid)
	}
	if c.Mode == ModeServer && c.TLS == nil && (c.Certificate == "" || c.PrivateKey == "") {
		return fmt.Errorf("%w: server requires a certificate and a private key", ErrInvalid)
	}
	if max := engine.MaxVarint; c.Params.InitialMaxData > max ||
		c.Params.InitialMaxStreamDataBidiRemote > max ||
		c.Params.InitialMaxStreamDataUni > max ||
		c.Params.InitialMaxStreamsBidi > 1<<60 ||
		c.Params.InitialMaxStreamsUni > 1<<60 {
		return fmt.Errorf("%w: transport parameter out of range", ErrInvalid)
	}
	return nil
}

func (c Config) clientTLS() *tls.Config {
	if c.TLS != nil {
		return c.TLS.Clone()
	}
	return quictls.ClientConfig(c.ALPNs[0], c.SNI, c.InsecureSkipVerify)
}

func (c Config) serverTLS() (*tls.Config, error) {
	if c.TLS != nil {
		return c.TLS.Clone(), nil
	}
	return quictls.ServerConfig(c.Certificate, c.PrivateKey, c.ALPNs)
}
