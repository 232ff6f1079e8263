// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quiclib-go/pkg/discovery"
	"github.com/dtn7/quiclib-go/pkg/manager"
	"github.com/dtn7/quiclib-go/pkg/quictls"
	"github.com/dtn7/quiclib-go/pkg/statsrest"
	"github.com/dtn7/quiclib-go/pkg/transport"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Profile   bool
	Logging   logConf
	Transport transportConf
	Listen    []listenConf
	Connect   []connectConf
	Discovery discoveryConf
	Stats     statsConf
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// transportConf describes options applied to all endpoints.
type transportConf struct {
	IdleTimeout    string `toml:"idle-timeout"`
	KeepAlive      string `toml:"keep-alive"`
	Datagrams      bool
	Stats          bool
	Insecure       bool
	MaxStreamsBidi uint64 `toml:"max-streams-bidi"`
	MaxStreamsUni  uint64 `toml:"max-streams-uni"`
	MaxStreamData  uint64 `toml:"max-stream-data"`
	MaxData        uint64 `toml:"max-data"`
}

// listenConf describes a "listen" block, an echo server.
type listenConf struct {
	Location    string
	ALPN        []string
	Certificate string
	PrivateKey  string `toml:"private-key"`
	SelfSigned  bool   `toml:"self-signed"`
	Announce    bool
}

// connectConf describes a "connect" block. Only the first block reads the
// standard input.
type connectConf struct {
	Location  string
	ALPN      string
	SNI       string
	Datagrams bool
}

// discoveryConf describes the Discovery-configuration block. Discovered
// servers offering the Connect ALPN are connected to.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
	Connect  string
}

// statsConf describes the statistics REST API.
type statsConf struct {
	Listen   string
	Interval string
}

// quiccat is a running configuration.
type quiccat struct {
	manager   *manager.Manager
	discovery *discovery.Manager
	stats     *http.Server
	statsAddr net.Addr
	profile   bool

	transportOpts []transport.Option
	echo          *echoServer

	// probe is shared by all connections to discovered servers.
	probe *catClient

	// main is the client reading the standard input, if any.
	main *catClient

	tempDirs []string
}

func configureLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

func parseDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

// options converts the transport block into endpoint options.
func (conf transportConf) options() ([]transport.Option, error) {
	opts := []transport.Option{
		transport.WithDatagrams(conf.Datagrams),
		transport.WithStats(conf.Stats),
		transport.WithInsecureSkipVerify(conf.Insecure),
	}

	if conf.IdleTimeout != "" {
		d, err := parseDuration("transport.idle-timeout", conf.IdleTimeout)
		if err != nil {
			return nil, err
		}
		opts = append(opts, transport.WithIdleTimeout(d))
	}
	if conf.KeepAlive != "" {
		d, err := parseDuration("transport.keep-alive", conf.KeepAlive)
		if err != nil {
			return nil, err
		}
		opts = append(opts, transport.WithKeepAlive(d))
	}

	if conf.MaxStreamsBidi > 0 {
		opts = append(opts, transport.WithMaxStreamsBidiRemote(conf.MaxStreamsBidi))
	}
	if conf.MaxStreamsUni > 0 {
		opts = append(opts, transport.WithMaxStreamsUniRemote(conf.MaxStreamsUni))
	}
	if conf.MaxStreamData > 0 {
		opts = append(opts,
			transport.WithMaxStreamDataBidiRemote(conf.MaxStreamData),
			transport.WithMaxStreamDataUniRemote(conf.MaxStreamData))
	}
	if conf.MaxData > 0 {
		opts = append(opts, transport.WithMaxDataRemote(conf.MaxData))
	}

	return opts, nil
}

// parseConfig starts everything the TOML file describes. The first connect
// block copies in to its connection and the answers to out.
func parseConfig(filename string, in io.Reader, out io.Writer) (q *quiccat, err error) {
	var conf tomlConfig
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	configureLogging(conf.Logging)

	q = &quiccat{
		manager: manager.New(),
		profile: conf.Profile,
		echo:    &echoServer{},
		probe:   newCatClient(nil, out, false),
	}
	defer func() {
		if err != nil {
			_ = q.Close()
			q = nil
		}
	}()

	if q.transportOpts, err = conf.Transport.options(); err != nil {
		return
	}

	var announcements []discovery.Announcement
	for _, lc := range conf.Listen {
		announcement, lErr := q.listen(lc)
		if lErr != nil {
			err = fmt.Errorf("listen %q: %w", lc.Location, lErr)
			return
		}
		if lc.Announce {
			announcements = append(announcements, announcement)
		}
	}

	for i, cc := range conf.Connect {
		client := newCatClient(nil, out, cc.Datagrams)
		if i == 0 {
			client.in = in
			q.main = client
		}

		if cErr := q.connect(client, cc.Location, cc.ALPN, cc.SNI); cErr != nil {
			err = fmt.Errorf("connect %q: %w", cc.Location, cErr)
			return
		}
	}

	if conf.Discovery.IPv4 || conf.Discovery.IPv6 {
		if conf.Discovery.Interval == 0 {
			conf.Discovery.Interval = 10
		}

		q.discovery, err = discovery.NewManager(
			q.discovered(conf.Discovery.Connect), announcements,
			time.Duration(conf.Discovery.Interval)*time.Second,
			conf.Discovery.IPv4, conf.Discovery.IPv6)
		if err != nil {
			return
		}
	}

	if conf.Stats.Listen != "" {
		if err = q.serveStats(conf.Stats); err != nil {
			return
		}
	}

	return
}

// listen starts an echo server and returns its Announcement.
func (q *quiccat) listen(lc listenConf) (discovery.Announcement, error) {
	loc, err := manager.ParseLocation(lc.Location)
	if err != nil {
		return discovery.Announcement{}, err
	}

	certFile, keyFile := lc.Certificate, lc.PrivateKey
	if lc.SelfSigned {
		dir, err := os.MkdirTemp("", "quiccat-")
		if err != nil {
			return discovery.Announcement{}, err
		}
		q.tempDirs = append(q.tempDirs, dir)

		if certFile, keyFile, err = quictls.WriteSelfSigned(dir, loc.Host); err != nil {
			return discovery.Announcement{}, err
		}
	}

	srv, err := q.manager.Listen(q.echo, lc.Location, lc.ALPN, certFile, keyFile, q.transportOpts...)
	if err != nil {
		return discovery.Announcement{}, err
	}

	announcement := discovery.Announcement{Scheme: loc.Scheme, ALPNs: lc.ALPN}
	if addrs := srv.Addrs(); len(addrs) > 0 {
		announcement.Port = uint(addrs[0].Port)
	}
	return announcement, nil
}

func (q *quiccat) connect(client *catClient, location, alpn, sni string) error {
	opts := q.transportOpts
	if sni != "" {
		opts = append(append([]transport.Option{}, opts...), transport.WithSNI(sni))
	}

	_, err := q.manager.Connect(client, location, alpn, opts...)
	return err
}

// discovered returns the discovery callback, connecting to servers offering
// alpn. An empty alpn only logs discovered servers.
func (q *quiccat) discovered(alpn string) discovery.NotifyFunc {
	return func(announcement discovery.Announcement, host string) {
		location := announcement.Location(host)
		logger := log.WithFields(log.Fields{
			"location": location,
			"alpns":    announcement.ALPNs,
		})

		offered := false
		for _, a := range announcement.ALPNs {
			offered = offered || a == alpn
		}
		if alpn == "" || !offered {
			logger.Info("Discovered server")
			return
		}

		err := q.connect(q.probe, location, alpn, "")
		if errors.Is(err, manager.ErrALPNMismatch) {
			logger.WithError(err).Debug("Discovered server is connected with another ALPN")
		} else if err != nil {
			logger.WithError(err).Warn("Connecting to discovered server failed")
		} else {
			logger.Info("Connected to discovered server")
		}
	}
}

func (q *quiccat) serveStats(conf statsConf) error {
	var interval time.Duration
	if conf.Interval != "" {
		var err error
		if interval, err = parseDuration("stats.interval", conf.Interval); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", conf.Listen)
	if err != nil {
		return err
	}
	q.statsAddr = ln.Addr()

	router := mux.NewRouter()
	statsrest.NewStatsAPI(router.PathPrefix("/stats").Subrouter(), q.manager, interval)
	q.stats = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := q.stats.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Statistics server failed")
		}
	}()

	log.WithField("address", q.statsAddr).Info("Serving statistics")
	return nil
}

// Done is closed after the standard input client finished; without such a
// client it is never closed.
func (q *quiccat) Done() <-chan struct{} {
	if q.main == nil {
		return nil
	}
	return q.main.Done()
}

// Close stops everything.
func (q *quiccat) Close() error {
	var result *multierror.Error

	if q.discovery != nil {
		q.discovery.Close()
	}

	if q.stats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := q.stats.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		cancel()
	}

	if err := q.manager.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	for _, dir := range q.tempDirs {
		if err := os.RemoveAll(dir); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
