// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// quiccat is a QUIC echo server and netcat-like client.
//
// All endpoints are described in a TOML configuration, see quiccat.toml. The
// first [[connect]] block sends the standard input and prints the answers.
package main

import (
	"os"
	"os/signal"

	"github.com/pkg/profile"
	log "github.com/sirupsen/logrus"
)

// waitSigint returns a channel closed on SIGINT.
func waitSigint() <-chan struct{} {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	return signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	q, err := parseConfig(os.Args[1], os.Stdin, os.Stdout)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to parse config")
	}

	if q.profile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	select {
	case <-waitSigint():
		log.Info("Shutting down..")
	case <-q.Done():
		log.Debug("Input was sent, shutting down")
	}

	if err := q.Close(); err != nil {
		log.WithError(err).Warn("Shutdown failed")
	}
}
