// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quiclib-go/pkg/transport"
)

const (
	chunkSize = 4096

	// datagramLinger is waited after the last datagram before disconnecting.
	datagramLinger = time.Second
)

// echoServer sends all received stream data and datagrams back to the peer.
type echoServer struct{}

func (echoServer) NewConnection(srv *transport.Server, remote net.Addr) bool {
	log.WithFields(log.Fields{
		"server": srv.ID(),
		"remote": remote,
	}).Info("New connection")
	return true
}

func (echoServer) HandshakeComplete(conn *transport.Connection, remote net.Addr, alpn string) bool {
	log.WithFields(log.Fields{
		"connection": conn.ID(),
		"remote":     remote,
		"alpn":       alpn,
	}).Info("Handshake completed")
	return true
}

func (echoServer) StreamData(conn *transport.Connection, buf *transport.Buffer) {
	if !transport.StreamIsBidi(buf.Stream.StreamID) {
		return
	}

	echo := transport.NewStreamBuffer(buf.IsFinal(), bytes.Clone(buf.Bytes()))
	echo.Stream.StreamID = buf.Stream.StreamID
	if err := conn.SendQueue().Push(echo); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"connection": conn.ID(),
			"stream":     buf.Stream.StreamID,
		}).Warn("Echoing stream data failed")
	}
}

func (echoServer) DatagramData(conn *transport.Connection, buf *transport.Buffer) {
	if _, err := conn.SendDatagram(transport.NewDatagramBuffer(bytes.Clone(buf.Bytes()))); err != nil {
		log.WithError(err).WithField("connection", conn.ID()).Warn("Echoing datagram failed")
	}
}

func (echoServer) ConnectionClosed(conn *transport.Connection, remote net.Addr) {
	log.WithFields(log.Fields{
		"connection": conn.ID(),
		"remote":     remote,
		"stats":      conn.Stats(),
	}).Info("Connection closed")
}

// catClient copies its input to a connection and the peer's answers to its
// output. Without input, it only keeps the connection open.
type catClient struct {
	in        io.Reader
	out       io.Writer
	datagrams bool
	linger    time.Duration

	outMutex  sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newCatClient(in io.Reader, out io.Writer, datagrams bool) *catClient {
	return &catClient{
		in:        in,
		out:       out,
		datagrams: datagrams,
		linger:    datagramLinger,
		done:      make(chan struct{}),
	}
}

// Done is closed after the client's connection was closed.
func (cc *catClient) Done() <-chan struct{} {
	return cc.done
}

func (cc *catClient) HandshakeComplete(conn *transport.Connection, remote net.Addr, alpn string) bool {
	log.WithFields(log.Fields{
		"connection": conn.ID(),
		"remote":     remote,
		"alpn":       alpn,
	}).Info("Connected")

	if cc.in != nil {
		go cc.pump(conn)
	}
	return true
}

func (cc *catClient) pump(conn *transport.Connection) {
	var err error
	if cc.datagrams {
		err = cc.pumpDatagrams(conn)
	} else {
		err = cc.pumpStream(conn)
	}

	if err != nil {
		log.WithError(err).WithField("connection", conn.ID()).Warn("Sending input failed")
		_ = conn.Disconnect(true, 1)
	}
}

func (cc *catClient) pumpStream(conn *transport.Connection) error {
	id, err := conn.OpenStream(true)
	if err != nil {
		return err
	}

	chunk := make([]byte, chunkSize)
	for {
		n, readErr := cc.in.Read(chunk)
		if n > 0 {
			if err := conn.SendStream(transport.NewStreamBuffer(false, bytes.Clone(chunk[:n])), id); err != nil {
				return err
			}
		}

		if readErr == io.EOF {
			return conn.CloseStream(id, 0)
		} else if readErr != nil {
			return readErr
		}
	}
}

func (cc *catClient) pumpDatagrams(conn *transport.Connection) error {
	scanner := bufio.NewScanner(cc.in)
	for scanner.Scan() {
		if _, err := conn.SendDatagram(transport.NewDatagramBuffer(bytes.Clone(scanner.Bytes()))); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	time.Sleep(cc.linger)
	return conn.Disconnect(true, 0)
}

func (cc *catClient) write(data []byte) {
	cc.outMutex.Lock()
	defer cc.outMutex.Unlock()

	if _, err := cc.out.Write(data); err != nil {
		log.WithError(err).Warn("Writing output failed")
	}
}

func (cc *catClient) StreamData(conn *transport.Connection, buf *transport.Buffer) {
	for _, data := range buf.Data {
		cc.write(data)
	}

	if buf.IsFinal() {
		go func() { _ = conn.Disconnect(true, 0) }()
	}
}

func (cc *catClient) DatagramData(_ *transport.Connection, buf *transport.Buffer) {
	cc.write(append(bytes.Clone(buf.Bytes()), '\n'))
}

func (cc *catClient) ConnectionError(conn *transport.Connection, code uint64) bool {
	log.WithFields(log.Fields{
		"connection": conn.ID(),
		"code":       code,
		"error":      conn.LastError(),
	}).Warn("Connection failed")
	return true
}

func (cc *catClient) ConnectionClosed(conn *transport.Connection, remote net.Addr) {
	log.WithFields(log.Fields{
		"connection": conn.ID(),
		"remote":     remote,
		"stats":      conn.Stats(),
	}).Info("Disconnected")

	cc.closeOnce.Do(func() { close(cc.done) })
}
