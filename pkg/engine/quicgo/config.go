// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicgo

import (
	"crypto/rand"

	"github.com/quic-go/quic-go"

	"github.com/dtn7/quiclib-go/pkg/engine"
)

// maxIncomingStreams mirrors quic-go's limit.
const maxIncomingStreams = 1 << 60

func clamp(v, max uint64) uint64 {
	if v > max {
		return max
	}
	return v
}

func incomingStreams(n uint64) int64 {
	if n == 0 {
		return -1
	}
	return int64(clamp(n, maxIncomingStreams))
}

// quicConfig maps transport parameters and timeouts to a quic.Config. Receive
// windows are not auto-tuned beyond the configured values.
func quicConfig(tp engine.TransportParams, to engine.Timeouts) *quic.Config {
	streamWindow := clamp(tp.InitialMaxStreamDataBidiRemote, engine.MaxVarint)
	if tp.InitialMaxStreamDataUni > streamWindow {
		streamWindow = clamp(tp.InitialMaxStreamDataUni, engine.MaxVarint)
	}
	connWindow := clamp(tp.InitialMaxData, engine.MaxVarint)

	return &quic.Config{
		HandshakeIdleTimeout:           to.Handshake,
		MaxIdleTimeout:                 to.Idle,
		KeepAlivePeriod:                to.KeepAlive,
		InitialStreamReceiveWindow:     streamWindow,
		MaxStreamReceiveWindow:         streamWindow,
		InitialConnectionReceiveWindow: connWindow,
		MaxConnectionReceiveWindow:     connWindow,
		MaxIncomingStreams:             incomingStreams(tp.InitialMaxStreamsBidi),
		MaxIncomingUniStreams:          incomingStreams(tp.InitialMaxStreamsUni),
		EnableDatagrams:                tp.DatagramsEnabled(),
	}
}

func newTransport(pipe *packetPipe, cidLength int) (*quic.Transport, error) {
	var key quic.StatelessResetKey
	if _, err := rand.Read(key[:]); err != nil {
		return nil, err
	}

	return &quic.Transport{
		Conn:               pipe,
		ConnectionIDLength: cidLength,
		StatelessResetKey:  &key,
	}, nil
}
