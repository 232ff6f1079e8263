// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux
// +build !linux

package socket

import "syscall"

func setOptions(_ syscall.RawConn, _ bool, _ Options) error {
	return nil
}

func parseControl(_ []byte, _ *Packet) {}
