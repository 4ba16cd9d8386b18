// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package stream

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func setSockOptConn(conn net.Conn, level, opt, value int) error {
	rc, err := rawConn(conn)
	if err != nil {
		return err
	}
	return setSockOptRaw(rc, level, opt, value)
}

func setSockOptRaw(rc syscall.RawConn, level, opt, value int) error {
	var opErr error
	if err := rc.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), level, opt, value)
	}); err != nil {
		return err
	}
	return opErr
}

// bindToDevice pins the socket to a network interface.  It must run before
// the connect starts, so it is installed as the dialer's Control hook.
func bindToDevice(ifname string) func(network, addr string, rc syscall.RawConn) error {
	return func(_, _ string, rc syscall.RawConn) error {
		var opErr error
		if err := rc.Control(func(fd uintptr) {
			opErr = unix.BindToDevice(int(fd), ifname)
		}); err != nil {
			return err
		}
		return opErr
	}
}
