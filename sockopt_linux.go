//go:build linux

package proxypool

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func setKeepaliveParameters(conn *net.TCPConn, k KeepAlive) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}
	if k.Period > 0 {
		if err := conn.SetKeepAlivePeriod(k.Period); err != nil {
			return err
		}
	}
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = rawConn.Control(func(fdPtr uintptr) {
		fd := int(fdPtr)
		// number of probes
		if k.Count > 0 {
			if sockErr = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, k.Count); sockErr != nil {
				return
			}
		}
		// wait time after an unsuccessful probe
		if k.Interval >= time.Second {
			sockErr = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(k.Interval/time.Second))
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

func listenControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
