//go:build !linux

package proxypool

import (
	"net"
	"syscall"
)

func setKeepaliveParameters(conn *net.TCPConn, k KeepAlive) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}
	if k.Period > 0 {
		return conn.SetKeepAlivePeriod(k.Period)
	}
	return nil
}

var listenControl func(network, address string, c syscall.RawConn) error
