//go:build linux

package proxypool

import (
	"net"

	tproxy "github.com/LiamHaworth/go-tproxy"
	"github.com/pkg/errors"
)

// listenTProxy binds addr with IP_TRANSPARENT. Accepted connections report
// the original destination as their local address. Needs CAP_NET_ADMIN.
func listenTProxy(addr string) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "tproxy address")
	}
	return tproxy.ListenTCP("tcp", tcpAddr)
}
