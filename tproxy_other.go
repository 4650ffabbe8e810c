//go:build !linux

package proxypool

import (
	"net"

	"github.com/pkg/errors"
)

func listenTProxy(string) (net.Listener, error) {
	return nil, errors.New("tproxy listening is only supported on linux")
}
