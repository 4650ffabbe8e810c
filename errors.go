package proxypool

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInstanceStopped is returned for work arriving at an instance after
	// Stop, including TLS handshakes that have not yet picked a certificate.
	ErrInstanceStopped = errors.New("proxy instance is stopped")
	ErrNotFound        = errors.New("no proxy on this port")
	ErrManagerClosed   = errors.New("proxy manager is closed")
)

// ProxyExistsError is returned when an explicit port is already owned by a
// live instance. Nothing is allocated.
type ProxyExistsError struct {
	Port int
}

func (e *ProxyExistsError) Error() string {
	return fmt.Sprintf("proxy already exists on port %d", e.Port)
}

// PortsExhaustedError means every port of the configured range is taken.
type PortsExhaustedError struct {
	Low, High int
}

func (e *PortsExhaustedError) Error() string {
	return fmt.Sprintf("all proxy ports in range %d-%d are in use", e.Low, e.High)
}

// AddressInUseError reports that the operating system refused to bind a port
// the pool considered free, usually because another process holds it.
type AddressInUseError struct {
	Port int
	Err  error
}

func (e *AddressInUseError) Error() string {
	return fmt.Sprintf("port %d: %v", e.Port, e.Err)
}

func (e *AddressInUseError) Unwrap() error {
	return e.Err
}
