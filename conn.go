package proxypool

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// Traffic counts client-side bytes and connections of one instance.
type Traffic struct {
	read     atomic.Int64
	written  atomic.Int64
	accepted atomic.Int64
}

func (t *Traffic) BytesRead() int64    { return t.read.Load() }
func (t *Traffic) BytesWritten() int64 { return t.written.Load() }
func (t *Traffic) Connections() int64  { return t.accepted.Load() }

// proxyConn is a wrapper around a net.Conn that counts the bytes moved over
// the connection and applies an idle timeout to each Read and Write. A
// deadline set by the caller always wins over the idle timeout: net/http
// interrupts its background read on Hijack with a deadline in the past,
// and re-arming over it would block the hijack forever.
type proxyConn struct {
	net.Conn
	traffic      *Traffic
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

func (conn *proxyConn) SetDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.readDeadline, conn.writeDeadline = t, t
	return conn.Conn.SetDeadline(t)
}

func (conn *proxyConn) SetReadDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.readDeadline = t
	return conn.Conn.SetReadDeadline(t)
}

func (conn *proxyConn) SetWriteDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.writeDeadline = t
	return conn.Conn.SetWriteDeadline(t)
}

// arm sets the idle deadline unless the caller holds one. It reports
// whether it did.
func (conn *proxyConn) arm(caller *time.Time, timeout time.Duration, set func(time.Time) error) bool {
	if timeout <= 0 {
		return false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !caller.IsZero() {
		return false
	}
	_ = set(time.Now().Add(timeout))
	return true
}

// disarm clears an idle deadline set by arm, unless the caller set its own
// deadline in the meantime.
func (conn *proxyConn) disarm(caller *time.Time, set func(time.Time) error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if caller.IsZero() {
		_ = set(time.Time{})
	}
}

func (conn *proxyConn) Write(b []byte) (n int, err error) {
	armed := conn.arm(&conn.writeDeadline, conn.writeTimeout, conn.Conn.SetWriteDeadline)
	n, err = conn.Conn.Write(b)
	conn.traffic.written.Add(int64(n))
	if armed {
		conn.disarm(&conn.writeDeadline, conn.Conn.SetWriteDeadline)
	}
	return
}

func (conn *proxyConn) Read(b []byte) (n int, err error) {
	armed := conn.arm(&conn.readDeadline, conn.readTimeout, conn.Conn.SetReadDeadline)
	n, err = conn.Conn.Read(b)
	conn.traffic.read.Add(int64(n))
	if armed {
		conn.disarm(&conn.readDeadline, conn.Conn.SetReadDeadline)
	}
	return
}

// proxyListener wraps accepted connections in proxyConn and tunes their
// keepalive.
type proxyListener struct {
	net.Listener
	traffic      *Traffic
	keepAlive    KeepAlive
	readTimeout  time.Duration
	writeTimeout time.Duration
	onAccept     func()
	log          Logger
}

func (l *proxyListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tcp, ok := c.(*net.TCPConn); ok && l.keepAlive.Enabled {
		if err := setKeepaliveParameters(tcp, l.keepAlive); err != nil {
			l.log.Warnf("on setting keepalive for %s: %v", c.RemoteAddr(), err)
		}
	}
	l.traffic.accepted.Add(1)
	if l.onAccept != nil {
		l.onAccept()
	}
	return &proxyConn{
		Conn:         c,
		traffic:      l.traffic,
		readTimeout:  l.readTimeout,
		writeTimeout: l.writeTimeout,
	}, nil
}

func listenTCP(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: listenControl}
	return lc.Listen(ctx, "tcp", addr)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "address already in use")
}
