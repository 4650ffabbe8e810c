package proxypool

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	vhost "github.com/inconshreveable/go-vhost"
)

// In transparent mode clients do not know about the proxy. TLS connections
// are recognised by their ClientHello and handed to the relay as a
// synthetic CONNECT for the SNI host. Plain HTTP connections are queued for
// the instance's http.Server, which fills in the absolute URL from Host.

const sniffTimeout = 10 * time.Second

// recordTypeHandshake opens every TLS connection, followed by a 3.x
// protocol version.
const recordTypeHandshake = 0x16

// sniffedConn reads through the buffer its first bytes were peeked into,
// so nothing is lost to the sniff.
type sniffedConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *sniffedConn) Read(b []byte) (int, error) {
	return c.br.Read(b)
}

// sniff waits up to sniffTimeout for the first record header of conn. A
// client that sent fewer bytes before stalling is treated as plain text.
func sniff(conn net.Conn) (c *sniffedConn, isTLS bool, err error) {
	if err := conn.SetReadDeadline(time.Now().Add(sniffTimeout)); err != nil {
		return nil, false, err
	}
	c = &sniffedConn{Conn: conn, br: bufio.NewReader(conn)}
	head, err := c.br.Peek(3)
	if rerr := conn.SetReadDeadline(time.Time{}); rerr != nil {
		return nil, false, rerr
	}
	if len(head) == 0 {
		return nil, false, err
	}
	return c, handshakeRecord(head), nil
}

func handshakeRecord(head []byte) bool {
	return len(head) >= 3 && head[0] == recordTypeHandshake && head[1] == 3 && head[2] <= 4
}

// connQueue is a net.Listener fed by the sniffing accept loop.
type connQueue struct {
	addr   net.Addr
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func newConnQueue(addr net.Addr) *connQueue {
	return &connQueue{addr: addr, conns: make(chan net.Conn), closed: make(chan struct{})}
}

func (q *connQueue) Accept() (net.Conn, error) {
	select {
	case c := <-q.conns:
		return c, nil
	case <-q.closed:
		return nil, net.ErrClosed
	}
}

func (q *connQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

func (q *connQueue) Addr() net.Addr {
	return q.addr
}

func (q *connQueue) push(c net.Conn) bool {
	select {
	case q.conns <- c:
		return true
	case <-q.closed:
		return false
	}
}

// hijackedConn swallows the "200 Connection established" the relay writes
// after a CONNECT, which a transparent client never asked for.
type hijackedConn struct {
	net.Conn
	once sync.Once
}

func (c *hijackedConn) Write(b []byte) (int, error) {
	swallowed := false
	c.once.Do(func() {
		swallowed = len(b) < 100 && bytes.HasPrefix(b, []byte("HTTP/1.")) &&
			bytes.Contains(b, []byte(" 200 ")) && bytes.HasSuffix(b, []byte("\r\n\r\n"))
	})
	if swallowed {
		return len(b), nil
	}
	return c.Conn.Write(b)
}

// transparentResponseWriter is only ever hijacked by the relay.
type transparentResponseWriter struct {
	conn net.Conn
}

func (w *transparentResponseWriter) Header() http.Header {
	return make(http.Header)
}

func (w *transparentResponseWriter) Write(b []byte) (int, error) {
	return w.conn.Write(b)
}

func (w *transparentResponseWriter) WriteHeader(int) {}

func (w *transparentResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	c := &hijackedConn{Conn: w.conn}
	return c, bufio.NewReadWriter(bufio.NewReader(c), bufio.NewWriter(c)), nil
}

// serveTransparent accepts redirected connections on ln until it is closed.
func (in *Instance) serveTransparent(ln net.Listener, plain *connQueue) error {
	defer plain.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go in.handleTransparentConnection(conn, plain)
	}
}

func (in *Instance) handleTransparentConnection(conn net.Conn, plain *connQueue) {
	sniffed, isTLS, err := sniff(conn)
	if err != nil {
		in.log.Debugf("nothing received from %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	if !isTLS {
		if !plain.push(sniffed) {
			_ = conn.Close()
		}
		return
	}
	in.handleTransparentTLS(sniffed)
}

// handleTransparentTLS gives conn to the relay, which owns it from the
// hijack on.
func (in *Instance) handleTransparentTLS(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(sniffTimeout))
	tlsConn, err := vhost.TLS(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		in.log.Debugf("error parsing TLS ClientHello: %v", err)
		_ = conn.Close()
		return
	}
	host := tlsConn.Host()
	if host == "" {
		in.log.Warnf("cannot support non-SNI enabled clients from %s", conn.RemoteAddr())
		_ = conn.Close()
		return
	}

	port := 443
	if in.cfg.TProxy {
		if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
			port = addr.Port
		}
	}
	hostPort := net.JoinHostPort(host, strconv.Itoa(port))
	connectReq := &http.Request{
		Method:     http.MethodConnect,
		URL:        &url.URL{Opaque: hostPort, Host: hostPort},
		Host:       hostPort,
		Header:     make(http.Header),
		RemoteAddr: conn.RemoteAddr().String(),
	}
	in.proxy.ServeHTTP(&transparentResponseWriter{conn: tlsConn}, connectReq)
}

// transparentHTTP completes origin-form requests into the absolute form the
// relay expects.
func (in *Instance) transparentHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Host == "" {
		r.URL.Host = r.Host
	}
	if r.URL.Scheme == "" {
		r.URL.Scheme = "http"
	}
	in.proxy.ServeHTTP(w, r)
}
