package proxypool

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Windscribe/proxypool/mitm"
)

var (
	anchorOnce sync.Once
	anchor     *mitm.TrustAnchor
	anchorErr  error
)

func testAnchor(t *testing.T) *mitm.TrustAnchor {
	t.Helper()
	anchorOnce.Do(func() {
		anchor, anchorErr = mitm.GenerateTrustAnchor(mitm.RootOptions{
			CommonName: "proxypool test root",
			Keys:       mitm.ECKeyGenerator{},
		})
	})
	require.NoError(t, anchorErr)
	return anchor
}

func testOptions() Options {
	return DefaultOptions().
		WithLogger(DiscardLogger).
		WithPortRange(0, 0).
		WithShutdownTimeout(time.Second).
		WithDefaults(InstanceConfig{BindAddress: "127.0.0.1", UseEcc: true})
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m, err := NewManager(testAnchor(t), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// freePortRange finds n consecutive ports on the loopback interface that
// nothing listens on.
func freePortRange(t *testing.T, n int) int {
	t.Helper()
	for base := 20000 + int(time.Now().UnixNano()%20000); base < 65000; base += n {
		ok := true
		for p := base; p < base+n; p++ {
			ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
			if err != nil {
				ok = false
				break
			}
			_ = ln.Close()
		}
		if ok {
			return base
		}
	}
	t.Fatalf("no %d consecutive free ports", n)
	return 0
}

func proxyClient(t *testing.T, in *Instance) *http.Client {
	t.Helper()
	proxyURL, err := url.Parse("http://" + in.Addr())
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(testAnchor(t).Certificate())
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			TLSClientConfig:   &tls.Config{RootCAs: pool},
			DisableKeepAlives: true,
		},
	}
}

func get(t *testing.T, client *http.Client, target string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

// ConstantHandler is a simple HTTP handler that returns a constant response
type ConstantHandler string

func (h ConstantHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, string(h))
}
