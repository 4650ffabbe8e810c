package proxypool

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Windscribe/proxypool/limit"
)

func startInstance(t *testing.T, cfg InstanceConfig) *Instance {
	t.Helper()
	return startInstanceWith(t, cfg, testOptions())
}

func startInstanceWith(t *testing.T, cfg InstanceConfig, opts Options) *Instance {
	t.Helper()
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1"
	}
	in, err := NewInstance(cfg, testAnchor(t), opts)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, in.State())
	require.NoError(t, in.Start())
	t.Cleanup(func() { _ = in.Stop() })
	return in
}

func TestInstanceInterceptsTLS(t *testing.T) {
	upstream := httptest.NewTLSServer(ConstantHandler("secret"))
	defer upstream.Close()

	in := startInstance(t, InstanceConfig{TrustAllServers: true})
	client := proxyClient(t, in)

	resp, body := get(t, client, upstream.URL+"/a")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "secret", body)
	require.NotNil(t, resp.TLS)
	leaf := resp.TLS.PeerCertificates[0]
	assert.Equal(t, testAnchor(t).Certificate().Subject.String(), leaf.Issuer.String())
	assert.Equal(t, "127.0.0.1", leaf.Subject.CommonName)

	_, body = get(t, client, upstream.URL+"/b")
	assert.Equal(t, "secret", body)
	assert.EqualValues(t, 1, in.Statistics().CertificatesGenerated())
	assert.Equal(t, []string{"127.0.0.1"}, in.Impersonator().Hostnames())
	assert.Positive(t, in.Traffic().Connections())
	assert.Positive(t, in.Traffic().BytesRead())
}

func TestInstanceInterceptsTLSWithReadTimeout(t *testing.T) {
	upstream := httptest.NewTLSServer(ConstantHandler("secret"))
	defer upstream.Close()

	opts := testOptions().WithTimeouts(time.Minute, time.Minute)
	in := startInstanceWith(t, InstanceConfig{TrustAllServers: true}, opts)
	client := proxyClient(t, in)
	client.Timeout = 5 * time.Second

	for i := 0; i < 3; i++ {
		resp, body := get(t, client, upstream.URL)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "secret", body)
	}
	assert.EqualValues(t, 1, in.Statistics().CertificatesGenerated())
}

func TestInstanceVerifiesUpstream(t *testing.T) {
	upstream := httptest.NewTLSServer(ConstantHandler("secret"))
	defer upstream.Close()

	in := startInstance(t, InstanceConfig{})
	resp, err := proxyClient(t, in).Get(upstream.URL)
	if err == nil {
		defer resp.Body.Close()
		assert.NotEqual(t, http.StatusOK, resp.StatusCode)
	}
}

func TestInstanceStop(t *testing.T) {
	in := startInstance(t, InstanceConfig{})
	addr := in.Addr()

	require.NoError(t, in.Stop())
	require.NoError(t, in.Stop())
	assert.Equal(t, StateStopped, in.State())
	<-in.Done()

	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)

	_, err = in.tlsConfig("example.com:443", nil)
	assert.ErrorIs(t, err, ErrInstanceStopped)

	// a handshake that got its config before Stop still refuses to pick a
	// certificate
	cfg := in.imp.ServerTLSConfig("example.com", in.checkRunning)
	_, err = cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.com"})
	assert.ErrorIs(t, err, ErrInstanceStopped)
	assert.Empty(t, in.Impersonator().Hostnames())
}

func TestInstanceStopBeforeStart(t *testing.T) {
	in, err := NewInstance(InstanceConfig{}, testAnchor(t), testOptions())
	require.NoError(t, err)
	assert.NoError(t, in.Stop())
	assert.Equal(t, StateStopped, in.State())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Error(t, in.Serve(ln))
}

func TestInstanceFilters(t *testing.T) {
	var hits atomic.Int32
	var header atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		header.Store(r.Header.Get("X-Test"))
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer upstream.Close()

	in := startInstance(t, InstanceConfig{})
	client := proxyClient(t, in)

	require.NoError(t, in.Filters().Blacklist(".*/blocked.*", http.StatusForbidden, ""))
	require.NoError(t, in.Filters().AddRewriteRule("/old/", "/new/"))
	in.Filters().AddHeaders(map[string]string{"X-Test": "yes"})

	resp, _ := get(t, client, upstream.URL+"/blocked/page")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, hits.Load())

	resp, body := get(t, client, upstream.URL+"/old/page")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/new/page", body)
	assert.EqualValues(t, 1, hits.Load())
	assert.Equal(t, "yes", header.Load())

	require.NoError(t, in.Filters().SetWhitelist([]string{".*/allowed"}, http.StatusTeapot))
	resp, _ = get(t, client, upstream.URL+"/other")
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	resp, _ = get(t, client, upstream.URL+"/allowed")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInstanceProxyAuth(t *testing.T) {
	upstream := httptest.NewServer(ConstantHandler("hello"))
	defer upstream.Close()

	in := startInstance(t, InstanceConfig{AuthUser: "user", AuthPassword: "secret"})

	resp, _ := get(t, proxyClient(t, in), upstream.URL)
	assert.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)

	proxyURL, err := url.Parse("http://user:secret@" + in.Addr())
	require.NoError(t, err)
	authed := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL), DisableKeepAlives: true}}
	resp, body := get(t, authed, upstream.URL)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", body)
}

func TestInstanceCapturesHar(t *testing.T) {
	upstream := httptest.NewServer(ConstantHandler("hello"))
	defer upstream.Close()

	in := startInstance(t, InstanceConfig{CaptureHar: true, HarPageRef: "start", CaptureBodies: true})
	get(t, proxyClient(t, in), upstream.URL+"/page")

	har := in.Har().Har()
	require.NotNil(t, har)
	require.Len(t, har.Log.Entries, 1)
	assert.Equal(t, "start", har.Log.Entries[0].PageRef)
	assert.Equal(t, upstream.URL+"/page", har.Log.Entries[0].Request.URL)
	assert.Equal(t, "hello", har.Log.Entries[0].Response.Content.Text)
}

func TestInstanceDownstreamLimit(t *testing.T) {
	upstream := httptest.NewServer(ConstantHandler("0123456789"))
	defer upstream.Close()

	in := startInstance(t, InstanceConfig{})
	in.Limits().Update(limit.Settings{Enabled: true, DownstreamMaxBytes: 4})

	resp, err := proxyClient(t, in).Get(upstream.URL)
	if err == nil {
		defer resp.Body.Close()
		buf := make([]byte, 64)
		n, _ := resp.Body.Read(buf)
		assert.LessOrEqual(t, n, 4)
	}
	assert.Eventually(t, func() bool {
		_, down := in.Limits().Remaining()
		return down == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestParseUpstreamProxy(t *testing.T) {
	u, err := parseUpstreamProxy("corp-proxy:3128")
	require.NoError(t, err)
	assert.Equal(t, "http://corp-proxy:3128", u.String())

	u, err = parseUpstreamProxy("http://me:pw@corp-proxy:3128")
	require.NoError(t, err)
	assert.Equal(t, "me", u.User.Username())

	_, err = NewInstance(InstanceConfig{HTTPProxy: "http://"}, testAnchor(t), testOptions())
	assert.Error(t, err)
}

func TestInstanceEccLeaves(t *testing.T) {
	in, err := NewInstance(InstanceConfig{UseEcc: true}, testAnchor(t), testOptions())
	require.NoError(t, err)
	cert, err := in.Impersonator().CertificateFor("ecc.example")
	require.NoError(t, err)
	assert.Equal(t, x509.ECDSA, cert.Certificate.PublicKeyAlgorithm)
}

func TestInstanceAutoAuthorization(t *testing.T) {
	var header atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header.Store(r.Header.Get("Authorization"))
	}))
	defer upstream.Close()

	in := startInstance(t, InstanceConfig{})
	client := proxyClient(t, in)

	in.Filters().AutoAuthorize("127.0.0.1", "alice", "pw")
	get(t, client, upstream.URL)
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("alice:pw")), header.Load())

	in.Filters().StopAutoAuthorization("127.0.0.1")
	in.Filters().AutoAuthorize("elsewhere.example", "bob", "pw")
	get(t, client, upstream.URL)
	assert.Equal(t, "", header.Load())
}

// dropFirst closes the connection without answering for the first n
// requests.
func dropFirst(n int32, hits *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= n {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
}

func TestInstanceRetriesTransportErrors(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(dropFirst(2, &hits))
	defer upstream.Close()

	in := startInstance(t, InstanceConfig{RetryCount: 2})
	assert.Equal(t, 2, in.RetryCount())

	resp, body := get(t, proxyClient(t, in), upstream.URL)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)
	assert.EqualValues(t, 3, hits.Load())
}

func TestInstanceWithoutRetries(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(dropFirst(1, &hits))
	defer upstream.Close()

	in := startInstance(t, InstanceConfig{})
	assert.Error(t, in.SetRetryCount(-1))

	resp, _ := get(t, proxyClient(t, in), upstream.URL)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.EqualValues(t, 1, hits.Load())
}

func TestInstanceResponseHeaderTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer upstream.Close()

	in := startInstance(t, InstanceConfig{})
	in.SetTimeouts(Timeouts{Read: 100 * time.Millisecond})

	start := time.Now()
	resp, _ := get(t, proxyClient(t, in), upstream.URL)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestInstanceConnectionTimeout(t *testing.T) {
	in := startInstance(t, InstanceConfig{Timeouts: Timeouts{Connection: 200 * time.Millisecond}})
	// a non-routable address either hangs until the timeout or fails at once
	in.Resolver().RemapHosts(map[string]string{"unreachable.test": "10.255.255.1"})

	start := time.Now()
	resp, _ := get(t, proxyClient(t, in), "http://unreachable.test/")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestInstanceWaitForQuiescence(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-release
		_, _ = w.Write([]byte("done"))
	}))
	defer upstream.Close()

	in := startInstance(t, InstanceConfig{})
	client := proxyClient(t, in)
	done := make(chan string, 1)
	go func() {
		resp, err := client.Get(upstream.URL)
		if err != nil {
			done <- err.Error()
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		done <- string(body)
	}()
	<-arrived

	assert.False(t, in.WaitForQuiescence(context.Background(), 10*time.Millisecond, 200*time.Millisecond))

	start := time.Now()
	close(release)
	assert.True(t, in.WaitForQuiescence(context.Background(), 100*time.Millisecond, 5*time.Second))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, "done", <-done)
}
