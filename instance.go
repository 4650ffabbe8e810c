package proxypool

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/elazarl/goproxy/ext/auth"
	"github.com/pkg/errors"

	"github.com/Windscribe/proxypool/har"
	"github.com/Windscribe/proxypool/limit"
	"github.com/Windscribe/proxypool/mitm"
)

type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Instance is one MITM proxy bound to a single port. Every CONNECT is
// intercepted with a certificate from the instance's own Impersonator.
type Instance struct {
	cfg     InstanceConfig
	opts    Options
	baseLog Logger
	log     Logger
	port    int

	imp      *mitm.Impersonator
	proxy    *goproxy.ProxyHttpServer
	server   *http.Server
	listener net.Listener
	resolver *DNSResolver
	filters  *Filters
	har      *har.Recorder
	limits   *limit.Limiter
	traffic  Traffic
	activity *activityMonitor
	timeouts atomic.Pointer[Timeouts]
	retries  atomic.Int32

	connectAuth goproxy.HttpsHandler

	lastActivity atomic.Int64
	state        atomic.Int32
	stopOnce     sync.Once
	stopErr      error
	done         chan struct{}
}

// NewInstance prepares an instance without binding anything. Call Start to
// listen.
func NewInstance(cfg InstanceConfig, anchor *mitm.TrustAnchor, opts Options) (*Instance, error) {
	if anchor == nil {
		return nil, errors.New("a trust anchor is required")
	}
	cfg = cfg.withDefaults(opts.Defaults)
	in := &Instance{
		cfg:      cfg,
		opts:     opts,
		baseLog:  opts.logger(),
		port:     cfg.Port,
		resolver: NewDNSResolver(opts.DNSServers, opts.DNSCacheTimeout),
		filters:  NewFilters(),
		har:      har.NewRecorder(),
		limits:   limit.New(limit.Settings{}),
		activity: newActivityMonitor(),
		done:     make(chan struct{}),
	}
	in.log = withPrefix(in.baseLog, "port "+strconv.Itoa(cfg.Port))
	in.touch()
	in.SetTimeouts(cfg.Timeouts)
	if err := in.SetRetryCount(cfg.RetryCount); err != nil {
		return nil, err
	}

	keys := mitm.KeyGenerator(mitm.RSAKeyGenerator{})
	if cfg.UseEcc {
		keys = mitm.ECKeyGenerator{}
	}
	in.imp = mitm.NewImpersonator(anchor,
		mitm.WithKeyGenerator(keys),
		mitm.WithLogf(func(format string, args ...any) { in.log.Debugf(format, args...) }))

	tr := &http.Transport{
		TLSClientConfig:       mitm.UpstreamTLSConfig(cfg.TrustAllServers),
		DialContext:           in.dialUpstream,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if cfg.HTTPProxy != "" {
		upstream, err := parseUpstreamProxy(cfg.HTTPProxy)
		if err != nil {
			return nil, err
		}
		tr.Proxy = http.ProxyURL(upstream)
	}

	proxy := goproxy.NewProxyHttpServer()
	proxy.Tr = tr
	if lv, ok := in.baseLog.(interface{ Level() LoggingLevel }); ok {
		proxy.Verbose = lv.Level() == DEBUG
	}

	if cfg.AuthUser != "" {
		check := func(user, passwd string) bool {
			return subtle.ConstantTimeCompare([]byte(user), []byte(cfg.AuthUser)) == 1 &&
				subtle.ConstantTimeCompare([]byte(passwd), []byte(cfg.AuthPassword)) == 1
		}
		proxy.OnRequest(goproxy.ReqConditionFunc(isProxyFormRequest)).Do(auth.Basic(cfg.AuthRealm, check))
		in.connectAuth = auth.BasicConnect(cfg.AuthRealm, check)
	}
	proxy.OnRequest().HandleConnectFunc(in.handleConnect)
	proxy.OnRequest().DoFunc(in.applyFilters)
	proxy.OnRequest().DoFunc(in.har.OnRequest)
	proxy.OnRequest().DoFunc(in.applyLimits)
	proxy.OnRequest().DoFunc(in.sendUpstream)
	proxy.OnResponse().DoFunc(in.har.OnResponse)
	proxy.OnResponse().DoFunc(in.shapeResponse)
	in.proxy = proxy

	if cfg.CaptureHar {
		in.har.NewHar(cfg.HarPageRef, cfg.HarPageTitle, har.CaptureOptions{
			Headers: true, Cookies: true, Content: cfg.CaptureBodies,
		})
	}
	return in, nil
}

func parseUpstreamProxy(s string) (*url.URL, error) {
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, errors.Wrap(err, "upstream proxy")
	}
	if u.Host == "" {
		return nil, errors.Errorf("upstream proxy %q has no host", s)
	}
	return u, nil
}

// isProxyFormRequest is true for requests sent to the proxy in absolute
// form, as opposed to requests decrypted from an intercepted tunnel.
func isProxyFormRequest(req *http.Request, _ *goproxy.ProxyCtx) bool {
	return req.URL.Scheme != "https"
}

// Start binds the configured address and serves until Stop.
func (in *Instance) Start() error {
	addr := net.JoinHostPort(in.cfg.BindAddress, strconv.Itoa(in.cfg.Port))
	var ln net.Listener
	var err error
	if in.cfg.TProxy {
		ln, err = listenTProxy(addr)
	} else {
		ln, err = listenTCP(context.Background(), addr)
	}
	if err != nil {
		if isAddrInUse(err) {
			return &AddressInUseError{Port: in.cfg.Port, Err: err}
		}
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return in.Serve(ln)
}

// Serve runs the instance on an already bound listener.
func (in *Instance) Serve(ln net.Listener) error {
	if !in.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		_ = ln.Close()
		return errors.Errorf("instance is %s", in.State())
	}
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		in.port = addr.Port
	}
	in.log = withPrefix(in.baseLog, "port "+strconv.Itoa(in.port))
	in.proxy.Logger = relayLogger(in.log)

	in.listener = &proxyListener{
		Listener:     ln,
		traffic:      &in.traffic,
		keepAlive:    in.opts.KeepAlive,
		readTimeout:  in.opts.ReadTimeout,
		writeTimeout: in.opts.WriteTimeout,
		onAccept:     in.touch,
		log:          in.log,
	}

	var handler http.Handler = in.proxy
	served := in.listener
	if in.cfg.Transparent {
		queue := newConnQueue(ln.Addr())
		handler = http.HandlerFunc(in.transparentHTTP)
		served = queue
		go func() {
			if err := in.serveTransparent(in.listener, queue); err != nil && in.State() == StateRunning {
				in.log.Errorf("transparent listener: %v", err)
			}
		}()
	}
	in.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: in.opts.ReadTimeout,
		ErrorLog:          relayLogger(in.log),
	}
	go func() {
		if err := in.server.Serve(served); err != nil && !errors.Is(err, http.ErrServerClosed) && in.State() == StateRunning {
			in.log.Errorf("serve: %v", err)
		}
	}()
	in.touch()
	in.log.Infof("proxy started on %s", ln.Addr())
	return nil
}

// Stop shuts the instance down. In-flight requests get ShutdownTimeout to
// finish. Calling Stop again, or on an instance that never started, is a
// no-op.
func (in *Instance) Stop() error {
	in.stopOnce.Do(func() {
		defer close(in.done)
		prev := State(in.state.Swap(int32(StateStopped)))
		if prev != StateRunning {
			return
		}
		timeout := in.opts.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := in.server.Shutdown(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			in.log.Warnf("shutdown timed out after %s, closing connections", timeout)
			err = in.server.Close()
		}
		if cerr := in.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
			err = cerr
		}
		in.proxy.Tr.CloseIdleConnections()
		in.stopErr = err
		in.log.Infof("proxy stopped")
	})
	return in.stopErr
}

// Done is closed once Stop has finished.
func (in *Instance) Done() <-chan struct{} {
	return in.done
}

func (in *Instance) checkRunning() error {
	if in.State() != StateRunning {
		return ErrInstanceStopped
	}
	return nil
}

func (in *Instance) touch() {
	in.lastActivity.Store(time.Now().UnixNano())
}

func (in *Instance) handleConnect(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
	in.touch()
	if in.connectAuth != nil {
		if action, h := in.connectAuth.HandleConnect(host, ctx); action == goproxy.RejectConnect {
			return action, h
		}
	}
	return &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: in.tlsConfig}, host
}

func (in *Instance) tlsConfig(host string, _ *goproxy.ProxyCtx) (*tls.Config, error) {
	if err := in.checkRunning(); err != nil {
		return nil, err
	}
	return in.imp.ServerTLSConfig(stripPort(host), in.checkRunning), nil
}

func stripPort(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

func (in *Instance) applyFilters(req *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	in.touch()
	if err := in.checkRunning(); err != nil {
		return req, goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusServiceUnavailable, err.Error())
	}
	return in.filters.Apply(req)
}

func (in *Instance) applyLimits(req *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	if err := in.limits.Delay(req.Context()); err != nil {
		return req, goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusGatewayTimeout, err.Error())
	}
	if req.Body != nil && req.Body != http.NoBody {
		req.Body = in.limits.Upstream(req.Context(), req.Body)
	}
	return req, nil
}

func (in *Instance) shapeResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	in.touch()
	if resp == nil || resp.Body == nil {
		return resp
	}
	reqCtx := context.Background()
	if ctx.Req != nil {
		reqCtx = ctx.Req.Context()
	}
	resp.Body = in.limits.Downstream(reqCtx, resp.Body)
	return resp
}

func (in *Instance) Port() int                        { return in.port }
func (in *Instance) Config() InstanceConfig           { return in.cfg }
func (in *Instance) State() State                     { return State(in.state.Load()) }
func (in *Instance) Impersonator() *mitm.Impersonator { return in.imp }
func (in *Instance) Har() *har.Recorder               { return in.har }
func (in *Instance) Filters() *Filters                { return in.filters }
func (in *Instance) Resolver() *DNSResolver           { return in.resolver }
func (in *Instance) Limits() *limit.Limiter           { return in.limits }
func (in *Instance) Traffic() *Traffic                { return &in.traffic }

// Statistics reports certificate generation for this instance only.
func (in *Instance) Statistics() *mitm.GenerationStatistics {
	return in.imp.Statistics()
}

func (in *Instance) LastActivity() time.Time {
	return time.Unix(0, in.lastActivity.Load())
}

// Addr is the address the instance listens on, empty before Start.
func (in *Instance) Addr() string {
	if in.listener == nil {
		return ""
	}
	return in.listener.Addr().String()
}
