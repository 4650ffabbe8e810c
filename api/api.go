// Package api is the REST management surface of a proxy pool.
package api

import (
	"encoding/json"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/bytebufferpool"
	"github.com/zenazn/goji/web"
	"github.com/zenazn/goji/web/middleware"

	"github.com/Windscribe/proxypool"
	"github.com/Windscribe/proxypool/har"
	"github.com/Windscribe/proxypool/limit"
)

// Status codes for create failures a client is expected to branch on.
const (
	StatusProxyExists    = 455
	StatusPortsExhausted = 456
)

type Server struct {
	manager *proxypool.Manager
	log     proxypool.Logger
	mux     *web.Mux
}

// New builds the router. Metrics of the manager are registered on a
// private registry served at /metrics.
func New(m *proxypool.Manager, log proxypool.Logger) *Server {
	if log == nil {
		log = proxypool.DiscardLogger
	}
	s := &Server{manager: m, log: log, mux: web.New()}

	reg := prometheus.NewRegistry()
	reg.MustRegister(proxypool.NewCollector(m))
	reg.MustRegister(prometheus.NewGoCollector())

	mux := s.mux
	mux.Use(middleware.RequestID)
	mux.Use(s.logRequests)
	mux.Use(middleware.Recoverer)

	mux.Get("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Get("/proxy/ca.pem", s.caCertificate)
	mux.Get("/proxy", s.listProxies)
	mux.Post("/proxy", s.createProxy)
	mux.Delete("/proxy/:port", s.withInstance(s.deleteProxy))

	mux.Get("/proxy/:port/har", s.withInstance(s.getHar))
	mux.Put("/proxy/:port/har", s.withInstance(s.newHar))
	mux.Put("/proxy/:port/har/pageRef", s.withInstance(s.newPage))
	mux.Post("/proxy/:port/har/commands/endPage", s.withInstance(s.endPage))
	mux.Post("/proxy/:port/har/commands/endHar", s.withInstance(s.endHar))
	mux.Get("/proxy/:port/har/entries", s.withInstance(s.harEntries))
	mux.Get("/proxy/:port/har/mostRecentEntry", s.withInstance(s.mostRecentEntry))

	mux.Get("/proxy/:port/blacklist", s.withInstance(s.getBlacklist))
	mux.Put("/proxy/:port/blacklist", s.withInstance(s.addBlacklist))
	mux.Delete("/proxy/:port/blacklist", s.withInstance(s.clearBlacklist))
	mux.Get("/proxy/:port/whitelist", s.withInstance(s.getWhitelist))
	mux.Put("/proxy/:port/whitelist", s.withInstance(s.setWhitelist))
	mux.Delete("/proxy/:port/whitelist", s.withInstance(s.clearWhitelist))
	mux.Post("/proxy/:port/headers", s.withInstance(s.addHeaders))
	mux.Put("/proxy/:port/rewrite", s.withInstance(s.addRewrite))
	mux.Delete("/proxy/:port/rewrite", s.withInstance(s.clearRewrites))

	mux.Get("/proxy/:port/limit", s.withInstance(s.getLimits))
	mux.Put("/proxy/:port/limit", s.withInstance(s.setLimits))
	mux.Post("/proxy/:port/hosts", s.withInstance(s.remapHosts))
	mux.Delete("/proxy/:port/dns/cache", s.withInstance(s.clearDNSCache))
	mux.Get("/proxy/:port/certstats", s.withInstance(s.certStats))

	mux.Put("/proxy/:port/timeout", s.withInstance(s.setTimeouts))
	mux.Put("/proxy/:port/retry", s.withInstance(s.setRetryCount))
	mux.Put("/proxy/:port/wait", s.withInstance(s.waitForQuiescence))
	mux.Post("/proxy/:port/auth/basic/:domain", s.withInstance(s.autoBasicAuth))
	mux.Delete("/proxy/:port/auth/basic/:domain", s.withInstance(s.stopAutoBasicAuth))

	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.Errorf("no route for %s %s", r.Method, r.URL.Path))
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) logRequests(c *web.C, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h.ServeHTTP(w, r)
		s.log.Debugf("[%s] %s %s in %s", middleware.GetReqID(*c), r.Method, r.URL.Path, time.Since(start))
	})
}

type instanceHandler func(in *proxypool.Instance, w http.ResponseWriter, r *http.Request)

// withInstance resolves the :port parameter, answering 404 for ports
// without a proxy.
func (s *Server) withInstance(h instanceHandler) func(web.C, http.ResponseWriter, *http.Request) {
	return func(c web.C, w http.ResponseWriter, r *http.Request) {
		port, err := strconv.Atoi(c.URLParams["port"])
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.Errorf("invalid port %q", c.URLParams["port"]))
			return
		}
		in, err := s.manager.Get(port)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		h(in, w, r)
	}
}

type proxyDescriptor struct {
	Port int `json:"port"`
}

func (s *Server) listProxies(w http.ResponseWriter, r *http.Request) {
	list := s.manager.Instances()
	out := struct {
		ProxyList []proxyDescriptor `json:"proxyList"`
	}{ProxyList: make([]proxyDescriptor, 0, len(list))}
	for _, in := range list {
		out.ProxyList = append(out.ProxyList, proxyDescriptor{Port: in.Port()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createProxy(w http.ResponseWriter, r *http.Request) {
	p, err := newParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg := proxypool.InstanceConfig{
		Port:            p.intValue("port", 0),
		BindAddress:     p.get("bindAddress"),
		HTTPProxy:       p.get("httpProxy"),
		TrustAllServers: p.boolValue("trustAllServers"),
		UseEcc:          p.boolValue("useEcc"),
		Transparent:     p.boolValue("transparent"),
		AuthUser:        p.get("proxyUsername"),
		AuthPassword:    p.get("proxyPassword"),
	}
	if err := p.err(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	in, err := s.manager.Create(cfg)
	var exists *proxypool.ProxyExistsError
	var exhausted *proxypool.PortsExhaustedError
	switch {
	case errors.As(err, &exists):
		writeJSON(w, StatusProxyExists, proxyDescriptor{Port: exists.Port})
	case errors.As(err, &exhausted):
		writeError(w, StatusPortsExhausted, err)
	case err != nil:
		s.log.Errorf("create proxy: %v", err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, proxyDescriptor{Port: in.Port()})
	}
}

func (s *Server) deleteProxy(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(in.Port()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) caCertificate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="proxypool-ca.pem"`)
	_, _ = w.Write(s.manager.TrustAnchor().CertificatePEM())
}

func writeHar(w http.ResponseWriter, h *har.Har) {
	if h == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) getHar(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	writeHar(w, in.Har().Har())
}

func (s *Server) newHar(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	p, err := newParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opts := har.CaptureOptions{
		Headers: p.boolValue("captureHeaders"),
		Content: p.boolValue("captureContent"),
		Cookies: p.boolValue("captureCookies"),
	}
	if err := p.err(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeHar(w, in.Har().NewHar(p.get("initialPageRef"), p.get("initialPageTitle"), opts))
}

func (s *Server) newPage(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	p, err := newParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := in.Har().NewPage(p.get("pageRef"), p.get("pageTitle")); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) endPage(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	in.Har().EndPage()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) endHar(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	writeHar(w, in.Har().EndHar())
}

func (s *Server) harEntries(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	entries, err := in.Har().Entries(urlPattern(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if entries == nil {
		entries = []har.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) mostRecentEntry(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	entry, err := in.Har().MostRecentEntry(urlPattern(r))
	switch {
	case errors.Is(err, har.ErrNoEntry):
		writeJSON(w, http.StatusOK, struct{}{})
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
	default:
		writeJSON(w, http.StatusOK, entry)
	}
}

func urlPattern(r *http.Request) string {
	if p := r.URL.Query().Get("urlPattern"); p != "" {
		return p
	}
	return ".*"
}

func (s *Server) getBlacklist(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	entries := in.Filters().BlacklistEntries()
	if entries == nil {
		entries = []proxypool.BlacklistEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) addBlacklist(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	p, err := newParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pattern, status := p.required("regex"), p.intValue("status", 0)
	if err := p.err(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := in.Filters().Blacklist(pattern, status, p.get("method")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) clearBlacklist(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	in.Filters().ClearBlacklist()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getWhitelist(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, in.Filters().Whitelist())
}

func (s *Server) setWhitelist(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	p, err := newParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	patterns, status := p.list("regex"), p.intValue("status", 0)
	if err := p.err(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := in.Filters().SetWhitelist(patterns, status); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) clearWhitelist(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	in.Filters().ClearWhitelist()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) addHeaders(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	var headers map[string]string
	if err := json.NewDecoder(r.Body).Decode(&headers); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "headers"))
		return
	}
	in.Filters().AddHeaders(headers)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) addRewrite(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	p, err := newParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pattern := p.required("matchRegex")
	if err := p.err(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := in.Filters().AddRewriteRule(pattern, p.get("replace")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) clearRewrites(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	in.Filters().ClearRewriteRules()
	w.WriteHeader(http.StatusOK)
}

type limitsView struct {
	limit.Settings
	UpstreamRemaining   int64 `json:"upstreamRemaining"`
	DownstreamRemaining int64 `json:"downstreamRemaining"`
}

func (s *Server) getLimits(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	up, down := in.Limits().Remaining()
	writeJSON(w, http.StatusOK, limitsView{
		Settings:            in.Limits().Settings(),
		UpstreamRemaining:   up,
		DownstreamRemaining: down,
	})
}

const (
	kbpsToBytes = 1000 / 8
	kilobyte    = 1024
)

// setLimits takes kbps and KB like the original management API. Omitted
// parameters keep their current value.
func (s *Server) setLimits(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	p, err := newParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cur := in.Limits().Settings()
	next := limit.Settings{
		DownstreamBytesPerSecond: p.int64Value("downstreamKbps", cur.DownstreamBytesPerSecond/kbpsToBytes) * kbpsToBytes,
		UpstreamBytesPerSecond:   p.int64Value("upstreamKbps", cur.UpstreamBytesPerSecond/kbpsToBytes) * kbpsToBytes,
		DownstreamMaxBytes:       p.int64Value("downstreamMaxKB", cur.DownstreamMaxBytes/kilobyte) * kilobyte,
		UpstreamMaxBytes:         p.int64Value("upstreamMaxKB", cur.UpstreamMaxBytes/kilobyte) * kilobyte,
		Latency:                  time.Duration(p.int64Value("latency", cur.Latency.Milliseconds())) * time.Millisecond,
		Enabled:                  true,
	}
	if p.has("enable") {
		next.Enabled = p.boolValue("enable")
	}
	if err := p.err(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	in.Limits().Update(next)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) remapHosts(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	var hosts map[string]string
	if err := json.NewDecoder(r.Body).Decode(&hosts); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "hosts"))
		return
	}
	in.Resolver().RemapHosts(hosts)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) clearDNSCache(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	in.Resolver().ClearCache()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) certStats(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, in.Statistics().Snapshot())
}

func millis(n int64) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// setTimeouts takes milliseconds, except dnsCacheTimeout which is seconds.
// Omitted parameters keep their current value.
func (s *Server) setTimeouts(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	p, err := newParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cur := in.Timeouts()
	next := proxypool.Timeouts{
		Request:    millis(p.int64Value("requestTimeout", cur.Request.Milliseconds())),
		Read:       millis(p.int64Value("readTimeout", cur.Read.Milliseconds())),
		Connection: millis(p.int64Value("connectionTimeout", cur.Connection.Milliseconds())),
	}
	dnsSeconds := p.int64Value("dnsCacheTimeout", 0)
	if err := p.err(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	in.SetTimeouts(next)
	if p.has("dnsCacheTimeout") {
		in.Resolver().SetCacheTimeout(time.Duration(dnsSeconds) * time.Second)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) setRetryCount(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	p, err := newParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p.required("retrycount")
	count := p.intValue("retrycount", 0)
	if err := p.err(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := in.SetRetryCount(count); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// waitForQuiescence answers once traffic has stopped or the timeout
// passed. The quiet field tells the two apart.
func (s *Server) waitForQuiescence(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	p, err := newParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p.required("quietPeriodInMs")
	p.required("timeoutInMs")
	quiet := millis(p.int64Value("quietPeriodInMs", 0))
	timeout := millis(p.int64Value("timeoutInMs", 0))
	if err := p.err(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Quiet bool `json:"quiet"`
	}{Quiet: in.WaitForQuiescence(r.Context(), quiet, timeout)})
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// The domain is the last path segment.
func (s *Server) autoBasicAuth(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "credentials"))
		return
	}
	in.Filters().AutoAuthorize(path.Base(r.URL.Path), creds.Username, creds.Password)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) stopAutoBasicAuth(in *proxypool.Instance, w http.ResponseWriter, r *http.Request) {
	in.Filters().StopAutoAuthorization(path.Base(r.URL.Path))
	w.WriteHeader(http.StatusOK)
}

// writeJSON encodes into a pooled buffer first, so an encoding failure
// still produces a clean 500 and the length is known up front.
func writeJSON(w http.ResponseWriter, status int, v any) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(status)
	_, _ = w.Write(buf.B)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, struct {
		Error string `json:"errorMessage"`
	}{Error: err.Error()})
}

// params reads form and query values, remembering the first bad one.
type params struct {
	r     *http.Request
	first error
}

func newParams(r *http.Request) (*params, error) {
	if err := r.ParseForm(); err != nil {
		return nil, errors.Wrap(err, "parse form")
	}
	return &params{r: r}, nil
}

func (p *params) fail(err error) {
	if p.first == nil {
		p.first = err
	}
}

func (p *params) err() error {
	return p.first
}

func (p *params) has(name string) bool {
	_, ok := p.r.Form[name]
	return ok
}

func (p *params) get(name string) string {
	return strings.TrimSpace(p.r.Form.Get(name))
}

func (p *params) required(name string) string {
	v := p.get(name)
	if v == "" {
		p.fail(errors.Errorf("parameter %s is required", name))
	}
	return v
}

func (p *params) list(name string) []string {
	var out []string
	for _, v := range p.r.Form[name] {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func (p *params) int64Value(name string, def int64) int64 {
	v := p.get(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		p.fail(errors.Errorf("parameter %s must be a non-negative integer, got %q", name, v))
		return def
	}
	return n
}

func (p *params) intValue(name string, def int) int {
	return int(p.int64Value(name, int64(def)))
}

func (p *params) boolValue(name string) bool {
	v := p.get(name)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(errors.Errorf("parameter %s must be true or false, got %q", name, v))
	}
	return b
}
