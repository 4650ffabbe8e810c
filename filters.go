package proxypool

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/elazarl/goproxy"
	"github.com/pkg/errors"
)

// BlacklistEntry answers requests whose URL and method match with
// StatusCode instead of forwarding them.
type BlacklistEntry struct {
	URLPattern    string `json:"urlPattern"`
	StatusCode    int    `json:"statusCode"`
	MethodPattern string `json:"httpMethodPattern,omitempty"`

	url    *regexp.Regexp
	method *regexp.Regexp
}

// Whitelist answers every request whose URL matches none of the patterns
// with StatusCode. A disabled whitelist lets everything through.
type Whitelist struct {
	Patterns   []string `json:"urlPatterns"`
	StatusCode int      `json:"statusCode"`
	Enabled    bool     `json:"enabled"`

	compiled []*regexp.Regexp
}

// RewriteRule replaces matches of Pattern in the request URL.
type RewriteRule struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replace"`

	re *regexp.Regexp
}

// Filters holds the request rules of one instance. Patterns must match the
// whole URL.
type Filters struct {
	mu        sync.RWMutex
	blacklist []BlacklistEntry
	whitelist Whitelist
	rewrites  []RewriteRule
	headers   http.Header
	// autoAuth maps a lower-cased host to its Authorization header value.
	autoAuth map[string]string
}

func NewFilters() *Filters {
	return &Filters{headers: make(http.Header), autoAuth: make(map[string]string)}
}

func compileFull(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, errors.Wrapf(err, "pattern %q", pattern)
	}
	return re, nil
}

func (f *Filters) Blacklist(urlPattern string, statusCode int, methodPattern string) error {
	entry := BlacklistEntry{URLPattern: urlPattern, StatusCode: statusCode, MethodPattern: methodPattern}
	var err error
	if entry.url, err = compileFull(urlPattern); err != nil {
		return err
	}
	if methodPattern == "" {
		methodPattern = ".*"
	}
	if entry.method, err = compileFull(methodPattern); err != nil {
		return err
	}
	f.mu.Lock()
	f.blacklist = append(f.blacklist, entry)
	f.mu.Unlock()
	return nil
}

func (f *Filters) BlacklistEntries() []BlacklistEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]BlacklistEntry(nil), f.blacklist...)
}

func (f *Filters) ClearBlacklist() {
	f.mu.Lock()
	f.blacklist = nil
	f.mu.Unlock()
}

// SetWhitelist replaces the whitelist and enables it.
func (f *Filters) SetWhitelist(patterns []string, statusCode int) error {
	wl := Whitelist{Patterns: append([]string(nil), patterns...), StatusCode: statusCode, Enabled: true}
	for _, p := range patterns {
		re, err := compileFull(p)
		if err != nil {
			return err
		}
		wl.compiled = append(wl.compiled, re)
	}
	f.mu.Lock()
	f.whitelist = wl
	f.mu.Unlock()
	return nil
}

func (f *Filters) Whitelist() Whitelist {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.whitelist
}

func (f *Filters) ClearWhitelist() {
	f.mu.Lock()
	f.whitelist = Whitelist{}
	f.mu.Unlock()
}

// AddRewriteRule appends a rule. Rules apply in the order they were added.
func (f *Filters) AddRewriteRule(pattern, replacement string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return errors.Wrapf(err, "pattern %q", pattern)
	}
	f.mu.Lock()
	f.rewrites = append(f.rewrites, RewriteRule{Pattern: pattern, Replacement: replacement, re: re})
	f.mu.Unlock()
	return nil
}

func (f *Filters) RewriteRules() []RewriteRule {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]RewriteRule(nil), f.rewrites...)
}

func (f *Filters) ClearRewriteRules() {
	f.mu.Lock()
	f.rewrites = nil
	f.mu.Unlock()
}

// AddHeaders sets headers on every forwarded request, replacing what the
// client sent under the same names.
func (f *Filters) AddHeaders(headers map[string]string) {
	f.mu.Lock()
	for k, v := range headers {
		f.headers.Set(k, v)
	}
	f.mu.Unlock()
}

func (f *Filters) Headers() http.Header {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.headers.Clone()
}

func (f *Filters) ClearHeaders() {
	f.mu.Lock()
	f.headers = make(http.Header)
	f.mu.Unlock()
}

// AutoAuthorize sends Basic credentials on every request to domain. The
// domain is matched against the request host, with or without its port.
func (f *Filters) AutoAuthorize(domain, username, password string) {
	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	f.mu.Lock()
	f.autoAuth[strings.ToLower(domain)] = "Basic " + token
	f.mu.Unlock()
}

func (f *Filters) StopAutoAuthorization(domain string) {
	f.mu.Lock()
	delete(f.autoAuth, strings.ToLower(domain))
	f.mu.Unlock()
}

func (f *Filters) AutoAuthorizedDomains() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	domains := make([]string, 0, len(f.autoAuth))
	for d := range f.autoAuth {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}

func (f *Filters) autoAuthorization(u *url.URL) (string, bool) {
	if v, ok := f.autoAuth[strings.ToLower(u.Host)]; ok {
		return v, true
	}
	v, ok := f.autoAuth[strings.ToLower(u.Hostname())]
	return v, ok
}

// Apply runs the rules against req. A non-nil response short-circuits the
// request.
func (f *Filters) Apply(req *http.Request) (*http.Request, *http.Response) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	target := req.URL.String()
	if f.whitelist.Enabled && !matchesAny(f.whitelist.compiled, target) {
		return req, goproxy.NewResponse(req, goproxy.ContentTypeText, f.whitelist.StatusCode, "")
	}
	for _, entry := range f.blacklist {
		if entry.url.MatchString(target) && entry.method.MatchString(req.Method) {
			return req, goproxy.NewResponse(req, goproxy.ContentTypeText, entry.StatusCode, "")
		}
	}

	rewritten := target
	for _, rule := range f.rewrites {
		rewritten = rule.re.ReplaceAllString(rewritten, rule.Replacement)
	}
	if rewritten != target {
		if u, err := url.Parse(rewritten); err == nil {
			if u.Host != req.URL.Host {
				req.Host = u.Host
			}
			req.URL = u
		}
	}

	for name, values := range f.headers {
		req.Header[name] = append([]string(nil), values...)
	}
	if v, ok := f.autoAuthorization(req.URL); ok {
		req.Header.Set("Authorization", v)
	}
	return req, nil
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
