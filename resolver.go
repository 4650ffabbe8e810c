package proxypool

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Resolver turns upstream host names into addresses.
type Resolver interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
}

type dnsCacheEntry struct {
	ip      net.IP
	expires time.Time
}

// DNSResolver queries name servers directly, honours host remapping and
// keeps a small answer cache. Without configured servers it reads
// /etc/resolv.conf and falls back to the system resolver after that.
type DNSResolver struct {
	client  *dns.Client
	servers []string
	now     func() time.Time

	mu           sync.RWMutex
	remap        map[string]string
	cache        map[string]dnsCacheEntry
	cacheTimeout time.Duration
}

const resolvConf = "/etc/resolv.conf"

// NewDNSResolver resolves against servers given as host:port. A negative
// cacheTimeout honours the record TTL, zero disables caching.
func NewDNSResolver(servers []string, cacheTimeout time.Duration) *DNSResolver {
	if len(servers) == 0 {
		if conf, err := dns.ClientConfigFromFile(resolvConf); err == nil {
			for _, s := range conf.Servers {
				servers = append(servers, net.JoinHostPort(s, conf.Port))
			}
		}
	}
	return &DNSResolver{
		client:       &dns.Client{Timeout: 5 * time.Second},
		servers:      servers,
		now:          time.Now,
		remap:        make(map[string]string),
		cache:        make(map[string]dnsCacheEntry),
		cacheTimeout: cacheTimeout,
	}
}

func canonicalHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// RemapHosts makes every source resolve as its target, which may be a name
// or an address. The cache is cleared so the change applies immediately.
func (r *DNSResolver) RemapHosts(hosts map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for from, to := range hosts {
		r.remap[canonicalHost(from)] = canonicalHost(to)
	}
	r.cache = make(map[string]dnsCacheEntry)
}

func (r *DNSResolver) RemappedHosts() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.remap))
	for k, v := range r.remap {
		out[k] = v
	}
	return out
}

func (r *DNSResolver) ClearRemappedHosts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remap = make(map[string]string)
	r.cache = make(map[string]dnsCacheEntry)
}

func (r *DNSResolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]dnsCacheEntry)
}

func (r *DNSResolver) SetCacheTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheTimeout = d
	if d == 0 {
		r.cache = make(map[string]dnsCacheEntry)
	}
}

func (r *DNSResolver) CacheTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cacheTimeout
}

// CachedHosts lists the names with a live cache entry.
func (r *DNSResolver) CachedHosts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	var hosts []string
	for h, e := range r.cache {
		if now.Before(e.expires) {
			hosts = append(hosts, h)
		}
	}
	sort.Strings(hosts)
	return hosts
}

func (r *DNSResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	name := canonicalHost(host)
	r.mu.RLock()
	if to, ok := r.remap[name]; ok {
		name = to
	}
	entry, cached := r.cache[name]
	timeout := r.cacheTimeout
	r.mu.RUnlock()

	if ip := net.ParseIP(strings.Trim(name, "[]")); ip != nil {
		return ip, nil
	}
	if cached && r.now().Before(entry.expires) {
		return entry.ip, nil
	}

	ip, ttl, err := r.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		ttl = timeout
	}
	if timeout != 0 && ttl > 0 {
		r.mu.Lock()
		r.cache[name] = dnsCacheEntry{ip: ip, expires: r.now().Add(ttl)}
		r.mu.Unlock()
	}
	return ip, nil
}

func (r *DNSResolver) lookup(ctx context.Context, name string) (net.IP, time.Duration, error) {
	if len(r.servers) == 0 {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, name)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "resolve %s", name)
		}
		if len(addrs) == 0 {
			return nil, 0, errors.Errorf("resolve %s: no addresses", name)
		}
		return addrs[0].IP, time.Minute, nil
	}

	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		for _, server := range r.servers {
			ip, ttl, err := r.query(ctx, server, name, qtype)
			if err != nil {
				lastErr = err
				continue
			}
			if ip != nil {
				return ip, ttl, nil
			}
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no addresses")
	}
	return nil, 0, errors.Wrapf(lastErr, "resolve %s", name)
}

func (r *DNSResolver) query(ctx context.Context, server, name string, qtype uint16) (net.IP, time.Duration, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, 0, err
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, 0, errors.Errorf("%s answered %s", server, dns.RcodeToString[in.Rcode])
	}
	for _, rr := range in.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			return rec.A, time.Duration(rec.Hdr.Ttl) * time.Second, nil
		case *dns.AAAA:
			return rec.AAAA, time.Duration(rec.Hdr.Ttl) * time.Second, nil
		}
	}
	return nil, 0, nil
}

// DialContext dials addr after resolving its host through r, so remapped
// hosts reach their new target.
func (r *DNSResolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ip, err := r.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
}
