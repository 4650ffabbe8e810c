package proxypool

import (
	"time"
)

// Note: If you add a new option X make sure you also add a WithX method on Options.

// Options configure a Manager and the instances it creates.
//
// DefaultOptions contains options that should work for most applications.
// Consider using that as a starting point before customizing it for your
// own needs.
//
// Each option X is documented on the WithX method.
type Options struct {
	Logger          Logger
	PortRange       PortRange
	TTL             time.Duration
	JanitorInterval time.Duration
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	KeepAlive       KeepAlive
	DNSServers      []string
	DNSCacheTimeout time.Duration
	Defaults        InstanceConfig
}

// PortRange is an inclusive range of ports. The zero value means unranged:
// the operating system picks an ephemeral port for every auto-assigned
// instance.
type PortRange struct {
	Low, High int
}

func (r PortRange) IsSet() bool {
	return r.Low > 0 && r.High >= r.Low
}

func (r PortRange) Contains(port int) bool {
	return r.IsSet() && port >= r.Low && port <= r.High
}

func (r PortRange) Size() int {
	if !r.IsSet() {
		return 0
	}
	return r.High - r.Low + 1
}

// KeepAlive tunes TCP keepalive on accepted client connections. Count and
// Interval are only honoured on linux.
type KeepAlive struct {
	Enabled  bool
	Period   time.Duration
	Interval time.Duration
	Count    int
}

// DefaultOptions returns the recommended initial options for the manager.
// You can freely edit them before passing it to NewManager.
func DefaultOptions() Options {
	return Options{
		Logger:          NewDefaultLogger(INFO),
		PortRange:       PortRange{Low: 8081, High: 8581},
		JanitorInterval: 30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		ReadTimeout:     5 * time.Minute,
		WriteTimeout:    5 * time.Minute,
		KeepAlive: KeepAlive{
			Enabled:  true,
			Period:   30 * time.Second,
			Interval: 10 * time.Second,
			Count:    3,
		},
		DNSCacheTimeout: -1,
	}
}

// WithLogger sets the logger used by the manager. Every instance logs
// through it with a "[port N]" prefix.
func (opt Options) WithLogger(l Logger) Options {
	opt.Logger = l
	return opt
}

// WithPortRange sets the inclusive range auto-assigned ports are drawn from.
// Pass the zero PortRange to let the operating system choose.
func (opt Options) WithPortRange(low, high int) Options {
	opt.PortRange = PortRange{Low: low, High: high}
	return opt
}

// WithTTL deletes instances that saw no activity for ttl. Zero disables
// expiry.
func (opt Options) WithTTL(ttl time.Duration) Options {
	opt.TTL = ttl
	return opt
}

// WithJanitorInterval sets how often idle instances are looked for.
func (opt Options) WithJanitorInterval(d time.Duration) Options {
	opt.JanitorInterval = d
	return opt
}

// WithShutdownTimeout bounds how long Stop waits for in-flight requests
// before closing their connections.
func (opt Options) WithShutdownTimeout(d time.Duration) Options {
	opt.ShutdownTimeout = d
	return opt
}

// WithTimeouts sets per-operation read and write deadlines on client
// connections. Zero disables the deadline.
func (opt Options) WithTimeouts(read, write time.Duration) Options {
	opt.ReadTimeout = read
	opt.WriteTimeout = write
	return opt
}

func (opt Options) WithKeepAlive(k KeepAlive) Options {
	opt.KeepAlive = k
	return opt
}

// WithDNSServers makes instances resolve upstream hosts against servers
// ("host:port") instead of the system configuration.
func (opt Options) WithDNSServers(servers ...string) Options {
	opt.DNSServers = servers
	return opt
}

// WithDNSCacheTimeout sets how long resolved addresses are reused. A
// negative value honours the record TTL, zero disables caching.
func (opt Options) WithDNSCacheTimeout(d time.Duration) Options {
	opt.DNSCacheTimeout = d
	return opt
}

// WithDefaults sets the InstanceConfig fields applied when a create call
// leaves them empty.
func (opt Options) WithDefaults(cfg InstanceConfig) Options {
	opt.Defaults = cfg
	return opt
}

func (opt Options) logger() Logger {
	if opt.Logger == nil {
		return DiscardLogger
	}
	return opt.Logger
}

// InstanceConfig describes one proxy instance.
type InstanceConfig struct {
	// Port is the port to listen on. Zero asks the manager for one.
	Port        int
	BindAddress string
	// HTTPProxy chains outgoing requests through another proxy, given as
	// host:port or a URL with optional user info.
	HTTPProxy string
	// TrustAllServers skips verification of upstream certificates.
	TrustAllServers bool
	// UseEcc mints EC P-256 leaf keys instead of RSA 2048.
	UseEcc bool
	// Transparent accepts redirected traffic instead of proxy requests.
	Transparent bool
	// TProxy listens with IP_TRANSPARENT, linux only. Implies Transparent.
	TProxy        bool
	AuthUser      string
	AuthPassword  string
	AuthRealm     string
	CaptureHar    bool
	HarPageRef    string
	HarPageTitle  string
	CaptureBodies bool
	Timeouts      Timeouts
	// RetryCount is how many times a replayable request is resent after a
	// transport error.
	RetryCount int
}

func (c InstanceConfig) withDefaults(d InstanceConfig) InstanceConfig {
	if c.BindAddress == "" {
		c.BindAddress = d.BindAddress
	}
	if c.HTTPProxy == "" {
		c.HTTPProxy = d.HTTPProxy
	}
	c.TrustAllServers = c.TrustAllServers || d.TrustAllServers
	c.UseEcc = c.UseEcc || d.UseEcc
	if c.AuthUser == "" && d.AuthUser != "" {
		c.AuthUser, c.AuthPassword = d.AuthUser, d.AuthPassword
	}
	if c.AuthRealm == "" {
		c.AuthRealm = d.AuthRealm
	}
	if c.AuthRealm == "" {
		c.AuthRealm = "proxypool"
	}
	if c.Timeouts == (Timeouts{}) {
		c.Timeouts = d.Timeouts
	}
	if c.RetryCount == 0 {
		c.RetryCount = d.RetryCount
	}
	if c.TProxy {
		c.Transparent = true
	}
	return c
}
