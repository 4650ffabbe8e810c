// Package config loads the proxypool daemon configuration from a YAML file
// and the command line. Flags given on the command line win over the file.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Windscribe/proxypool"
	"github.com/Windscribe/proxypool/mitm"
)

const (
	defaultAPIPort   = 8080
	defaultPortRange = "8081-8581"
)

type Config struct {
	// APIAddress and APIPort are where the management API listens.
	APIAddress string `yaml:"apiAddress"`
	APIPort    int    `yaml:"port"`
	// ProxyPortRange is "low-high", in either order. Empty lets the
	// operating system pick ports.
	ProxyPortRange string `yaml:"proxyPortRange"`
	// BindAddress is the default listen address of proxy instances.
	BindAddress string `yaml:"bindAddress"`
	// TTL deletes proxies idle for this long. Zero keeps them forever.
	TTL             time.Duration `yaml:"ttl"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// CACert and CAKey point at PEM files. When both are set but the files
	// do not exist yet, a root is generated and saved there.
	CACert          string `yaml:"caCert"`
	CAKey           string `yaml:"caKey"`
	Digest          string `yaml:"digest"`
	UseEcc          bool   `yaml:"useEcc"`
	TrustAllServers bool   `yaml:"trustAllServers"`

	// RequestTimeout, ConnectionTimeout and RetryCount are the upstream
	// defaults of new proxies.
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	ConnectionTimeout time.Duration `yaml:"connectionTimeout"`
	RetryCount        int           `yaml:"retryCount"`

	DNSServers []string `yaml:"dnsServers"`
	LogLevel   string   `yaml:"logLevel"`
}

func Default() *Config {
	return &Config{
		APIPort:         defaultAPIPort,
		ProxyPortRange:  defaultPortRange,
		ShutdownTimeout: 5 * time.Second,
		Digest:          string(mitm.DefaultDigest),
		LogLevel:        "info",
	}
}

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Parse reads the command line. A -config file is loaded first and the
// remaining flags override its values.
func Parse(name string, args []string) (*Config, error) {
	first := flag.NewFlagSet(name, flag.ContinueOnError)
	first.SetOutput(discard{})
	var path string
	bind(first, Default(), &path)

	cfg := Default()
	// bad arguments are reported by the second pass, with usage
	if err := first.Parse(args); err == nil && path != "" {
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	bind(fs, cfg, &path)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func bind(fs *flag.FlagSet, cfg *Config, path *string) {
	fs.StringVar(path, "config", "", "YAML configuration file")
	fs.StringVar(&cfg.APIAddress, "address", cfg.APIAddress, "management API listen address")
	fs.IntVar(&cfg.APIPort, "port", cfg.APIPort, "management API port")
	fs.StringVar(&cfg.ProxyPortRange, "proxyPortRange", cfg.ProxyPortRange, "proxy port range, low-high")
	fs.StringVar(&cfg.BindAddress, "bindAddress", cfg.BindAddress, "default proxy listen address")
	fs.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "delete proxies idle for this long, 0 disables")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdownTimeout", cfg.ShutdownTimeout, "grace period for in-flight requests")
	fs.StringVar(&cfg.CACert, "caCert", cfg.CACert, "CA certificate PEM file")
	fs.StringVar(&cfg.CAKey, "caKey", cfg.CAKey, "CA private key PEM file")
	fs.StringVar(&cfg.Digest, "digest", cfg.Digest, "leaf signature digest: SHA256, SHA384 or SHA512")
	fs.BoolVar(&cfg.UseEcc, "useEcc", cfg.UseEcc, "EC P-256 leaf keys by default")
	fs.BoolVar(&cfg.TrustAllServers, "trustAllServers", cfg.TrustAllServers, "skip upstream certificate checks by default")
	fs.DurationVar(&cfg.RequestTimeout, "requestTimeout", cfg.RequestTimeout, "upstream exchange timeout, 0 disables")
	fs.DurationVar(&cfg.ConnectionTimeout, "connectionTimeout", cfg.ConnectionTimeout, "upstream connect timeout, 0 disables")
	fs.IntVar(&cfg.RetryCount, "retryCount", cfg.RetryCount, "resend replayable requests after transport errors")
	fs.Var((*listFlag)(&cfg.DNSServers), "dnsServers", "comma separated name servers, host:port")
	fs.StringVar(&cfg.LogLevel, "logLevel", cfg.LogLevel, "debug, info, warning or error")
}

type listFlag []string

func (l *listFlag) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(s string) error {
	*l = nil
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*l = append(*l, v)
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if c.APIPort < 1 || c.APIPort > 65535 {
		return errors.Errorf("invalid API port %d", c.APIPort)
	}
	if _, _, err := ParsePortRange(c.ProxyPortRange, c.APIPort); err != nil {
		return err
	}
	if _, err := proxypool.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.RetryCount < 0 {
		return errors.Errorf("invalid retry count %d", c.RetryCount)
	}
	if (c.CACert == "") != (c.CAKey == "") {
		return errors.New("caCert and caKey must be given together")
	}
	return nil
}

// ParsePortRange reads "low-high" in either order. When apiPort falls inside
// the range, the range keeps its size but moves to start right after
// apiPort. An empty string is the zero range.
func ParsePortRange(s string, apiPort int) (low, high int, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, nil
	}
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("port range %q is not low-high", s)
	}
	if low, err = strconv.Atoi(strings.TrimSpace(parts[0])); err != nil {
		return 0, 0, errors.Wrapf(err, "port range %q", s)
	}
	if high, err = strconv.Atoi(strings.TrimSpace(parts[1])); err != nil {
		return 0, 0, errors.Wrapf(err, "port range %q", s)
	}
	if low > high {
		low, high = high, low
	}
	if apiPort >= low && apiPort <= high {
		size := high - low
		low = apiPort + 1
		high = low + size
	}
	if low < 1 || high > 65535 {
		return 0, 0, errors.Errorf("port range %d-%d is out of bounds", low, high)
	}
	return low, high, nil
}

// Logger builds the daemon logger at the configured level.
func (c *Config) Logger() (*proxypool.DefaultLogger, error) {
	level, err := proxypool.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	return proxypool.NewDefaultLogger(level), nil
}

// ManagerOptions turns the configuration into manager options.
func (c *Config) ManagerOptions(logger proxypool.Logger) (proxypool.Options, error) {
	low, high, err := ParsePortRange(c.ProxyPortRange, c.APIPort)
	if err != nil {
		return proxypool.Options{}, err
	}
	opts := proxypool.DefaultOptions().
		WithLogger(logger).
		WithPortRange(low, high).
		WithTTL(c.TTL).
		WithDNSServers(c.DNSServers...).
		WithDefaults(proxypool.InstanceConfig{
			BindAddress:     c.BindAddress,
			UseEcc:          c.UseEcc,
			TrustAllServers: c.TrustAllServers,
			Timeouts: proxypool.Timeouts{
				Request:    c.RequestTimeout,
				Connection: c.ConnectionTimeout,
			},
			RetryCount: c.RetryCount,
		})
	if c.ShutdownTimeout > 0 {
		opts = opts.WithShutdownTimeout(c.ShutdownTimeout)
	}
	return opts, nil
}

// TrustAnchor loads the configured CA, generating and saving one when the
// files do not exist yet. Without CA paths the root lives in memory only.
func (c *Config) TrustAnchor() (anchor *mitm.TrustAnchor, generated bool, err error) {
	digest := mitm.Digest(c.Digest)
	if c.CACert == "" {
		anchor, err = mitm.GenerateTrustAnchor(mitm.RootOptions{Digest: digest})
		return anchor, true, err
	}
	_, certErr := os.Stat(c.CACert)
	_, keyErr := os.Stat(c.CAKey)
	if os.IsNotExist(certErr) && os.IsNotExist(keyErr) {
		anchor, err = mitm.GenerateTrustAnchor(mitm.RootOptions{Digest: digest})
		if err != nil {
			return nil, false, err
		}
		if err := anchor.SaveFiles(c.CACert, c.CAKey); err != nil {
			return nil, false, err
		}
		return anchor, true, nil
	}
	anchor, err = mitm.LoadTrustAnchorFiles(c.CACert, c.CAKey, digest)
	return anchor, false, err
}
