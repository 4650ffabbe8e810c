package mitm

import (
	"crypto/tls"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type impersonation struct {
	cert    *CertificateAndKey
	tlsCert tls.Certificate
}

// Impersonator hands out certificates impersonating intercepted hosts,
// signed by a shared TrustAnchor. The first request for a hostname generates
// the certificate; concurrent requests for the same hostname wait for that
// generation and share its outcome. A cached certificate is never replaced.
type Impersonator struct {
	anchor *TrustAnchor
	keys   KeyGenerator
	signer CertificateSigner
	info   CertificateInfoGenerator
	logf   func(format string, args ...any)

	stats  GenerationStatistics
	certs  sync.Map // normalized hostname -> *impersonation
	flight singleflight.Group
}

type ImpersonatorOption func(*Impersonator)

// WithKeyGenerator sets how leaf key pairs are made (RSA 2048 by default).
func WithKeyGenerator(g KeyGenerator) ImpersonatorOption {
	return func(i *Impersonator) { i.keys = g }
}

// WithSigner swaps the signing backend.
func WithSigner(s CertificateSigner) ImpersonatorOption {
	return func(i *Impersonator) { i.signer = s }
}

func WithInfoGenerator(g CertificateInfoGenerator) ImpersonatorOption {
	return func(i *Impersonator) { i.info = g }
}

// WithLogf receives a debug line for every generated certificate.
func WithLogf(logf func(format string, args ...any)) ImpersonatorOption {
	return func(i *Impersonator) { i.logf = logf }
}

func NewImpersonator(anchor *TrustAnchor, opts ...ImpersonatorOption) *Impersonator {
	i := &Impersonator{
		anchor: anchor,
		keys:   RSAKeyGenerator{},
		signer: X509Signer{},
		info:   HostnameInfoGenerator{},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// NormalizeHostname is the cache key used for hostname.
func NormalizeHostname(hostname string) string {
	h := strings.ToLower(strings.TrimSpace(hostname))
	h = strings.TrimSuffix(h, ".")
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	return h
}

// CertificateFor returns the certificate impersonating hostname, generating
// it on first use.
func (i *Impersonator) CertificateFor(hostname string) (*CertificateAndKey, error) {
	imp, err := i.lookup(hostname)
	if err != nil {
		return nil, err
	}
	return imp.cert, nil
}

// TLSCertificateFor is CertificateFor packaged for crypto/tls, with the CA
// appended to the chain.
func (i *Impersonator) TLSCertificateFor(hostname string) (*tls.Certificate, error) {
	imp, err := i.lookup(hostname)
	if err != nil {
		return nil, err
	}
	return &imp.tlsCert, nil
}

func (i *Impersonator) lookup(hostname string) (*impersonation, error) {
	key := NormalizeHostname(hostname)
	if key == "" {
		return nil, ErrNoHostnames
	}
	if v, ok := i.certs.Load(key); ok {
		return v.(*impersonation), nil
	}
	v, err, _ := i.flight.Do(key, func() (any, error) {
		// a previous flight may have finished between Load and Do
		if v, ok := i.certs.Load(key); ok {
			return v, nil
		}
		imp, err := i.generate(key)
		if err != nil {
			return nil, err
		}
		actual, _ := i.certs.LoadOrStore(key, imp)
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*impersonation), nil
}

func (i *Impersonator) generate(hostname string) (*impersonation, error) {
	start := time.Now()

	info, err := i.info.Generate([]string{hostname})
	if err != nil {
		return nil, err
	}
	pair, err := i.keys.Generate()
	if err != nil {
		return nil, trustError("generate key", err)
	}
	ca := i.anchor.Certificate()
	cert, err := i.signer.CreateServerCertificate(info, ca, i.anchor.PrivateKey(), pair, i.anchor.Digest())
	if err != nil {
		return nil, err
	}

	finish := time.Now()
	i.stats.CertificateCreated(start, finish)
	if i.logf != nil {
		i.logf("impersonated certificate for %s in %dms", hostname, finish.Sub(start).Milliseconds())
	}
	return &impersonation{cert: cert, tlsCert: cert.TLSCertificate(ca)}, nil
}

func (i *Impersonator) Statistics() *GenerationStatistics {
	return &i.stats
}

func (i *Impersonator) TrustAnchor() *TrustAnchor {
	return i.anchor
}

// Hostnames lists the cached hostnames in order.
func (i *Impersonator) Hostnames() []string {
	var hosts []string
	i.certs.Range(func(k, _ any) bool {
		hosts = append(hosts, k.(string))
		return true
	})
	sort.Strings(hosts)
	return hosts
}
