package mitm

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"net"

	"github.com/pkg/errors"
)

// CertificateAndKey is a signed leaf certificate with its private key.
type CertificateAndKey struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
}

// TLSCertificate bundles the leaf, followed by chain, for a tls.Config.
func (c *CertificateAndKey) TLSCertificate(chain ...*x509.Certificate) tls.Certificate {
	raw := make([][]byte, 0, 1+len(chain))
	raw = append(raw, c.Certificate.Raw)
	for _, cert := range chain {
		raw = append(raw, cert.Raw)
	}
	return tls.Certificate{
		Certificate: raw,
		PrivateKey:  c.PrivateKey,
		Leaf:        c.Certificate,
	}
}

// CertificateSigner issues leaf certificates from a CA. Implementations wrap
// a particular crypto backend; callers only see this interface.
type CertificateSigner interface {
	CreateServerCertificate(info CertificateInfo, caCert *x509.Certificate, caKey crypto.Signer,
		subject KeyPair, digest Digest) (*CertificateAndKey, error)
}

// X509Signer signs with the standard library crypto/x509 backend.
type X509Signer struct{}

var _ CertificateSigner = X509Signer{}

func (X509Signer) CreateServerCertificate(info CertificateInfo, caCert *x509.Certificate, caKey crypto.Signer,
	subject KeyPair, digest Digest) (*CertificateAndKey, error) {
	if len(info.Hostnames) == 0 || info.Hostnames[0] == "" {
		return nil, ErrNoHostnames
	}
	if caCert == nil || caKey == nil {
		return nil, trustError("sign", errors.New("a CA certificate and private key are required"))
	}
	if subject.Public == nil || subject.Private == nil {
		return nil, trustError("sign", errors.New("subject key pair is incomplete"))
	}
	alg, err := signatureAlgorithm(caKey, digest)
	if err != nil {
		return nil, trustError("sign", err)
	}
	notBefore, notAfter := info.NotBefore, info.NotAfter
	if notBefore.IsZero() || notBefore.Before(caCert.NotBefore) {
		notBefore = caCert.NotBefore
	}
	if notAfter.IsZero() || notAfter.After(caCert.NotAfter) {
		notAfter = caCert.NotAfter
	}
	if !notAfter.After(notBefore) {
		return nil, trustError("sign", errors.Errorf("empty validity window %s - %s", notBefore, notAfter))
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, trustError("sign", err)
	}

	commonName := info.CommonName
	if commonName == "" {
		commonName = info.Hostnames[0]
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Issuer:       caCert.Subject,
		Subject: pkix.Name{
			CommonName:         commonName,
			Organization:       info.Organization,
			OrganizationalUnit: info.OrganizationalUnit,
		},
		NotBefore: notBefore,
		NotAfter:  notAfter,

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		SignatureAlgorithm:    alg,
	}
	if _, ok := subject.Private.(*rsa.PrivateKey); ok {
		template.KeyUsage |= x509.KeyUsageKeyEncipherment
	}
	for _, h := range info.Hostnames {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, caCert, subject.Public, caKey)
	if err != nil {
		return nil, trustError("sign", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, trustError("sign", err)
	}
	return &CertificateAndKey{Certificate: cert, PrivateKey: subject.Private}, nil
}
