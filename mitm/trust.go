package mitm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

// Digest names the hash used when the trust anchor signs a certificate.
type Digest string

const (
	SHA256 Digest = "SHA256"
	SHA384 Digest = "SHA384"
	SHA512 Digest = "SHA512"

	DefaultDigest = SHA256
)

// TrustSourceError reports unusable CA material or a failed signing
// operation. It is never retried.
type TrustSourceError struct {
	Op  string
	Err error
}

func (e *TrustSourceError) Error() string {
	return fmt.Sprintf("trust source: %s: %v", e.Op, e.Err)
}

func (e *TrustSourceError) Unwrap() error {
	return e.Err
}

func trustError(op string, err error) error {
	return &TrustSourceError{Op: op, Err: err}
}

// signatureAlgorithm maps digest to the x509 algorithm usable with key.
func signatureAlgorithm(key crypto.Signer, digest Digest) (x509.SignatureAlgorithm, error) {
	if digest == "" {
		digest = DefaultDigest
	}
	d := Digest(strings.ToUpper(strings.ReplaceAll(string(digest), "-", "")))
	switch key.(type) {
	case *rsa.PrivateKey:
		switch d {
		case SHA256:
			return x509.SHA256WithRSA, nil
		case SHA384:
			return x509.SHA384WithRSA, nil
		case SHA512:
			return x509.SHA512WithRSA, nil
		}
	case *ecdsa.PrivateKey:
		switch d {
		case SHA256:
			return x509.ECDSAWithSHA256, nil
		case SHA384:
			return x509.ECDSAWithSHA384, nil
		case SHA512:
			return x509.ECDSAWithSHA512, nil
		}
	case ed25519.PrivateKey:
		// ed25519 hashes internally; any supported digest name is accepted.
		switch d {
		case SHA256, SHA384, SHA512:
			return x509.PureEd25519, nil
		}
	default:
		return x509.UnknownSignatureAlgorithm, errors.Errorf("unsupported CA key type %T", key)
	}
	return x509.UnknownSignatureAlgorithm, errors.Errorf("unsupported digest %q", string(digest))
}

// TrustAnchor is the CA certificate and key that sign impersonation
// certificates. It is immutable and shared by every proxy instance.
type TrustAnchor struct {
	cert   *x509.Certificate
	key    crypto.Signer
	digest Digest
}

// NewTrustAnchor validates cert and key and returns an anchor signing with digest.
func NewTrustAnchor(cert *x509.Certificate, key crypto.Signer, digest Digest) (*TrustAnchor, error) {
	if cert == nil || key == nil {
		return nil, trustError("load", errors.New("CA certificate and private key are required"))
	}
	if !cert.IsCA {
		return nil, trustError("load", errors.Errorf("certificate %q is not a CA", cert.Subject.CommonName))
	}
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return nil, trustError("load", errors.New("private key does not match CA certificate"))
	}
	if _, err := signatureAlgorithm(key, digest); err != nil {
		return nil, trustError("load", err)
	}
	if digest == "" {
		digest = DefaultDigest
	}
	return &TrustAnchor{cert: cert, key: key, digest: digest}, nil
}

// LoadTrustAnchor parses PEM encoded CA material.
func LoadTrustAnchor(certPEM, keyPEM []byte, digest Digest) (*TrustAnchor, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, trustError("parse", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, trustError("parse", err)
	}
	key, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, trustError("parse", errors.Errorf("CA key of type %T cannot sign", pair.PrivateKey))
	}
	return NewTrustAnchor(cert, key, digest)
}

// LoadTrustAnchorFiles reads PEM encoded CA material from disk.
func LoadTrustAnchorFiles(certPath, keyPath string, digest Digest) (*TrustAnchor, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, trustError("read", errors.Wrap(err, "CA certificate"))
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, trustError("read", errors.Wrap(err, "CA private key"))
	}
	return LoadTrustAnchor(certPEM, keyPEM, digest)
}

// RootOptions controls self-generated root certificates.
type RootOptions struct {
	CommonName   string
	Organization string
	Validity     time.Duration
	Keys         KeyGenerator
	Digest       Digest
}

const defaultRootValidity = 10 * 365 * 24 * time.Hour

// GenerateTrustAnchor creates a self-signed root.
func GenerateTrustAnchor(opts RootOptions) (*TrustAnchor, error) {
	now := time.Now()
	if opts.CommonName == "" {
		opts.CommonName = "proxypool MITM " + now.Format("2006-01-02")
	}
	if opts.Organization == "" {
		opts.Organization = "proxypool MITM"
	}
	if opts.Validity <= 0 {
		opts.Validity = defaultRootValidity
	}
	if opts.Keys == nil {
		opts.Keys = RSAKeyGenerator{}
	}
	pair, err := opts.Keys.Generate()
	if err != nil {
		return nil, trustError("generate root", err)
	}
	alg, err := signatureAlgorithm(pair.Private, opts.Digest)
	if err != nil {
		return nil, trustError("generate root", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, trustError("generate root", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: []string{opts.Organization},
		},
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.Add(opts.Validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
		SignatureAlgorithm:    alg,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pair.Public, pair.Private)
	if err != nil {
		return nil, trustError("generate root", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, trustError("generate root", err)
	}
	return NewTrustAnchor(cert, pair.Private, opts.Digest)
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "generating serial number")
	}
	return serial, nil
}

func (a *TrustAnchor) Certificate() *x509.Certificate { return a.cert }
func (a *TrustAnchor) PrivateKey() crypto.Signer      { return a.key }
func (a *TrustAnchor) Digest() Digest                 { return a.digest }

// CertificatePEM returns the CA certificate, ready to be installed in a
// client trust store.
func (a *TrustAnchor) CertificatePEM() []byte {
	return encodePEM("CERTIFICATE", a.cert.Raw)
}

// PrivateKeyPEM returns the CA key as PKCS#8.
func (a *TrustAnchor) PrivateKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(a.key)
	if err != nil {
		return nil, trustError("encode", err)
	}
	return encodePEM("PRIVATE KEY", der), nil
}

// SaveFiles writes the CA certificate and key so a generated root can be
// reused across restarts.
func (a *TrustAnchor) SaveFiles(certPath, keyPath string) error {
	keyPEM, err := a.PrivateKeyPEM()
	if err != nil {
		return err
	}
	if err := os.WriteFile(certPath, a.CertificatePEM(), 0o644); err != nil {
		return trustError("save", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return trustError("save", err)
	}
	return nil
}

func encodePEM(typ string, der []byte) []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	// writes to a ByteBuffer cannot fail
	_ = pem.Encode(buf, &pem.Block{Type: typ, Bytes: der})
	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out
}
