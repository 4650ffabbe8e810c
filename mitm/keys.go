package mitm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"

	"github.com/pkg/errors"
)

const defaultRSAKeySize = 2048

// KeyPair is a freshly generated key pair. Ownership passes to the caller.
type KeyPair struct {
	Public  crypto.PublicKey
	Private crypto.Signer
}

// KeyGenerator produces independent key pairs. Implementations must never
// cache or hand out the same key twice.
type KeyGenerator interface {
	Generate() (KeyPair, error)
}

// RSAKeyGenerator generates RSA keys of Bits size (2048 when zero).
type RSAKeyGenerator struct {
	Bits int
}

func (g RSAKeyGenerator) Generate() (KeyPair, error) {
	bits := g.Bits
	if bits == 0 {
		bits = defaultRSAKeySize
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return KeyPair{}, errors.Wrapf(err, "generating %d bit RSA key", bits)
	}
	return KeyPair{Public: &key.PublicKey, Private: key}, nil
}

// ECKeyGenerator generates ECDSA keys on Curve (P-256 when nil).
type ECKeyGenerator struct {
	Curve elliptic.Curve
}

func (g ECKeyGenerator) Generate() (KeyPair, error) {
	curve := g.Curve
	if curve == nil {
		curve = elliptic.P256()
	}
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return KeyPair{}, errors.Wrapf(err, "generating %s EC key", curve.Params().Name)
	}
	return KeyPair{Public: &key.PublicKey, Private: key}, nil
}
