package mitm

import (
	"crypto/tls"
)

// UpstreamTLSConfig is used when dialing the real destination.
func UpstreamTLSConfig(trustAll bool) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify:     trustAll,
		Renegotiation:          tls.RenegotiateOnceAsClient,
		SessionTicketsDisabled: true,
	}
}

// ServerTLSConfig terminates client TLS for a connection that was opened
// towards host. The SNI sent by the client wins over host when present.
// check, when set, runs before every certificate lookup and aborts the
// handshake on error.
func (i *Impersonator) ServerTLSConfig(host string, check func() error) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS10,
		NextProtos: []string{"http/1.1", "http/1.0"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if check != nil {
				if err := check(); err != nil {
					return nil, err
				}
			}
			name := hello.ServerName
			if name == "" {
				name = host
			}
			return i.TLSCertificateFor(name)
		},
	}
}
