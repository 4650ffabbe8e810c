package mitm

import (
	"time"

	"github.com/pkg/errors"
)

// ErrNoHostnames is returned when a certificate is requested for no host.
var ErrNoHostnames = errors.New("cannot create X.509 certificate without server hostname")

const (
	impersonatedOrganization = "Impersonated Certificate"
	impersonatedOrgUnit      = "proxypool MITM"
)

// CertificateInfo describes the subject of a leaf certificate.
type CertificateInfo struct {
	// Hostnames are the subject alternative names. The first one is also
	// used as the common name.
	Hostnames          []string
	CommonName         string
	Organization       []string
	OrganizationalUnit []string
	NotBefore          time.Time
	NotAfter           time.Time
}

// CertificateInfoGenerator derives CertificateInfo from intercepted hostnames.
type CertificateInfoGenerator interface {
	Generate(hostnames []string) (CertificateInfo, error)
}

// HostnameInfoGenerator is the default CertificateInfoGenerator. Leaves are
// valid from a year ago to a year ahead; the signer caps that to the CA window.
type HostnameInfoGenerator struct {
	Now func() time.Time
}

func (g HostnameInfoGenerator) Generate(hostnames []string) (CertificateInfo, error) {
	if len(hostnames) == 0 || hostnames[0] == "" {
		return CertificateInfo{}, ErrNoHostnames
	}
	now := time.Now()
	if g.Now != nil {
		now = g.Now()
	}
	hosts := make([]string, len(hostnames))
	copy(hosts, hostnames)
	return CertificateInfo{
		Hostnames:          hosts,
		CommonName:         hosts[0],
		Organization:       []string{impersonatedOrganization},
		OrganizationalUnit: []string{impersonatedOrgUnit},
		NotBefore:          now.AddDate(-1, 0, 0),
		NotAfter:           now.AddDate(1, 0, 0),
	}, nil
}
