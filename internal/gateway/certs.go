package gateway

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"strings"
)

// certificateOU extracts the organizational-unit attribute from a base64 DER
// certificate supplied in a request header. PEM armor lines, if the front end
// left them in, are stripped before decoding.
func certificateOU(header string) (string, error) {
	if header == "" {
		return "", errors.New("no client certificate header")
	}

	var b strings.Builder
	for _, line := range strings.FieldsFunc(header, func(r rune) bool { return r == '\n' || r == '\r' || r == ' ' }) {
		if strings.HasPrefix(line, "-----") {
			continue
		}
		b.WriteString(line)
	}

	der, err := base64.StdEncoding.DecodeString(b.String())
	if err != nil {
		return "", errors.New("malformed certificate encoding")
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return "", errors.New("unparseable certificate")
	}
	if len(cert.Subject.OrganizationalUnit) == 0 {
		return "", errors.New("certificate has no organizational unit")
	}
	return cert.Subject.OrganizationalUnit[0], nil
}
