// Package certutil provides X.509 and PEM helpers shared by the
// certificate catalog, diagnostics and tests.
package certutil

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"strings"

	"github.com/cockroachdb/errors"
)

// ParseFromPEM returns Certificate parsed from PEM
func ParseFromPEM(b []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.Errorf("unable to parse PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to parse certificate")
	}
	return cert, nil
}

// EncodeToPEMString converts certificates to PEM format
func EncodeToPEMString(certs ...*x509.Certificate) string {
	var sb strings.Builder
	for _, crt := range certs {
		_ = pem.Encode(&sb, &pem.Block{
			Type:  "CERTIFICATE",
			Bytes: crt.Raw,
		})
	}
	return strings.TrimSpace(sb.String())
}

// EncodePublicKeyToPEM returns PEM encoded public key
func EncodePublicKeyToPEM(pubKey crypto.PublicKey) ([]byte, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pubKey)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: derBytes,
	}), nil
}
