package p11token

import (
	"crypto/x509"
	"encoding/hex"
	"time"

	"github.com/effective-security/tokensign/certutil"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// CertificateRecord is a normalized view of a certificate object on
// the token. Fields missing on the object are left empty rather than
// failing the listing.
type CertificateRecord struct {
	Label     string    `json:"label,omitempty"`
	ID        string    `json:"id,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Issuer    string    `json:"issuer,omitempty"`
	Serial    string    `json:"serial,omitempty"`
	NotBefore time.Time `json:"not_before,omitempty"`
	NotAfter  time.Time `json:"not_after,omitempty"`
	PEM       string    `json:"pem,omitempty"`
}

// Certificates lists the CKO_CERTIFICATE objects visible in the
// session, in provider-reported order. The result is eagerly
// materialized, token object counts are small.
func (s *Session) Certificates() ([]CertificateRecord, error) {
	handles, err := s.findObjects([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	})
	if err != nil {
		return nil, err
	}

	p11 := s.lib.ctx
	records := make([]CertificateRecord, 0, len(handles))
	for _, obj := range handles {
		rec := CertificateRecord{}

		// one query per attribute: a missing attribute fails the whole
		// call on some tokens, and must only drop its own field
		attrs, err := p11.GetAttributeValue(s.handle, obj, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, 0),
		})
		if err != nil {
			logger.KV(xlog.WARNING, "reason", "cert_label", "object", obj, "err", err.Error())
		} else {
			rec.Label = string(attrs[0].Value)
		}

		attrs, err = p11.GetAttributeValue(s.handle, obj, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_ID, 0),
		})
		if err != nil {
			logger.KV(xlog.WARNING, "reason", "cert_id", "object", obj, "err", err.Error())
		} else {
			rec.ID = hex.EncodeToString(attrs[0].Value)
		}

		val, err := p11.GetAttributeValue(s.handle, obj, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, 0),
		})
		if err == nil && len(val[0].Value) > 0 {
			cert, err := x509.ParseCertificate(val[0].Value)
			if err != nil {
				logger.KV(xlog.WARNING, "reason", "cert_parse", "object", obj, "err", err.Error())
			} else {
				rec.Subject = cert.Subject.String()
				rec.Issuer = cert.Issuer.String()
				rec.Serial = cert.SerialNumber.String()
				rec.NotBefore = cert.NotBefore
				rec.NotAfter = cert.NotAfter
				rec.PEM = certutil.EncodeToPEMString(cert)
			}
		}

		records = append(records, rec)
	}
	return records, nil
}

// Certificate returns the parsed certificate matching keyLabel,
// or the first certificate when keyLabel is empty.
func (s *Session) Certificate(keyLabel string) (*x509.Certificate, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	}
	if keyLabel != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, keyLabel))
	}
	handles, err := s.findObjects(template)
	if err != nil {
		return nil, err
	}
	if len(handles) == 0 {
		return nil, Errorf(KindProvider, "certificate not found, label=%q", keyLabel)
	}

	val, err := s.lib.ctx.GetAttributeValue(s.handle, handles[0], []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, 0),
	})
	if err != nil {
		return nil, Classify(err)
	}
	cert, err := x509.ParseCertificate(val[0].Value)
	if err != nil {
		return nil, NewError(KindProvider, err)
	}
	return cert, nil
}
