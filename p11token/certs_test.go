package p11token_test

import (
	"context"
	"strings"
	"testing"

	"github.com/effective-security/tokensign/p11token"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Certificates(t *testing.T) {
	_, lib := openSoft(t)

	var records []p11token.CertificateRecord
	err := lib.WithSession(context.Background(), "1234", func(s *p11token.Session) error {
		var err error
		records, err = s.Certificates()
		return err
	})
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "test-token", rec.Label)
	assert.Equal(t, "01", rec.ID)
	assert.Contains(t, rec.Subject, "CN=test-token")
	assert.Equal(t, rec.Subject, rec.Issuer, "self-signed")
	assert.Equal(t, "1", rec.Serial)
	assert.True(t, strings.HasPrefix(rec.PEM, "-----BEGIN CERTIFICATE-----"))
	assert.True(t, rec.NotAfter.After(rec.NotBefore))
}

func Test_CertificatesIdempotent(t *testing.T) {
	_, lib := openSoft(t)

	var first, second []p11token.CertificateRecord
	err := lib.WithSession(context.Background(), "1234", func(s *p11token.Session) error {
		var err error
		if first, err = s.Certificates(); err != nil {
			return err
		}
		second, err = s.Certificates()
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func Test_CertificatesPartialAttributes(t *testing.T) {
	mock, lib := openSoft(t)
	mock.AttrErr = map[uint]error{
		pkcs11.CKA_ID: pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID),
	}

	var records []p11token.CertificateRecord
	err := lib.WithSession(context.Background(), "1234", func(s *p11token.Session) error {
		var err error
		records, err = s.Certificates()
		return err
	})
	require.NoError(t, err)
	require.Len(t, records, 1)

	// a failing attribute drops only its own field
	assert.Empty(t, records[0].ID)
	assert.Equal(t, "test-token", records[0].Label)
	assert.NotEmpty(t, records[0].PEM)
}

func Test_CertificateByLabel(t *testing.T) {
	_, lib := openSoft(t)

	err := lib.WithSession(context.Background(), "1234", func(s *p11token.Session) error {
		cert, err := s.Certificate("test-token")
		if err != nil {
			return err
		}
		assert.Equal(t, "test-token", cert.Subject.CommonName)

		_, err = s.Certificate("no-such-cert")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "certificate not found")
		return nil
	})
	require.NoError(t, err)
}

func Test_TokensInfo(t *testing.T) {
	_, lib := openSoft(t)

	list, err := lib.TokensInfo()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "test-token", list[0].Label)
	assert.Equal(t, "mockp11", list[0].Manufacturer)
	assert.Equal(t, "soft-token", list[0].Model)
	assert.Equal(t, "12345678", list[0].Serial)
}
