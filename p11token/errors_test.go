package p11token_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/tokensign/p11token"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ClassifyCKR(t *testing.T) {
	tcases := []struct {
		err  error
		kind p11token.Kind
	}{
		{pkcs11.Error(pkcs11.CKR_PIN_INCORRECT), p11token.KindPinIncorrect},
		{pkcs11.Error(pkcs11.CKR_PIN_LOCKED), p11token.KindPinIncorrect},
		{pkcs11.Error(pkcs11.CKR_TOKEN_NOT_PRESENT), p11token.KindTokenAbsent},
		{pkcs11.Error(pkcs11.CKR_DEVICE_REMOVED), p11token.KindTokenAbsent},
		{pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID), p11token.KindMechanismUnsupported},
		{pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE), p11token.KindTokenBusy},
		{pkcs11.Error(pkcs11.CKR_SESSION_COUNT), p11token.KindTokenBusy},
		{pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED), p11token.KindProvider},
	}

	for _, tc := range tcases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			classified := p11token.Classify(tc.err)
			assert.Equal(t, tc.kind, p11token.KindOf(classified))
			// the provider error stays reachable for the logs
			assert.True(t, errors.Is(classified, tc.err))
		})
	}
}

func Test_ClassifyWrapped(t *testing.T) {
	err := errors.WithMessagef(pkcs11.Error(pkcs11.CKR_PIN_INCORRECT), "login on slot %d", 0)
	assert.Equal(t, p11token.KindPinIncorrect, p11token.KindOf(p11token.Classify(err)))
}

func Test_ClassifySubstring(t *testing.T) {
	tcases := []struct {
		text string
		kind p11token.Kind
	}{
		{"vendor: PIN_INCORRECT (0xa0)", p11token.KindPinIncorrect},
		{"vendor: TOKEN_NOT_PRESENT", p11token.KindTokenAbsent},
		{"vendor: OPERATION_ACTIVE", p11token.KindTokenBusy},
		{"libeToken.so: wrong ELF class: ELFCLASS32", p11token.KindProviderLoadFailed},
		{"something novel", p11token.KindProvider},
	}
	for _, tc := range tcases {
		assert.Equal(t, tc.kind, p11token.KindOf(p11token.Classify(errors.New(tc.text))), tc.text)
	}
}

func Test_ClassifyContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, p11token.KindTimeout, p11token.KindOf(p11token.Classify(ctx.Err())))
	assert.Equal(t, p11token.KindTimeout, p11token.KindOf(p11token.Classify(context.DeadlineExceeded)))
}

func Test_ClassifyPassthrough(t *testing.T) {
	require.NoError(t, p11token.Classify(nil))

	typed := p11token.Errorf(p11token.KindSignatureInvalid, "empty")
	assert.Equal(t, typed, p11token.Classify(typed))
	assert.Equal(t, p11token.KindNone, p11token.KindOf(nil))
}

func Test_KindStrings(t *testing.T) {
	assert.Equal(t, "pin_incorrect", p11token.KindPinIncorrect.String())
	assert.Equal(t, "token_absent", p11token.KindTokenAbsent.String())
	assert.Equal(t, "no_provider_found", p11token.KindNoProviderFound.String())
	assert.True(t, p11token.KindTokenBusy.Retryable())
	assert.False(t, p11token.KindPinIncorrect.Retryable())
}
