package p11token

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"
)

// Kind identifies a class of token or provider failure.
// The transport layer maps kinds to HTTP statuses,
// raw provider errors are never the sole signal.
type Kind int

// Failure kinds
const (
	KindNone Kind = iota
	KindNoProviderFound
	KindProviderLoadFailed
	KindTokenAbsent
	KindPinIncorrect
	KindMechanismUnsupported
	KindTokenBusy
	KindSignatureInvalid
	KindTimeout
	KindProvider
)

var kindNames = map[Kind]string{
	KindNone:                 "none",
	KindNoProviderFound:      "no_provider_found",
	KindProviderLoadFailed:   "provider_load_failed",
	KindTokenAbsent:          "token_absent",
	KindPinIncorrect:         "pin_incorrect",
	KindMechanismUnsupported: "mechanism_unsupported",
	KindTokenBusy:            "token_busy",
	KindSignatureInvalid:     "signature_validation_failed",
	KindTimeout:              "timeout",
	KindProvider:             "provider_error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "provider_error"
}

// Retryable reports whether the caller may retry the operation,
// typically after the single hardware slot frees up.
func (k Kind) Retryable() bool {
	return k == KindTokenBusy
}

// Error is a classified token failure.
type Error struct {
	Kind  Kind
	cause error
}

// NewError returns a typed error wrapping cause.
func NewError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

// Errorf returns a typed error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Kind.String() + ": " + e.cause.Error()
	}
	return e.Kind.String()
}

// Unwrap returns the underlying provider error
func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf extracts the failure kind from err,
// returning KindNone for nil and KindProvider for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindProvider
}

// ckrKinds maps PKCS#11 return values to failure kinds.
// Codes not listed fall through to the substring heuristic.
var ckrKinds = map[uint]Kind{
	pkcs11.CKR_PIN_INCORRECT:           KindPinIncorrect,
	pkcs11.CKR_PIN_INVALID:             KindPinIncorrect,
	pkcs11.CKR_PIN_LEN_RANGE:           KindPinIncorrect,
	pkcs11.CKR_PIN_LOCKED:              KindPinIncorrect,
	pkcs11.CKR_TOKEN_NOT_PRESENT:       KindTokenAbsent,
	pkcs11.CKR_TOKEN_NOT_RECOGNIZED:    KindTokenAbsent,
	pkcs11.CKR_SLOT_ID_INVALID:         KindTokenAbsent,
	pkcs11.CKR_DEVICE_REMOVED:          KindTokenAbsent,
	pkcs11.CKR_MECHANISM_INVALID:       KindMechanismUnsupported,
	pkcs11.CKR_MECHANISM_PARAM_INVALID: KindMechanismUnsupported,
	pkcs11.CKR_KEY_TYPE_INCONSISTENT:   KindMechanismUnsupported,
	pkcs11.CKR_OPERATION_ACTIVE:        KindTokenBusy,
	pkcs11.CKR_SESSION_COUNT:           KindTokenBusy,
	pkcs11.CKR_SESSION_EXISTS:          KindTokenBusy,
}

// substrKinds is the secondary heuristic over provider error text,
// retained for vendor modules that return free-form strings.
var substrKinds = []struct {
	substr string
	kind   Kind
}{
	{"PIN_INCORRECT", KindPinIncorrect},
	{"PIN_LOCKED", KindPinIncorrect},
	{"TOKEN_NOT_PRESENT", KindTokenAbsent},
	{"DEVICE_REMOVED", KindTokenAbsent},
	{"no token", KindTokenAbsent},
	{"MECHANISM_INVALID", KindMechanismUnsupported},
	{"OPERATION_ACTIVE", KindTokenBusy},
	{"SESSION_COUNT", KindTokenBusy},
	{"wrong ELF class", KindProviderLoadFailed},
	{"cannot open shared object", KindProviderLoadFailed},
}

// Classify wraps err with the failure kind derived from PKCS#11
// return codes, falling back to a substring match over the error text.
// Already classified errors and nil pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(KindTimeout, err)
	}

	var p11err pkcs11.Error
	if errors.As(err, &p11err) {
		if kind, ok := ckrKinds[uint(p11err)]; ok {
			return NewError(kind, err)
		}
	}

	text := err.Error()
	for _, m := range substrKinds {
		if strings.Contains(text, m.substr) {
			return NewError(m.kind, err)
		}
	}
	return NewError(KindProvider, err)
}
