package p11token

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/tokensign/metricskey"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// maxObjects bounds a single FindObjects call.
// Consumer tokens hold a handful of objects.
const maxObjects = 64

// Session is one authenticated interaction with a token.
// It is exclusively owned by the request that created it and is only
// valid inside the SessionFunc it was handed to.
type Session struct {
	lib    *Lib
	handle pkcs11.SessionHandle
	slot   uint
}

// SlotID returns the slot the session was opened on.
func (s *Session) SlotID() uint {
	return s.slot
}

// SessionFunc runs one operation within an authenticated session.
type SessionFunc func(s *Session) error

// WithSession opens a fresh session on the first slot with a token,
// logs in with pin, runs fn, and unconditionally logs out and closes
// the session. Sessions are never reused across requests.
//
// The context is consulted between phases so that a cancelled or
// timed-out request still runs the teardown path.
func (l *Lib) WithSession(ctx context.Context, pin string, fn SessionFunc) error {
	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), "pkcs11", "session")

	slot, err := l.firstSlotWithToken()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return Classify(err)
	}

	sh, err := l.ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return Classify(errors.WithMessagef(err, "open session on slot %d", slot))
	}
	defer func() {
		if err := l.ctx.CloseSession(sh); err != nil {
			logger.KV(xlog.ERROR, "reason", "close_session", "slot", slot, "err", err.Error())
		}
	}()

	err = l.ctx.Login(sh, pkcs11.CKU_USER, pin)
	if err != nil && !errors.Is(err, pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)) {
		return Classify(errors.WithMessagef(err, "login on slot %d", slot))
	}
	defer func() {
		if err := l.ctx.Logout(sh); err != nil {
			logger.KV(xlog.WARNING, "reason", "logout", "slot", slot, "err", err.Error())
		}
	}()

	if err := ctx.Err(); err != nil {
		return Classify(err)
	}

	return fn(&Session{
		lib:    l,
		handle: sh,
		slot:   slot,
	})
}

// findObjects runs a complete FindObjectsInit/FindObjects/Final cycle.
func (s *Session) findObjects(template []*pkcs11.Attribute) ([]pkcs11.ObjectHandle, error) {
	p11 := s.lib.ctx
	if err := p11.FindObjectsInit(s.handle, template); err != nil {
		return nil, Classify(err)
	}

	var handles []pkcs11.ObjectHandle
	for {
		found, _, err := p11.FindObjects(s.handle, maxObjects)
		if err != nil {
			_ = p11.FindObjectsFinal(s.handle)
			return nil, Classify(err)
		}
		if len(found) == 0 {
			break
		}
		handles = append(handles, found...)
	}
	if err := p11.FindObjectsFinal(s.handle); err != nil {
		return nil, Classify(err)
	}
	return handles, nil
}

// findPrivateKey locates a private key object, optionally by label.
func (s *Session) findPrivateKey(keyLabel string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
	}
	if keyLabel != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, keyLabel))
	}

	keys, err := s.findObjects(template)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, Errorf(KindProvider, "private key not found, label=%q", keyLabel)
	}
	return keys[0], nil
}

// SignDigest signs digest with the token private key under mechanism.
// The digest is computed by the caller, the token only applies padding
// and the private key operation.
func (s *Session) SignDigest(digest []byte, mechanism uint, keyLabel string) ([]byte, error) {
	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), "pkcs11", "sign")

	key, err := s.findPrivateKey(keyLabel)
	if err != nil {
		return nil, err
	}

	p11 := s.lib.ctx
	err = p11.SignInit(s.handle, []*pkcs11.Mechanism{pkcs11.NewMechanism(mechanism, nil)}, key)
	if err != nil {
		return nil, Classify(errors.WithMessage(err, "sign init"))
	}

	sig, err := p11.Sign(s.handle, digest)
	if err != nil {
		return nil, Classify(errors.WithMessage(err, "sign"))
	}
	return sig, nil
}
