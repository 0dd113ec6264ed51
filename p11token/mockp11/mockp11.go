// Package mockp11 is an in-memory software token implementing the
// p11token.Ctx surface, used to exercise session, catalog and signing
// logic without hardware.
package mockp11

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"
)

// Object is one token object, a certificate or a private key.
type Object struct {
	Handle pkcs11.ObjectHandle
	Class  uint
	Label  string
	ID     []byte
	Value  []byte
	Key    *rsa.PrivateKey
}

// Token is the software token state.
type Token struct {
	Pin          string
	Label        string
	Manufacturer string
	Model        string
	Serial       string
	Key          *rsa.PrivateKey
	Cert         *x509.Certificate
	Objects      []*Object
}

// NewSoftToken generates an RSA key pair with a self-signed
// certificate and exposes both as token objects.
func NewSoftToken(pin, label string) (*Token, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: label},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &Token{
		Pin:          pin,
		Label:        label,
		Manufacturer: "mockp11",
		Model:        "soft-token",
		Serial:       "12345678",
		Key:          key,
		Cert:         cert,
		Objects: []*Object{
			{
				Handle: 1,
				Class:  pkcs11.CKO_CERTIFICATE,
				Label:  label,
				ID:     []byte{0x01},
				Value:  der,
			},
			{
				Handle: 2,
				Class:  pkcs11.CKO_PRIVATE_KEY,
				Label:  label,
				ID:     []byte{0x01},
				Key:    key,
			},
		},
	}, nil
}

type session struct {
	loggedIn   bool
	found      []pkcs11.ObjectHandle
	findActive bool
	signKey    *Object
	signMech   uint
}

// Ctx is a software implementation of the PKCS#11 context.
// Failure injection fields steer specific provider behaviors.
type Ctx struct {
	// Absent makes the slot list empty
	Absent bool
	// BusyOnOpen fails OpenSession with CKR_SESSION_COUNT
	BusyOnOpen bool
	// SignErr overrides the Sign result
	SignErr error
	// EmptySignature makes Sign return zero bytes
	EmptySignature bool
	// InitErr fails Initialize, as a module probe would on a broken lib
	InitErr error
	// AttrErr fails GetAttributeValue for the listed attribute types
	AttrErr map[uint]error
	// OpenDelay stalls OpenSession, simulating stuck hardware
	OpenDelay time.Duration

	// Counters for teardown assertions
	OpenCount   int
	CloseCount  int
	LoginCount  int
	LogoutCount int
	SignCount   int

	mu          sync.Mutex
	token       *Token
	initialized bool
	nextSession pkcs11.SessionHandle
	sessions    map[pkcs11.SessionHandle]*session
}

// New returns a context over the given token.
func New(token *Token) *Ctx {
	return &Ctx{
		token:    token,
		sessions: map[pkcs11.SessionHandle]*session{},
	}
}

// Destroy implements Ctx
func (c *Ctx) Destroy() {}

// Initialize implements Ctx
func (c *Ctx) Initialize(opts ...pkcs11.InitializeOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.InitErr != nil {
		return c.InitErr
	}
	c.initialized = true
	return nil
}

// Finalize implements Ctx
func (c *Ctx) Finalize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = false
	return nil
}

// GetInfo implements Ctx
func (c *Ctx) GetInfo() (pkcs11.Info, error) {
	return pkcs11.Info{
		ManufacturerID:     "mockp11",
		LibraryDescription: "software token",
	}, nil
}

// GetSlotList implements Ctx
func (c *Ctx) GetSlotList(tokenPresent bool) ([]uint, error) {
	if c.Absent || c.token == nil {
		return []uint{}, nil
	}
	return []uint{0}, nil
}

// GetSlotInfo implements Ctx
func (c *Ctx) GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error) {
	return pkcs11.SlotInfo{
		SlotDescription: "mock slot",
		ManufacturerID:  "mockp11",
	}, nil
}

// GetTokenInfo implements Ctx
func (c *Ctx) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	if c.Absent || c.token == nil {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_TOKEN_NOT_PRESENT)
	}
	return pkcs11.TokenInfo{
		Label:          c.token.Label,
		ManufacturerID: c.token.Manufacturer,
		Model:          c.token.Model,
		SerialNumber:   c.token.Serial,
	}, nil
}

// OpenSession implements Ctx
func (c *Ctx) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	if c.OpenDelay > 0 {
		time.Sleep(c.OpenDelay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.BusyOnOpen {
		return 0, pkcs11.Error(pkcs11.CKR_SESSION_COUNT)
	}
	c.OpenCount++
	c.nextSession++
	sh := c.nextSession
	c.sessions[sh] = &session{}
	return sh, nil
}

// CloseSession implements Ctx
func (c *Ctx) CloseSession(sh pkcs11.SessionHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[sh]; !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	c.CloseCount++
	delete(c.sessions, sh)
	return nil
}

// Login implements Ctx
func (c *Ctx) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	c.LoginCount++
	if c.token == nil || pin != c.token.Pin {
		return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
	}
	s.loggedIn = true
	return nil
}

// Logout implements Ctx
func (c *Ctx) Logout(sh pkcs11.SessionHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	c.LogoutCount++
	s.loggedIn = false
	return nil
}

// FindObjectsInit implements Ctx
func (c *Ctx) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}

	s.found = nil
	for _, obj := range c.token.Objects {
		if matches(obj, temp) {
			s.found = append(s.found, obj.Handle)
		}
	}
	s.findActive = true
	return nil
}

// FindObjects implements Ctx
func (c *Ctx) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sh]
	if !ok || !s.findActive {
		return nil, false, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}

	n := len(s.found)
	if n > max {
		n = max
	}
	batch := s.found[:n]
	s.found = s.found[n:]
	return batch, len(s.found) > 0, nil
}

// FindObjectsFinal implements Ctx
func (c *Ctx) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	s.found = nil
	s.findActive = false
	return nil
}

// GetAttributeValue implements Ctx.
// Missing attributes are returned empty rather than failing, the
// catalog is expected to tolerate partial objects.
func (c *Ctx) GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj := c.object(o)
	if obj == nil {
		return nil, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}

	out := make([]*pkcs11.Attribute, 0, len(a))
	for _, attr := range a {
		if err, ok := c.AttrErr[attr.Type]; ok {
			return nil, err
		}
		v := []byte{}
		switch attr.Type {
		case pkcs11.CKA_VALUE:
			v = obj.Value
		case pkcs11.CKA_LABEL:
			v = []byte(obj.Label)
		case pkcs11.CKA_ID:
			v = obj.ID
		}
		out = append(out, pkcs11.NewAttribute(attr.Type, v))
	}
	return out, nil
}

// SignInit implements Ctx
func (c *Ctx) SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	obj := c.object(o)
	if obj == nil || obj.Key == nil {
		return pkcs11.Error(pkcs11.CKR_KEY_HANDLE_INVALID)
	}
	if !s.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	s.signKey = obj
	s.signMech = m[0].Mechanism
	return nil
}

// Sign implements Ctx
func (c *Ctx) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sh]
	if !ok || s.signKey == nil {
		return nil, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	key := s.signKey.Key
	mech := s.signMech
	s.signKey = nil
	c.SignCount++

	if c.SignErr != nil {
		return nil, c.SignErr
	}
	if c.EmptySignature {
		return []byte{}, nil
	}

	switch mech {
	case pkcs11.CKM_SHA256_RSA_PKCS:
		digest := sha256.Sum256(message)
		return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	case pkcs11.CKM_RSA_PKCS:
		// raw padding: the caller supplies the DigestInfo framing
		return rsa.SignPKCS1v15(rand.Reader, key, 0, message)
	}
	return nil, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
}

func (c *Ctx) object(o pkcs11.ObjectHandle) *Object {
	for _, obj := range c.token.Objects {
		if obj.Handle == o {
			return obj
		}
	}
	return nil
}

func matches(obj *Object, temp []*pkcs11.Attribute) bool {
	for _, attr := range temp {
		switch attr.Type {
		case pkcs11.CKA_CLASS:
			if decodeUlong(attr.Value) != obj.Class {
				return false
			}
		case pkcs11.CKA_LABEL:
			if string(attr.Value) != obj.Label {
				return false
			}
		}
	}
	return true
}

// decodeUlong reads a platform-endian CK_ULONG attribute value.
func decodeUlong(b []byte) uint {
	var v uint
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint(b[i])
	}
	return v
}
