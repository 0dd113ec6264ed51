package p11token

import "github.com/miekg/pkcs11"

// Ctx is the subset of pkcs11.Ctx used by this package,
// so that session and signing logic can be mocked out for testing.
type Ctx interface {
	Destroy()
	Initialize(opts ...pkcs11.InitializeOption) error
	Finalize() error
	GetInfo() (pkcs11.Info, error)
	GetSlotList(tokenPresent bool) ([]uint, error)
	GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
}

var _ Ctx = (*pkcs11.Ctx)(nil)

// CtxLoader creates a Ctx for the given module path.
type CtxLoader func(module string) Ctx

// DefaultLoader loads the module with miekg/pkcs11.
// It returns nil when the shared library cannot be loaded,
// for example on a 32/64-bit architecture mismatch.
func DefaultLoader(module string) Ctx {
	p := pkcs11.New(module)
	if p == nil {
		return nil
	}
	return p
}
