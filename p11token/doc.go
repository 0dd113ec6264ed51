// Package p11token provides access to PKCS#11 cryptographic tokens
// such as USB signing sticks and smart cards.
//
// The package wraps github.com/miekg/pkcs11 behind a narrow Ctx
// interface so the session logic can be exercised without hardware.
// It implements:
//   - Module load/unload with a capability probe
//   - Scoped, per-request authenticated sessions
//   - Certificate object discovery
//   - Digest signing under a caller-specified mechanism
//   - Classification of provider errors into typed kinds
//
// Sessions are never shared or pooled: every operation runs a fresh
// Open -> Login -> operate -> Logout -> Close cycle and releases the
// session on every exit path.
package p11token
