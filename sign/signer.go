package sign

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/tokensign/metricskey"
	"github.com/effective-security/tokensign/p11token"
	"github.com/effective-security/tokensign/tokenprov"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
	"github.com/ugorji/go/codec"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/tokensign", "sign")

// Role tags one signature in a submission.
type Role string

// Signing roles
const (
	RoleTaxpayer     Role = "taxpayer"
	RoleIntermediary Role = "intermediary"
)

// Mechanism names accepted in configuration.
const (
	MechSHA256RSA = "SHA256-RSA-PKCS"
	MechRSAPKCS   = "RSA-PKCS"
	MechECDSA     = "ECDSA"
)

var mechanisms = map[string]uint{
	MechSHA256RSA: pkcs11.CKM_SHA256_RSA_PKCS,
	MechRSAPKCS:   pkcs11.CKM_RSA_PKCS,
	MechECDSA:     pkcs11.CKM_ECDSA,
}

// sha256DigestInfo is the DER DigestInfo header for a SHA-256 hash.
// Raw CKM_RSA_PKCS applies PKCS#1 v1.5 padding but no hash framing,
// so the header must be prepended for the signature to verify.
var sha256DigestInfo = []byte{
	0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01,
	0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20,
}

// defaultRoles are used when the configuration does not override a
// role. The intermediary key selection is a configuration point, by
// default it signs with the same key as the taxpayer role.
var defaultRoles = map[Role]tokenprov.RoleConfig{
	RoleTaxpayer:     {Mechanism: MechSHA256RSA},
	RoleIntermediary: {Mechanism: MechRSAPKCS},
}

// Result is the outcome of one signing cycle.
type Result struct {
	Type      Role      `json:"type"`
	Mechanism string    `json:"mechanism"`
	Signature string    `json:"signature"`
	SignedAt  time.Time `json:"signed_at"`
}

// jsonCanonicalHandle serializes payloads with sorted map keys, so
// the digest is stable across requests and processes.
var jsonCanonicalHandle codec.JsonHandle

func init() {
	jsonCanonicalHandle.BasicHandle.EncodeOptions.Canonical = true
}

// CanonicalJSON serializes v deterministically.
func CanonicalJSON(v any) ([]byte, error) {
	var b []byte
	err := codec.NewEncoderBytes(&b, &jsonCanonicalHandle).Encode(v)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to encode payload")
	}
	return b, nil
}

// Signer executes signing cycles against an authenticated session.
type Signer struct {
	dir   string
	roles map[Role]tokenprov.RoleConfig
}

// NewSigner returns a signer writing artifacts to dir.
// Role configuration falls back to defaults per role.
func NewSigner(dir string, roles map[string]tokenprov.RoleConfig) (*Signer, error) {
	dir, err := EnsureArtifactDir(dir)
	if err != nil {
		return nil, err
	}

	merged := map[Role]tokenprov.RoleConfig{}
	for role, def := range defaultRoles {
		merged[role] = def
	}
	for name, rc := range roles {
		role := Role(name)
		if _, ok := merged[role]; !ok {
			return nil, errors.Errorf("unknown role: %s", name)
		}
		if rc.Mechanism == "" {
			rc.Mechanism = merged[role].Mechanism
		}
		if _, ok := mechanisms[rc.Mechanism]; !ok {
			return nil, errors.Errorf("unknown mechanism for role %s: %s", name, rc.Mechanism)
		}
		merged[role] = rc
	}

	return &Signer{
		dir:   dir,
		roles: merged,
	}, nil
}

// ArtifactDir returns the artifact directory.
func (s *Signer) ArtifactDir() string {
	return s.dir
}

// Roles returns the roles required by the submission type:
// taxpayer always, intermediary additionally when requested.
func Roles(submissionType string) ([]Role, error) {
	switch Role(submissionType) {
	case RoleTaxpayer, "":
		return []Role{RoleTaxpayer}, nil
	case RoleIntermediary:
		return []Role{RoleTaxpayer, RoleIntermediary}, nil
	}
	return nil, errors.Errorf("unsupported submission type: %q", submissionType)
}

// Sign serializes payload once and runs an independent signing cycle
// for every role required by submissionType.
func (s *Signer) Sign(sess *p11token.Session, payload any, submissionType string) ([]Result, error) {
	roles, err := Roles(submissionType)
	if err != nil {
		return nil, err
	}

	canon, err := CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(roles))
	for _, role := range roles {
		res, err := s.signRole(sess, canon, role)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// signRole runs one digest-artifact-sign-validate cycle.
// Artifacts are removed on every exit path.
func (s *Signer) signRole(sess *p11token.Session, canon []byte, role Role) (Result, error) {
	rc := s.roles[role]
	defer metricskey.PerfSignRequest.MeasureSince(time.Now(), string(role), rc.Mechanism)

	mech := mechanisms[rc.Mechanism]
	digest := sha256.Sum256(canon)

	toSign := digest[:]
	if mech == pkcs11.CKM_RSA_PKCS {
		toSign = append(append([]byte{}, sha256DigestInfo...), digest[:]...)
	}

	digestArt, err := newArtifact(s.dir, string(role), "digest", toSign)
	if err != nil {
		return Result{}, err
	}
	defer digestArt.Remove()

	raw, err := sess.SignDigest(toSign, mech, rc.KeyLabel)
	if err != nil {
		return Result{}, err
	}

	sigArt, err := newArtifact(s.dir, string(role), "sig", raw)
	if err != nil {
		return Result{}, err
	}
	defer sigArt.Remove()

	encoded, err := validate(raw)
	if err != nil {
		logger.KV(xlog.ERROR, "reason", "signature_validation", "role", role, "err", err.Error())
		return Result{}, err
	}

	return Result{
		Type:      role,
		Mechanism: rc.Mechanism,
		Signature: encoded,
		SignedAt:  time.Now().UTC(),
	}, nil
}

// validate rejects empty or transport-corrupt signatures.
// A failure here is a hard error, a corrupt signature is never
// returned to the caller as successful.
func validate(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", p11token.Errorf(p11token.KindSignatureInvalid, "provider returned empty signature")
	}

	encoded := base64.StdEncoding.EncodeToString(raw)
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || !bytes.Equal(decoded, raw) {
		return "", p11token.Errorf(p11token.KindSignatureInvalid, "signature failed transport encoding round-trip")
	}
	return encoded, nil
}
