package tokenprov

import (
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/effective-security/tokensign/p11token"
	"github.com/effective-security/xlog"
)

// ProviderHandle is the located provider module.
// Created once by the locator, immutable thereafter.
type ProviderHandle struct {
	// Path is the module file on disk
	Path string `json:"path"`
	// Arch is the host pointer width the module was probed under
	Arch int `json:"arch"`
	// Verified is set when the capability probe succeeded
	Verified bool `json:"verified"`
}

// ProbeOutcome records the probe result for one candidate path.
type ProbeOutcome struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Error  string `json:"error,omitempty"`
}

// ProbeFunc checks that the module at path loads and exposes token
// functions.
type ProbeFunc func(path string) error

// Locator discovers a working provider module from a prioritized
// candidate list. The first successful probe is cached for the
// process lifetime, Locate is safe for concurrent callers.
type Locator struct {
	candidates []string
	probe      ProbeFunc

	once     sync.Once
	handle   *ProviderHandle
	err      error
	outcomes []ProbeOutcome
}

// NewLocator returns a locator over the candidate module paths.
// A nil probe uses the real PKCS#11 loader.
func NewLocator(candidates []string, probe ProbeFunc) *Locator {
	if probe == nil {
		probe = func(path string) error {
			return p11token.Probe(path, nil)
		}
	}
	return &Locator{
		candidates: candidates,
		probe:      probe,
	}
}

// Locate returns the cached provider handle, probing the candidate
// list on first call. Probe failures advance to the next candidate,
// only an exhausted list returns an error.
func (l *Locator) Locate() (*ProviderHandle, error) {
	l.once.Do(l.locate)
	return l.handle, l.err
}

// Outcomes reports per-candidate probe results for diagnostics,
// running the location pass first if no call has done so yet.
// The returned slice is a copy.
func (l *Locator) Outcomes() []ProbeOutcome {
	l.once.Do(l.locate)
	return append([]ProbeOutcome(nil), l.outcomes...)
}

func (l *Locator) locate() {
	for _, path := range l.candidates {
		if _, err := os.Stat(path); err != nil {
			l.outcomes = append(l.outcomes, ProbeOutcome{Path: path})
			continue
		}

		if err := l.probe(path); err != nil {
			logger.KV(xlog.WARNING, "reason", "probe", "module", path, "err", err.Error())
			l.outcomes = append(l.outcomes, ProbeOutcome{
				Path:   path,
				Exists: true,
				Error:  err.Error(),
			})
			continue
		}

		logger.KV(xlog.INFO, "status", "located", "module", path)
		l.outcomes = append(l.outcomes, ProbeOutcome{Path: path, Exists: true})
		l.handle = &ProviderHandle{
			Path:     path,
			Arch:     strconv.IntSize,
			Verified: true,
		}
		return
	}

	l.err = p11token.Errorf(p11token.KindNoProviderFound,
		"no provider module found, probed %d candidates", len(l.candidates))
}

// DefaultCandidates returns the platform module search list,
// vendor-specific libraries before the generic OpenSC one.
func DefaultCandidates() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			`C:\Windows\System32\eTPKCS11.dll`,
			`C:\Windows\System32\bit4xpki.dll`,
			`C:\Windows\System32\asepkcs.dll`,
			`C:\Program Files\OpenSC Project\OpenSC\pkcs11\opensc-pkcs11.dll`,
		}
	case "darwin":
		return []string{
			"/usr/local/lib/libeToken.dylib",
			"/Library/OpenSC/lib/opensc-pkcs11.so",
			"/usr/local/lib/opensc-pkcs11.so",
		}
	default:
		return []string{
			"/usr/lib/libeToken.so",
			"/usr/lib/pkcs11/libeToken.so",
			"/usr/lib/libbit4xpki.so",
			"/usr/lib/x86_64-linux-gnu/opensc-pkcs11.so",
			"/usr/lib/opensc-pkcs11.so",
			"/usr/local/lib/opensc-pkcs11.so",
		}
	}
}
