package sign

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/guid"
	"github.com/effective-security/xlog"
)

// Artifact is a short-lived file holding a digest to sign or the raw
// signature returned by the provider. Names are unique per call so
// concurrent requests never collide.
type Artifact struct {
	path string
}

// newArtifact writes data to a uniquely named file in dir.
func newArtifact(dir, role, ext string, data []byte) (*Artifact, error) {
	path := filepath.Join(dir, role+"-"+guid.MustCreate()+"."+ext)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, errors.WithMessagef(err, "write artifact: %s", path)
	}
	return &Artifact{path: path}, nil
}

// Path returns the artifact file location.
func (a *Artifact) Path() string {
	return a.path
}

// Remove deletes the artifact file. Safe to call on every exit path.
func (a *Artifact) Remove() {
	if a == nil {
		return
	}
	if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
		logger.KV(xlog.WARNING, "reason", "remove_artifact", "path", a.path, "err", err.Error())
	}
}

// EnsureArtifactDir creates the artifact directory.
// Failure here is the only fatal startup misconfiguration.
func EnsureArtifactDir(dir string) (string, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "tokensign")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", errors.WithMessagef(err, "unable to create artifact dir: %s", dir)
	}
	return dir, nil
}
