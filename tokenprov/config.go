package tokenprov

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"gopkg.in/yaml.v3"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/tokensign", "tokenprov")

// Environment overrides for the module path and PIN.
const (
	EnvModule = "TOKENSIGN_MODULE"
	EnvPin    = "TOKENSIGN_PIN"
)

// RoleConfig selects the mechanism and key for one signing role.
// An empty KeyLabel uses the first private key on the token.
type RoleConfig struct {
	Mechanism string `json:"Mechanism" yaml:"mechanism"`
	KeyLabel  string `json:"KeyLabel"  yaml:"key_label"`
}

// Config holds the token and service configuration.
//
// A module may be pinned with Module, otherwise the locator probes
// Modules followed by the platform defaults. If Pin is prefixed with
// `file:`, it is loaded from the file.
type Config struct {
	Module      string                `json:"Module"      yaml:"module"`
	Modules     []string              `json:"Modules"     yaml:"modules"`
	TokenLabel  string                `json:"TokenLabel"  yaml:"token_label"`
	TokenSerial string                `json:"TokenSerial" yaml:"token_serial"`
	Pin         string                `json:"Pin"         yaml:"pin"`
	ArtifactDir string                `json:"ArtifactDir" yaml:"artifact_dir"`
	ListenAddr  string                `json:"ListenAddr"  yaml:"listen_addr"`
	Roles       map[string]RoleConfig `json:"Roles"       yaml:"roles"`
}

// LoadConfig loads token configuration from a YAML or JSON file.
// Environment overrides are applied after the file is decoded.
func LoadConfig(filename string) (*Config, error) {
	cfg := new(Config)
	if filename != "" {
		f, err := os.Open(filename)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		defer f.Close()

		if strings.HasSuffix(filename, ".json") {
			err = json.NewDecoder(f).Decode(cfg)
		} else {
			err = yaml.NewDecoder(f).Decode(cfg)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to decode file: %s", filename)
		}
	}

	if mod := os.Getenv(EnvModule); mod != "" {
		cfg.Module = mod
	}
	if pin := os.Getenv(EnvPin); pin != "" && cfg.Pin == "" {
		cfg.Pin = pin
	}

	if strings.HasPrefix(cfg.Pin, "file:") {
		pinfile := cfg.Pin[5:]
		if !filepath.IsAbs(pinfile) && filename != "" {
			pinfile = filepath.Join(filepath.Dir(filename), pinfile)
		}
		pb, err := os.ReadFile(pinfile)
		if err != nil {
			return nil, errors.WithMessagef(err, "unable to load PIN for configuration: %s", filename)
		}
		cfg.Pin = strings.TrimSpace(string(pb))
	}

	return cfg, nil
}

// Candidates returns the module candidate list for the configuration:
// the pinned module, then configured extras, then platform defaults.
func (c *Config) Candidates() []string {
	var list []string
	if c.Module != "" {
		list = append(list, c.Module)
	}
	list = append(list, c.Modules...)
	return append(list, DefaultCandidates()...)
}
