package tokenprov_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/effective-security/tokensign/tokenprov"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_LoadConfigYamlAndJSON(t *testing.T) {
	dir := t.TempDir()

	yamlFile := filepath.Join(dir, "token.yaml")
	err := os.WriteFile(yamlFile, []byte(`
module: /usr/lib/libeToken.so
token_label: SIGN
pin: "1234"
roles:
  intermediary:
    mechanism: RSA-PKCS
    key_label: agent
`), 0644)
	require.NoError(t, err)

	jsonFile := filepath.Join(dir, "token.json")
	err = os.WriteFile(jsonFile, []byte(`{
  "Module": "/usr/lib/libeToken.so",
  "TokenLabel": "SIGN",
  "Pin": "1234",
  "Roles": {"intermediary": {"Mechanism": "RSA-PKCS", "KeyLabel": "agent"}}
}`), 0644)
	require.NoError(t, err)

	c1, err := tokenprov.LoadConfig(yamlFile)
	require.NoError(t, err)
	c2, err := tokenprov.LoadConfig(jsonFile)
	require.NoError(t, err)
	assert.Equal(t, c1, c2)

	assert.Equal(t, "/usr/lib/libeToken.so", c1.Module)
	assert.Equal(t, "agent", c1.Roles["intermediary"].KeyLabel)
}

func Test_LoadConfigPinFile(t *testing.T) {
	dir := t.TempDir()

	err := os.WriteFile(filepath.Join(dir, "pin.txt"), []byte("654321\n"), 0600)
	require.NoError(t, err)

	cfgFile := filepath.Join(dir, "token.yaml")
	err = os.WriteFile(cfgFile, []byte("pin: file:pin.txt\n"), 0644)
	require.NoError(t, err)

	cfg, err := tokenprov.LoadConfig(cfgFile)
	require.NoError(t, err)
	assert.Equal(t, "654321", cfg.Pin)
}

func Test_LoadConfigEnvOverride(t *testing.T) {
	t.Setenv(tokenprov.EnvModule, "/opt/custom/libp11.so")
	t.Setenv(tokenprov.EnvPin, "9999")

	cfg, err := tokenprov.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/opt/custom/libp11.so", cfg.Module)
	assert.Equal(t, "9999", cfg.Pin)

	// the pinned module probes first
	candidates := cfg.Candidates()
	require.NotEmpty(t, candidates)
	assert.Equal(t, "/opt/custom/libp11.so", candidates[0])
}

func Test_LoadConfigMissingFile(t *testing.T) {
	_, err := tokenprov.LoadConfig("/nonexistent/token.yaml")
	assert.Error(t, err)
}
