package cli

import (
	"bytes"
	"testing"

	"github.com/effective-security/tokensign/tokenprov"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_WriteJSON(t *testing.T) {
	out := bytes.NewBuffer([]byte{})
	c := new(Cli).WithWriter(out)

	err := c.WriteJSON(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": \"x\",\n  \"b\": 1\n}\n", out.String())
}

func Test_ResolvePin(t *testing.T) {
	t.Setenv(tokenprov.EnvPin, "")
	t.Setenv(tokenprov.EnvModule, "")

	c := new(Cli)
	pin, err := c.ResolvePin("1234")
	require.NoError(t, err)
	assert.Equal(t, "1234", pin)

	_, err = c.ResolvePin("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PIN is required")
}
