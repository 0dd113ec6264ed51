package tokenprov_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/tokensign/p11token"
	"github.com/effective-security/tokensign/tokenprov"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModule(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	err := os.WriteFile(path, []byte("not a real module"), 0644)
	require.NoError(t, err)
	return path
}

func Test_LocateThirdCandidate(t *testing.T) {
	dir := t.TempDir()

	// only the third candidate exists on disk
	candidates := []string{
		filepath.Join(dir, "libvendor.so"),
		filepath.Join(dir, "libvendor2.so"),
		writeModule(t, dir, "opensc-pkcs11.so"),
	}

	var probed []string
	loc := tokenprov.NewLocator(candidates, func(path string) error {
		probed = append(probed, path)
		return nil
	})

	handle, err := loc.Locate()
	require.NoError(t, err)
	assert.Equal(t, candidates[2], handle.Path)
	assert.True(t, handle.Verified)
	assert.NotZero(t, handle.Arch)

	// missing candidates are skipped without probing
	assert.Equal(t, []string{candidates[2]}, probed)

	outcomes := loc.Outcomes()
	require.Len(t, outcomes, 3)
	assert.False(t, outcomes[0].Exists)
	assert.False(t, outcomes[1].Exists)
	assert.True(t, outcomes[2].Exists)
}

func Test_LocateProbeFailureAdvances(t *testing.T) {
	dir := t.TempDir()
	broken := writeModule(t, dir, "lib32bit.so")
	good := writeModule(t, dir, "libworking.so")

	loc := tokenprov.NewLocator([]string{broken, good}, func(path string) error {
		if path == broken {
			return p11token.Errorf(p11token.KindProviderLoadFailed, "wrong ELF class")
		}
		return nil
	})

	handle, err := loc.Locate()
	require.NoError(t, err)
	assert.Equal(t, good, handle.Path)

	outcomes := loc.Outcomes()
	require.Len(t, outcomes, 2)
	assert.Contains(t, outcomes[0].Error, "wrong ELF class")
	assert.Empty(t, outcomes[1].Error)
}

func Test_LocateNoCandidates(t *testing.T) {
	loc := tokenprov.NewLocator([]string{"/nonexistent/a.so", "/nonexistent/b.so"}, nil)

	handle, err := loc.Locate()
	require.Error(t, err)
	assert.Nil(t, handle)
	assert.Equal(t, p11token.KindNoProviderFound, p11token.KindOf(err))
}

func Test_LocateCachedOnce(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, "libtoken.so")

	probes := 0
	loc := tokenprov.NewLocator([]string{path}, func(string) error {
		probes++
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := loc.Locate()
			assert.NoError(t, err)
			assert.Equal(t, path, h.Path)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, probes)
}

func Test_OutcomesLocatesFirst(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, "libtoken.so")

	probes := 0
	loc := tokenprov.NewLocator([]string{path}, func(string) error {
		probes++
		return nil
	})

	// Outcomes before any Locate call runs the location pass itself
	outcomes := loc.Outcomes()
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Exists)
	assert.Equal(t, 1, probes)

	// callers get a copy, not the cached slice
	outcomes[0].Path = "mutated"
	assert.Equal(t, path, loc.Outcomes()[0].Path)
}

func Test_LocateAllProbesFail(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, "libbroken.so")

	loc := tokenprov.NewLocator([]string{path}, func(string) error {
		return errors.Errorf("cannot open shared object")
	})

	_, err := loc.Locate()
	require.Error(t, err)
	assert.Equal(t, p11token.KindNoProviderFound, p11token.KindOf(err))
}

func Test_DefaultCandidates(t *testing.T) {
	list := tokenprov.DefaultCandidates()
	assert.NotEmpty(t, list)
}
