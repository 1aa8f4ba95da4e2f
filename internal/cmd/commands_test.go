// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	dErrors "github.com/dotandev/deobf/internal/errors"
	"github.com/dotandev/deobf/internal/shutdown"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mixedListing = `
.class a/Mixed
.method first ()I static
  bipush 7
  iconst_2
  ixor
  ireturn
.end
.method broken ()I static
  iconst_1
  iadd
  ireturn
.end
`

func writeListing(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.jasm")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))
	return path
}

// resetFlags restores command flag variables that an earlier Execute in
// this process may have set.
func resetFlags() {
	foldOutputFlag, foldClassVersionFlag, foldStaticOwnersFlag, foldProfileFlag = "", "", "", ""
	foldNoCacheFlag, foldQuietFlag, foldNoPruneFlag, foldCopyFlag = false, false, false, false
	analyzeMethodFlag = ""
	catalogVerboseFlag = false
	configForceFlag = false
	ConfigFlag = ""
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	resetFlags()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DEOBF_CACHE_PATH", filepath.Join(t.TempDir(), "oracle.db"))

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(bytes.NewReader(nil))
	rootCmd.SetArgs(append(args, "--no-color"))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestFoldReportsFailureAndKeepsOtherMethods(t *testing.T) {
	path := writeListing(t, mixedListing)

	out, errOut, err := execute(t, "fold", path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dErrors.ErrAnalysis))

	assert.Contains(t, out, ".method first ()I static\n.locals 0\n  iconst_5\n  ireturn\n.end\n")
	assert.Contains(t, out, "  iconst_1\n  iadd\n  ireturn\n")
	assert.Contains(t, errOut, "folded")
	assert.Contains(t, errOut, "a/Mixed.broken()I")
	assert.Contains(t, errOut, "1 folded, 0 unchanged, 1 failed")
}

func TestFoldWritesOutputFile(t *testing.T) {
	path := writeListing(t, `
.class a/Ok
.method f ()I static
  iconst_3
  iconst_4
  imul
  ireturn
.end
`)
	dest := filepath.Join(t.TempDir(), "out.jasm")

	out, _, err := execute(t, "fold", path, "-o", dest, "--no-cache")
	require.NoError(t, err)
	assert.Empty(t, out)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(data), "  bipush 12\n  ireturn\n")
}

func TestAnalyzeShowsConstantOperands(t *testing.T) {
	path := writeListing(t, mixedListing)

	out, _, err := execute(t, "analyze", path, "-m", "first")
	require.NoError(t, err)
	assert.Contains(t, out, "a/Mixed.first()I")
	assert.Contains(t, out, "=7")
	assert.NotContains(t, out, "broken")

	_, _, err = execute(t, "analyze", path, "-m", "missing")
	assert.Error(t, err)
}

func TestCatalogListsEveryIdiom(t *testing.T) {
	out, _, err := execute(t, "catalog")
	require.NoError(t, err)
	for _, name := range []string{"xor-switch", "constant-arithmetic", "rethrow-handler", "dead-push"} {
		assert.Contains(t, out, name)
	}
}

func TestCacheStatusAfterFold(t *testing.T) {
	path := writeListing(t, mixedListing)
	cachePath := filepath.Join(t.TempDir(), "oracle.db")

	t.Setenv("HOME", t.TempDir())
	resetFlags()
	hooks = shutdown.NewCoordinator()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	t.Setenv("DEOBF_CACHE_PATH", cachePath)
	rootCmd.SetArgs([]string{"fold", path, "-q", "--no-color"})
	_ = rootCmd.ExecuteContext(context.Background())
	require.NoError(t, hooks.RunWithTimeout(shutdownTimeout))

	out.Reset()
	rootCmd.SetArgs([]string{"cache", "status", "--no-color"})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "Entries: 1")
}

func TestFoldWritesOracleProfile(t *testing.T) {
	path := writeListing(t, mixedListing)
	dest := filepath.Join(t.TempDir(), "oracle.pb.gz")

	_, errOut, err := execute(t, "fold", path, "--no-cache", "--oracle-profile", dest)
	require.Error(t, err)
	assert.Contains(t, errOut, "Oracle profile (")

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())
}

func TestConfigInitThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deobf.json")

	out, _, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)

	_, _, err = execute(t, "config", "init", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, os.WriteFile(path, []byte(`{"max_passes": 3, "workers": 2}`), 0o600))
	out, _, err = execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "MaxPasses: 3")
	assert.Contains(t, out, "Workers: 2")
}

func TestFoldCopiesPlainListing(t *testing.T) {
	var copied string
	orig := copyToClipboard
	copyToClipboard = func(s string) error { copied = s; return nil }
	t.Cleanup(func() { copyToClipboard = orig })

	path := writeListing(t, `
.class a/K
.method k ()I static
  bipush 7
  iconst_2
  ixor
  ireturn
.end
`)
	out, errOut, err := execute(t, "fold", path, "--copy")
	require.NoError(t, err)
	assert.Equal(t, out, copied)
	assert.Contains(t, copied, "iconst_5")
	assert.Contains(t, errOut, "copied to clipboard")

	copyToClipboard = func(string) error { return errors.New("no clipboard") }
	_, _, err = execute(t, "fold", path, "--copy")
	assert.NoError(t, err)
}
