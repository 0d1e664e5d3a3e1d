package conf

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfigPathsIncludesHomeDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	paths, err := GetDefaultConfigPaths()
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	if runtime.GOOS == "windows" {
		assert.Contains(t, paths[1], "AppData")
	} else {
		assert.Equal(t, filepath.Join(home, ".config", "screamrouter"), paths[0])
		assert.Equal(t, "/etc/screamrouter", paths[1])
	}
}

func TestGetBasePathCreatesMissingDirectory(t *testing.T) {
	base := filepath.Join(t.TempDir(), "nested", "dir")
	got := GetBasePath(base)

	assert.Equal(t, filepath.Clean(base), got)
	info, err := os.Stat(got)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRunningInContainerDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() { RunningInContainer() })
}
