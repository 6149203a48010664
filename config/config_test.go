package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "decomp.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, "[decomp]\nBoxSize = 100\n")
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 100.0, c.Decomp.BoxSize)
	assert.Equal(t, 1, c.Decomp.OverDecomp)
	assert.Equal(t, int64(1<<24), c.Decomp.MaxPart)
	assert.Equal(t, 100, c.Decomp.MaxShedIterations)
}

func TestLoadRejectsMissingBoxSize(t *testing.T) {
	path := writeConfig(t, "[decomp]\nOverDecomp = 2\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidOverDecomp(t *testing.T) {
	path := writeConfig(t, "[decomp]\nBoxSize = 100\nOverDecomp = 0\n")
	// OverDecomp = 0 is treated as unset and defaulted, so use a
	// negative value via a direct CheckInit call instead.
	c := &DecompConfig{}
	c.Decomp.BoxSize = 100
	c.Decomp.OverDecomp = -1
	err := c.CheckInit()
	assert.Error(t, err)
	_ = path
}

func TestLoadHonorsEnvironmentOverlay(t *testing.T) {
	path := writeConfig(t, "[decomp]\nBoxSize = 100\nMaxPart = 1000\n")
	t.Setenv("NBODYDOMAIN_DECOMP_MAXPART", "5000")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), c.Decomp.MaxPart)
}
