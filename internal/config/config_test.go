package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cleanroom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, "provider: local\nmax_workers: 4\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, KindLocal, cfg.Provider)
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, "qemu:///system", cfg.Libvirt.URI)
	assert.Equal(t, "default", cfg.Libvirt.Network)
}

func TestLoadLibvirt(t *testing.T) {
	path := writeConfig(t, `
provider: libvirt
libvirt:
  uri: qemu+ssh://lab/system
  network: cleanroom
  base_dir: /srv/cleanroom/run
images:
  jammy: jammy-server-cloudimg-amd64.qcow2
preserve: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, KindLibvirt, cfg.Provider)
	assert.Equal(t, "qemu+ssh://lab/system", cfg.Libvirt.URI)
	assert.Equal(t, "cleanroom", cfg.Libvirt.Network)
	assert.Equal(t, "/srv/cleanroom/run", cfg.Libvirt.BaseDir)
	assert.True(t, cfg.Preserve)
	assert.Equal(t, "jammy-server-cloudimg-amd64.qcow2", cfg.Image("jammy"))
}

func TestImagePassesUnknownAliasThrough(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "noble", cfg.Image("noble"))
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	path := writeConfig(t, "provider: vmware\n")

	_, err := Load(path)
	assert.ErrorContains(t, err, `unknown provider kind "vmware"`)
}

func TestValidateRequiresLibvirtNetwork(t *testing.T) {
	path := writeConfig(t, "provider: libvirt\nlibvirt:\n  network: \"\"\n")

	_, err := Load(path)
	assert.ErrorContains(t, err, "libvirt.network is required")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
