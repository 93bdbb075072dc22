package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shenjiangwei/kalloc/kalloc"
	"github.com/shenjiangwei/kalloc/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kalloc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, kalloc.DefaultConfig().PhysicalMemory, cfg.Kalloc.PhysicalMemory)
	assert.Equal(t, kalloc.DefaultConfig().PageSize, cfg.Kalloc.PageSize)
	assert.Equal(t, kalloc.DefaultConfig().KernelMapBase, cfg.Kalloc.KernelMapBase)
	assert.Equal(t, kalloc.DefaultConfig().KernelMapSize, cfg.Kalloc.KernelMapSize)
	assert.Equal(t, kalloc.ProfileTuned, cfg.Kalloc.Profile)
	assert.Empty(t, cfg.Kalloc.Sizes)
	assert.Equal(t, logger.LogLevelInfo, cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:7070", cfg.Listen)

	_, err = kalloc.New(cfg.Kalloc)
	require.NoError(t, err)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
physical_memory: 2GiB
page_size: 16KiB
constrained_address_space: true
profile: pow2
kernel_map:
  base: "0x100000000"
  size: 4GiB
log_level: debug
serve:
  listen: ":0"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	k := cfg.Kalloc
	assert.Equal(t, uint64(2<<30), k.PhysicalMemory)
	assert.Equal(t, uint64(16<<10), k.PageSize)
	assert.True(t, k.ConstrainedAddressSpace)
	assert.Equal(t, kalloc.ProfilePow2, k.Profile)
	assert.Equal(t, uint64(0x100000000), k.KernelMapBase)
	assert.Equal(t, uint64(4<<30), k.KernelMapSize)
	assert.Equal(t, logger.LogLevelDebug, cfg.LogLevel)
	assert.Equal(t, ":0", cfg.Listen)

	a, err := kalloc.New(k)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), a.Alignment())
	assert.Equal(t, uint64(64<<20), a.LargeMap().Size())
}

func TestLoadCustomTable(t *testing.T) {
	path := writeConfig(t, `
alignment: 64
sizes: [64, 256, 1KiB, 8KiB]
maxima: [16, 16, 16, 16]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []uint64{64, 256, 1024, 8192}, cfg.Kalloc.Sizes)
	assert.Equal(t, []uint64{16, 16, 16, 16}, cfg.Kalloc.Maxima)
	assert.Equal(t, uint64(64), cfg.Kalloc.Alignment)

	a, err := kalloc.New(cfg.Kalloc)
	require.NoError(t, err)
	assert.Len(t, a.Zones(), 4)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("KALLOC_PAGE_SIZE", "64KiB")
	t.Setenv("KALLOC_KERNEL_MAP_SIZE", "1GiB")
	t.Setenv("KALLOC_LOG_LEVEL", "warning")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint64(64<<10), cfg.Kalloc.PageSize)
	assert.Equal(t, uint64(1<<30), cfg.Kalloc.KernelMapSize)
	assert.Equal(t, logger.LogLevelWarning, cfg.LogLevel)
}

func TestLoadHost(t *testing.T) {
	if _, err := HostPhysicalMemory(); err != nil {
		t.Skipf("no host memory detection: %v", err)
	}
	t.Setenv("KALLOC_PHYSICAL_MEMORY", "auto")
	t.Setenv("KALLOC_PAGE_SIZE", "auto")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.NotZero(t, cfg.Kalloc.PhysicalMemory)
	pageSize, err := HostPageSize()
	require.NoError(t, err)
	assert.Equal(t, pageSize, cfg.Kalloc.PageSize)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad bytes", "physical_memory: lots\n"},
		{"bad base", "kernel_map:\n  base: nowhere\n"},
		{"bad maxima", "maxima: [1KiB]\n"},
		{"bad level", "log_level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	for name, want := range map[string]logger.LogLevel{
		"none":  logger.LogLevelNone,
		"Error": logger.LogLevelError,
		"warn":  logger.LogLevelWarning,
		"DEBUG": logger.LogLevelDebug,
	} {
		got, err := ParseLogLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
}
