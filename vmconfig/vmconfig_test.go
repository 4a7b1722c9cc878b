package vmconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesCompiledInConstants(t *testing.T) {
	c := Default()
	require.Equal(t, 128, c.PerCPU.Min)
	require.Equal(t, 256, c.PerCPU.Target)
	require.Equal(t, 384, c.PerCPU.Max)
	require.Equal(t, 256, c.AddrLock.BucketCount)
	require.Equal(t, uint16(5), c.ActInit)
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), c)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vm.yaml")
	yaml := "percpu:\n  min: 64\n  target: 128\n  max: 192\ndomains:\n  count: 4\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 64, c.PerCPU.Min)
	require.Equal(t, 128, c.PerCPU.Target)
	require.Equal(t, 192, c.PerCPU.Max)
	require.Equal(t, 4, c.Domains.Count)
	// Untouched fields keep their compiled-in default.
	require.Equal(t, uint64(64), c.Reserves.Reserved)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/path/vm.yaml")
	require.Error(t, err)
}

func TestParseBlacklistCommaAndSpaceSeparated(t *testing.T) {
	addrs, err := ParseBlacklist("0x1000, 0x2000  0x3000")
	require.NoError(t, err)
	require.Equal(t, []uint64{0x1000, 0x2000, 0x3000}, addrs)
}

func TestParseBlacklistEmptyIsNil(t *testing.T) {
	addrs, err := ParseBlacklist("   ")
	require.NoError(t, err)
	require.Nil(t, addrs)
}

func TestParseBlacklistBadEntryAbortsWhole(t *testing.T) {
	_, err := ParseBlacklist("0x1000, notanumber, 0x2000")
	require.ErrorIs(t, err, ErrBadBlacklistEntry)
}

func TestConfigStringIncludesKeyFields(t *testing.T) {
	s := Default().String()
	require.Contains(t, s, "percpu(min=128")
	require.Contains(t, s, "domains(count=1")
}
