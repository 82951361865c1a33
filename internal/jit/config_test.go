package jit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/sumjit/internal/target"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
target: x86_64-unknown-linux-gnu
optimizationLevel: 2
enableDebugListener: true
enablePerfListener: false
objectDumpDirectory: .
`))
	require.NoError(t, err)
	require.Equal(t, Config{
		Target:              "x86_64-unknown-linux-gnu",
		OptimizationLevel:   2,
		EnableDebugListener: true,
		ObjectDumpDirectory: ".",
	}, cfg)
}

func TestParseEmptyConfig(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	require.Equal(t, Config{}, cfg)
}

func TestConfigRejectsUnknownField(t *testing.T) {
	_, err := ParseConfig([]byte("optimisationLevel: 2\n"))
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	require.Contains(t, err.Error(), "optimisationLevel")
}

func TestConfigRejectsBadLevel(t *testing.T) {
	_, err := ParseConfig([]byte("optimizationLevel: 4\n"))
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
}

func TestConfigRoundTrip(t *testing.T) {
	want := Config{
		Target:             "host",
		OptimizationLevel:  3,
		EnablePerfListener: true,
		PerfMapDirectory:   "/tmp/perf",
	}
	data, err := MarshalConfig(want)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "jit.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	got, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, target.HostTripleName, cfg.Target)
	require.Equal(t, os.TempDir(), cfg.PerfMapDirectory)
}

func TestNewRejectsForeignTarget(t *testing.T) {
	foreign := "aarch64-unknown-linux-gnu"
	if target.Host().Arch == target.ArchARM64 {
		foreign = "x86_64-unknown-linux-gnu"
	}
	_, err := New(Config{Target: foreign})
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
}

func TestNewRejectsMalformedTarget(t *testing.T) {
	_, err := New(Config{Target: "sparc"})
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{OptimizationLevel: -1})
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
}
