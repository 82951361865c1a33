package jit

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/sumjit/internal/opt"
	"github.com/tinyrange/sumjit/internal/target"
)

// Config selects the target and the optional behaviour of an Engine. The
// zero value compiles for the host at level 0 with no listeners.
type Config struct {
	// Target is "host" or an explicit triple such as
	// "x86_64-unknown-linux-gnu".
	Target            string `yaml:"target"`
	OptimizationLevel int    `yaml:"optimizationLevel"`

	EnableDebugListener bool `yaml:"enableDebugListener"`
	EnablePerfListener  bool `yaml:"enablePerfListener"`

	// ObjectDumpDirectory receives a relocatable object per ingested
	// module. Empty disables dumping; "." is the working directory.
	ObjectDumpDirectory string `yaml:"objectDumpDirectory"`
	// PerfMapDirectory holds perf-<pid>.map, os.TempDir() when empty.
	PerfMapDirectory string `yaml:"perfMapDirectory"`
}

func (c Config) withDefaults() Config {
	if c.Target == "" {
		c.Target = target.HostTripleName
	}
	if c.PerfMapDirectory == "" {
		c.PerfMapDirectory = os.TempDir()
	}
	return c
}

func (c Config) validate() error {
	if c.OptimizationLevel < 0 || c.OptimizationLevel > opt.MaxLevel {
		return fmt.Errorf("optimization level %d outside 0..%d", c.OptimizationLevel, opt.MaxLevel)
	}
	return nil
}

// LoadConfig reads a YAML configuration. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration. An empty document yields the
// zero Config.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, &ConfigurationError{Reason: "parse config", Err: err}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, &ConfigurationError{Reason: "invalid config", Err: err}
	}
	return cfg, nil
}

// MarshalConfig encodes cfg as YAML.
func MarshalConfig(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}
