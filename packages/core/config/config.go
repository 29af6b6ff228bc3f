// Package config loads taut settings from the project manifest.
//
// The source of truth is the [tool.taut] table in pyproject.toml, searched
// upward from the start directory. A .taut.yaml next to the manifest can
// override it. CLI flags always win; callers apply them on top.
package config

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config carries the recognized settings.
type Config struct {
	// MaxWorkers caps the number of concurrent test processes. Zero means
	// unset (use the CPU count).
	MaxWorkers int
}

// WarnFunc receives human-readable warnings about ignored configuration.
type WarnFunc func(format string, args ...any)

// recognized keys in [tool.taut] and .taut.yaml
var recognizedKeys = map[string]bool{
	"max_workers": true,
}

// Load finds and parses configuration starting from startDir, walking
// upward until a pyproject.toml is found. Missing files are fine; malformed
// files and unknown keys produce warnings, never errors.
func Load(startDir string, warn WarnFunc) Config {
	if warn == nil {
		warn = func(string, ...any) {}
	}

	dir := startDir
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		dir = filepath.Dir(dir)
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}

	var cfg Config
	for {
		manifest := filepath.Join(dir, "pyproject.toml")
		if _, err := os.Stat(manifest); err == nil {
			cfg = parsePyproject(manifest, warn)
			if override, ok := parseYAMLOverride(filepath.Join(dir, ".taut.yaml"), warn); ok {
				cfg = cfg.merge(override)
			}
			return cfg
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cfg
		}
		dir = parent
	}
}

func (c Config) merge(other Config) Config {
	if other.MaxWorkers > 0 {
		c.MaxWorkers = other.MaxWorkers
	}
	return c
}

func parsePyproject(path string, warn WarnFunc) Config {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		warn("cannot read %s: %v", path, err)
		return cfg
	}

	var doc struct {
		Tool map[string]map[string]any `toml:"tool"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		warn("cannot parse %s: %v", path, err)
		return cfg
	}

	table, ok := doc.Tool["taut"]
	if !ok {
		return cfg
	}
	return fromTable(table, path, warn)
}

func parseYAMLOverride(path string, warn WarnFunc) (Config, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, false
	}

	var table map[string]any
	if err := yaml.Unmarshal(data, &table); err != nil {
		warn("cannot parse %s: %v", path, err)
		return Config{}, false
	}
	return fromTable(table, path, warn), true
}

func fromTable(table map[string]any, path string, warn WarnFunc) Config {
	var cfg Config
	for key, value := range table {
		if !recognizedKeys[key] {
			warn("%s: ignoring unknown key %q", path, key)
			continue
		}
		switch key {
		case "max_workers":
			n, ok := asInt(value)
			if !ok || n < 1 {
				warn("%s: max_workers must be an integer >= 1, got %v", path, value)
				continue
			}
			cfg.MaxWorkers = n
		}
	}
	return cfg
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
