package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoad_MaxWorkers(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "pyproject.toml", "[tool.taut]\nmax_workers = 4\n")

	cfg := Load(dir, nil)
	assert.Equal(t, 4, cfg.MaxWorkers)
}

func TestLoad_NoManifest(t *testing.T) {
	cfg := Load(t.TempDir(), nil)
	assert.Zero(t, cfg.MaxWorkers)
}

func TestLoad_EmptyTautSection(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "pyproject.toml", "[tool.taut]\n")

	cfg := Load(dir, nil)
	assert.Zero(t, cfg.MaxWorkers)
}

func TestLoad_OtherToolSectionsIgnored(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "pyproject.toml", "[tool.black]\nline-length = 88\n")

	var warnings []string
	cfg := Load(dir, func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	})
	assert.Zero(t, cfg.MaxWorkers)
	assert.Empty(t, warnings)
}

func TestLoad_UnknownKeyWarns(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "pyproject.toml", "[tool.taut]\nmax_workers = 2\nshiny = true\n")

	var warnings []string
	cfg := Load(dir, func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	})
	assert.Equal(t, 2, cfg.MaxWorkers)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "shiny")
}

func TestLoad_InvalidMaxWorkersWarns(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "pyproject.toml", "[tool.taut]\nmax_workers = 0\n")

	var warnings []string
	cfg := Load(dir, func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	})
	assert.Zero(t, cfg.MaxWorkers)
	require.Len(t, warnings, 1)
}

func TestLoad_SearchesUpward(t *testing.T) {
	root := t.TempDir()
	write(t, root, "pyproject.toml", "[tool.taut]\nmax_workers = 3\n")
	nested := filepath.Join(root, "tests", "unit")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	cfg := Load(nested, nil)
	assert.Equal(t, 3, cfg.MaxWorkers)
}

func TestLoad_YAMLOverride(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "pyproject.toml", "[tool.taut]\nmax_workers = 2\n")
	write(t, dir, ".taut.yaml", "max_workers: 8\n")

	cfg := Load(dir, nil)
	assert.Equal(t, 8, cfg.MaxWorkers)
}

func TestLoad_StartDirMayBeFile(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "pyproject.toml", "[tool.taut]\nmax_workers = 5\n")
	write(t, dir, "test_x.py", "def test_a():\n    pass\n")

	cfg := Load(filepath.Join(dir, "test_x.py"), nil)
	assert.Equal(t, 5, cfg.MaxWorkers)
}
