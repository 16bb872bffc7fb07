package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadSingleFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "reconciler.yaml", `
database: "postgres://localhost/reconciler"
logging: stderr
entities:
  customer:
    enabled: [acct]
    acct:
      type: shell
      read: "get-account %fk"
`)

	f, err := Load([]string{p})
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/reconciler", f.Database)
	assert.Equal(t, CurrentVersion, f.Version)
	require.Contains(t, f.Entities, "customer")
	assert.Equal(t, []string{"acct"}, f.Entities["customer"].Enabled)
}

func TestLoadMergesMultipleFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.yaml", `
database: "postgres://localhost/reconciler"
entities:
  customer:
    enabled: [acct]
    acct:
      type: shell
      read: "get-account %fk"
`)
	override := writeFile(t, dir, "override.yaml", `
logging: stdout
`)

	f, err := Load([]string{base, override})
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/reconciler", f.Database)
	assert.Equal(t, "stdout", f.Logging)
}

func TestLoadRejectsVersionOutsideSupportedRange(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "reconciler.yaml", `
version: "2.5.0"
database: "postgres://localhost/reconciler"
`)
	_, err := Load([]string{p})
	require.Error(t, err)
}

func TestLoadReadsEveryConfigFileInDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", `database: "postgres://a"`)
	writeFile(t, dir, "b.yaml", `logging: stdout`)
	writeFile(t, dir, "notes.txt", `ignored`)

	f, err := Load([]string{dir})
	require.NoError(t, err)
	assert.Equal(t, "postgres://a", f.Database)
	assert.Equal(t, "stdout", f.Logging)
}
