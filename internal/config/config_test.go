package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.True(t, cfg.Cache.Enabled)
	assert.True(t, cfg.Reconciler.Enabled)
	assert.NotEmpty(t, cfg.Reconciler.Schedule)
	assert.False(t, cfg.Debug.VerboseDecisionLogging)
}

func TestLoad_NoFile_ReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.True(t, cfg.Cache.Enabled)
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
listen_addr: ":9090"
cors_origins:
  - "https://admin.example.com"
cache:
  enabled: true
  ttl_seconds: 60
  max_entries: 500
reconciler:
  enabled: true
  schedule: "*/5 * * * *"
debug:
  verbose_decision_logging: true
`
	path := writeTemp(t, content)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, []string{"https://admin.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, 60*time.Second, cfg.Cache.TTL())
	assert.Equal(t, 500, cfg.Cache.MaxEntries)
	assert.Equal(t, "*/5 * * * *", cfg.Reconciler.Schedule)
	assert.True(t, cfg.Debug.VerboseDecisionLogging)
}

func TestLoad_PartialConfig_KeepsDefaults(t *testing.T) {
	content := `
listen_addr: ":9191"
`
	path := writeTemp(t, content)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9191", cfg.ListenAddr)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "*/10 * * * *", cfg.Reconciler.Schedule)
}

func TestLoad_EmptyListenAddr_ReturnsError(t *testing.T) {
	content := `
listen_addr: ""
`
	path := writeTemp(t, content)

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "listen_addr")
}

func TestLoad_NegativeCacheTTL_ReturnsError(t *testing.T) {
	content := `
cache:
  ttl_seconds: -1
`
	path := writeTemp(t, content)

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ttl_seconds")
}

func TestLoad_ReconcilerWithoutSchedule_ReturnsError(t *testing.T) {
	content := `
reconciler:
  enabled: true
  schedule: ""
`
	path := writeTemp(t, content)

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "schedule")
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTemp(t, "{{not yaml")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestResolvePath_EnvVar_TakesPriority(t *testing.T) {
	tmp := writeTemp(t, "listen_addr: \":8080\"")
	t.Setenv("QUESTLINE_CONFIG", tmp)

	path := ResolvePath()
	assert.Equal(t, tmp, path)
}

func TestResolvePath_NoEnvVar_FallsBackToDefault(t *testing.T) {
	t.Setenv("QUESTLINE_CONFIG", "")

	// Create questline.yaml in a temp dir and chdir there
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "questline.yaml")
	os.WriteFile(yamlPath, []byte("listen_addr: \":8080\""), 0o644)

	origDir, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(origDir)

	path := ResolvePath()
	assert.Equal(t, "questline.yaml", path)
}

func TestResolvePath_NoEnvVar_NoFile_ReturnsEmpty(t *testing.T) {
	t.Setenv("QUESTLINE_CONFIG", "")

	dir := t.TempDir()
	origDir, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(origDir)

	path := ResolvePath()
	assert.Equal(t, "", path)
}

// writeTemp creates a temporary YAML file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	f.Close()
	return f.Name()
}
