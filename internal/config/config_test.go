package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp moves into a fresh directory so config and .env lookups only see
// what the test writes.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	oldWd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(oldWd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":3000", cfg.Addr)
	assert.Equal(t, "/coverage", cfg.MountPath)
	assert.Equal(t, "output", cfg.OutputDir)
	assert.Equal(t, "diff-cover", cfg.DiffCoverCommand)
	assert.Equal(t, ".", cfg.RepoRoot)
	assert.Equal(t, 2*time.Minute, cfg.DiffTimeout)
	assert.Equal(t, int64(100<<20), cfg.MaxBodyBytes)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.DiffTarget)
	assert.False(t, cfg.ResetOnGet)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ConfigFileSearch(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "configs"), 0755))
	content := `
addr: ":8080"
diff_target: "origin/main"
diff_timeout: "30s"
reset_on_get: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "covhub.yaml"), []byte(content), 0644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "origin/main", cfg.DiffTarget)
	assert.Equal(t, 30*time.Second, cfg.DiffTimeout)
	assert.True(t, cfg.ResetOnGet)
	assert.Equal(t, "output", cfg.OutputDir)
}

func TestLoad_ExplicitFile(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output_dir: reports\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "reports", cfg.OutputDir)

	t.Run("missing explicit file is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})

	t.Run("malformed yaml is an error", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("addr: x\n  oops: y"), 0644))
		_, err := Load(bad)
		assert.Error(t, err)
	})
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "covhub.yaml"), []byte("addr: \":8080\"\n"), 0644))
	t.Setenv("COVHUB_ADDR", ":9090")
	t.Setenv("COVHUB_MAX_BODY_BYTES", "1024")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, int64(1024), cfg.MaxBodyBytes)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("COVHUB_DIFF_TARGET=changes.diff\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("COVHUB_DIFF_TARGET") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "changes.diff", cfg.DiffTarget)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			MountPath:    "/coverage",
			OutputDir:    "output",
			MaxBodyBytes: 1,
			DiffTimeout:  time.Second,
			LogLevel:     "debug",
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty output dir", func(c *Config) { c.OutputDir = "" }},
		{"working directory", func(c *Config) { c.OutputDir = "./" }},
		{"root", func(c *Config) { c.OutputDir = "/" }},
		{"zero body limit", func(c *Config) { c.MaxBodyBytes = 0 }},
		{"negative timeout", func(c *Config) { c.DiffTimeout = -time.Second }},
		{"relative mount", func(c *Config) { c.MountPath = "coverage" }},
		{"unknown level", func(c *Config) { c.LogLevel = "verbose" }},
	}

	assert.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
