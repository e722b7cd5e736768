package settings

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shellcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
	assert.Equal(t, 30*time.Second, s.Upstream.Timeout.Std())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
listen: 127.0.0.1:9000
storage:
  driver: disk
  dir: /var/cache/shellcache
upstream:
  timeout: 5s
worker:
  version: v4
  origin: https://calc.example
  coreAssets: ["", "index.html"]
  eagerActivation: true
`)

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", s.Listen)
	assert.Equal(t, DriverDisk, s.Storage.Driver)
	assert.Equal(t, 5*time.Second, s.Upstream.Timeout.Std())
	assert.Equal(t, "v4", s.Worker.Version)
	assert.Equal(t, []string{"", "index.html"}, s.Worker.CoreAssets)
	assert.True(t, s.Worker.EagerActivation)
	// Untouched fields keep their defaults.
	assert.Equal(t, "static", s.Worker.StaticCachePrefix)
	assert.Equal(t, FormatText, s.Log.Format)
	require.NoError(t, s.Validate())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
worker:
  version: v4
  origin: https://calc.example
`)
	t.Setenv("SHELLCACHE_VERSION", "v5")
	t.Setenv("SHELLCACHE_LOG_LEVEL", "debug")
	t.Setenv("SHELLCACHE_STORAGE_MAX_BYTES", "1048576")
	t.Setenv("SHELLCACHE_SHUTDOWN_TIMEOUT", "2s")
	t.Setenv("SHELLCACHE_STATIC_EXTENSIONS", "css,js")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "v5", s.Worker.Version)
	assert.Equal(t, "https://calc.example", s.Worker.Origin)
	assert.Equal(t, "debug", s.Log.Level)
	assert.Equal(t, int64(1<<20), s.Storage.MaxBytes)
	assert.Equal(t, 2*time.Second, s.ShutdownTimeout.Std())
	assert.Equal(t, []string{"css", "js"}, s.Worker.StaticExtensions)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "upstream:\n  timeout: soon\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Worker.Origin = "https://calc.example"
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{name: "no origin", mutate: func(s *Settings) { s.Worker.Origin = "" }},
		{name: "disk without dir", mutate: func(s *Settings) { s.Storage.Driver = DriverDisk }},
		{name: "unknown driver", mutate: func(s *Settings) { s.Storage.Driver = "redis" }},
		{name: "bad level", mutate: func(s *Settings) { s.Log.Level = "loud" }},
		{name: "bad format", mutate: func(s *Settings) { s.Log.Format = "xml" }},
		{name: "empty listen", mutate: func(s *Settings) { s.Listen = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			require.ErrorIs(t, s.Validate(), ErrInvalid)
		})
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Log{Format: FormatJSON, Level: "warn"}.Logger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
