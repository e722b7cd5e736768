package main

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/shellcache"
	"github.com/meigma/shellcache/fetch"
	"github.com/meigma/shellcache/internal/settings"
	"github.com/meigma/shellcache/snapshot"
	"github.com/meigma/shellcache/storage"
	"github.com/meigma/shellcache/storage/memory"
	"github.com/meigma/shellcache/strategy"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestLoadSettingsFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shellcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker:
  origin: https://calc.example
  version: v1
storage:
  driver: disk
  dir: /tmp/cache
`), 0o600))

	cmd := newServeCmd(&globalFlags{})
	cmd.PersistentFlags().String("log-level", "", "")
	require.NoError(t, cmd.ParseFlags([]string{
		"--cache-version", "v2",
		"--storage", "memory",
		"--eager-activation",
		"--log-level", "debug",
	}))

	s, err := loadSettings(cmd.Flags(), path)
	require.NoError(t, err)
	assert.Equal(t, "https://calc.example", s.Worker.Origin)
	assert.Equal(t, "v2", s.Worker.Version)
	assert.Equal(t, settings.DriverMemory, s.Storage.Driver)
	assert.True(t, s.Worker.EagerActivation)
	assert.Equal(t, "debug", s.Log.Level)
}

func TestLoadSettingsRequiresOrigin(t *testing.T) {
	cmd := newServeCmd(&globalFlags{})
	require.NoError(t, cmd.ParseFlags(nil))

	_, err := loadSettings(cmd.Flags(), "")
	require.ErrorIs(t, err, settings.ErrInvalid)
}

// readOnlyStorage refuses to delete partitions.
type readOnlyStorage struct {
	storage.CacheStorage
}

func (readOnlyStorage) Delete(context.Context, string) (bool, error) {
	return false, fs.ErrPermission
}

func TestRegisterVersionSurvivesStalePartitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cs := readOnlyStorage{CacheStorage: memory.New()}
	_, err := cs.Open(ctx, "static-v0")
	require.NoError(t, err)

	origin := fetch.Func(func(_ context.Context, req *http.Request, _ ...fetch.RequestOption) (*snapshot.Response, error) {
		return &snapshot.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(req.URL.Path), URL: req.URL.String()}, nil
	})
	logger := slog.New(slog.DiscardHandler)
	reg := shellcache.NewRegistration(cs)

	cfg := shellcache.DefaultConfig("https://calc.example")
	require.NoError(t, registerVersion(ctx, reg, cs, origin, strategy.NewBackground(logger), logger, cfg))

	active := reg.Active()
	require.NotNil(t, active)
	assert.Equal(t, shellcache.StateActivated, active.State())
	names, err := cs.Keys(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "static-v0")
}

func TestRegisterVersionReturnsOtherErrors(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	cs := memory.New()
	err := registerVersion(context.Background(), shellcache.NewRegistration(cs), cs,
		fetch.Func(func(context.Context, *http.Request, ...fetch.RequestOption) (*snapshot.Response, error) {
			return nil, errors.New("unused")
		}),
		strategy.NewBackground(logger), logger, shellcache.Config{})
	require.ErrorIs(t, err, shellcache.ErrInvalidConfig)
}
