// Package settings loads the shellcache server configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// SHELLCACHE_* environment variables. Command-line flags are applied on
// top by the caller.
package settings

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"sigs.k8s.io/yaml"

	"github.com/meigma/shellcache"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "SHELLCACHE_"

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverDisk   = "disk"
)

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("settings: invalid")

// Duration is a time.Duration read from strings such as "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Storage selects where partitions live.
type Storage struct {
	Driver string `json:"driver" env:"STORAGE_DRIVER"`
	Dir    string `json:"dir" env:"STORAGE_DIR"`
	// MaxBytes bounds the disk storage; zero means unbounded.
	MaxBytes       int64 `json:"maxBytes" env:"STORAGE_MAX_BYTES"`
	ShardPrefixLen int   `json:"shardPrefixLen" env:"STORAGE_SHARD_PREFIX_LEN"`
}

// Log configures the process logger.
type Log struct {
	Format string `json:"format" env:"LOG_FORMAT"`
	Level  string `json:"level" env:"LOG_LEVEL"`
}

// Upstream configures requests to the origin.
type Upstream struct {
	Timeout      Duration `json:"timeout" env:"UPSTREAM_TIMEOUT"`
	MaxBodyBytes int64    `json:"maxBodyBytes" env:"UPSTREAM_MAX_BODY_BYTES"`
}

// Settings is the complete server configuration.
type Settings struct {
	Listen string `json:"listen" env:"LISTEN"`
	// PreloadSupport lets workers enable navigation preload.
	PreloadSupport  bool     `json:"preloadSupport" env:"PRELOAD_SUPPORT"`
	ShutdownTimeout Duration `json:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`

	Storage  Storage           `json:"storage"`
	Log      Log               `json:"log"`
	Upstream Upstream          `json:"upstream"`
	Worker   shellcache.Config `json:"worker"`
}

// Default returns the built-in settings. The worker origin is empty and
// must be supplied.
func Default() Settings {
	return Settings{
		Listen:          ":8080",
		PreloadSupport:  true,
		ShutdownTimeout: Duration(10 * time.Second),
		Storage:         Storage{Driver: DriverMemory, ShardPrefixLen: 2},
		Log:             Log{Format: FormatText, Level: "info"},
		Upstream:        Upstream{Timeout: Duration(30 * time.Second), MaxBodyBytes: 64 << 20},
		Worker:          shellcache.DefaultConfig(""),
	}
}

// Load returns the defaults overlaid with the YAML file at path, when
// path is not empty, and then with the environment.
func Load(path string) (Settings, error) {
	s := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := ParseEnv(&s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// ParseEnv overlays SHELLCACHE_* environment variables onto target.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports configuration errors, including those of the worker.
func (s Settings) Validate() error {
	var errs []error
	if s.Listen == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	switch s.Storage.Driver {
	case DriverMemory:
	case DriverDisk:
		if s.Storage.Dir == "" {
			errs = append(errs, errors.New("disk storage requires storage.dir"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", s.Storage.Driver))
	}
	if s.Storage.MaxBytes < 0 {
		errs = append(errs, errors.New("storage.maxBytes must be >= 0"))
	}
	if _, err := s.Log.level(); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(s.Log.Format); f != FormatText && f != FormatJSON {
		errs = append(errs, fmt.Errorf("unknown log format %q", s.Log.Format))
	}
	if err := s.Worker.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (l Log) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return lvl, nil
}

// Logger returns a logger writing to w in the configured format.
func (l Log) Logger(w io.Writer) (*slog.Logger, error) {
	lvl, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(l.Format) {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case FormatText, "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", l.Format)
	}
}
