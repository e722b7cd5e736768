package shellcache

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Default policy values.
const (
	DefaultVersion            = "v1"
	DefaultStaticCachePrefix  = "static"
	DefaultFontCachePrefix    = "fonts"
	DefaultFontCSSOrigin      = "https://fonts.googleapis.com"
	DefaultFontFileOrigin     = "https://fonts.gstatic.com"
	DefaultInstallConcurrency = 4
)

// DefaultCoreAssets is the app shell precached on install, relative to
// the base path.
var DefaultCoreAssets = []string{
	"",
	"index.html",
	"manifest.json",
	"icons/icon-192.png",
	"icons/icon-512.png",
}

// DefaultStaticExtensions are the same-origin file extensions served
// cache-first: stylesheets, scripts, images, icons, structured text and
// font binaries.
var DefaultStaticExtensions = []string{
	"css", "js", "mjs",
	"png", "jpg", "jpeg", "gif", "svg", "webp", "avif", "ico",
	"json", "webmanifest", "xml", "txt",
	"woff", "woff2", "ttf", "otf",
}

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("shellcache: invalid config")

// Config is the policy of one worker version. It is built once at startup
// and handed to every handler.
type Config struct {
	// Version is embedded in partition names. Changing it orphans the
	// previous partitions, which the next activation deletes.
	Version string `json:"version" env:"VERSION"`

	StaticCachePrefix string `json:"staticCachePrefix" env:"STATIC_CACHE_PREFIX"`
	FontCachePrefix   string `json:"fontCachePrefix" env:"FONT_CACHE_PREFIX"`

	// Origin is the application's own origin, e.g. https://calc.example.
	Origin string `json:"origin" env:"ORIGIN"`
	// BasePath is the path the application is served under.
	BasePath string `json:"basePath" env:"BASE_PATH"`
	// ShellPath is the app-shell document relative to BasePath, served
	// when navigations fail. Empty means BasePath itself.
	ShellPath string `json:"shellPath" env:"SHELL_PATH"`
	// CoreAssets are precached on install, relative to BasePath.
	CoreAssets []string `json:"coreAssets" env:"CORE_ASSETS"`

	FontCSSOrigin    string   `json:"fontCSSOrigin" env:"FONT_CSS_ORIGIN"`
	FontFileOrigin   string   `json:"fontFileOrigin" env:"FONT_FILE_ORIGIN"`
	StaticExtensions []string `json:"staticExtensions" env:"STATIC_EXTENSIONS"`

	// EagerActivation activates a freshly installed version without
	// waiting for a skip-waiting message or for old pages to close.
	EagerActivation bool `json:"eagerActivation" env:"EAGER_ACTIVATION"`
	// ForceReloadOnActivate navigates every claimed page after activation.
	ForceReloadOnActivate bool `json:"forceReloadOnActivate" env:"FORCE_RELOAD_ON_ACTIVATE"`
	// NavigationPreload enables navigation preload on activation when the
	// host supports it.
	NavigationPreload bool `json:"navigationPreload" env:"NAVIGATION_PRELOAD"`
	// InstallConcurrency bounds parallel core-asset fetches.
	InstallConcurrency int `json:"installConcurrency" env:"INSTALL_CONCURRENCY"`
}

// DefaultConfig returns the default policy for origin.
func DefaultConfig(origin string) Config {
	return Config{
		Version:            DefaultVersion,
		StaticCachePrefix:  DefaultStaticCachePrefix,
		FontCachePrefix:    DefaultFontCachePrefix,
		Origin:             origin,
		BasePath:           "/",
		CoreAssets:         append([]string(nil), DefaultCoreAssets...),
		FontCSSOrigin:      DefaultFontCSSOrigin,
		FontFileOrigin:     DefaultFontFileOrigin,
		StaticExtensions:   append([]string(nil), DefaultStaticExtensions...),
		NavigationPreload:  true,
		InstallConcurrency: DefaultInstallConcurrency,
	}
}

// StaticCacheName is the name of this version's static partition.
func (c Config) StaticCacheName() string {
	return c.StaticCachePrefix + "-" + c.Version
}

// FontCacheName is the name of this version's font partition.
func (c Config) FontCacheName() string {
	return c.FontCachePrefix + "-" + c.Version
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.Version == "" {
		errs = append(errs, errors.New("version is empty"))
	}
	if c.StaticCachePrefix == "" || c.FontCachePrefix == "" {
		errs = append(errs, errors.New("cache prefixes must be set"))
	} else if c.StaticCacheName() == c.FontCacheName() {
		errs = append(errs, fmt.Errorf("static and font partitions share the name %q", c.StaticCacheName()))
	}
	for name, raw := range map[string]string{
		"origin":           c.Origin,
		"font CSS origin":  c.FontCSSOrigin,
		"font file origin": c.FontFileOrigin,
	} {
		if raw == "" && name != "origin" {
			continue
		}
		if _, err := parseOrigin(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.InstallConcurrency < 0 {
		errs = append(errs, errors.New("install concurrency must be >= 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ShellURL returns the absolute URL of the app-shell document.
func (c Config) ShellURL() string {
	return c.assetURL(c.ShellPath)
}

// CoreAssetURLs returns the absolute URLs of the Core Asset List in order.
func (c Config) CoreAssetURLs() []string {
	out := make([]string, 0, len(c.CoreAssets))
	for _, a := range c.CoreAssets {
		out = append(out, c.assetURL(a))
	}
	return out
}

func (c Config) assetURL(rel string) string {
	base := c.BasePath
	if base == "" {
		base = "/"
	}
	p := path.Join(base, rel)
	if rel == "" || strings.HasSuffix(rel, "/") {
		if !strings.HasSuffix(p, "/") {
			p += "/"
		}
	}
	return strings.TrimSuffix(c.Origin, "/") + p
}

func parseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute origin", raw)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}
