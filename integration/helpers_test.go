//go:build integration

package integration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meigma/shellcache"
	"github.com/meigma/shellcache/fetch"
	"github.com/meigma/shellcache/proxy"
	"github.com/meigma/shellcache/storage"
)

// --- Origin Container Setup ---

const htmlRoot = "/usr/share/nginx/html"

// appFiles is the application served by the origin.
var appFiles = map[string]string{
	"index.html":         "<!doctype html><title>calc</title><script src=\"app.js\"></script>",
	"manifest.json":      `{"name":"calc","start_url":"/"}`,
	"icons/icon-192.png": "png-192",
	"icons/icon-512.png": "png-512",
	"app.js":             "console.log('calc')",
	"app.css":            "body{margin:0}",
}

var (
	originOnce sync.Once
	originURL  string
	originErr  error
)

// getOrigin returns the shared origin URL, starting the container if needed.
// The container is shared across tests that do not stop it.
func getOrigin(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	originOnce.Do(func() {
		originURL, _, originErr = startOriginContainer(context.Background())
	})
	if originErr != nil {
		tb.Fatalf("start origin container: %v", originErr)
	}
	return originURL
}

// startOwnOrigin starts a container for a single test, which may stop it.
func startOwnOrigin(tb testing.TB) (string, testcontainers.Container) {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	url, container, err := startOriginContainer(context.Background())
	require.NoError(tb, err)
	tb.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})
	return url, container
}

// startOriginContainer starts nginx serving appFiles and returns its origin.
func startOriginContainer(ctx context.Context) (string, testcontainers.Container, error) {
	files := make([]testcontainers.ContainerFile, 0, len(appFiles))
	for path, content := range appFiles {
		files = append(files, testcontainers.ContainerFile{
			Reader:            strings.NewReader(content),
			ContainerFilePath: htmlRoot + "/" + path,
			FileMode:          0o644,
		})
	}

	req := testcontainers.ContainerRequest{
		Image:        "nginx:1.27-alpine",
		ExposedPorts: []string{"80/tcp"},
		Files:        files,
		WaitingFor:   wait.ForHTTP("/index.html").WithPort("80/tcp").WithStatusCodeMatcher(isOKStatus),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("start origin container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("resolve origin host: %w", err)
	}
	port, err := container.MappedPort(ctx, "80/tcp")
	if err != nil {
		return "", nil, fmt.Errorf("resolve origin port: %w", err)
	}
	return fmt.Sprintf("http://%s:%s", host, port.Port()), container, nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// --- Proxy Factory ---

type stack struct {
	reg     *shellcache.Registration
	fetcher *fetch.Client
	server  *httptest.Server
}

// newStack registers version against origin and serves it through a proxy.
func newStack(tb testing.TB, origin, version string, cs storage.CacheStorage) *stack {
	tb.Helper()

	f, err := fetch.New(origin)
	require.NoError(tb, err)
	reg := shellcache.NewRegistration(cs)

	cfg := shellcache.DefaultConfig(origin)
	cfg.Version = version
	w, err := shellcache.NewWorker(cfg, cs, f)
	require.NoError(tb, err)
	require.NoError(tb, reg.Register(context.Background(), w))

	h, err := proxy.New(reg, origin, f)
	require.NoError(tb, err)
	srv := httptest.NewServer(h)
	tb.Cleanup(srv.Close)
	return &stack{reg: reg, fetcher: f, server: srv}
}

// navigate requests path through the proxy as a page navigation.
func (s *stack) navigate(tb testing.TB, path string) (*http.Response, string) {
	tb.Helper()
	req, err := http.NewRequest(http.MethodGet, s.server.URL+path, nil)
	require.NoError(tb, err)
	req.Header.Set("Accept", "text/html")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	return s.do(tb, req)
}

func (s *stack) do(tb testing.TB, req *http.Request) (*http.Response, string) {
	tb.Helper()
	resp, err := s.server.Client().Do(req)
	require.NoError(tb, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(tb, err)
	return resp, string(body)
}
