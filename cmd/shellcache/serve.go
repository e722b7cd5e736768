package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/shellcache"
	"github.com/meigma/shellcache/fetch"
	"github.com/meigma/shellcache/internal/settings"
	"github.com/meigma/shellcache/proxy"
	"github.com/meigma/shellcache/storage"
	"github.com/meigma/shellcache/storage/disk"
	"github.com/meigma/shellcache/storage/memory"
	"github.com/meigma/shellcache/strategy"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy",
		Long: `Run the caching proxy in front of the configured origin.

Sending SIGHUP re-reads the configuration. When the worker version changed
the new version is installed and activates once the pages controlled by
the old version are closed, or immediately with eager activation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			load := func() (settings.Settings, error) {
				return loadSettings(cmd.Flags(), g.config)
			}
			s, err := load()
			if err != nil {
				return err
			}
			logger, err := s.Log.Logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), s, load, logger)
		},
	}
	flags := cmd.Flags()
	flags.String("listen", "", "address to listen on")
	flags.String("origin", "", "application origin, e.g. https://calc.example")
	flags.String("cache-version", "", "worker version embedded in partition names")
	flags.String("storage", "", "storage driver: memory or disk")
	flags.String("storage-dir", "", "directory for disk storage")
	flags.Bool("eager-activation", false, "activate new versions without waiting for pages to close")
	return cmd
}

// stringFlags maps flag names to the setting they override.
var stringFlags = map[string]func(*settings.Settings, string){
	"log-format":    func(s *settings.Settings, v string) { s.Log.Format = v },
	"log-level":     func(s *settings.Settings, v string) { s.Log.Level = v },
	"listen":        func(s *settings.Settings, v string) { s.Listen = v },
	"origin":        func(s *settings.Settings, v string) { s.Worker.Origin = v },
	"cache-version": func(s *settings.Settings, v string) { s.Worker.Version = v },
	"storage":       func(s *settings.Settings, v string) { s.Storage.Driver = v },
	"storage-dir":   func(s *settings.Settings, v string) { s.Storage.Dir = v },
}

// loadSettings layers the config file, the environment and explicitly
// set flags, then validates the result.
func loadSettings(flags *pflag.FlagSet, configPath string) (settings.Settings, error) {
	s, err := settings.Load(configPath)
	if err != nil {
		return settings.Settings{}, err
	}
	for name, set := range stringFlags {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return settings.Settings{}, err
		}
		set(&s, v)
	}
	if flags.Changed("eager-activation") {
		v, err := flags.GetBool("eager-activation")
		if err != nil {
			return settings.Settings{}, err
		}
		s.Worker.EagerActivation = v
	}
	if err := s.Validate(); err != nil {
		return settings.Settings{}, err
	}
	return s, nil
}

func openStorage(s settings.Storage) (storage.CacheStorage, func() error, error) {
	switch s.Driver {
	case settings.DriverDisk:
		d, err := disk.New(s.Dir, disk.WithShardPrefixLen(s.ShardPrefixLen), disk.WithMaxBytes(s.MaxBytes))
		if err != nil {
			return nil, nil, fmt.Errorf("open disk storage: %w", err)
		}
		return d, d.Close, nil
	default:
		return memory.New(), func() error { return nil }, nil
	}
}

// registerVersion installs cfg as a new worker version. A version that
// activated but left stale partitions behind is logged, not returned.
func registerVersion(
	ctx context.Context,
	reg *shellcache.Registration,
	cs storage.CacheStorage,
	f fetch.Fetcher,
	bg *strategy.Background,
	logger *slog.Logger,
	cfg shellcache.Config,
) error {
	w, err := shellcache.NewWorker(cfg, cs, f,
		shellcache.WithWorkerLogger(logger),
		shellcache.WithBackground(bg),
	)
	if err != nil {
		return err
	}
	err = reg.Register(ctx, w)
	var actErr *shellcache.ActivationError
	if errors.As(err, &actErr) {
		logger.Warn("stale partitions left behind", "version", actErr.Version, "partitions", actErr.Partitions, "error", actErr.Err)
		return nil
	}
	return err
}

func serve(ctx context.Context, s settings.Settings, reload func() (settings.Settings, error), logger *slog.Logger) error {
	cs, closeStorage, err := openStorage(s.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStorage(); err != nil {
			logger.Warn("close storage", "error", err)
		}
	}()

	upstream, err := fetch.New(s.Worker.Origin,
		fetch.WithHTTPClient(&http.Client{Timeout: s.Upstream.Timeout.Std()}),
		fetch.WithMaxBodyBytes(s.Upstream.MaxBodyBytes),
		fetch.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	bg := strategy.NewBackground(logger)
	reg := shellcache.NewRegistration(cs,
		shellcache.WithLogger(logger),
		shellcache.WithNavigationPreloadSupport(s.PreloadSupport),
	)
	register := func(ctx context.Context, cfg shellcache.Config) error {
		return registerVersion(ctx, reg, cs, upstream, bg, logger, cfg)
	}
	if err := register(ctx, s.Worker); err != nil {
		return err
	}

	handler, err := proxy.New(reg, s.Worker.Origin, upstream, proxy.WithLogger(logger))
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              s.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srv.RegisterOnShutdown(handler.CloseStreams)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		logger.Info("listening", "addr", s.Listen, "origin", s.Worker.Origin, "version", s.Worker.Version)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.ShutdownTimeout.Std())
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		bg.Wait()
		return err
	})
	grp.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				next, err := reload()
				if err != nil {
					logger.Error("reload config", "error", err)
					continue
				}
				if next.Worker.Origin != s.Worker.Origin {
					logger.Warn("origin cannot change without restart", "origin", s.Worker.Origin, "requested", next.Worker.Origin)
					continue
				}
				if err := register(gctx, next.Worker); err != nil {
					logger.Error("register worker", "version", next.Worker.Version, "error", err)
				}
			}
		}
	})
	return grp.Wait()
}
