package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rimg/internal/async"
	serverHTTP "rimg/internal/delivery/server/http"
	"rimg/internal/shared/config"
	"rimg/internal/shared/logging"
	"rimg/internal/watch"
)

const defaultShutdownTimeout = 10 * time.Second

// Handler builds the HTTP surface over f.
func (f *Foundation) Handler() http.Handler {
	return serverHTTP.NewRouter(serverHTTP.RouterDeps{
		Deliverer: f.Orchestrator,
		Files:     f.Storage,
		Flusher:   f.Sweeper,
		URLs:      f.URLs,
		Decoder:   f.Decoder,
		Metrics:   f.Metrics.Handler(),
		Logger:    logging.NewComponentLogger("http"),
	}, serverHTTP.RouterConfig{
		PublicDir:      f.Config.PublicDir,
		CacheMaxAge:    f.Config.PageCacheMaxAge,
		AllowedOrigins: f.Config.HTTP.AllowedOrigins,
		AdminToken:     f.Config.Admin.Token,
		Debug:          f.Config.Log.Level == "debug",
	})
}

// RunServer starts the HTTP server and blocks until ctx is cancelled or a
// shutdown signal arrives. SIGHUP reloads the style catalog.
func RunServer(ctx context.Context, cfg config.RuntimeConfig) error {
	f, err := NewFoundation(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := f.Close(context.Background()); err != nil {
			f.Logger.Warn("Shutdown of components failed: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Watch.Enabled {
		watcher, err := watch.New(f.WatchRoots(), f.Sweeper,
			watch.WithDebounce(cfg.Watch.Debounce),
			watch.WithLogger(logging.NewComponentLogger("watch")))
		if err != nil {
			return err
		}
		async.Go(f.Logger, "watch", func() {
			if err := watcher.Run(ctx); err != nil {
				f.Logger.Error("Source watcher stopped: %v", err)
			}
		})
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           f.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	return serveUntilSignal(ctx, server, f, cfg.HTTP.ShutdownTimeout)
}

func serveUntilSignal(ctx context.Context, server *http.Server, f *Foundation, shutdownTimeout time.Duration) error {
	logger := logging.OrNop(f.Logger)
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	errCh := make(chan error, 1)
	async.Go(logger, "server.listen", func() {
		logger.Info("Server listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	for {
		select {
		case err := <-errCh:
			if err == nil || errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server error: %w", err)
		case <-reload:
			if err := f.ReloadStyles(); err != nil {
				logger.Error("Style catalog reload failed: %v", err)
			} else {
				logger.Info("Style catalog reloaded")
			}
		case <-quit:
			return shutdown(server, errCh, shutdownTimeout, logger)
		case <-ctx.Done():
			return shutdown(server, errCh, shutdownTimeout, logger)
		}
	}
}

func shutdown(server *http.Server, errCh <-chan error, timeout time.Duration, logger logging.Logger) error {
	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	shutdownErr := server.Shutdown(ctx)

	serveErr := <-errCh
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	logger.Info("Server stopped")
	return nil
}
