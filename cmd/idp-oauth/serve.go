package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	oauth "github.com/giantswarm/idp-oauth"
	"github.com/giantswarm/idp-oauth/config"
	"github.com/giantswarm/idp-oauth/storage"
	"github.com/giantswarm/idp-oauth/storage/memory"
	redisstore "github.com/giantswarm/idp-oauth/storage/redis"
	"github.com/giantswarm/idp-oauth/storage/valkey"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the tenant endpoints over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := opts.loadSettings()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), settings)
		},
	}
}

func serve(ctx context.Context, settings *config.Settings) error {
	logger := settings.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tenants, err := config.LoadTenantsFile(settings.TenantsFile)
	if err != nil {
		return fmt.Errorf("load %s: %w", settings.TenantsFile, err)
	}

	backend, err := openStorage(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer backend.close()

	if err := tenants.Seed(ctx, backend.seeder); err != nil {
		return err
	}
	logger.Info("Tenant registry loaded",
		"file", settings.TenantsFile,
		"tenants", tenants.TenantIDs(),
		"storage", settings.Storage)

	srv, err := oauth.NewServer(backend.repos, settings.ServerConfig(logger))
	if err != nil {
		return err
	}
	if backend.memory != nil {
		backend.memory.SetInstrumentation(srv.Instrumentation)
	}

	directory := tenants.NewDirectory(logger)
	handler := oauth.NewHandler(srv, oauth.Delegates{
		Ciba:     directory.Ciba(),
		Userinfo: directory,
		Password: directory,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	useTLS := settings.TLSCertFile != ""
	if useTLS {
		tlsConfig, err := serverTLSConfig(settings)
		if err != nil {
			return err
		}
		httpServer.TLSConfig = tlsConfig
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", settings.ListenAddr, "tls", useTLS, "version", version)
		if useTLS {
			serveErr <- httpServer.ListenAndServeTLS(settings.TLSCertFile, settings.TLSKeyFile)
		} else {
			serveErr <- httpServer.ListenAndServe()
		}
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "timeout", settings.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// serverTLSConfig requests client certificates for the mTLS client
// authentication methods. Verification against a CA happens only when one is
// configured; self-signed certificates are matched against the client JWKS by
// the engine.
func serverTLSConfig(settings *config.Settings) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ClientAuth: tls.RequestClientCert,
	}
	if settings.TLSClientCAFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(settings.TLSClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", settings.TLSClientCAFile)
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.VerifyClientCertIfGiven
	return cfg, nil
}

// storageBackend is the opened storage with its teardown
type storageBackend struct {
	repos   storage.Repositories
	seeder  config.Store
	memory  *memory.Store
	closers []func()
}

func (b *storageBackend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openStorage opens the configured store and, when Redis addresses are set,
// moves replay detection of client assertions to Redis
func openStorage(ctx context.Context, settings *config.Settings, logger *slog.Logger) (*storageBackend, error) {
	b := &storageBackend{}

	switch settings.Storage {
	case config.StorageValkey:
		store, err := valkey.New(valkey.Config{
			Address:   settings.ValkeyAddr,
			Password:  settings.ValkeyPassword,
			DB:        settings.ValkeyDB,
			KeyPrefix: settings.ValkeyKeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		b.repos = store.Repositories()
		b.seeder = store
		b.closers = append(b.closers, store.Close)
	default:
		store := memory.New()
		store.SetLogger(logger)
		b.repos = store.Repositories()
		b.seeder = store
		b.memory = store
		b.closers = append(b.closers, store.Stop)
	}

	if addrs := settings.RedisAddresses(); len(addrs) > 0 {
		jtis, err := redisstore.New(ctx, redisstore.Config{
			Addrs:     addrs,
			Username:  settings.RedisUsername,
			Password:  settings.RedisPassword,
			KeyPrefix: settings.RedisKeyPrefix,
		})
		if err != nil {
			b.close()
			return nil, err
		}
		b.repos.JTIs = jtis
		b.closers = append(b.closers, func() {
			if err := jtis.Close(); err != nil {
				logger.Warn("Failed to close redis client", "error", err)
			}
		})
		logger.Info("Client assertion replay detection uses redis", "addrs", addrs)
	}

	return b, nil
}
