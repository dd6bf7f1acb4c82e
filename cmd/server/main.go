// Command server runs the signing gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/kenneth/native-sign-gateway/internal/api"
	"github.com/kenneth/native-sign-gateway/internal/audit"
	"github.com/kenneth/native-sign-gateway/internal/config"
	"github.com/kenneth/native-sign-gateway/internal/content"
	"github.com/kenneth/native-sign-gateway/internal/crypto"
	"github.com/kenneth/native-sign-gateway/internal/debug"
	"github.com/kenneth/native-sign-gateway/internal/emulator/wasm"
	"github.com/kenneth/native-sign-gateway/internal/gateway"
	"github.com/kenneth/native-sign-gateway/internal/keyvault"
	"github.com/kenneth/native-sign-gateway/internal/metrics"
	"github.com/kenneth/native-sign-gateway/internal/middleware"
	"github.com/kenneth/native-sign-gateway/internal/pool"
	"github.com/kenneth/native-sign-gateway/internal/remote"
	"github.com/kenneth/native-sign-gateway/internal/resource"
	"github.com/kenneth/native-sign-gateway/internal/signer"
	"github.com/kenneth/native-sign-gateway/internal/tracing"
	"github.com/sirupsen/logrus"
)

// version is set at build time.
var version = "dev"

func main() {
	var (
		configPath = flag.String("config", os.Getenv("SIGNGW_CONFIG"), "Path to the YAML configuration file")
		watch      = flag.Bool("watch", true, "Reload the log level when the configuration file changes")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	applyLogLevel(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *configPath != "" && *watch {
		err := config.Watch(ctx, *configPath, logger, func(next *config.Config) {
			applyLogLevel(logger, next)
		})
		if err != nil {
			logger.WithError(err).Warn("Configuration hot reload disabled")
		}
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Gateway exited with error")
	}
	logger.Info("Gateway stopped")
}

func applyLogLevel(logger *logrus.Logger, cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	debug.InitFromConfig(cfg.LogLevel, cfg.Emulator.Verbose)
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	metrics.SetVersion(version)

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, version, logger)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.WithError(err).Warn("Failed to flush traces")
		}
	}()

	m := metrics.NewMetrics()

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		if auditLogger, err = audit.NewLoggerFromConfig(cfg.Audit, logger); err != nil {
			return fmt.Errorf("failed to create audit logger: %w", err)
		}
		defer auditLogger.Close()
	}

	provider, err := newProvider(ctx, cfg.Resources)
	if err != nil {
		return err
	}
	bundle, err := signer.LoadBundle(ctx, provider, cfg.Emulator)
	if err != nil {
		return fmt.Errorf("failed to load signing resources: %w", err)
	}

	backend := wasm.NewBackend(logger)
	defer backend.Close(context.Background())

	factory := func(ctx context.Context, id int) (pool.Engine, error) {
		opts, err := bundle.EngineOptions(id, cfg, time.Now, logger)
		if err != nil {
			return nil, err
		}
		e, err := signer.New(ctx, backend, opts)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	engines, err := pool.New(ctx, cfg.Pool, factory)
	if err != nil {
		return fmt.Errorf("failed to start signing engines: %w", err)
	}
	defer engines.Close(context.Background())
	logger.WithFields(logrus.Fields{
		"mode":    engines.Mode(),
		"engines": engines.Size(),
		"backend": backend.Name(),
	}).Info("Signing engines ready")

	dispatcher := pool.NewDispatcher(engines, pool.DispatcherOptions{
		BorrowTimeout: cfg.Pool.BorrowTimeout,
		MaxRetries:    cfg.Pool.MaxBorrowRetries,
		Metrics:       m,
		Logger:        logger,
	})

	client, err := remote.New(remote.Options{Config: cfg.Remote, Signer: dispatcher, Logger: logger})
	if err != nil {
		return err
	}

	vault, closeMirror, err := newVault(ctx, cfg, client, m, logger)
	if err != nil {
		return err
	}
	defer closeMirror()
	if cfg.KeyVault.Warmup {
		vault.Warmup(ctx)
	}

	svc, err := gateway.New(gateway.Options{
		Signer: dispatcher,
		Keys:   vault,
		Cipher: content.NewCipher(m, logger),
		Audit:  auditLogger,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	hw := crypto.Hardware(cfg.Hardware)
	handler := api.NewHandler(api.Options{
		Gateway: svc,
		Logger:  logger,
		Metrics: m,
		Ready: func(ctx context.Context) error {
			if engines.Size() == 0 {
				return errors.New("no signing engines")
			}
			return nil
		},
		Details: func() map[string]interface{} {
			return map[string]interface{}{
				"pool_mode":    engines.Mode(),
				"pool_size":    engines.Size(),
				"pool_in_use":  engines.InUse(),
				"register_key": vault.Status(),
				"hardware":     hw,
			}
		},
		APIKeys: cfg.Server.APIKeys,
	})

	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware(logger, m))
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("Starting gateway")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down gateway")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func newProvider(ctx context.Context, cfg config.ResourcesConfig) (resource.Provider, error) {
	switch cfg.Provider {
	case "s3":
		cacheDir := cfg.CacheDir
		if cacheDir == "" {
			cacheDir = filepath.Join(os.TempDir(), "native-sign-gateway")
		}
		p, err := resource.NewS3Provider(ctx, cfg.S3, cacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 resource provider: %w", err)
		}
		return p, nil
	default:
		return resource.NewDirProvider(cfg.Dir), nil
	}
}

// newVault builds the key vault. The returned func closes the Redis mirror
// connection, if any.
func newVault(ctx context.Context, cfg *config.Config, client *remote.Client, m *metrics.Metrics, logger *logrus.Logger) (*keyvault.Vault, func(), error) {
	closeMirror := func() {}
	psk, err := crypto.KeyFromHex(cfg.KeyVault.PSK)
	if err != nil {
		return nil, closeMirror, fmt.Errorf("invalid keyvault.psk: %w", err)
	}
	deviceID, err := strconv.ParseInt(cfg.Remote.Device.DeviceID, 10, 64)
	if err != nil {
		return nil, closeMirror, fmt.Errorf("invalid remote.device.device_id: %w", err)
	}

	opts := keyvault.Options{
		PSK:      psk,
		DeviceID: deviceID,
		Marker:   cfg.KeyVault.Marker,
		Fetcher:  client,
		Metrics:  m,
		Logger:   logger,
	}
	if cfg.KeyVault.Mirror.Enabled {
		mirror, err := keyvault.NewRedisMirror(ctx, cfg.KeyVault.Mirror)
		if err != nil {
			return nil, closeMirror, fmt.Errorf("failed to connect key mirror: %w", err)
		}
		opts.Mirror = mirror
		closeMirror = func() {
			if err := mirror.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close key mirror")
			}
		}
		logger.WithField("addr", cfg.KeyVault.Mirror.Addr).Info("Register key mirror enabled")
	}
	vault, err := keyvault.New(opts)
	if err != nil {
		closeMirror()
		return nil, func() {}, err
	}
	return vault, closeMirror, nil
}
