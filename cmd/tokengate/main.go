// Package main is the entry point for the tokengate auth gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/avauth/tokengate/internal/auth"
	"github.com/avauth/tokengate/internal/blacklist"
	"github.com/avauth/tokengate/internal/cache"
	"github.com/avauth/tokengate/internal/config"
	"github.com/avauth/tokengate/internal/janitor"
	"github.com/avauth/tokengate/internal/observability"
	"github.com/avauth/tokengate/internal/resilience"
	"github.com/avauth/tokengate/internal/throttle"
	"github.com/avauth/tokengate/internal/token"
	"github.com/avauth/tokengate/internal/transport"
)

// Version information (set at build time).
var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	// Absent .env files are fine; containers inject real env vars.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("TOKENGATE_CONFIG_PATH"), "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tokengate version %s (%s)\n", version, gitCommit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting tokengate",
		observability.String("version", version),
		observability.String("addr", cfg.Server.Addr),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal error", observability.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger observability.Logger) error {
	counterStore, err := buildCounterStore(cfg)
	if err != nil {
		return fmt.Errorf("build counter store: %w", err)
	}
	defer func() { _ = counterStore.Close() }()

	refreshStore, err := buildRefreshStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("build refresh store: %w", err)
	}
	defer func() { _ = refreshStore.Close() }()

	tokenCfg := token.Config{
		Secret:     []byte(cfg.Token.Secret),
		Issuer:     cfg.Token.Issuer,
		AccessTTL:  cfg.Token.AccessTTL.Duration(),
		RefreshTTL: cfg.Token.RefreshTTL.Duration(),
	}
	issuer, err := token.NewIssuer(tokenCfg, refreshStore)
	if err != nil {
		return err
	}
	parser, err := token.NewParser(tokenCfg)
	if err != nil {
		return err
	}

	thr := throttle.New(counterStore, throttle.Config{
		MaxAttempts: cfg.Throttle.MaxAttempts,
		Window:      cfg.Throttle.Window.Duration(),
	}, logger)
	bl := blacklist.New(counterStore, cfg.BlacklistTTL.Duration(), cfg.Token.AccessTTL.Duration(), logger)

	invoker := resilience.NewInvoker(resilience.InvokerConfig{
		Retry: resilience.RetryConfig{
			Attempts: cfg.Resilience.RetryAttempts,
		},
		Breaker: resilience.BreakerConfig{
			Timeout: cfg.Resilience.BreakerTimeout.Duration(),
		},
		AttemptTimeout: cfg.Resilience.AttemptTimeout.Duration(),
		RateLimit:      cfg.Resilience.RateLimit,
		Burst:          cfg.Resilience.Burst,
	},
		resilience.WithInvokerLogger(logger),
		resilience.WithBusinessClassifier(auth.IsBusinessError),
	)

	principals, err := buildPrincipalStore(logger)
	if err != nil {
		return err
	}

	service := auth.NewService(principals, thr, bl, issuer, parser, invoker,
		auth.WithServiceLogger(logger))
	carrier := transport.NewCarrier(cfg.Token.AccessTTL.Duration(), cfg.Token.RefreshTTL.Duration())
	guard := transport.NewRefreshGuard(service, parser, carrier, cfg.RefreshThreshold.Duration(), logger)
	jan := janitor.New(refreshStore, cfg.JanitorInterval.Duration(), logger)

	handlers := transport.NewHandlers(service, carrier, jan, invoker.Registry(), logger)
	handler := transport.Chain(handlers.Router(cfg.APIKey),
		transport.RequestID(),
		transport.Logging(logger),
		transport.StripSensitiveHeaders(),
		guard.Middleware(),
	)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go jan.Start(janitorCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", observability.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	}

	stopJanitor()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop server gracefully", observability.Error(err))
		return err
	}

	logger.Info("tokengate stopped")
	return nil
}

// buildCounterStore selects the throttle/blacklist backend.
func buildCounterStore(cfg *config.Config) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case config.BackendRedis:
		redisCfg := cache.DefaultRedisConfig()
		redisCfg.Address = cfg.Cache.Redis.Addr
		redisCfg.Password = cfg.Cache.Redis.Password
		redisCfg.DB = cfg.Cache.Redis.DB
		return cache.NewRedisStore(redisCfg)
	default:
		return cache.NewMemoryStore(), nil
	}
}

// buildRefreshStore selects the refresh-token backend.
func buildRefreshStore(cfg *config.Config, logger observability.Logger) (token.RefreshStore, error) {
	switch cfg.RefreshStore.Backend {
	case config.BackendPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return token.NewPostgresRefreshStore(ctx, cfg.RefreshStore.PostgresDSN, logger)
	default:
		return token.NewMemoryRefreshStore(), nil
	}
}

// buildPrincipalStore loads bootstrap accounts from the environment.
// TOKENGATE_BOOTSTRAP_USER / TOKENGATE_BOOTSTRAP_PASSWORD seed a single
// admin principal; production deployments plug in a real identity store.
func buildPrincipalStore(logger observability.Logger) (auth.PrincipalStore, error) {
	store := auth.NewMemoryPrincipalStore()

	username := os.Getenv("TOKENGATE_BOOTSTRAP_USER")
	password := os.Getenv("TOKENGATE_BOOTSTRAP_PASSWORD")
	if username == "" || password == "" {
		logger.Warn("no bootstrap principal configured")
		return store, nil
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash bootstrap password: %w", err)
	}

	store.Save(auth.Principal{
		ID:           "bootstrap",
		Username:     username,
		Enabled:      true,
		Roles:        []string{"ROLE_ADMIN", "ROLE_USER"},
		PasswordHash: hash,
	})
	logger.Info("bootstrap principal configured",
		observability.String("username", username),
	)
	return store, nil
}
