package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/directory"
	"github.com/Tyrowin/gochat-relay/internal/logging"
	"github.com/Tyrowin/gochat-relay/internal/server"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, json, or toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("starting GoChat relay",
		zap.String("port", cfg.Port),
		zap.Strings("allowed_origins", cfg.AllowedOrigins),
		zap.String("database", cfg.Database.DSN))

	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	repo := store.NewRepository(db)

	verifier, redisClient := newVerifier(cfg, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := server.NewMetrics(reg)

	dir := directory.New(repo,
		directory.WithHistoryLimit(cfg.HistoryLimit),
		directory.WithLogger(logger.Named("directory")))

	hub := server.NewHub(verifier, dir, server.Options{
		Logger:             logger.Named("hub"),
		Metrics:            metrics,
		MaxContentLength:   cfg.MaxContentLength,
		RequireCorrelation: cfg.RequireCorrelation,
	})

	mux := server.SetupRoutes(hub, cfg, reg, logger.Named("http"))
	httpServer := server.CreateServer(cfg.Port, mux)

	go func() {
		if err := server.StartServer(httpServer, logger); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// The HTTP listener stops first so no new upgrades race the hub closing
	// existing connections; the store closes last.
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownGracePeriod,
		map[string]gfshutdown.Operation{
			"relay": func(context.Context) error {
				var errs []error
				if err := server.ShutdownServer(httpServer, cfg.ShutdownGracePeriod/2, logger); err != nil {
					errs = append(errs, fmt.Errorf("http server: %w", err))
				}
				if err := hub.Shutdown(cfg.ShutdownGracePeriod / 2); err != nil {
					errs = append(errs, fmt.Errorf("hub: %w", err))
				}
				if redisClient != nil {
					if err := redisClient.Close(); err != nil {
						errs = append(errs, fmt.Errorf("redis: %w", err))
					}
				}
				if err := repo.Close(); err != nil {
					errs = append(errs, fmt.Errorf("store: %w", err))
				}
				return errors.Join(errs...)
			},
		},
	)

	exitCode := <-wait
	logger.Info("server exited", zap.Int("code", exitCode))
	_ = logger.Sync()
	os.Exit(exitCode)
}

// newVerifier builds the JWT verifier, backed by a Redis revocation list
// when one is configured.
func newVerifier(cfg config.Config, logger *zap.Logger) (auth.Verifier, *redis.Client) {
	jwtConfig := auth.JWTConfig{
		SecretKey: cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
		TokenTTL:  cfg.Auth.TokenTTL,
	}
	if cfg.Auth.RedisAddr == "" {
		return auth.NewJWTVerifier(jwtConfig), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Auth.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("revocation list unreachable; tokens are accepted until it recovers",
			zap.String("addr", cfg.Auth.RedisAddr),
			zap.Error(err))
	}

	revocations := auth.NewRedisRevocationList(client, cfg.Auth.RevocationPrefix)
	verifier := auth.NewJWTVerifier(jwtConfig,
		auth.WithRevocationList(revocations),
		auth.WithRevocationErrorHandler(func(err error) {
			logger.Warn("revocation check failed", zap.Error(err))
		}))
	return verifier, client
}
