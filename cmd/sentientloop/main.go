// Command sentientloop runs the governance engine: the HTTP API, the
// escalation sweep, and the audit retention sweep, over a memory, SQLite,
// or Postgres repository.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"github.com/cauldronos/sentientloop/pkg/api"
	"github.com/cauldronos/sentientloop/pkg/audit"
	"github.com/cauldronos/sentientloop/pkg/checkpoint"
	"github.com/cauldronos/sentientloop/pkg/config"
	"github.com/cauldronos/sentientloop/pkg/engine"
	"github.com/cauldronos/sentientloop/pkg/escalation"
	"github.com/cauldronos/sentientloop/pkg/failure"
	"github.com/cauldronos/sentientloop/pkg/notify"
	"github.com/cauldronos/sentientloop/pkg/observability"
	"github.com/cauldronos/sentientloop/pkg/policy"
	"github.com/cauldronos/sentientloop/pkg/recovery"
	"github.com/cauldronos/sentientloop/pkg/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

func openRepository(cfg *config.Config) (store.Repository, error) {
	switch cfg.StorageDriver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		p, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

func buildNotifier(cfg *config.Config, redisClient *redis.Client, logger *slog.Logger) notify.Notifier {
	var base notify.Notifier
	if cfg.NotifyWebhookURL != "" {
		base = notify.NewWebhook(cfg.NotifyWebhookURL)
	} else {
		base = notify.NewLog(logger)
	}
	var guard notify.Guard
	if redisClient != nil {
		guard = notify.NewRedisGuard(redisClient)
	} else {
		guard = notify.NewMemoryGuard()
	}
	return notify.NewIdempotent(base, guard, time.Hour, logger)
}

func run() error {
	profilePath := flag.String("profile", "", "path to a YAML deployment profile")
	flag.Parse()

	cfg := config.Load()
	if *profilePath != "" {
		prof, err := config.LoadProfile(*profilePath)
		if err != nil {
			return err
		}
		if err := prof.Apply(cfg); err != nil {
			return err
		}
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var obs *observability.Provider
	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obsCfg.Insecure = cfg.OTLPInsecure
		obsCfg.Environment = cfg.Environment
		var err error
		obs, err = observability.New(ctx, obsCfg)
		if err != nil {
			return fmt.Errorf("init observability: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
	}

	repo, err := openRepository(cfg)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	chain := audit.NewChainStore()
	recorder := audit.NewRecorder(chain, audit.WithLogger(logger))

	var exporter *audit.Exporter
	if cfg.EvidenceBucket != "" {
		uploader, err := audit.NewS3Uploader(ctx, cfg.EvidenceBucket)
		if err != nil {
			return fmt.Errorf("init evidence uploader: %w", err)
		}
		exporter = audit.NewExporter(chain, uploader, audit.WithPrefix(cfg.EvidencePrefix))
	}

	conditions, err := policy.NewConditionEvaluator()
	if err != nil {
		return fmt.Errorf("init condition evaluator: %w", err)
	}
	policies := policy.NewStore(repo, conditions, logger)
	if err := policies.EnsureDefault(ctx); err != nil {
		return fmt.Errorf("seed default policy: %w", err)
	}

	notifier := buildNotifier(cfg, redisClient, logger)

	gate := checkpoint.NewGate(conditions, logger)
	resolver := checkpoint.NewResolver(repo, recorder, logger,
		checkpoint.WithNotifier(notifier),
		checkpoint.WithPolicySource(policies),
	)
	monitor := failure.NewMonitor(repo, recorder, logger)

	advisorOpts := []recovery.AdvisorOption{}
	if redisClient != nil {
		advisorOpts = append(advisorOpts, recovery.WithLease(recovery.NewRedisLease(redisClient)))
	}
	advisor := recovery.NewAdvisor(repo, recorder, logger, advisorOpts...)

	eng := engine.New(repo, policies, gate, resolver, monitor, advisor, recorder, logger,
		engine.WithObservability(obs))

	scheduler := escalation.NewScheduler(repo, policies, resolver, recorder, notifier, logger,
		escalation.WithInterval(cfg.SweepInterval),
		escalation.WithObservability(obs))
	go scheduler.Run(ctx)

	retention := audit.NewRetention(chain, exporter, nil, logger)
	go func() {
		ticker := time.NewTicker(cfg.RetentionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pol, err := policies.Get(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "retention sweep skipped", "error", err)
					continue
				}
				if _, err := retention.SweepOnce(ctx, pol.MemoryRetention); err != nil {
					logger.ErrorContext(ctx, "retention sweep failed", "error", err)
				}
			}
		}
	}()

	limiter := api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	var idem api.IdempotencyStorer
	if redisClient != nil {
		idem = api.NewRedisIdempotencyStore(redisClient, cfg.IdempotencyTTL)
	} else {
		idem = api.NewIdempotencyStore(cfg.IdempotencyTTL)
	}
	server := api.NewServer(eng, chain,
		api.WithAwaitPollInterval(cfg.AwaitPollInterval))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(limiter, idem),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr, "storage", cfg.StorageDriver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
