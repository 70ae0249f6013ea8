package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/blackmichael/timeline-cache/internal/breaker"
	"github.com/blackmichael/timeline-cache/internal/config"
	"github.com/blackmichael/timeline-cache/internal/live"
	"github.com/blackmichael/timeline-cache/internal/metrics"
	"github.com/blackmichael/timeline-cache/internal/postgres"
	rediscache "github.com/blackmichael/timeline-cache/internal/redis"
	"github.com/blackmichael/timeline-cache/internal/social"
	"github.com/blackmichael/timeline-cache/internal/timeline"
)

// app is the wired dependency graph shared by the commands.
type app struct {
	logger     *slog.Logger
	metrics    *metrics.Collector
	repo       *postgres.Repository
	redis      *rediscache.Cache
	hub        *live.Hub
	engine     *timeline.Engine
	aggregator *timeline.Aggregator
	social     *social.Service
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := cfg.SlogLevel()
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

func openRepository(cfg *config.Config) (*postgres.Repository, error) {
	repo, err := postgres.NewRepository(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}
	return repo, nil
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{
		logger:  newLogger(cfg),
		metrics: metrics.NewCollector("timeline"),
	}

	repo, err := openRepository(cfg)
	if err != nil {
		return nil, err
	}
	a.repo = repo
	a.logger.Info("connected to database", "driver", cfg.DatabaseDriver)

	if cfg.InMemoryCache() {
		rc, err := rediscache.NewEmbedded()
		if err != nil {
			repo.Close()
			return nil, fmt.Errorf("start cache: %w", err)
		}
		a.redis = rc
		a.logger.Warn("using embedded redis; state is lost on restart")
	} else {
		rc, err := rediscache.New(cfg.RedisURL)
		if err != nil {
			repo.Close()
			return nil, fmt.Errorf("connect cache: %w", err)
		}
		a.redis = rc
		a.logger.Info("connected to cache", "url", redactURL(cfg.RedisURL))
	}
	cache := a.redis

	source := breaker.NewSource(repo, breaker.DefaultConfig("source"), a.logger)

	engineCfg := timeline.Config{
		ImageBaseURL: cfg.ImageBaseURL,
		Metrics:      a.metrics,
	}
	if cfg.FanoutNotify {
		a.hub = live.NewHub(a.logger, a.metrics)
		engineCfg.Notifier = a.hub
	}

	a.engine = timeline.NewEngine(cache, source, a.logger, engineCfg)
	a.aggregator = timeline.NewAggregator(cache, source, a.logger, timeline.AggregatorConfig{
		BatchSize:        cfg.AggregatorBatchSize,
		Delay:            cfg.AggregatorDelay,
		RequeueOnFailure: cfg.AggregatorRequeueOnFailure,
		Metrics:          a.metrics,
	})
	a.social = social.NewService(repo, a.engine, a.logger)
	return a, nil
}

func (a *app) Close() {
	if err := a.redis.Close(); err != nil {
		a.logger.Error("close cache", "error", err)
	}
	if err := a.repo.Close(); err != nil {
		a.logger.Error("close repository", "error", err)
	}
}

// redactURL strips credentials before a URL is logged.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}
