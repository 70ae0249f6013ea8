// Package timeline implements the timeline cache engine: cold-start loading of
// users into the cache, fan-out of writes into materialized timelines, cursor
// pagination with hydration, and the batch aggregator that keeps engagement
// counters fresh.
package timeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/blackmichael/timeline-cache/internal/domain"
	"github.com/blackmichael/timeline-cache/internal/metrics"
)

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// Notifier is told about every home timeline that received a new entry.
type Notifier interface {
	Notify(ctx context.Context, recipients []int64, entry domain.Entry)
}

// Config holds the engine settings.
type Config struct {
	// ImageBaseURL prefixes the relative image paths kept in profiles.
	ImageBaseURL string

	// Concurrency bounds the parallel source reads of one timeline build.
	Concurrency int

	// LoadTimeout bounds a shared cold start or timeline build. Defaults to
	// 30s.
	LoadTimeout time.Duration

	Metrics  *metrics.Collector
	Notifier Notifier

	// Now is the clock used for cursors and display dates. Defaults to
	// time.Now.
	Now func() time.Time
}

// Engine is the surface route handlers use. Cache and source store are
// injected so tests can run it against an embedded Redis and SQLite.
type Engine struct {
	cache  domain.CacheStore
	source domain.SourceStore
	logger *slog.Logger
	cfg    Config

	warming singleflight.Group
}

// NewEngine creates an Engine.
func NewEngine(cache domain.CacheStore, source domain.SourceStore, logger *slog.Logger, cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 30 * time.Second
	}
	cfg.ImageBaseURL = strings.TrimSuffix(cfg.ImageBaseURL, "/")
	return &Engine{
		cache:  cache,
		source: source,
		logger: logger,
		cfg:    cfg,
	}
}

func (e *Engine) imageURL(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return e.cfg.ImageBaseURL + "/" + strings.TrimPrefix(path, "/")
}

func (e *Engine) notify(ctx context.Context, recipients []int64, entry domain.Entry) {
	if e.cfg.Notifier == nil || len(recipients) == 0 {
		return
	}
	e.cfg.Notifier.Notify(ctx, recipients, entry)
}

// ClampLimit bounds a requested page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageLimit
	case limit > MaxPageLimit:
		return MaxPageLimit
	default:
		return limit
	}
}
