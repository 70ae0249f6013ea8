package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/blackmichael/timeline-cache/internal/domain"
	"github.com/blackmichael/timeline-cache/internal/metrics"
)

// AggregatorConfig holds the batch aggregator settings.
type AggregatorConfig struct {
	// BatchSize bounds how many entries one run pops from each pending set.
	BatchSize int

	// Delay is the pause between the end of one run and the start of the
	// next.
	Delay time.Duration

	// RequeueOnFailure puts entries that failed back into their pending set
	// instead of dropping them.
	RequeueOnFailure bool

	Metrics *metrics.Collector
}

// Aggregator recomputes post stats and follower counts queued by the fan-out
// writer.
type Aggregator struct {
	cache  domain.CacheStore
	source domain.SourceStore
	logger *slog.Logger
	cfg    AggregatorConfig

	busy atomic.Bool
}

// RunResult summarises one aggregator run.
type RunResult struct {
	RunID string
	Posts int
	Users int
}

// NewAggregator creates an Aggregator.
func NewAggregator(cache domain.CacheStore, source domain.SourceStore, logger *slog.Logger, cfg AggregatorConfig) *Aggregator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 2 * time.Second
	}
	return &Aggregator{
		cache:  cache,
		source: source,
		logger: logger,
		cfg:    cfg,
	}
}

// Run executes RunOnce until ctx is canceled, sleeping Delay after each run
// completes. Runs never overlap.
func (a *Aggregator) Run(ctx context.Context) {
	a.logger.Info("aggregator started", "batch_size", a.cfg.BatchSize, "delay", a.cfg.Delay.String())

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("aggregator stopped")
			return
		case <-timer.C:
			if _, err := a.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("aggregation run failed", "error", err)
			}
			timer.Reset(a.cfg.Delay)
		}
	}
}

// RunOnce pops up to BatchSize entries from each pending set and writes fresh
// aggregates to the source store and the cache. A run that pops nothing is a
// no-op. Entries whose recount fails are reported in a
// domain.AggregationFailure and are dropped unless RequeueOnFailure is set.
func (a *Aggregator) RunOnce(ctx context.Context) (RunResult, error) {
	if !a.busy.CompareAndSwap(false, true) {
		return RunResult{}, domain.ErrRunInProgress
	}
	defer a.busy.Store(false)

	result := RunResult{RunID: uuid.NewString()}

	posts, err := a.cache.SPopN(ctx, pendingPostKey, a.cfg.BatchSize)
	if err != nil {
		a.cfg.Metrics.AggregatorRun("error")
		return result, fmt.Errorf("pop pending posts: %w", err)
	}
	users, err := a.cache.SPopN(ctx, pendingUserKey, a.cfg.BatchSize)
	if err != nil {
		a.cfg.Metrics.AggregatorRun("error")
		if a.cfg.RequeueOnFailure {
			a.requeue(ctx, result.RunID, posts, nil)
		}
		return result, fmt.Errorf("pop pending users: %w", err)
	}
	if len(posts) == 0 && len(users) == 0 {
		a.cfg.Metrics.AggregatorRun("empty")
		return result, nil
	}

	var (
		errs        []error
		failedPosts []string
		failedUsers []string
		malformed   int
		stats       []domain.PostStats
		counts      = make(map[int64]int64, len(users))
	)

	for _, member := range posts {
		ref, err := domain.ParsePostRef(member)
		if err != nil {
			// Malformed entries are never retried.
			errs = append(errs, err)
			malformed++
			continue
		}
		s, err := a.recountPost(ctx, ref)
		if err != nil {
			errs = append(errs, err)
			failedPosts = append(failedPosts, member)
			continue
		}
		stats = append(stats, s)
	}
	for _, member := range users {
		uid, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid pending user %q: %w", member, err))
			malformed++
			continue
		}
		n, err := a.source.CountFollowers(ctx, uid)
		if err != nil {
			err = fmt.Errorf("count followers (uid=%d): %w", uid, err)
			errs = append(errs, err)
			failedUsers = append(failedUsers, member)
			continue
		}
		counts[uid] = n
	}

	err = a.cache.Exec(ctx, func(b domain.Batch) error {
		for _, s := range stats {
			data, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("encode stats: %w", err)
			}
			b.HSet(postHashKey, statsField(domain.PostRef{PostID: s.PostID, AuthorID: s.AuthorID}), string(data))
		}
		for uid, n := range counts {
			b.HSet(userKey(uid), fieldFollowerCount, strconv.FormatInt(n, 10))
		}
		return nil
	})
	if err != nil {
		// Nothing reached the cache, so every popped entry failed.
		errs = append(errs, fmt.Errorf("write aggregates: %w", err))
		failedPosts, failedUsers = posts, users
		stats, counts = nil, nil
	}

	result.Posts = len(stats)
	result.Users = len(counts)
	a.cfg.Metrics.AggregatorEntries("post", "ok", result.Posts)
	a.cfg.Metrics.AggregatorEntries("user", "ok", result.Users)

	if len(errs) == 0 {
		a.cfg.Metrics.AggregatorRun("ok")
		a.logger.Debug("aggregation run complete", "run_id", result.RunID, "posts", result.Posts, "users", result.Users)
		return result, nil
	}

	a.cfg.Metrics.AggregatorRun("failed")
	a.cfg.Metrics.AggregatorEntries("post", "failed", len(failedPosts))
	a.cfg.Metrics.AggregatorEntries("user", "failed", len(failedUsers))

	failure := &domain.AggregationFailure{
		RunID:  result.RunID,
		Failed: len(failedPosts) + len(failedUsers) + malformed,
		Err:    errors.Join(errs...),
	}
	if a.cfg.RequeueOnFailure {
		failure.Requeued = a.requeue(ctx, result.RunID, failedPosts, failedUsers)
	}
	return result, failure
}

func (a *Aggregator) recountPost(ctx context.Context, ref domain.PostRef) (domain.PostStats, error) {
	stats, err := a.source.CountPostStats(ctx, ref)
	if err != nil {
		return domain.PostStats{}, fmt.Errorf("count stats (post=%s): %w", ref, err)
	}
	if err := a.source.UpsertPostStats(ctx, stats); err != nil {
		return domain.PostStats{}, fmt.Errorf("store stats (post=%s): %w", ref, err)
	}
	return stats, nil
}

// requeue puts entries back into their pending sets and reports whether that
// succeeded.
func (a *Aggregator) requeue(ctx context.Context, runID string, posts, users []string) bool {
	if len(posts) == 0 && len(users) == 0 {
		return true
	}
	err := a.cache.Exec(context.WithoutCancel(ctx), func(b domain.Batch) error {
		b.SAdd(pendingPostKey, posts...)
		b.SAdd(pendingUserKey, users...)
		return nil
	})
	if err != nil {
		a.logger.Error("requeue failed, entries dropped", "run_id", runID, "posts", len(posts), "users", len(users), "error", err)
		return false
	}
	return true
}
