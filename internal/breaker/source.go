// Package breaker guards the source-of-truth store with a circuit breaker so
// that an unreachable database fails fast instead of stalling every cold start.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/blackmichael/timeline-cache/internal/domain"
)

// Config holds the circuit breaker settings.
type Config struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      10,
	}
}

// Source wraps a domain.SourceStore. Calls rejected by an open breaker return
// a domain.StoreUnavailableError.
type Source struct {
	next domain.SourceStore
	cb   *gobreaker.CircuitBreaker
}

var _ domain.SourceStore = (*Source)(nil)

// NewSource wraps next with a circuit breaker.
func NewSource(next domain.SourceStore, cfg Config, logger *slog.Logger) *Source {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		// Lookups of unknown users or posts say nothing about the health of
		// the database.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) ||
				errors.Is(err, context.Canceled)
		},
	})
	return &Source{next: next, cb: cb}
}

// State reports the current breaker state.
func (s *Source) State() gobreaker.State {
	return s.cb.State()
}

func call[T any](s *Source, fn func() (T, error)) (T, error) {
	out, err := s.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, &domain.StoreUnavailableError{Store: "source", Err: err}
		}
		return zero, err
	}
	return out.(T), nil
}

func (s *Source) GetProfile(ctx context.Context, uid int64) (*domain.Profile, error) {
	return call(s, func() (*domain.Profile, error) { return s.next.GetProfile(ctx, uid) })
}

func (s *Source) GetUIDByUsername(ctx context.Context, username string) (int64, error) {
	return call(s, func() (int64, error) { return s.next.GetUIDByUsername(ctx, username) })
}

func (s *Source) GetFollowers(ctx context.Context, uid int64) ([]int64, error) {
	return call(s, func() ([]int64, error) { return s.next.GetFollowers(ctx, uid) })
}

func (s *Source) GetFollowing(ctx context.Context, uid int64) ([]int64, error) {
	return call(s, func() ([]int64, error) { return s.next.GetFollowing(ctx, uid) })
}

func (s *Source) GetAllPosts(ctx context.Context, uid int64) ([]domain.CorePost, error) {
	return call(s, func() ([]domain.CorePost, error) { return s.next.GetAllPosts(ctx, uid) })
}

func (s *Source) GetAllPostStats(ctx context.Context, uid int64) ([]domain.PostStats, error) {
	return call(s, func() ([]domain.PostStats, error) { return s.next.GetAllPostStats(ctx, uid) })
}

func (s *Source) GetAllComments(ctx context.Context, uid int64) ([]domain.CommentLink, error) {
	return call(s, func() ([]domain.CommentLink, error) { return s.next.GetAllComments(ctx, uid) })
}

func (s *Source) GetLikes(ctx context.Context, uid int64) ([]domain.Engagement, error) {
	return call(s, func() ([]domain.Engagement, error) { return s.next.GetLikes(ctx, uid) })
}

func (s *Source) GetReposts(ctx context.Context, uid int64) ([]domain.Engagement, error) {
	return call(s, func() ([]domain.Engagement, error) { return s.next.GetReposts(ctx, uid) })
}

func (s *Source) CountPostStats(ctx context.Context, ref domain.PostRef) (domain.PostStats, error) {
	return call(s, func() (domain.PostStats, error) { return s.next.CountPostStats(ctx, ref) })
}

func (s *Source) UpsertPostStats(ctx context.Context, stats domain.PostStats) error {
	_, err := call(s, func() (struct{}, error) { return struct{}{}, s.next.UpsertPostStats(ctx, stats) })
	return err
}

func (s *Source) CountFollowers(ctx context.Context, uid int64) (int64, error) {
	return call(s, func() (int64, error) { return s.next.CountFollowers(ctx, uid) })
}
