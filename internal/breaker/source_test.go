package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/timeline-cache/internal/domain"
)

type flakySource struct {
	domain.SourceStore
	err   error
	calls int
}

func (f *flakySource) GetProfile(_ context.Context, uid int64) (*domain.Profile, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Profile{UserID: uid, Username: "alice"}, nil
}

func (f *flakySource) GetFollowers(_ context.Context, _ int64) ([]int64, error) {
	f.calls++
	return nil, f.err
}

func testConfig() Config {
	cfg := DefaultConfig("source")
	cfg.MinRequests = 3
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Hour
	return cfg
}

func TestSource_PassesThrough(t *testing.T) {
	src := NewSource(&flakySource{}, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	p, err := src.GetProfile(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.UserID)

	followers, err := src.GetFollowers(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, followers)
}

func TestSource_OpensAfterFailures(t *testing.T) {
	boom := errors.New("connection refused")
	inner := &flakySource{err: boom}
	src := NewSource(inner, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := src.GetProfile(ctx, 1)
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, gobreaker.StateOpen, src.State())

	_, err := src.GetProfile(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, inner.calls, "open breaker must not reach the store")
}

func TestSource_NotFoundKeepsBreakerClosed(t *testing.T) {
	inner := &flakySource{err: domain.UserNotFound(1)}
	src := NewSource(inner, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < 10; i++ {
		_, err := src.GetProfile(context.Background(), 1)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, src.State())
}
