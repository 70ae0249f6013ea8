package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/timeline-cache/internal/domain"
)

func (f *fixture) cachedStats(ref domain.PostRef) domain.PostStats {
	f.t.Helper()
	data, ok, err := f.cache.HGet(f.ctx, postHashKey, statsField(ref))
	require.NoError(f.t, err)
	require.True(f.t, ok, "no stats cached for %s", ref)
	var stats domain.PostStats
	require.NoError(f.t, json.Unmarshal([]byte(data), &stats))
	return stats
}

func TestScenario_LikeToggleCountsOnce(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	p1 := f.post(alice, "P1")

	f.like(bob, p1.Ref())
	f.unlike(bob, p1.Ref())
	f.like(bob, p1.Ref())

	res, err := f.agg.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Posts)
	assert.NotEmpty(t, res.RunID)

	assert.Equal(t, int64(1), f.cachedStats(p1.Ref()).Likes)
}

func TestAggregator_StatsEventualCorrectness(t *testing.T) {
	f := newFixture(t)
	author := f.user("author")
	post := f.post(author, "popular")

	likers := []int64{f.user("l1"), f.user("l2"), f.user("l3"), f.user("l4")}
	reposters := []int64{f.user("r1"), f.user("r2")}
	for _, uid := range likers {
		f.like(uid, post.Ref())
	}
	f.unlike(likers[0], post.Ref())
	f.like(likers[0], post.Ref())
	for _, uid := range reposters {
		f.repost(uid, post.Ref())
	}
	f.comment(likers[1], post.Ref(), "nice")

	_, err := f.agg.RunOnce(f.ctx)
	require.NoError(t, err)

	want := domain.PostStats{PostID: post.PostID, AuthorID: author, Likes: 4, Reposts: 2, Comments: 1}
	assert.Equal(t, want, f.cachedStats(post.Ref()))

	stored, err := f.repo.GetAllPostStats(f.ctx, author)
	require.NoError(t, err)
	assert.Equal(t, []domain.PostStats{want}, stored)

	page, err := f.engine.UserTimeline(f.ctx, author, 0, 0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, page.Posts)
	assert.Equal(t, int64(4), page.Posts[0].Likes)
}

func TestAggregator_FollowerCounts(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.user("alice"), f.user("bob"), f.user("carol")
	require.NoError(t, f.engine.EnsureWarm(f.ctx, alice))

	f.follow(bob, alice)
	f.follow(carol, alice)

	view, err := f.engine.GetProfileView(f.ctx, alice, 0)
	require.NoError(t, err)
	assert.Zero(t, view.FollowerCount, "counts only move when the aggregator runs")

	res, err := f.agg.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Users)

	view, err = f.engine.GetProfileView(f.ctx, alice, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), view.FollowerCount)
}

func TestAggregator_EmptyRunIsNoop(t *testing.T) {
	f := newFixture(t)

	res, err := f.agg.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Posts)
	assert.Zero(t, res.Users)
	assert.Zero(t, f.keyCount())
}

func TestAggregator_BatchSizeBoundsRun(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice")
	agg := NewAggregator(f.cache, f.repo, discardLogger(), AggregatorConfig{BatchSize: 2})

	for i := 0; i < 5; i++ {
		post := f.post(alice, "p")
		f.like(alice, post.Ref())
	}

	for _, want := range []int{2, 2, 1, 0} {
		res, err := agg.RunOnce(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, want, res.Posts)
	}
}

type flakyCounts struct {
	domain.SourceStore
	err error
}

func (s flakyCounts) CountPostStats(context.Context, domain.PostRef) (domain.PostStats, error) {
	return domain.PostStats{}, s.err
}

func TestAggregator_FailureDropsByDefault(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	post := f.post(alice, "p")
	f.like(bob, post.Ref())
	f.follow(bob, alice)

	boom := errors.New("statement timeout")
	agg := NewAggregator(f.cache, flakyCounts{SourceStore: f.repo, err: boom}, discardLogger(), AggregatorConfig{})

	res, err := agg.RunOnce(f.ctx)
	var failure *domain.AggregationFailure
	require.ErrorAs(t, err, &failure)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, failure.Failed)
	assert.False(t, failure.Requeued)
	assert.Equal(t, res.RunID, failure.RunID)

	// The follower recount in the same run still lands.
	assert.Equal(t, 1, res.Users)

	pending, err := f.cache.SMembers(f.ctx, pendingPostKey)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAggregator_RequeueOnFailure(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	post := f.post(alice, "p")
	f.like(bob, post.Ref())

	agg := NewAggregator(f.cache, flakyCounts{SourceStore: f.repo, err: errors.New("down")}, discardLogger(),
		AggregatorConfig{RequeueOnFailure: true})

	_, err := agg.RunOnce(f.ctx)
	var failure *domain.AggregationFailure
	require.ErrorAs(t, err, &failure)
	assert.True(t, failure.Requeued)

	pending, err := f.cache.SMembers(f.ctx, pendingPostKey)
	require.NoError(t, err)
	assert.Equal(t, []string{post.Ref().Member()}, pending)

	// A healthy aggregator picks the entry up again.
	_, err = f.agg.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.cachedStats(post.Ref()).Likes)
}

type blockingSource struct {
	domain.SourceStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingSource) CountFollowers(ctx context.Context, uid int64) (int64, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.SourceStore.CountFollowers(ctx, uid)
}

func TestAggregator_RunsNeverOverlap(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	f.follow(bob, alice)

	src := &blockingSource{SourceStore: f.repo, entered: make(chan struct{}), release: make(chan struct{})}
	agg := NewAggregator(f.cache, src, discardLogger(), AggregatorConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := agg.RunOnce(f.ctx)
		done <- err
	}()
	<-src.entered

	_, err := agg.RunOnce(f.ctx)
	assert.ErrorIs(t, err, domain.ErrRunInProgress)

	close(src.release)
	require.NoError(t, <-done)
}

func TestAggregator_RunLoop(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	post := f.post(alice, "p")
	f.like(bob, post.Ref())

	agg := NewAggregator(f.cache, f.repo, discardLogger(), AggregatorConfig{Delay: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(f.ctx)
	stopped := make(chan struct{})
	go func() {
		agg.Run(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		_, ok, err := f.cache.HGet(f.ctx, postHashKey, statsField(post.Ref()))
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("aggregator did not stop")
	}
}
