package timeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/timeline-cache/internal/domain"
)

// seed writes a small social graph straight into the source store.
func seed(t *testing.T, f *fixture) (alice, bob, carol int64) {
	t.Helper()
	ctx := f.ctx
	alice, bob, carol = f.user("alice"), f.user("bob"), f.user("carol")

	require.NoError(t, f.repo.InsertFollow(ctx, bob, alice))
	require.NoError(t, f.repo.InsertFollow(ctx, carol, alice))

	p1, err := f.repo.InsertPost(ctx, alice, "hello", nil)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.repo.InsertPost(ctx, alice, "again", nil)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.repo.InsertPost(ctx, bob, "reply", &domain.PostRef{PostID: p1.PostID, AuthorID: alice})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.repo.InsertLike(ctx, alice, domain.PostRef{PostID: 1, AuthorID: bob})
	require.NoError(t, err)
	_, err = f.repo.InsertRepost(ctx, alice, domain.PostRef{PostID: 1, AuthorID: bob})
	require.NoError(t, err)
	require.NoError(t, f.repo.UpsertPostStats(ctx, domain.PostStats{PostID: 1, AuthorID: alice, Likes: 3}))
	return alice, bob, carol
}

func TestEnsureWarm_ColdStartContents(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := seed(t, f)

	state, err := f.engine.State(f.ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCold, state)

	require.NoError(t, f.engine.EnsureWarm(f.ctx, alice))

	state, err = f.engine.State(f.ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.StateWarm, state)

	snap := f.snapshot()
	assert.Contains(t, snap[userKey(alice)], "username=alice")
	assert.Contains(t, snap[userKey(alice)], "followerCount=2")
	assert.Equal(t, uidString(alice), snap[usernameKey("ALICE")])
	assert.Equal(t, uidString(bob)+"|"+uidString(carol), snap[followersKey(alice)])
	assert.Contains(t, snap[postHashKey], "1:"+uidString(alice)+"=")
	assert.Contains(t, snap[postHashKey], "1:"+uidString(alice)+":stats=")
	replyAt := domain.Millis(f.clock.Now().Add(-time.Minute))
	assert.Equal(t, "1:"+uidString(bob)+"@"+uidString(replyAt), snap[commentsKey(domain.PostRef{PostID: 1, AuthorID: alice})])
	assert.Equal(t, "1:"+uidString(bob), snap[repostsKey(alice)])
	assert.Contains(t, snap[likesKey(alice)], "1:"+uidString(bob)+"@")

	// Nothing is written for users that were not touched.
	_, ok := snap[userKey(bob)]
	assert.False(t, ok)
}

func TestEnsureWarm_Idempotent(t *testing.T) {
	once := newFixture(t)
	alice, _, _ := seed(t, once)
	require.NoError(t, once.engine.EnsureWarm(once.ctx, alice))
	want := once.snapshot()

	// The same source, reconstructed by many concurrent callers into a fresh
	// cache, converges on the same state.
	fresh := newFixture(t)
	engine := NewEngine(fresh.cache, once.repo, discardLogger(), Config{Now: once.clock.Now})
	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = engine.EnsureWarm(context.Background(), alice)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, want, fresh.snapshot())

	// Warm users take the fast path and leave the cache untouched.
	require.NoError(t, engine.EnsureWarm(context.Background(), alice))
	assert.Equal(t, want, fresh.snapshot())
}

func TestEnsureWarm_UnknownUser(t *testing.T) {
	f := newFixture(t)

	err := f.engine.EnsureWarm(f.ctx, 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, f.keyCount())
}

type failingSource struct {
	domain.SourceStore
	err error
}

func (s failingSource) GetLikes(context.Context, int64) ([]domain.Engagement, error) {
	return nil, s.err
}

func TestEnsureWarm_SourceFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	alice, _, _ := seed(t, f)

	boom := errors.New("connection reset")
	engine := NewEngine(f.cache, failingSource{SourceStore: f.repo, err: boom}, discardLogger(), Config{})

	err := engine.EnsureWarm(f.ctx, alice)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, f.keyCount())

	state, err := engine.State(f.ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCold, state)

	// The next call retries from scratch.
	require.NoError(t, f.engine.EnsureWarm(f.ctx, alice))
}

func TestResolveUsername(t *testing.T) {
	f := newFixture(t)
	alice := f.user("Alice")

	uid, err := f.engine.ResolveUsername(f.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice, uid)

	require.NoError(t, f.engine.EnsureWarm(f.ctx, alice))
	uid, err = f.engine.ResolveUsername(f.ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, alice, uid)

	_, err = f.engine.ResolveUsername(f.ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRefreshProfile(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice")

	// Cold users are left alone.
	require.NoError(t, f.engine.RefreshProfile(f.ctx, alice))
	assert.Zero(t, f.keyCount())

	require.NoError(t, f.engine.EnsureWarm(f.ctx, alice))
	name, desc := "alicia", "new bio"
	require.NoError(t, f.repo.UpdateProfile(f.ctx, alice, domain.ProfileUpdate{Username: &name, Description: &desc}))
	require.NoError(t, f.engine.RefreshProfile(f.ctx, alice))

	view, err := f.engine.GetProfileView(f.ctx, alice, 0)
	require.NoError(t, err)
	assert.Equal(t, "alicia", view.Username)
	assert.Equal(t, "new bio", view.Description)

	snap := f.snapshot()
	assert.NotContains(t, snap, usernameKey("alice"))
	assert.Equal(t, uidString(alice), snap[usernameKey("alicia")])
}

func TestHomeTimeline_BuiltFromFollowing(t *testing.T) {
	f := newFixture(t)
	alice, bob, _ := seed(t, f)
	require.NoError(t, f.repo.InsertFollow(f.ctx, alice, bob))

	posts := f.home(alice)

	// Alice's two posts plus Bob's reply, which Alice also reposted; the
	// repost is the later event and so carries the attribution.
	require.Len(t, posts, 3)
	assert.Equal(t, domain.PostRef{PostID: 1, AuthorID: bob, AttributedUsername: "alice"}, refsOf(posts)[0])
	assert.Equal(t, domain.PostRef{PostID: 2, AuthorID: alice}, refsOf(posts)[1])
	assert.Equal(t, domain.PostRef{PostID: 1, AuthorID: alice}, refsOf(posts)[2])

	snap := f.snapshot()
	assert.Contains(t, snap[userKey(alice)], fieldHomeBuilt+"=1")
}

type blockingProfileSource struct {
	domain.SourceStore
	release chan struct{}
}

func (s blockingProfileSource) GetProfile(ctx context.Context, uid int64) (*domain.Profile, error) {
	select {
	case <-s.release:
		return s.SourceStore.GetProfile(ctx, uid)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestEnsureWarm_CallerDeadline(t *testing.T) {
	f := newFixture(t)
	alice, _, _ := seed(t, f)
	release := make(chan struct{})
	engine := NewEngine(f.cache, blockingProfileSource{SourceStore: f.repo, release: release}, discardLogger(), Config{Now: f.clock.Now})

	ctx, cancel := context.WithTimeout(f.ctx, 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := engine.EnsureWarm(ctx, alice)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	// The shared load carries on and lands once the source answers.
	close(release)
	assert.Eventually(t, func() bool {
		state, err := engine.State(f.ctx, alice)
		return err == nil && state == domain.StateWarm
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEnsureWarm_LoadTimeout(t *testing.T) {
	f := newFixture(t)
	alice, _, _ := seed(t, f)
	engine := NewEngine(f.cache, blockingProfileSource{SourceStore: f.repo, release: make(chan struct{})}, discardLogger(), Config{
		Now:         f.clock.Now,
		LoadTimeout: 50 * time.Millisecond,
	})

	err := engine.EnsureWarm(f.ctx, alice)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, f.keyCount())
}

// followDuringBuild follows right after a home build has read the following
// list and before the build commits.
type followDuringBuild struct {
	domain.SourceStore
	once   sync.Once
	follow func()
}

func (s *followDuringBuild) GetFollowing(ctx context.Context, uid int64) ([]int64, error) {
	ids, err := s.SourceStore.GetFollowing(ctx, uid)
	s.once.Do(s.follow)
	return ids, err
}

func TestHomeTimeline_FollowDuringBuild(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	post := f.post(bob, "hello")

	src := &followDuringBuild{SourceStore: f.repo}
	engine := NewEngine(f.cache, src, discardLogger(), Config{Now: f.clock.Now})
	src.follow = func() {
		assert.NoError(t, f.repo.InsertFollow(f.ctx, alice, bob))
		assert.NoError(t, engine.OnFollowed(f.ctx, alice, bob))
	}

	page, err := engine.HomeTimeline(f.ctx, alice, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []domain.PostRef{post.Ref()}, refsOf(page.Posts))

	snap := f.snapshot()
	assert.Contains(t, snap[userKey(alice)], fieldHomeBuilt+"=1")
	assert.Contains(t, snap[userKey(alice)], fieldHomeGen+"=1")
}
