package timeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/timeline-cache/internal/domain"
	"github.com/blackmichael/timeline-cache/internal/postgres"
	rediscache "github.com/blackmichael/timeline-cache/internal/redis"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) SetMillis(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.UnixMilli(ms).UTC()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls map[int64][]domain.Entry
}

func (n *recordingNotifier) Notify(_ context.Context, recipients []int64, entry domain.Entry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls == nil {
		n.calls = make(map[int64][]domain.Entry)
	}
	for _, r := range recipients {
		n.calls[r] = append(n.calls[r], entry)
	}
}

func (n *recordingNotifier) For(uid int64) []domain.Entry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[uid]
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	clock    *testClock
	repo     *postgres.Repository
	cache    domain.CacheStore
	mr       *miniredis.Miniredis
	notifier *recordingNotifier
	engine   *Engine
	agg      *Aggregator
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	f := buildFixture(t, rediscache.NewFromClient(rdb))
	f.mr = mr
	return f
}

// snapshot renders every key of the cache canonically so that store states
// can be compared.
func (f *fixture) snapshot() map[string]string {
	f.t.Helper()
	out := make(map[string]string)
	for _, key := range f.mr.Keys() {
		var parts []string
		switch f.mr.Type(key) {
		case "string":
			v, err := f.mr.Get(key)
			require.NoError(f.t, err)
			parts = []string{v}
		case "hash":
			fields, err := f.mr.HKeys(key)
			require.NoError(f.t, err)
			for _, field := range fields {
				parts = append(parts, field+"="+f.mr.HGet(key, field))
			}
		case "set":
			members, err := f.mr.Members(key)
			require.NoError(f.t, err)
			parts = members
		case "zset":
			members, err := f.mr.ZMembers(key)
			require.NoError(f.t, err)
			for _, m := range members {
				score, err := f.mr.ZScore(key, m)
				require.NoError(f.t, err)
				parts = append(parts, fmt.Sprintf("%s@%d", m, int64(score)))
			}
		}
		sort.Strings(parts)
		out[key] = strings.Join(parts, "|")
	}
	return out
}

// keyCount returns the number of keys in the cache.
func (f *fixture) keyCount() int {
	return len(f.mr.Keys())
}

func buildFixture(t *testing.T, cache domain.CacheStore) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}

	repo, err := postgres.NewRepository(postgres.DriverSQLite, ":memory:", postgres.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	require.NoError(t, repo.Migrate(context.Background()))

	notifier := &recordingNotifier{}
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		clock:    clock,
		repo:     repo,
		cache:    cache,
		notifier: notifier,
	}
	f.engine = NewEngine(cache, repo, discardLogger(), Config{
		ImageBaseURL: "https://img.example.com/",
		Notifier:     notifier,
		Now:          clock.Now,
	})
	f.agg = NewAggregator(cache, repo, discardLogger(), AggregatorConfig{BatchSize: 50})
	return f
}

func (f *fixture) user(name string) int64 {
	f.t.Helper()
	p, err := f.repo.CreateUser(f.ctx, domain.Profile{
		Username:          name,
		ProfileImage:      name + ".png",
		SmallProfileImage: name + "-small.png",
	})
	require.NoError(f.t, err)
	return p.UserID
}

func (f *fixture) post(uid int64, body string) domain.CorePost {
	f.t.Helper()
	p, err := f.repo.InsertPost(f.ctx, uid, body, nil)
	require.NoError(f.t, err)
	require.NoError(f.t, f.engine.OnPostCreated(f.ctx, uid, *p, nil))
	return *p
}

func (f *fixture) comment(uid int64, parent domain.PostRef, body string) domain.CorePost {
	f.t.Helper()
	p, err := f.repo.InsertPost(f.ctx, uid, body, &parent)
	require.NoError(f.t, err)
	require.NoError(f.t, f.engine.OnPostCreated(f.ctx, uid, *p, &parent))
	return *p
}

func (f *fixture) deletePost(ref domain.PostRef) {
	f.t.Helper()
	parent, err := f.repo.DeletePost(f.ctx, ref)
	require.NoError(f.t, err)
	require.NoError(f.t, f.engine.OnPostDeleted(f.ctx, ref.AuthorID, ref, parent))
}

func (f *fixture) follow(follower, followee int64) {
	f.t.Helper()
	require.NoError(f.t, f.repo.InsertFollow(f.ctx, follower, followee))
	require.NoError(f.t, f.engine.OnFollowed(f.ctx, follower, followee))
}

func (f *fixture) unfollow(follower, followee int64) {
	f.t.Helper()
	require.NoError(f.t, f.repo.DeleteFollow(f.ctx, follower, followee))
	require.NoError(f.t, f.engine.OnUnfollowed(f.ctx, follower, followee))
}

func (f *fixture) like(uid int64, ref domain.PostRef) {
	f.t.Helper()
	like, err := f.repo.InsertLike(f.ctx, uid, ref)
	require.NoError(f.t, err)
	require.NoError(f.t, f.engine.OnLiked(f.ctx, uid, *like))
}

func (f *fixture) unlike(uid int64, ref domain.PostRef) {
	f.t.Helper()
	require.NoError(f.t, f.repo.DeleteLike(f.ctx, uid, ref))
	require.NoError(f.t, f.engine.OnUnliked(f.ctx, uid, ref))
}

func (f *fixture) repost(uid int64, ref domain.PostRef) {
	f.t.Helper()
	repost, err := f.repo.InsertRepost(f.ctx, uid, ref)
	require.NoError(f.t, err)
	require.NoError(f.t, f.engine.OnReposted(f.ctx, uid, *repost))
}

func (f *fixture) unrepost(uid int64, ref domain.PostRef) {
	f.t.Helper()
	require.NoError(f.t, f.repo.DeleteRepost(f.ctx, uid, ref))
	require.NoError(f.t, f.engine.OnUnreposted(f.ctx, uid, ref))
}

// home reads the full home timeline of uid, materializing it if needed.
func (f *fixture) home(uid int64) []domain.Post {
	f.t.Helper()
	page, err := f.engine.HomeTimeline(f.ctx, uid, 0, MaxPageLimit)
	require.NoError(f.t, err)
	return page.Posts
}

// entries reads a timeline straight from the store.
func (f *fixture) entries(t domain.Timeline) []domain.Entry {
	f.t.Helper()
	entries, err := f.engine.Page(f.ctx, t, 0, MaxPageLimit)
	require.NoError(f.t, err)
	return entries
}

func refsOf(posts []domain.Post) []domain.PostRef {
	refs := make([]domain.PostRef, len(posts))
	for i, p := range posts {
		refs[i] = domain.PostRef{PostID: p.PostID, AuthorID: p.AuthorID, AttributedUsername: p.AttributedUsername}
	}
	return refs
}
