package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/timeline-cache/internal/domain"
)

func TestScenario_LazyFanoutAndColdHome(t *testing.T) {
	f := newFixture(t)
	a, b := f.user("a"), f.user("b")

	f.clock.SetMillis(100)
	p1 := f.post(a, "P1")

	page, err := f.engine.HomeTimeline(f.ctx, a, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []domain.PostRef{p1.Ref()}, refsOf(page.Posts))
	assert.Equal(t, int64(100), page.Cursor)

	f.follow(b, a)

	f.clock.SetMillis(200)
	p2 := f.post(a, "P2")

	// B's home timeline was never read, so the fan-out skipped it.
	assert.NotContains(t, f.snapshot(), homeKey(b))
	assert.Empty(t, f.notifier.For(b))
	assert.Len(t, f.notifier.For(a), 1)

	// First read rebuilds it from the source store.
	posts := f.home(b)
	assert.Equal(t, []domain.PostRef{p2.Ref(), p1.Ref()}, refsOf(posts))
	assert.Equal(t, int64(200), posts[0].CreatedAt.UnixMilli())
}

func TestOnPostCreated_FanoutCompleteness(t *testing.T) {
	f := newFixture(t)
	author := f.user("author")
	warm := []int64{f.user("w1"), f.user("w2"), f.user("w3")}
	cold := f.user("cold")
	for _, uid := range append(warm, cold) {
		f.follow(uid, author)
	}
	for _, uid := range warm {
		f.home(uid)
	}

	f.clock.Advance(time.Hour)
	post := f.post(author, "news")

	score := domain.Millis(post.CreatedAt)
	for _, uid := range warm {
		entries := f.entries(domain.HomeTimeline(uid))
		require.Len(t, entries, 1, "follower %d", uid)
		assert.Equal(t, post.Ref(), entries[0].Ref)
		assert.Equal(t, score, entries[0].Score)

		notified := f.notifier.For(uid)
		require.Len(t, notified, 1)
		assert.Equal(t, post.Ref(), notified[0].Ref)
	}
	assert.NotContains(t, f.snapshot(), homeKey(cold))
}

func TestOnPostCreated_UserTimelineAndComments(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")

	op := f.post(alice, "op")
	_, err := f.engine.UserTimeline(f.ctx, bob, 0, 0, 10)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	reply := f.comment(bob, op.Ref(), "reply")

	// Bob's user timeline is materialized, so the comment lands there too.
	own := f.entries(domain.UserTimeline(bob))
	require.Len(t, own, 1)
	assert.Equal(t, reply.Ref(), own[0].Ref)

	thread := f.entries(domain.CommentThread(op.Ref()))
	require.Len(t, thread, 1)
	assert.Equal(t, reply.Ref(), thread[0].Ref)
	assert.Equal(t, domain.Millis(reply.CreatedAt), thread[0].Score)

	pending, err := f.cache.SMembers(f.ctx, pendingPostKey)
	require.NoError(t, err)
	assert.Equal(t, []string{op.Ref().Member()}, pending)
}

func TestOnPostDeleted_Symmetry(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.user("alice"), f.user("bob"), f.user("carol")
	f.follow(bob, alice)
	f.follow(carol, alice)
	old := f.post(alice, "old")
	f.home(alice)
	f.home(bob)
	_, err := f.engine.UserTimeline(f.ctx, alice, 0, 0, 10)
	require.NoError(t, err)

	_, err = f.agg.RunOnce(f.ctx)
	require.NoError(t, err)
	before := f.snapshot()

	f.clock.Advance(time.Minute)
	post := f.post(alice, "short lived")
	assert.NotEqual(t, before, f.snapshot())

	f.deletePost(post.Ref())
	assert.Equal(t, before, f.snapshot())

	t.Run("comment", func(t *testing.T) {
		before := f.snapshot()
		reply := f.comment(bob, old.Ref(), "reply")
		f.deletePost(reply.Ref())

		after := f.snapshot()
		delete(after, pendingPostKey)
		assert.Equal(t, before, after)
	})
}

func TestLikes(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	p1 := f.post(alice, "one")
	f.clock.Advance(time.Minute)
	p2 := f.post(alice, "two")

	f.like(bob, p2.Ref())
	f.clock.Advance(time.Minute)
	f.like(bob, p1.Ref())

	page, err := f.engine.LikesTimeline(f.ctx, bob, bob, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []domain.PostRef{p1.Ref(), p2.Ref()}, refsOf(page.Posts))
	for _, p := range page.Posts {
		assert.True(t, p.HasLiked)
	}

	f.unlike(bob, p1.Ref())
	entries := f.entries(domain.LikesTimeline(bob))
	require.Len(t, entries, 1)
	assert.Equal(t, p2.Ref(), entries[0].Ref)

	pending, err := f.cache.SMembers(f.ctx, pendingPostKey)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{p1.Ref().Member(), p2.Ref().Member()}, pending)
}

func TestRepostAndUnrepost(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.user("alice"), f.user("bob"), f.user("carol")
	f.follow(bob, alice)
	f.follow(carol, bob)

	post := f.post(alice, "original")
	created := domain.Millis(post.CreatedAt)
	f.home(bob)
	f.home(carol)

	f.clock.Advance(time.Hour)
	f.repost(bob, post.Ref())
	repostedAt := domain.Millis(f.clock.Now())

	attributed := post.Ref()
	attributed.AttributedUsername = "bob"

	// Carol only sees the post through Bob.
	carolHome := f.entries(domain.HomeTimeline(carol))
	require.Len(t, carolHome, 1)
	assert.Equal(t, attributed, carolHome[0].Ref)
	assert.Equal(t, repostedAt, carolHome[0].Score)

	// Bob already had the post; it is one entry, now attributed and bumped.
	bobHome := f.entries(domain.HomeTimeline(bob))
	require.Len(t, bobHome, 1)
	assert.Equal(t, attributed, bobHome[0].Ref)
	assert.Equal(t, repostedAt, bobHome[0].Score)

	page, err := f.engine.HomeTimeline(f.ctx, carol, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Posts, 1)
	assert.Equal(t, "bob", page.Posts[0].AttributedUsername)
	assert.Equal(t, "alice", page.Posts[0].Username)

	f.unrepost(bob, post.Ref())

	assert.Empty(t, f.entries(domain.HomeTimeline(carol)))

	bobHome = f.entries(domain.HomeTimeline(bob))
	require.Len(t, bobHome, 1)
	assert.Equal(t, post.Ref(), bobHome[0].Ref)
	assert.Equal(t, created, bobHome[0].Score)

	reposted, err := f.cache.SIsMember(f.ctx, repostsKey(bob), post.Ref().Member())
	require.NoError(t, err)
	assert.False(t, reposted)
}

func TestUnrepost_KeepsOtherAttribution(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol, dave := f.user("alice"), f.user("bob"), f.user("carol"), f.user("dave")
	f.follow(dave, bob)
	f.follow(dave, carol)
	post := f.post(alice, "original")
	f.home(dave)

	f.clock.Advance(time.Minute)
	f.repost(bob, post.Ref())
	f.clock.Advance(time.Minute)
	f.repost(carol, post.Ref())

	// Only Bob withdraws; Dave's entry belongs to Carol's later repost.
	f.unrepost(bob, post.Ref())

	entries := f.entries(domain.HomeTimeline(dave))
	require.Len(t, entries, 1)
	assert.Equal(t, "carol", entries[0].Ref.AttributedUsername)
}

func TestFollow_InvalidatesHome(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	post := f.post(alice, "before bob followed")

	assert.Empty(t, f.home(bob))

	f.follow(bob, alice)
	assert.NotContains(t, f.snapshot(), homeKey(bob))
	assert.Equal(t, []domain.PostRef{post.Ref()}, refsOf(f.home(bob)))

	view, err := f.engine.GetProfileView(f.ctx, alice, bob)
	require.NoError(t, err)
	assert.True(t, view.IsFollowedByViewer)

	f.unfollow(bob, alice)
	assert.Empty(t, f.home(bob))

	view, err = f.engine.GetProfileView(f.ctx, alice, bob)
	require.NoError(t, err)
	assert.False(t, view.IsFollowedByViewer)

	pending, err := f.cache.SMembers(f.ctx, pendingUserKey)
	require.NoError(t, err)
	assert.Equal(t, []string{uidString(alice)}, pending)
}
