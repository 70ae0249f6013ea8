package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/timeline-cache/internal/domain"
)

// A full round of writes, reads and an aggregator run against one cache.
func TestEngine_EndToEnd(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.user("alice"), f.user("bob"), f.user("carol")
	f.follow(bob, alice)
	f.follow(carol, bob)
	f.home(bob)
	f.home(carol)

	p1 := f.post(alice, "one")
	f.clock.Advance(time.Minute)
	p2 := f.post(alice, "two")
	assert.Equal(t, []domain.PostRef{p2.Ref(), p1.Ref()}, refsOf(f.home(bob)))

	f.clock.Advance(time.Minute)
	f.repost(bob, p1.Ref())
	carolHome := f.home(carol)
	require.Len(t, carolHome, 1)
	assert.Equal(t, "bob", carolHome[0].AttributedUsername)

	f.unrepost(bob, p1.Ref())
	assert.Empty(t, f.home(carol))
	assert.Equal(t, []domain.PostRef{p2.Ref(), p1.Ref()}, refsOf(f.home(bob)))

	f.like(carol, p1.Ref())
	f.unlike(carol, p1.Ref())
	f.like(carol, p1.Ref())
	_, err := f.agg.RunOnce(f.ctx)
	require.NoError(t, err)

	page, err := f.engine.HomeTimeline(f.ctx, bob, 0, 1)
	require.NoError(t, err)
	require.Len(t, page.Posts, 1)
	assert.Equal(t, p2.Ref(), refsOf(page.Posts)[0])

	page, err = f.engine.HomeTimeline(f.ctx, bob, page.Cursor, 1)
	require.NoError(t, err)
	require.Len(t, page.Posts, 1)
	assert.Equal(t, int64(1), page.Posts[0].Likes)

	f.deletePost(p2.Ref())
	assert.Equal(t, []domain.PostRef{p1.Ref()}, refsOf(f.home(bob)))
}
