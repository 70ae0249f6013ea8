package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/blackmichael/timeline-cache/internal/domain"
)

// audience is the set of users an event by uid can reach: its followers and
// uid itself.
type audience struct {
	all []int64

	// home holds the members of all whose home timeline is materialized.
	home []int64

	// own reports whether uid's user timeline is materialized.
	own bool
}

func (e *Engine) audience(ctx context.Context, uid int64) (audience, error) {
	if err := e.EnsureWarm(ctx, uid); err != nil {
		return audience{}, err
	}

	members, err := e.cache.SMembers(ctx, followersKey(uid))
	if err != nil {
		return audience{}, fmt.Errorf("read followers (uid=%d): %w", uid, err)
	}
	a := audience{all: []int64{uid}}
	for _, m := range members {
		f, err := strconv.ParseInt(m, 10, 64)
		if err != nil || f == uid {
			continue
		}
		a.all = append(a.all, f)
	}

	flags, err := e.cache.HGetEach(ctx, userKeys(a.all), fieldHomeBuilt)
	if err != nil {
		return audience{}, fmt.Errorf("read home flags (uid=%d): %w", uid, err)
	}
	for i, flag := range flags {
		if flag != "" {
			a.home = append(a.home, a.all[i])
		}
	}

	_, a.own, err = e.cache.HGet(ctx, userKey(uid), fieldUserBuilt)
	if err != nil {
		return audience{}, fmt.Errorf("read user timeline flag (uid=%d): %w", uid, err)
	}
	return a, nil
}

// OnPostCreated fans a new post out to the home timeline of every follower
// whose home timeline is materialized, the author included, and to the
// author's user timeline. A comment is also added to the thread of
// replyTarget, which is queued for a stats recount.
func (e *Engine) OnPostCreated(ctx context.Context, authorID int64, post domain.CorePost, replyTarget *domain.PostRef) error {
	a, err := e.audience(ctx, authorID)
	if err != nil {
		return fmt.Errorf("fan out post: %w", err)
	}

	ref := post.Ref()
	member := ref.Member()
	score := domain.Millis(post.CreatedAt)

	err = e.cache.Exec(ctx, func(b domain.Batch) error {
		if ref.AttributedUsername == "" {
			data, err := json.Marshal(post)
			if err != nil {
				return fmt.Errorf("encode post %s: %w", ref, err)
			}
			b.HSet(postHashKey, member, string(data))
		}
		for _, r := range a.home {
			addEntry(b, homeKey(r), score, member, ref.AttributedUsername)
		}
		if a.own {
			addEntry(b, ownKey(authorID), score, member, ref.AttributedUsername)
		}
		if replyTarget != nil {
			b.ZAdd(commentsKey(*replyTarget), score, member)
			b.SAdd(pendingPostKey, replyTarget.Identity().Member())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("fan out post %s: %w", ref, err)
	}

	e.cfg.Metrics.Fanout(len(a.home))
	e.notify(ctx, a.home, domain.Entry{Ref: ref, Score: score})
	return nil
}

// OnPostDeleted removes a post from every timeline its creation reached,
// using the current follower set of the author.
func (e *Engine) OnPostDeleted(ctx context.Context, authorID int64, ref domain.PostRef, replyTarget *domain.PostRef) error {
	a, err := e.audience(ctx, authorID)
	if err != nil {
		return fmt.Errorf("remove post: %w", err)
	}

	ref = ref.Identity()
	member := ref.Member()

	err = e.cache.Exec(ctx, func(b domain.Batch) error {
		b.HDel(postHashKey, member, statsField(ref))
		for _, r := range a.all {
			removeEntry(b, homeKey(r), member)
		}
		removeEntry(b, ownKey(authorID), member)
		b.Del(commentsKey(ref))
		b.SRem(pendingPostKey, member)
		if replyTarget != nil {
			b.ZRem(commentsKey(*replyTarget), member)
			b.SAdd(pendingPostKey, replyTarget.Identity().Member())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove post %s: %w", ref, err)
	}
	return nil
}

// OnLiked records a like in the liker's likes timeline and queues the post
// for a stats recount.
func (e *Engine) OnLiked(ctx context.Context, uid int64, like domain.Engagement) error {
	if err := e.EnsureWarm(ctx, uid); err != nil {
		return fmt.Errorf("record like: %w", err)
	}
	member := like.Ref.Identity().Member()
	err := e.cache.Exec(ctx, func(b domain.Batch) error {
		b.ZAdd(likesKey(uid), domain.Millis(like.At), member)
		b.SAdd(pendingPostKey, member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record like (uid=%d, post=%s): %w", uid, member, err)
	}
	return nil
}

// OnUnliked removes a like and queues the post for a stats recount.
func (e *Engine) OnUnliked(ctx context.Context, uid int64, ref domain.PostRef) error {
	if err := e.EnsureWarm(ctx, uid); err != nil {
		return fmt.Errorf("remove like: %w", err)
	}
	member := ref.Identity().Member()
	err := e.cache.Exec(ctx, func(b domain.Batch) error {
		b.ZRem(likesKey(uid), member)
		b.SAdd(pendingPostKey, member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove like (uid=%d, post=%s): %w", uid, member, err)
	}
	return nil
}

// OnReposted fans an entry attributed to the reposter out to the reposter's
// audience, scored by the repost time.
func (e *Engine) OnReposted(ctx context.Context, uid int64, repost domain.Engagement) error {
	a, err := e.audience(ctx, uid)
	if err != nil {
		return fmt.Errorf("fan out repost: %w", err)
	}
	username, _, err := e.cache.HGet(ctx, userKey(uid), fieldUsername)
	if err != nil {
		return fmt.Errorf("fan out repost: %w", err)
	}

	ref := repost.Ref.Identity()
	member := ref.Member()
	score := domain.Millis(repost.At)

	err = e.cache.Exec(ctx, func(b domain.Batch) error {
		b.SAdd(repostsKey(uid), member)
		b.SAdd(pendingPostKey, member)
		for _, r := range a.home {
			addEntry(b, homeKey(r), score, member, username)
		}
		if a.own {
			addEntry(b, ownKey(uid), score, member, username)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("fan out repost (uid=%d, post=%s): %w", uid, member, err)
	}

	e.cfg.Metrics.Fanout(len(a.home))
	ref.AttributedUsername = username
	e.notify(ctx, a.home, domain.Entry{Ref: ref, Score: score})
	return nil
}

// OnUnreposted withdraws the reposter's attributed entries. Recipients that
// follow the original author get the original entry back at its creation
// time.
func (e *Engine) OnUnreposted(ctx context.Context, uid int64, ref domain.PostRef) error {
	a, err := e.audience(ctx, uid)
	if err != nil {
		return fmt.Errorf("withdraw repost: %w", err)
	}
	username, _, err := e.cache.HGet(ctx, userKey(uid), fieldUsername)
	if err != nil {
		return fmt.Errorf("withdraw repost: %w", err)
	}

	ref = ref.Identity()
	member := ref.Member()

	original, err := e.originalScore(ctx, ref)
	if err != nil {
		return fmt.Errorf("withdraw repost: %w", err)
	}

	homes := make([]string, len(a.home))
	for i, r := range a.home {
		homes[i] = attrKey(homeKey(r))
	}
	attrs, err := e.cache.HGetEach(ctx, homes, member)
	if err != nil {
		return fmt.Errorf("read attribution (post=%s): %w", member, err)
	}

	// Recipients whose entry is this user's repost.
	var withdrawn []int64
	for i, r := range a.home {
		if attrs[i] == username {
			withdrawn = append(withdrawn, r)
		}
	}
	restore := make(map[int64]bool, len(withdrawn))
	if original > 0 {
		for _, r := range withdrawn {
			follows := r == ref.AuthorID
			if !follows {
				follows, err = e.cache.SIsMember(ctx, followersKey(ref.AuthorID), uidString(r))
				if err != nil {
					return fmt.Errorf("read followers (uid=%d): %w", ref.AuthorID, err)
				}
			}
			restore[r] = follows
		}
	}

	ownAttr := ""
	if a.own {
		ownAttr, _, err = e.cache.HGet(ctx, attrKey(ownKey(uid)), member)
		if err != nil {
			return fmt.Errorf("read attribution (post=%s): %w", member, err)
		}
	}

	err = e.cache.Exec(ctx, func(b domain.Batch) error {
		b.SRem(repostsKey(uid), member)
		b.SAdd(pendingPostKey, member)
		for _, r := range withdrawn {
			removeEntry(b, homeKey(r), member)
			if restore[r] {
				b.ZAdd(homeKey(r), original, member)
			}
		}
		if a.own && ownAttr == username {
			removeEntry(b, ownKey(uid), member)
			if original > 0 && uid == ref.AuthorID {
				b.ZAdd(ownKey(uid), original, member)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("withdraw repost (uid=%d, post=%s): %w", uid, member, err)
	}
	return nil
}

// originalScore returns the creation time of a post from the post record
// cache, or 0 when the post no longer exists.
func (e *Engine) originalScore(ctx context.Context, ref domain.PostRef) (int64, error) {
	if err := e.EnsureWarm(ctx, ref.AuthorID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	data, ok, err := e.cache.HGet(ctx, postHashKey, ref.Member())
	if err != nil || !ok {
		return 0, err
	}
	var post domain.CorePost
	if err := json.Unmarshal([]byte(data), &post); err != nil {
		return 0, fmt.Errorf("decode post %s: %w", ref, err)
	}
	return domain.Millis(post.CreatedAt), nil
}

// OnFollowed adds follower to followee's follower set, queues a follower
// recount and drops follower's home timeline so that its next read rebuilds
// it with the new followee.
func (e *Engine) OnFollowed(ctx context.Context, follower, followee int64) error {
	err := e.cache.Exec(ctx, func(b domain.Batch) error {
		b.SAdd(followersKey(followee), uidString(follower))
		b.SAdd(pendingUserKey, uidString(followee))
		invalidateHome(b, follower)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record follow (uid=%d, fid=%d): %w", follower, followee, err)
	}
	return nil
}

// OnUnfollowed mirrors OnFollowed.
func (e *Engine) OnUnfollowed(ctx context.Context, follower, followee int64) error {
	err := e.cache.Exec(ctx, func(b domain.Batch) error {
		b.SRem(followersKey(followee), uidString(follower))
		b.SAdd(pendingUserKey, uidString(followee))
		invalidateHome(b, follower)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record unfollow (uid=%d, fid=%d): %w", follower, followee, err)
	}
	return nil
}

func invalidateHome(b domain.Batch, uid int64) {
	b.Del(homeKey(uid), attrKey(homeKey(uid)))
	b.HDel(userKey(uid), fieldHomeBuilt)
	b.HIncrBy(userKey(uid), fieldHomeGen, 1)
}

func addEntry(b domain.Batch, key string, score int64, member, attribution string) {
	b.ZAdd(key, score, member)
	if attribution != "" {
		b.HSet(attrKey(key), member, attribution)
	} else {
		b.HDel(attrKey(key), member)
	}
}

func removeEntry(b domain.Batch, key, member string) {
	b.ZRem(key, member)
	b.HDel(attrKey(key), member)
}
