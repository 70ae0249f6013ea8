package domain

import "context"

// SourceStore is the read side of the relational store of record plus the
// aggregate queries used by the batch aggregator. Every call is assumed
// strongly consistent once it returns.
type SourceStore interface {
	// GetProfile returns the profile of a user or a NotFoundError.
	GetProfile(ctx context.Context, uid int64) (*Profile, error)

	// GetUIDByUsername resolves a username case-insensitively.
	GetUIDByUsername(ctx context.Context, username string) (int64, error)

	// GetFollowers returns the ids of every user following uid.
	GetFollowers(ctx context.Context, uid int64) ([]int64, error)

	// GetFollowing returns the ids of every user uid follows.
	GetFollowing(ctx context.Context, uid int64) ([]int64, error)

	// GetAllPosts returns every post authored by uid, comments included.
	GetAllPosts(ctx context.Context, uid int64) ([]CorePost, error)

	// GetAllPostStats returns the persisted stats of every post authored by uid.
	GetAllPostStats(ctx context.Context, uid int64) ([]PostStats, error)

	// GetAllComments returns the comment links of every post authored by uid.
	GetAllComments(ctx context.Context, uid int64) ([]CommentLink, error)

	// GetLikes returns the posts liked by uid with the like time.
	GetLikes(ctx context.Context, uid int64) ([]Engagement, error)

	// GetReposts returns the posts reposted by uid with the repost time.
	GetReposts(ctx context.Context, uid int64) ([]Engagement, error)

	// CountPostStats recomputes the engagement counters of a post.
	CountPostStats(ctx context.Context, ref PostRef) (PostStats, error)

	// UpsertPostStats persists freshly computed stats.
	UpsertPostStats(ctx context.Context, stats PostStats) error

	// CountFollowers recomputes the follower count of a user.
	CountFollowers(ctx context.Context, uid int64) (int64, error)
}

// WriteStore is the mutating side of the relational store used by request
// handlers before they hand the event to the timeline engine.
type WriteStore interface {
	// CreateUser inserts a user and returns it with its assigned id.
	CreateUser(ctx context.Context, profile Profile) (*Profile, error)

	// UpdateProfile applies the non-nil fields of update.
	UpdateProfile(ctx context.Context, uid int64, update ProfileUpdate) error

	// InsertPost creates a post. When replyTo is set the comment link is
	// committed in the same transaction.
	InsertPost(ctx context.Context, uid int64, body string, replyTo *PostRef) (*CorePost, error)

	// DeletePost removes a post and everything hanging off it. It returns the
	// parent ref when the deleted post was a comment.
	DeletePost(ctx context.Context, ref PostRef) (*PostRef, error)

	InsertLike(ctx context.Context, uid int64, ref PostRef) (*Engagement, error)
	DeleteLike(ctx context.Context, uid int64, ref PostRef) error
	InsertRepost(ctx context.Context, uid int64, ref PostRef) (*Engagement, error)
	DeleteRepost(ctx context.Context, uid int64, ref PostRef) error
	InsertFollow(ctx context.Context, follower, followee int64) error
	DeleteFollow(ctx context.Context, follower, followee int64) error
}

// CacheStore is the key-value store holding every materialized view. Reads
// report absence with a false flag rather than an error. Writes only happen
// through Exec so that each event is applied all-or-nothing.
type CacheStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HMGet reads many fields of one hash. Missing fields are returned as
	// empty strings.
	HMGet(ctx context.Context, key string, fields ...string) ([]string, error)

	// HGetEach reads the same field from many hashes in one round trip. Missing
	// values are returned as empty strings.
	HGetEach(ctx context.Context, keys []string, field string) ([]string, error)

	ZScore(ctx context.Context, key, member string) (float64, bool, error)

	// ZRevRangeByScore returns up to limit members with score strictly below
	// max, highest score first.
	ZRevRangeByScore(ctx context.Context, key string, max int64, limit int) ([]ScoredMember, error)

	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// SPopN atomically removes and returns up to n random members.
	SPopN(ctx context.Context, key string, n int) ([]string, error)

	// Exec applies every command queued by fn as one atomic transaction. If fn
	// returns an error nothing is applied.
	Exec(ctx context.Context, fn func(b Batch) error) error

	// ExecIf is Exec guarded by field of hash key, which must still hold want
	// ("" when absent) when the transaction commits. It reports whether the
	// batch was applied.
	ExecIf(ctx context.Context, key, field, want string, fn func(b Batch) error) (bool, error)
}

// Batch queues write commands for CacheStore.Exec.
type Batch interface {
	Set(key, value string)
	Del(keys ...string)
	HSet(key, field, value string)
	HDel(key string, fields ...string)
	HIncrBy(key, field string, incr int64)
	ZAdd(key string, score int64, member string)
	ZRem(key string, members ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
}

// ScoredMember is an ordered set member with its score.
type ScoredMember struct {
	Member string
	Score  int64
}
