package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/blackmichael/timeline-cache/internal/domain"
)

// State reports whether uid has been reconstructed into the cache.
func (e *Engine) State(ctx context.Context, uid int64) (domain.WarmState, error) {
	_, ok, err := e.cache.HGet(ctx, userKey(uid), fieldUsername)
	if err != nil {
		return domain.StateCold, fmt.Errorf("check warm state (uid=%d): %w", uid, err)
	}
	if ok {
		return domain.StateWarm, nil
	}
	return domain.StateCold, nil
}

// EnsureWarm makes sure uid is present in the cache, reconstructing the user
// from the source store on first touch. Concurrent calls for the same user in
// this process share one reconstruction; across processes they may both run
// and converge on the same state.
func (e *Engine) EnsureWarm(ctx context.Context, uid int64) error {
	state, err := e.State(ctx, uid)
	if err != nil {
		return err
	}
	if state == domain.StateWarm {
		return nil
	}

	return e.share(ctx, "warm:"+uidString(uid), func(loadCtx context.Context) error {
		return e.coldStart(loadCtx, uid)
	})
}

// share runs load once for all concurrent callers of key. The load is detached
// from every caller and bounded by LoadTimeout. A caller whose ctx ends stops
// waiting while the load carries on.
func (e *Engine) share(ctx context.Context, key string, load func(context.Context) error) error {
	ch := e.warming.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.LoadTimeout)
		defer cancel()
		return nil, load(loadCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", key, ctx.Err())
	}
}

func (e *Engine) coldStart(ctx context.Context, uid int64) error {
	// Another flight may have finished between the fast path and here.
	if state, err := e.State(ctx, uid); err != nil || state == domain.StateWarm {
		return err
	}

	var (
		profile   *domain.Profile
		followers []int64
		posts     []domain.CorePost
		stats     []domain.PostStats
		comments  []domain.CommentLink
		likes     []domain.Engagement
		reposts   []domain.Engagement
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { profile, err = e.source.GetProfile(gctx, uid); return })
	g.Go(func() (err error) { followers, err = e.source.GetFollowers(gctx, uid); return })
	g.Go(func() (err error) { posts, err = e.source.GetAllPosts(gctx, uid); return })
	g.Go(func() (err error) { stats, err = e.source.GetAllPostStats(gctx, uid); return })
	g.Go(func() (err error) { comments, err = e.source.GetAllComments(gctx, uid); return })
	g.Go(func() (err error) { likes, err = e.source.GetLikes(gctx, uid); return })
	g.Go(func() (err error) { reposts, err = e.source.GetReposts(gctx, uid); return })
	if err := g.Wait(); err != nil {
		e.cfg.Metrics.ColdStart("error")
		return fmt.Errorf("cold start (uid=%d): %w", uid, err)
	}

	err := e.cache.Exec(ctx, func(b domain.Batch) error {
		writeProfile(b, profile)
		b.HSet(userKey(uid), fieldFollowerCount, strconv.Itoa(len(followers)))
		b.Set(usernameKey(profile.Username), uidString(uid))

		members := make([]string, len(followers))
		for i, f := range followers {
			members[i] = uidString(f)
		}
		b.SAdd(followersKey(uid), members...)

		for _, p := range posts {
			data, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("encode post %s: %w", p.Ref(), err)
			}
			b.HSet(postHashKey, p.Ref().Member(), string(data))
		}
		for _, s := range stats {
			data, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("encode stats: %w", err)
			}
			b.HSet(postHashKey, statsField(domain.PostRef{PostID: s.PostID, AuthorID: s.AuthorID}), string(data))
		}
		for _, c := range comments {
			b.ZAdd(commentsKey(c.Parent), domain.Millis(c.CreatedAt), c.Comment.Member())
		}
		for _, l := range likes {
			b.ZAdd(likesKey(uid), domain.Millis(l.At), l.Ref.Member())
		}
		reposted := make([]string, len(reposts))
		for i, r := range reposts {
			reposted[i] = r.Ref.Member()
		}
		b.SAdd(repostsKey(uid), reposted...)
		return nil
	})
	if err != nil {
		e.cfg.Metrics.ColdStart("error")
		return fmt.Errorf("apply cold start (uid=%d): %w", uid, err)
	}

	e.cfg.Metrics.ColdStart("ok")
	e.logger.Info("user warmed",
		"uid", uid,
		"posts", len(posts),
		"followers", len(followers),
		"likes", len(likes),
		"reposts", len(reposts),
	)
	return nil
}

func writeProfile(b domain.Batch, p *domain.Profile) {
	key := userKey(p.UserID)
	b.HSet(key, fieldProfileImage, p.ProfileImage)
	b.HSet(key, fieldSmallProfileImage, p.SmallProfileImage)
	b.HSet(key, fieldBackgroundImage, p.BackgroundImage)
	b.HSet(key, fieldDescription, p.Description)
	b.HSet(key, fieldUsername, p.Username)
}

// RefreshProfile reloads the profile fields of a warm user after an update.
// Cold users are left alone; their next cold start reads the new values.
func (e *Engine) RefreshProfile(ctx context.Context, uid int64) error {
	old, ok, err := e.cache.HGet(ctx, userKey(uid), fieldUsername)
	if err != nil {
		return fmt.Errorf("refresh profile (uid=%d): %w", uid, err)
	}
	if !ok {
		return nil
	}

	profile, err := e.source.GetProfile(ctx, uid)
	if err != nil {
		return fmt.Errorf("refresh profile (uid=%d): %w", uid, err)
	}

	err = e.cache.Exec(ctx, func(b domain.Batch) error {
		if usernameKey(old) != usernameKey(profile.Username) {
			b.Del(usernameKey(old))
		}
		writeProfile(b, profile)
		b.Set(usernameKey(profile.Username), uidString(uid))
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply profile refresh (uid=%d): %w", uid, err)
	}
	return nil
}

// ResolveUsername maps a username onto a user id, consulting the cached index
// before the source store.
func (e *Engine) ResolveUsername(ctx context.Context, username string) (int64, error) {
	val, ok, err := e.cache.Get(ctx, usernameKey(username))
	if err != nil {
		return 0, fmt.Errorf("resolve username %q: %w", username, err)
	}
	if ok {
		if uid, err := strconv.ParseInt(val, 10, 64); err == nil {
			return uid, nil
		}
	}
	return e.source.GetUIDByUsername(ctx, username)
}

type builtEntry struct {
	score int64
	attr  string
}

// activity is what one user contributes to the timelines that include them.
type activity struct {
	username string
	posts    []domain.CorePost
	reposts  []domain.Engagement
}

func (e *Engine) loadActivity(ctx context.Context, uid int64) (activity, error) {
	var a activity
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := e.source.GetProfile(gctx, uid)
		if err != nil {
			return err
		}
		a.username = p.Username
		return nil
	})
	g.Go(func() (err error) { a.posts, err = e.source.GetAllPosts(gctx, uid); return })
	g.Go(func() (err error) { a.reposts, err = e.source.GetReposts(gctx, uid); return })
	if err := g.Wait(); err != nil {
		return a, err
	}
	return a, nil
}

// merge adds a's entries into out. An entry present twice keeps its most
// recent event, so a post reposted after creation carries the attribution.
func (a activity) merge(out map[string]builtEntry) {
	put := func(member string, entry builtEntry) {
		if cur, ok := out[member]; ok && cur.score >= entry.score {
			return
		}
		out[member] = entry
	}
	for _, p := range a.posts {
		put(p.Ref().Member(), builtEntry{score: domain.Millis(p.CreatedAt)})
	}
	for _, r := range a.reposts {
		put(r.Ref.Member(), builtEntry{score: domain.Millis(r.At), attr: a.username})
	}
}

func (e *Engine) ensureHomeTimeline(ctx context.Context, uid int64) error {
	return e.ensureBuilt(ctx, uid, fieldHomeBuilt, fieldHomeGen, homeKey(uid), func(ctx context.Context) (map[string]builtEntry, error) {
		following, err := e.source.GetFollowing(ctx, uid)
		if err != nil {
			return nil, err
		}
		subjects := append([]int64{uid}, following...)
		acts := make([]activity, len(subjects))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Concurrency)
		for i, subject := range subjects {
			i, subject := i, subject
			g.Go(func() (err error) {
				acts[i], err = e.loadActivity(gctx, subject)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		out := make(map[string]builtEntry)
		for _, a := range acts {
			a.merge(out)
		}
		return out, nil
	})
}

func (e *Engine) ensureUserTimeline(ctx context.Context, uid int64) error {
	return e.ensureBuilt(ctx, uid, fieldUserBuilt, fieldUserGen, ownKey(uid), func(ctx context.Context) (map[string]builtEntry, error) {
		a, err := e.loadActivity(ctx, uid)
		if err != nil {
			return nil, err
		}
		out := make(map[string]builtEntry)
		a.merge(out)
		return out, nil
	})
}

// maxBuildAttempts bounds how often a build restarts after an invalidation
// raced it.
const maxBuildAttempts = 3

// ensureBuilt materializes a lazily built timeline once and marks it with
// flag in the user hash. Fan-out only writes into flagged timelines. The flag
// is set only if gen did not move while the entries were collected; after
// maxBuildAttempts the entries are written unflagged so the next read
// rebuilds.
func (e *Engine) ensureBuilt(ctx context.Context, uid int64, flag, gen, key string, collect func(context.Context) (map[string]builtEntry, error)) error {
	_, ok, err := e.cache.HGet(ctx, userKey(uid), flag)
	if err != nil {
		return fmt.Errorf("check %s (uid=%d): %w", flag, uid, err)
	}
	if ok {
		return nil
	}

	return e.share(ctx, flag+":"+uidString(uid), func(loadCtx context.Context) error {
		for attempt := 1; ; attempt++ {
			seen, _, err := e.cache.HGet(loadCtx, userKey(uid), gen)
			if err != nil {
				return fmt.Errorf("check %s (uid=%d): %w", gen, uid, err)
			}
			entries, err := collect(loadCtx)
			if err != nil {
				return fmt.Errorf("build %s (uid=%d): %w", flag, uid, err)
			}

			last := attempt == maxBuildAttempts
			write := func(b domain.Batch) error {
				b.Del(key, attrKey(key))
				for member, entry := range entries {
					b.ZAdd(key, entry.score, member)
					if entry.attr != "" {
						b.HSet(attrKey(key), member, entry.attr)
					}
				}
				if !last {
					b.HSet(userKey(uid), flag, "1")
				}
				return nil
			}

			if last {
				if err := e.cache.Exec(loadCtx, write); err != nil {
					return fmt.Errorf("apply %s (uid=%d): %w", flag, uid, err)
				}
				e.logger.Warn("timeline left unflagged after repeated invalidations", "uid", uid, "timeline", flag)
				return nil
			}

			applied, err := e.cache.ExecIf(loadCtx, userKey(uid), gen, seen, write)
			if err != nil {
				return fmt.Errorf("apply %s (uid=%d): %w", flag, uid, err)
			}
			if applied {
				e.logger.Debug("timeline built", "uid", uid, "timeline", flag, "entries", len(entries), "attempt", attempt)
				return nil
			}
		}
	})
}
