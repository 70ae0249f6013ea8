package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/blackmichael/timeline-cache/internal/domain"
)

// Page returns up to limit entries of a timeline with a score strictly below
// before, newest first. A before of zero means now, counting entries of the
// current millisecond; entries scored later stay hidden. The caller
// pages by passing the score of the last entry back as before; an empty
// result ends the timeline.
//
// When a full page would end inside a group of equal scores, that group is
// left for the next page, since a score cursor cannot resume in the middle of
// it. A page made of a single tie group is returned whole.
func (e *Engine) Page(ctx context.Context, t domain.Timeline, before int64, limit int) ([]domain.Entry, error) {
	limit = ClampLimit(limit)
	if before <= 0 {
		before = domain.Millis(e.cfg.Now()) + 1
	}

	key, attributed := timelineKey(t)
	scored, err := e.cache.ZRevRangeByScore(ctx, key, before, limit+1)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", t, err)
	}
	scored = trimTies(scored, limit)
	if len(scored) == 0 {
		return nil, nil
	}

	var attrs []string
	if attributed {
		members := make([]string, len(scored))
		for i, s := range scored {
			members[i] = s.Member
		}
		attrs, err = e.cache.HMGet(ctx, attrKey(key), members...)
		if err != nil {
			return nil, fmt.Errorf("read %s attribution: %w", t, err)
		}
	}

	entries := make([]domain.Entry, 0, len(scored))
	for i, s := range scored {
		ref, err := domain.ParsePostRef(s.Member)
		if err != nil {
			e.logger.Warn("skipping malformed timeline member", "timeline", t.String(), "member", s.Member, "error", err)
			continue
		}
		if attrs != nil {
			ref.AttributedUsername = attrs[i]
		}
		entries = append(entries, domain.Entry{Ref: ref, Score: s.Score})
	}
	return entries, nil
}

func trimTies(scored []domain.ScoredMember, limit int) []domain.ScoredMember {
	if len(scored) <= limit {
		return scored
	}
	page := scored[:limit]
	boundary := scored[limit].Score
	if page[limit-1].Score != boundary {
		return page
	}
	i := limit - 1
	for i >= 0 && page[i].Score == boundary {
		i--
	}
	if i < 0 {
		return page
	}
	return page[:i+1]
}

// Hydrate resolves entries into posts for viewer (0 for anonymous). Posts
// whose author is not warm are loaded through the cold-start path. Entries
// that cannot be resolved are skipped; if none resolve a
// domain.StaleReferenceError is returned.
func (e *Engine) Hydrate(ctx context.Context, viewer int64, entries []domain.Entry) ([]domain.Post, error) {
	if len(entries) == 0 {
		return []domain.Post{}, nil
	}

	if err := e.warmAuthors(ctx, viewer, entries); err != nil {
		return nil, err
	}

	members := make([]string, len(entries))
	stats := make([]string, len(entries))
	for i, entry := range entries {
		members[i] = entry.Ref.Member()
		stats[i] = statsField(entry.Ref)
	}
	records, err := e.cache.HMGet(ctx, postHashKey, members...)
	if err != nil {
		return nil, fmt.Errorf("read posts: %w", err)
	}
	counters, err := e.cache.HMGet(ctx, postHashKey, stats...)
	if err != nil {
		return nil, fmt.Errorf("read post stats: %w", err)
	}

	authors := distinctAuthors(entries)
	names, err := e.cache.HGetEach(ctx, userKeys(authors), fieldUsername)
	if err != nil {
		return nil, fmt.Errorf("read authors: %w", err)
	}
	images, err := e.cache.HGetEach(ctx, userKeys(authors), fieldSmallProfileImage)
	if err != nil {
		return nil, fmt.Errorf("read authors: %w", err)
	}
	type author struct{ name, image string }
	byID := make(map[int64]author, len(authors))
	for i, uid := range authors {
		byID[uid] = author{name: names[i], image: images[i]}
	}

	now := e.cfg.Now()
	posts := make([]domain.Post, 0, len(entries))
	var stale []domain.PostRef
	for i, entry := range entries {
		if records[i] == "" {
			stale = append(stale, entry.Ref)
			continue
		}
		var core domain.CorePost
		if err := json.Unmarshal([]byte(records[i]), &core); err != nil {
			e.logger.Warn("skipping undecodable post record", "post", members[i], "error", err)
			stale = append(stale, entry.Ref)
			continue
		}
		var st domain.PostStats
		if counters[i] != "" {
			if err := json.Unmarshal([]byte(counters[i]), &st); err != nil {
				e.logger.Warn("ignoring undecodable post stats", "post", members[i], "error", err)
			}
		}

		a := byID[core.AuthorID]
		post := domain.Post{
			PostID:             core.PostID,
			AuthorID:           core.AuthorID,
			Username:           a.name,
			ProfileImageURL:    e.imageURL(a.image),
			Body:               core.Body,
			CreatedAt:          core.CreatedAt,
			DisplayDate:        displayDate(now, core.CreatedAt),
			Likes:              st.Likes,
			Reposts:            st.Reposts,
			Comments:           st.Comments,
			AttributedUsername: entry.Ref.AttributedUsername,
		}
		if viewer != 0 {
			_, post.HasLiked, err = e.cache.ZScore(ctx, likesKey(viewer), members[i])
			if err != nil {
				return nil, fmt.Errorf("read viewer likes: %w", err)
			}
			post.HasReposted, err = e.cache.SIsMember(ctx, repostsKey(viewer), members[i])
			if err != nil {
				return nil, fmt.Errorf("read viewer reposts: %w", err)
			}
		}
		posts = append(posts, post)
	}

	if len(stale) > 0 {
		e.cfg.Metrics.StaleReferences(len(stale))
		staleErr := &domain.StaleReferenceError{Refs: stale}
		if len(posts) == 0 {
			return nil, staleErr
		}
		e.logger.Warn("timeline holds unresolvable entries", "error", staleErr, "resolved", len(posts))
	}
	return posts, nil
}

// warmAuthors cold-starts the viewer and every author of entries. Authors
// that no longer exist leave their posts unresolved.
func (e *Engine) warmAuthors(ctx context.Context, viewer int64, entries []domain.Entry) error {
	uids := distinctAuthors(entries)
	if viewer != 0 {
		uids = append(uids, viewer)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, uid := range uids {
		uid := uid
		g.Go(func() error {
			err := e.EnsureWarm(gctx, uid)
			if errors.Is(err, domain.ErrNotFound) && uid != viewer {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func distinctAuthors(entries []domain.Entry) []int64 {
	seen := make(map[int64]bool, len(entries))
	var out []int64
	for _, entry := range entries {
		if !seen[entry.Ref.AuthorID] {
			seen[entry.Ref.AuthorID] = true
			out = append(out, entry.Ref.AuthorID)
		}
	}
	return out
}

func displayDate(now, t time.Time) string {
	if now.Sub(t) < 24*time.Hour {
		return humanize.RelTime(t, now, "ago", "from now")
	}
	return t.Format("Jan 2")
}

func (e *Engine) hydratedPage(ctx context.Context, viewer int64, t domain.Timeline, before int64, limit int) (domain.Page, error) {
	entries, err := e.Page(ctx, t, before, limit)
	if err != nil {
		return domain.Page{}, err
	}
	posts, err := e.Hydrate(ctx, viewer, entries)
	if err != nil {
		return domain.Page{}, fmt.Errorf("hydrate %s: %w", t, err)
	}
	page := domain.Page{Posts: posts}
	if len(entries) > 0 {
		page.Cursor = entries[len(entries)-1].Score
	}
	return page, nil
}

// HomeTimeline returns one page of the viewer's home timeline, building it
// from the source store on first read.
func (e *Engine) HomeTimeline(ctx context.Context, viewer, before int64, limit int) (domain.Page, error) {
	if err := e.EnsureWarm(ctx, viewer); err != nil {
		return domain.Page{}, err
	}
	if err := e.ensureHomeTimeline(ctx, viewer); err != nil {
		return domain.Page{}, err
	}
	return e.hydratedPage(ctx, viewer, domain.HomeTimeline(viewer), before, limit)
}

// UserTimeline returns one page of the posts and reposts of uid.
func (e *Engine) UserTimeline(ctx context.Context, uid, viewer, before int64, limit int) (domain.Page, error) {
	if err := e.EnsureWarm(ctx, uid); err != nil {
		return domain.Page{}, err
	}
	if err := e.ensureUserTimeline(ctx, uid); err != nil {
		return domain.Page{}, err
	}
	return e.hydratedPage(ctx, viewer, domain.UserTimeline(uid), before, limit)
}

// LikesTimeline returns one page of the posts liked by uid, most recent like
// first.
func (e *Engine) LikesTimeline(ctx context.Context, uid, viewer, before int64, limit int) (domain.Page, error) {
	if err := e.EnsureWarm(ctx, uid); err != nil {
		return domain.Page{}, err
	}
	return e.hydratedPage(ctx, viewer, domain.LikesTimeline(uid), before, limit)
}

// Thread returns a post with one page of its comments. The post itself is
// only included on the first page.
func (e *Engine) Thread(ctx context.Context, ref domain.PostRef, viewer, before int64, limit int) (domain.Thread, error) {
	ref = ref.Identity()
	if err := e.EnsureWarm(ctx, ref.AuthorID); err != nil {
		return domain.Thread{}, err
	}
	_, ok, err := e.cache.HGet(ctx, postHashKey, ref.Member())
	if err != nil {
		return domain.Thread{}, fmt.Errorf("read post %s: %w", ref, err)
	}
	if !ok {
		return domain.Thread{}, domain.PostNotFound(ref)
	}

	var thread domain.Thread
	if before <= 0 {
		ops, err := e.Hydrate(ctx, viewer, []domain.Entry{{Ref: ref}})
		if err != nil {
			return domain.Thread{}, err
		}
		thread.Op = &ops[0]
	}

	page, err := e.hydratedPage(ctx, viewer, domain.CommentThread(ref), before, limit)
	if err != nil {
		return domain.Thread{}, err
	}
	thread.Comments = page.Posts
	thread.Cursor = page.Cursor
	return thread, nil
}

// GetProfileView returns the cached profile of uid as seen by viewer.
func (e *Engine) GetProfileView(ctx context.Context, uid, viewer int64) (*domain.ProfileView, error) {
	if err := e.EnsureWarm(ctx, uid); err != nil {
		return nil, err
	}
	fields, err := e.cache.HGetAll(ctx, userKey(uid))
	if err != nil {
		return nil, fmt.Errorf("read profile (uid=%d): %w", uid, err)
	}
	count, _ := strconv.ParseInt(fields[fieldFollowerCount], 10, 64)

	view := &domain.ProfileView{
		Username:             fields[fieldUsername],
		ProfileImageURL:      e.imageURL(fields[fieldProfileImage]),
		SmallProfileImageURL: e.imageURL(fields[fieldSmallProfileImage]),
		BackgroundImageURL:   e.imageURL(fields[fieldBackgroundImage]),
		Description:          fields[fieldDescription],
		FollowerCount:        count,
	}
	if viewer != 0 && viewer != uid {
		view.IsFollowedByViewer, err = e.cache.SIsMember(ctx, followersKey(uid), uidString(viewer))
		if err != nil {
			return nil, fmt.Errorf("read followers (uid=%d): %w", uid, err)
		}
	}
	return view, nil
}
