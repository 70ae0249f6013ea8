package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/blackmichael/timeline-cache/internal/domain"
)

// Repository implements domain.SourceStore and domain.WriteStore on a SQL
// database. PostgreSQL is the production target; SQLite serves local runs
// and tests.
type Repository struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the clock used to stamp posts, likes, reposts and
// follows.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

var (
	_ domain.SourceStore = (*Repository)(nil)
	_ domain.WriteStore  = (*Repository)(nil)
)

// NewRepository opens the database with the given driver ("postgres" or
// "sqlite"), verifies the connection, and returns a new Repository. The caller
// should call Close when the repository is no longer needed.
func NewRepository(driver, databaseURL string, opts ...Option) (*Repository, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, wrapf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// A single connection keeps ":memory:" databases shared and avoids
		// SQLITE_BUSY on concurrent writers.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, wrapf("ping database: %w", err)
	}

	r := &Repository{db: db, driver: driver, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping verifies the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// q rewrites $N placeholders into SQLite's ?N form.
func (r *Repository) q(query string) string {
	if r.driver == DriverSQLite {
		return placeholder.ReplaceAllString(query, "?${1}")
	}
	return query
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (r *Repository) nowMillis() int64 {
	return r.now().UTC().UnixMilli()
}

// GetProfile returns the stored profile of a user.
func (r *Repository) GetProfile(ctx context.Context, uid int64) (*domain.Profile, error) {
	var p domain.Profile
	err := r.db.QueryRowContext(ctx, r.q(`
		SELECT uid, username, profile_img, small_profile_img, background_img, description
		FROM users
		WHERE uid = $1`), uid,
	).Scan(&p.UserID, &p.Username, &p.ProfileImage, &p.SmallProfileImage, &p.BackgroundImage, &p.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.UserNotFound(uid)
	}
	if err != nil {
		return nil, wrapf("query profile (uid=%d): %w", uid, err)
	}
	return &p, nil
}

// GetUIDByUsername resolves a username case-insensitively.
func (r *Repository) GetUIDByUsername(ctx context.Context, username string) (int64, error) {
	var uid int64
	err := r.db.QueryRowContext(ctx, r.q(`SELECT uid FROM users WHERE username_lower = LOWER($1)`), username).Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &domain.NotFoundError{Kind: "username", ID: username}
	}
	if err != nil {
		return 0, wrapf("query uid (username=%s): %w", username, err)
	}
	return uid, nil
}

// GetFollowers returns the ids of every user following uid.
func (r *Repository) GetFollowers(ctx context.Context, uid int64) ([]int64, error) {
	return r.queryIDs(ctx, `SELECT uid FROM follows WHERE fid = $1 ORDER BY uid`, uid)
}

// GetFollowing returns the ids of every user uid follows.
func (r *Repository) GetFollowing(ctx context.Context, uid int64) ([]int64, error) {
	return r.queryIDs(ctx, `SELECT fid FROM follows WHERE uid = $1 ORDER BY fid`, uid)
}

func (r *Repository) queryIDs(ctx context.Context, query string, uid int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, r.q(query), uid)
	if err != nil {
		return nil, wrapf("query follows (uid=%d): %w", uid, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapf("scan follow: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapf("iterate follows: %w", err)
	}
	return ids, nil
}

// GetAllPosts returns every post authored by uid, oldest first.
func (r *Repository) GetAllPosts(ctx context.Context, uid int64) ([]domain.CorePost, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT pid, uid, message, created_at
		FROM posts
		WHERE uid = $1
		ORDER BY created_at, pid`), uid)
	if err != nil {
		return nil, wrapf("query posts (uid=%d): %w", uid, err)
	}
	defer rows.Close()

	var posts []domain.CorePost
	for rows.Next() {
		var (
			p  domain.CorePost
			ms int64
		)
		if err := rows.Scan(&p.PostID, &p.AuthorID, &p.Body, &ms); err != nil {
			return nil, wrapf("scan post: %w", err)
		}
		p.CreatedAt = fromMillis(ms)
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapf("iterate posts: %w", err)
	}
	return posts, nil
}

// GetAllPostStats returns the persisted stats of every post authored by uid.
func (r *Repository) GetAllPostStats(ctx context.Context, uid int64) ([]domain.PostStats, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT pid, uid, likes, reposts, comments
		FROM post_stats
		WHERE uid = $1`), uid)
	if err != nil {
		return nil, wrapf("query post stats (uid=%d): %w", uid, err)
	}
	defer rows.Close()

	var stats []domain.PostStats
	for rows.Next() {
		var s domain.PostStats
		if err := rows.Scan(&s.PostID, &s.AuthorID, &s.Likes, &s.Reposts, &s.Comments); err != nil {
			return nil, wrapf("scan post stats: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapf("iterate post stats: %w", err)
	}
	return stats, nil
}

// GetAllComments returns the comment links of every post authored by uid.
func (r *Repository) GetAllComments(ctx context.Context, uid int64) ([]domain.CommentLink, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT c.op_pid, c.op_uid, c.comment_pid, c.comment_uid, p.created_at
		FROM post_comments c
		JOIN posts p ON p.pid = c.comment_pid AND p.uid = c.comment_uid
		WHERE c.op_uid = $1`), uid)
	if err != nil {
		return nil, wrapf("query comments (uid=%d): %w", uid, err)
	}
	defer rows.Close()

	var links []domain.CommentLink
	for rows.Next() {
		var (
			l  domain.CommentLink
			ms int64
		)
		if err := rows.Scan(&l.Parent.PostID, &l.Parent.AuthorID, &l.Comment.PostID, &l.Comment.AuthorID, &ms); err != nil {
			return nil, wrapf("scan comment: %w", err)
		}
		l.CreatedAt = fromMillis(ms)
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapf("iterate comments: %w", err)
	}
	return links, nil
}

// GetLikes returns the posts liked by uid.
func (r *Repository) GetLikes(ctx context.Context, uid int64) ([]domain.Engagement, error) {
	return r.queryEngagements(ctx, `SELECT post_pid, post_uid, created_at FROM likes WHERE uid = $1`, uid)
}

// GetReposts returns the posts reposted by uid.
func (r *Repository) GetReposts(ctx context.Context, uid int64) ([]domain.Engagement, error) {
	return r.queryEngagements(ctx, `SELECT post_pid, post_uid, created_at FROM reposts WHERE uid = $1`, uid)
}

func (r *Repository) queryEngagements(ctx context.Context, query string, uid int64) ([]domain.Engagement, error) {
	rows, err := r.db.QueryContext(ctx, r.q(query), uid)
	if err != nil {
		return nil, wrapf("query engagements (uid=%d): %w", uid, err)
	}
	defer rows.Close()

	var out []domain.Engagement
	for rows.Next() {
		var (
			e  domain.Engagement
			ms int64
		)
		if err := rows.Scan(&e.Ref.PostID, &e.Ref.AuthorID, &ms); err != nil {
			return nil, wrapf("scan engagement: %w", err)
		}
		e.At = fromMillis(ms)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapf("iterate engagements: %w", err)
	}
	return out, nil
}

// CountPostStats recomputes the engagement counters of a post.
func (r *Repository) CountPostStats(ctx context.Context, ref domain.PostRef) (domain.PostStats, error) {
	stats := domain.PostStats{PostID: ref.PostID, AuthorID: ref.AuthorID}
	err := r.db.QueryRowContext(ctx, r.q(`
		SELECT
			(SELECT COUNT(*) FROM likes WHERE post_pid = $1 AND post_uid = $2),
			(SELECT COUNT(*) FROM reposts WHERE post_pid = $1 AND post_uid = $2),
			(SELECT COUNT(*) FROM post_comments WHERE op_pid = $1 AND op_uid = $2)`),
		ref.PostID, ref.AuthorID,
	).Scan(&stats.Likes, &stats.Reposts, &stats.Comments)
	if err != nil {
		return stats, wrapf("count post stats (post=%s): %w", ref, err)
	}
	return stats, nil
}

// UpsertPostStats persists freshly computed stats.
func (r *Repository) UpsertPostStats(ctx context.Context, stats domain.PostStats) error {
	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO post_stats (pid, uid, likes, reposts, comments)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (uid, pid) DO UPDATE
		SET likes = excluded.likes, reposts = excluded.reposts, comments = excluded.comments`),
		stats.PostID, stats.AuthorID, stats.Likes, stats.Reposts, stats.Comments,
	)
	if err != nil {
		return wrapf("upsert post stats (post=%d:%d): %w", stats.PostID, stats.AuthorID, err)
	}
	return nil
}

// CountFollowers recomputes the follower count of a user.
func (r *Repository) CountFollowers(ctx context.Context, uid int64) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM follows WHERE fid = $1`), uid).Scan(&n); err != nil {
		return 0, wrapf("count followers (uid=%d): %w", uid, err)
	}
	return n, nil
}
