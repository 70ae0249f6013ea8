package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/blackmichael/timeline-cache/internal/domain"
)

// CreateUser inserts a user and returns it with its assigned id.
func (r *Repository) CreateUser(ctx context.Context, profile domain.Profile) (*domain.Profile, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := r.checkUsernameFree(ctx, tx, profile.Username, 0); err != nil {
		return nil, err
	}

	err = tx.QueryRowContext(ctx, r.q(`
		INSERT INTO users (username, username_lower, profile_img, small_profile_img, background_img, description)
		VALUES ($1, LOWER($1), $2, $3, $4, $5)
		RETURNING uid`),
		profile.Username,
		profile.ProfileImage,
		profile.SmallProfileImage,
		profile.BackgroundImage,
		profile.Description,
	).Scan(&profile.UserID)
	if err != nil {
		return nil, wrapf("insert user (username=%s): %w", profile.Username, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapf("commit transaction: %w", err)
	}
	return &profile, nil
}

func (r *Repository) checkUsernameFree(ctx context.Context, tx *sql.Tx, username string, self int64) error {
	var uid int64
	err := tx.QueryRowContext(ctx, r.q(`SELECT uid FROM users WHERE username_lower = LOWER($1)`), username).Scan(&uid)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return wrapf("query username (username=%s): %w", username, err)
	case uid == self:
		return nil
	default:
		return &domain.ConflictError{Kind: "username", ID: username}
	}
}

// UpdateProfile applies the non-nil fields of update.
func (r *Repository) UpdateProfile(ctx context.Context, uid int64, update domain.ProfileUpdate) error {
	var (
		sets []string
		args []any
	)
	add := func(column string, value *string) {
		if value == nil {
			return
		}
		args = append(args, *value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("username", update.Username)
	if update.Username != nil {
		args = append(args, strings.ToLower(*update.Username))
		sets = append(sets, fmt.Sprintf("username_lower = $%d", len(args)))
	}
	add("description", update.Description)
	add("profile_img", update.ProfileImage)
	add("small_profile_img", update.SmallProfileImage)
	add("background_img", update.BackgroundImage)
	if len(sets) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if update.Username != nil {
		if err := r.checkUsernameFree(ctx, tx, *update.Username, uid); err != nil {
			return err
		}
	}

	args = append(args, uid)
	query := fmt.Sprintf("UPDATE users SET %s WHERE uid = $%d", strings.Join(sets, ", "), len(args))
	res, err := tx.ExecContext(ctx, r.q(query), args...)
	if err != nil {
		return wrapf("update profile (uid=%d): %w", uid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.UserNotFound(uid)
	}

	if err := tx.Commit(); err != nil {
		return wrapf("commit transaction: %w", err)
	}
	return nil
}

// InsertPost creates a post with the next post id of its author. When replyTo
// is set the comment link is written in the same transaction.
func (r *Repository) InsertPost(ctx context.Context, uid int64, body string, replyTo *domain.PostRef) (*domain.CorePost, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := r.requireUser(ctx, tx, uid); err != nil {
		return nil, err
	}
	if replyTo != nil {
		if err := r.requirePost(ctx, tx, *replyTo); err != nil {
			return nil, err
		}
	}

	var pid int64
	err = tx.QueryRowContext(ctx, r.q(`SELECT COALESCE(MAX(pid), 0) + 1 FROM posts WHERE uid = $1`), uid).Scan(&pid)
	if err != nil {
		return nil, wrapf("next post id (uid=%d): %w", uid, err)
	}

	ms := r.nowMillis()
	_, err = tx.ExecContext(ctx, r.q(`
		INSERT INTO posts (pid, uid, message, created_at)
		VALUES ($1, $2, $3, $4)`),
		pid, uid, body, ms,
	)
	if err != nil {
		return nil, wrapf("insert post (uid=%d): %w", uid, err)
	}

	if replyTo != nil {
		_, err = tx.ExecContext(ctx, r.q(`
			INSERT INTO post_comments (op_pid, op_uid, comment_pid, comment_uid)
			VALUES ($1, $2, $3, $4)`),
			replyTo.PostID, replyTo.AuthorID, pid, uid,
		)
		if err != nil {
			return nil, wrapf("insert comment link (op=%s): %w", replyTo, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapf("commit transaction: %w", err)
	}

	return &domain.CorePost{
		PostID:    pid,
		AuthorID:  uid,
		Body:      body,
		CreatedAt: fromMillis(ms),
	}, nil
}

// DeletePost removes a post together with its likes, reposts, stats and
// comment links. It returns the parent ref when the post was a comment.
func (r *Repository) DeletePost(ctx context.Context, ref domain.PostRef) (*domain.PostRef, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var parent *domain.PostRef
	var op domain.PostRef
	err = tx.QueryRowContext(ctx, r.q(`
		SELECT op_pid, op_uid FROM post_comments
		WHERE comment_pid = $1 AND comment_uid = $2`),
		ref.PostID, ref.AuthorID,
	).Scan(&op.PostID, &op.AuthorID)
	switch {
	case err == nil:
		parent = &op
	case !errors.Is(err, sql.ErrNoRows):
		return nil, wrapf("query comment parent (post=%s): %w", ref, err)
	}

	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM posts WHERE pid = $1 AND uid = $2`), ref.PostID, ref.AuthorID)
	if err != nil {
		return nil, wrapf("delete post (post=%s): %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.PostNotFound(ref)
	}

	dependents := []string{
		`DELETE FROM likes WHERE post_pid = $1 AND post_uid = $2`,
		`DELETE FROM reposts WHERE post_pid = $1 AND post_uid = $2`,
		`DELETE FROM post_stats WHERE pid = $1 AND uid = $2`,
		`DELETE FROM post_comments WHERE (comment_pid = $1 AND comment_uid = $2) OR (op_pid = $1 AND op_uid = $2)`,
	}
	for _, stmt := range dependents {
		if _, err := tx.ExecContext(ctx, r.q(stmt), ref.PostID, ref.AuthorID); err != nil {
			return nil, wrapf("delete post dependents (post=%s): %w", ref, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapf("commit transaction: %w", err)
	}
	return parent, nil
}

// InsertLike records a like. Liking twice keeps the first like time.
func (r *Repository) InsertLike(ctx context.Context, uid int64, ref domain.PostRef) (*domain.Engagement, error) {
	return r.insertEngagement(ctx, "likes", uid, ref)
}

// InsertRepost records a repost. Reposting twice keeps the first repost time.
func (r *Repository) InsertRepost(ctx context.Context, uid int64, ref domain.PostRef) (*domain.Engagement, error) {
	return r.insertEngagement(ctx, "reposts", uid, ref)
}

func (r *Repository) insertEngagement(ctx context.Context, table string, uid int64, ref domain.PostRef) (*domain.Engagement, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := r.requireUser(ctx, tx, uid); err != nil {
		return nil, err
	}
	if err := r.requirePost(ctx, tx, ref); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, r.q(`
		INSERT INTO `+table+` (uid, post_pid, post_uid, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (uid, post_uid, post_pid) DO NOTHING`),
		uid, ref.PostID, ref.AuthorID, r.nowMillis(),
	)
	if err != nil {
		return nil, wrapf("insert %s (uid=%d, post=%s): %w", table, uid, ref, err)
	}

	var ms int64
	err = tx.QueryRowContext(ctx, r.q(`
		SELECT created_at FROM `+table+`
		WHERE uid = $1 AND post_pid = $2 AND post_uid = $3`),
		uid, ref.PostID, ref.AuthorID,
	).Scan(&ms)
	if err != nil {
		return nil, wrapf("query %s time (uid=%d, post=%s): %w", table, uid, ref, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapf("commit transaction: %w", err)
	}
	return &domain.Engagement{Ref: ref.Identity(), At: fromMillis(ms)}, nil
}

// DeleteLike removes a like. Removing a missing like is not an error.
func (r *Repository) DeleteLike(ctx context.Context, uid int64, ref domain.PostRef) error {
	_, err := r.db.ExecContext(ctx, r.q(`DELETE FROM likes WHERE uid = $1 AND post_pid = $2 AND post_uid = $3`),
		uid, ref.PostID, ref.AuthorID)
	if err != nil {
		return wrapf("delete like (uid=%d, post=%s): %w", uid, ref, err)
	}
	return nil
}

// DeleteRepost removes a repost. Removing a missing repost is not an error.
func (r *Repository) DeleteRepost(ctx context.Context, uid int64, ref domain.PostRef) error {
	_, err := r.db.ExecContext(ctx, r.q(`DELETE FROM reposts WHERE uid = $1 AND post_pid = $2 AND post_uid = $3`),
		uid, ref.PostID, ref.AuthorID)
	if err != nil {
		return wrapf("delete repost (uid=%d, post=%s): %w", uid, ref, err)
	}
	return nil
}

// InsertFollow records that follower follows followee.
func (r *Repository) InsertFollow(ctx context.Context, follower, followee int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := r.requireUser(ctx, tx, follower); err != nil {
		return err
	}
	if err := r.requireUser(ctx, tx, followee); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, r.q(`
		INSERT INTO follows (uid, fid, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (uid, fid) DO NOTHING`),
		follower, followee, r.nowMillis(),
	)
	if err != nil {
		return wrapf("insert follow (uid=%d, fid=%d): %w", follower, followee, err)
	}

	if err := tx.Commit(); err != nil {
		return wrapf("commit transaction: %w", err)
	}
	return nil
}

// DeleteFollow removes a follow. Removing a missing follow is not an error.
func (r *Repository) DeleteFollow(ctx context.Context, follower, followee int64) error {
	_, err := r.db.ExecContext(ctx, r.q(`DELETE FROM follows WHERE uid = $1 AND fid = $2`), follower, followee)
	if err != nil {
		return wrapf("delete follow (uid=%d, fid=%d): %w", follower, followee, err)
	}
	return nil
}

func (r *Repository) requireUser(ctx context.Context, tx *sql.Tx, uid int64) error {
	var one int
	err := tx.QueryRowContext(ctx, r.q(`SELECT 1 FROM users WHERE uid = $1`), uid).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UserNotFound(uid)
	}
	if err != nil {
		return wrapf("query user (uid=%d): %w", uid, err)
	}
	return nil
}

func (r *Repository) requirePost(ctx context.Context, tx *sql.Tx, ref domain.PostRef) error {
	var one int
	err := tx.QueryRowContext(ctx, r.q(`SELECT 1 FROM posts WHERE pid = $1 AND uid = $2`), ref.PostID, ref.AuthorID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PostNotFound(ref)
	}
	if err != nil {
		return wrapf("query post (post=%s): %w", ref, err)
	}
	return nil
}
