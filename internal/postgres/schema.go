package postgres

import (
	"context"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func usersTable(driver string) string {
	id := "uid BIGSERIAL PRIMARY KEY"
	if driver == DriverSQLite {
		id = "uid INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return `
		CREATE TABLE IF NOT EXISTS users (
			` + id + `,
			username TEXT NOT NULL,
			username_lower TEXT NOT NULL UNIQUE,
			profile_img TEXT NOT NULL DEFAULT '',
			small_profile_img TEXT NOT NULL DEFAULT '',
			background_img TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT ''
		)`
}

var tables = []string{
	`CREATE TABLE IF NOT EXISTS follows (
		uid BIGINT NOT NULL,
		fid BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (uid, fid)
	)`,
	`CREATE INDEX IF NOT EXISTS follows_fid_idx ON follows (fid)`,
	`CREATE TABLE IF NOT EXISTS posts (
		pid BIGINT NOT NULL,
		uid BIGINT NOT NULL,
		message TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (uid, pid)
	)`,
	`CREATE TABLE IF NOT EXISTS post_comments (
		op_pid BIGINT NOT NULL,
		op_uid BIGINT NOT NULL,
		comment_pid BIGINT NOT NULL,
		comment_uid BIGINT NOT NULL,
		PRIMARY KEY (comment_uid, comment_pid)
	)`,
	`CREATE INDEX IF NOT EXISTS post_comments_op_idx ON post_comments (op_uid, op_pid)`,
	`CREATE TABLE IF NOT EXISTS likes (
		uid BIGINT NOT NULL,
		post_pid BIGINT NOT NULL,
		post_uid BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (uid, post_uid, post_pid)
	)`,
	`CREATE INDEX IF NOT EXISTS likes_post_idx ON likes (post_uid, post_pid)`,
	`CREATE TABLE IF NOT EXISTS reposts (
		uid BIGINT NOT NULL,
		post_pid BIGINT NOT NULL,
		post_uid BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (uid, post_uid, post_pid)
	)`,
	`CREATE INDEX IF NOT EXISTS reposts_post_idx ON reposts (post_uid, post_pid)`,
	`CREATE TABLE IF NOT EXISTS post_stats (
		pid BIGINT NOT NULL,
		uid BIGINT NOT NULL,
		likes BIGINT NOT NULL DEFAULT 0,
		reposts BIGINT NOT NULL DEFAULT 0,
		comments BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (uid, pid)
	)`,
}

// Migrate creates the schema if it does not exist yet.
func (r *Repository) Migrate(ctx context.Context) error {
	stmts := append([]string{usersTable(r.driver)}, tables...)
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return wrapf("migrate: %w", err)
		}
	}
	return nil
}
