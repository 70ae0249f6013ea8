// Package redis implements domain.CacheStore on top of a Redis server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/blackmichael/timeline-cache/internal/domain"
)

// Cache wraps a go-redis client. Transport and server errors are reported as
// domain.StoreUnavailableError; a missing key is never an error.
type Cache struct {
	rdb *goredis.Client

	// embedded is set when the cache runs its own in-process server.
	embedded *miniredis.Miniredis
}

var _ domain.CacheStore = (*Cache)(nil)

// New connects to the Redis server at redisURL (redis://[:pass@]host:port/db)
// and verifies the connection with a PING.
func New(redisURL string) (*Cache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Cache{rdb: rdb}, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(rdb *goredis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// NewEmbedded starts an in-process Redis server and connects to it. State
// lives only as long as the Cache; Close stops the server.
func NewEmbedded() (*Cache, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("start embedded redis: %w", err)
	}
	c := NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	c.embedded = mr
	return c, nil
}

// Close shuts down the underlying connection pool, and the embedded server
// if there is one.
func (c *Cache) Close() error {
	err := c.rdb.Close()
	if c.embedded != nil {
		c.embedded.Close()
	}
	return err
}

// Ping reports whether the server is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return unavailable(c.rdb.Ping(ctx).Err())
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return &domain.StoreUnavailableError{Store: "cache", Err: err}
}

func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable(err)
	}
	return val, true, nil
}

func (c *Cache) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable(err)
	}
	return val, true, nil
}

func (c *Cache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	vals, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return vals, nil
}

func (c *Cache) HMGet(ctx context.Context, key string, fields ...string) ([]string, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	vals, err := c.rdb.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]string, len(fields))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = s
		}
	}
	return out, nil
}

func (c *Cache) HGetEach(ctx context.Context, keys []string, field string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]*goredis.StringCmd, len(keys))
	_, err := c.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGet(ctx, key, field)
		}
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, unavailable(err)
	}

	out := make([]string, len(keys))
	for i, cmd := range cmds {
		val, err := cmd.Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, unavailable(err)
		}
		out[i] = val
	}
	return out, nil
}

func (c *Cache) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := c.rdb.ZScore(ctx, key, member).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable(err)
	}
	return score, true, nil
}

func (c *Cache) ZRevRangeByScore(ctx context.Context, key string, max int64, limit int) ([]domain.ScoredMember, error) {
	if limit <= 0 {
		return nil, nil
	}
	zs, err := c.rdb.ZRevRangeByScoreWithScores(ctx, key, &goredis.ZRangeBy{
		Max:   "(" + strconv.FormatInt(max, 10),
		Min:   "-inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	out := make([]domain.ScoredMember, len(zs))
	for i, z := range zs {
		out[i] = domain.ScoredMember{Member: fmt.Sprint(z.Member), Score: int64(z.Score)}
	}
	return out, nil
}

func (c *Cache) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return members, nil
}

func (c *Cache) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return ok, nil
}

func (c *Cache) SPopN(ctx context.Context, key string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	members, err := c.rdb.SPopN(ctx, key, int64(n)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return members, nil
}

// Exec queues the batch inside MULTI/EXEC. When fn fails the transaction is
// never sent.
func (c *Cache) Exec(ctx context.Context, fn func(b domain.Batch) error) error {
	var fnErr error
	_, err := c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		b := &txBatch{ctx: ctx, pipe: pipe}
		if err := fn(b); err != nil {
			fnErr = err
			return err
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	return unavailable(err)
}

// ExecIf runs the batch under WATCH on key. A concurrent write to key, or a
// mismatch of field, leaves the batch unapplied.
func (c *Cache) ExecIf(ctx context.Context, key, field, want string, fn func(b domain.Batch) error) (bool, error) {
	var (
		fnErr   error
		applied bool
	)
	err := c.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		got, err := tx.HGet(ctx, key, field).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		if got != want {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if err := fn(&txBatch{ctx: ctx, pipe: pipe}); err != nil {
				fnErr = err
				return err
			}
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}, key)
	switch {
	case fnErr != nil:
		return false, fnErr
	case errors.Is(err, goredis.TxFailedErr):
		return false, nil
	case err != nil:
		return false, unavailable(err)
	}
	return applied, nil
}
