package redis

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
)

// txBatch adapts domain.Batch onto a MULTI pipeline. Commands with no
// arguments are skipped since Redis rejects them.
type txBatch struct {
	ctx  context.Context
	pipe goredis.Pipeliner
}

func toArgs(members []string) []interface{} {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return args
}

func (b *txBatch) Set(key, value string) {
	b.pipe.Set(b.ctx, key, value, 0)
}

func (b *txBatch) Del(keys ...string) {
	if len(keys) > 0 {
		b.pipe.Del(b.ctx, keys...)
	}
}

func (b *txBatch) HSet(key, field, value string) {
	b.pipe.HSet(b.ctx, key, field, value)
}

func (b *txBatch) HDel(key string, fields ...string) {
	if len(fields) > 0 {
		b.pipe.HDel(b.ctx, key, fields...)
	}
}

func (b *txBatch) HIncrBy(key, field string, incr int64) {
	b.pipe.HIncrBy(b.ctx, key, field, incr)
}

func (b *txBatch) ZAdd(key string, score int64, member string) {
	b.pipe.ZAdd(b.ctx, key, goredis.Z{Score: float64(score), Member: member})
}

func (b *txBatch) ZRem(key string, members ...string) {
	if len(members) > 0 {
		b.pipe.ZRem(b.ctx, key, toArgs(members)...)
	}
}

func (b *txBatch) SAdd(key string, members ...string) {
	if len(members) > 0 {
		b.pipe.SAdd(b.ctx, key, toArgs(members)...)
	}
}

func (b *txBatch) SRem(key string, members ...string) {
	if len(members) > 0 {
		b.pipe.SRem(b.ctx, key, toArgs(members)...)
	}
}
