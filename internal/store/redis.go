package store

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// RedisKV 基于 Redis 的凭据槽位存储，多实例部署时共享 key 池
type RedisKV struct {
	client    goredis.Cmdable
	keyPrefix string
}

// RedisOption 配置 RedisKV
type RedisOption func(*RedisKV)

// WithKeyPrefix 设置 Redis key 前缀（默认 "keyrelay:"）
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisKV) { r.keyPrefix = prefix }
}

// NewRedisKV 创建 Redis 槽位存储，client 可以是 *goredis.Client 或 *goredis.ClusterClient
func NewRedisKV(client goredis.Cmdable, opts ...RedisOption) *RedisKV {
	r := &RedisKV{
		client:    client,
		keyPrefix: "keyrelay:",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisKV) slotKey(slot string) string {
	return r.keyPrefix + "slot:" + slot
}

// Get 读取槽位
func (r *RedisKV) Get(ctx context.Context, slot string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.slotKey(slot)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", slot, err)
	}
	return v, true, nil
}

// Set 写入槽位（不过期）
func (r *RedisKV) Set(ctx context.Context, slot, value string) error {
	if err := r.client.Set(ctx, r.slotKey(slot), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", slot, err)
	}
	return nil
}

// Delete 删除槽位
func (r *RedisKV) Delete(ctx context.Context, slot string) error {
	if err := r.client.Del(ctx, r.slotKey(slot)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", slot, err)
	}
	return nil
}

// Ping 检查连接
func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
