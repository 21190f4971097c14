// Package lock provides the distributed stock-in guard backed by Redis
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nemonet1337/apexstock/pkg/inventory"
)

// Options configures RedisLocker
type Options struct {
	TTL        time.Duration // ロック保持期間
	RetryEvery time.Duration // 取得リトライ間隔
	MaxRetries int           // 取得リトライ回数（0 の場合はリトライしない）
}

// DefaultOptions returns the lock settings used by the API server.
// TTL outlives the default 30s transaction timeout so a slow stock-in keeps
// its guard until commit.
func DefaultOptions() Options {
	return Options{
		TTL:        45 * time.Second,
		RetryEvery: 100 * time.Millisecond,
		MaxRetries: 20,
	}
}

// RedisLocker implements inventory.Locker with redislock
// Redisによる分散ロック
type RedisLocker struct {
	client  *redislock.Client
	options Options
	logger  *zap.Logger
}

var _ inventory.Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a locker on top of an existing Redis client
func NewRedisLocker(rdb redislock.RedisClient, options Options, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options.TTL <= 0 {
		options.TTL = DefaultOptions().TTL
	}
	return &RedisLocker{
		client:  redislock.New(rdb),
		options: options,
		logger:  logger,
	}
}

// Obtain acquires key, retrying linearly until MaxRetries is exhausted.
// A lock held elsewhere yields a *inventory.ConcurrencyError.
// ロックを取得（他プロセスが保持中の場合は同時実行エラー）
func (l *RedisLocker) Obtain(ctx context.Context, key string) (inventory.Lease, error) {
	var opts *redislock.Options
	if l.options.MaxRetries > 0 {
		opts = &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.options.RetryEvery), l.options.MaxRetries),
		}
	}

	lock, err := l.client.Obtain(ctx, key, l.options.TTL, opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		l.logger.Warn("ロックを取得できませんでした", zap.String("key", key))
		return nil, inventory.NewConcurrencyError("obtain_lock", key, "他の処理が実行中です")
	}
	if err != nil {
		return nil, fmt.Errorf("ロック取得に失敗しました: %w", err)
	}
	return lock, nil
}

// NewRedisClient opens a Redis client and verifies it with PING
// Redisクライアントを作成して接続確認
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("Redis接続に失敗しました (%s): %w", addr, err)
	}
	return rdb, nil
}
