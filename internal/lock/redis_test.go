package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/apexstock/pkg/inventory"
)

// 接続を受け付けないアドレス
const refusedAddr = "127.0.0.1:1"

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 45*time.Second, opts.TTL)
	assert.Equal(t, 100*time.Millisecond, opts.RetryEvery)
	assert.Equal(t, 20, opts.MaxRetries)
}

func TestNewRedisLocker_DefaultTTL(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: refusedAddr})
	defer rdb.Close()

	locker := NewRedisLocker(rdb, Options{}, nil)
	assert.Equal(t, DefaultOptions().TTL, locker.options.TTL)
	assert.NotNil(t, locker.logger)
}

// TestRedisLocker_Obtain_ConnectionError は接続失敗が同時実行エラーにならないことのテスト
func TestRedisLocker_Obtain_ConnectionError(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: refusedAddr, MaxRetries: -1})
	defer rdb.Close()

	locker := NewRedisLocker(rdb, Options{TTL: time.Second}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lease, err := locker.Obtain(ctx, "apexstock:stock-in:p-1:branch:b-1")
	require.Error(t, err)
	assert.Nil(t, lease)
	assert.False(t, inventory.IsConflict(err))
	assert.Contains(t, err.Error(), "ロック取得に失敗しました")
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rdb, err := NewRedisClient(ctx, refusedAddr, "", 0)
	require.Error(t, err)
	assert.Nil(t, rdb)
	assert.Contains(t, err.Error(), refusedAddr)
}
