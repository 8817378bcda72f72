// Package throttle はメールアドレス単位のログイン失敗回数制限を提供する。
// 複数インスタンス間でカウンタを共有するためRedisを使用する。
package throttle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// LoginThrottle はログイン失敗回数の記録と判定を行う。
type LoginThrottle interface {
	// Allow はログイン試行を許可するかを返す。ロック中はfalse。
	Allow(ctx context.Context, email string) (bool, error)
	// RecordFailure は失敗を1回記録する。
	RecordFailure(ctx context.Context, email string) error
	// Reset はログイン成功時にカウンタを消去する。
	Reset(ctx context.Context, email string) error
}

// Counter はRedisThrottleが使用するRedisコマンド。*redis.Clientが満たす。
type Counter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

const keyPrefix = "ssogate:login_failures:"

// RedisThrottle は失敗回数をTTL付きカウンタで保持する。
// 最初の失敗からlockout経過でカウンタは自然に消える。
type RedisThrottle struct {
	counter     Counter
	maxFailures int
	lockout     time.Duration
}

// NewRedisThrottle はRedisThrottleを生成する。
func NewRedisThrottle(counter Counter, maxFailures int, lockout time.Duration) *RedisThrottle {
	return &RedisThrottle{counter: counter, maxFailures: maxFailures, lockout: lockout}
}

// NewRedisClient は接続URL（redis://...）からクライアントを生成する。
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

func key(email string) string {
	return keyPrefix + email
}

// Allow は失敗回数が上限未満であればtrueを返す。
func (t *RedisThrottle) Allow(ctx context.Context, email string) (bool, error) {
	v, err := t.counter.Get(ctx, key(email)).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read login failures: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return false, fmt.Errorf("invalid login failure counter %q: %w", v, err)
	}
	return n < t.maxFailures, nil
}

// RecordFailure は失敗回数を加算する。最初の失敗でTTLを設定する。
func (t *RedisThrottle) RecordFailure(ctx context.Context, email string) error {
	n, err := t.counter.Incr(ctx, key(email)).Result()
	if err != nil {
		return fmt.Errorf("failed to increment login failures: %w", err)
	}
	if n == 1 {
		if err := t.counter.Expire(ctx, key(email), t.lockout).Err(); err != nil {
			return fmt.Errorf("failed to set login failure ttl: %w", err)
		}
	}
	return nil
}

// Reset はカウンタを削除する。
func (t *RedisThrottle) Reset(ctx context.Context, email string) error {
	if err := t.counter.Del(ctx, key(email)).Err(); err != nil {
		return fmt.Errorf("failed to reset login failures: %w", err)
	}
	return nil
}

// Nop はREDIS_URL未設定時に使用する、常に許可するLoginThrottle。
type Nop struct{}

func (Nop) Allow(context.Context, string) (bool, error) { return true, nil }
func (Nop) RecordFailure(context.Context, string) error { return nil }
func (Nop) Reset(context.Context, string) error         { return nil }

// compile-time interface check
var (
	_ LoginThrottle = (*RedisThrottle)(nil)
	_ LoginThrottle = Nop{}
	_ Counter       = (*redis.Client)(nil)
)
