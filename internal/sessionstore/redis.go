package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/hdtn-connect/internal/model"
)

const keyPrefix = "hdtn:session:"

// RedisConfig はRedis接続設定。
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL は保存したセッションの有効期間。ブラウザCookieの寿命に合わせる。
	TTL time.Duration
}

// Redis はRedisにセッションを保存するStore。
// サーバーを再起動してもブラウザのサインイン状態が維持される。
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis は新しいRedisを生成する。接続は最初のコマンド実行時に確立される。
func NewRedis(cfg RedisConfig) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{rdb: rdb, ttl: cfg.TTL}
}

// Ping はRedisへの疎通を確認する。
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Get は保存済みのセッションを返す。
func (r *Redis) Get(ctx context.Context, browserID string) (*model.Session, error) {
	val, err := r.rdb.Get(ctx, keyPrefix+browserID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from redis: %w", err)
	}

	var session model.Session
	if err := json.Unmarshal(val, &session); err != nil {
		return nil, fmt.Errorf("failed to decode stored session: %w", err)
	}
	return &session, nil
}

// Put はセッションを保存する。nilの場合は削除する。
func (r *Redis) Put(ctx context.Context, browserID string, session *model.Session) error {
	if session == nil {
		return r.Delete(ctx, browserID)
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := r.rdb.Set(ctx, keyPrefix+browserID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session in redis: %w", err)
	}
	return nil
}

// Delete はセッションを削除する。
func (r *Redis) Delete(ctx context.Context, browserID string) error {
	if err := r.rdb.Del(ctx, keyPrefix+browserID).Err(); err != nil {
		return fmt.Errorf("failed to delete session from redis: %w", err)
	}
	return nil
}

// Close は接続を閉じる。
func (r *Redis) Close() error {
	return r.rdb.Close()
}

var _ Store = (*Redis)(nil)
