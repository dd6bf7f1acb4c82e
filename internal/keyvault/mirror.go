package keyvault

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kenneth/native-sign-gateway/internal/config"
	"github.com/kenneth/native-sign-gateway/internal/crypto"
	"github.com/redis/go-redis/v9"
)

// Mirror shares register keys between gateway replicas.
type Mirror interface {
	Get(ctx context.Context, version int64) ([]byte, bool, error)
	Put(ctx context.Context, version int64, key []byte) error
	Current(ctx context.Context) (int64, bool, error)
	Delete(ctx context.Context, version int64) error
	Clear(ctx context.Context) error
}

// RedisMirror stores keys as hex strings under prefix+version, and the
// current version under prefix+"current".
type RedisMirror struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Mirror = (*RedisMirror)(nil)

// NewRedisMirror connects to the Redis server in cfg.
func NewRedisMirror(ctx context.Context, cfg config.RedisConfig) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisMirrorWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisMirrorWithClient wraps an existing client.
func NewRedisMirrorWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisMirror {
	return &RedisMirror{client: client, prefix: prefix, ttl: ttl}
}

func (m *RedisMirror) versionKey(version int64) string {
	return m.prefix + strconv.FormatInt(version, 10)
}

func (m *RedisMirror) currentKey() string {
	return m.prefix + "current"
}

// Get implements Mirror.
func (m *RedisMirror) Get(ctx context.Context, version int64) ([]byte, bool, error) {
	s, err := m.client.Get(ctx, m.versionKey(version)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	key, err := crypto.KeyFromHex(s)
	if err != nil {
		return nil, false, fmt.Errorf("mirrored key %d is corrupt: %w", version, err)
	}
	return key, true, nil
}

// Put implements Mirror. The key entry is only written when absent.
func (m *RedisMirror) Put(ctx context.Context, version int64, key []byte) error {
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, m.versionKey(version), crypto.KeyToHex(key), m.ttl)
		pipe.Set(ctx, m.currentKey(), version, m.ttl)
		return nil
	})
	return err
}

// Current implements Mirror.
func (m *RedisMirror) Current(ctx context.Context) (int64, bool, error) {
	v, err := m.client.Get(ctx, m.currentKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// Delete implements Mirror.
func (m *RedisMirror) Delete(ctx context.Context, version int64) error {
	return m.client.Del(ctx, m.versionKey(version)).Err()
}

// Clear implements Mirror.
func (m *RedisMirror) Clear(ctx context.Context) error {
	iter := m.client.Scan(ctx, 0, m.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return m.client.Del(ctx, keys...).Err()
}

// Close closes the Redis client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
