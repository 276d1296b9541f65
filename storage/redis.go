package storage

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ftauth/dpop/dpop"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultKeyPrefix namespaces replay keys in a shared Redis.
const DefaultKeyPrefix = "dpop"

// RedisOptions configures the Redis replay store.
type RedisOptions struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore is a distributed dpop.NonceStorage backed by Redis. Records
// expire through Redis key expiry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string

	total atomic.Uint64
	runs  atomic.Uint64
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: keyPrefix}
}

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, dpop.NewError(dpop.KindConfigurationError, "redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "connecting to redis at %s", opts.Addr)
	}
	return NewRedisStore(client, opts.KeyPrefix), nil
}

func (s *RedisStore) nonceKey(clientID, nonce string) string {
	return fmt.Sprintf("%s:dpop:nonce:%s__%s", s.prefix, clientID, nonce)
}

func (s *RedisStore) keyPattern() string {
	return s.prefix + ":dpop:nonce:*"
}

// StoreNonce implements dpop.NonceStorage with SET NX.
func (s *RedisStore) StoreNonce(ctx context.Context, nonce, jti, method, uri, clientID string, ttl time.Duration) (bool, error) {
	if nonce == "" {
		return false, dpop.NewError(dpop.KindStorageError, "empty nonce")
	}
	if ttl <= 0 {
		ttl = dpop.DefaultTTL
	}

	b, err := msgpack.Marshal(&dpop.ReplayRecord{
		Nonce:      nonce,
		JTI:        jti,
		Method:     method,
		URI:        uri,
		ClientID:   clientID,
		InsertedAt: time.Now(),
		TTL:        ttl,
	})
	if err != nil {
		return false, dpop.WrapError(dpop.KindSerializationError, err, "encoding replay record")
	}

	stored, err := s.client.SetNX(ctx, s.nonceKey(clientID, nonce), b, ttl).Result()
	if err != nil {
		return false, dpop.WrapError(dpop.KindStorageError, err, "redis SETNX")
	}
	if stored {
		s.total.Add(1)
	}
	return stored, nil
}

// IsNonceUsed implements dpop.NonceStorage.
func (s *RedisStore) IsNonceUsed(ctx context.Context, nonce, clientID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.nonceKey(clientID, nonce)).Result()
	if err != nil {
		return false, dpop.WrapError(dpop.KindStorageError, err, "redis EXISTS")
	}
	return n > 0, nil
}

// CleanupExpired implements dpop.NonceStorage. Redis expires keys on
// its own, so there is never anything to remove.
func (s *RedisStore) CleanupExpired(ctx context.Context) (uint64, error) {
	s.runs.Add(1)
	return 0, nil
}

// GetUsageStats implements dpop.NonceStorage by scanning the key space
// of this store.
func (s *RedisStore) GetUsageStats(ctx context.Context) (*dpop.StorageStats, error) {
	stats := &dpop.StorageStats{
		Total:       s.total.Load(),
		CleanupRuns: s.runs.Load(),
		Backend:     string(BackendRedis),
	}
	now := time.Now()
	var age time.Duration

	iter := s.client.Scan(ctx, 0, s.keyPattern(), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		b, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			// Expired between SCAN and GET.
			continue
		}
		if err != nil {
			return nil, dpop.WrapError(dpop.KindStorageError, err, "redis GET")
		}
		var rec dpop.ReplayRecord
		if err := msgpack.Unmarshal(b, &rec); err != nil {
			return nil, dpop.WrapError(dpop.KindSerializationError, err, "decoding "+key)
		}
		stats.Active++
		age += now.Sub(rec.InsertedAt)

		if size, err := s.client.MemoryUsage(ctx, key).Result(); err == nil {
			stats.StorageBytes += uint64(size)
		} else {
			stats.StorageBytes += uint64(len(key) + len(b))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, dpop.WrapError(dpop.KindStorageError, err, "redis SCAN")
	}

	if stats.Total > stats.Active {
		stats.Expired = stats.Total - stats.Active
	}
	if stats.Active > 0 {
		stats.AverageAge = age / time.Duration(stats.Active)
	}
	return stats, nil
}

// Clear deletes every record of this store.
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.keyPattern(), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "scanning redis")
	}
	if len(keys) == 0 {
		return nil
	}
	return errors.Wrap(s.client.Del(ctx, keys...).Err(), "deleting redis keys")
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// String identifies the store in logs without credentials.
func (s *RedisStore) String() string {
	return "redis(" + strings.TrimSuffix(s.keyPattern(), "*") + ")"
}
