package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/f-sync/followsync/internal/profile"
	"github.com/go-redis/redis/v8"
)

const (
	defaultRedisKeyPrefix = "followsync:session"
	redisKeySeparator     = ":"

	errMessageNilRedisClient = "redis client cannot be nil"
	errMessageRedisRead      = "read session entry from redis"
	errMessageRedisWrite     = "write session entries to redis"
	errMessageRedisClear     = "clear session entries from redis"
)

// ErrNilRedisClient is returned when a RedisStore is constructed without a client.
var ErrNilRedisClient = errors.New(errMessageNilRedisClient)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Client    redis.UniversalClient
	KeyPrefix string
	// TTL expires both keys together; zero keeps them until cleared.
	TTL time.Duration
}

// RedisStore keeps the session under two Redis keys written in one MULTI/EXEC block.
type RedisStore struct {
	client     redis.UniversalClient
	tokenKey   string
	profileKey string
	ttl        time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore constructs a RedisStore.
func NewRedisStore(config RedisConfig) (*RedisStore, error) {
	if config.Client == nil {
		return nil, ErrNilRedisClient
	}
	prefix := strings.TrimSpace(config.KeyPrefix)
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisStore{
		client:     config.Client,
		tokenKey:   prefix + redisKeySeparator + tokenKey,
		profileKey: prefix + redisKeySeparator + profileKey,
		ttl:        config.TTL,
	}, nil
}

func (redisStore *RedisStore) Token(ctx context.Context) (string, error) {
	value, err := redisStore.client.Get(ctx, redisStore.tokenKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", errMessageRedisRead, err)
	}
	return value, nil
}

func (redisStore *RedisStore) SavedProfile(ctx context.Context) (*profile.Profile, error) {
	value, err := redisStore.client.Get(ctx, redisStore.profileKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageRedisRead, err)
	}
	return decodeProfile(value)
}

func (redisStore *RedisStore) Save(ctx context.Context, entry Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	var encodedProfile []byte
	if entry.Profile != nil {
		encoded, err := encodeProfile(*entry.Profile)
		if err != nil {
			return err
		}
		encodedProfile = encoded
	}
	_, err := redisStore.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisStore.tokenKey, entry.Token, redisStore.ttl)
		if encodedProfile == nil {
			pipe.Del(ctx, redisStore.profileKey)
			return nil
		}
		pipe.Set(ctx, redisStore.profileKey, encodedProfile, redisStore.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageRedisWrite, err)
	}
	return nil
}

// SaveProfile watches the token key so a concurrent Clear cannot leave an orphaned profile.
func (redisStore *RedisStore) SaveProfile(ctx context.Context, snapshot profile.Profile) error {
	encodedProfile, err := encodeProfile(snapshot)
	if err != nil {
		return err
	}
	watchErr := redisStore.client.Watch(ctx, func(tx *redis.Tx) error {
		token, getErr := tx.Get(ctx, redisStore.tokenKey).Result()
		if errors.Is(getErr, redis.Nil) || (getErr == nil && token == "") {
			return ErrNoSession
		}
		if getErr != nil {
			return getErr
		}
		_, pipeErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisStore.profileKey, encodedProfile, redisStore.ttl)
			return nil
		})
		return pipeErr
	}, redisStore.tokenKey)
	if errors.Is(watchErr, ErrNoSession) {
		return ErrNoSession
	}
	if watchErr != nil {
		return fmt.Errorf("%s: %w", errMessageRedisWrite, watchErr)
	}
	return nil
}

func (redisStore *RedisStore) Clear(ctx context.Context) error {
	if err := redisStore.client.Del(ctx, redisStore.tokenKey, redisStore.profileKey).Err(); err != nil {
		return fmt.Errorf("%s: %w", errMessageRedisClear, err)
	}
	return nil
}
