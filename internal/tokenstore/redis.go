package tokenstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldAccess   = "access_token"
	fieldRefresh  = "refresh_token"
	fieldUsername = "username"
)

// RedisProvider keeps credentials in one Redis hash per browser session.
type RedisProvider struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	sealer *Sealer
}

// NewRedisProvider constructs a RedisProvider. A zero ttl keeps records until cleared.
func NewRedisProvider(client *redis.Client, prefix string, ttl time.Duration, sealer *Sealer) *RedisProvider {
	if prefix == "" {
		prefix = "portal:credentials:"
	}
	return &RedisProvider{client: client, prefix: prefix, ttl: ttl, sealer: sealer}
}

// Scope returns the store of a browser session.
func (p *RedisProvider) Scope(sessionID string) Store {
	return &redisStore{provider: p, key: p.prefix + sessionID}
}

type redisStore struct {
	provider *RedisProvider
	key      string
}

func (s *redisStore) Load(ctx context.Context) (Credentials, error) {
	values, err := s.provider.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return Credentials{}, fmt.Errorf("tokenstore: redis load: %w", err)
	}
	creds := Credentials{
		AccessToken:  values[fieldAccess],
		RefreshToken: values[fieldRefresh],
		Username:     values[fieldUsername],
	}
	if !creds.Complete() {
		return creds, nil
	}
	return s.provider.sealer.openCredentials(creds)
}

func (s *redisStore) Save(ctx context.Context, creds Credentials) error {
	sealed, err := s.provider.sealer.sealCredentials(creds)
	if err != nil {
		return err
	}
	_, err = s.provider.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		pipe.HSet(ctx, s.key,
			fieldAccess, sealed.AccessToken,
			fieldRefresh, sealed.RefreshToken,
			fieldUsername, sealed.Username,
		)
		if s.provider.ttl > 0 {
			pipe.Expire(ctx, s.key, s.provider.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tokenstore: redis save: %w", err)
	}
	return nil
}

func (s *redisStore) Clear(ctx context.Context) error {
	if err := s.provider.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("tokenstore: redis clear: %w", err)
	}
	return nil
}
