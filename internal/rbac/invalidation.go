package rbac

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultInvalidationChannel carries role ids whose cached permissions are stale.
	DefaultInvalidationChannel = "rbac.roles.invalidate"

	invalidateAll = "*"
)

// Invalidator broadcasts role cache resets between portal replicas over Redis.
type Invalidator struct {
	client  *redis.Client
	cache   *Cache
	channel string
	logger  *slog.Logger
}

// NewInvalidator wires an Invalidator to the local cache.
func NewInvalidator(client *redis.Client, cache *Cache, channel string, logger *slog.Logger) *Invalidator {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{client: client, cache: cache, channel: channel, logger: logger}
}

// InvalidateRole drops the role locally and asks every replica to do the same.
func (i *Invalidator) InvalidateRole(ctx context.Context, roleID int64) error {
	i.cache.Invalidate(roleID)
	return i.publish(ctx, strconv.FormatInt(roleID, 10))
}

// InvalidateAll clears the cache locally and on every replica.
func (i *Invalidator) InvalidateAll(ctx context.Context) error {
	i.cache.Clear()
	return i.publish(ctx, invalidateAll)
}

func (i *Invalidator) publish(ctx context.Context, payload string) error {
	if i.client == nil {
		return nil
	}
	return i.client.Publish(ctx, i.channel, payload).Err()
}

// Listen subscribes to the channel and applies messages until ctx is done.
// The subscription is confirmed before Listen returns.
func (i *Invalidator) Listen(ctx context.Context) error {
	if i.client == nil {
		return errors.New("rbac: invalidator without redis client")
	}
	pubsub := i.client.Subscribe(ctx, i.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				i.apply(msg.Payload)
			}
		}
	}()
	return nil
}

func (i *Invalidator) apply(payload string) {
	payload = strings.TrimSpace(payload)
	if payload == invalidateAll {
		i.cache.Clear()
		i.logger.Info("role cache cleared")
		return
	}
	roleID, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		i.logger.Warn("invalid role invalidation message", slog.String("payload", payload))
		return
	}
	i.cache.Invalidate(roleID)
	i.logger.Info("role cache entry invalidated", slog.Int64("role_id", roleID))
}
