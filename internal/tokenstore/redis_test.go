package tokenstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisProvider(t *testing.T, sealer *Sealer) (*RedisProvider, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisProvider(client, "test:creds:", time.Hour, sealer), mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	provider, mr := newRedisProvider(t, nil)
	store := provider.Scope("sid-1")

	creds, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, creds.Empty())

	want := Credentials{AccessToken: "A1", RefreshToken: "R1", Username: "alice"}
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, "A1", mr.HGet("test:creds:sid-1", fieldAccess))
	assert.Equal(t, time.Hour, mr.TTL("test:creds:sid-1"))

	other, err := provider.Scope("sid-2").Load(ctx)
	require.NoError(t, err)
	assert.True(t, other.Empty())

	require.NoError(t, store.Clear(ctx))
	assert.False(t, mr.Exists("test:creds:sid-1"))
}

func TestRedisStoreSaveReplacesRecord(t *testing.T) {
	ctx := context.Background()
	provider, _ := newRedisProvider(t, nil)
	store := provider.Scope("sid")

	require.NoError(t, store.Save(ctx, Credentials{AccessToken: "A1", RefreshToken: "R1", Username: "alice"}))
	require.NoError(t, store.Save(ctx, Credentials{AccessToken: "A2", RefreshToken: "R2", Username: "alice"}))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A2", got.AccessToken)
	assert.Equal(t, "R2", got.RefreshToken)
}

func TestRedisStorePartialRecordIsIncomplete(t *testing.T) {
	ctx := context.Background()
	provider, mr := newRedisProvider(t, nil)
	mr.HSet("test:creds:sid", fieldAccess, "A1")

	got, err := provider.Scope("sid").Load(ctx)
	require.NoError(t, err)
	assert.False(t, got.Complete())
	assert.False(t, got.Empty())
}

func TestRedisStoreSealsTokens(t *testing.T) {
	ctx := context.Background()
	provider, mr := newRedisProvider(t, NewSealer("seal-key"))
	store := provider.Scope("sid")

	want := Credentials{AccessToken: "A1", RefreshToken: "R1", Username: "alice"}
	require.NoError(t, store.Save(ctx, want))

	raw := mr.HGet("test:creds:sid", fieldAccess)
	assert.NotEqual(t, "A1", raw)
	assert.Equal(t, "alice", mr.HGet("test:creds:sid", fieldUsername))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSealer(t *testing.T) {
	assert.Nil(t, NewSealer(""))

	var passthrough *Sealer
	out, err := passthrough.Seal("token")
	require.NoError(t, err)
	assert.Equal(t, "token", out)

	s := NewSealer("k1")
	sealed, err := s.Seal("token")
	require.NoError(t, err)
	again, err := s.Seal("token")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "token", plain)

	_, err = NewSealer("k2").Open(sealed)
	assert.ErrorIs(t, err, ErrUnseal)
	_, err = s.Open("plain-token")
	assert.ErrorIs(t, err, ErrUnseal)
}
