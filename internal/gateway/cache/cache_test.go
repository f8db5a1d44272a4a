package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-chat-core/internal/shared/redis"
)

type countingLoader struct {
	body  string
	err   error
	calls atomic.Int32
}

func (l *countingLoader) LoadPrompt(ctx context.Context, name string) (string, error) {
	l.calls.Add(1)
	return l.body, l.err
}

func newTestCache(t *testing.T, loader Loader) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })
	return New(client, loader, time.Minute, nil), mr
}

func TestLoadPrompt_ReadThrough(t *testing.T) {
	loader := &countingLoader{body: "be brief"}
	c, mr := newTestCache(t, loader)

	for i := 0; i < 3; i++ {
		body, err := c.LoadPrompt(context.Background(), "default")
		require.NoError(t, err)
		assert.Equal(t, "be brief", body)
	}
	assert.Equal(t, int32(1), loader.calls.Load())

	key := c.generateCacheKey("default")
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Minute, mr.TTL(key))

	mr.FastForward(2 * time.Minute)
	_, err := c.LoadPrompt(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, int32(2), loader.calls.Load())
}

func TestLoadPrompt_LoaderErrorNotCached(t *testing.T) {
	loader := &countingLoader{err: errors.New("not found")}
	c, mr := newTestCache(t, loader)

	_, err := c.LoadPrompt(context.Background(), "missing")
	assert.Error(t, err)
	assert.False(t, mr.Exists(c.generateCacheKey("missing")))
}

func TestLoadPrompt_RedisDownFallsBack(t *testing.T) {
	loader := &countingLoader{body: "be brief"}
	c, mr := newTestCache(t, loader)
	mr.Close()

	body, err := c.LoadPrompt(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "be brief", body)
}

func TestGet_Miss(t *testing.T) {
	c, _ := newTestCache(t, &countingLoader{})
	_, err := c.Get(context.Background(), "nothing")
	assert.ErrorIs(t, err, redis.ErrNotFound)
}
