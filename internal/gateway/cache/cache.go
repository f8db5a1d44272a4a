// Package cache keeps system prompt text in Redis in front of the database.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-chat-core/internal/shared/logging"
	"github.com/mrmushfiq/llm0-chat-core/internal/shared/redis"
)

// Loader is the source of truth for prompts.
type Loader interface {
	LoadPrompt(ctx context.Context, name string) (string, error)
}

type entry struct {
	Name     string    `json:"name"`
	Body     string    `json:"body"`
	LoadedAt time.Time `json:"loaded_at"`
}

type Cache struct {
	redis  *redis.Client
	loader Loader
	ttl    time.Duration
	log    *logrus.Logger
}

// New creates a prompt cache. A nil log discards output.
func New(redisClient *redis.Client, loader Loader, ttl time.Duration, log *logrus.Logger) *Cache {
	if log == nil {
		log = logging.Discard()
	}
	return &Cache{redis: redisClient, loader: loader, ttl: ttl, log: log}
}

// generateCacheKey hashes the prompt name so any name is a safe key
func (c *Cache) generateCacheKey(name string) string {
	hash := sha256.Sum256([]byte(name))
	return "cache:prompt:" + hex.EncodeToString(hash[:])
}

// Get retrieves a cached prompt. It returns redis.ErrNotFound on a miss.
func (c *Cache) Get(ctx context.Context, name string) (string, error) {
	val, err := c.redis.Get(ctx, c.generateCacheKey(name))
	if err != nil {
		return "", err
	}

	var cached entry
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		return "", fmt.Errorf("failed to deserialize cached prompt: %w", err)
	}
	return cached.Body, nil
}

// Set stores a prompt in cache
func (c *Cache) Set(ctx context.Context, name, body string) error {
	data, err := json.Marshal(entry{Name: name, Body: body, LoadedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to serialize prompt: %w", err)
	}
	return c.redis.Set(ctx, c.generateCacheKey(name), string(data), c.ttl)
}

// LoadPrompt reads through the cache. Redis trouble falls back to the loader.
func (c *Cache) LoadPrompt(ctx context.Context, name string) (string, error) {
	body, err := c.Get(ctx, name)
	if err == nil {
		return body, nil
	}
	if !errors.Is(err, redis.ErrNotFound) {
		c.log.WithError(err).WithField("prompt", name).Warn("prompt cache read failed")
	}

	body, err = c.loader.LoadPrompt(ctx, name)
	if err != nil {
		return "", err
	}

	if err := c.Set(ctx, name, body); err != nil {
		c.log.WithError(err).WithField("prompt", name).Warn("prompt cache write failed")
	}
	return body, nil
}
