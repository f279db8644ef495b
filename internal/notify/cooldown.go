package notify

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/lox/weatherwatch/internal/models"
)

// Cooldown throttles repeat notifications for the same key. Allow reserves
// the key for the window and reports whether the caller may send.
type Cooldown interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// CooldownKey identifies a recipient's subscription to one condition at one
// location.
func CooldownKey(def models.AlertDefinition) string {
	return strings.ToLower(def.Email) + "|" + string(def.Kind.Normalize()) + "|" + models.CityKey(def.City)
}

// MemoryCooldown keeps reservations in process memory. A restart clears it.
type MemoryCooldown struct {
	c      *cache.Cache
	window time.Duration
}

func NewMemoryCooldown(window time.Duration) *MemoryCooldown {
	return &MemoryCooldown{
		c:      cache.New(window, 2*window),
		window: window,
	}
}

func (m *MemoryCooldown) Allow(_ context.Context, key string) (bool, error) {
	// Add fails if the key is present and unexpired.
	return m.c.Add(key, struct{}{}, m.window) == nil, nil
}

// RedisCooldown keeps reservations in Redis so they survive restarts and are
// shared between instances.
type RedisCooldown struct {
	client *redis.Client
	window time.Duration
	prefix string
}

func NewRedisCooldown(client *redis.Client, window time.Duration) *RedisCooldown {
	return &RedisCooldown{
		client: client,
		window: window,
		prefix: "weatherwatch:cooldown:",
	}
}

func (r *RedisCooldown) Allow(ctx context.Context, key string) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+key, time.Now().Unix(), r.window).Result()
}
