// Package cache provides a tiny Redis client wrapper for caching prediction results
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client. A nil *Cache is a valid, always-missing cache.
type Cache struct {
	client *redis.Client
}

// New creates a new Cache instance connected to the specified Redis address
// If addr is empty, defaults to localhost:6379
func New(ctx context.Context, addr string) (*Cache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // No password by default
		DB:       0,  // Default DB
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	return &Cache{client: client}, nil
}

// Key derives the cache key for a batch run on backend. Identical observations on the
// same backend and model map to the same key.
func Key(backend, model string, c, h, w int64, obsBatch [][]float32) string {
	hash := sha256.New()
	hash.Write([]byte(backend))
	hash.Write([]byte{0})
	hash.Write([]byte(model))
	hash.Write([]byte{0})
	var buf [8]byte
	for _, d := range []int64{c, h, w, int64(len(obsBatch))} {
		binary.LittleEndian.PutUint64(buf[:], uint64(d))
		hash.Write(buf[:])
	}
	for _, obs := range obsBatch {
		for _, v := range obs {
			binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
			hash.Write(buf[:4])
		}
	}
	return "enginebind:predict:" + hex.EncodeToString(hash.Sum(nil))
}

// SetActions stores actions under key with the specified TTL
func (c *Cache) SetActions(ctx context.Context, key string, actions []float32, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}

	b := make([]byte, 4*len(actions))
	for i, v := range actions {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	if err := c.client.Set(ctx, key, b, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// GetActions retrieves cached actions. ok is false on a miss.
func (c *Cache) GetActions(ctx context.Context, key string) (actions []float32, ok bool, err error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}

	b, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil // Key does not exist
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return decode(b)
}

func decode(b []byte) ([]float32, bool, error) {
	if len(b)%4 != 0 {
		return nil, false, fmt.Errorf("corrupt cache entry: %d bytes", len(b))
	}
	actions := make([]float32, len(b)/4)
	for i := range actions {
		actions[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return actions, true, nil
}

// Ping checks the connection.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	if c != nil && c.client != nil {
		return c.client.Close()
	}
	return nil
}
