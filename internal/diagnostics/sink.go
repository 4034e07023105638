// Package diagnostics keeps a debug copy of the most recent upload.
package diagnostics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Sink records an uploaded drawing for debugging. Record must be safe for
// concurrent use; each call replaces what the previous one stored.
type Sink interface {
	Record(ctx context.Context, requestID string, image []byte) error
}

// Nop discards everything. It is the sink used outside debug mode.
type Nop struct{}

// Record does nothing.
func (Nop) Record(context.Context, string, []byte) error { return nil }

// FileSink overwrites a single file with the latest upload. Writes go to a
// temporary file that is renamed into place, so readers never see a torn
// image even when requests race.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink writes to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Path returns the destination file.
func (s *FileSink) Path() string { return s.path }

// Record replaces the file contents with image.
func (s *FileSink) Record(_ context.Context, _ string, image []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".last-upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(image); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

// Store abstracts the Redis operations the sink uses to make testing easier.
type Store interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// RedisStore is a concrete implementation backed by go-redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a new Redis-backed store adapter.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Set writes a value to Redis.
func (s *RedisStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return s.client.Set(ctx, key, value, expiration).Err()
}

// Redis keys written by RedisSink.
const (
	LastImageKey     = "maplearner:debug:last_image"
	LastRequestIDKey = "maplearner:debug:last_request_id"
)

// RedisSink keeps the latest upload under a fixed key. Each SET is atomic on
// the server, so concurrent requests simply overwrite one another.
type RedisSink struct {
	store Store
	ttl   time.Duration
}

// NewRedisSink stores uploads for ttl (one hour when ttl is zero).
func NewRedisSink(store Store, ttl time.Duration) *RedisSink {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisSink{store: store, ttl: ttl}
}

// Record stores image and the id of the request that sent it.
func (s *RedisSink) Record(ctx context.Context, requestID string, image []byte) error {
	if err := s.store.Set(ctx, LastImageKey, image, s.ttl); err != nil {
		return fmt.Errorf("store last image: %w", err)
	}
	if err := s.store.Set(ctx, LastRequestIDKey, requestID, s.ttl); err != nil {
		return fmt.Errorf("store last request id: %w", err)
	}
	return nil
}
