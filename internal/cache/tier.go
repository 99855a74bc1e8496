package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by a Tier when the key does not exist or has expired.
var ErrMiss = errors.New("cache: key not found")

// ErrClosed is returned by a Tier after Close.
var ErrClosed = errors.New("cache: tier closed")

// Tier is the key/value store behind the record cache. Sets are used to
// index the entries of one rule incident so stale hashes can be dropped.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error
	Close() error
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MaxRetries   int           `yaml:"max_retries"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MaxRetries:   3,
	}
}

// RedisTier stores fused records in Redis so that several rulebrief
// processes share fusion results.
type RedisTier struct {
	client *redis.Client
}

// NewRedisTier connects to Redis and verifies the connection.
func NewRedisTier(ctx context.Context, cfg RedisConfig) (*RedisTier, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisTier{client: client}, nil
}

// Get retrieves a value.
func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, err
	}
	return val, nil
}

// Set stores a value with TTL.
func (r *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes one or more keys.
func (r *RedisTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// SAdd adds members to a set.
func (r *RedisTier) SAdd(ctx context.Context, key string, members ...string) error {
	return r.client.SAdd(ctx, key, toArgs(members)...).Err()
}

// SMembers returns all members of a set.
func (r *RedisTier) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

// SRem removes members from a set.
func (r *RedisTier) SRem(ctx context.Context, key string, members ...string) error {
	return r.client.SRem(ctx, key, toArgs(members)...).Err()
}

// Close closes the Redis connection.
func (r *RedisTier) Close() error {
	return r.client.Close()
}

func toArgs(members []string) []interface{} {
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return vals
}

// MemoryTier is an in-process Tier. It backs the cache when no Redis
// address is configured and in tests.
type MemoryTier struct {
	mu     sync.RWMutex
	data   map[string][]byte
	sets   map[string]map[string]bool
	expiry map[string]time.Time
	now    func() time.Time
	closed bool
}

// NewMemoryTier creates an empty in-process tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{
		data:   make(map[string][]byte),
		sets:   make(map[string]map[string]bool),
		expiry: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Get retrieves a value.
func (m *MemoryTier) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	if exp, ok := m.expiry[key]; ok && m.now().After(exp) {
		return nil, ErrMiss
	}
	val, ok := m.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return append([]byte(nil), val...), nil
}

// Set stores a value with TTL. A zero TTL never expires.
func (m *MemoryTier) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.data[key] = append([]byte(nil), value...)
	if ttl > 0 {
		m.expiry[key] = m.now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

// Delete removes keys.
func (m *MemoryTier) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	for _, key := range keys {
		delete(m.data, key)
		delete(m.expiry, key)
		delete(m.sets, key)
	}
	return nil
}

// SAdd adds members to a set.
func (m *MemoryTier) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.sets[key] == nil {
		m.sets[key] = make(map[string]bool)
	}
	for _, member := range members {
		m.sets[key][member] = true
	}
	return nil
}

// SMembers returns all members of a set.
func (m *MemoryTier) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	set := m.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

// SRem removes members from a set.
func (m *MemoryTier) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	for _, member := range members {
		delete(m.sets[key], member)
	}
	return nil
}

// Len returns the number of stored values.
func (m *MemoryTier) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Close marks the tier as closed.
func (m *MemoryTier) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
