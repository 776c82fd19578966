// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is a single Redis address. Mutually exclusive with Sentinel.
	Addr string

	// Sentinel enables Sentinel failover when set.
	Sentinel *SentinelConfig

	// Username and Password authenticate against Redis ACLs.
	Username string
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces registry keys, e.g. "oidcore:jti:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName    string
	SentinelAddrs []string
}

// RedisRegistry implements Registry on Redis, enabling replay prevention and
// revocation checks across horizontally scaled instances. Atomicity of
// MarkIfUnused comes from SET NX.
type RedisRegistry struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisRegistry connects to Redis and verifies the connection.
func NewRedisRegistry(ctx context.Context, cfg RedisConfig) (*RedisRegistry, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	var client redis.UniversalClient
	if cfg.Sentinel != nil {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.Sentinel.MasterName,
			SentinelAddrs: cfg.Sentinel.SentinelAddrs,
			DB:            cfg.DB,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			DB:           cfg.DB,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisRegistry{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisRegistryWithClient wraps a pre-configured client. Useful for
// testing with miniredis.
func NewRedisRegistryWithClient(client redis.UniversalClient, keyPrefix string) *RedisRegistry {
	return &RedisRegistry{client: client, keyPrefix: keyPrefix}
}

func validateRedisConfig(cfg *RedisConfig) error {
	if cfg.Addr == "" && cfg.Sentinel == nil {
		return errors.New("either an address or sentinel configuration is required")
	}
	if cfg.Sentinel != nil {
		if cfg.Sentinel.MasterName == "" {
			return errors.New("sentinel master name is required")
		}
		if len(cfg.Sentinel.SentinelAddrs) == 0 {
			return errors.New("at least one sentinel address is required")
		}
	}
	return nil
}

// Close releases the underlying client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func (r *RedisRegistry) key(jwtID string) string {
	return r.keyPrefix + jwtID
}

func ttlUntil(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	return time.Until(expiresAt)
}

// SetStatus records the status with a TTL derived from expiresAt.
func (r *RedisRegistry) SetStatus(ctx context.Context, jwtID string, status Status, expiresAt time.Time) error {
	ttl := ttlUntil(expiresAt)
	if !expiresAt.IsZero() && ttl <= 0 {
		// Already expired; treat as a delete.
		return r.client.Del(ctx, r.key(jwtID)).Err()
	}
	if err := r.client.Set(ctx, r.key(jwtID), string(status), ttl).Err(); err != nil {
		return fmt.Errorf("failed to set token status: %w", err)
	}
	return nil
}

// GetStatus returns the stored status; Redis TTL handles expiry.
func (r *RedisRegistry) GetStatus(ctx context.Context, jwtID string) (Status, bool, error) {
	val, err := r.client.Get(ctx, r.key(jwtID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get token status: %w", err)
	}
	return Status(val), true, nil
}

// MarkIfUnused uses SET NX so that concurrent redemptions of the same
// identifier observe exactly one success.
func (r *RedisRegistry) MarkIfUnused(ctx context.Context, jwtID string, expiresAt time.Time) (bool, error) {
	ttl := ttlUntil(expiresAt)
	if !expiresAt.IsZero() && ttl <= 0 {
		return false, fmt.Errorf("expiry is in the past")
	}
	ok, err := r.client.SetNX(ctx, r.key(jwtID), string(StatusUsed), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark token used: %w", err)
	}
	return ok, nil
}

// Compile-time interface check.
var _ Registry = (*RedisRegistry)(nil)
