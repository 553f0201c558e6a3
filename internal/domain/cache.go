package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetSnapshot retrieves a cached policy snapshot.
	// Returns nil, nil if not cached.
	GetSnapshot(ctx context.Context, tenantID string, policyID string) (*PolicySnapshot, error)

	// SetSnapshot caches a policy snapshot for violation computation.
	SetSnapshot(ctx context.Context, tenantID string, policyID string, snap *PolicySnapshot, ttl time.Duration) error

	// GetViolations retrieves the locally applied violation list of a transaction.
	// The boolean is false when nothing is cached.
	GetViolations(ctx context.Context, tenantID string, txID string) ([]Violation, bool, error)

	// SetViolations stores the violation list of a transaction.
	SetViolations(ctx context.Context, tenantID string, txID string, violations []Violation, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// SnapshotCacheKey returns the cache key of a policy snapshot.
func SnapshotCacheKey(policyID string) string {
	return "snapshot:" + policyID
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis

	// TTLs for cached domain data
	SnapshotTTL   time.Duration
	ViolationsTTL time.Duration
}
