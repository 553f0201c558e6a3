// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)
	ListTransactionsByPolicy(ctx context.Context, tenantID string, policyID string) ([]*Transaction, error)

	// Policy operations
	SavePolicy(ctx context.Context, tenantID string, policy *Policy) error
	GetPolicy(ctx context.Context, tenantID string, policyID string) (*Policy, error)
	SaveCategories(ctx context.Context, tenantID string, policyID string, categories CategoryList) error
	GetCategories(ctx context.Context, tenantID string, policyID string) (CategoryList, error)
	SaveTagList(ctx context.Context, tenantID string, policyID string, tags TagList) error
	GetTagList(ctx context.Context, tenantID string, policyID string) (TagList, error)

	// Violation state
	SaveViolations(ctx context.Context, tenantID string, txID string, violations []Violation) error
	GetViolations(ctx context.Context, tenantID string, txID string) ([]Violation, error)

	// Policy rule operations
	SavePolicyRule(ctx context.Context, tenantID string, rule *PolicyRule) error
	ListPolicyRules(ctx context.Context, tenantID string, policyID string) ([]*PolicyRule, error)
	ListAllPolicyRules(ctx context.Context, tenantID string) ([]*PolicyRule, error)
	DeletePolicyRule(ctx context.Context, tenantID string, policyID string, ruleID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
