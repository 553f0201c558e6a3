// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

var _ domain.Repository = (*SQLRepository)(nil)

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return nil
}

// SaveTransaction stores or replaces a transaction with tenant isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if tx == nil || tx.ID == "" || tx.PolicyID == "" {
		return fmt.Errorf("%w: transaction id and policy id are required", ErrInvalidInput)
	}

	updatedAt := tx.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO transactions (
			id, tenant_id, policy_id, report_id, amount, currency, merchant,
			category, tag, custom_unit_rate_id, created, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			policy_id = excluded.policy_id,
			report_id = excluded.report_id,
			amount = excluded.amount,
			currency = excluded.currency,
			merchant = excluded.merchant,
			category = excluded.category,
			tag = excluded.tag,
			custom_unit_rate_id = excluded.custom_unit_rate_id,
			created = excluded.created,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.PolicyID, tx.ReportID,
		tx.Amount, tx.Currency, tx.Merchant,
		tx.Category, tx.Tag, tx.ModifiedCustomUnitRateID,
		tx.Created.UTC(), updatedAt.UTC(),
	)
	return err
}

const transactionColumns = `
	id, tenant_id, policy_id, report_id, amount, currency, merchant,
	category, tag, custom_unit_rate_id, created, updated_at
`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := s.Scan(
		&tx.ID, &tx.TenantID, &tx.PolicyID, &tx.ReportID,
		&tx.Amount, &tx.Currency, &tx.Merchant,
		&tx.Category, &tx.Tag, &tx.ModifiedCustomUnitRateID,
		&tx.Created, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT` + transactionColumns + `FROM transactions WHERE tenant_id = ? AND id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// ListTransactionsByPolicy retrieves every transaction coded against a policy.
func (r *SQLRepository) ListTransactionsByPolicy(ctx context.Context, tenantID string, policyID string) ([]*domain.Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT` + transactionColumns + `FROM transactions WHERE tenant_id = ? AND policy_id = ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

// SavePolicy stores or replaces a policy with tenant isolation.
func (r *SQLRepository) SavePolicy(ctx context.Context, tenantID string, policy *domain.Policy) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if policy == nil || policy.ID == "" {
		return fmt.Errorf("%w: policy id is required", ErrInvalidInput)
	}

	units := policy.CustomUnits
	if units == nil {
		units = map[string]domain.CustomUnit{}
	}
	customUnits, err := json.Marshal(units)
	if err != nil {
		return fmt.Errorf("failed to encode custom units: %w", err)
	}

	query := `
		INSERT INTO policies (
			id, tenant_id, name, requires_category, requires_tag, custom_units, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			name = excluded.name,
			requires_category = excluded.requires_category,
			requires_tag = excluded.requires_tag,
			custom_units = excluded.custom_units,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		policy.ID, tenantID, policy.Name,
		boolToInt(policy.RequiresCategory), boolToInt(policy.RequiresTag),
		string(customUnits), time.Now().UTC(),
	)
	return err
}

// GetPolicy retrieves a policy with tenant isolation.
func (r *SQLRepository) GetPolicy(ctx context.Context, tenantID string, policyID string) (*domain.Policy, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, name, requires_category, requires_tag, custom_units, updated_at
		FROM policies
		WHERE tenant_id = ? AND id = ?
	`

	var p domain.Policy
	var requiresCategory, requiresTag int
	var customUnits string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, policyID).Scan(
		&p.ID, &p.TenantID, &p.Name, &requiresCategory, &requiresTag, &customUnits, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.RequiresCategory = requiresCategory == 1
	p.RequiresTag = requiresTag == 1
	if err := json.Unmarshal([]byte(customUnits), &p.CustomUnits); err != nil {
		return nil, fmt.Errorf("failed to parse custom units of %s: %w", policyID, err)
	}

	return &p, nil
}

// SaveCategories replaces the category list of a policy.
func (r *SQLRepository) SaveCategories(ctx context.Context, tenantID string, policyID string, categories domain.CategoryList) error {
	if categories == nil {
		categories = domain.CategoryList{}
	}
	return r.saveDocument(ctx, "policy_categories", "categories", tenantID, policyID, categories)
}

// GetCategories retrieves the category list of a policy. A policy without a
// stored list has an empty one.
func (r *SQLRepository) GetCategories(ctx context.Context, tenantID string, policyID string) (domain.CategoryList, error) {
	categories := domain.CategoryList{}
	if err := r.getDocument(ctx, "policy_categories", "categories", tenantID, policyID, &categories); err != nil {
		return nil, err
	}
	return categories, nil
}

// SaveTagList replaces the tag list of a policy.
func (r *SQLRepository) SaveTagList(ctx context.Context, tenantID string, policyID string, tags domain.TagList) error {
	if tags == nil {
		tags = domain.TagList{}
	}
	return r.saveDocument(ctx, "policy_tags", "tags", tenantID, policyID, tags)
}

// GetTagList retrieves the tag list of a policy. A policy without a stored
// list has an empty one.
func (r *SQLRepository) GetTagList(ctx context.Context, tenantID string, policyID string) (domain.TagList, error) {
	tags := domain.TagList{}
	if err := r.getDocument(ctx, "policy_tags", "tags", tenantID, policyID, &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// saveDocument upserts a JSON document keyed by (tenant_id, policy_id).
// table and column are package constants, never user input.
func (r *SQLRepository) saveDocument(ctx context.Context, table, column, tenantID, policyID string, doc any) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if policyID == "" {
		return fmt.Errorf("%w: policyID is required", ErrInvalidInput)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", column, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (policy_id, tenant_id, %[2]s, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, policy_id) DO UPDATE SET
			%[2]s = excluded.%[2]s,
			updated_at = excluded.updated_at
	`, table, column)

	_, err = r.db.ExecContext(ctx, r.rebind(query), policyID, tenantID, string(data), time.Now().UTC())
	return err
}

func (r *SQLRepository) getDocument(ctx context.Context, table, column, tenantID, policyID string, dst any) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = ? AND policy_id = ?`, column, table)

	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, policyID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return fmt.Errorf("failed to parse %s of %s: %w", column, policyID, err)
	}
	return nil
}

// SaveViolations replaces the persisted violation list of a transaction.
func (r *SQLRepository) SaveViolations(ctx context.Context, tenantID string, txID string, violations []domain.Violation) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if txID == "" {
		return fmt.Errorf("%w: txID is required", ErrInvalidInput)
	}

	if violations == nil {
		violations = []domain.Violation{}
	}
	data, err := json.Marshal(violations)
	if err != nil {
		return fmt.Errorf("failed to encode violations: %w", err)
	}

	query := `
		INSERT INTO transaction_violations (tx_id, tenant_id, violations, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, tx_id) DO UPDATE SET
			violations = excluded.violations,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query), txID, tenantID, string(data), time.Now().UTC())
	return err
}

// GetViolations retrieves the persisted violation list of a transaction.
// A transaction without stored violations has an empty list.
func (r *SQLRepository) GetViolations(ctx context.Context, tenantID string, txID string) ([]domain.Violation, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT violations FROM transaction_violations WHERE tenant_id = ? AND tx_id = ?`

	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return []domain.Violation{}, nil
	}
	if err != nil {
		return nil, err
	}

	violations := []domain.Violation{}
	if err := json.Unmarshal([]byte(data), &violations); err != nil {
		return nil, fmt.Errorf("failed to parse violations of %s: %w", txID, err)
	}
	if violations == nil {
		violations = []domain.Violation{}
	}
	return violations, nil
}

// SavePolicyRule stores a policy rule with tenant isolation.
func (r *SQLRepository) SavePolicyRule(ctx context.Context, tenantID string, rule *domain.PolicyRule) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if rule == nil || rule.ID == "" || rule.PolicyID == "" {
		return fmt.Errorf("%w: rule id and policy id are required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	createdAt := rule.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO policy_rules (
			id, tenant_id, policy_id, name, type, description, expression, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			policy_id = excluded.policy_id,
			name = excluded.name,
			type = excluded.type,
			description = excluded.description,
			expression = excluded.expression,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.PolicyID, string(rule.Name), string(rule.Type),
		rule.Description, rule.Expression, boolToInt(rule.Enabled),
		createdAt.UTC(), now,
	)
	return err
}

const policyRuleColumns = `
	id, tenant_id, policy_id, name, type, description, expression, enabled, created_at, updated_at
`

func scanPolicyRule(s scanner) (*domain.PolicyRule, error) {
	var rule domain.PolicyRule
	var name, typ string
	var enabled int
	if err := s.Scan(
		&rule.ID, &rule.TenantID, &rule.PolicyID, &name, &typ,
		&rule.Description, &rule.Expression, &enabled,
		&rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rule.Name = domain.ViolationName(name)
	rule.Type = domain.ViolationType(typ)
	rule.Enabled = enabled == 1
	return &rule, nil
}

// ListPolicyRules retrieves the active rules of a policy.
func (r *SQLRepository) ListPolicyRules(ctx context.Context, tenantID string, policyID string) ([]*domain.PolicyRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT` + policyRuleColumns + `FROM policy_rules WHERE tenant_id = ? AND policy_id = ? AND enabled = 1 ORDER BY id`
	return r.queryPolicyRules(ctx, query, tenantID, policyID)
}

// ListAllPolicyRules retrieves all active policy rules for a tenant.
func (r *SQLRepository) ListAllPolicyRules(ctx context.Context, tenantID string) ([]*domain.PolicyRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT` + policyRuleColumns + `FROM policy_rules WHERE tenant_id = ? AND enabled = 1 ORDER BY policy_id, id`
	return r.queryPolicyRules(ctx, query, tenantID)
}

func (r *SQLRepository) queryPolicyRules(ctx context.Context, query string, args ...any) ([]*domain.PolicyRule, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.PolicyRule
	for rows.Next() {
		rule, err := scanPolicyRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeletePolicyRule soft-deletes a rule by setting enabled = 0.
func (r *SQLRepository) DeletePolicyRule(ctx context.Context, tenantID string, policyID string, ruleID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `
		UPDATE policy_rules
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND policy_id = ? AND id = ? AND enabled = 1
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, policyID, ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
