package repository

// Schema definitions for Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    policy_id TEXT NOT NULL,
    report_id TEXT NOT NULL DEFAULT '',
    amount BIGINT NOT NULL,
    currency TEXT NOT NULL,
    merchant TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    tag TEXT NOT NULL DEFAULT '',
    custom_unit_rate_id TEXT NOT NULL DEFAULT '',
    created TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_policy ON transactions(tenant_id, policy_id);
`

const schemaPolicies = `
CREATE TABLE IF NOT EXISTS policies (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    requires_category INTEGER NOT NULL DEFAULT 0,
    requires_tag INTEGER NOT NULL DEFAULT 0,
    custom_units TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);
`

// Category and tag lists are stored as one JSON document per policy; they are
// always read and replaced as a whole.
const schemaPolicyLists = `
CREATE TABLE IF NOT EXISTS policy_categories (
    policy_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    categories TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, policy_id)
);

CREATE TABLE IF NOT EXISTS policy_tags (
    policy_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    tags TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, policy_id)
);
`

const schemaViolations = `
CREATE TABLE IF NOT EXISTS transaction_violations (
    tx_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    violations TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, tx_id)
);
`

const schemaPolicyRules = `
CREATE TABLE IF NOT EXISTS policy_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    policy_id TEXT NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    expression TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_policy_rules_policy ON policy_rules(tenant_id, policy_id);
CREATE INDEX IF NOT EXISTS idx_policy_rules_enabled ON policy_rules(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaPolicies,
		schemaPolicyLists,
		schemaViolations,
		schemaPolicyRules,
	}
}
