package repository

// Schema definitions for the riskscore database.
// Compatible with both SQLite and PostgreSQL.

const schemaCustomers = `
CREATE TABLE IF NOT EXISTS customers (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    age INTEGER NOT NULL,
    income REAL NOT NULL,
    activity_score INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

const schemaRiskScores = `
CREATE TABLE IF NOT EXISTS risk_scores (
    id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL REFERENCES customers(id),
    final_score REAL NOT NULL,
    explanation TEXT NOT NULL,
    breakdown TEXT NOT NULL,
    custom_results TEXT,
    config_version TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_risk_scores_customer ON risk_scores(customer_id, created_at);
`

// schemaCustomRules holds CEL rule definitions evaluated next to the core formula.
const schemaCustomRules = `
CREATE TABLE IF NOT EXISTS custom_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    expression TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaConfigSnapshots = `
CREATE TABLE IF NOT EXISTS config_snapshots (
    id TEXT PRIMARY KEY,
    version TEXT NOT NULL,
    config TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_config_snapshots_created ON config_snapshots(created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCustomers,
		schemaRiskScores,
		schemaCustomRules,
		schemaConfigSnapshots,
	}
}
