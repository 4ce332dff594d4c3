package repository

// Schema definitions for the TrialGuard database.
// Compatible with both SQLite and PostgreSQL. Times are stored as Unix
// nanoseconds so range filters compare numerically on both engines.

const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    sequence BIGINT NOT NULL,
    event_id TEXT,
    event_kind TEXT NOT NULL,
    resource TEXT,
    timestamp_ns BIGINT NOT NULL,
    abuse REAL NOT NULL,
    cost REAL NOT NULL,
    conversion REAL NOT NULL,
    roi REAL NOT NULL,
    disposition TEXT NOT NULL,
    reasons TEXT NOT NULL,
    config_version BIGINT NOT NULL,
    cold_start INTEGER NOT NULL DEFAULT 0,
    evaluated_at_ns BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_tenant ON decisions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_decisions_account ON decisions(tenant_id, account_id, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_decisions_disposition ON decisions(tenant_id, disposition);
`

const schemaTenantConfigs = `
CREATE TABLE IF NOT EXISTS tenant_configs (
    tenant_id TEXT PRIMARY KEY,
    config TEXT NOT NULL,
    version BIGINT NOT NULL,
    updated_at_ns BIGINT NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaDecisions,
		schemaTenantConfigs,
	}
}
