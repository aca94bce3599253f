package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaAccounts = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL,
    first_name TEXT NOT NULL,
    tier TEXT NOT NULL DEFAULT 'T1',
    is_flagged INTEGER NOT NULL DEFAULT 0,
    is_active INTEGER NOT NULL DEFAULT 1,
    is_admin INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_email ON accounts(email);
`

// Amounts are stored as decimal text so no precision is lost on SQLite.
const schemaTransfers = `
CREATE TABLE IF NOT EXISTS transfers (
    id TEXT PRIMARY KEY,
    sender_id TEXT NOT NULL,
    receiver_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    is_flagged INTEGER NOT NULL DEFAULT 0,
    violation_report TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transfers_sender ON transfers(sender_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transfers_receiver ON transfers(receiver_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transfers_flagged ON transfers(is_flagged);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAccounts,
		schemaTransfers,
	}
}
