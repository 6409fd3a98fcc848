package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS imei_results (
			cache_key  TEXT PRIMARY KEY,
			data       TEXT NOT NULL,
			provider   TEXT NOT NULL,
			stored_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_imei_results_stored_at ON imei_results(stored_at)`,
		`CREATE TABLE IF NOT EXISTS imei_ledger (
			tenant_id    TEXT PRIMARY KEY,
			plan_credits INTEGER NOT NULL,
			credits_used INTEGER NOT NULL DEFAULT 0
		)`,
	},
	upsertResult: `INSERT INTO imei_results (cache_key, data, provider, stored_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET data=excluded.data, provider=excluded.provider, stored_at=excluded.stored_at`,
	upsertPlan: `INSERT INTO imei_ledger (tenant_id, plan_credits, credits_used) VALUES (?, ?, 0)
		 ON CONFLICT(tenant_id) DO UPDATE SET plan_credits=excluded.plan_credits`,
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	// SQLite doesn't handle concurrent writes well
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return db, nil
}
