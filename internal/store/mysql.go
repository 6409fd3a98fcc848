package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS imei_results (
			cache_key  VARCHAR(32) PRIMARY KEY,
			data       TEXT NOT NULL,
			provider   VARCHAR(64) NOT NULL,
			stored_at  BIGINT NOT NULL,
			INDEX idx_imei_results_stored_at (stored_at)
		)`,
		`CREATE TABLE IF NOT EXISTS imei_ledger (
			tenant_id    VARCHAR(128) PRIMARY KEY,
			plan_credits INT NOT NULL,
			credits_used INT NOT NULL DEFAULT 0
		)`,
	},
	upsertResult: `INSERT INTO imei_results (cache_key, data, provider, stored_at) VALUES (?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE data=VALUES(data), provider=VALUES(provider), stored_at=VALUES(stored_at)`,
	upsertPlan: `INSERT INTO imei_ledger (tenant_id, plan_credits, credits_used) VALUES (?, ?, 0)
		 ON DUPLICATE KEY UPDATE plan_credits=VALUES(plan_credits)`,
}

func openMySQL(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}
