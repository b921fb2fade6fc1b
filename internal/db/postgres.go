package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"gpu-node/internal/config"
)

// ConnectPostgres opens the audit database connection and verifies it with a
// short ping-retry loop so the node survives the database starting later in
// the same deployment.
func ConnectPostgres(cfg *config.Config) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s search_path=%s",
		cfg.PostgresHost,
		cfg.PostgresPort,
		cfg.PostgresUser,
		cfg.PostgresPassword,
		cfg.PostgresDB,
		cfg.PostgresSSLMode,
		cfg.PostgresSchema,
	)

	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)

	var pingErr error
	for attempt := 0; attempt < 5; attempt++ {
		if pingErr = conn.Ping(); pingErr == nil {
			break
		}
		time.Sleep(time.Duration(attempt+1) * time.Second)
	}
	if pingErr != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", pingErr)
	}

	if err := ensureSchema(conn, cfg.PostgresSchema); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func ensureSchema(conn *sql.DB, schema string) error {
	if _, err := conn.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	query := `
		CREATE TABLE IF NOT EXISTS session_audit (
			id          TEXT PRIMARY KEY,
			peer_id     TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			closed_at   TIMESTAMPTZ,
			close_reason TEXT
		)
	`
	if _, err := conn.Exec(query); err != nil {
		return fmt.Errorf("failed to create session_audit table: %w", err)
	}
	return nil
}
