package database

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// NewDB opens a database connection and verifies it with a ping.
func NewDB(databaseURL string) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is empty")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return db, nil
}

// Migrate creates the conversations and messages tables if they do not
// exist. Conversations are always written before their messages, so the
// foreign key holds without a cross-table transaction.
func Migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			created_time TEXT,
			from_id TEXT,
			from_username TEXT,
			to_id TEXT,
			to_username TEXT,
			message TEXT,
			status TEXT,
			conversation_id TEXT REFERENCES conversations(id)
		)`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
