package database

import (
	"database/sql"
	"fmt"
)

// Migrate creates the core tables if they do not exist. The unique
// index on email_messages.message_id is what makes re-ingestion
// idempotent; it is part of the contract, not an optimization.
func Migrate(db *sql.DB, driver string) error {
	for _, stmt := range schema(normalizeDriver(driver)) {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

func schema(driver string) []string {
	id := idColumn(driver)
	// MySQL has no CREATE INDEX IF NOT EXISTS, so its indexes live
	// inside the CREATE TABLE statements, which are idempotent.
	if driver == "mysql" {
		return []string{
			`CREATE TABLE IF NOT EXISTS tickets (
				id ` + id + `,
				subject VARCHAR(255) NOT NULL,
				description TEXT,
				sender VARCHAR(150) NOT NULL,
				category VARCHAR(100),
				urgency VARCHAR(50),
				status VARCHAR(50) NOT NULL DEFAULT 'Open',
				resolution VARCHAR(255),
				thread_id VARCHAR(255),
				assigned_to BIGINT,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				INDEX idx_tickets_thread_id (thread_id)
			)`,
			`CREATE TABLE IF NOT EXISTS email_messages (
				id ` + id + `,
				ticket_id BIGINT NOT NULL,
				thread_id VARCHAR(255),
				sender VARCHAR(150),
				subject VARCHAR(255),
				body TEXT,
				sent_at TIMESTAMP,
				attachments TEXT,
				message_id VARCHAR(255),
				in_reply_to VARCHAR(255),
				UNIQUE KEY idx_email_messages_message_id (message_id),
				INDEX idx_email_messages_thread_id (thread_id)
			)`,
			fetchStateTable,
		}
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS tickets (
			id ` + id + `,
			subject VARCHAR(255) NOT NULL,
			description TEXT,
			sender VARCHAR(150) NOT NULL,
			category VARCHAR(100),
			urgency VARCHAR(50),
			status VARCHAR(50) NOT NULL DEFAULT 'Open',
			resolution VARCHAR(255),
			thread_id VARCHAR(255),
			assigned_to BIGINT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_thread_id ON tickets (thread_id)`,
		`CREATE TABLE IF NOT EXISTS email_messages (
			id ` + id + `,
			ticket_id BIGINT NOT NULL,
			thread_id VARCHAR(255),
			sender VARCHAR(150),
			subject VARCHAR(255),
			body TEXT,
			sent_at TIMESTAMP,
			attachments TEXT,
			message_id VARCHAR(255),
			in_reply_to VARCHAR(255)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_email_messages_message_id ON email_messages (message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_email_messages_thread_id ON email_messages (thread_id)`,
		fetchStateTable,
	}
}

const fetchStateTable = `CREATE TABLE IF NOT EXISTS email_fetch_state (
	mailbox VARCHAR(255) PRIMARY KEY,
	last_uid BIGINT NOT NULL DEFAULT 0,
	last_fetch_time TIMESTAMP,
	total_processed BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

func idColumn(driver string) string {
	switch driver {
	case "mysql":
		return "BIGINT AUTO_INCREMENT PRIMARY KEY"
	case "postgres":
		return "BIGSERIAL PRIMARY KEY"
	default:
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}
