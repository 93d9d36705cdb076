package postgres

import (
	"fmt"
	"regexp"
)

var schemaNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func validateSchemaName(name string) error {
	if !schemaNamePattern.MatchString(name) {
		return fmt.Errorf("postgres: invalid schema name %q", name)
	}
	return nil
}

// queries holds the statements for one schema. Schema names are validated
// before they are interpolated.
type queries struct {
	createSchema string
	createTables string

	insert       string
	lockNext     string
	complete     string
	release      string
	pendingCount string

	deadLetter        string
	deadLetterCount   string
	deadLetterList    string
	deadLetterRedrive string
	deadLetterPurge   string
}

func newQueries(schema string) queries {
	return queries{
		createSchema: fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),
		createTables: fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s.messages (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL UNIQUE,
		topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		locked_until TIMESTAMPTZ,
		lock_token TEXT,
		delivery_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_topic_id ON %[1]s.messages(topic, id);

	CREATE TABLE IF NOT EXISTS %[1]s.dead_letter_queue (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL,
		original_topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		reason TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		delivery_count INTEGER NOT NULL DEFAULT 0,
		failed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_dlq_topic ON %[1]s.dead_letter_queue(original_topic, failed_at);
	`, schema),

		insert: fmt.Sprintf(`
		INSERT INTO %s.messages (uuid, topic, payload, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (uuid) DO NOTHING
	`, schema),

		lockNext: fmt.Sprintf(`
		UPDATE %[1]s.messages
		SET locked_until = $1, lock_token = $2, delivery_count = delivery_count + 1
		WHERE id = (
			SELECT id FROM %[1]s.messages
			WHERE topic = $3
			AND (locked_until IS NULL OR locked_until < $4)
			ORDER BY id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, uuid, payload, metadata, delivery_count
	`, schema),

		complete: fmt.Sprintf(`DELETE FROM %s.messages WHERE id = $1 AND lock_token = $2`, schema),

		release: fmt.Sprintf(`
		UPDATE %s.messages SET locked_until = NULL, lock_token = NULL
		WHERE id = $1 AND lock_token = $2
	`, schema),

		pendingCount: fmt.Sprintf(`SELECT COUNT(*) FROM %s.messages WHERE topic = $1`, schema),

		deadLetter: fmt.Sprintf(`
		WITH moved AS (
			DELETE FROM %[1]s.messages WHERE uuid = $1 AND topic = $2 AND lock_token = $5
			RETURNING uuid, topic, payload, metadata, delivery_count
		)
		INSERT INTO %[1]s.dead_letter_queue (uuid, original_topic, payload, metadata, reason, description, delivery_count)
		SELECT uuid, topic, payload, metadata, $3, $4, delivery_count FROM moved
	`, schema),

		deadLetterCount: fmt.Sprintf(`SELECT COUNT(*) FROM %s.dead_letter_queue WHERE original_topic = $1`, schema),

		deadLetterList: fmt.Sprintf(`
		SELECT id, uuid, original_topic, payload, metadata, reason, description, delivery_count, failed_at
		FROM %s.dead_letter_queue
		WHERE original_topic = $1
		ORDER BY failed_at DESC
		LIMIT $2 OFFSET $3
	`, schema),

		deadLetterRedrive: fmt.Sprintf(`
		WITH redriven AS (
			DELETE FROM %[1]s.dead_letter_queue WHERE id = $1
			RETURNING uuid, original_topic, payload, metadata
		)
		INSERT INTO %[1]s.messages (uuid, topic, payload, metadata)
		SELECT uuid, original_topic, payload, metadata FROM redriven
		ON CONFLICT (uuid) DO NOTHING
	`, schema),

		deadLetterPurge: fmt.Sprintf(`DELETE FROM %s.dead_letter_queue WHERE original_topic = $1`, schema),
	}
}
