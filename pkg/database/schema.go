package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator verifies that a migrated database has the structure the
// persistence layer expects.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every structural check.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"users":         "User quota counters",
		"conversations": "Conversation threads",
		"messages":      "Conversation messages",
		MigrationsTable: "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
func (v *SchemaValidator) ValidateTableStructure() error {
	tables := map[string]map[string]string{
		"users": {
			"id":              "TEXT",
			"tier":            "TEXT",
			"status":          "TEXT",
			"daily_prompts":   "INTEGER",
			"last_reset_date": "TEXT",
			"total_prompts":   "INTEGER",
			"created_at":      "INTEGER",
			"updated_at":      "INTEGER",
		},
		"conversations": {
			"id":               "TEXT",
			"owner_id":         "TEXT",
			"title":            "TEXT",
			"model":            "TEXT",
			"message_count":    "INTEGER",
			"total_tokens":     "INTEGER",
			"last_activity_at": "INTEGER",
			"archived":         "INTEGER",
			"created_at":       "INTEGER",
			"updated_at":       "INTEGER",
		},
		"messages": {
			"id":              "TEXT",
			"conversation_id": "TEXT",
			"seq":             "INTEGER",
			"role":            "TEXT",
			"content":         "TEXT",
			"model":           "TEXT",
			"token_count":     "INTEGER",
			"created_at":      "INTEGER",
		},
	}

	for table, columns := range tables {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_conversations_owner_activity": "Recent conversation listing",
		"idx_messages_conversation_order":  "Message history retrieval",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints verifies that the database rejects orphan messages and
// assistant messages without a model. It leaves no rows behind.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("begin constraint check: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO messages (id, conversation_id, seq, role, content, token_count, created_at)
		VALUES ('constraint-check', 'missing-conversation', 1, 'user', 'x', 0, 0)
	`)
	if err == nil {
		return fmt.Errorf("foreign key constraint not enforced: messages.conversation_id")
	}

	_, err = tx.Exec(`
		INSERT INTO conversations (id, owner_id, title, model, last_activity_at, created_at, updated_at)
		VALUES ('constraint-check', 'constraint-owner', 't', 'm', 0, 0, 0)
	`)
	if err != nil {
		return fmt.Errorf("failed to create check conversation: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO messages (id, conversation_id, seq, role, content, token_count, created_at)
		VALUES ('constraint-check', 'constraint-check', 1, 'assistant', 'x', 0, 0)
	`)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: assistant messages require a model")
	}

	return nil
}

// tableExists checks if a table exists in the database
func (v *SchemaValidator) tableExists(tableName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// indexExists checks if an index exists in the database
func (v *SchemaValidator) indexExists(indexName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?",
		indexName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}
	return nil
}
