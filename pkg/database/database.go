// Package database provides SQLite persistence for documents and their
// SessionRecord replay logs.
package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// PersistedDocument represents a document stored in the database.
type PersistedDocument struct {
	ID       string
	Text     string
	Language *string
	OTP      *string
}

// Database wraps a SQLite connection.
type Database struct {
	db *sql.DB
}

// New creates a new database connection and runs migrations.
func New(uri string) (*Database, error) {
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Load retrieves a document from the database.
func (d *Database) Load(id string) (*PersistedDocument, error) {
	var doc PersistedDocument
	var language, otp sql.NullString

	err := d.db.QueryRow(
		"SELECT id, text, language, otp FROM document WHERE id = ?",
		id,
	).Scan(&doc.ID, &doc.Text, &language, &otp)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	if language.Valid {
		doc.Language = &language.String
	}
	if otp.Valid {
		doc.OTP = &otp.String
	}

	return &doc, nil
}

// Store saves a document to the database (INSERT or UPDATE).
func (d *Database) Store(doc *PersistedDocument) error {
	query := `
	INSERT INTO document (id, text, language, otp, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		text = excluded.text,
		language = excluded.language,
		otp = excluded.otp,
		updated_at = excluded.updated_at
	`

	result, err := d.db.Exec(query, doc.ID, doc.Text, doc.Language, doc.OTP, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows != 1 {
		return fmt.Errorf("expected 1 row affected, got %d", rows)
	}

	return nil
}

// Count returns the total number of documents in the database.
func (d *Database) Count() (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM document").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return count, nil
}

// Delete removes a document and its session record from the database.
func (d *Database) Delete(id string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM document WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM session_record WHERE document_id = ?", id); err != nil {
		return fmt.Errorf("delete session record: %w", err)
	}
	return tx.Commit()
}

// AppendSessionRecordEntries appends entries to id's replay log, starting
// at seq offset startSeq (the caller's SessionRecord.Entries() length
// before the new ones were appended), so concurrent writers from
// different goroutines never collide on sequence numbers as long as each
// document's entries are only ever flushed by its own owning Algorithm.
func (d *Database) AppendSessionRecordEntries(id string, startSeq int, entries []string) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO session_record (document_id, seq, entry) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i, entry := range entries {
		if _, err := stmt.Exec(id, startSeq+i, entry); err != nil {
			return fmt.Errorf("insert seq %d: %w", startSeq+i, err)
		}
	}
	return tx.Commit()
}

// LoadSessionRecordEntries returns id's replay log in sequence order, or
// an empty slice if none has been recorded.
func (d *Database) LoadSessionRecordEntries(id string) ([]string, error) {
	rows, err := d.db.Query(
		"SELECT entry FROM session_record WHERE document_id = ? ORDER BY seq ASC",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var entries []string
	for rows.Next() {
		var entry string
		if err := rows.Scan(&entry); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
