package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a single SQLite database file. It is the
// default spool backend for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the spool database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open spool database: %w", err)
	}
	// The spool is accessed from many workers; a single writer avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY,
			data BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			due INTEGER NOT NULL,
			queue_id INTEGER NOT NULL,
			queue_name BLOB NOT NULL,
			PRIMARY KEY (due, queue_id, queue_name)
		)`,
		`CREATE TABLE IF NOT EXISTS blobs (
			hash BLOB PRIMARY KEY,
			data BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sequences (
			name TEXT PRIMARY KEY,
			next INTEGER NOT NULL
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize spool schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AssignDocumentIDs(ctx context.Context, count int) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	err = tx.QueryRowContext(ctx, `SELECT next FROM sequences WHERE name = 'queue'`).Scan(&next)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		next = 1
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sequences (name, next) VALUES ('queue', ?)`, next+int64(count)); err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE sequences SET next = ? WHERE name = 'queue'`, next+int64(count)); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return uint64(next), nil
}

func (s *SQLiteStore) Write(ctx context.Context, batch *Batch) error {
	if batch.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, o := range batch.ops {
		switch o.kind {
		case opPutMessage:
			_, err = tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO messages (id, data) VALUES (?, ?)`, int64(o.id), o.data)
		case opDeleteMessage:
			_, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, int64(o.id))
		case opPutEvent:
			_, err = tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO events (due, queue_id, queue_name) VALUES (?, ?, ?)`,
				o.event.Due, int64(o.event.QueueID), o.event.QueueName[:])
		case opDeleteEvent:
			_, err = tx.ExecContext(ctx,
				`DELETE FROM events WHERE due = ? AND queue_id = ? AND queue_name = ?`,
				o.event.Due, int64(o.event.QueueID), o.event.QueueName[:])
		}
		if err != nil {
			return fmt.Errorf("failed to apply spool batch: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id uint64) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM messages WHERE id = ?`, int64(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *SQLiteStore) Events(ctx context.Context, before int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT due, queue_id, queue_name FROM events WHERE due <= ? ORDER BY due, queue_id`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var queueID int64
		var name []byte
		if err := rows.Scan(&ev.Due, &queueID, &name); err != nil {
			return nil, err
		}
		ev.QueueID = uint64(queueID)
		copy(ev.QueueName[:], name)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) PutBlob(ctx context.Context, hash BlobHash, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO blobs (hash, data) VALUES (?, ?)`, hash[:], data)
	return err
}

func (s *SQLiteStore) GetBlob(ctx context.Context, hash BlobHash, from, to int) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM blobs WHERE hash = ?`, hash[:]).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}
	if to > len(data) {
		to = len(data)
	}
	if from >= to {
		return nil, nil
	}
	return data[from:to], nil
}

func (s *SQLiteStore) DeleteBlob(ctx context.Context, hash BlobHash) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE hash = ?`, hash[:])
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
