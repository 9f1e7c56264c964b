// Package idsetsink provides a SQLite-backed engine.IdSetSink, standing
// in for the orchestrator's own database bookkeeping of which file ids
// ended up partial or failed. Job-level bookkeeping belongs to the
// orchestrator, but the demo CLI needs somewhere durable to put the two
// id sets it receives at Engine.Finalize.
package idsetsink

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/bamsammich/ferry/internal/engine"
)

// DB is a SQLite database recording, per backup run, which file ids ended
// up partial and which ended up failed.
type DB struct {
	db       *sql.DB
	path     string
	backupID int64
}

// Open opens (creating if necessary) the id-set database at path for the
// given backup id.
func Open(path string, backupID int64) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create idsetsink dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open idset db: %w", err)
	}

	d := &DB{db: db, path: path, backupID: backupID}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) init() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS file_ids (
			backup_id INTEGER NOT NULL,
			kind      TEXT NOT NULL,
			id        INTEGER NOT NULL,
			PRIMARY KEY (backup_id, kind, id)
		);
	`)
	if err != nil {
		return fmt.Errorf("create file_ids table: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (d *DB) Close() error { return d.db.Close() }

// Path returns the filesystem path to the database.
func (d *DB) Path() string { return d.path }

// PartialSink returns an engine.IdSetSink that records ids under the
// "partial" kind.
func (d *DB) PartialSink() engine.IdSetSink { return kindSink{d: d, kind: "partial"} }

// FailedSink returns an engine.IdSetSink that records ids under the
// "failed" kind.
func (d *DB) FailedSink() engine.IdSetSink { return kindSink{d: d, kind: "failed"} }

// Ids returns every id previously recorded under kind for this backup id,
// in ascending order.
func (d *DB) Ids(kind string) ([]int64, error) {
	rows, err := d.db.Query(
		`SELECT id FROM file_ids WHERE backup_id = ? AND kind = ? ORDER BY id ASC`,
		d.backupID, kind)
	if err != nil {
		return nil, fmt.Errorf("query %s ids: %w", kind, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s id: %w", kind, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// kindSink adapts engine.IdSetSink.Finalize to one (backup_id, kind)
// partition of the file_ids table.
type kindSink struct {
	d    *DB
	kind string
}

// Finalize replaces every previously recorded id of this kind for this
// backup run with ids, in a single transaction — Finalize is called
// exactly once per engine run, at termination, so there is no prior
// state to merge with.
func (s kindSink) Finalize(ids []int64) error {
	tx, err := s.d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin finalize %s: %w", s.kind, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	if _, err := tx.Exec(`DELETE FROM file_ids WHERE backup_id = ? AND kind = ?`, s.d.backupID, s.kind); err != nil {
		return fmt.Errorf("clear prior %s ids: %w", s.kind, err)
	}

	stmt, err := tx.Prepare(`INSERT INTO file_ids (backup_id, kind, id) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert %s: %w", s.kind, err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(s.d.backupID, s.kind, id); err != nil {
			return fmt.Errorf("insert %s id %d: %w", s.kind, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize %s: %w", s.kind, err)
	}
	return nil
}
