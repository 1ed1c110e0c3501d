// Package sqlite persists the requester snapshot in an embedded SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/carscan/internal/storage"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

const schema = `
CREATE TABLE IF NOT EXISTS vehicle_records (
	id         TEXT PRIMARY KEY,
	vin        TEXT,
	plate      TEXT,
	data       TEXT NOT NULL,
	updated_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_vehicle_records_vin ON vehicle_records(vin);
CREATE INDEX IF NOT EXISTS idx_vehicle_records_plate ON vehicle_records(plate);

CREATE TABLE IF NOT EXISTS requester_records (
	requester_id TEXT NOT NULL,
	record_id    TEXT NOT NULL REFERENCES vehicle_records(id) ON DELETE CASCADE,
	position     INTEGER NOT NULL,
	PRIMARY KEY (requester_id, record_id)
);
`

// Store is a vehicle.Snapshotter backed by one SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" opens a
// private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?mode=rwc"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces every stored row with snap in one transaction.
func (s *Store) Save(ctx context.Context, snap vehicle.Snapshot) (err error) {
	records, links := storage.Flatten(snap)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot save: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM requester_records`); err != nil {
		return fmt.Errorf("clear requester records: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM vehicle_records`); err != nil {
		return fmt.Errorf("clear vehicle records: %w", err)
	}
	for _, rec := range records {
		data, mErr := json.Marshal(rec)
		if mErr != nil {
			err = fmt.Errorf("encode record %s: %w", rec.ID, mErr)
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO vehicle_records (id, vin, plate, data, updated_at) VALUES (?, ?, ?, ?, ?)`,
			rec.ID, storage.VINKey(rec), storage.PlateKey(rec), string(data), rec.UpdatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
	}
	for _, l := range links {
		if _, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO requester_records (requester_id, record_id, position) VALUES (?, ?, ?)`,
			l.RequesterID, l.RecordID, l.Position,
		); err != nil {
			return fmt.Errorf("link record %s: %w", l.RecordID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Load reads the stored snapshot.
func (s *Store) Load(ctx context.Context) (vehicle.Snapshot, error) {
	records := make(map[string]vehicle.Record)
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM vehicle_records`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec vehicle.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		records[id] = rec
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close record rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	linkRows, err := s.db.QueryContext(ctx,
		`SELECT requester_id, record_id, position FROM requester_records ORDER BY requester_id, position`)
	if err != nil {
		return nil, fmt.Errorf("query requester records: %w", err)
	}
	defer func() { _ = linkRows.Close() }()
	var links []storage.Link
	for linkRows.Next() {
		var l storage.Link
		if err := linkRows.Scan(&l.RequesterID, &l.RecordID, &l.Position); err != nil {
			return nil, fmt.Errorf("scan requester record: %w", err)
		}
		links = append(links, l)
	}
	if err := linkRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requester records: %w", err)
	}
	return storage.Assemble(records, links), nil
}
