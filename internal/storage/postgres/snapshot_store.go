// Package postgres persists the requester snapshot in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/carscan/internal/storage"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

// Schema creates the snapshot tables.
const Schema = `
CREATE TABLE IF NOT EXISTS vehicle_records (
	id         TEXT PRIMARY KEY,
	vin        TEXT,
	plate      TEXT,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_vehicle_records_vin ON vehicle_records (vin);
CREATE INDEX IF NOT EXISTS idx_vehicle_records_plate ON vehicle_records (plate);
CREATE TABLE IF NOT EXISTS requester_records (
	requester_id TEXT NOT NULL,
	record_id    TEXT NOT NULL REFERENCES vehicle_records (id) ON DELETE CASCADE,
	position     INTEGER NOT NULL,
	PRIMARY KEY (requester_id, record_id)
);`

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate runs Schema on connect.
	Migrate bool
}

type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// SnapshotStore is a vehicle.Snapshotter backed by Postgres.
type SnapshotStore struct {
	pool pool
}

// NewSnapshotStore connects to cfg.DSN.
func NewSnapshotStore(ctx context.Context, cfg Config) (*SnapshotStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &SnapshotStore{pool: p}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewSnapshotStoreWithPool wraps an existing pool, mainly for tests.
func NewSnapshotStoreWithPool(p pool) (*SnapshotStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SnapshotStore{pool: p}, nil
}

// Migrate creates the tables if they are missing.
func (s *SnapshotStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate snapshot tables: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *SnapshotStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Save replaces the stored snapshot in one transaction.
func (s *SnapshotStore) Save(ctx context.Context, snap vehicle.Snapshot) (err error) {
	records, links := storage.Flatten(snap)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot save: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `DELETE FROM requester_records`); err != nil {
		return fmt.Errorf("clear requester records: %w", err)
	}
	if _, err = tx.Exec(ctx, `DELETE FROM vehicle_records`); err != nil {
		return fmt.Errorf("clear vehicle records: %w", err)
	}
	for _, rec := range records {
		data, mErr := json.Marshal(rec)
		if mErr != nil {
			err = fmt.Errorf("encode record %s: %w", rec.ID, mErr)
			return err
		}
		if _, err = tx.Exec(ctx,
			`INSERT INTO vehicle_records (id, vin, plate, data, updated_at) VALUES ($1, $2, $3, $4, $5)`,
			rec.ID, nullable(storage.VINKey(rec)), nullable(storage.PlateKey(rec)), data, rec.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
	}
	for _, l := range links {
		if _, err = tx.Exec(ctx,
			`INSERT INTO requester_records (requester_id, record_id, position) VALUES ($1, $2, $3)
			ON CONFLICT (requester_id, record_id) DO NOTHING`,
			l.RequesterID, l.RecordID, l.Position,
		); err != nil {
			return fmt.Errorf("link record %s: %w", l.RecordID, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Load reads the stored snapshot.
func (s *SnapshotStore) Load(ctx context.Context) (vehicle.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, data FROM vehicle_records`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	records := make(map[string]vehicle.Record)
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec vehicle.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		records[id] = rec
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	linkRows, err := s.pool.Query(ctx,
		`SELECT requester_id, record_id, position FROM requester_records ORDER BY requester_id, position`)
	if err != nil {
		return nil, fmt.Errorf("query requester records: %w", err)
	}
	defer linkRows.Close()
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

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
