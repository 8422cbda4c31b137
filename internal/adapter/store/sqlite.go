package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"ble-bridge/internal/domain"
)

// SQLiteDeviceStore persists remembered devices so the bridge survives
// daemon restarts. Connection state is runtime-only and never stored.
type SQLiteDeviceStore struct {
	db *sql.DB
}

// NewSQLiteDeviceStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteDeviceStore(dbPath string) (*SQLiteDeviceStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open device db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate device db: %w", err)
	}
	return &SQLiteDeviceStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS remembered_devices (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			uuids      TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteDeviceStore) Close() error {
	return s.db.Close()
}

// Save upserts a device. Re-selecting a known device refreshes its name
// and advertised service UUIDs.
func (s *SQLiteDeviceStore) Save(_ context.Context, dev domain.Device) error {
	uuids, err := json.Marshal(dev.ServiceUUIDs)
	if err != nil {
		return fmt.Errorf("marshal device uuids: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.Exec(`
		INSERT INTO remembered_devices (id, name, uuids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, uuids = excluded.uuids, updated_at = excluded.updated_at`,
		dev.ID, dev.Name, string(uuids), now, now,
	)
	if err != nil {
		return domain.WrapOp("SQLiteDeviceStore.Save", err)
	}
	return nil
}

// Delete removes a device. Deleting an absent row is not an error; the
// caller treats forget as idempotent.
func (s *SQLiteDeviceStore) Delete(_ context.Context, id string) error {
	if _, err := s.db.Exec("DELETE FROM remembered_devices WHERE id = ?", id); err != nil {
		return domain.WrapOp("SQLiteDeviceStore.Delete", err)
	}
	return nil
}

// List returns every remembered device in remembrance order.
func (s *SQLiteDeviceStore) List(_ context.Context) ([]domain.Device, error) {
	rows, err := s.db.Query("SELECT id, name, uuids FROM remembered_devices ORDER BY created_at")
	if err != nil {
		return nil, domain.WrapOp("SQLiteDeviceStore.List", err)
	}
	defer rows.Close()

	var devices []domain.Device
	for rows.Next() {
		var dev domain.Device
		var uuidsStr string
		if err := rows.Scan(&dev.ID, &dev.Name, &uuidsStr); err != nil {
			return nil, domain.WrapOp("SQLiteDeviceStore.List", err)
		}
		if err := json.Unmarshal([]byte(uuidsStr), &dev.ServiceUUIDs); err != nil {
			return nil, fmt.Errorf("unmarshal device uuids: %w", err)
		}
		devices = append(devices, dev)
	}
	return devices, rows.Err()
}
