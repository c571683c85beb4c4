// Package store persists a log of completed bundles to SQLite so capture
// sessions can be inspected after the fact.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/camsync/internal/frames"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// BundleStore records completed bundle metadata. Frame pixel data is not
// persisted; the store exists for per-session accounting and skew analysis.
type BundleStore struct {
	db *sql.DB
}

// Open opens (or creates) the bundle database at path and applies any
// pending schema migrations.
func Open(path string) (*BundleStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	s := &BundleStore{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrateUp applies all pending migrations from the embedded migration files.
func (s *BundleStore) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// Note: We don't close m here because it would close the underlying DB connection.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *BundleStore) Close() error {
	return s.db.Close()
}

// BundleRecord is a persisted summary row for one completed bundle.
type BundleRecord struct {
	BundleID       string
	RigID          string
	TimestampNanos int64
	NumCameras     int
	NumFilled      int
	NumKeypoints   int
	Evicted        bool
	AssemblyMs     float64
	RecordedAt     time.Time
}

// RecordBundle writes a summary row for the bundle plus one row per camera
// slot.
func (s *BundleStore) RecordBundle(rigID string, b *frames.Bundle) error {
	numKeypoints := 0
	for _, f := range b.Frames {
		if f != nil {
			numKeypoints += len(f.Keypoints)
		}
	}
	// Assembly latency: wall time from first slot fill to recording.
	assemblyMs := float64(time.Since(b.CreatedAt)) / float64(time.Millisecond)

	err := retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.Exec(
			`INSERT INTO bundles (
				bundle_id, rig_id, timestamp_nanos, num_cameras, num_filled,
				num_keypoints, evicted, assembly_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, rigID, b.TimestampNanos, b.NumCameras(), b.NumFilled(),
			numKeypoints, boolToInt(b.Evicted), assemblyMs,
		)
		if err != nil {
			return err
		}

		for i, f := range b.Frames {
			var ts sql.NullInt64
			kps := 0
			if f != nil {
				ts = sql.NullInt64{Int64: f.TimestampNanos, Valid: true}
				kps = len(f.Keypoints)
			}
			_, err = tx.Exec(
				`INSERT INTO bundle_frames (
					bundle_id, camera_index, timestamp_nanos, absent, num_keypoints
				) VALUES (?, ?, ?, ?, ?)`,
				b.ID, i, ts, boolToInt(b.Absent[i]), kps,
			)
			if err != nil {
				return err
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("failed to record bundle %s: %w", b.ID, err)
	}
	return nil
}

// ListRecent returns up to limit bundle records, newest timestamp first.
func (s *BundleStore) ListRecent(limit int) ([]BundleRecord, error) {
	rows, err := s.db.Query(
		`SELECT bundle_id, rig_id, timestamp_nanos, num_cameras, num_filled,
			num_keypoints, evicted, assembly_ms, recorded_at
		FROM bundles ORDER BY timestamp_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bundles: %w", err)
	}
	defer rows.Close()

	var records []BundleRecord
	for rows.Next() {
		var r BundleRecord
		var evicted int
		if err := rows.Scan(&r.BundleID, &r.RigID, &r.TimestampNanos, &r.NumCameras,
			&r.NumFilled, &r.NumKeypoints, &evicted, &r.AssemblyMs, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bundle row: %w", err)
		}
		r.Evicted = evicted != 0
		records = append(records, r)
	}
	return records, rows.Err()
}

// FrameOffsets returns the per-camera timestamp offsets (frame time minus
// bundle representative time) for each recorded bundle of the rig, keyed by
// camera index. Absent slots are skipped.
func (s *BundleStore) FrameOffsets(rigID string) (map[int][]int64, error) {
	rows, err := s.db.Query(
		`SELECT f.camera_index, f.timestamp_nanos - b.timestamp_nanos
		FROM bundle_frames f
		JOIN bundles b ON b.bundle_id = f.bundle_id
		WHERE b.rig_id = ? AND f.absent = 0
		ORDER BY b.timestamp_nanos`, rigID)
	if err != nil {
		return nil, fmt.Errorf("failed to query frame offsets: %w", err)
	}
	defer rows.Close()

	offsets := make(map[int][]int64)
	for rows.Next() {
		var cam int
		var off int64
		if err := rows.Scan(&cam, &off); err != nil {
			return nil, fmt.Errorf("failed to scan offset row: %w", err)
		}
		offsets[cam] = append(offsets[cam], off)
	}
	return offsets, rows.Err()
}

// Count returns the number of recorded bundles.
func (s *BundleStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM bundles`).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isSQLiteBusy reports whether err is a transient SQLITE_BUSY failure.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy runs fn, retrying a few times with backoff when SQLite reports
// the database is locked. Non-busy errors fail immediately.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 5
	backoff := 10 * time.Millisecond
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}
