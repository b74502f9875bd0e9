package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SnapshotRecord indexes one captured image on disk.
type SnapshotRecord struct {
	SnapshotID    string         `json:"snapshot_id"`
	CameraID      string         `json:"camera_id"`
	FilePath      string         `json:"file_path"`
	Timestamp     time.Time      `json:"timestamp"`
	FileSizeBytes int64          `json:"file_size_bytes"`
	Resolution    string         `json:"resolution,omitempty"`
	Format        string         `json:"format"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

type SnapshotModel struct {
	DB      DBTX
	Dialect Dialect
}

// Insert persists one snapshot index row.
func (m SnapshotModel) Insert(ctx context.Context, s *SnapshotRecord) error {
	metadata, err := encodeMap(s.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if s.Format == "" {
		s.Format = "jpeg"
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	query := m.Dialect.Rebind(`
		INSERT INTO snapshots (
			snapshot_id, camera_id, file_path, timestamp,
			file_size_bytes, resolution, format, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = m.DB.ExecContext(ctx, query,
		s.SnapshotID, s.CameraID, s.FilePath, s.Timestamp.UTC(),
		s.FileSizeBytes, s.Resolution, s.Format, metadata, s.CreatedAt,
	)
	return err
}

const snapshotColumns = `
	snapshot_id, camera_id, file_path, timestamp,
	file_size_bytes, resolution, format, metadata, created_at`

// Get retrieves one snapshot by ID.
func (m SnapshotModel) Get(ctx context.Context, snapshotID string) (*SnapshotRecord, error) {
	query := m.Dialect.Rebind(`SELECT` + snapshotColumns + ` FROM snapshots WHERE snapshot_id = ?`)
	s, err := m.scanRow(m.DB.QueryRowContext(ctx, query, snapshotID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return s, err
}

// ListByCamera returns a camera's snapshots, newest first.
func (m SnapshotModel) ListByCamera(ctx context.Context, cameraID string, limit int) ([]*SnapshotRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := m.Dialect.Rebind(`
		SELECT` + snapshotColumns + `
		FROM snapshots
		WHERE camera_id = ?
		ORDER BY timestamp DESC
		LIMIT ?`)

	rows, err := m.DB.QueryContext(ctx, query, cameraID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*SnapshotRecord
	for rows.Next() {
		s, err := m.scanRow(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

// DeleteBefore removes snapshot rows older than the cutoff and returns
// the file paths they pointed at so the caller can unlink them.
func (m SnapshotModel) DeleteBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	selectQuery := m.Dialect.Rebind(`SELECT file_path FROM snapshots WHERE timestamp < ?`)
	rows, err := m.DB.QueryContext(ctx, selectQuery, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	deleteQuery := m.Dialect.Rebind(`DELETE FROM snapshots WHERE timestamp < ?`)
	if _, err := m.DB.ExecContext(ctx, deleteQuery, cutoff.UTC()); err != nil {
		return paths, err
	}
	return paths, nil
}

// Count returns the number of indexed snapshots.
func (m SnapshotModel) Count(ctx context.Context) (int, error) {
	var count int
	err := m.DB.QueryRowContext(ctx, `SELECT count(*) FROM snapshots`).Scan(&count)
	return count, err
}

func (m SnapshotModel) scanRow(row rowScanner) (*SnapshotRecord, error) {
	var (
		s        SnapshotRecord
		metadata string
	)
	err := row.Scan(
		&s.SnapshotID, &s.CameraID, &s.FilePath, &s.Timestamp,
		&s.FileSizeBytes, &s.Resolution, &s.Format, &metadata, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if s.Metadata, err = decodeMap(metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", s.SnapshotID, err)
	}
	return &s, nil
}
