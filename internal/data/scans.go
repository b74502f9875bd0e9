package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ScanRecord is one completed network scan. Results holds the raw
// per-host detection list as produced by the scan engine.
type ScanRecord struct {
	ScanID            string          `json:"scan_id"`
	TargetIP          string          `json:"target_ip"`
	Timestamp         time.Time       `json:"timestamp"`
	DurationSeconds   float64         `json:"duration_seconds"`
	PortsScanned      int             `json:"ports_scanned"`
	PortsFound        int             `json:"ports_found"`
	AuthTested        bool            `json:"authentication_tested"`
	SuccessfulAuths   int             `json:"successful_auths"`
	ProtocolsDetected []string        `json:"protocols_detected"`
	Results           json.RawMessage `json:"results"`
	CreatedAt         time.Time       `json:"created_at"`
}

type ScanModel struct {
	DB      DBTX
	Dialect Dialect
}

// Insert persists one completed scan.
func (m ScanModel) Insert(ctx context.Context, s *ScanRecord) error {
	protocols, err := encodeList(s.ProtocolsDetected)
	if err != nil {
		return fmt.Errorf("encode protocols: %w", err)
	}
	results := string(s.Results)
	if results == "" {
		results = "[]"
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	query := m.Dialect.Rebind(`
		INSERT INTO scans (
			scan_id, target_ip, timestamp, duration_seconds,
			ports_scanned, ports_found, authentication_tested,
			successful_auths, protocols_detected, results, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = m.DB.ExecContext(ctx, query,
		s.ScanID, s.TargetIP, s.Timestamp.UTC(), s.DurationSeconds,
		s.PortsScanned, s.PortsFound, s.AuthTested,
		s.SuccessfulAuths, protocols, results, s.CreatedAt,
	)
	return err
}

const scanColumns = `
	scan_id, target_ip, timestamp, duration_seconds,
	ports_scanned, ports_found, authentication_tested,
	successful_auths, protocols_detected, results, created_at`

// Get retrieves one scan by ID.
func (m ScanModel) Get(ctx context.Context, scanID string) (*ScanRecord, error) {
	query := m.Dialect.Rebind(`SELECT` + scanColumns + ` FROM scans WHERE scan_id = ?`)
	s, err := m.scanRow(m.DB.QueryRowContext(ctx, query, scanID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return s, err
}

// ListRecent returns the newest scans first.
func (m ScanModel) ListRecent(ctx context.Context, limit int) ([]*ScanRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := m.Dialect.Rebind(`
		SELECT` + scanColumns + `
		FROM scans
		ORDER BY timestamp DESC
		LIMIT ?`)
	return m.list(ctx, query, limit)
}

// ListByTarget returns scans against one target, newest first.
func (m ScanModel) ListByTarget(ctx context.Context, targetIP string, limit int) ([]*ScanRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := m.Dialect.Rebind(`
		SELECT` + scanColumns + `
		FROM scans
		WHERE target_ip = ?
		ORDER BY timestamp DESC
		LIMIT ?`)
	return m.list(ctx, query, targetIP, limit)
}

// DeleteBefore removes scans older than the cutoff; used by retention.
func (m ScanModel) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := m.Dialect.Rebind(`DELETE FROM scans WHERE timestamp < ?`)
	res, err := m.DB.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the number of stored scans.
func (m ScanModel) Count(ctx context.Context) (int, error) {
	var count int
	err := m.DB.QueryRowContext(ctx, `SELECT count(*) FROM scans`).Scan(&count)
	return count, err
}

func (m ScanModel) list(ctx context.Context, query string, args ...any) ([]*ScanRecord, error) {
	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scans []*ScanRecord
	for rows.Next() {
		s, err := m.scanRow(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, s)
	}
	return scans, rows.Err()
}

func (m ScanModel) scanRow(row rowScanner) (*ScanRecord, error) {
	var (
		s         ScanRecord
		protocols string
		results   string
	)
	err := row.Scan(
		&s.ScanID, &s.TargetIP, &s.Timestamp, &s.DurationSeconds,
		&s.PortsScanned, &s.PortsFound, &s.AuthTested,
		&s.SuccessfulAuths, &protocols, &results, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if s.ProtocolsDetected, err = decodeList(protocols); err != nil {
		return nil, fmt.Errorf("decode protocols for %s: %w", s.ScanID, err)
	}
	s.Results = json.RawMessage(results)
	return &s, nil
}
