package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CameraRecord is the persisted identity and lifetime counters of one
// discovered or registered camera.
type CameraRecord struct {
	CameraID              string         `json:"camera_id"`
	Brand                 string         `json:"brand"`
	Model                 string         `json:"model"`
	IP                    string         `json:"ip"`
	LastSeen              time.Time      `json:"last_seen"`
	ConnectionCount       int            `json:"connection_count"`
	SuccessfulConnections int            `json:"successful_connections"`
	FailedConnections     int            `json:"failed_connections"`
	TotalUptimeMinutes    float64        `json:"total_uptime_minutes"`
	SnapshotsCount        int            `json:"snapshots_count"`
	Protocols             []string       `json:"protocols"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

type CameraModel struct {
	DB      DBTX
	Dialect Dialect
}

// Upsert inserts or refreshes a camera row keyed by camera_id. Lifetime
// counters survive the update; identity fields are replaced.
func (m CameraModel) Upsert(ctx context.Context, c *CameraRecord) error {
	protocols, err := encodeList(c.Protocols)
	if err != nil {
		return fmt.Errorf("encode protocols: %w", err)
	}
	metadata, err := encodeMap(c.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	query := m.Dialect.Rebind(`
		INSERT INTO cameras (
			camera_id, brand, model, ip, last_seen,
			connection_count, successful_connections, failed_connections,
			total_uptime_minutes, snapshots_count, protocols, metadata,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (camera_id) DO UPDATE SET
			brand      = excluded.brand,
			model      = excluded.model,
			ip         = excluded.ip,
			last_seen  = excluded.last_seen,
			protocols  = excluded.protocols,
			metadata   = excluded.metadata,
			updated_at = excluded.updated_at`)

	_, err = m.DB.ExecContext(ctx, query,
		c.CameraID, c.Brand, c.Model, c.IP, nullTime(c.LastSeen),
		c.ConnectionCount, c.SuccessfulConnections, c.FailedConnections,
		c.TotalUptimeMinutes, c.SnapshotsCount, protocols, metadata,
		c.CreatedAt, c.UpdatedAt,
	)
	return err
}

const cameraColumns = `
	camera_id, brand, model, ip, last_seen,
	connection_count, successful_connections, failed_connections,
	total_uptime_minutes, snapshots_count, protocols, metadata,
	created_at, updated_at`

// Get retrieves one camera by ID.
func (m CameraModel) Get(ctx context.Context, cameraID string) (*CameraRecord, error) {
	query := m.Dialect.Rebind(`SELECT` + cameraColumns + ` FROM cameras WHERE camera_id = ?`)
	return m.scanOne(m.DB.QueryRowContext(ctx, query, cameraID))
}

// GetByIP retrieves the most recently seen camera at an address.
func (m CameraModel) GetByIP(ctx context.Context, ip string) (*CameraRecord, error) {
	query := m.Dialect.Rebind(`
		SELECT` + cameraColumns + `
		FROM cameras WHERE ip = ?
		ORDER BY updated_at DESC
		LIMIT 1`)
	return m.scanOne(m.DB.QueryRowContext(ctx, query, ip))
}

// CameraFilter narrows List; zero values mean no constraint.
type CameraFilter struct {
	Brand  string
	IP     string
	Limit  int
	Offset int
}

// List retrieves cameras ordered by last update, newest first.
func (m CameraModel) List(ctx context.Context, filter CameraFilter) ([]*CameraRecord, error) {
	where := "WHERE 1=1"
	args := []any{}
	if filter.Brand != "" {
		where += " AND brand = ?"
		args = append(args, filter.Brand)
	}
	if filter.IP != "" {
		where += " AND ip = ?"
		args = append(args, filter.IP)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)

	query := m.Dialect.Rebind(fmt.Sprintf(`
		SELECT`+cameraColumns+`
		FROM cameras
		%s
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`, where))

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cameras []*CameraRecord
	for rows.Next() {
		c, err := m.scanRow(rows)
		if err != nil {
			return nil, err
		}
		cameras = append(cameras, c)
	}
	return cameras, rows.Err()
}

// RecordConnection bumps the lifetime connection counters after one
// connect attempt and refreshes last_seen on success.
func (m CameraModel) RecordConnection(ctx context.Context, cameraID string, success bool, uptimeMinutes float64) error {
	col := "failed_connections"
	if success {
		col = "successful_connections"
	}
	now := time.Now().UTC()
	query := m.Dialect.Rebind(fmt.Sprintf(`
		UPDATE cameras SET
			connection_count = connection_count + 1,
			%s = %s + 1,
			total_uptime_minutes = total_uptime_minutes + ?,
			last_seen = ?,
			updated_at = ?
		WHERE camera_id = ?`, col, col))

	res, err := m.DB.ExecContext(ctx, query, uptimeMinutes, now, now, cameraID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// IncrementSnapshots bumps snapshots_count after a successful capture.
func (m CameraModel) IncrementSnapshots(ctx context.Context, cameraID string) error {
	query := m.Dialect.Rebind(`
		UPDATE cameras
		SET snapshots_count = snapshots_count + 1, updated_at = ?
		WHERE camera_id = ?`)
	res, err := m.DB.ExecContext(ctx, query, time.Now().UTC(), cameraID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkSeen refreshes last_seen, e.g. when a scan re-detects the camera.
func (m CameraModel) MarkSeen(ctx context.Context, cameraID string, at time.Time) error {
	query := m.Dialect.Rebind(`
		UPDATE cameras SET last_seen = ?, updated_at = ? WHERE camera_id = ?`)
	res, err := m.DB.ExecContext(ctx, query, at.UTC(), time.Now().UTC(), cameraID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Delete removes a camera and, via FK cascade, its snapshots.
func (m CameraModel) Delete(ctx context.Context, cameraID string) error {
	query := m.Dialect.Rebind(`DELETE FROM cameras WHERE camera_id = ?`)
	res, err := m.DB.ExecContext(ctx, query, cameraID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Count returns the total camera population.
func (m CameraModel) Count(ctx context.Context) (int, error) {
	var count int
	err := m.DB.QueryRowContext(ctx, `SELECT count(*) FROM cameras`).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (m CameraModel) scanOne(row *sql.Row) (*CameraRecord, error) {
	c, err := m.scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return c, err
}

func (m CameraModel) scanRow(row rowScanner) (*CameraRecord, error) {
	var (
		c         CameraRecord
		lastSeen  sql.NullTime
		protocols string
		metadata  string
	)
	err := row.Scan(
		&c.CameraID, &c.Brand, &c.Model, &c.IP, &lastSeen,
		&c.ConnectionCount, &c.SuccessfulConnections, &c.FailedConnections,
		&c.TotalUptimeMinutes, &c.SnapshotsCount, &protocols, &metadata,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		c.LastSeen = lastSeen.Time
	}
	if c.Protocols, err = decodeList(protocols); err != nil {
		return nil, fmt.Errorf("decode protocols for %s: %w", c.CameraID, err)
	}
	if c.Metadata, err = decodeMap(metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", c.CameraID, err)
	}
	return &c, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func requireRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}
