package data

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/camerr"
	"github.com/camfleet/camfleet/internal/config"
	"github.com/camfleet/camfleet/internal/log"
	"github.com/camfleet/camfleet/internal/platform/paths"
)

// StoreOptions tunes the cache and maintenance workers.
type StoreOptions struct {
	CacheTTL       time.Duration // camera cache entry lifetime, default 24h
	CacheSize      int           // camera cache capacity, default 256
	BackupInterval time.Duration // 0 disables the backup loop
	RetentionDays  int           // 0 disables the retention sweep
}

// Store is the persistence facade: table gateways behind a camera TTL
// cache, snapshot file handling, and the maintenance loops.
type Store struct {
	db      DBPinger
	dialect Dialect
	models  Models
	cache   *cameraCache
	layout  paths.Layout
	opts    StoreOptions
	logger  zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// DBPinger is the *sql.DB surface the store needs beyond DBTX.
type DBPinger interface {
	DBTX
	PingContext(ctx context.Context) error
	Close() error
}

// NewStore wires the gateways and cache over an open database. The
// caller remains responsible for running migrations first.
func NewStore(db DBPinger, dialect Dialect, layout paths.Layout, opts StoreOptions) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		models:  NewModels(db, dialect),
		cache:   newCameraCache(opts.CacheSize, opts.CacheTTL),
		layout:  layout,
		opts:    opts,
		logger:  log.WithComponent("data"),
	}
}

// Ping verifies database liveness; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the maintenance loops and closes the database.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.cache.purge()
	return s.db.Close()
}

// --- cameras ---

// SaveCamera writes through to the database and refreshes the cache.
func (s *Store) SaveCamera(ctx context.Context, rec *CameraRecord) error {
	if rec.CameraID == "" {
		return camerr.New(camerr.Validation, "data.save_camera", "camera id required")
	}
	if err := s.models.Cameras.Upsert(ctx, rec); err != nil {
		return camerr.Wrap(camerr.Storage, "data.save_camera", rec.CameraID, err)
	}
	s.cache.put(rec)
	return nil
}

// Camera reads through the cache.
func (s *Store) Camera(ctx context.Context, cameraID string) (*CameraRecord, error) {
	if rec, ok := s.cache.get(cameraID); ok {
		return rec, nil
	}
	rec, err := s.models.Cameras.Get(ctx, cameraID)
	if err != nil {
		return nil, err
	}
	s.cache.put(rec)
	return rec, nil
}

// CameraByIP bypasses the cache; the cache is keyed by camera ID.
func (s *Store) CameraByIP(ctx context.Context, ip string) (*CameraRecord, error) {
	return s.models.Cameras.GetByIP(ctx, ip)
}

// Cameras lists camera records; see CameraFilter.
func (s *Store) Cameras(ctx context.Context, filter CameraFilter) ([]*CameraRecord, error) {
	return s.models.Cameras.List(ctx, filter)
}

// DeleteCamera removes the row and evicts the cache entry.
func (s *Store) DeleteCamera(ctx context.Context, cameraID string) error {
	if err := s.models.Cameras.Delete(ctx, cameraID); err != nil {
		return err
	}
	s.cache.drop(cameraID)
	return nil
}

// RecordConnection updates lifetime counters and invalidates the cached
// row so the next read sees fresh numbers.
func (s *Store) RecordConnection(ctx context.Context, cameraID string, success bool, uptimeMinutes float64) error {
	err := s.models.Cameras.RecordConnection(ctx, cameraID, success, uptimeMinutes)
	if errors.Is(err, ErrRecordNotFound) {
		// Counter updates against unknown cameras are dropped, not fatal:
		// the orchestrator may connect cameras never persisted.
		return nil
	}
	if err != nil {
		return camerr.Wrap(camerr.Storage, "data.record_connection", cameraID, err)
	}
	s.cache.drop(cameraID)
	return nil
}

// ExportProfiles mirrors the saved camera profiles to path as JSON,
// atomically. The database stays authoritative; the file exists for
// provisioning and external tooling.
func (s *Store) ExportProfiles(ctx context.Context, path string) error {
	recs, err := s.models.Cameras.List(ctx, CameraFilter{})
	if err != nil {
		return camerr.Wrap(camerr.Storage, "data.export_profiles", "list cameras", err)
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return camerr.Wrap(camerr.Storage, "data.export_profiles", "encode profiles", err)
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return camerr.Wrap(camerr.Storage, "data.export_profiles", path, err)
	}
	return nil
}

// --- scans ---

// SaveScan persists one completed scan.
func (s *Store) SaveScan(ctx context.Context, rec *ScanRecord) error {
	if rec.ScanID == "" {
		rec.ScanID = uuid.NewString()
	}
	if err := s.models.Scans.Insert(ctx, rec); err != nil {
		return camerr.Wrap(camerr.Storage, "data.save_scan", rec.ScanID, err)
	}
	return nil
}

// Scan retrieves one scan by ID.
func (s *Store) Scan(ctx context.Context, scanID string) (*ScanRecord, error) {
	return s.models.Scans.Get(ctx, scanID)
}

// RecentScans returns the newest scans first.
func (s *Store) RecentScans(ctx context.Context, limit int) ([]*ScanRecord, error) {
	return s.models.Scans.ListRecent(ctx, limit)
}

// --- snapshots ---

// SaveSnapshot writes the image under the camera's snapshot directory
// and indexes it. Implements the capture sink of the camera facade.
func (s *Store) SaveSnapshot(ctx context.Context, cameraID string, img []byte, takenAt time.Time) (string, error) {
	const op = "data.save_snapshot"
	if cameraID == "" {
		return "", camerr.New(camerr.Validation, op, "camera id required")
	}
	if len(img) == 0 {
		return "", camerr.New(camerr.Validation, op, "empty image")
	}

	// The snapshots table carries an FK to cameras; register a minimal
	// row for cameras captured before any scan persisted them.
	if _, err := s.Camera(ctx, cameraID); errors.Is(err, ErrRecordNotFound) {
		stub := &CameraRecord{CameraID: cameraID, IP: "", LastSeen: takenAt}
		if err := s.SaveCamera(ctx, stub); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", camerr.Wrap(camerr.Storage, op, cameraID, err)
	}

	path := s.layout.SnapshotFile(cameraID, takenAt)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", camerr.Wrap(camerr.Storage, op, "create snapshot dir", err)
	}
	if err := os.WriteFile(path, img, 0o640); err != nil {
		return "", camerr.Wrap(camerr.Storage, op, "write snapshot", err)
	}

	resolution, format := imageProbe(img)
	rec := &SnapshotRecord{
		SnapshotID:    uuid.NewString(),
		CameraID:      cameraID,
		FilePath:      path,
		Timestamp:     takenAt,
		FileSizeBytes: int64(len(img)),
		Resolution:    resolution,
		Format:        format,
	}
	if err := s.models.Snapshots.Insert(ctx, rec); err != nil {
		// Keep the file; the orphan sweep reclaims it if nobody re-indexes.
		return path, camerr.Wrap(camerr.Storage, op, "index snapshot", err)
	}
	if err := s.models.Cameras.IncrementSnapshots(ctx, cameraID); err != nil && !errors.Is(err, ErrRecordNotFound) {
		s.logger.Warn().Str("camera_id", cameraID).Err(err).Msg("snapshot counter update failed")
	}
	s.cache.drop(cameraID)
	return path, nil
}

// Snapshots lists a camera's snapshot index entries, newest first.
func (s *Store) Snapshots(ctx context.Context, cameraID string, limit int) ([]*SnapshotRecord, error) {
	return s.models.Snapshots.ListByCamera(ctx, cameraID, limit)
}

// imageProbe sniffs dimensions and container format, best effort.
func imageProbe(img []byte) (resolution, format string) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return "", "jpeg"
	}
	return fmt.Sprintf("%dx%d", cfg.Width, cfg.Height), format
}

// --- configurations ---

// UpsertConfiguration persists one registry value. Implements the
// config registry's store.
func (s *Store) UpsertConfiguration(ctx context.Context, rec config.Record) error {
	return s.models.Configurations.Upsert(ctx, &ConfigurationRecord{
		Key:         rec.Key,
		Value:       rec.Value,
		Type:        rec.Type,
		Description: rec.Description,
	})
}

// ListConfigurations returns every persisted registry value.
func (s *Store) ListConfigurations(ctx context.Context) ([]config.Record, error) {
	rows, err := s.models.Configurations.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]config.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, config.Record{
			Key:         row.Key,
			Value:       row.Value,
			Type:        row.Type,
			Description: row.Description,
		})
	}
	return out, nil
}

// --- stats ---

// StoreStats is a point-in-time population count, fed to metrics.
type StoreStats struct {
	Cameras       int
	Scans         int
	Snapshots     int
	CachedCameras int
}

// Stats counts rows per table plus the live cache population. Count
// errors zero the field; metrics tolerate gaps.
func (s *Store) Stats(ctx context.Context) StoreStats {
	stats := StoreStats{CachedCameras: s.cache.len()}
	if n, err := s.models.Cameras.Count(ctx); err == nil {
		stats.Cameras = n
	}
	if n, err := s.models.Scans.Count(ctx); err == nil {
		stats.Scans = n
	}
	if n, err := s.models.Snapshots.Count(ctx); err == nil {
		stats.Snapshots = n
	}
	return stats
}
