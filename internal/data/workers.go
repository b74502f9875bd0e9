package data

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/camfleet/camfleet/internal/camerr"
)

const (
	cacheCleanupInterval = time.Hour
	retentionInterval    = 24 * time.Hour
	keepBackups          = 10
)

// StartMaintenance launches the cache cleanup, backup, and retention
// loops. They stop when ctx is cancelled or the store is closed.
func (s *Store) StartMaintenance(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.cacheCleanupLoop(ctx)
	}()

	if s.opts.BackupInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.backupLoop(ctx)
		}()
	}
	if s.opts.RetentionDays > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.retentionLoop(ctx)
		}()
	}

	go func() {
		wg.Wait()
		close(s.done)
	}()
}

func (s *Store) cacheCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cacheCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.cache.purgeExpired(); removed > 0 {
				s.logger.Debug().Int("removed", removed).Msg("cache cleanup pass")
			}
		}
	}
}

func (s *Store) backupLoop(ctx context.Context) {
	if s.dialect != DialectSQLite {
		s.logger.Info().Str("dialect", string(s.dialect)).Msg("file backups disabled; engine has its own tooling")
		return
	}
	ticker := time.NewTicker(s.opts.BackupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if path, err := s.Backup(ctx); err != nil {
				s.logger.Error().Err(err).Msg("backup failed")
			} else {
				s.logger.Info().Str("path", path).Msg("backup written")
			}
		}
	}
}

func (s *Store) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.retentionSweep(ctx)
		}
	}
}

// Backup copies the live database into the backups directory and prunes
// old copies. SQLite only; VACUUM INTO gives a consistent copy under WAL.
func (s *Store) Backup(ctx context.Context) (string, error) {
	const op = "data.backup"
	if s.dialect != DialectSQLite {
		return "", camerr.New(camerr.Validation, op, "file backup requires sqlite")
	}
	dst := s.layout.BackupFile(time.Now())
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", camerr.Wrap(camerr.Storage, op, "create backups dir", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dst); err != nil {
		return "", camerr.Wrap(camerr.Storage, op, "vacuum into", err)
	}
	if err := s.pruneBackups(); err != nil {
		s.logger.Warn().Err(err).Msg("backup pruning failed")
	}
	return dst, nil
}

// pruneBackups keeps the newest keepBackups files. Backup names embed a
// sortable timestamp, so lexical order is age order.
func (s *Store) pruneBackups() error {
	entries, err := os.ReadDir(s.layout.BackupsDir())
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "backup_") && strings.HasSuffix(e.Name(), ".db") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keepBackups {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names[keepBackups:] {
		if err := os.Remove(filepath.Join(s.layout.BackupsDir(), name)); err != nil {
			s.logger.Warn().Str("file", name).Err(err).Msg("stale backup not removed")
		}
	}
	return nil
}

// retentionSweep deletes scans and snapshots older than RetentionDays,
// unlinks their files, and reclaims orphaned snapshot files.
func (s *Store) retentionSweep(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.opts.RetentionDays)

	scans, err := s.models.Scans.DeleteBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("scan retention sweep failed")
	}

	paths, err := s.models.Snapshots.DeleteBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("snapshot retention sweep failed")
	}
	removed := 0
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn().Str("file", p).Err(err).Msg("snapshot file not removed")
			continue
		}
		removed++
	}

	orphans := s.removeOrphanSnapshots(cutoff)

	s.logger.Info().
		Int64("scans", scans).
		Int("snapshots", removed).
		Int("orphans", orphans).
		Time("cutoff", cutoff).
		Msg("retention sweep complete")
}

// removeOrphanSnapshots unlinks snapshot files older than the cutoff.
// Any row referencing such a file was just deleted by timestamp, so
// survivors here are leftovers from failed index writes.
func (s *Store) removeOrphanSnapshots(cutoff time.Time) int {
	removed := 0
	root := s.layout.SnapshotsDir()
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	return removed
}
