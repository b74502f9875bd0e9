// Package paths resolves the on-disk layout under the camfleet data root.
// Everything the orchestrator persists lives below one root so backups and
// retention can reason about a single tree.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const envDataRoot = "CAMFLEET_DATA_ROOT"

// Layout is the resolved directory tree. Zero value is not usable; build it
// with Resolve.
type Layout struct {
	Root string
}

// Resolve returns the layout rooted at custom, falling back to the
// CAMFLEET_DATA_ROOT environment variable and finally to ~/.camfleet.
func Resolve(custom string) Layout {
	root := custom
	if root == "" {
		root = os.Getenv(envDataRoot)
	}
	if root == "" {
		if home, err := os.UserHomeDir(); err == nil {
			root = filepath.Join(home, ".camfleet")
		} else {
			root = ".camfleet"
		}
	}
	return Layout{Root: root}
}

func (l Layout) DataDir() string    { return filepath.Join(l.Root, "data") }
func (l Layout) ConfigDir() string  { return filepath.Join(l.Root, "config") }
func (l Layout) LogsDir() string    { return filepath.Join(l.Root, "logs") }
func (l Layout) BackupsDir() string { return filepath.Join(l.DataDir(), "backups") }

// DatabaseFile is the primary SQLite database.
func (l Layout) DatabaseFile() string { return filepath.Join(l.DataDir(), "camera_data.db") }

// BackupFile names a rotating backup for the given moment.
func (l Layout) BackupFile(ts time.Time) string {
	return filepath.Join(l.BackupsDir(), fmt.Sprintf("backup_%s.db", ts.Format("20060102_150405")))
}

func (l Layout) SnapshotsDir() string { return filepath.Join(l.DataDir(), "snapshots") }

// SnapshotFile places one capture under its camera directory.
func (l Layout) SnapshotFile(cameraID string, ts time.Time) string {
	return filepath.Join(l.SnapshotsDir(), cameraID, fmt.Sprintf("%d.jpg", ts.UnixMilli()))
}

func (l Layout) AppConfigFile() string   { return filepath.Join(l.ConfigDir(), "app_config.json") }
func (l Layout) ProfilesFile() string    { return filepath.Join(l.ConfigDir(), "profiles.json") }
func (l Layout) CredentialsFile() string { return filepath.Join(l.ConfigDir(), "credentials.enc") }
func (l Layout) SecretKeyFile() string   { return filepath.Join(l.ConfigDir(), "secret.key") }

func (l Layout) ScanCacheFile() string   { return filepath.Join(l.DataDir(), "scan_cache.json") }
func (l Layout) ScanHistoryFile() string { return filepath.Join(l.DataDir(), "scan_history.json") }
func (l Layout) NetworkAnalysisFile() string {
	return filepath.Join(l.DataDir(), "network_analysis.json")
}

func (l Layout) LockFile() string { return filepath.Join(l.Root, "camfleet.lock") }

// EnsureDirs creates the standard subtree if missing.
func (l Layout) EnsureDirs() error {
	dirs := []string{
		l.DataDir(),
		l.BackupsDir(),
		l.SnapshotsDir(),
		l.ConfigDir(),
		l.LogsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// SafeJoin joins elements under base and rejects traversal outside it.
func SafeJoin(base string, elements ...string) (string, error) {
	for _, el := range elements {
		if filepath.IsAbs(el) {
			return "", fmt.Errorf("absolute element not allowed: %s", el)
		}
	}
	joined := filepath.Join(append([]string{base}, elements...)...)

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	if absJoined != absBase && !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes %s", absJoined, absBase)
	}
	return absJoined, nil
}
