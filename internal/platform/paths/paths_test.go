package paths

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePrecedence(t *testing.T) {
	t.Setenv(envDataRoot, "/srv/fleet")

	assert.Equal(t, "/custom/root", Resolve("/custom/root").Root)
	assert.Equal(t, "/srv/fleet", Resolve("").Root)

	t.Setenv(envDataRoot, "")
	l := Resolve("")
	assert.NotEmpty(t, l.Root)
}

func TestLayoutFiles(t *testing.T) {
	l := Layout{Root: "/var/lib/camfleet"}

	assert.Equal(t, "/var/lib/camfleet/data/camera_data.db", l.DatabaseFile())
	assert.Equal(t, "/var/lib/camfleet/config/app_config.json", l.AppConfigFile())
	assert.Equal(t, "/var/lib/camfleet/data/scan_cache.json", l.ScanCacheFile())

	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	assert.Equal(t,
		"/var/lib/camfleet/data/backups/backup_20250314_092653.db",
		l.BackupFile(ts))

	snap := l.SnapshotFile("cam-1", ts)
	assert.Equal(t, filepath.Join(l.SnapshotsDir(), "cam-1"), filepath.Dir(snap))
}

func TestEnsureDirs(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	require.NoError(t, l.EnsureDirs())

	for _, dir := range []string{l.DataDir(), l.BackupsDir(), l.SnapshotsDir(), l.ConfigDir(), l.LogsDir()} {
		assert.DirExists(t, dir)
	}

	// second call is a no-op
	require.NoError(t, l.EnsureDirs())
}

func TestSafeJoin(t *testing.T) {
	base := t.TempDir()

	cases := []struct {
		name     string
		elements []string
		wantErr  bool
	}{
		{"plain child", []string{"snapshots", "cam-1"}, false},
		{"dot dot escape", []string{"..", "other"}, true},
		{"nested escape", []string{"a", "..", "..", "b"}, true},
		{"absolute element", []string{"/etc/passwd"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SafeJoin(base, tc.elements...)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, got, base)
		})
	}
}
