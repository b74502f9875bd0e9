package lockfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camfleet.lock")

	lock, err := Acquire(path)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.FileExists(t, path)

	require.NoError(t, lock.Release())
	assert.NoFileExists(t, path)
}

func TestSecondAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camfleet.lock")

	first, err := Acquire(path)
	require.NoError(t, err)
	defer first.Release()

	_, err = Acquire(path)
	assert.Error(t, err)
}

func TestReacquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camfleet.lock")

	first, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, first.Release())

	second, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestReleaseNil(t *testing.T) {
	var lock *Lock
	assert.NoError(t, lock.Release())
}
