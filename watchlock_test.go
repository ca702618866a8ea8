package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWatchLock_RecordsOwner(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "watch.pid")

	lock, err := acquireWatchLock(path, "/videos/exports")
	require.NoError(t, err)
	defer lock.Release()

	owner, err := readLockOwner(path)
	require.NoError(t, err)
	assert.Equal(t, lockOwner{PID: os.Getpid(), Dir: "/videos/exports"}, owner)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestAcquireWatchLock_SecondWatchNamesOwner(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "watch.pid")

	lock, err := acquireWatchLock(path, "/videos/exports")
	require.NoError(t, err)
	defer lock.Release()

	second, err := acquireWatchLock(path, "/videos/other")
	require.Error(t, err)
	assert.Nil(t, second)
	assert.ErrorContains(t, err, "already running on /videos/exports")
	assert.ErrorContains(t, err, "PID "+strconv.Itoa(os.Getpid()))
}

func TestWatchLock_ReleaseAllowsNextWatch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "watch.pid")

	lock, err := acquireWatchLock(path, "/a")
	require.NoError(t, err)

	lock.Release()
	lock.Release()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	next, err := acquireWatchLock(path, "/b")
	require.NoError(t, err)
	next.Release()
}

func TestAcquireWatchLock_EmptyPath(t *testing.T) {
	t.Parallel()

	lock, err := acquireWatchLock("", "/a")
	assert.Nil(t, lock)
	assert.ErrorContains(t, err, "empty")
}

func TestAcquireWatchLock_CreatesDataDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data", "rashberry", "watch.pid")

	lock, err := acquireWatchLock(path, "/a")
	require.NoError(t, err)
	defer lock.Release()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestReadLockOwner(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    lockOwner
		wantErr string
	}{
		{"pid and dir", "4242\n/videos\n", lockOwner{PID: 4242, Dir: "/videos"}, ""},
		{"pid only", "4242\n", lockOwner{PID: 4242}, ""},
		{"garbage", "not-a-pid\n", lockOwner{}, "invalid PID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "watch.pid")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			got, err := readLockOwner(path)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadLockOwner_Missing(t *testing.T) {
	t.Parallel()

	_, err := readLockOwner(filepath.Join(t.TempDir(), "absent.pid"))
	assert.Error(t, err)
}
