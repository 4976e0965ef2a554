package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocks() *sessionLocks {
	return &sessionLocks{held: make(map[string]struct{})}
}

func TestSessionLocks_InProcess(t *testing.T) {
	locks := newLocks()
	release, err := locks.acquire("client_catalog", "")
	require.NoError(t, err)

	_, err = locks.acquire("client_catalog", "")
	assert.ErrorIs(t, err, ErrSessionInProgress)
	assert.ErrorIs(t, err, ErrConcurrency)
	assert.Equal(t, KindConcurrency, KindOf(err))

	other, err := locks.acquire("client_other", "")
	require.NoError(t, err)
	other()

	release()
	again, err := locks.acquire("client_catalog", "")
	require.NoError(t, err)
	again()
}

func TestSessionLocks_LockFileSharedAcrossRegistries(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "batches")
	first, second := newLocks(), newLocks()

	release, err := first.acquire("sqlite:client.db_catalog", dir)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, lockFileName("sqlite:client.db_catalog")))
	require.NoError(t, err, "lock file should exist")

	_, err = second.acquire("sqlite:client.db_catalog", dir)
	assert.ErrorIs(t, err, ErrSessionInProgress)
	assert.Empty(t, second.held, "a failed acquire must not leave the key marked")

	release()
	release2, err := second.acquire("sqlite:client.db_catalog", dir)
	require.NoError(t, err)
	release2()
}

func TestLockFileName(t *testing.T) {
	assert.Equal(t, ".host_5432_db_catalog.lock", lockFileName("host:5432/db catalog"))
}
