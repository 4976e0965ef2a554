package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider"
)

func customerTable() *model.SyncTable {
	t := model.NewSyncTable("", "Customer")
	t.Columns = []*model.SyncColumn{
		{Name: "ID", Type: model.TypeInt},
		{Name: "Name", Type: model.TypeString},
	}
	t.PrimaryKeys = []string{"ID"}
	return t
}

func newStore(t *testing.T) (*Store, provider.StoreSession) {
	t.Helper()
	s := New("test")
	s.DefineTable(customerTable())
	s.ProvisionScopeTables()
	sess, err := s.OpenSession(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return s, sess
}

func collect(t *testing.T, s *Store, sess provider.StoreSession, since, upto int64, exclude uuid.UUID) []*model.SyncRow {
	t.Helper()
	var rows []*model.SyncRow
	for row, err := range s.SelectChanges(context.Background(), sess, customerTable(), since, upto, exclude) {
		require.NoError(t, err)
		rows = append(rows, row)
	}
	return rows
}

func TestSelectChanges_WindowAndLoopback(t *testing.T) {
	ctx := context.Background()
	s, sess := newStore(t)
	require.NoError(t, s.Upsert("Customer", map[string]any{"ID": 1, "Name": "Ana"}))
	require.NoError(t, s.Upsert("Customer", map[string]any{"ID": 2, "Name": "Budi"}))

	peer := uuid.New()
	tbl := customerTable()
	_, err := s.ApplyRow(ctx, sess, tbl, tbl.NewRow(model.RowModified, int64(3), "Citra"), provider.ApplyOptions{SenderScopeID: peer})
	require.NoError(t, err)
	require.NoError(t, s.Delete("Customer", 1))

	upto, err := s.GetLocalTimestamp(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, int64(4), upto)

	rows := collect(t, s, sess, 0, upto, peer)
	require.Len(t, rows, 2, "row written by the peer is excluded")
	assert.Equal(t, int64(2), rows[0].GetAt(0))
	assert.Equal(t, model.RowDeleted, rows[1].State)
	assert.Nil(t, rows[1].GetAt(1), "tombstones carry only key values")

	assert.Len(t, collect(t, s, sess, 0, upto, uuid.Nil), 3)
	assert.Empty(t, collect(t, s, sess, upto, upto, uuid.Nil))
}

func TestApplyRow_ConflictDetection(t *testing.T) {
	ctx := context.Background()
	s, sess := newStore(t)
	tbl := customerTable()
	sender := uuid.New()

	require.NoError(t, s.Upsert("Customer", map[string]any{"ID": 1, "Name": "local"}))
	res, err := s.ApplyRow(ctx, sess, tbl, tbl.NewRow(model.RowModified, int64(1), "remote"), provider.ApplyOptions{SenderScopeID: sender, ExpectedVersion: 0})
	require.NoError(t, err)
	assert.Equal(t, provider.StatusConflict, res.Status)
	assert.True(t, res.ExistingIsNew)
	assert.Equal(t, "local", res.Existing.GetAt(1))

	res, err = s.ApplyRow(ctx, sess, tbl, tbl.NewRow(model.RowModified, int64(1), "remote"), provider.ApplyOptions{SenderScopeID: sender, ExpectedVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, provider.StatusApplied, res.Status, "local change is not newer than the expected version")

	res, err = s.ApplyRow(ctx, sess, tbl, tbl.NewRow(model.RowModified, int64(1), "remote again"), provider.ApplyOptions{SenderScopeID: sender, ExpectedVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, provider.StatusApplied, res.Status, "the sender's own earlier write is not a conflict")

	got, ok := s.Get("Customer", 1)
	require.True(t, ok)
	assert.Equal(t, "remote again", got["Name"])
	info, ok := s.Tracking("Customer", 1)
	require.True(t, ok)
	assert.Equal(t, sender, info.Writer)
}

func TestSession_RollbackUndoesWrites(t *testing.T) {
	ctx := context.Background()
	s, sess := newStore(t)
	tbl := customerTable()
	require.NoError(t, s.Upsert("Customer", map[string]any{"ID": 1, "Name": "before"}))

	require.NoError(t, sess.BeginTx(ctx))
	_, err := s.ApplyRow(ctx, sess, tbl, tbl.NewRow(model.RowModified, int64(1), "after"), provider.ApplyOptions{Force: true})
	require.NoError(t, err)
	_, err = s.ApplyRow(ctx, sess, tbl, tbl.NewRow(model.RowModified, int64(2), "new"), provider.ApplyOptions{Force: true})
	require.NoError(t, err)
	require.NoError(t, sess.Rollback())

	got, ok := s.Get("Customer", 1)
	require.True(t, ok)
	assert.Equal(t, "before", got["Name"])
	_, ok = s.Get("Customer", 2)
	assert.False(t, ok)
}

func TestSaveScopeInfo_OptimisticVersion(t *testing.T) {
	ctx := context.Background()
	s, sess := newStore(t)

	scope := model.NewScopeInfo("DefaultScope")
	scope.Version = 1
	require.NoError(t, s.SaveScopeInfo(ctx, sess, scope, 0))

	stale := scope.Clone()
	stale.Version = 1
	err := s.SaveScopeInfo(ctx, sess, stale, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrVersionConflict))

	loaded, err := s.GetScopeInfo(ctx, sess, "DefaultScope")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, scope.ID, loaded.ID)
}

func TestDeleteTombstones_RespectsBound(t *testing.T) {
	ctx := context.Background()
	s, sess := newStore(t)
	require.NoError(t, s.Upsert("Customer", map[string]any{"ID": 1, "Name": "a"}))
	require.NoError(t, s.Upsert("Customer", map[string]any{"ID": 2, "Name": "b"}))
	s.SetClock(69)
	require.NoError(t, s.Delete("Customer", 1))
	s.SetClock(89)
	require.NoError(t, s.Delete("Customer", 2))

	n, err := s.DeleteTombstones(ctx, sess, customerTable(), 80)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, ok := s.Tracking("Customer", 1)
	assert.False(t, ok)
	info, ok := s.Tracking("Customer", 2)
	require.True(t, ok)
	assert.Equal(t, int64(90), info.Timestamp)
}

func TestSession_CloseReleases(t *testing.T) {
	s := New("test")
	sess, err := s.OpenSession(context.Background())
	require.NoError(t, err)
	require.NoError(t, sess.BeginTx(context.Background()))
	assert.Equal(t, 1, s.OpenSessions())
	require.NoError(t, sess.Close())
	assert.Equal(t, 0, s.OpenSessions())
	assert.False(t, sess.InTx())
}
