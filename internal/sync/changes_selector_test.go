package sync

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arwahdevops/bisync/internal/metrics"
	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider/memory"
)

func TestSelectTableChanges_SplitsIntoParts(t *testing.T) {
	store := memory.New(t.Name())
	store.DefineTable(productTable())
	require.NoError(t, store.Upsert("Product", map[string]any{"ProductID": 1, "Name": "Road Bike"}))
	require.NoError(t, store.Upsert("Product", map[string]any{"ProductID": 2, "Name": "Helmet"}))
	require.NoError(t, store.Delete("Product", 2))

	interceptors := NewInterceptors()
	var events []model.TableChangesSelected
	On(interceptors, EventTableChangesSelected, func(_ context.Context, ev *TableChangesEvent) error {
		events = append(events, *ev.Selected)
		return nil
	})
	selector := NewChangesSelector(store, model.SideServer, interceptors, metrics.NewMetricsStore(), zaptest.NewLogger(t))
	sctx := model.NewSyncContext(testScope, model.SyncNormal, model.Bidirectional).ForSide(model.SideServer)

	info, tcs, err := selector.SelectTableChanges(context.Background(), sctx, openSession(t, store), productTable(), 0, store.Clock(), uuid.Nil, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, tcs.Upserts)
	assert.Equal(t, 1, tcs.Deletes)
	assert.Equal(t, []model.TableChangesSelected{tcs}, events)

	assert.Equal(t, 2, info.RowsCount)
	assert.Equal(t, store.Clock(), info.Timestamp)
	require.Len(t, info.Parts, 2)
	assert.False(t, info.Parts[0].IsLastBatch)
	assert.True(t, info.Parts[1].IsLastBatch)
	assert.Same(t, info.Parts[1], info.LastPart())
	for _, part := range info.Parts {
		assert.Equal(t, 1, part.RowsCount)
	}
}

func TestSelectTableChanges_WindowAndSkip(t *testing.T) {
	store := memory.New(t.Name())
	store.DefineTable(productTable())
	require.NoError(t, store.Upsert("Product", map[string]any{"ProductID": 1, "Name": "Road Bike"}))
	since := store.Clock()
	require.NoError(t, store.Upsert("Product", map[string]any{"ProductID": 2, "Name": "Helmet"}))

	interceptors := NewInterceptors()
	selector := NewChangesSelector(store, model.SideClient, interceptors, nil, zaptest.NewLogger(t))
	sctx := model.NewSyncContext(testScope, model.SyncNormal, model.Bidirectional).ForSide(model.SideClient)
	sess := openSession(t, store)

	info, tcs, err := selector.SelectTableChanges(context.Background(), sctx, sess, productTable(), since, store.Clock(), uuid.Nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, tcs.TotalChanges(), "rows at or before since are excluded")
	require.Len(t, info.Parts, 1)
	assert.True(t, info.Parts[0].IsLastBatch)

	On(interceptors, EventTableChangesSelecting, func(_ context.Context, ev *TableChangesEvent) error {
		ev.Cancel = true
		return nil
	})
	info, tcs, err = selector.SelectTableChanges(context.Background(), sctx, sess, productTable(), 0, store.Clock(), uuid.Nil, 10)
	require.NoError(t, err)
	assert.Zero(t, tcs.TotalChanges())
	assert.False(t, info.HasData())
}
