package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider"
	"github.com/arwahdevops/bisync/internal/provider/memory"
)

func TestSynchronize_FirstSyncDownloadsCatalog(t *testing.T) {
	ctx := context.Background()
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())

	result := mustSync(t, agent)

	require.Len(t, result.Download.Applied, 2)
	for _, tca := range result.Download.Applied {
		assert.Equal(t, 1, tca.Applied, tca.TableName)
		assert.Equal(t, model.RowModified, tca.State)
	}
	assert.Equal(t, "ProductCategory", result.Download.Applied[0].TableName, "parents are applied first")
	assert.Zero(t, result.TotalResolvedConflicts())
	assert.Zero(t, result.Upload.TotalSelected())
	assert.Equal(t, "Road Bike", productName(t, client, 1))

	require.NotNil(t, result.ClientScope)
	assert.False(t, result.ClientScope.IsNewScope)
	assert.Equal(t, int64(2), result.ClientScope.Version, "saved once when created and once at the end")
	assert.Equal(t, server.Clock(), result.ClientScope.LastServerSyncTimestamp)

	// Nothing the client received is reported back as a local change.
	sctx := model.NewSyncContext(testScope, model.SyncNormal, model.Bidirectional)
	pending, err := agent.Local().EstimateChanges(ctx, sctx, result.ClientScope.Schema, result.ClientScope.LastLocalTimestamp, uuid.Nil)
	require.NoError(t, err)
	assert.Zero(t, model.DatabaseChangesSelected{Tables: pending}.TotalChanges())

	assertNoOpenSessions(t, client, server)
}

func TestSynchronize_Idempotent(t *testing.T) {
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())
	mustSync(t, agent)

	for i := 0; i < 3; i++ {
		result := mustSync(t, agent)
		assert.Zero(t, result.TotalChangesSelected(), "session %d", i)
		assert.Zero(t, result.TotalChangesApplied(), "session %d", i)
	}
}

func TestSynchronize_UploadIsNotEchoed(t *testing.T) {
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())
	first := mustSync(t, agent)

	require.NoError(t, client.Upsert("Product", map[string]any{"ProductID": 1, "Name": "Gravel Bike", "ProductCategoryID": "BIKES"}))
	require.NoError(t, client.Upsert("Product", map[string]any{"ProductID": 2, "Name": "Helmet"}))

	result := mustSync(t, agent)
	assert.Equal(t, 2, result.Upload.TotalApplied())
	assert.Zero(t, result.Download.TotalSelected())
	assert.Equal(t, "Gravel Bike", productName(t, server, 1))
	assert.Equal(t, "Helmet", productName(t, server, 2))

	tracking, ok := server.Tracking("Product", 1)
	require.True(t, ok)
	assert.Equal(t, first.ClientScope.ID, tracking.Writer)

	result = mustSync(t, agent)
	assert.Zero(t, result.TotalChangesApplied())
}

func TestSynchronize_WatermarksAreMonotonic(t *testing.T) {
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())
	prev := mustSync(t, agent).ClientScope

	for i := 0; i < 4; i++ {
		require.NoError(t, server.Upsert("ProductCategory", map[string]any{"ProductCategoryID": fmt.Sprintf("S%d", i), "Name": "server"}))
		require.NoError(t, client.Upsert("Product", map[string]any{"ProductID": 100 + i, "Name": "client"}))
		result := mustSync(t, agent)
		scope := result.ClientScope
		assert.GreaterOrEqual(t, scope.LastLocalTimestamp, prev.LastLocalTimestamp)
		assert.GreaterOrEqual(t, scope.LastServerSyncTimestamp, prev.LastServerSyncTimestamp)
		assert.Equal(t, prev.Version+1, scope.Version)
		prev = scope
	}
	assert.Equal(t, 5, server.Count("Product"))
	assert.Equal(t, 5, client.Count("ProductCategory"))
}

func TestSynchronize_FailureKeepsWatermarks(t *testing.T) {
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())
	mustSync(t, agent)
	clientBefore, serverBefore := storedScope(t, client), storedScope(t, server)

	require.NoError(t, server.Upsert("Product", map[string]any{"ProductID": 7, "Name": "Tube"}))
	client.FailApplies(1, errors.New("disk full"))

	result, err := agent.Synchronize(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindProvider, KindOf(err))
	require.NotNil(t, result)

	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.StageChangesApplying, se.Stage)
	assert.Equal(t, model.SideClient, se.Side)
	assert.Equal(t, "Product", se.Table)

	assert.Equal(t, clientBefore, storedScope(t, client))
	assert.Equal(t, serverBefore, storedScope(t, server))
	_, ok := client.Get("Product", 7)
	assert.False(t, ok)
	assertNoOpenSessions(t, client, server)

	result = mustSync(t, agent)
	assert.Equal(t, 1, result.Download.TotalApplied())
	assert.Equal(t, "Tube", productName(t, client, 7))
}

func TestSynchronize_FailedClientSaveRestoresServerScope(t *testing.T) {
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())
	mustSync(t, agent)
	clientBefore, serverBefore := storedScope(t, client), storedScope(t, server)
	peersBefore := storedPeers(t, server)
	require.Len(t, peersBefore, 1)

	require.NoError(t, server.Upsert("Product", map[string]any{"ProductID": 7, "Name": "Tube"}))
	require.NoError(t, client.Upsert("Product", map[string]any{"ProductID": 8, "Name": "Pump"}))

	errSave := errors.New("client scope table locked")
	On(agent.Local().Interceptors(), EventScopeSaving, func(context.Context, *ScopeEvent) error {
		return errSave
	})
	_, err := agent.Synchronize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errSave)

	assert.Equal(t, clientBefore, storedScope(t, client))
	serverAfter := storedScope(t, server)
	assert.Equal(t, serverBefore.Version, serverAfter.Version)
	assert.Equal(t, serverBefore.LastLocalTimestamp, serverAfter.LastLocalTimestamp)
	assert.Equal(t, peersBefore, storedPeers(t, server))
	assertNoOpenSessions(t, client, server)

	agent.Local().Interceptors().Clear(EventScopeSaving)
	mustSync(t, agent)
	assert.Equal(t, "Tube", productName(t, client, 7))
	assert.Equal(t, "Pump", productName(t, server, 8))
	assert.Zero(t, mustSync(t, agent).TotalChangesApplied())
}

func TestSynchronize_FailedFirstClientSaveDropsPeer(t *testing.T) {
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())
	On(agent.Local().Interceptors(), EventScopeSaving, func(context.Context, *ScopeEvent) error {
		return errors.New("read-only client")
	})

	_, err := agent.Synchronize(context.Background())
	require.Error(t, err)
	assert.Empty(t, storedPeers(t, server), "a client that never completed is not a known peer")

	agent.Local().Interceptors().Clear(EventScopeSaving)
	mustSync(t, agent)
	assert.Len(t, storedPeers(t, server), 1)
}

func TestSynchronize_TransientFailuresAreRetried(t *testing.T) {
	server, client := newServer(t), newClient(t)
	opts := testOptions()
	opts.MaxRetries = 3
	agent := newAgent(t, client, server, opts)

	var attempts []int
	On(agent.Local().Interceptors(), EventReconnecting, func(_ context.Context, ev *ReconnectEvent) error {
		attempts = append(attempts, ev.Attempt)
		assert.True(t, provider.IsTransient(ev.Err))
		return nil
	})
	client.FailApplies(2, provider.Transientf("connection reset by peer"))

	result := mustSync(t, agent)
	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, 2, result.Download.TotalApplied())
	assert.Equal(t, "Road Bike", productName(t, client, 1))
	assertNoOpenSessions(t, client, server)
}

func TestSynchronize_RetriesExhausted(t *testing.T) {
	server, client := newServer(t), newClient(t)
	opts := testOptions()
	opts.MaxRetries = 1
	agent := newAgent(t, client, server, opts)
	mustSync(t, agent)

	require.NoError(t, server.Upsert("Product", map[string]any{"ProductID": 3, "Name": "Pump"}))
	client.FailApplies(5, provider.Transientf("server closed the connection"))

	_, err := agent.Synchronize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
	assertNoOpenSessions(t, client, server)
}

func TestSynchronize_OpenSessionRetried(t *testing.T) {
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())
	server.FailOpens(1, provider.Transientf("too many connections"))

	mustSync(t, agent)
	assertNoOpenSessions(t, client, server)
}

func TestSynchronize_ConflictPolicies(t *testing.T) {
	testCases := []struct {
		name     string
		policy   model.ConflictPolicy
		expected string
	}{
		{"server wins", model.PolicyServerWins, "server edit"},
		{"client wins", model.PolicyClientWins, "client edit"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server, client := newServer(t), newClient(t)
			opts := testOptions()
			opts.ConflictPolicy = tc.policy
			agent := newAgent(t, client, server, opts)
			mustSync(t, agent)

			var conflicts []model.ConflictType
			On(agent.Remote().Interceptors(), EventRowConflict, func(_ context.Context, ev *RowConflictEvent) error {
				conflicts = append(conflicts, ev.Conflict.Type)
				assert.Equal(t, tc.policy.Resolution(), ev.Resolution)
				return nil
			})
			require.NoError(t, server.Upsert("Product", map[string]any{"ProductID": 1, "Name": "server edit"}))
			require.NoError(t, client.Upsert("Product", map[string]any{"ProductID": 1, "Name": "client edit"}))

			result := mustSync(t, agent)
			assert.Equal(t, []model.ConflictType{model.ConflictUpdateUpdate}, conflicts)
			assert.Equal(t, 1, result.TotalResolvedConflicts())
			assert.Equal(t, tc.expected, productName(t, server, 1))
			assert.Equal(t, tc.expected, productName(t, client, 1))

			result = mustSync(t, agent)
			assert.Zero(t, result.TotalChangesApplied(), "both sides converged")
		})
	}
}

func TestSynchronize_MergeResolution(t *testing.T) {
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())
	mustSync(t, agent)

	On(agent.Remote().Interceptors(), EventRowConflict, func(_ context.Context, ev *RowConflictEvent) error {
		local, err := ev.Conflict.LocalRow.Get("Name")
		if err != nil {
			return err
		}
		remote, err := ev.Conflict.RemoteRow.Get("Name")
		if err != nil {
			return err
		}
		merged := ev.Conflict.RemoteRow.Clone()
		if err := merged.Set("Name", fmt.Sprintf("%v+%v", local, remote)); err != nil {
			return err
		}
		ev.Resolution, ev.MergedRow = model.ResolutionMergeRow, merged
		return nil
	})
	require.NoError(t, server.Upsert("Product", map[string]any{"ProductID": 1, "Name": "S"}))
	require.NoError(t, client.Upsert("Product", map[string]any{"ProductID": 1, "Name": "C"}))

	result := mustSync(t, agent)
	assert.Equal(t, 1, result.Upload.TotalResolvedConflicts())
	assert.Equal(t, "S+C", productName(t, server, 1))
	assert.Equal(t, "S+C", productName(t, client, 1), "the merged row travels back to the client")
}

func TestSynchronize_RollbackResolutionAbortsSession(t *testing.T) {
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())
	mustSync(t, agent)
	serverBefore := storedScope(t, server)

	On(agent.Remote().Interceptors(), EventRowConflict, func(_ context.Context, ev *RowConflictEvent) error {
		ev.Resolution = model.ResolutionRollback
		return nil
	})
	require.NoError(t, server.Upsert("Product", map[string]any{"ProductID": 1, "Name": "server edit"}))
	require.NoError(t, client.Upsert("Product", map[string]any{"ProductID": 1, "Name": "client edit"}))
	require.NoError(t, client.Upsert("Product", map[string]any{"ProductID": 2, "Name": "new"}))

	_, err := agent.Synchronize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflictUnresolved)
	assert.Equal(t, "server edit", productName(t, server, 1))
	assert.Equal(t, serverBefore, storedScope(t, server))
	assertNoOpenSessions(t, client, server)
}

func TestSynchronize_InsertInsertConflict(t *testing.T) {
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())
	mustSync(t, agent)

	var conflict *model.SyncConflict
	On(agent.Remote().Interceptors(), EventRowConflict, func(_ context.Context, ev *RowConflictEvent) error {
		conflict = ev.Conflict
		return nil
	})
	require.NoError(t, server.Upsert("Product", map[string]any{"ProductID": 9, "Name": "server"}))
	require.NoError(t, client.Upsert("Product", map[string]any{"ProductID": 9, "Name": "client"}))

	mustSync(t, agent)
	require.NotNil(t, conflict)
	assert.Equal(t, model.ConflictInsertInsert, conflict.Type)
	assert.Equal(t, "server", productName(t, client, 9))
}

func TestSynchronize_UploadsParentAndChild(t *testing.T) {
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())
	mustSync(t, agent)

	require.NoError(t, client.Upsert("ProductCategory", map[string]any{"ProductCategoryID": "HELMETS", "Name": "Helmets"}))
	require.NoError(t, client.Upsert("Product", map[string]any{"ProductID": 5, "Name": "Aero", "ProductCategoryID": "HELMETS"}))

	result := mustSync(t, agent)
	selected := make(map[string]int)
	for _, tcs := range result.Upload.Selected {
		selected[tcs.TableName] = tcs.TotalChanges()
	}
	assert.Equal(t, map[string]int{"ProductCategory": 1, "Product": 1}, selected)
	assert.Equal(t, map[string]int{"ProductCategory": 1, "Product": 1}, appliedByTable(result.Upload.Applied))
	assert.Zero(t, result.TotalResolvedConflicts())
	assert.Equal(t, "Aero", productName(t, server, 5))

	assert.Zero(t, mustSync(t, agent).TotalChangesSelected())
}

func TestSynchronize_DeletesChildrenFirst(t *testing.T) {
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())
	mustSync(t, agent)

	type applied struct {
		table string
		state model.RowState
	}
	var order []applied
	client.OnApply(func(table *model.SyncTable, row *model.SyncRow) error {
		order = append(order, applied{table.TableName, row.State})
		return nil
	})
	require.NoError(t, server.Delete("Product", 1))
	require.NoError(t, server.Delete("ProductCategory", "BIKES"))
	require.NoError(t, server.Upsert("ProductCategory", map[string]any{"ProductCategoryID": "PARTS", "Name": "Parts"}))
	require.NoError(t, server.Upsert("Product", map[string]any{"ProductID": 2, "Name": "Chain", "ProductCategoryID": "PARTS"}))

	result := mustSync(t, agent)
	assert.Equal(t, []applied{
		{"Product", model.RowDeleted},
		{"ProductCategory", model.RowDeleted},
		{"ProductCategory", model.RowModified},
		{"Product", model.RowModified},
	}, order)
	assert.Equal(t, 4, result.Download.TotalApplied())
	_, ok := client.Get("ProductCategory", "BIKES")
	assert.False(t, ok)
	assert.Equal(t, "Chain", productName(t, client, 2))
}

func TestSynchronize_Directions(t *testing.T) {
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())
	mustSync(t, agent)

	require.NoError(t, client.Upsert("Product", map[string]any{"ProductID": 20, "Name": "from client"}))
	require.NoError(t, server.Upsert("Product", map[string]any{"ProductID": 30, "Name": "from server"}))

	result := mustSync(t, agent, WithDirection(model.DownloadOnly))
	assert.Equal(t, model.DownloadOnly, result.Direction)
	assert.Zero(t, result.Upload.TotalSelected())
	assert.Equal(t, 1, result.Download.TotalApplied())
	_, ok := server.Get("Product", 20)
	assert.False(t, ok)

	// The pending local change survives the download-only session.
	result = mustSync(t, agent, WithDirection(model.UploadOnly))
	assert.Equal(t, 1, result.Upload.TotalApplied())
	assert.Zero(t, result.Download.TotalSelected())
	assert.Equal(t, "from client", productName(t, server, 20))

	result = mustSync(t, agent)
	assert.Zero(t, result.TotalChangesApplied())
}

func TestSynchronize_Reinitialize(t *testing.T) {
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())
	mustSync(t, agent)

	require.NoError(t, client.Upsert("Product", map[string]any{"ProductID": 1, "Name": "local edit"}))
	require.NoError(t, client.Upsert("Product", map[string]any{"ProductID": 50, "Name": "local only"}))

	result := mustSync(t, agent, WithSyncType(model.SyncReinitialize))
	assert.Zero(t, result.Upload.TotalSelected(), "reinitialize does not upload")
	assert.Equal(t, 2, result.Download.TotalApplied())
	assert.Equal(t, "Road Bike", productName(t, client, 1))
	_, ok := client.Get("Product", 50)
	assert.False(t, ok, "local rows are dropped")
	_, ok = server.Get("Product", 50)
	assert.False(t, ok)

	result = mustSync(t, agent)
	assert.Zero(t, result.TotalChangesApplied())
}

func TestSynchronize_ReinitializeWithUpload(t *testing.T) {
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())
	mustSync(t, agent)

	require.NoError(t, client.Upsert("Product", map[string]any{"ProductID": 60, "Name": "kept"}))

	result := mustSync(t, agent, WithSyncType(model.SyncReinitializeWithUpload))
	assert.Equal(t, 1, result.Upload.TotalApplied())
	assert.Equal(t, "kept", productName(t, server, 60))
	assert.Equal(t, "kept", productName(t, client, 60))
	assert.Equal(t, 2, client.Count("Product"))
}

func TestSynchronize_Snapshot(t *testing.T) {
	ctx := context.Background()
	server := newServer(t)
	opts := testOptions()
	opts.SnapshotsDirectory = t.TempDir()
	opts.BatchSize = 1

	first := newAgent(t, newClient(t), server, opts)
	sctx := model.NewSyncContext(testScope, model.SyncNormal, model.Bidirectional).ForSide(model.SideServer)
	schema, err := first.Provision(ctx)
	require.NoError(t, err)
	snapshot, err := first.Remote().CreateSnapshot(ctx, sctx, schema)
	require.NoError(t, err)
	assert.Equal(t, 2, snapshot.Batch.RowsCount)
	assert.Len(t, snapshot.Batch.Parts, 2)

	client := memory.New(t.Name() + "-fresh")
	agent := newAgent(t, client, server, opts)
	result := mustSync(t, agent)
	assert.Equal(t, 2, model.DatabaseChangesApplied{Tables: result.Snapshot}.TotalApplied())
	assert.Zero(t, result.Download.TotalApplied(), "rows covered by the snapshot are not downloaded again")
	assert.Equal(t, "Road Bike", productName(t, client, 1))

	require.NoError(t, server.Upsert("Product", map[string]any{"ProductID": 2, "Name": "after snapshot"}))
	result = mustSync(t, agent)
	assert.Equal(t, 1, result.Download.TotalApplied())
}

func TestSynchronize_SnapshotKeepsNewerTombstones(t *testing.T) {
	ctx := context.Background()
	server := newServer(t)
	opts := testOptions()
	opts.SnapshotsDirectory = t.TempDir()
	opts.CleanMetadata = true

	first := newAgent(t, newClient(t), server, opts)
	sctx := model.NewSyncContext(testScope, model.SyncNormal, model.Bidirectional).ForSide(model.SideServer)
	schema, err := first.Provision(ctx)
	require.NoError(t, err)
	_, err = first.Remote().CreateSnapshot(ctx, sctx, schema)
	require.NoError(t, err)
	mustSync(t, first)

	require.NoError(t, server.Delete("Product", 1))
	require.NoError(t, server.Upsert("Product", map[string]any{"ProductID": 2, "Name": "Helmet"}))
	for i := 0; i < 3; i++ {
		mustSync(t, first)
	}
	info, ok := server.Tracking("Product", 1)
	require.True(t, ok, "the snapshot still carries product 1, so its tombstone stays")
	assert.True(t, info.Tombstone)

	fresh := memory.New(t.Name() + "-fresh")
	mustSync(t, newAgent(t, fresh, server, opts))
	_, ok = fresh.Get("Product", 1)
	assert.False(t, ok, "a row deleted after the snapshot is deleted on a new client")
	assert.Equal(t, "Helmet", productName(t, fresh, 2))
}

func TestSynchronize_ConcurrentSessionRejected(t *testing.T) {
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())

	var nestedErr error
	nested := false
	On(agent.Local().Interceptors(), EventStageEntering, func(ctx context.Context, ev *StageEvent) error {
		if !nested && ev.Stage == model.StageChangesSelecting {
			nested = true
			_, nestedErr = agent.Synchronize(ctx)
		}
		return nil
	})

	mustSync(t, agent)
	assert.ErrorIs(t, nestedErr, ErrSessionInProgress)
	assert.Equal(t, KindConcurrency, KindOf(nestedErr))
	mustSync(t, agent)
}

func TestSynchronize_StageCancelledByInterceptor(t *testing.T) {
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())

	On(agent.Local().Interceptors(), EventStageEntering, func(_ context.Context, ev *StageEvent) error {
		if ev.Stage == model.StageChangesApplying {
			ev.Cancel = true
		}
		return nil
	})

	_, err := agent.Synchronize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, client.Count("Product"))
	assertNoOpenSessions(t, client, server)
}

func TestSynchronize_ContextCancelled(t *testing.T) {
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var ended *SessionEvent
	On(agent.Local().Interceptors(), EventTableChangesApplied, func(context.Context, *TableChangesEvent) error {
		cancel()
		return nil
	})
	On(agent.Local().Interceptors(), EventSessionEnd, func(_ context.Context, ev *SessionEvent) error {
		ended = ev
		return nil
	})

	_, err := agent.Synchronize(ctx)
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
	require.NotNil(t, ended, "session end fires after cancellation")
	assert.ErrorIs(t, ended.Err, ErrCancelled)
	assertNoOpenSessions(t, client, server)

	// Rows applied before the cancellation are applied again without conflicts.
	result := mustSync(t, agent)
	assert.Zero(t, result.TotalResolvedConflicts())
	assert.Equal(t, "Road Bike", productName(t, client, 1))
}

func TestSynchronize_StageOrder(t *testing.T) {
	server, client := newServer(t), newClient(t)
	opts := testOptions()
	opts.CleanMetadata = true
	agent := newAgent(t, client, server, opts)

	record := func(o interface{ Interceptors() *Interceptors }, into *[]model.SyncStage) {
		On(o.Interceptors(), EventStageEntering, func(_ context.Context, ev *StageEvent) error {
			*into = append(*into, ev.Stage)
			return nil
		})
	}
	var clientStages, serverStages []model.SyncStage
	record(agent.Local(), &clientStages)
	record(agent.Remote(), &serverStages)

	mustSync(t, agent)
	assert.Equal(t, []model.SyncStage{
		model.StageBeginSession,
		model.StageScopeLoading,
		model.StageSchemaReading,
		model.StageProvisioning,
		model.StageChangesSelecting,
		model.StageChangesApplying,
		model.StageMetadataCleaning,
		model.StageEndSession,
	}, clientStages)
	assert.Equal(t, []model.SyncStage{
		model.StageBeginSession,
		model.StageScopeLoading,
		model.StageSchemaReading,
		model.StageProvisioning,
		model.StageChangesApplying,
		model.StageChangesSelecting,
		model.StageMetadataCleaning,
		model.StageEndSession,
	}, serverStages)
}

func TestSynchronize_MissingServerTable(t *testing.T) {
	server, client := newServer(t), newClient(t)
	opts := testOptions()
	opts.Tables = append(opts.Tables, model.TableName{Name: "Missing"})
	agent := newAgent(t, client, server, opts)

	_, err := agent.Synchronize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchema)
	var schemaErr *model.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, model.MissingTable, schemaErr.Reason)
}

func TestProvisionAndDeprovision(t *testing.T) {
	ctx := context.Background()
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())

	schema, err := agent.Provision(ctx)
	require.NoError(t, err)
	require.Len(t, schema.Tables, 2)

	sess, err := client.OpenSession(ctx)
	require.NoError(t, err)
	defer sess.Close()
	for _, table := range schema.Tables {
		ok, err := client.ObjectExists(ctx, sess, provider.ObjectTriggers, table)
		require.NoError(t, err)
		assert.True(t, ok, table.TableName)
	}

	// Deprovision works from the saved scope schema.
	mustSync(t, agent)
	require.NoError(t, agent.Deprovision(ctx, true))
	for _, table := range schema.Tables {
		ok, err := client.ObjectExists(ctx, sess, provider.ObjectTrackingTable, table)
		require.NoError(t, err)
		assert.False(t, ok, table.TableName)
		ok, err = client.ObjectExists(ctx, sess, provider.ObjectTable, table)
		require.NoError(t, err)
		assert.True(t, ok, "base tables are kept")
	}
	ok, err := client.ObjectExists(ctx, sess, provider.ObjectScopeTables, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}
