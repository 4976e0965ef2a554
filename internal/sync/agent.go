// internal/sync/agent.go
package sync

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arwahdevops/bisync/internal/metrics"
	"github.com/arwahdevops/bisync/internal/model"
)

// ChangesSummary reports one direction of a session.
type ChangesSummary struct {
	Selected []model.TableChangesSelected
	Applied  []model.TableChangesApplied
}

func (s ChangesSummary) TotalSelected() int {
	return model.DatabaseChangesSelected{Tables: s.Selected}.TotalChanges()
}

func (s ChangesSummary) TotalApplied() int {
	return model.DatabaseChangesApplied{Tables: s.Applied}.TotalApplied()
}

func (s ChangesSummary) TotalResolvedConflicts() int {
	return model.DatabaseChangesApplied{Tables: s.Applied}.TotalResolvedConflicts()
}

// SyncResult is returned by Synchronize.
type SyncResult struct {
	SessionID uuid.UUID
	ScopeName string
	SyncType  model.SyncType
	Direction model.SyncDirection

	StartTime    time.Time
	CompleteTime time.Time

	Upload   ChangesSummary
	Download ChangesSummary
	// Snapshot holds what a bulk initial load applied on the client.
	Snapshot []model.TableChangesApplied

	ClientScope *model.ScopeInfo
	ServerScope *model.ScopeInfo

	ClientMetadataCleaned map[string]int64
	ServerMetadataCleaned map[string]int64
}

func (r *SyncResult) TotalChangesSelected() int {
	return r.Upload.TotalSelected() + r.Download.TotalSelected()
}

func (r *SyncResult) TotalChangesApplied() int {
	return r.Upload.TotalApplied() + r.Download.TotalApplied() +
		model.DatabaseChangesApplied{Tables: r.Snapshot}.TotalApplied()
}

func (r *SyncResult) TotalResolvedConflicts() int {
	return r.Upload.TotalResolvedConflicts() + r.Download.TotalResolvedConflicts()
}

func (r *SyncResult) Duration() time.Duration { return r.CompleteTime.Sub(r.StartTime) }

// SyncOption adjusts a single Synchronize call.
type SyncOption func(*syncRequest)

type syncRequest struct {
	syncType   model.SyncType
	direction  model.SyncDirection
	parameters map[string]any
}

func WithSyncType(t model.SyncType) SyncOption {
	return func(r *syncRequest) { r.syncType = t }
}

func WithDirection(d model.SyncDirection) SyncOption {
	return func(r *syncRequest) { r.direction = d }
}

// WithParameters attaches filter parameters to the session context.
func WithParameters(p map[string]any) SyncOption {
	return func(r *syncRequest) { r.parameters = maps.Clone(p) }
}

// SyncAgent runs sessions between one client and one server.
type SyncAgent struct {
	local   *LocalOrchestrator
	remote  *RemoteOrchestrator
	opts    Options
	metrics *metrics.Store
	logger  *zap.Logger
}

func NewSyncAgent(local *LocalOrchestrator, remote *RemoteOrchestrator, m *metrics.Store, logger *zap.Logger) *SyncAgent {
	return &SyncAgent{
		local:   local,
		remote:  remote,
		opts:    local.Options(),
		metrics: m,
		logger:  logger.Named("sync-agent"),
	}
}

func (a *SyncAgent) Local() *LocalOrchestrator   { return a.local }
func (a *SyncAgent) Remote() *RemoteOrchestrator { return a.remote }

// Synchronize runs one session. Watermarks on both sides are only saved once
// every selection and application of the session succeeded; a failed or
// cancelled session leaves them untouched.
func (a *SyncAgent) Synchronize(ctx context.Context, options ...SyncOption) (*SyncResult, error) {
	req := syncRequest{syncType: model.SyncNormal, direction: model.Bidirectional}
	for _, opt := range options {
		opt(&req)
	}

	lockKey := a.local.Provider().Name() + "_" + a.opts.ScopeName
	release, err := activeSessions.acquire(lockKey, a.opts.BatchDirectory)
	if err != nil {
		return nil, err
	}
	defer release()

	sctx := model.NewSyncContext(a.opts.ScopeName, req.syncType, req.direction)
	sctx.Parameters = req.parameters
	lctx, rctx := sctx.ForSide(model.SideClient), sctx.ForSide(model.SideServer)

	result := &SyncResult{
		SessionID: sctx.SessionID,
		ScopeName: sctx.ScopeName,
		SyncType:  req.syncType,
		Direction: req.direction,
		StartTime: time.Now().UTC(),
	}
	log := a.logger.With(zap.Stringer("session_id", sctx.SessionID), zap.String("scope", sctx.ScopeName))
	log.Info("Starting synchronization session",
		zap.String("sync_type", req.syncType.String()),
		zap.String("direction", req.direction.String()))

	if a.metrics != nil {
		a.metrics.SyncRunning.Set(1)
		defer a.metrics.SyncRunning.Set(0)
	}

	runErr := a.run(ctx, lctx, rctx, result)
	result.CompleteTime = time.Now().UTC()

	// End hooks fire even when the caller cancelled.
	endCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.Go(func() error { return a.local.EndSession(endCtx, lctx, result, runErr) })
	g.Go(func() error { return a.remote.EndSession(endCtx, rctx, result, runErr) })
	endErr := g.Wait()

	outcome := "success"
	switch {
	case runErr != nil && KindOf(runErr) == KindCancelled:
		outcome = "cancelled"
	case runErr != nil:
		outcome = "failure"
	}
	if a.metrics != nil {
		a.metrics.SessionDuration.Observe(result.Duration().Seconds())
		a.metrics.SessionsTotal.WithLabelValues(outcome).Inc()
	}

	if runErr != nil {
		log.Error("Synchronization session failed", zap.String("outcome", outcome), zap.Duration("duration", result.Duration()), zap.Error(runErr))
		return result, runErr
	}
	if endErr != nil {
		log.Error("Failed to end synchronization session", zap.Error(endErr))
		return result, endErr
	}
	log.Info("Synchronization session completed",
		zap.Duration("duration", result.Duration()),
		zap.String("uploaded", humanize.Comma(int64(result.Upload.TotalApplied()))),
		zap.String("downloaded", humanize.Comma(int64(result.Download.TotalApplied()))),
		zap.Int("resolved_conflicts", result.TotalResolvedConflicts()))
	return result, nil
}

func (a *SyncAgent) run(ctx context.Context, lctx, rctx *model.SyncContext, result *SyncResult) error {
	// BeginSession on both sides.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.local.BeginSession(gctx, lctx) })
	g.Go(func() error { return a.remote.BeginSession(gctx, rctx) })
	if err := g.Wait(); err != nil {
		return err
	}

	// ScopeLoading on both sides.
	var clientScope, serverScope *model.ScopeInfo
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		clientScope, err = a.local.LoadScope(gctx, lctx)
		return err
	})
	g.Go(func() (err error) {
		serverScope, err = a.remote.LoadScope(gctx, rctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	// SchemaReading: the server owns the schema, a new client adopts it.
	schema, err := a.remote.GetSchema(ctx, rctx, serverScope)
	if err != nil {
		return err
	}
	serverScope.Schema = schema
	if clientScope.Schema == nil || len(clientScope.Schema.Tables) == 0 {
		clientScope.Schema = schema.CloneSchema()
	}
	if err := a.local.CheckSchema(ctx, lctx, clientScope.Schema, clientScope.IsNewScope); err != nil {
		return err
	}

	// Provisioning on first sync of either side.
	g, gctx = errgroup.WithContext(ctx)
	if serverScope.IsNewScope {
		g.Go(func() error { return a.remote.Provision(gctx, rctx, serverScope.Schema, false) })
	}
	if clientScope.IsNewScope {
		g.Go(func() error { return a.local.Provision(gctx, lctx, clientScope.Schema, true) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	syncType, direction := lctx.SyncType, lctx.Direction
	serverSince := clientScope.LastServerSyncTimestamp
	if syncType != model.SyncNormal {
		serverSince = 0
	}

	// Bulk initial load of a new client.
	if clientScope.IsNewScope && syncType == model.SyncNormal && direction != model.UploadOnly {
		snapshot, err := a.remote.GetSnapshot(ctx, a.opts.ScopeName)
		if err != nil {
			return wrapErr(err, model.StageSnapshotApplying, model.SideServer, "")
		}
		if snapshot != nil {
			applied, err := a.local.ApplySnapshot(ctx, lctx, snapshot, clientScope.Schema, serverScope.ID)
			result.Snapshot = applied
			if err != nil {
				return err
			}
			serverSince = max(serverSince, snapshot.Batch.Timestamp)
		}
	}

	// Upload.
	localUpto := clientScope.LastLocalTimestamp
	uploaded := false
	if direction != model.DownloadOnly && syncType != model.SyncReinitialize {
		changes, err := a.local.GetChanges(ctx, lctx, clientScope.Schema, clientScope.LastLocalTimestamp, serverScope.ID)
		if err != nil {
			return err
		}
		defer a.local.cleanupBatch(changes.Batch)
		result.Upload.Selected = changes.Selected
		localUpto = changes.Timestamp

		applied, err := a.remote.ApplyChanges(ctx, rctx, ApplyRequest{
			Batch:           changes.Batch,
			Schema:          serverScope.Schema,
			SenderScopeID:   clientScope.ID,
			ExpectedVersion: clientScope.LastServerSyncTimestamp,
			Policy:          a.opts.ConflictPolicy,
		})
		result.Upload.Applied = applied
		if err != nil {
			return err
		}
		uploaded = true
	}

	// Download.
	serverUpto := clientScope.LastServerSyncTimestamp
	localWatermark := localUpto
	if direction != model.UploadOnly {
		// A reinitialization resends every row, including those the client uploaded.
		exclude := clientScope.ID
		if syncType != model.SyncNormal {
			exclude = uuid.Nil
		}
		changes, err := a.remote.GetChanges(ctx, rctx, serverScope.Schema, serverSince, exclude)
		if err != nil {
			return err
		}
		defer a.remote.cleanupBatch(changes.Batch)
		result.Download.Selected = changes.Selected
		serverUpto = changes.Timestamp

		expected := clientScope.LastLocalTimestamp
		if uploaded {
			expected = localUpto
		}
		applied, err := a.local.ApplyChanges(ctx, lctx, ApplyRequest{
			Batch:           changes.Batch,
			Schema:          clientScope.Schema,
			SenderScopeID:   serverScope.ID,
			ExpectedVersion: expected,
			Policy:          a.opts.ConflictPolicy,
			ResetTables:     syncType != model.SyncNormal,
		})
		result.Download.Applied = applied
		if err != nil {
			return err
		}
		if localWatermark, err = a.local.SettleWatermark(ctx, lctx, clientScope.Schema, localUpto, serverScope.ID); err != nil {
			return err
		}
	}

	// The server is saved first and put back when the client save fails, so
	// a failed session leaves both scopes as they were.
	if err := checkCtx(ctx, lctx.Stage, model.SideClient); err != nil {
		return err
	}
	touch(serverScope, result.StartTime)
	serverScope.LastLocalTimestamp = max(serverScope.LastLocalTimestamp, serverUpto)
	serverPeer := &model.PeerScope{ScopeName: serverScope.Name, PeerScopeID: clientScope.ID, LastSyncTimestamp: serverUpto, LastSync: serverScope.LastSync}
	undoServer, err := a.remote.saveScope(ctx, rctx, serverScope, serverPeer)
	if err != nil {
		return a.restoreServer(ctx, undoServer, err)
	}

	touch(clientScope, result.StartTime)
	clientScope.LastLocalTimestamp = max(clientScope.LastLocalTimestamp, localWatermark)
	clientScope.LastServerSyncTimestamp = max(clientScope.LastServerSyncTimestamp, serverUpto)
	if syncType != model.SyncNormal {
		clientScope.LastServerSyncTimestamp = serverUpto
	}
	clientPeer := &model.PeerScope{ScopeName: clientScope.Name, PeerScopeID: serverScope.ID, LastSyncTimestamp: clientScope.LastLocalTimestamp, LastSync: clientScope.LastSync}
	if err := a.local.SaveScope(ctx, lctx, clientScope, clientPeer); err != nil {
		return a.restoreServer(ctx, undoServer, err)
	}
	result.ClientScope, result.ServerScope = clientScope.Clone(), serverScope.Clone()

	if a.opts.CleanMetadata {
		if result.ServerMetadataCleaned, err = a.remote.CleanMetadata(ctx, rctx, serverScope.Schema); err != nil {
			return err
		}
		if result.ClientMetadataCleaned, err = a.local.CleanMetadata(ctx, lctx, clientScope.Schema); err != nil {
			return err
		}
	}
	return nil
}

// restoreServer undoes a server scope save and returns cause. The restore
// runs even when the caller cancelled.
func (a *SyncAgent) restoreServer(ctx context.Context, undo scopeUndo, cause error) error {
	if undo == nil {
		return cause
	}
	if err := undo(context.WithoutCancel(ctx)); err != nil {
		a.logger.Error("Server scope left ahead of the client", zap.Error(err))
		return multierr.Append(cause, err)
	}
	return cause
}

// Provision prepares both sides without moving any data.
func (a *SyncAgent) Provision(ctx context.Context) (*model.SyncSet, error) {
	sctx := model.NewSyncContext(a.opts.ScopeName, model.SyncNormal, model.Bidirectional)
	lctx, rctx := sctx.ForSide(model.SideClient), sctx.ForSide(model.SideServer)
	serverScope, err := a.remote.LoadScope(ctx, rctx)
	if err != nil {
		return nil, err
	}
	schema, err := a.remote.GetSchema(ctx, rctx, serverScope)
	if err != nil {
		return nil, err
	}
	if err := a.remote.Provision(ctx, rctx, schema, false); err != nil {
		return nil, err
	}
	if err := a.local.Provision(ctx, lctx, schema, true); err != nil {
		return nil, err
	}
	return schema, nil
}

// Deprovision removes tracking objects from both sides. Base tables and
// their rows are kept.
func (a *SyncAgent) Deprovision(ctx context.Context, dropScopeTables bool) error {
	sctx := model.NewSyncContext(a.opts.ScopeName, model.SyncNormal, model.Bidirectional)
	lctx, rctx := sctx.ForSide(model.SideClient), sctx.ForSide(model.SideServer)
	var errs error
	for _, side := range []struct {
		o   *orchestrator
		ctx *model.SyncContext
	}{{a.local.orchestrator, lctx}, {a.remote.orchestrator, rctx}} {
		scope, err := side.o.LoadScope(ctx, side.ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if scope.Schema == nil {
			a.logger.Info("Nothing to deprovision", zap.String("side", side.o.side.String()))
			continue
		}
		errs = multierr.Append(errs, side.o.Deprovision(ctx, side.ctx, scope.Schema, dropScopeTables))
	}
	if errs != nil {
		return fmt.Errorf("deprovision failed: %w", errs)
	}
	return nil
}
