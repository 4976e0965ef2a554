// internal/sync/orchestrator_base.go
package sync

import (
	"context"
	"math"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arwahdevops/bisync/internal/batch"
	"github.com/arwahdevops/bisync/internal/metrics"
	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider"
)

// sessionMode tells runStage what the stage needs from the provider.
type sessionMode int

const (
	noSession sessionMode = iota
	withSession
	withTx
)

// ChangesSet is the outcome of a selection stage.
type ChangesSet struct {
	Batch    *model.BatchInfo
	Selected []model.TableChangesSelected
	// Timestamp is the upper bound of the selection in the selecting side's clock.
	Timestamp int64
}

// orchestrator holds what the local and remote orchestrators share: the
// stage runner, scope handling, selection, application and cleanup.
type orchestrator struct {
	provider     provider.Provider
	side         model.Side
	opts         Options
	interceptors *Interceptors
	metrics      *metrics.Store
	logger       *zap.Logger

	scopes   *ScopeManager
	selector *ChangesSelector
}

func newOrchestrator(p provider.Provider, side model.Side, opts Options, m *metrics.Store, logger *zap.Logger) *orchestrator {
	log := logger.Named(side.String() + "-orchestrator").With(zap.String("provider", p.Name()))
	interceptors := NewInterceptors()
	return &orchestrator{
		provider:     p,
		side:         side,
		opts:         opts.withDefaults(),
		interceptors: interceptors,
		metrics:      m,
		logger:       log,
		scopes:       NewScopeManager(p, side, m, log),
		selector:     NewChangesSelector(p, side, interceptors, m, log),
	}
}

// Interceptors is the callback registry of this orchestrator.
func (o *orchestrator) Interceptors() *Interceptors { return o.interceptors }

func (o *orchestrator) Provider() provider.Provider { return o.provider }

func (o *orchestrator) Side() model.Side { return o.side }

func (o *orchestrator) Options() Options { return o.opts }

// retrierFor builds the reconnect loop of one session. Each wait is
// announced through a ReconnectEvent.
func (o *orchestrator) retrierFor(sctx *model.SyncContext) retrier {
	return retrier{
		maxRetries: o.opts.MaxRetries,
		newBackOff: o.opts.NewBackOff,
		notify: func(ctx context.Context, attempt int, wait time.Duration, err error) error {
			o.logger.Warn("Transient failure, retrying",
				zap.String("stage", sctx.Stage.String()),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
			if o.metrics != nil {
				o.metrics.ReconnectAttempts.WithLabelValues(o.side.String()).Inc()
			}
			return o.interceptors.Publish(ctx, &ReconnectEvent{Context: sctx, Side: o.side, Attempt: attempt, Wait: wait, Err: err})
		},
	}
}

func (o *orchestrator) newApplier(sctx *model.SyncContext) *ChangesApplier {
	return NewChangesApplier(o.provider, o.side, o.interceptors, o.metrics, o.retrierFor(sctx), o.logger)
}

// runStage enters stage, runs fn with a session as requested by mode and
// publishes the stage events around it. Transient failures reopen the
// session and rerun fn.
func (o *orchestrator) runStage(ctx context.Context, sctx *model.SyncContext, stage model.SyncStage, mode sessionMode, fn func(ctx context.Context, sess provider.StoreSession) error) (err error) {
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.StageDuration.WithLabelValues(o.side.String(), stage.String()).Observe(time.Since(start).Seconds())
			if err != nil {
				o.metrics.SyncErrorsTotal.WithLabelValues(string(KindOf(err)), o.side.String()).Inc()
			}
		}
	}()

	if err := checkCtx(ctx, stage, o.side); err != nil {
		return err
	}
	sctx.Stage = stage

	entering := &StageEvent{kind: EventStageEntering, Context: sctx, Side: o.side, Stage: stage}
	if err := o.interceptors.Publish(ctx, entering); err != nil {
		return wrapErr(err, stage, o.side, "")
	}
	if entering.Cancel {
		return &SyncError{Kind: KindCancelled, Stage: stage, Side: o.side, Err: errStageVetoed}
	}

	if mode != noSession {
		err = o.retrierFor(sctx).do(ctx, func() error {
			return o.inSession(ctx, stage, mode == withTx, fn)
		})
	} else if fn != nil {
		err = fn(ctx, nil)
	}
	if err != nil {
		return wrapErr(err, stage, o.side, "")
	}

	o.logger.Debug("Stage completed", zap.String("stage", stage.String()), zap.Duration("duration", time.Since(start)))
	return wrapErr(o.interceptors.Publish(ctx, &StageEvent{kind: EventStageEntered, Context: sctx, Side: o.side, Stage: stage}), stage, o.side, "")
}

// inSession opens a session, optionally inside a transaction, and always
// releases it. A cancellation seen before commit rolls everything back.
func (o *orchestrator) inSession(ctx context.Context, stage model.SyncStage, useTx bool, fn func(ctx context.Context, sess provider.StoreSession) error) (err error) {
	sess, err := o.provider.OpenSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to open %s session: %w", o.side, err)
	}
	defer func() {
		var cleanup error
		if sess.InTx() {
			cleanup = multierr.Append(cleanup, sess.Rollback())
		}
		cleanup = multierr.Append(cleanup, sess.Close())
		if cleanup == nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("failed to release session: %w", cleanup)
			return
		}
		o.logger.Warn("Error releasing session after failure", zap.String("stage", stage.String()), zap.Error(cleanup))
	}()

	if err := checkCtx(ctx, stage, o.side); err != nil {
		return err
	}
	if useTx {
		if err := sess.BeginTx(ctx); err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
	}
	if err := fn(ctx, sess); err != nil {
		return err
	}
	if !useTx {
		return nil
	}
	if err := checkCtx(ctx, stage, o.side); err != nil {
		return err
	}
	if err := sess.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// BeginSession opens the session on this side and checks the store is
// reachable.
func (o *orchestrator) BeginSession(ctx context.Context, sctx *model.SyncContext) error {
	if err := o.interceptors.Publish(ctx, &SessionEvent{kind: EventSessionBegin, Context: sctx}); err != nil {
		return wrapErr(err, model.StageBeginSession, o.side, "")
	}
	return o.runStage(ctx, sctx, model.StageBeginSession, withSession, func(context.Context, provider.StoreSession) error {
		o.logger.Info("Sync session started",
			zap.Stringer("session_id", sctx.SessionID),
			zap.String("scope", sctx.ScopeName),
			zap.String("sync_type", sctx.SyncType.String()),
			zap.String("direction", sctx.Direction.String()))
		return nil
	})
}

// EndSession closes the session on this side. It runs even after a failed
// session so SessionEnd callbacks always fire.
func (o *orchestrator) EndSession(ctx context.Context, sctx *model.SyncContext, result *SyncResult, sessionErr error) error {
	err := o.runStage(ctx, sctx, model.StageEndSession, noSession, nil)
	pubErr := o.interceptors.Publish(ctx, &SessionEvent{kind: EventSessionEnd, Context: sctx, Result: result, Err: sessionErr})
	return multierr.Append(err, wrapErr(pubErr, model.StageEndSession, o.side, ""))
}

// LoadScope reads the scope named in sctx, creating the scope tables on
// first use.
func (o *orchestrator) LoadScope(ctx context.Context, sctx *model.SyncContext) (*model.ScopeInfo, error) {
	var scope *model.ScopeInfo
	err := o.runStage(ctx, sctx, model.StageScopeLoading, withTx, func(ctx context.Context, sess provider.StoreSession) error {
		if _, err := o.scopes.EnsureScopeTables(ctx, sess); err != nil {
			return err
		}
		loading := &ScopeEvent{kind: EventScopeLoading, Context: sctx, Side: o.side, Name: sctx.ScopeName}
		if err := o.interceptors.Publish(ctx, loading); err != nil {
			return err
		}
		if loading.Cancel {
			return errStageVetoed
		}
		s, err := o.scopes.LoadScope(ctx, sess, sctx.ScopeName)
		if err != nil {
			return err
		}
		scope = s
		return o.interceptors.Publish(ctx, &ScopeEvent{kind: EventScopeLoaded, Context: sctx, Side: o.side, Name: s.Name, Scope: s})
	})
	if err != nil {
		return nil, err
	}
	return scope, nil
}

// SaveScope stores scope and, when given, the peer record in one
// transaction. It runs inside the current stage.
func (o *orchestrator) SaveScope(ctx context.Context, sctx *model.SyncContext, scope *model.ScopeInfo, peer *model.PeerScope) error {
	_, err := o.saveScope(ctx, sctx, scope, peer)
	return err
}

// scopeUndo puts back the scope and peer records a save replaced.
type scopeUndo func(ctx context.Context) error

// saveScope is SaveScope returning an undo of the save. The undo is nil when
// nothing was written.
func (o *orchestrator) saveScope(ctx context.Context, sctx *model.SyncContext, scope *model.ScopeInfo, peer *model.PeerScope) (scopeUndo, error) {
	if err := checkCtx(ctx, sctx.Stage, o.side); err != nil {
		return nil, err
	}
	saving := &ScopeEvent{kind: EventScopeSaving, Context: sctx, Side: o.side, Name: scope.Name, Scope: scope}
	if err := o.interceptors.Publish(ctx, saving); err != nil {
		return nil, wrapErr(err, sctx.Stage, o.side, "")
	}
	if saving.Cancel {
		o.logger.Info("Scope save skipped by interceptor", zap.String("scope", scope.Name))
		return nil, nil
	}
	var prevScope *model.ScopeInfo
	var prevPeer *model.PeerScope
	err := o.retrierFor(sctx).do(ctx, func() error {
		return o.inSession(ctx, sctx.Stage, true, func(ctx context.Context, sess provider.StoreSession) error {
			var err error
			if prevScope, err = o.provider.GetScopeInfo(ctx, sess, scope.Name); err != nil {
				return err
			}
			if peer != nil {
				if prevPeer, err = o.peerRecord(ctx, sess, peer); err != nil {
					return err
				}
				if err := o.scopes.SavePeer(ctx, sess, peer); err != nil {
					return err
				}
			}
			return o.scopes.SaveScope(ctx, sess, scope)
		})
	})
	if err != nil {
		return nil, wrapErr(err, sctx.Stage, o.side, "")
	}
	saved := scope.Clone()
	undo := func(ctx context.Context) error {
		return o.restoreScope(ctx, sctx, saved, prevScope, peer, prevPeer)
	}
	return undo, wrapErr(o.interceptors.Publish(ctx, &ScopeEvent{kind: EventScopeSaved, Context: sctx, Side: o.side, Name: scope.Name, Scope: scope}), sctx.Stage, o.side, "")
}

func (o *orchestrator) peerRecord(ctx context.Context, sess provider.StoreSession, peer *model.PeerScope) (*model.PeerScope, error) {
	peers, err := o.provider.GetPeerScopes(ctx, sess, peer.ScopeName)
	if err != nil {
		return nil, err
	}
	for _, p := range peers {
		if p.PeerScopeID == peer.PeerScopeID {
			return p, nil
		}
	}
	return nil, nil
}

// restoreScope writes prev back over saved, version included, and resets
// the peer record to prevPeer or removes it when there was none.
func (o *orchestrator) restoreScope(ctx context.Context, sctx *model.SyncContext, saved, prev *model.ScopeInfo, peer, prevPeer *model.PeerScope) error {
	err := o.retrierFor(sctx).do(ctx, func() error {
		return o.inSession(ctx, sctx.Stage, true, func(ctx context.Context, sess provider.StoreSession) error {
			if peer != nil {
				var err error
				if prevPeer != nil {
					err = o.provider.SavePeerScope(ctx, sess, prevPeer)
				} else {
					err = o.provider.DeletePeerScope(ctx, sess, peer.ScopeName, peer.PeerScopeID)
				}
				if err != nil {
					return err
				}
			}
			if prev == nil {
				return nil
			}
			return o.provider.SaveScopeInfo(ctx, sess, prev, saved.Version)
		})
	})
	if err != nil {
		return wrapErr(fmt.Errorf("failed to restore scope %s: %w", saved.Name, err), sctx.Stage, o.side, "")
	}
	o.logger.Warn("Scope restored after a failed session",
		zap.String("scope", saved.Name),
		zap.Int64("version", saved.Version))
	return nil
}

// Provision creates what change tracking needs for every table of schema,
// parents first. createTables also creates missing base tables. Objects that
// already exist are left alone.
func (o *orchestrator) Provision(ctx context.Context, sctx *model.SyncContext, schema *model.SyncSet, createTables bool) error {
	kinds := []provider.ObjectKind{provider.ObjectTrackingTable, provider.ObjectTriggers}
	if createTables {
		kinds = append([]provider.ObjectKind{provider.ObjectTable}, kinds...)
	}
	return o.runStage(ctx, sctx, model.StageProvisioning, withTx, func(ctx context.Context, sess provider.StoreSession) error {
		if _, err := o.scopes.EnsureScopeTables(ctx, sess); err != nil {
			return err
		}
		ordered, err := orderTables(schema)
		if err != nil {
			return err
		}
		for _, table := range ordered {
			for _, kind := range kinds {
				if err := o.provisionObject(ctx, sctx, sess, table, kind); err != nil {
					return fmt.Errorf("failed to provision %s of %s: %w", kind, table.FullName(), err)
				}
			}
		}
		return nil
	})
}

func (o *orchestrator) provisionObject(ctx context.Context, sctx *model.SyncContext, sess provider.StoreSession, table *model.SyncTable, kind provider.ObjectKind) error {
	exists, err := o.provider.ObjectExists(ctx, sess, kind, table)
	if err != nil || exists {
		return err
	}
	before := &LifecycleEvent[*model.SyncTable]{Context: sctx, Side: o.side, Phase: PhaseBefore, Action: ActionCreate, ObjectKind: kind, Object: table}
	if err := o.interceptors.Publish(ctx, before); err != nil {
		return err
	}
	if before.Cancel {
		o.logger.Info("Object creation skipped by interceptor", zap.String("table", table.FullName()), zap.String("object", kind.String()))
		return nil
	}
	if err := o.provider.CreateObject(ctx, sess, kind, table); err != nil {
		return err
	}
	o.logger.Info("Object created", zap.String("table", table.FullName()), zap.String("object", kind.String()))
	return o.interceptors.Publish(ctx, &LifecycleEvent[*model.SyncTable]{Context: sctx, Side: o.side, Phase: PhaseAfter, Action: ActionCreate, ObjectKind: kind, Object: table})
}

// Deprovision drops triggers and tracking tables of schema, children first.
// dropScopeTables also drops the scope records. Base tables are kept.
func (o *orchestrator) Deprovision(ctx context.Context, sctx *model.SyncContext, schema *model.SyncSet, dropScopeTables bool) error {
	return o.runStage(ctx, sctx, model.StageDeprovisioning, withTx, func(ctx context.Context, sess provider.StoreSession) error {
		ordered, err := orderTables(schema)
		if err != nil {
			return err
		}
		for _, table := range reversed(ordered) {
			for _, kind := range []provider.ObjectKind{provider.ObjectTriggers, provider.ObjectTrackingTable} {
				if err := o.dropObject(ctx, sctx, sess, table, kind); err != nil {
					return fmt.Errorf("failed to drop %s of %s: %w", kind, table.FullName(), err)
				}
			}
		}
		if !dropScopeTables {
			return nil
		}
		return o.dropObject(ctx, sctx, sess, nil, provider.ObjectScopeTables)
	})
}

func (o *orchestrator) dropObject(ctx context.Context, sctx *model.SyncContext, sess provider.StoreSession, table *model.SyncTable, kind provider.ObjectKind) error {
	exists, err := o.provider.ObjectExists(ctx, sess, kind, table)
	if err != nil || !exists {
		return err
	}
	before := &LifecycleEvent[*model.SyncTable]{Context: sctx, Side: o.side, Phase: PhaseBefore, Action: ActionDrop, ObjectKind: kind, Object: table}
	if err := o.interceptors.Publish(ctx, before); err != nil {
		return err
	}
	if before.Cancel {
		return nil
	}
	if err := o.provider.DropObject(ctx, sess, kind, table); err != nil {
		return err
	}
	return o.interceptors.Publish(ctx, &LifecycleEvent[*model.SyncTable]{Context: sctx, Side: o.side, Phase: PhaseAfter, Action: ActionDrop, ObjectKind: kind, Object: table})
}

// GetChanges selects rows of schema changed after since and not written by
// exclude. The upper bound is read from the clock inside the same
// transaction as the selection.
func (o *orchestrator) GetChanges(ctx context.Context, sctx *model.SyncContext, schema *model.SyncSet, since int64, exclude uuid.UUID) (*ChangesSet, error) {
	var out *ChangesSet
	err := o.runStage(ctx, sctx, model.StageChangesSelecting, withTx, func(ctx context.Context, sess provider.StoreSession) error {
		upto, err := o.provider.GetLocalTimestamp(ctx, sess)
		if err != nil {
			return fmt.Errorf("failed to read local timestamp: %w", err)
		}
		info, selected, err := o.selector.SelectChanges(ctx, sctx, sess, SelectRequest{
			Schema:         schema,
			Since:          since,
			Upto:           upto,
			Exclude:        exclude,
			BatchSize:      o.opts.BatchSize,
			BatchDirectory: o.opts.BatchDirectory,
			BatchName:      fmt.Sprintf("%s_%s_%s", sctx.ScopeName, o.side, sctx.SessionID),
		})
		if err != nil {
			return err
		}
		if out != nil {
			// Earlier attempt of a retried stage.
			_ = batch.Cleanup(out.Batch)
		}
		out = &ChangesSet{Batch: info, Selected: selected, Timestamp: upto}
		return nil
	})
	if err != nil {
		if out != nil {
			_ = batch.Cleanup(out.Batch)
		}
		return nil, err
	}
	return out, nil
}

// EstimateChanges counts pending changes without building a batch.
func (o *orchestrator) EstimateChanges(ctx context.Context, sctx *model.SyncContext, schema *model.SyncSet, since int64, exclude uuid.UUID) ([]model.TableChangesSelected, error) {
	var out []model.TableChangesSelected
	err := o.inSession(ctx, model.StageChangesSelecting, false, func(ctx context.Context, sess provider.StoreSession) error {
		upto, err := o.provider.GetLocalTimestamp(ctx, sess)
		if err != nil {
			return err
		}
		ordered, err := orderTables(schema)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, table := range ordered {
			tcs := model.TableChangesSelected{SchemaName: table.SchemaName, TableName: table.TableName}
			for row, err := range o.provider.SelectChanges(ctx, sess, table, since, upto, exclude) {
				if err != nil {
					return err
				}
				if row.State == model.RowDeleted {
					tcs.Deletes++
				} else {
					tcs.Upserts++
				}
			}
			out = append(out, tcs)
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr(err, model.StageChangesSelecting, o.side, "")
	}
	return out, nil
}

// ApplyChanges applies a batch received from the peer. The applier runs its
// own transaction per table and part, so the stage holds a plain session.
func (o *orchestrator) ApplyChanges(ctx context.Context, sctx *model.SyncContext, req ApplyRequest) ([]model.TableChangesApplied, error) {
	applier := o.newApplier(sctx)
	var applied []model.TableChangesApplied
	err := o.runStage(ctx, sctx, model.StageChangesApplying, withSession, func(ctx context.Context, sess provider.StoreSession) error {
		res, err := applier.ApplyChanges(ctx, sctx, sess, req)
		applied = res
		return err
	})
	return applied, err
}

// CleanMetadata purges tombstones every known peer has observed. Nothing is
// purged while no peer is known.
func (o *orchestrator) CleanMetadata(ctx context.Context, sctx *model.SyncContext, schema *model.SyncSet) (map[string]int64, error) {
	return o.cleanMetadata(ctx, sctx, schema, math.MaxInt64)
}

// cleanMetadata purges tombstones below the smallest peer timestamp, never
// above horizon.
func (o *orchestrator) cleanMetadata(ctx context.Context, sctx *model.SyncContext, schema *model.SyncSet, horizon int64) (map[string]int64, error) {
	var cleaned map[string]int64
	err := o.runStage(ctx, sctx, model.StageMetadataCleaning, withTx, func(ctx context.Context, sess provider.StoreSession) error {
		minTs, ok, err := o.scopes.MinPeerTimestamp(ctx, sess, sctx.ScopeName)
		if err != nil {
			return err
		}
		if !ok {
			o.logger.Info("No peer scope known yet, keeping all tombstones", zap.String("scope", sctx.ScopeName))
			cleaned = map[string]int64{}
			return nil
		}
		if horizon < minTs {
			o.logger.Debug("Tombstone purge bounded by horizon", zap.Int64("min_peer_timestamp", minTs), zap.Int64("horizon", horizon))
			minTs = horizon
		}
		cleaning := &MetadataCleanEvent{kind: EventMetadataCleaning, Context: sctx, Side: o.side, MinTimestamp: minTs}
		if err := o.interceptors.Publish(ctx, cleaning); err != nil {
			return err
		}
		if cleaning.Cancel {
			cleaned = map[string]int64{}
			return nil
		}
		cleaned, err = o.scopes.CleanMetadata(ctx, sess, schema, minTs)
		if err != nil {
			return err
		}
		return o.interceptors.Publish(ctx, &MetadataCleanEvent{kind: EventMetadataCleaned, Context: sctx, Side: o.side, MinTimestamp: minTs, Cleaned: cleaned})
	})
	if err != nil {
		return nil, err
	}
	return cleaned, nil
}

// verifySchema checks every table and column of expected exists in actual.
func verifySchema(expected, actual *model.SyncSet) error {
	var errs error
	for _, want := range expected.Tables {
		got := actual.Lookup(want.Name())
		if got == nil {
			errs = multierr.Append(errs, &model.SchemaError{Reason: model.MissingTable, Table: want.FullName()})
			continue
		}
		if len(got.PrimaryKeys) == 0 {
			errs = multierr.Append(errs, &model.SchemaError{Reason: model.MissingPrimaryKey, Table: want.FullName()})
		}
		for _, col := range want.Columns {
			if got.Column(col.Name) == nil {
				errs = multierr.Append(errs, &model.SchemaError{Reason: model.MissingColumn, Table: want.FullName(), Column: col.Name})
			}
		}
	}
	return errs
}

// cleanupBatch removes an on-disk batch unless batches are kept.
func (o *orchestrator) cleanupBatch(info *model.BatchInfo) {
	if info == nil || info.InMemory || o.opts.KeepBatches {
		return
	}
	if err := batch.Cleanup(info); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Warn("Failed to remove batch directory", zap.String("batch", info.DirectoryName), zap.Error(err))
	}
}
