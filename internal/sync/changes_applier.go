// internal/sync/changes_applier.go
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arwahdevops/bisync/internal/batch"
	"github.com/arwahdevops/bisync/internal/metrics"
	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider"
)

// ApplyRequest describes a batch received from the peer.
type ApplyRequest struct {
	Batch  *model.BatchInfo
	Schema *model.SyncSet
	// SenderScopeID is the peer scope; rows it already wrote are not conflicts.
	SenderScopeID uuid.UUID
	// ExpectedVersion is the local clock value the peer last synchronized with.
	ExpectedVersion int64
	Policy          model.ConflictPolicy
	// Force skips conflict detection (snapshot loads).
	Force bool
	// ResetTables empties every table before applying. The reset and the
	// whole batch then share a single transaction.
	ResetTables bool
}

// ChangesApplier writes a batch to the local provider: deletes child to
// parent, then upserts parent to child, one transaction per table and part.
type ChangesApplier struct {
	provider     provider.Provider
	side         model.Side
	interceptors *Interceptors
	metrics      *metrics.Store
	retry        retrier
	logger       *zap.Logger
}

func NewChangesApplier(p provider.Provider, side model.Side, interceptors *Interceptors, m *metrics.Store, retry retrier, logger *zap.Logger) *ChangesApplier {
	return &ChangesApplier{
		provider:     p,
		side:         side,
		interceptors: interceptors,
		metrics:      m,
		retry:        retry,
		logger:       logger.Named("changes-applier"),
	}
}

type conflictAction int

const (
	keepExisting conflictAction = iota
	applyIncoming
	applyMerged
	abortBatch
)

// actionFor maps a resolution onto this side. ServerWins keeps the row held
// by the server: on the server that is the existing row, on the client the
// incoming one.
func actionFor(res model.ConflictResolution, side model.Side) conflictAction {
	switch res {
	case model.ResolutionServerWins:
		if side == model.SideServer {
			return keepExisting
		}
		return applyIncoming
	case model.ResolutionClientWins:
		if side == model.SideServer {
			return applyIncoming
		}
		return keepExisting
	case model.ResolutionMergeRow:
		return applyMerged
	default:
		return abortBatch
	}
}

// partCache keeps the most recently loaded part.
type partCache struct {
	index int
	data  *model.SyncSet
}

func (c *partCache) load(info *model.BatchInfo, part *model.BatchPartInfo, schema *model.SyncSet) (*model.SyncSet, error) {
	if c.data != nil && c.index == part.Index {
		return c.data, nil
	}
	data, err := batch.LoadPart(info, part, schema)
	if err != nil {
		return nil, err
	}
	c.index, c.data = part.Index, data
	return data, nil
}

// ApplyChanges applies req.Batch. It returns one entry per table and row
// state present in the batch.
func (a *ChangesApplier) ApplyChanges(ctx context.Context, sctx *model.SyncContext, sess provider.StoreSession, req ApplyRequest) (results []model.TableChangesApplied, err error) {
	hasData := req.Batch != nil && len(req.Batch.Parts) > 0
	if !hasData && !req.ResetTables {
		return nil, nil
	}
	ordered, err := orderTables(req.Schema)
	if err != nil {
		return nil, err
	}

	if req.ResetTables {
		if err := sess.BeginTx(ctx); err != nil {
			return nil, wrapErr(fmt.Errorf("failed to begin transaction: %w", err), model.StageChangesApplying, a.side, "")
		}
		defer func() {
			if err == nil {
				if cerr := sess.Commit(ctx); cerr != nil {
					err = wrapErr(fmt.Errorf("failed to commit: %w", cerr), model.StageChangesApplying, a.side, "")
				}
			}
			if err != nil && sess.InTx() {
				err = multierr.Append(err, sess.Rollback())
				results = nil
			}
		}()
		for _, table := range reversed(ordered) {
			if err := a.provider.ResetTable(ctx, sess, table); err != nil {
				return nil, wrapErr(fmt.Errorf("failed to reset table: %w", err), model.StageChangesApplying, a.side, table.FullName())
			}
		}
		a.logger.Info("Tables reset before reinitialization", zap.Int("tables", len(ordered)))
	}
	if !hasData {
		return nil, nil
	}

	cache := &partCache{}
	passes := []struct {
		state  model.RowState
		tables []*model.SyncTable
	}{
		{model.RowDeleted, reversed(ordered)},
		{model.RowModified, ordered},
	}
	for _, pass := range passes {
		for _, table := range pass.tables {
			tca, touched, err := a.applyTable(ctx, sctx, sess, cache, table, pass.state, req)
			if touched {
				results = append(results, tca)
			}
			if err != nil {
				return results, wrapErr(err, model.StageChangesApplying, a.side, table.FullName())
			}
		}
	}
	return results, nil
}

func (a *ChangesApplier) applyTable(ctx context.Context, sctx *model.SyncContext, sess provider.StoreSession, cache *partCache, table *model.SyncTable, state model.RowState, req ApplyRequest) (model.TableChangesApplied, bool, error) {
	tca := model.TableChangesApplied{SchemaName: table.SchemaName, TableName: table.TableName, State: state}
	touched := false

	for _, part := range req.Batch.Parts {
		if !part.HasTable(table.Name()) {
			continue
		}
		if err := checkCtx(ctx, model.StageChangesApplying, a.side); err != nil {
			return tca, touched, err
		}
		data, err := cache.load(req.Batch, part, req.Schema)
		if err != nil {
			return tca, touched, err
		}
		partTable := data.Lookup(table.Name())
		if partTable == nil {
			continue
		}
		var rows []*model.SyncRow
		for _, r := range partTable.Rows {
			if r.State == state {
				rows = append(rows, r)
			}
		}
		if len(rows) == 0 {
			continue
		}

		if !touched {
			touched = true
			applying := &TableChangesEvent{kind: EventTableChangesApplying, Context: sctx, Side: a.side, Table: table, State: state}
			if err := a.interceptors.Publish(ctx, applying); err != nil {
				return tca, touched, err
			}
			if applying.Cancel {
				a.logger.Info("Table apply skipped by interceptor", zap.String("table", table.FullName()), zap.Stringer("state", state))
				return tca, touched, nil
			}
		}

		var unit model.TableChangesApplied
		if sess.InTx() {
			err = a.applyRows(ctx, sctx, sess, table, rows, req, &unit)
		} else {
			err = a.retry.do(ctx, func() error {
				unit = model.TableChangesApplied{}
				return a.applyUnit(ctx, sctx, sess, table, rows, req, &unit)
			})
		}
		tca.Applied += unit.Applied
		tca.ResolvedConflicts += unit.ResolvedConflicts
		if err != nil {
			tca.Failed += len(rows) - unit.Applied
			return tca, touched, err
		}
		if a.metrics != nil {
			a.metrics.RowsAppliedTotal.WithLabelValues(a.side.String(), table.FullName(), state.String()).Add(float64(unit.Applied))
			a.metrics.BatchPartsTotal.WithLabelValues(a.side.String(), "applied").Inc()
		}
		if err := a.interceptors.Publish(ctx, &BatchPartEvent{kind: EventBatchPartApplied, Context: sctx, Side: a.side, Batch: req.Batch, Part: part}); err != nil {
			return tca, touched, err
		}
	}

	if !touched {
		return tca, false, nil
	}
	a.logger.Debug("Table changes applied",
		zap.String("table", table.FullName()),
		zap.Stringer("state", state),
		zap.Int("applied", tca.Applied),
		zap.Int("resolved_conflicts", tca.ResolvedConflicts))
	return tca, true, a.interceptors.Publish(ctx, &TableChangesEvent{kind: EventTableChangesApplied, Context: sctx, Side: a.side, Table: table, State: state, Applied: &tca})
}

// applyUnit applies rows in one transaction; on failure the transaction is
// rolled back so a retry starts from a clean state.
func (a *ChangesApplier) applyUnit(ctx context.Context, sctx *model.SyncContext, sess provider.StoreSession, table *model.SyncTable, rows []*model.SyncRow, req ApplyRequest, unit *model.TableChangesApplied) (err error) {
	if err := sess.BeginTx(ctx); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil && sess.InTx() {
			err = multierr.Append(err, sess.Rollback())
			unit.Applied, unit.ResolvedConflicts = 0, 0
		}
	}()

	if err := a.applyRows(ctx, sctx, sess, table, rows, req, unit); err != nil {
		return err
	}
	if err := sess.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (a *ChangesApplier) applyRows(ctx context.Context, sctx *model.SyncContext, sess provider.StoreSession, table *model.SyncTable, rows []*model.SyncRow, req ApplyRequest, unit *model.TableChangesApplied) error {
	for _, row := range rows {
		if err := a.applyRow(ctx, sctx, sess, table, row, req, unit); err != nil {
			return err
		}
	}
	return checkCtx(ctx, model.StageChangesApplying, a.side)
}

func (a *ChangesApplier) applyRow(ctx context.Context, sctx *model.SyncContext, sess provider.StoreSession, table *model.SyncTable, row *model.SyncRow, req ApplyRequest, unit *model.TableChangesApplied) error {
	opts := provider.ApplyOptions{SenderScopeID: req.SenderScopeID, ExpectedVersion: req.ExpectedVersion, Force: req.Force}
	res, err := a.provider.ApplyRow(ctx, sess, table, row, opts)
	if err != nil {
		return err
	}
	if res.Status == provider.StatusApplied {
		unit.Applied++
		return nil
	}

	conflict := &model.SyncConflict{
		Type:      model.ClassifyConflict(row.State, res.Existing.State, res.ExistingIsNew),
		RemoteRow: row,
		LocalRow:  res.Existing,
	}
	ev := &RowConflictEvent{Context: sctx, Side: a.side, Table: table, Conflict: conflict, Resolution: req.Policy.Resolution()}
	if err := a.interceptors.Publish(ctx, ev); err != nil {
		return err
	}
	if a.metrics != nil {
		a.metrics.ConflictsTotal.WithLabelValues(a.side.String(), conflict.Type.String(), ev.Resolution.String()).Inc()
	}

	switch actionFor(ev.Resolution, a.side) {
	case keepExisting:
	case applyIncoming:
		opts.Force = true
		if _, err := a.provider.ApplyRow(ctx, sess, table, row, opts); err != nil {
			return err
		}
		unit.Applied++
	case applyMerged:
		if ev.MergedRow == nil {
			return &SyncError{Kind: KindConflictUnresolved, Stage: model.StageChangesApplying, Side: a.side, Table: table.FullName(),
				Err: errors.New("merge resolution without a merged row")}
		}
		// Written as a local change so the merged result travels back to the peer.
		merged := provider.ApplyOptions{SenderScopeID: uuid.Nil, Force: true}
		if _, err := a.provider.ApplyRow(ctx, sess, table, ev.MergedRow, merged); err != nil {
			return err
		}
		unit.Applied++
	default:
		return &SyncError{Kind: KindConflictUnresolved, Stage: model.StageChangesApplying, Side: a.side, Table: table.FullName(),
			Err: fmt.Errorf("%s conflict on key %v rolled back", conflict.Type, row.PrimaryKey())}
	}
	unit.ResolvedConflicts++
	return nil
}
