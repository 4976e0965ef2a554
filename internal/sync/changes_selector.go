// internal/sync/changes_selector.go
package sync

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arwahdevops/bisync/internal/batch"
	"github.com/arwahdevops/bisync/internal/metrics"
	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider"
)

// SelectRequest bounds one selection: rows changed in (Since, Upto] whose
// last writer is not Exclude.
type SelectRequest struct {
	Schema    *model.SyncSet
	Since     int64
	Upto      int64
	Exclude   uuid.UUID
	BatchSize int
	// BatchDirectory spills parts to disk when set.
	BatchDirectory string
	BatchName      string
}

// ChangesSelector turns provider change streams into a BatchInfo.
type ChangesSelector struct {
	provider     provider.Provider
	side         model.Side
	interceptors *Interceptors
	metrics      *metrics.Store
	logger       *zap.Logger
}

func NewChangesSelector(p provider.Provider, side model.Side, interceptors *Interceptors, m *metrics.Store, logger *zap.Logger) *ChangesSelector {
	return &ChangesSelector{
		provider:     p,
		side:         side,
		interceptors: interceptors,
		metrics:      m,
		logger:       logger.Named("changes-selector"),
	}
}

// SelectChanges selects every table of req.Schema, parents before children,
// into one batch. Every table gets a TableChangesSelected entry, including
// tables without changes.
func (s *ChangesSelector) SelectChanges(ctx context.Context, sctx *model.SyncContext, sess provider.StoreSession, req SelectRequest) (*model.BatchInfo, []model.TableChangesSelected, error) {
	ordered, err := orderTables(req.Schema)
	if err != nil {
		return nil, nil, err
	}
	ordSchema := &model.SyncSet{Tables: ordered, Relations: req.Schema.Relations}

	w, err := batch.NewWriter(req.BatchDirectory, req.BatchName, ordSchema, req.BatchSize, s.logger)
	if err != nil {
		return nil, nil, err
	}

	selected := make([]model.TableChangesSelected, 0, len(ordered))
	for _, table := range ordered {
		if err := checkCtx(ctx, model.StageChangesSelecting, s.side); err != nil {
			_ = batch.Cleanup(w.Info())
			return nil, nil, err
		}
		tcs, err := s.selectInto(ctx, sctx, sess, w, table, req.Since, req.Upto, req.Exclude)
		if err != nil {
			_ = batch.Cleanup(w.Info())
			return nil, nil, wrapErr(err, model.StageChangesSelecting, s.side, table.FullName())
		}
		selected = append(selected, tcs)
	}

	info, err := w.Close(req.Upto)
	if err != nil {
		_ = batch.Cleanup(w.Info())
		return nil, nil, err
	}
	for _, part := range info.Parts {
		if s.metrics != nil {
			s.metrics.BatchPartsTotal.WithLabelValues(s.side.String(), "selected").Inc()
		}
		if err := s.interceptors.Publish(ctx, &BatchPartEvent{kind: EventBatchPartSelected, Context: sctx, Side: s.side, Batch: info, Part: part}); err != nil {
			return nil, nil, err
		}
	}
	s.logger.Info("Changes selected",
		zap.String("side", s.side.String()),
		zap.Int64("since", req.Since),
		zap.Int64("upto", req.Upto),
		zap.Int("rows", info.RowsCount),
		zap.Int("parts", len(info.Parts)))
	return info, selected, nil
}

// SelectTableChanges selects a single table into its own batch.
func (s *ChangesSelector) SelectTableChanges(ctx context.Context, sctx *model.SyncContext, sess provider.StoreSession, table *model.SyncTable, since, upto int64, exclude uuid.UUID, batchSize int) (*model.BatchInfo, model.TableChangesSelected, error) {
	set := &model.SyncSet{Tables: []*model.SyncTable{table}}
	w, err := batch.NewWriter("", "", set, batchSize, s.logger)
	if err != nil {
		return nil, model.TableChangesSelected{}, err
	}
	tcs, err := s.selectInto(ctx, sctx, sess, w, table, since, upto, exclude)
	if err != nil {
		return nil, model.TableChangesSelected{}, wrapErr(err, model.StageChangesSelecting, s.side, table.FullName())
	}
	info, err := w.Close(upto)
	if err != nil {
		return nil, model.TableChangesSelected{}, err
	}
	return info, tcs, nil
}

func (s *ChangesSelector) selectInto(ctx context.Context, sctx *model.SyncContext, sess provider.StoreSession, w *batch.Writer, table *model.SyncTable, since, upto int64, exclude uuid.UUID) (model.TableChangesSelected, error) {
	tcs := model.TableChangesSelected{SchemaName: table.SchemaName, TableName: table.TableName}

	selecting := &TableChangesEvent{kind: EventTableChangesSelecting, Context: sctx, Side: s.side, Table: table}
	if err := s.interceptors.Publish(ctx, selecting); err != nil {
		return tcs, err
	}
	if selecting.Cancel {
		s.logger.Info("Table selection skipped by interceptor", zap.String("table", table.FullName()))
		return tcs, nil
	}

	for row, err := range s.provider.SelectChanges(ctx, sess, table, since, upto, exclude) {
		if err != nil {
			return tcs, fmt.Errorf("failed to select changes: %w", err)
		}
		if err := w.Add(row); err != nil {
			return tcs, err
		}
		if row.State == model.RowDeleted {
			tcs.Deletes++
		} else {
			tcs.Upserts++
		}
	}

	if s.metrics != nil && tcs.TotalChanges() > 0 {
		s.metrics.RowsSelectedTotal.WithLabelValues(s.side.String(), table.FullName()).Add(float64(tcs.TotalChanges()))
	}
	s.logger.Debug("Table changes selected",
		zap.String("table", table.FullName()),
		zap.Int("upserts", tcs.Upserts),
		zap.Int("deletes", tcs.Deletes))

	return tcs, s.interceptors.Publish(ctx, &TableChangesEvent{kind: EventTableChangesSelected, Context: sctx, Side: s.side, Table: table, Selected: &tcs})
}
