// internal/sync/orchestrator_local.go
package sync

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arwahdevops/bisync/internal/metrics"
	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider"
)

// LocalOrchestrator drives the client side of a session.
type LocalOrchestrator struct {
	*orchestrator
}

func NewLocalOrchestrator(p provider.Provider, opts Options, m *metrics.Store, logger *zap.Logger) *LocalOrchestrator {
	return &LocalOrchestrator{orchestrator: newOrchestrator(p, model.SideClient, opts, m, logger)}
}

// CheckSchema verifies the client store against schema. With allowMissing,
// tables that do not exist yet are accepted since provisioning creates them.
func (l *LocalOrchestrator) CheckSchema(ctx context.Context, sctx *model.SyncContext, schema *model.SyncSet, allowMissing bool) error {
	return l.runStage(ctx, sctx, model.StageSchemaReading, withSession, func(ctx context.Context, sess provider.StoreSession) error {
		if err := schema.Validate(); err != nil {
			return err
		}
		present := model.NewSyncSet()
		for _, table := range schema.Tables {
			exists, err := l.provider.ObjectExists(ctx, sess, provider.ObjectTable, table)
			if err != nil {
				return fmt.Errorf("failed to check table %s: %w", table.FullName(), err)
			}
			if !exists {
				if !allowMissing {
					return &model.SchemaError{Reason: model.MissingTable, Table: table.FullName()}
				}
				continue
			}
			if err := present.AddTable(table.CloneSchema()); err != nil {
				return err
			}
		}
		if len(present.Tables) > 0 {
			actual, err := l.provider.ReadSchema(ctx, sess, present.TableNames())
			if err != nil {
				return err
			}
			if err := verifySchema(present, actual); err != nil {
				return err
			}
		}
		return l.interceptors.Publish(ctx, &SchemaEvent{Context: sctx, Side: l.side, Schema: schema})
	})
}

// ApplySnapshot bulk loads a server snapshot. Rows are forced in and
// recorded as written by the server scope.
func (l *LocalOrchestrator) ApplySnapshot(ctx context.Context, sctx *model.SyncContext, snapshot *model.SnapshotInfo, schema *model.SyncSet, serverScopeID uuid.UUID) ([]model.TableChangesApplied, error) {
	applier := l.newApplier(sctx)
	var applied []model.TableChangesApplied
	err := l.runStage(ctx, sctx, model.StageSnapshotApplying, withSession, func(ctx context.Context, sess provider.StoreSession) error {
		if err := l.interceptors.Publish(ctx, &SnapshotEvent{kind: EventSnapshotApplying, Context: sctx, Side: l.side, Snapshot: snapshot}); err != nil {
			return err
		}
		res, err := applier.ApplyChanges(ctx, sctx, sess, ApplyRequest{
			Batch:         snapshot.Batch,
			Schema:        schema,
			SenderScopeID: serverScopeID,
			Policy:        l.opts.ConflictPolicy,
			Force:         true,
		})
		applied = res
		return err
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("Snapshot applied",
		zap.String("scope", snapshot.ScopeName),
		zap.Int("rows", snapshot.Batch.RowsCount),
		zap.Int64("timestamp", snapshot.Batch.Timestamp))
	return applied, nil
}

// SettleWatermark returns the local timestamp the client can record after
// applying a download. When nothing but rows written by the server happened
// after upto, the watermark moves to the current clock, otherwise it stays
// at upto so the remaining local changes are uploaded next time.
func (l *LocalOrchestrator) SettleWatermark(ctx context.Context, sctx *model.SyncContext, schema *model.SyncSet, upto int64, serverScopeID uuid.UUID) (int64, error) {
	settled := upto
	err := l.inSession(ctx, sctx.Stage, false, func(ctx context.Context, sess provider.StoreSession) error {
		now, err := l.provider.GetLocalTimestamp(ctx, sess)
		if err != nil {
			return err
		}
		if now <= upto {
			return nil
		}
		for _, table := range schema.Tables {
			for _, err := range l.provider.SelectChanges(ctx, sess, table, upto, now, serverScopeID) {
				if err != nil {
					return err
				}
				// A local change is still waiting for upload.
				return nil
			}
		}
		settled = now
		return nil
	})
	if err != nil {
		return upto, wrapErr(err, sctx.Stage, l.side, "")
	}
	return settled, nil
}
