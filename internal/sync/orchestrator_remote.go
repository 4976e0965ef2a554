// internal/sync/orchestrator_remote.go
package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arwahdevops/bisync/internal/batch"
	"github.com/arwahdevops/bisync/internal/metrics"
	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider"
)

// RemoteOrchestrator drives the server side of a session. The server owns
// the scope schema and the snapshots.
type RemoteOrchestrator struct {
	*orchestrator
}

func NewRemoteOrchestrator(p provider.Provider, opts Options, m *metrics.Store, logger *zap.Logger) *RemoteOrchestrator {
	return &RemoteOrchestrator{orchestrator: newOrchestrator(p, model.SideServer, opts, m, logger)}
}

// GetSchema returns the scope schema. A new scope reads the configured
// tables from the store; an existing one checks its saved schema still
// matches the store.
func (r *RemoteOrchestrator) GetSchema(ctx context.Context, sctx *model.SyncContext, scope *model.ScopeInfo) (*model.SyncSet, error) {
	var schema *model.SyncSet
	err := r.runStage(ctx, sctx, model.StageSchemaReading, withSession, func(ctx context.Context, sess provider.StoreSession) error {
		if scope.Schema != nil && len(scope.Schema.Tables) > 0 {
			actual, err := r.provider.ReadSchema(ctx, sess, scope.Schema.TableNames())
			if err != nil {
				return err
			}
			if err := verifySchema(scope.Schema, actual); err != nil {
				return err
			}
			schema = scope.Schema
		} else {
			if len(r.opts.Tables) == 0 {
				return &model.SchemaError{Reason: model.MissingTable, Detail: "no tables configured for scope " + scope.Name}
			}
			s, err := r.provider.ReadSchema(ctx, sess, r.opts.Tables)
			if err != nil {
				return err
			}
			schema = s
		}
		if err := schema.Validate(); err != nil {
			return err
		}
		if _, err := orderTables(schema); err != nil {
			return err
		}
		return r.interceptors.Publish(ctx, &SchemaEvent{Context: sctx, Side: r.side, Schema: schema})
	})
	if err != nil {
		return nil, err
	}
	return schema, nil
}

func (r *RemoteOrchestrator) snapshotDir(scopeName string) string {
	return filepath.Join(r.opts.SnapshotsDirectory, scopeName)
}

// CreateSnapshot writes every live row and tombstone of schema to the
// snapshots directory, replacing a previous snapshot of the scope.
func (r *RemoteOrchestrator) CreateSnapshot(ctx context.Context, sctx *model.SyncContext, schema *model.SyncSet) (*model.SnapshotInfo, error) {
	if r.opts.SnapshotsDirectory == "" {
		return nil, &SyncError{Kind: KindProvider, Stage: model.StageSnapshotCreating, Side: r.side, Err: errors.New("snapshots directory is not configured")}
	}
	var snapshot *model.SnapshotInfo
	err := r.runStage(ctx, sctx, model.StageSnapshotCreating, withTx, func(ctx context.Context, sess provider.StoreSession) error {
		if err := os.RemoveAll(r.snapshotDir(sctx.ScopeName)); err != nil {
			return fmt.Errorf("failed to remove previous snapshot: %w", err)
		}
		upto, err := r.provider.GetLocalTimestamp(ctx, sess)
		if err != nil {
			return err
		}
		info, _, err := r.selector.SelectChanges(ctx, sctx, sess, SelectRequest{
			Schema:         schema,
			Since:          0,
			Upto:           upto,
			Exclude:        uuid.Nil,
			BatchSize:      r.opts.BatchSize,
			BatchDirectory: r.opts.SnapshotsDirectory,
			BatchName:      sctx.ScopeName,
		})
		if err != nil {
			return err
		}
		snapshot = &model.SnapshotInfo{ScopeName: sctx.ScopeName, Batch: info, CreatedAt: time.Now().UTC()}
		return r.interceptors.Publish(ctx, &SnapshotEvent{kind: EventSnapshotCreated, Context: sctx, Side: r.side, Snapshot: snapshot})
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("Snapshot created",
		zap.String("scope", sctx.ScopeName),
		zap.Int("rows", snapshot.Batch.RowsCount),
		zap.Int("parts", len(snapshot.Batch.Parts)))
	return snapshot, nil
}

// GetSnapshot returns the stored snapshot of scopeName, or nil when there is
// none.
func (r *RemoteOrchestrator) GetSnapshot(ctx context.Context, scopeName string) (*model.SnapshotInfo, error) {
	if r.opts.SnapshotsDirectory == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := r.snapshotDir(scopeName)
	st, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot %s: %w", dir, err)
	}
	info, err := batch.ReadInfo(dir)
	if err != nil {
		return nil, err
	}
	return &model.SnapshotInfo{ScopeName: scopeName, Batch: info, CreatedAt: st.ModTime().UTC()}, nil
}

// CleanMetadata purges tombstones every known peer has observed. While a
// snapshot of the scope exists, tombstones written after it are kept: a new
// client loads the snapshot and then downloads from its timestamp.
func (r *RemoteOrchestrator) CleanMetadata(ctx context.Context, sctx *model.SyncContext, schema *model.SyncSet) (map[string]int64, error) {
	horizon := int64(math.MaxInt64)
	snapshot, err := r.GetSnapshot(ctx, sctx.ScopeName)
	if err != nil {
		return nil, wrapErr(err, model.StageMetadataCleaning, r.side, "")
	}
	if snapshot != nil {
		horizon = snapshot.Batch.Timestamp
	}
	return r.cleanMetadata(ctx, sctx, schema, horizon)
}
