// internal/sync/scope_manager.go
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arwahdevops/bisync/internal/metrics"
	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider"
)

// ScopeManager loads and saves scope records with optimistic versioning and
// purges tombstones every known peer has already observed.
type ScopeManager struct {
	provider provider.Provider
	side     model.Side
	metrics  *metrics.Store
	logger   *zap.Logger
}

func NewScopeManager(p provider.Provider, side model.Side, m *metrics.Store, logger *zap.Logger) *ScopeManager {
	return &ScopeManager{provider: p, side: side, metrics: m, logger: logger.Named("scope-manager")}
}

// EnsureScopeTables creates the scope storage on first use.
func (m *ScopeManager) EnsureScopeTables(ctx context.Context, sess provider.StoreSession) (bool, error) {
	exists, err := m.provider.ObjectExists(ctx, sess, provider.ObjectScopeTables, nil)
	if err != nil {
		return false, fmt.Errorf("failed to check scope tables: %w", err)
	}
	if exists {
		return false, nil
	}
	if err := m.provider.CreateObject(ctx, sess, provider.ObjectScopeTables, nil); err != nil {
		return false, fmt.Errorf("failed to create scope tables: %w", err)
	}
	return true, nil
}

// LoadScope returns the persisted scope. A missing scope is created and saved
// right away so its id stays stable when the first session fails. IsNewScope
// holds until a session completed.
func (m *ScopeManager) LoadScope(ctx context.Context, sess provider.StoreSession, name string) (*model.ScopeInfo, error) {
	scope, err := m.provider.GetScopeInfo(ctx, sess, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load scope %s: %w", name, err)
	}
	if scope == nil {
		m.logger.Info("Scope not found, starting a new one", zap.String("scope", name), zap.String("side", m.side.String()))
		scope = model.NewScopeInfo(name)
		if err := m.SaveScope(ctx, sess, scope); err != nil {
			return nil, err
		}
	}
	scope.IsNewScope = scope.LastSync.IsZero()
	return scope, nil
}

// SaveScope persists scope if nobody saved it since it was loaded, bumping
// Version and clearing IsNewScope. A stale version is a concurrency error.
func (m *ScopeManager) SaveScope(ctx context.Context, sess provider.StoreSession, scope *model.ScopeInfo) error {
	expected := scope.Version
	next := scope.Clone()
	next.Version = expected + 1
	next.IsNewScope = false
	next.ProtocolVersion = model.ProtocolVersion
	if err := m.provider.SaveScopeInfo(ctx, sess, next, expected); err != nil {
		if errors.Is(err, provider.ErrVersionConflict) {
			return &SyncError{Kind: KindConcurrency, Side: m.side, Err: err}
		}
		return fmt.Errorf("failed to save scope %s: %w", scope.Name, err)
	}
	scope.Version = next.Version
	scope.IsNewScope = false
	scope.ProtocolVersion = next.ProtocolVersion
	if m.metrics != nil {
		m.metrics.ScopeWatermark.WithLabelValues(m.side.String(), scope.Name, "local").Set(float64(scope.LastLocalTimestamp))
		m.metrics.ScopeWatermark.WithLabelValues(m.side.String(), scope.Name, "server").Set(float64(scope.LastServerSyncTimestamp))
	}
	return nil
}

// SavePeer records how far a peer scope has observed this side's changes.
// The recorded timestamp never moves backwards.
func (m *ScopeManager) SavePeer(ctx context.Context, sess provider.StoreSession, peer *model.PeerScope) error {
	peers, err := m.provider.GetPeerScopes(ctx, sess, peer.ScopeName)
	if err != nil {
		return fmt.Errorf("failed to load peer scopes: %w", err)
	}
	for _, p := range peers {
		if p.PeerScopeID == peer.PeerScopeID && p.LastSyncTimestamp > peer.LastSyncTimestamp {
			m.logger.Warn("Refusing to move peer watermark backwards",
				zap.Stringer("peer", peer.PeerScopeID),
				zap.Int64("current", p.LastSyncTimestamp),
				zap.Int64("proposed", peer.LastSyncTimestamp))
			return nil
		}
	}
	return m.provider.SavePeerScope(ctx, sess, peer)
}

// MinPeerTimestamp is the oldest watermark across known peers. ok is false
// when no peer is known.
func (m *ScopeManager) MinPeerTimestamp(ctx context.Context, sess provider.StoreSession, scopeName string) (minTs int64, ok bool, err error) {
	peers, err := m.provider.GetPeerScopes(ctx, sess, scopeName)
	if err != nil {
		return 0, false, fmt.Errorf("failed to load peer scopes: %w", err)
	}
	for i, p := range peers {
		if i == 0 || p.LastSyncTimestamp < minTs {
			minTs = p.LastSyncTimestamp
		}
	}
	return minTs, len(peers) > 0, nil
}

// CleanMetadata purges tombstones with a timestamp strictly below
// minSafeTimestamp. A non-positive bound means nothing is known to be safe.
func (m *ScopeManager) CleanMetadata(ctx context.Context, sess provider.StoreSession, schema *model.SyncSet, minSafeTimestamp int64) (map[string]int64, error) {
	cleaned := make(map[string]int64)
	if minSafeTimestamp <= 0 || schema == nil {
		return cleaned, nil
	}
	for _, table := range schema.Tables {
		if err := ctx.Err(); err != nil {
			return cleaned, err
		}
		n, err := m.provider.DeleteTombstones(ctx, sess, table, minSafeTimestamp)
		if err != nil {
			return cleaned, fmt.Errorf("failed to clean tombstones of %s: %w", table.FullName(), err)
		}
		cleaned[table.FullName()] = n
		if m.metrics != nil && n > 0 {
			m.metrics.MetadataCleanedTotal.WithLabelValues(m.side.String(), table.FullName()).Add(float64(n))
		}
	}
	m.logger.Info("Metadata cleaned", zap.Int64("before_timestamp", minSafeTimestamp), zap.Any("tombstones_purged", cleaned))
	return cleaned, nil
}

// touch stamps the session duration on scope before it is saved.
func touch(scope *model.ScopeInfo, started time.Time) {
	scope.LastSync = time.Now().UTC()
	scope.LastSyncDuration = time.Since(started)
}
