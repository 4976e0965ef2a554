// internal/provider/provider.go
package provider

import (
	"context"
	"iter"

	"github.com/google/uuid"

	"github.com/arwahdevops/bisync/internal/model"
)

// StoreSession owns one open connection and at most one active transaction.
// Close releases the connection and rolls back a pending transaction.
type StoreSession interface {
	BeginTx(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback() error
	InTx() bool
	Close() error
}

// ApplyOptions carries the version check for a conditional row write.
type ApplyOptions struct {
	// SenderScopeID is recorded as the last writer of the row.
	SenderScopeID uuid.UUID
	// ExpectedVersion is the local clock value the sender last synchronized
	// with. A local change after it by another writer is a conflict.
	ExpectedVersion int64
	// Force writes the row without the version check.
	Force bool
}

type ApplyStatus int

const (
	StatusApplied ApplyStatus = iota
	StatusConflict
)

func (s ApplyStatus) String() string {
	if s == StatusConflict {
		return "conflict"
	}
	return "applied"
}

type ApplyResult struct {
	Status ApplyStatus
	// Existing is the local row (Deleted state for a tombstone) on conflict.
	Existing *model.SyncRow
	// ExistingIsNew reports the local row was created after ExpectedVersion.
	ExistingIsNew bool
}

// ChangeTracker is the data path of a provider.
type ChangeTracker interface {
	OpenSession(ctx context.Context) (StoreSession, error)
	// ReadSchema describes the requested tables as they exist in the store.
	// It fails with a *model.SchemaError when a table or its key is missing.
	ReadSchema(ctx context.Context, sess StoreSession, tables []model.TableName) (*model.SyncSet, error)
	// SelectChanges yields rows of table changed in (since, upto] whose last
	// writer is not exclude. Deleted rows are yielded with only key values set.
	SelectChanges(ctx context.Context, sess StoreSession, table *model.SyncTable, since, upto int64, exclude uuid.UUID) iter.Seq2[*model.SyncRow, error]
	ApplyRow(ctx context.Context, sess StoreSession, table *model.SyncTable, row *model.SyncRow, opts ApplyOptions) (ApplyResult, error)
	// GetLocalTimestamp reads the logical clock without advancing it.
	GetLocalTimestamp(ctx context.Context, sess StoreSession) (int64, error)
}

type ObjectKind int

const (
	ObjectTable ObjectKind = iota
	ObjectTrackingTable
	ObjectTriggers
	ObjectScopeTables
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectTable:
		return "table"
	case ObjectTrackingTable:
		return "tracking_table"
	case ObjectTriggers:
		return "triggers"
	case ObjectScopeTables:
		return "scope_tables"
	}
	return "unknown"
}

// Provisioner creates and drops the storage objects change tracking needs.
// table is nil for ObjectScopeTables.
type Provisioner interface {
	ObjectExists(ctx context.Context, sess StoreSession, kind ObjectKind, table *model.SyncTable) (bool, error)
	CreateObject(ctx context.Context, sess StoreSession, kind ObjectKind, table *model.SyncTable) error
	DropObject(ctx context.Context, sess StoreSession, kind ObjectKind, table *model.SyncTable) error
}

// ScopeStore persists ScopeInfo and PeerScope records.
type ScopeStore interface {
	// GetScopeInfo returns nil, nil when the scope was never saved.
	GetScopeInfo(ctx context.Context, sess StoreSession, name string) (*model.ScopeInfo, error)
	// SaveScopeInfo stores scope if the persisted version equals
	// expectedVersion, else returns ErrVersionConflict.
	SaveScopeInfo(ctx context.Context, sess StoreSession, scope *model.ScopeInfo, expectedVersion int64) error
	GetPeerScopes(ctx context.Context, sess StoreSession, scopeName string) ([]*model.PeerScope, error)
	SavePeerScope(ctx context.Context, sess StoreSession, peer *model.PeerScope) error
	// DeletePeerScope removes the record of peerID. A missing record is not an error.
	DeletePeerScope(ctx context.Context, sess StoreSession, scopeName string, peerID uuid.UUID) error
}

// MetadataStore maintains tracking metadata.
type MetadataStore interface {
	// DeleteTombstones purges tombstones of table with timestamp < before.
	DeleteTombstones(ctx context.Context, sess StoreSession, table *model.SyncTable, before int64) (int64, error)
	// ResetTable removes all rows and tracking metadata of table.
	ResetTable(ctx context.Context, sess StoreSession, table *model.SyncTable) error
}

// Provider is everything the sync core needs from a storage engine.
type Provider interface {
	Name() string
	ChangeTracker
	Provisioner
	ScopeStore
	MetadataStore
}
