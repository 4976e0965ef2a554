package sync

import (
	"time"

	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider"
)

// SessionEvent is published by the agent at session begin and end.
type SessionEvent struct {
	kind    EventKind
	Context *model.SyncContext
	Result  *SyncResult // end only
	Err     error       // end only
}

func (e *SessionEvent) Kind() EventKind { return e.kind }

// StageEvent brackets every stage. Setting Cancel on the entering event
// aborts the stage with a cancelled error.
type StageEvent struct {
	CancelFlag
	kind    EventKind
	Context *model.SyncContext
	Side    model.Side
	Stage   model.SyncStage
}

func (e *StageEvent) Kind() EventKind { return e.kind }

// ScopeEvent reports scope loads and saves. Cancelling a saving event skips
// the save.
type ScopeEvent struct {
	CancelFlag
	kind    EventKind
	Context *model.SyncContext
	Side    model.Side
	Name    string
	Scope   *model.ScopeInfo
}

func (e *ScopeEvent) Kind() EventKind { return e.kind }

type SchemaEvent struct {
	Context *model.SyncContext
	Side    model.Side
	Schema  *model.SyncSet
}

func (e *SchemaEvent) Kind() EventKind { return EventSchemaRead }

type LifecyclePhase int

const (
	PhaseBefore LifecyclePhase = iota
	PhaseAfter
)

type LifecycleAction int

const (
	ActionCreate LifecycleAction = iota
	ActionDrop
	ActionRename
)

// LifecycleEvent covers creating/created/dropping/dropped of any provisioned
// object. Cancel on a PhaseBefore event skips that object.
type LifecycleEvent[T any] struct {
	CancelFlag
	Context    *model.SyncContext
	Side       model.Side
	Phase      LifecyclePhase
	Action     LifecycleAction
	ObjectKind provider.ObjectKind
	Object     T
}

func (e *LifecycleEvent[T]) Kind() EventKind { return EventLifecycle }

// TableChangesEvent reports per-table selection and application.
// Cancelling a selecting or applying event skips the table.
type TableChangesEvent struct {
	CancelFlag
	kind     EventKind
	Context  *model.SyncContext
	Side     model.Side
	Table    *model.SyncTable
	State    model.RowState
	Selected *model.TableChangesSelected
	Applied  *model.TableChangesApplied
}

func (e *TableChangesEvent) Kind() EventKind { return e.kind }

type BatchPartEvent struct {
	kind    EventKind
	Context *model.SyncContext
	Side    model.Side
	Batch   *model.BatchInfo
	Part    *model.BatchPartInfo
}

func (e *BatchPartEvent) Kind() EventKind { return e.kind }

// RowConflictEvent lets a callback pick the resolution for one conflict.
// Resolution is preset to the configured policy. MergeRow requires MergedRow.
type RowConflictEvent struct {
	Context    *model.SyncContext
	Side       model.Side
	Table      *model.SyncTable
	Conflict   *model.SyncConflict
	Resolution model.ConflictResolution
	MergedRow  *model.SyncRow
}

func (e *RowConflictEvent) Kind() EventKind { return EventRowConflict }

// ReconnectEvent is published before each retry of a transient failure.
type ReconnectEvent struct {
	Context *model.SyncContext
	Side    model.Side
	Attempt int
	Wait    time.Duration
	Err     error
}

func (e *ReconnectEvent) Kind() EventKind { return EventReconnecting }

type MetadataCleanEvent struct {
	CancelFlag
	kind         EventKind
	Context      *model.SyncContext
	Side         model.Side
	MinTimestamp int64
	Cleaned      map[string]int64 // cleaned only
}

func (e *MetadataCleanEvent) Kind() EventKind { return e.kind }

type SnapshotEvent struct {
	kind     EventKind
	Context  *model.SyncContext
	Side     model.Side
	Snapshot *model.SnapshotInfo
}

func (e *SnapshotEvent) Kind() EventKind { return e.kind }
