// internal/sync/interceptors.go
package sync

import (
	"context"
	"slices"
	"sync"
)

// EventKind tags every event an orchestrator publishes.
type EventKind int

const (
	EventSessionBegin EventKind = iota
	EventSessionEnd
	EventStageEntering
	EventStageEntered
	EventScopeLoading
	EventScopeLoaded
	EventScopeSaving
	EventScopeSaved
	EventSchemaRead
	EventLifecycle
	EventTableChangesSelecting
	EventTableChangesSelected
	EventTableChangesApplying
	EventTableChangesApplied
	EventBatchPartSelected
	EventBatchPartApplied
	EventRowConflict
	EventReconnecting
	EventMetadataCleaning
	EventMetadataCleaned
	EventSnapshotCreated
	EventSnapshotApplying
)

var eventKindNames = map[EventKind]string{
	EventSessionBegin:          "session_begin",
	EventSessionEnd:            "session_end",
	EventStageEntering:         "stage_entering",
	EventStageEntered:          "stage_entered",
	EventScopeLoading:          "scope_loading",
	EventScopeLoaded:           "scope_loaded",
	EventScopeSaving:           "scope_saving",
	EventScopeSaved:            "scope_saved",
	EventSchemaRead:            "schema_read",
	EventLifecycle:             "lifecycle",
	EventTableChangesSelecting: "table_changes_selecting",
	EventTableChangesSelected:  "table_changes_selected",
	EventTableChangesApplying:  "table_changes_applying",
	EventTableChangesApplied:   "table_changes_applied",
	EventBatchPartSelected:     "batch_part_selected",
	EventBatchPartApplied:      "batch_part_applied",
	EventRowConflict:           "row_conflict",
	EventReconnecting:          "reconnecting",
	EventMetadataCleaning:      "metadata_cleaning",
	EventMetadataCleaned:       "metadata_cleaned",
	EventSnapshotCreated:       "snapshot_created",
	EventSnapshotApplying:      "snapshot_applying",
}

func (k EventKind) String() string {
	if n, ok := eventKindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Event is the payload handed to interceptors.
type Event interface {
	Kind() EventKind
}

// Cancelable events carry a Cancel flag a callback may set to veto the
// pending action.
type Cancelable interface {
	Event
	Canceled() bool
}

// CancelFlag is embedded by cancelable events.
type CancelFlag struct {
	Cancel bool
}

func (c *CancelFlag) Canceled() bool { return c.Cancel }

type handler func(ctx context.Context, ev Event) error

// Interceptors is a registry of callbacks keyed by event kind. Callbacks of
// one kind run in registration order.
type Interceptors struct {
	mu       sync.RWMutex
	handlers map[EventKind][]handler
}

func NewInterceptors() *Interceptors {
	return &Interceptors{handlers: make(map[EventKind][]handler)}
}

// On registers fn for kind. Events of kind whose payload is not an E are
// skipped, which lets one kind carry several LifecycleEvent instantiations.
func On[E Event](r *Interceptors, kind EventKind, fn func(ctx context.Context, ev E) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], func(ctx context.Context, ev Event) error {
		e, ok := ev.(E)
		if !ok {
			return nil
		}
		return fn(ctx, e)
	})
}

// Clear removes every callback of kind.
func (r *Interceptors) Clear(kind EventKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, kind)
}

func (r *Interceptors) Has(kind EventKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[kind]) > 0
}

// Publish dispatches ev to the callbacks of its kind. A callback error stops
// dispatch and is returned. For cancelable events dispatch also stops as soon
// as a callback sets Cancel; the caller inspects the flag.
func (r *Interceptors) Publish(ctx context.Context, ev Event) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	hs := slices.Clone(r.handlers[ev.Kind()])
	r.mu.RUnlock()

	cev, cancelable := ev.(Cancelable)
	for _, h := range hs {
		if err := h(ctx, ev); err != nil {
			return err
		}
		if cancelable && cev.Canceled() {
			return nil
		}
	}
	return nil
}
