package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider"
)

func TestInterceptors_RegistrationOrder(t *testing.T) {
	r := NewInterceptors()
	var calls []string
	for _, name := range []string{"first", "second", "third"} {
		On(r, EventStageEntered, func(context.Context, *StageEvent) error {
			calls = append(calls, name)
			return nil
		})
	}
	require.NoError(t, r.Publish(context.Background(), &StageEvent{kind: EventStageEntered}))
	assert.Equal(t, []string{"first", "second", "third"}, calls)
	assert.True(t, r.Has(EventStageEntered))
	assert.False(t, r.Has(EventStageEntering))

	r.Clear(EventStageEntered)
	calls = nil
	require.NoError(t, r.Publish(context.Background(), &StageEvent{kind: EventStageEntered}))
	assert.Empty(t, calls)
}

func TestInterceptors_CancelStopsDispatch(t *testing.T) {
	r := NewInterceptors()
	var calls int
	On(r, EventStageEntering, func(_ context.Context, ev *StageEvent) error {
		calls++
		ev.Cancel = true
		return nil
	})
	On(r, EventStageEntering, func(context.Context, *StageEvent) error {
		calls++
		return nil
	})
	ev := &StageEvent{kind: EventStageEntering, Stage: model.StageChangesApplying}
	require.NoError(t, r.Publish(context.Background(), ev))
	assert.True(t, ev.Canceled())
	assert.Equal(t, 1, calls)
}

func TestInterceptors_ErrorStopsDispatch(t *testing.T) {
	r := NewInterceptors()
	boom := errors.New("boom")
	var reached bool
	On(r, EventScopeSaved, func(context.Context, *ScopeEvent) error { return boom })
	On(r, EventScopeSaved, func(context.Context, *ScopeEvent) error {
		reached = true
		return nil
	})
	assert.ErrorIs(t, r.Publish(context.Background(), &ScopeEvent{kind: EventScopeSaved}), boom)
	assert.False(t, reached)
}

func TestInterceptors_LifecyclePayloadFilter(t *testing.T) {
	r := NewInterceptors()
	var tables, scopes int
	On(r, EventLifecycle, func(context.Context, *LifecycleEvent[*model.SyncTable]) error {
		tables++
		return nil
	})
	On(r, EventLifecycle, func(context.Context, *LifecycleEvent[*model.ScopeInfo]) error {
		scopes++
		return nil
	})
	require.NoError(t, r.Publish(context.Background(), &LifecycleEvent[*model.SyncTable]{ObjectKind: provider.ObjectTable}))
	assert.Equal(t, 1, tables)
	assert.Zero(t, scopes)
}

func TestInterceptors_NilRegistry(t *testing.T) {
	var r *Interceptors
	assert.NoError(t, r.Publish(context.Background(), &SchemaEvent{}))
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "row_conflict", EventRowConflict.String())
	assert.Equal(t, "unknown", EventKind(999).String())
}

func TestProvision_LifecycleCancelSkipsObject(t *testing.T) {
	server, client := newServer(t), newClient(t)
	agent := newAgent(t, client, server, testOptions())

	var created []string
	On(agent.Local().Interceptors(), EventLifecycle, func(_ context.Context, ev *LifecycleEvent[*model.SyncTable]) error {
		if ev.Phase == PhaseBefore && ev.ObjectKind == provider.ObjectTriggers && ev.Object.TableName == "Product" {
			ev.Cancel = true
		}
		if ev.Phase == PhaseAfter && ev.Action == ActionCreate {
			created = append(created, ev.Object.TableName+"/"+ev.ObjectKind.String())
		}
		return nil
	})

	_, err := agent.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ProductCategory/table",
		"ProductCategory/tracking_table",
		"ProductCategory/triggers",
		"Product/table",
		"Product/tracking_table",
	}, created)
}
