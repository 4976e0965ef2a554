// internal/sync/errors.go
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider"
)

// ErrorKind classifies every fatal error a session can surface.
type ErrorKind string

const (
	KindSchema             ErrorKind = "schema"
	KindConcurrency        ErrorKind = "concurrency"
	KindConflictUnresolved ErrorKind = "conflict_unresolved"
	KindTransient          ErrorKind = "transient"
	KindCancelled          ErrorKind = "cancelled"
	KindProvider           ErrorKind = "provider"
)

// Sentinels matched by errors.Is against a *SyncError of the same kind.
var (
	ErrSchema             = &SyncError{Kind: KindSchema}
	ErrConcurrency        = &SyncError{Kind: KindConcurrency}
	ErrConflictUnresolved = &SyncError{Kind: KindConflictUnresolved}
	ErrTransient          = &SyncError{Kind: KindTransient}
	ErrCancelled          = &SyncError{Kind: KindCancelled}

	// ErrSessionInProgress rejects a second session on a busy scope.
	ErrSessionInProgress = errors.New("a sync session is already in progress for this scope")
	errStageVetoed       = errors.New("stage cancelled by interceptor")
)

// SyncError is the error every orchestrator operation fails with. It records
// the stage and side the failure happened in.
type SyncError struct {
	Kind  ErrorKind
	Stage model.SyncStage
	Side  model.Side
	Table string
	Err   error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sync %s error", e.Kind)
	}
	msg := fmt.Sprintf("sync %s error on %s during %s", e.Kind, e.Side, e.Stage)
	if e.Table != "" {
		msg += " (table " + e.Table + ")"
	}
	return msg + ": " + e.Err.Error()
}

func (e *SyncError) Unwrap() error { return e.Err }

func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	return ok && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of err, or "" when err is not a *SyncError.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// classify maps a raw error onto the taxonomy.
func classify(err error) ErrorKind {
	var se *SyncError
	switch {
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, errStageVetoed):
		return KindCancelled
	case errors.Is(err, model.ErrSchema):
		return KindSchema
	case errors.Is(err, provider.ErrVersionConflict):
		return KindConcurrency
	case provider.IsTransient(err):
		return KindTransient
	default:
		return KindProvider
	}
}

// wrapErr attaches stage and side. A *SyncError keeps its kind and only has
// missing location fields filled in.
func wrapErr(err error, stage model.SyncStage, side model.Side, table string) error {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) && se.Err != nil {
		if se.Stage == model.StageNone {
			se.Stage, se.Side = stage, side
		}
		if se.Table == "" {
			se.Table = table
		}
		return err
	}
	return &SyncError{Kind: classify(err), Stage: stage, Side: side, Table: table, Err: err}
}

func newCancelled(ctx context.Context, stage model.SyncStage, side model.Side) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return &SyncError{Kind: KindCancelled, Stage: stage, Side: side, Err: cause}
}

// checkCtx is the cancellation checkpoint used between units of work.
func checkCtx(ctx context.Context, stage model.SyncStage, side model.Side) error {
	if ctx.Err() != nil {
		return newCancelled(ctx, stage, side)
	}
	return nil
}
