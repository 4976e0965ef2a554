package sync

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arwahdevops/bisync/internal/model"
)

// Options configures orchestrators and the agent.
type Options struct {
	ScopeName string
	// BatchSize is the row count per batch part; 0 means one unbounded part.
	BatchSize int
	// BatchDirectory spills batches to disk when set; empty keeps them in memory.
	BatchDirectory string
	// SnapshotsDirectory enables snapshot creation and bulk initial load.
	SnapshotsDirectory string
	// ConflictPolicy is the default resolution; ServerWins unless configured.
	ConflictPolicy model.ConflictPolicy
	// MaxRetries bounds retries of transient provider failures per operation.
	MaxRetries int
	// NewBackOff builds the wait schedule between retries.
	NewBackOff func() backoff.BackOff
	// CleanMetadata purges propagated tombstones at the end of a session.
	CleanMetadata bool
	// Tables is the set of tables the scope covers when it is first created.
	Tables []model.TableName
	// KeepBatches leaves on-disk batches in place after a session.
	KeepBatches bool
}

func DefaultOptions() Options {
	return Options{
		ScopeName:      model.DefaultScopeName,
		ConflictPolicy: model.PolicyServerWins,
		MaxRetries:     3,
		NewBackOff:     ExponentialBackOff(500*time.Millisecond, 30*time.Second),
	}
}

func (o Options) withDefaults() Options {
	if o.ScopeName == "" {
		o.ScopeName = model.DefaultScopeName
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.NewBackOff == nil {
		o.NewBackOff = ExponentialBackOff(500*time.Millisecond, 30*time.Second)
	}
	return o
}

// ExponentialBackOff returns a factory of exponential schedules bounded by
// maxInterval between attempts and without an overall elapsed limit.
func ExponentialBackOff(initial, maxInterval time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = maxInterval
		b.MaxElapsedTime = 0
		return b
	}
}

// ConstantBackOff returns a factory of fixed waits.
func ConstantBackOff(d time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff { return backoff.NewConstantBackOff(d) }
}
