// internal/sync/session_lock.go
package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/arwahdevops/bisync/internal/model"
)

// sessionLocks guarantees a single running session per client store and
// scope. Inside the process a map guards the key; when a batch directory is
// configured a lock file extends the guarantee to other processes sharing
// that directory.
type sessionLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var activeSessions = &sessionLocks{held: make(map[string]struct{})}

func lockFileName(key string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return "." + r.Replace(key) + ".lock"
}

// sessionBusy is a concurrency error matching ErrSessionInProgress.
func sessionBusy(key string) error {
	return &SyncError{Kind: KindConcurrency, Stage: model.StageBeginSession, Side: model.SideClient,
		Err: fmt.Errorf("%w (%s)", ErrSessionInProgress, key)}
}

// acquire takes the lock for key or fails with ErrSessionInProgress.
func (l *sessionLocks) acquire(key, dir string) (release func(), err error) {
	l.mu.Lock()
	if _, busy := l.held[key]; busy {
		l.mu.Unlock()
		return nil, sessionBusy(key)
	}
	l.held[key] = struct{}{}
	l.mu.Unlock()

	unmark := func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}
	if dir == "" {
		return unmark, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		unmark()
		return nil, fmt.Errorf("failed to create lock directory %s: %w", dir, err)
	}
	fl := flock.New(filepath.Join(dir, lockFileName(key)))
	locked, err := fl.TryLock()
	if err != nil {
		unmark()
		return nil, fmt.Errorf("failed to lock %s: %w", fl.Path(), err)
	}
	if !locked {
		unmark()
		return nil, sessionBusy(key)
	}
	return func() {
		_ = fl.Unlock()
		unmark()
	}, nil
}
