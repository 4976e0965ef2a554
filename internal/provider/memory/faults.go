package memory

import "github.com/arwahdevops/bisync/internal/model"

// ApplyHook runs before every ApplyRow; a non-nil error fails the call.
type ApplyHook func(table *model.SyncTable, row *model.SyncRow) error

type faults struct {
	openErrs   []error
	commitErrs []error
	applyErrs  []error
	applyHook  ApplyHook
}

func (f *faults) takeOpen() error   { return take(&f.openErrs) }
func (f *faults) takeCommit() error { return take(&f.commitErrs) }

func (f *faults) takeApply(table *model.SyncTable, row *model.SyncRow) error {
	if err := take(&f.applyErrs); err != nil {
		return err
	}
	if f.applyHook != nil {
		return f.applyHook(table, row)
	}
	return nil
}

func take(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}

// FailOpens makes the next n OpenSession calls fail with err.
func (s *Store) FailOpens(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range n {
		s.faults.openErrs = append(s.faults.openErrs, err)
	}
}

// FailCommits makes the next n Commit calls fail with err.
func (s *Store) FailCommits(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range n {
		s.faults.commitErrs = append(s.faults.commitErrs, err)
	}
}

// FailApplies makes the next n ApplyRow calls fail with err.
func (s *Store) FailApplies(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range n {
		s.faults.applyErrs = append(s.faults.applyErrs, err)
	}
}

// OnApply installs hook, replacing any previous one. Pass nil to remove it.
// The hook runs with the store lock held and must not call back into s.
func (s *Store) OnApply(hook ApplyHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults.applyHook = hook
}

// OpenSessions is the number of sessions not yet closed.
func (s *Store) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openSessions
}
