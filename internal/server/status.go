package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	projectSync "github.com/arwahdevops/bisync/internal/sync"
)

// SessionReport is the JSON view of one finished session.
type SessionReport struct {
	SessionID         string           `json:"session_id"`
	Scope             string           `json:"scope"`
	SyncType          string           `json:"sync_type"`
	Direction         string           `json:"direction"`
	StartTime         time.Time        `json:"start_time"`
	CompleteTime      time.Time        `json:"complete_time"`
	DurationMs        int64            `json:"duration_ms"`
	Uploaded          int              `json:"uploaded"`
	Downloaded        int              `json:"downloaded"`
	SnapshotRows      int              `json:"snapshot_rows,omitempty"`
	ResolvedConflicts int              `json:"resolved_conflicts"`
	TombstonesPurged  map[string]int64 `json:"tombstones_purged,omitempty"`
	Error             string           `json:"error,omitempty"`
	ErrorKind         string           `json:"error_kind,omitempty"`
}

type statusBody struct {
	Sessions int            `json:"sessions"`
	Failures int            `json:"failures"`
	Last     *SessionReport `json:"last,omitempty"`
}

// Status remembers the outcome of the latest session for /status.
type Status struct {
	mu   sync.RWMutex
	body statusBody
}

func NewStatus() *Status { return &Status{} }

// Record stores the outcome of a session. result may be nil when the
// session failed before it started.
func (s *Status) Record(result *projectSync.SyncResult, err error) {
	report := &SessionReport{}
	if result != nil {
		report.SessionID = result.SessionID.String()
		report.Scope = result.ScopeName
		report.SyncType = result.SyncType.String()
		report.Direction = result.Direction.String()
		report.StartTime = result.StartTime
		report.CompleteTime = result.CompleteTime
		report.DurationMs = result.Duration().Milliseconds()
		report.Uploaded = result.Upload.TotalApplied()
		report.Downloaded = result.Download.TotalApplied()
		report.SnapshotRows = result.TotalChangesApplied() - report.Uploaded - report.Downloaded
		report.ResolvedConflicts = result.TotalResolvedConflicts()
		if n := len(result.ClientMetadataCleaned) + len(result.ServerMetadataCleaned); n > 0 {
			report.TombstonesPurged = make(map[string]int64, n)
			for table, c := range result.ClientMetadataCleaned {
				report.TombstonesPurged["client:"+table] = c
			}
			for table, c := range result.ServerMetadataCleaned {
				report.TombstonesPurged["server:"+table] = c
			}
		}
	}
	if err != nil {
		report.Error = err.Error()
		report.ErrorKind = string(projectSync.KindOf(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.body.Sessions++
	if err != nil {
		s.body.Failures++
	}
	s.body.Last = report
}

func (s *Status) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	payload, err := json.Marshal(s.body)
	s.mu.RUnlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}
