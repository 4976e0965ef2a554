package model

import (
	"fmt"
	"strings"
)

// ConflictType names the remote (incoming) operation first and the local one
// second.
type ConflictType int

const (
	ConflictInsertInsert ConflictType = iota
	ConflictUpdateUpdate
	ConflictUpdateDelete
	ConflictDeleteUpdate
	ConflictDeleteDelete
)

func (c ConflictType) String() string {
	switch c {
	case ConflictInsertInsert:
		return "insert_insert"
	case ConflictUpdateUpdate:
		return "update_update"
	case ConflictUpdateDelete:
		return "update_delete"
	case ConflictDeleteUpdate:
		return "delete_update"
	case ConflictDeleteDelete:
		return "delete_delete"
	}
	return fmt.Sprintf("ConflictType(%d)", int(c))
}

// ClassifyConflict derives the conflict type from the incoming row state, the
// existing row state and whether the existing row was created after the
// last synchronization.
func ClassifyConflict(remote, local RowState, localIsNew bool) ConflictType {
	switch {
	case remote == RowDeleted && local == RowDeleted:
		return ConflictDeleteDelete
	case remote == RowDeleted:
		return ConflictDeleteUpdate
	case local == RowDeleted:
		return ConflictUpdateDelete
	case localIsNew:
		return ConflictInsertInsert
	default:
		return ConflictUpdateUpdate
	}
}

// SyncConflict pairs an incoming row with the existing row for the same key.
type SyncConflict struct {
	Type      ConflictType
	RemoteRow *SyncRow
	LocalRow  *SyncRow
}

type ConflictResolution int

const (
	ResolutionServerWins ConflictResolution = iota
	ResolutionClientWins
	ResolutionMergeRow
	ResolutionRollback
)

func (r ConflictResolution) String() string {
	switch r {
	case ResolutionServerWins:
		return "server_wins"
	case ResolutionClientWins:
		return "client_wins"
	case ResolutionMergeRow:
		return "merge_row"
	case ResolutionRollback:
		return "rollback"
	}
	return fmt.Sprintf("ConflictResolution(%d)", int(r))
}

// ConflictPolicy is the configured default resolution, applied uniformly to
// every conflict type when no interceptor overrides it.
type ConflictPolicy int

const (
	PolicyServerWins ConflictPolicy = iota
	PolicyClientWins
)

func (p ConflictPolicy) String() string {
	if p == PolicyClientWins {
		return "client_wins"
	}
	return "server_wins"
}

func (p ConflictPolicy) Resolution() ConflictResolution {
	if p == PolicyClientWins {
		return ResolutionClientWins
	}
	return ResolutionServerWins
}

func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "server_wins", "serverwins":
		return PolicyServerWins, nil
	case "client_wins", "clientwins":
		return PolicyClientWins, nil
	}
	return PolicyServerWins, fmt.Errorf("unknown conflict policy %q", s)
}
