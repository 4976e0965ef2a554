package model

import (
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is stamped on every saved scope.
const ProtocolVersion = "1.0"

// DefaultScopeName is used when no scope name is configured.
const DefaultScopeName = "DefaultScope"

// ScopeInfo is the persisted progress of one scope on one side.
//
// On the client LastLocalTimestamp is the local clock value up to which local
// changes have been sent, and LastServerSyncTimestamp the server clock value
// up to which server changes have been received. The server keeps its
// per-client progress in PeerScope records instead.
type ScopeInfo struct {
	ID                      uuid.UUID
	Name                    string
	Schema                  *SyncSet
	LastLocalTimestamp      int64
	LastServerSyncTimestamp int64
	LastSyncDuration        time.Duration
	LastSync                time.Time
	ProtocolVersion         string
	IsNewScope              bool
	// Version is the optimistic lock counter; 0 means never saved.
	Version int64
}

// NewScopeInfo returns the zero scope handed out when nothing is persisted.
func NewScopeInfo(name string) *ScopeInfo {
	return &ScopeInfo{
		ID:              uuid.New(),
		Name:            name,
		ProtocolVersion: ProtocolVersion,
		IsNewScope:      true,
	}
}

func (s *ScopeInfo) Clone() *ScopeInfo {
	c := *s
	if s.Schema != nil {
		c.Schema = s.Schema.CloneSchema()
	}
	return &c
}

// PeerScope records that a peer scope has observed this side's changes up to
// LastSyncTimestamp (in this side's clock).
type PeerScope struct {
	ScopeName         string
	PeerScopeID       uuid.UUID
	LastSyncTimestamp int64
	LastSync          time.Time
}
