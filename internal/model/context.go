package model

import (
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"
)

type SyncStage int

// Stages in the order a session walks through them.
const (
	StageNone SyncStage = iota
	StageBeginSession
	StageScopeLoading
	StageSchemaReading
	StageProvisioning
	StageSnapshotCreating
	StageSnapshotApplying
	StageChangesSelecting
	StageChangesApplying
	StageMetadataCleaning
	StageEndSession
	StageDeprovisioning
)

var stageNames = [...]string{
	"none", "begin_session", "scope_loading", "schema_reading", "provisioning",
	"snapshot_creating", "snapshot_applying", "changes_selecting", "changes_applying",
	"metadata_cleaning", "end_session", "deprovisioning",
}

func (s SyncStage) String() string {
	if int(s) >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("SyncStage(%d)", int(s))
}

type SyncType int

const (
	SyncNormal SyncType = iota
	SyncReinitialize
	SyncReinitializeWithUpload
)

func (t SyncType) String() string {
	switch t {
	case SyncReinitialize:
		return "reinitialize"
	case SyncReinitializeWithUpload:
		return "reinitialize_with_upload"
	default:
		return "normal"
	}
}

func ParseSyncType(s string) (SyncType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return SyncNormal, nil
	case "reinitialize":
		return SyncReinitialize, nil
	case "reinitialize_with_upload":
		return SyncReinitializeWithUpload, nil
	}
	return SyncNormal, fmt.Errorf("unknown sync type %q", s)
}

type SyncDirection int

const (
	Bidirectional SyncDirection = iota
	UploadOnly
	DownloadOnly
)

func (d SyncDirection) String() string {
	switch d {
	case UploadOnly:
		return "upload_only"
	case DownloadOnly:
		return "download_only"
	default:
		return "bidirectional"
	}
}

func ParseSyncDirection(s string) (SyncDirection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bidirectional":
		return Bidirectional, nil
	case "upload_only", "upload":
		return UploadOnly, nil
	case "download_only", "download":
		return DownloadOnly, nil
	}
	return Bidirectional, fmt.Errorf("unknown sync direction %q", s)
}

type Side int

const (
	SideClient Side = iota
	SideServer
)

func (s Side) String() string {
	if s == SideServer {
		return "server"
	}
	return "client"
}

// SyncContext is the per-session state. Only the orchestrator owning it
// advances Stage.
type SyncContext struct {
	SessionID  uuid.UUID
	ScopeName  string
	Stage      SyncStage
	SyncType   SyncType
	Direction  SyncDirection
	Side       Side
	Parameters map[string]any
}

func NewSyncContext(scopeName string, syncType SyncType, direction SyncDirection) *SyncContext {
	return &SyncContext{
		SessionID: uuid.New(),
		ScopeName: scopeName,
		SyncType:  syncType,
		Direction: direction,
	}
}

// ForSide copies the context for one orchestrator; both copies share the
// session id.
func (c *SyncContext) ForSide(side Side) *SyncContext {
	cc := *c
	cc.Side = side
	cc.Parameters = maps.Clone(c.Parameters)
	return &cc
}
