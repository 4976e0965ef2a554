package model

import "time"

// BatchInfo describes the change set one side produced during a session.
// Parts replayed in Index order reconstruct every selected row exactly once.
type BatchInfo struct {
	ID            string
	DirectoryRoot string
	DirectoryName string
	InMemory      bool
	Parts         []*BatchPartInfo
	RowsCount     int
	// Timestamp is the upper watermark (source clock) the batch was selected at.
	Timestamp int64
}

func (b *BatchInfo) HasData() bool { return b != nil && b.RowsCount > 0 }

// LastPart returns the part flagged IsLastBatch, or nil for an empty batch.
func (b *BatchInfo) LastPart() *BatchPartInfo {
	for _, p := range b.Parts {
		if p.IsLastBatch {
			return p
		}
	}
	return nil
}

type BatchPartTableInfo struct {
	SchemaName string
	TableName  string
	RowsCount  int
}

func (t BatchPartTableInfo) Name() TableName {
	return TableName{Schema: t.SchemaName, Name: t.TableName}
}

type BatchPartInfo struct {
	Index       int
	IsLastBatch bool
	FileName    string
	Tables      []BatchPartTableInfo
	RowsCount   int
	// Data holds the rows while the batch is in memory; nil once serialized.
	Data *SyncSet
}

// HasTable reports whether the part carries rows for n.
func (p *BatchPartInfo) HasTable(n TableName) bool {
	for _, t := range p.Tables {
		if t.SchemaName == n.Schema && t.TableName == n.Name {
			return true
		}
	}
	return false
}

// SnapshotInfo describes a bulk initial load produced by the server.
type SnapshotInfo struct {
	ScopeName string
	Batch     *BatchInfo
	CreatedAt time.Time
}
