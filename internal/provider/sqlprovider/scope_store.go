package sqlprovider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider"
)

type scopeInfoRecord struct {
	Name                    string `gorm:"primaryKey;size:100"`
	ScopeID                 string `gorm:"size:36;not null"`
	Schema                  string
	LastLocalTimestamp      int64 `gorm:"not null"`
	LastServerSyncTimestamp int64 `gorm:"not null"`
	LastSyncDurationMs      int64 `gorm:"not null"`
	LastSync                *time.Time
	ProtocolVersion         string `gorm:"size:20"`
	Version                 int64  `gorm:"not null"`
}

func (scopeInfoRecord) TableName() string { return "bisync_scope_info" }

type peerScopeRecord struct {
	ScopeName         string `gorm:"primaryKey;size:100"`
	PeerScopeID       string `gorm:"primaryKey;size:36"`
	LastSyncTimestamp int64  `gorm:"not null"`
	LastSync          *time.Time
}

func (peerScopeRecord) TableName() string { return "bisync_scope_info_peer" }

// clockRecord is the single-row logical clock bumped by every tracking
// trigger.
type clockRecord struct {
	ID int   `gorm:"primaryKey;autoIncrement:false"`
	TS int64 `gorm:"column:ts;not null"`
}

func (clockRecord) TableName() string { return clockTable }

func (p *Provider) GetScopeInfo(ctx context.Context, sess provider.StoreSession, name string) (*model.ScopeInfo, error) {
	s, err := asSession(sess)
	if err != nil {
		return nil, err
	}
	var rec scopeInfoRecord
	err = s.conn(ctx).Where("name = ?", name).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to load scope %s: %w", name, err))
	}
	return rec.toModel()
}

func (r *scopeInfoRecord) toModel() (*model.ScopeInfo, error) {
	id, err := uuid.Parse(r.ScopeID)
	if err != nil {
		return nil, fmt.Errorf("scope %s has an invalid id %q: %w", r.Name, r.ScopeID, err)
	}
	scope := &model.ScopeInfo{
		ID:                      id,
		Name:                    r.Name,
		LastLocalTimestamp:      r.LastLocalTimestamp,
		LastServerSyncTimestamp: r.LastServerSyncTimestamp,
		LastSyncDuration:        time.Duration(r.LastSyncDurationMs) * time.Millisecond,
		ProtocolVersion:         r.ProtocolVersion,
		Version:                 r.Version,
	}
	if r.LastSync != nil {
		scope.LastSync = r.LastSync.UTC()
	}
	if r.Schema != "" {
		var set model.SyncSet
		if err := json.Unmarshal([]byte(r.Schema), &set); err != nil {
			return nil, fmt.Errorf("scope %s has an unreadable schema: %w", r.Name, err)
		}
		scope.Schema = &set
	}
	return scope, nil
}

func scopeRecordFrom(scope *model.ScopeInfo) (*scopeInfoRecord, error) {
	rec := &scopeInfoRecord{
		Name:                    scope.Name,
		ScopeID:                 scope.ID.String(),
		LastLocalTimestamp:      scope.LastLocalTimestamp,
		LastServerSyncTimestamp: scope.LastServerSyncTimestamp,
		LastSyncDurationMs:      scope.LastSyncDuration.Milliseconds(),
		ProtocolVersion:         scope.ProtocolVersion,
		Version:                 scope.Version,
	}
	if !scope.LastSync.IsZero() {
		t := scope.LastSync.UTC()
		rec.LastSync = &t
	}
	if scope.Schema != nil {
		b, err := json.Marshal(scope.Schema)
		if err != nil {
			return nil, fmt.Errorf("failed to encode schema of scope %s: %w", scope.Name, err)
		}
		rec.Schema = string(b)
	}
	return rec, nil
}

// SaveScopeInfo inserts the scope when expectedVersion is 0 and otherwise
// updates it only where the stored version still equals expectedVersion.
func (p *Provider) SaveScopeInfo(ctx context.Context, sess provider.StoreSession, scope *model.ScopeInfo, expectedVersion int64) error {
	s, err := asSession(sess)
	if err != nil {
		return err
	}
	rec, err := scopeRecordFrom(scope)
	if err != nil {
		return err
	}
	conn := s.conn(ctx)
	var res *gorm.DB
	if expectedVersion == 0 {
		res = conn.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	} else {
		res = conn.Model(&scopeInfoRecord{}).
			Where("name = ? AND version = ?", scope.Name, expectedVersion).
			Updates(map[string]any{
				"scope_id":                   rec.ScopeID,
				"schema":                     rec.Schema,
				"last_local_timestamp":       rec.LastLocalTimestamp,
				"last_server_sync_timestamp": rec.LastServerSyncTimestamp,
				"last_sync_duration_ms":      rec.LastSyncDurationMs,
				"last_sync":                  rec.LastSync,
				"protocol_version":           rec.ProtocolVersion,
				"version":                    rec.Version,
			})
	}
	if res.Error != nil {
		return classify(fmt.Errorf("failed to save scope %s: %w", scope.Name, res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("scope %s: persisted version differs from %d: %w", scope.Name, expectedVersion, provider.ErrVersionConflict)
	}
	return nil
}

func (p *Provider) GetPeerScopes(ctx context.Context, sess provider.StoreSession, scopeName string) ([]*model.PeerScope, error) {
	s, err := asSession(sess)
	if err != nil {
		return nil, err
	}
	var recs []peerScopeRecord
	if err := s.conn(ctx).Where("scope_name = ?", scopeName).Order("peer_scope_id").Find(&recs).Error; err != nil {
		return nil, classify(fmt.Errorf("failed to load peers of scope %s: %w", scopeName, err))
	}
	out := make([]*model.PeerScope, 0, len(recs))
	for _, r := range recs {
		id, err := uuid.Parse(r.PeerScopeID)
		if err != nil {
			return nil, fmt.Errorf("scope %s has an invalid peer id %q: %w", scopeName, r.PeerScopeID, err)
		}
		peer := &model.PeerScope{ScopeName: r.ScopeName, PeerScopeID: id, LastSyncTimestamp: r.LastSyncTimestamp}
		if r.LastSync != nil {
			peer.LastSync = r.LastSync.UTC()
		}
		out = append(out, peer)
	}
	return out, nil
}

func (p *Provider) SavePeerScope(ctx context.Context, sess provider.StoreSession, peer *model.PeerScope) error {
	s, err := asSession(sess)
	if err != nil {
		return err
	}
	rec := &peerScopeRecord{
		ScopeName:         peer.ScopeName,
		PeerScopeID:       peer.PeerScopeID.String(),
		LastSyncTimestamp: peer.LastSyncTimestamp,
	}
	if !peer.LastSync.IsZero() {
		t := peer.LastSync.UTC()
		rec.LastSync = &t
	}
	err = s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope_name"}, {Name: "peer_scope_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sync_timestamp", "last_sync"}),
	}).Create(rec).Error
	return classify(err)
}

func (p *Provider) DeletePeerScope(ctx context.Context, sess provider.StoreSession, scopeName string, peerID uuid.UUID) error {
	s, err := asSession(sess)
	if err != nil {
		return err
	}
	err = s.conn(ctx).Where("scope_name = ? AND peer_scope_id = ?", scopeName, peerID.String()).Delete(&peerScopeRecord{}).Error
	if err != nil {
		return classify(fmt.Errorf("failed to delete peer %s of scope %s: %w", peerID, scopeName, err))
	}
	return nil
}
