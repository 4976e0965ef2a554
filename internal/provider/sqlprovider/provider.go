// Package sqlprovider implements provider.Provider on top of gorm for
// SQLite, PostgreSQL and MySQL. Change tracking uses a side table per synced
// table maintained by triggers and a single-row logical clock table.
package sqlprovider

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/arwahdevops/bisync/internal/db"
	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider"
)

const (
	trackingSuffix = "_tracking"

	colTimestamp = "bisync_ts"
	colCreated   = "bisync_created_ts"
	colWriter    = "bisync_writer"
	colTombstone = "bisync_tombstone"

	queryCacheSize = 256
)

// Provider is a relational store reachable through a db.Connector.
type Provider struct {
	name    string
	db      *gorm.DB
	dialect dialect
	logger  *zap.Logger

	// queries holds generated select statements keyed by table shape.
	queries *lru.Cache[string, string]
}

var _ provider.Provider = (*Provider)(nil)

// New wraps conn. name identifies the store in logs, metrics and session
// locks and should be unique per database.
func New(name string, conn *db.Connector, logger *zap.Logger) (*Provider, error) {
	d, err := dialectFor(conn.Dialect)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, string](queryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	return &Provider{
		name:        name,
		db:          conn.DB,
		dialect:     d,
		logger:      logger.Named("sql-provider").With(zap.String("store", name), zap.String("dialect", d.name())),
		queries:     cache,
	}, nil
}

func (p *Provider) Name() string { return p.name }

// Dialect is the lower-case dialect name.
func (p *Provider) Dialect() string { return p.dialect.name() }

func (p *Provider) OpenSession(ctx context.Context) (provider.StoreSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get sql.DB: %w", err))
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, classify(fmt.Errorf("failed to reach %s: %w", p.name, err))
	}
	return &session{db: p.db}, nil
}

// session holds the pool handle and, while a transaction is open, the
// transaction handle every statement then goes through.
type session struct {
	db     *gorm.DB
	tx     *gorm.DB
	closed bool
}

func (s *session) conn(ctx context.Context) *gorm.DB {
	if s.tx != nil {
		return s.tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

func (s *session) BeginTx(ctx context.Context) error {
	if s.closed {
		return provider.ErrSessionClosed
	}
	if s.tx != nil {
		return provider.ErrTxActive
	}
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", tx.Error))
	}
	s.tx = tx
	return nil
}

func (s *session) Commit(ctx context.Context) error {
	if s.closed {
		return provider.ErrSessionClosed
	}
	if s.tx == nil {
		return provider.ErrNoTransaction
	}
	err := s.tx.Commit().Error
	s.tx = nil
	return classify(err)
}

func (s *session) Rollback() error {
	if s.tx == nil {
		return provider.ErrNoTransaction
	}
	err := s.tx.Rollback().Error
	s.tx = nil
	return classify(err)
}

func (s *session) InTx() bool { return s.tx != nil }

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.tx != nil {
		return s.Rollback()
	}
	return nil
}

func asSession(sess provider.StoreSession) (*session, error) {
	s, ok := sess.(*session)
	if !ok || s == nil {
		return nil, fmt.Errorf("sqlprovider: foreign session %T", sess)
	}
	if s.closed {
		return nil, provider.ErrSessionClosed
	}
	return s, nil
}

func trackingName(table *model.SyncTable) string { return table.TableName + trackingSuffix }

func (p *Provider) quote(ident string) string { return p.dialect.quote(ident) }
