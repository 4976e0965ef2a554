package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/arwahdevops/bisync/internal/logger"
)

const sqliteBusyTimeoutMs = 5000

var dialectors = map[string]func(dsn string) gorm.Dialector{
	"mysql":    mysql.Open,
	"postgres": postgres.Open,
	"sqlite":   func(dsn string) gorm.Dialector { return sqlite.Open(sqliteDSN(dsn)) },
}

// Connector is an open gorm pool for one sync peer.
type Connector struct {
	DB      *gorm.DB
	Dialect string
}

// New opens a pool for dialect. Every write of a session runs in an explicit
// transaction, so gorm's implicit per-statement transaction is turned off.
func New(dialect, dsn string, gl logger.GormLoggerInterface) (*Connector, error) {
	lcDialect := strings.ToLower(dialect)
	open, ok := dialectors[lcDialect]
	if !ok {
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	gdb, err := gorm.Open(open(dsn), &gorm.Config{
		Logger:                 gl,
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s peer: %w", lcDialect, err)
	}
	return &Connector{DB: gdb, Dialect: lcDialect}, nil
}

// sqliteDSN adds a busy timeout so the tracking triggers of a concurrent
// writer wait for the lock instead of failing with SQLITE_BUSY.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_busy_timeout") || strings.Contains(dsn, "_timeout=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_busy_timeout=%d", dsn, sep, sqliteBusyTimeoutMs)
}

func (c *Connector) sqlDB(op string) (*sql.DB, error) {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB for %s: %w", op, err)
	}
	return sqlDB, nil
}

// Optimize configures the underlying connection pool.
func (c *Connector) Optimize(poolSize int, maxLifetime time.Duration) error {
	sqlDB, err := c.sqlDB("optimization")
	if err != nil {
		return err
	}
	if poolSize <= 0 {
		poolSize = 10
	}
	if maxLifetime <= 0 {
		maxLifetime = time.Hour
	}

	switch c.Dialect {
	case "mysql", "postgres":
		sqlDB.SetMaxIdleConns(max(poolSize/2, 1))
		sqlDB.SetMaxOpenConns(poolSize)
		sqlDB.SetConnMaxLifetime(maxLifetime)
	case "sqlite":
		// Satu koneksi: transaksi sesi dan trigger tidak saling mengunci.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxLifetime(0)
	}
	return nil
}

func (c *Connector) Ping(ctx context.Context) error {
	sqlDB, err := c.sqlDB("ping")
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return sqlDB.PingContext(pingCtx)
}

// OpenConnections reports the pool size, or -1 when the pool is gone.
func (c *Connector) OpenConnections() int {
	sqlDB, err := c.sqlDB("stats")
	if err != nil {
		return -1
	}
	return sqlDB.Stats().OpenConnections
}

func (c *Connector) Close() error {
	sqlDB, err := c.sqlDB("close")
	if err != nil {
		logger.Log.Warn("Peer pool already unusable", zap.String("dialect", c.Dialect), zap.Error(err))
		return err
	}
	logger.Log.Info("Closing peer connection pool", zap.String("dialect", c.Dialect))
	return sqlDB.Close()
}
