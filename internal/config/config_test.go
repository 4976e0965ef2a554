package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arwahdevops/bisync/internal/model"
)

func setBaseEnv(t *testing.T) {
	t.Setenv("SYNC_TABLES", "ProductCategory, sales.Product")
	t.Setenv("LOCAL_DIALECT", "sqlite")
	t.Setenv("LOCAL_DBNAME", "/tmp/client.db")
	t.Setenv("REMOTE_DIALECT", "Postgres")
	t.Setenv("REMOTE_HOST", "db.internal")
	t.Setenv("REMOTE_USER", "sync")
	t.Setenv("REMOTE_DBNAME", "catalog")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "DefaultScope", cfg.ScopeName)
	assert.Equal(t, []model.TableName{{Name: "ProductCategory"}, {Schema: "sales", Name: "Product"}}, cfg.TableNames())
	assert.Equal(t, "postgres", cfg.RemoteDB.Dialect)
	assert.Equal(t, 5432, cfg.RemoteDB.Port)
	assert.Equal(t, time.Duration(0), cfg.SyncInterval)
	assert.True(t, cfg.CleanMetadata)

	opts, err := cfg.SyncOptions()
	require.NoError(t, err)
	assert.Equal(t, model.PolicyServerWins, opts.ConflictPolicy)
	assert.Equal(t, 1000, opts.BatchSize)
	assert.Equal(t, 3, opts.MaxRetries)
	assert.NotNil(t, opts.NewBackOff)

	sessionOpts, err := cfg.SessionOptions()
	require.NoError(t, err)
	assert.Len(t, sessionOpts, 2)
}

func TestLoad_MissingTables(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SYNC_TABLES", " , ")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "Valid", mutate: func(c *Config) {}},
		{name: "Unknown direction", mutate: func(c *Config) { c.SyncDirection = "sideways" }, wantErr: "invalid sync direction"},
		{name: "Unknown sync type", mutate: func(c *Config) { c.SyncType = "full" }, wantErr: "invalid sync type"},
		{name: "Unknown policy", mutate: func(c *Config) { c.ConflictPolicy = "merge" }, wantErr: "invalid conflict policy"},
		{name: "Negative batch size", mutate: func(c *Config) { c.BatchSize = -1 }, wantErr: "batch size"},
		{name: "Snapshot without directory", mutate: func(c *Config) { c.CreateSnapshot = true }, wantErr: "SNAPSHOTS_DIRECTORY"},
		{name: "Bad dialect", mutate: func(c *Config) { c.RemoteDB.Dialect = "oracle" }, wantErr: "invalid remote database dialect"},
		{name: "Bad ssl mode", mutate: func(c *Config) { c.RemoteDB.SSLMode = "sometimes" }, wantErr: "invalid SSL mode"},
		{name: "Same database twice", mutate: func(c *Config) { c.RemoteDB = c.LocalDB }, wantErr: "must differ"},
		{name: "Retry max below interval", mutate: func(c *Config) { c.RetryMaxInterval = time.Millisecond }, wantErr: "retry max interval"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{
				ScopeName:        "catalog",
				Tables:           []string{"Product"},
				SyncDirection:    "bidirectional",
				SyncType:         "normal",
				ConflictPolicy:   "client_wins",
				RetryInterval:    time.Second,
				RetryMaxInterval: time.Minute,
				ConnPoolSize:     4,
				MetricsPort:      9091,
				LocalDB:          DatabaseConfig{Dialect: "sqlite", DBName: "client.db"},
				RemoteDB:         DatabaseConfig{Dialect: "mysql", Host: "db", DBName: "catalog", SSLMode: "disable"},
			}
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestDSN(t *testing.T) {
	testCases := []struct {
		name     string
		db       DatabaseConfig
		expected string
	}{
		{
			name:     "Postgres",
			db:       DatabaseConfig{Dialect: "postgres", Host: "pg", Port: 5432, DBName: "catalog", SSLMode: "require"},
			expected: "host=pg port=5432 user=u password=p dbname=catalog sslmode=require connect_timeout=10 TimeZone=UTC",
		},
		{
			name:     "MySQL without TLS",
			db:       DatabaseConfig{Dialect: "mysql", Host: "my", Port: 3306, DBName: "catalog", SSLMode: "disable"},
			expected: "u:p@tcp(my:3306)/catalog?charset=utf8mb4&parseTime=True&loc=UTC&timeout=10s&readTimeout=60s&writeTimeout=60s&tls=false",
		},
		{
			name:     "MySQL verify",
			db:       DatabaseConfig{Dialect: "mysql", Host: "my", Port: 3306, DBName: "catalog", SSLMode: "verify-full"},
			expected: "u:p@tcp(my:3306)/catalog?charset=utf8mb4&parseTime=True&loc=UTC&timeout=10s&readTimeout=60s&writeTimeout=60s&tls=true",
		},
		{
			name:     "SQLite",
			db:       DatabaseConfig{Dialect: "sqlite", DBName: "/data/client.db"},
			expected: "file:/data/client.db?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dsn, err := tc.db.DSN("u", "p")
			require.NoError(t, err)
			assert.Equal(t, tc.expected, dsn)
		})
	}

	_, err := DatabaseConfig{Dialect: "oracle"}.DSN("u", "p")
	assert.Error(t, err)
}
