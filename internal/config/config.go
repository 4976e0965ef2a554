package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v8"

	"github.com/arwahdevops/bisync/internal/model"
	projectSync "github.com/arwahdevops/bisync/internal/sync"
)

type Config struct {
	// Sync Settings
	ScopeName          string        `env:"SYNC_SCOPE_NAME" envDefault:"DefaultScope"`
	Tables             []string      `env:"SYNC_TABLES,required" envSeparator:","`
	SyncDirection      string        `env:"SYNC_DIRECTION" envDefault:"bidirectional"` // bidirectional, upload_only, download_only
	SyncType           string        `env:"SYNC_TYPE" envDefault:"normal"`             // normal, reinitialize, reinitialize_with_upload
	ConflictPolicy     string        `env:"CONFLICT_POLICY" envDefault:"server_wins"`
	BatchSize          int           `env:"BATCH_SIZE" envDefault:"1000"` // 0 = satu part tanpa batas
	BatchDirectory     string        `env:"BATCH_DIRECTORY" envDefault:""`
	KeepBatches        bool          `env:"KEEP_BATCHES" envDefault:"false"`
	SnapshotsDirectory string        `env:"SNAPSHOTS_DIRECTORY" envDefault:""`
	CreateSnapshot     bool          `env:"CREATE_SNAPSHOT" envDefault:"false"` // Build the server snapshot before the first session
	CleanMetadata      bool          `env:"CLEAN_METADATA" envDefault:"true"`
	ProvisionOnly      bool          `env:"PROVISION_ONLY" envDefault:"false"`
	SyncInterval       time.Duration `env:"SYNC_INTERVAL" envDefault:"0s"` // 0 = run once
	SessionTimeout     time.Duration `env:"SESSION_TIMEOUT" envDefault:"30m"`

	// Retry Logic (transient provider errors and initial connection)
	MaxRetries       int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryInterval    time.Duration `env:"RETRY_INTERVAL" envDefault:"500ms"`
	RetryMaxInterval time.Duration `env:"RETRY_MAX_INTERVAL" envDefault:"30s"`

	// Connection Pool
	ConnPoolSize    int           `env:"CONN_POOL_SIZE" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"1h"`

	// Observability & Debugging
	EnableJsonLogging bool `env:"ENABLE_JSON_LOGGING" envDefault:"false"`
	DebugMode         bool `env:"DEBUG_MODE" envDefault:"false"`
	EnablePprof       bool `env:"ENABLE_PPROF" envDefault:"false"`
	MetricsPort       int  `env:"METRICS_PORT" envDefault:"9091"` // Port for /metrics, /healthz, /readyz, /status, /debug/pprof

	// Vault
	VaultEnabled    bool   `env:"VAULT_ENABLED" envDefault:"false"`
	VaultAddr       string `env:"VAULT_ADDR" envDefault:"http://127.0.0.1:8200"`
	VaultToken      string `env:"VAULT_TOKEN" envDefault:""`
	VaultCACert     string `env:"VAULT_CACERT" envDefault:""`
	VaultSkipVerify bool   `env:"VAULT_SKIP_VERIFY" envDefault:"false"`
	VaultMount      string `env:"VAULT_KV_MOUNT" envDefault:"secret"`
	VaultKVVersion  int    `env:"VAULT_KV_VERSION" envDefault:"2"`

	// Database Configurations. LOCAL is the client replica, REMOTE the server.
	LocalDB  DatabaseConfig `envPrefix:"LOCAL_"`
	RemoteDB DatabaseConfig `envPrefix:"REMOTE_"`
}

type DatabaseConfig struct {
	Dialect  string `env:"DIALECT,required"`
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     int    `env:"PORT" envDefault:"0"`
	User     string `env:"USER" envDefault:""`
	Password string `env:"PASSWORD" envDefault:""`
	DBName   string `env:"DBNAME,required"` // File path for sqlite
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`

	// Vault KV lookup, used when Password is empty.
	SecretPath  string `env:"SECRET_PATH" envDefault:""`
	UsernameKey string `env:"USERNAME_KEY" envDefault:"username"`
	PasswordKey string `env:"PASSWORD_KEY" envDefault:"password"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	opts := env.Options{RequiredIfNoDef: true}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config parsing error: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks a config after loading and again after CLI overrides.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.ScopeName) == "" {
		return fmt.Errorf("scope name cannot be empty")
	}
	if len(cfg.TableNames()) == 0 {
		return fmt.Errorf("SYNC_TABLES must list at least one table")
	}
	if _, err := model.ParseSyncDirection(cfg.SyncDirection); err != nil {
		return fmt.Errorf("invalid sync direction: %w", err)
	}
	if _, err := model.ParseSyncType(cfg.SyncType); err != nil {
		return fmt.Errorf("invalid sync type: %w", err)
	}
	if _, err := model.ParseConflictPolicy(cfg.ConflictPolicy); err != nil {
		return fmt.Errorf("invalid conflict policy: %w", err)
	}

	// Validasi nilai numerik
	if cfg.BatchSize < 0 {
		return fmt.Errorf("batch size cannot be negative")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if cfg.RetryInterval <= 0 {
		return fmt.Errorf("retry interval must be positive")
	}
	if cfg.RetryMaxInterval < cfg.RetryInterval {
		return fmt.Errorf("retry max interval (%s) must not be below retry interval (%s)", cfg.RetryMaxInterval, cfg.RetryInterval)
	}
	if cfg.ConnPoolSize <= 0 {
		return fmt.Errorf("connection pool size must be positive")
	}
	if cfg.SyncInterval < 0 || cfg.SessionTimeout < 0 {
		return fmt.Errorf("sync interval and session timeout cannot be negative")
	}
	if cfg.CreateSnapshot && cfg.SnapshotsDirectory == "" {
		return fmt.Errorf("CREATE_SNAPSHOT requires SNAPSHOTS_DIRECTORY")
	}
	if cfg.MetricsPort < 1 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}

	if err := validateDatabase(&cfg.LocalDB, "local"); err != nil {
		return err
	}
	if err := validateDatabase(&cfg.RemoteDB, "remote"); err != nil {
		return err
	}
	if cfg.LocalDB.Dialect == cfg.RemoteDB.Dialect && cfg.LocalDB.Address() == cfg.RemoteDB.Address() {
		return fmt.Errorf("local and remote databases must differ (both %s)", cfg.LocalDB.Address())
	}
	return nil
}

var allowedDialects = map[string]bool{"mysql": true, "postgres": true, "sqlite": true}

var validSSL = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

func validateDatabase(d *DatabaseConfig, label string) error {
	d.Dialect = strings.ToLower(d.Dialect)
	if !allowedDialects[d.Dialect] {
		return fmt.Errorf("invalid %s database dialect: %s. Valid options: %v", label, d.Dialect, getMapKeys(allowedDialects))
	}
	if d.DBName == "" {
		return fmt.Errorf("%s database name cannot be empty", label)
	}
	if d.Dialect == "sqlite" {
		return nil
	}
	if d.Port == 0 {
		d.Port = defaultPort(d.Dialect)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("invalid %s port: %d", label, d.Port)
	}
	if !validSSL[strings.ToLower(d.SSLMode)] {
		return fmt.Errorf("invalid SSL mode for %s DB: %s", label, d.SSLMode)
	}
	return nil
}

func defaultPort(dialect string) int {
	if dialect == "mysql" {
		return 3306
	}
	return 5432
}

func getMapKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys) // Sort for consistent error messages
	return keys
}

// Address identifies the database without credentials.
func (d DatabaseConfig) Address() string {
	if d.Dialect == "sqlite" {
		return "sqlite:" + d.DBName
	}
	return fmt.Sprintf("%s://%s:%d/%s", d.Dialect, d.Host, d.Port, d.DBName)
}

// DSN builds the driver connection string for the given credentials.
func (d DatabaseConfig) DSN(username, password string) (string, error) {
	sslmode := strings.ToLower(d.SSLMode)
	switch d.Dialect {
	case "mysql":
		// Referensi: https://github.com/go-sql-driver/mysql#dsn-data-source-name
		tlsParam := "false"
		switch sslmode {
		case "", "disable":
		case "allow", "prefer":
			tlsParam = "preferred"
		default:
			// verify-ca/verify-full butuh mysql.RegisterTLSConfig; DSN saja hanya "true".
			tlsParam = "true"
		}
		// loc=UTC: kolom waktu dibandingkan lintas peer.
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC&timeout=10s&readTimeout=60s&writeTimeout=60s&tls=%s",
			username, password, d.Host, d.Port, d.DBName, tlsParam), nil
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=10 TimeZone=UTC",
			d.Host, d.Port, username, password, d.DBName, sslmode), nil
	case "sqlite":
		// Referensi: https://github.com/mattn/go-sqlite3#connection-string
		return fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", d.DBName), nil
	}
	return "", fmt.Errorf("unsupported database dialect: %s", d.Dialect)
}

// TableNames parses SYNC_TABLES entries ("table" or "schema.table").
func (c *Config) TableNames() []model.TableName {
	var names []model.TableName
	for _, t := range c.Tables {
		if t = strings.TrimSpace(t); t != "" {
			names = append(names, model.ParseTableName(t))
		}
	}
	return names
}

// SyncOptions maps the config onto the options of the sync core.
func (c *Config) SyncOptions() (projectSync.Options, error) {
	policy, err := model.ParseConflictPolicy(c.ConflictPolicy)
	if err != nil {
		return projectSync.Options{}, err
	}
	opts := projectSync.DefaultOptions()
	opts.ScopeName = c.ScopeName
	opts.Tables = c.TableNames()
	opts.BatchSize = c.BatchSize
	opts.BatchDirectory = c.BatchDirectory
	opts.KeepBatches = c.KeepBatches
	opts.SnapshotsDirectory = c.SnapshotsDirectory
	opts.ConflictPolicy = policy
	opts.MaxRetries = c.MaxRetries
	opts.NewBackOff = projectSync.ExponentialBackOff(c.RetryInterval, c.RetryMaxInterval)
	opts.CleanMetadata = c.CleanMetadata
	return opts, nil
}

// SessionOptions returns the per-session type and direction.
func (c *Config) SessionOptions() ([]projectSync.SyncOption, error) {
	direction, err := model.ParseSyncDirection(c.SyncDirection)
	if err != nil {
		return nil, err
	}
	syncType, err := model.ParseSyncType(c.SyncType)
	if err != nil {
		return nil, err
	}
	return []projectSync.SyncOption{projectSync.WithDirection(direction), projectSync.WithSyncType(syncType)}, nil
}
