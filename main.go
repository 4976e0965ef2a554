// main.go
package main

import (
	"context"
	"errors"
	"flag"
	stdlog "log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arwahdevops/bisync/internal/config"
	"github.com/arwahdevops/bisync/internal/db"
	"github.com/arwahdevops/bisync/internal/logger"
	"github.com/arwahdevops/bisync/internal/metrics"
	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider/sqlprovider"
	"github.com/arwahdevops/bisync/internal/secrets"
	"github.com/arwahdevops/bisync/internal/server"
	projectSync "github.com/arwahdevops/bisync/internal/sync" // Alias untuk menghindari konflik nama
)

// Exit codes.
const (
	exitOK        = 0
	exitFailure   = 1
	exitConflict  = 2 // a conflict no policy or interceptor could resolve
	exitCancelled = 3
)

var (
	scopeOverride          string
	tablesOverride         string
	syncDirectionOverride  string
	syncTypeOverride       string
	conflictPolicyOverride string
	batchSizeOverride      int
	intervalOverride       time.Duration
	provisionOnly          bool
	deprovision            bool
)

func main() {
	flag.StringVar(&scopeOverride, "scope", "", "Override SYNC_SCOPE_NAME")
	flag.StringVar(&tablesOverride, "tables", "", "Override SYNC_TABLES (comma separated)")
	flag.StringVar(&syncDirectionOverride, "direction", "", "Override SYNC_DIRECTION (bidirectional, upload_only, download_only)")
	flag.StringVar(&syncTypeOverride, "sync-type", "", "Override SYNC_TYPE (normal, reinitialize, reinitialize_with_upload)")
	flag.StringVar(&conflictPolicyOverride, "conflict-policy", "", "Override CONFLICT_POLICY (server_wins, client_wins)")
	flag.IntVar(&batchSizeOverride, "batch-size", -1, "Override BATCH_SIZE (0 = unbounded)")
	flag.DurationVar(&intervalOverride, "interval", -1, "Override SYNC_INTERVAL (0 = run once)")
	flag.BoolVar(&provisionOnly, "provision", false, "Provision both peers and exit")
	flag.BoolVar(&deprovision, "deprovision", false, "Remove tracking objects from both peers and exit")
	flag.Parse()

	// 1. Load environment variables (.env overrides)
	if err := godotenv.Overload(".env"); err != nil {
		stdlog.Printf("Warning: Could not load .env file: %v. Relying on environment variables.\n", err)
	}

	// 2. Logger settings are read before the full config so config errors get logged.
	preCfg := &struct {
		EnableJsonLogging bool `env:"ENABLE_JSON_LOGGING" envDefault:"false"`
		DebugMode         bool `env:"DEBUG_MODE" envDefault:"false"`
	}{}
	if err := env.Parse(preCfg); err != nil {
		stdlog.Fatalf("Failed to parse pre-configuration for logger: %v", err)
	}
	if err := logger.Init(preCfg.DebugMode, preCfg.EnableJsonLogging); err != nil {
		stdlog.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Log.Sync() }()

	// 3. Load and validate configuration, then apply CLI overrides.
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal("Configuration loading error from environment", zap.Error(err))
	}
	applyCliOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		logger.Log.Fatal("Invalid configuration after CLI overrides", zap.Error(err))
	}
	logLoadedConfig(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg))
}

func run(ctx context.Context, cfg *config.Config) int {
	log := logger.Log
	metricsStore := metrics.NewMetricsStore()
	status := server.NewStatus()

	// Credentials
	vaultMgr, err := secrets.NewVaultManager(cfg, log)
	if err != nil {
		log.Error("Failed to initialize Vault secret manager", zap.Error(err))
		return exitFailure
	}
	managers := []secrets.SecretManager{vaultMgr}
	localCreds, err := secrets.Resolve(ctx, cfg.LocalDB, "local", managers, log)
	if err != nil {
		log.Error("Failed to load local DB credentials", zap.Error(err))
		return exitFailure
	}
	remoteCreds, err := secrets.Resolve(ctx, cfg.RemoteDB, "remote", managers, log)
	if err != nil {
		log.Error("Failed to load remote DB credentials", zap.Error(err))
		return exitFailure
	}

	// Connect both peers concurrently.
	var localConn, remoteConn *db.Connector
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		localConn, err = connectDBWithRetry(gctx, cfg, cfg.LocalDB, localCreds, "local", metricsStore)
		return err
	})
	g.Go(func() error {
		var err error
		remoteConn, err = connectDBWithRetry(gctx, cfg, cfg.RemoteDB, remoteCreds, "remote", metricsStore)
		return err
	})
	connErr := g.Wait()
	defer func() {
		for _, c := range []*db.Connector{localConn, remoteConn} {
			if c != nil {
				if err := c.Close(); err != nil {
					log.Error("Error closing database", zap.String("dialect", c.Dialect), zap.Error(err))
				}
			}
		}
	}()
	if connErr != nil {
		log.Error("Failed to establish database connections", zap.Error(connErr))
		return exitFailure
	}
	for _, c := range []*db.Connector{localConn, remoteConn} {
		if err := c.Optimize(cfg.ConnPoolSize, cfg.ConnMaxLifetime); err != nil {
			log.Warn("Failed to optimize DB pool", zap.String("dialect", c.Dialect), zap.Error(err))
		}
	}

	serverCtx, stopServer := context.WithCancel(context.Background())
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		server.RunHTTPServer(serverCtx, cfg, metricsStore, status, localConn, remoteConn, log)
	}()
	defer func() {
		stopServer()
		<-serverDone
	}()

	agent, err := buildAgent(cfg, localConn, remoteConn, metricsStore, log)
	if err != nil {
		log.Error("Failed to build sync agent", zap.Error(err))
		return exitFailure
	}

	switch {
	case deprovision:
		if err := agent.Deprovision(ctx, true); err != nil {
			log.Error("Deprovisioning failed", zap.Error(err))
			return exitCode(err)
		}
		log.Info("Deprovisioning completed")
		return exitOK
	case provisionOnly || cfg.ProvisionOnly:
		if _, err := agent.Provision(ctx); err != nil {
			log.Error("Provisioning failed", zap.Error(err))
			return exitCode(err)
		}
		log.Info("Provisioning completed")
		return exitOK
	}

	if cfg.CreateSnapshot {
		if err := createSnapshot(ctx, agent, cfg, log); err != nil {
			log.Error("Snapshot creation failed", zap.Error(err))
			return exitCode(err)
		}
	}

	sessionOpts, err := cfg.SessionOptions()
	if err != nil {
		log.Error("Invalid session options", zap.Error(err))
		return exitFailure
	}
	return runSessions(ctx, cfg, agent, status, sessionOpts, log)
}

func buildAgent(cfg *config.Config, localConn, remoteConn *db.Connector, m *metrics.Store, log *zap.Logger) (*projectSync.SyncAgent, error) {
	opts, err := cfg.SyncOptions()
	if err != nil {
		return nil, err
	}
	localProvider, err := sqlprovider.New(cfg.LocalDB.Address(), localConn, log)
	if err != nil {
		return nil, err
	}
	remoteProvider, err := sqlprovider.New(cfg.RemoteDB.Address(), remoteConn, log)
	if err != nil {
		return nil, err
	}
	local := projectSync.NewLocalOrchestrator(localProvider, opts, m, log)
	remote := projectSync.NewRemoteOrchestrator(remoteProvider, opts, m, log)

	for _, o := range []*projectSync.Interceptors{local.Interceptors(), remote.Interceptors()} {
		projectSync.On(o, projectSync.EventRowConflict, func(_ context.Context, ev *projectSync.RowConflictEvent) error {
			log.Debug("Row conflict",
				zap.String("side", ev.Side.String()),
				zap.String("table", ev.Table.FullName()),
				zap.String("type", ev.Conflict.Type.String()),
				zap.String("resolution", ev.Resolution.String()))
			return nil
		})
		projectSync.On(o, projectSync.EventReconnecting, func(_ context.Context, ev *projectSync.ReconnectEvent) error {
			log.Warn("Transient error, retrying",
				zap.String("side", ev.Side.String()),
				zap.Int("attempt", ev.Attempt),
				zap.Duration("wait", ev.Wait),
				zap.Error(ev.Err))
			return nil
		})
	}
	return projectSync.NewSyncAgent(local, remote, m, log), nil
}

// createSnapshot provisions the server and writes its snapshot so new
// clients can bulk load instead of replaying every change.
func createSnapshot(ctx context.Context, agent *projectSync.SyncAgent, cfg *config.Config, log *zap.Logger) error {
	schema, err := agent.Provision(ctx)
	if err != nil {
		return err
	}
	sctx := model.NewSyncContext(cfg.ScopeName, model.SyncNormal, model.Bidirectional).ForSide(model.SideServer)
	snapshot, err := agent.Remote().CreateSnapshot(ctx, sctx, schema)
	if err != nil {
		return err
	}
	log.Info("Snapshot created",
		zap.String("scope", cfg.ScopeName),
		zap.Int64("timestamp", snapshot.Batch.Timestamp),
		zap.Int("rows", snapshot.Batch.RowsCount),
		zap.Int("parts", len(snapshot.Batch.Parts)))
	return nil
}

// runSessions runs one session, or one every SyncInterval until ctx ends.
// With an interval, a failed session is logged and the next tick retries;
// the exit code reflects the last session.
func runSessions(ctx context.Context, cfg *config.Config, agent *projectSync.SyncAgent, status *server.Status, opts []projectSync.SyncOption, log *zap.Logger) int {
	once := func() int {
		sessionCtx := ctx
		if cfg.SessionTimeout > 0 {
			var cancel context.CancelFunc
			sessionCtx, cancel = context.WithTimeout(ctx, cfg.SessionTimeout)
			defer cancel()
		}
		result, err := agent.Synchronize(sessionCtx, opts...)
		status.Record(result, err)
		logResult(result, err, log)
		return exitCode(err)
	}

	code := once()
	if cfg.SyncInterval <= 0 {
		return code
	}

	// After the first session a reinitialization must not repeat.
	opts = append(opts, projectSync.WithSyncType(model.SyncNormal))
	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Shutdown signal received, stopping scheduled sessions")
			return code
		case <-ticker.C:
			code = once()
		}
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, projectSync.ErrConflictUnresolved):
		return exitConflict
	case errors.Is(err, projectSync.ErrCancelled):
		return exitCancelled
	default:
		return exitFailure
	}
}

func logResult(result *projectSync.SyncResult, err error, log *zap.Logger) {
	if result == nil {
		// Rejected before the session started, e.g. another session holds the scope.
		if err != nil {
			log.Error("-------------------- Synchronization NOT STARTED --------------------",
				zap.String("kind", string(projectSync.KindOf(err))), zap.Error(err))
		}
		return
	}
	fields := []zap.Field{
		zap.Stringer("session_id", result.SessionID),
		zap.Duration("duration", result.Duration()),
		zap.Int("uploaded_selected", result.Upload.TotalSelected()),
		zap.Int("uploaded_applied", result.Upload.TotalApplied()),
		zap.Int("downloaded_selected", result.Download.TotalSelected()),
		zap.Int("downloaded_applied", result.Download.TotalApplied()),
		zap.Int("resolved_conflicts", result.TotalResolvedConflicts()),
	}
	for _, t := range append(append([]model.TableChangesApplied{}, result.Upload.Applied...), result.Download.Applied...) {
		if t.Failed > 0 {
			log.Warn("Rows failed to apply", zap.String("table", t.TableName), zap.String("state", t.State.String()), zap.Int("failed", t.Failed))
		}
	}
	if err != nil {
		log.Error("-------------------- Synchronization FAILED --------------------", append(fields, zap.String("kind", string(projectSync.KindOf(err))), zap.Error(err))...)
		return
	}
	log.Info("-------------------- Synchronization Summary --------------------", fields...)
}

// applyCliOverrides menerapkan nilai dari flag CLI ke struct Config.
func applyCliOverrides(cfg *config.Config) {
	if scopeOverride != "" {
		cfg.ScopeName = scopeOverride
	}
	if tablesOverride != "" {
		cfg.Tables = strings.Split(tablesOverride, ",")
	}
	if syncDirectionOverride != "" {
		logger.Log.Info("Overriding SYNC_DIRECTION with CLI flag", zap.String("env_value", cfg.SyncDirection), zap.String("cli_value", syncDirectionOverride))
		cfg.SyncDirection = syncDirectionOverride
	}
	if syncTypeOverride != "" {
		logger.Log.Info("Overriding SYNC_TYPE with CLI flag", zap.String("env_value", cfg.SyncType), zap.String("cli_value", syncTypeOverride))
		cfg.SyncType = syncTypeOverride
	}
	if conflictPolicyOverride != "" {
		cfg.ConflictPolicy = conflictPolicyOverride
	}
	if batchSizeOverride >= 0 {
		logger.Log.Info("Overriding BATCH_SIZE with CLI flag", zap.Int("env_value", cfg.BatchSize), zap.Int("cli_value", batchSizeOverride))
		cfg.BatchSize = batchSizeOverride
	}
	if intervalOverride >= 0 {
		cfg.SyncInterval = intervalOverride
	}
}

func logLoadedConfig(cfg *config.Config) {
	passwordSource := func(d config.DatabaseConfig) string {
		switch {
		case d.Dialect == "sqlite":
			return "n/a"
		case d.Password != "":
			return "env var"
		case cfg.VaultEnabled && d.SecretPath != "":
			return "vault"
		}
		return "not set"
	}
	logger.Log.Info("Final configuration in use",
		zap.String("scope", cfg.ScopeName),
		zap.Strings("tables", cfg.Tables),
		zap.String("sync_direction", cfg.SyncDirection),
		zap.String("sync_type", cfg.SyncType),
		zap.String("conflict_policy", cfg.ConflictPolicy),
		zap.Int("batch_size", cfg.BatchSize),
		zap.String("batch_directory", cfg.BatchDirectory),
		zap.String("snapshots_directory", cfg.SnapshotsDirectory),
		zap.Bool("clean_metadata", cfg.CleanMetadata),
		zap.Duration("sync_interval", cfg.SyncInterval),
		zap.Duration("session_timeout", cfg.SessionTimeout),
		zap.String("local", cfg.LocalDB.Address()), zap.String("local_user", cfg.LocalDB.User), zap.String("local_password_source", passwordSource(cfg.LocalDB)),
		zap.String("remote", cfg.RemoteDB.Address()), zap.String("remote_user", cfg.RemoteDB.User), zap.String("remote_password_source", passwordSource(cfg.RemoteDB)),
		zap.Int("max_retries", cfg.MaxRetries), zap.Duration("retry_interval", cfg.RetryInterval), zap.Duration("retry_max_interval", cfg.RetryMaxInterval),
		zap.Int("conn_pool_size", cfg.ConnPoolSize), zap.Duration("conn_max_lifetime", cfg.ConnMaxLifetime),
		zap.Bool("enable_pprof", cfg.EnablePprof), zap.Int("metrics_port", cfg.MetricsPort),
		zap.Bool("vault_enabled", cfg.VaultEnabled), zap.String("vault_addr", cfg.VaultAddr), zap.Bool("vault_token_present", cfg.VaultToken != ""),
	)
}

// connectDBWithRetry mencoba menghubungkan ke DB dengan logika retry.
func connectDBWithRetry(ctx context.Context, cfg *config.Config, dbCfg config.DatabaseConfig, creds *secrets.Credentials, dbLabel string, metricsStore *metrics.Store) (*db.Connector, error) {
	dsn, err := dbCfg.DSN(creds.Username, creds.Password)
	if err != nil {
		metricsStore.SyncErrorsTotal.WithLabelValues("connection", dbLabel).Inc()
		return nil, err
	}
	gl := logger.GetGormLogger()
	var lastErr error
	for i := 0; i <= cfg.MaxRetries; i++ {
		if i > 0 {
			logger.Log.Warn("Retrying database connection",
				zap.String("db", dbLabel),
				zap.Int("attempt", i+1),
				zap.Int("max_attempts", cfg.MaxRetries+1),
				zap.Duration("wait_interval", cfg.RetryInterval),
				zap.NamedError("previous_error", lastErr))
			timer := time.NewTimer(cfg.RetryInterval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, errors.Join(ctx.Err(), lastErr)
			}
		}

		conn, err := db.New(dbCfg.Dialect, dsn, gl)
		if err != nil {
			lastErr = err
			continue
		}
		if err := conn.Ping(ctx); err != nil {
			lastErr = err
			_ = conn.Close()
			continue
		}
		logger.Log.Info("Database connection successful", zap.String("db", dbLabel), zap.String("address", dbCfg.Address()))
		return conn, nil
	}
	metricsStore.SyncErrorsTotal.WithLabelValues("connection_failed", dbLabel).Inc()
	return nil, errors.Join(errors.New("failed to connect to "+dbLabel+" DB "+dbCfg.Address()), lastErr)
}
