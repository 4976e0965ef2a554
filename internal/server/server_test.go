package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arwahdevops/bisync/internal/config"
	"github.com/arwahdevops/bisync/internal/db"
	"github.com/arwahdevops/bisync/internal/logger"
	"github.com/arwahdevops/bisync/internal/metrics"
	"github.com/arwahdevops/bisync/internal/model"
	projectSync "github.com/arwahdevops/bisync/internal/sync"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func sqliteConn(t *testing.T, name string) *db.Connector {
	t.Helper()
	conn, err := db.New("sqlite", filepath.Join(t.TempDir(), name), logger.NewGormLogger(zaptest.NewLogger(t), false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestMux_HealthAndReadiness(t *testing.T) {
	log := zaptest.NewLogger(t)
	m := metrics.NewMetricsStore()
	cfg := &config.Config{}

	notReady := NewMux(cfg, m, NewStatus(), nil, nil, log)
	assert.Equal(t, http.StatusOK, get(t, notReady, "/healthz").Code)
	rec := get(t, notReady, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "local connection not established")

	ready := NewMux(cfg, m, NewStatus(), sqliteConn(t, "local.db"), sqliteConn(t, "remote.db"), log)
	assert.Equal(t, http.StatusOK, get(t, ready, "/readyz").Code)

	rec = get(t, ready, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bisync_db_connections_open")

	assert.Equal(t, http.StatusNotFound, get(t, ready, "/debug/pprof/").Code)
}

func TestStatus(t *testing.T) {
	status := NewStatus()
	mux := NewMux(&config.Config{}, metrics.NewMetricsStore(), status, nil, nil, zaptest.NewLogger(t))

	var body statusBody
	require.NoError(t, json.Unmarshal(get(t, mux, "/status").Body.Bytes(), &body))
	assert.Zero(t, body.Sessions)
	assert.Nil(t, body.Last)

	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	result := &projectSync.SyncResult{
		SessionID:    uuid.New(),
		ScopeName:    "catalog",
		Direction:    model.UploadOnly,
		StartTime:    start,
		CompleteTime: start.Add(1500 * time.Millisecond),
		Upload: projectSync.ChangesSummary{Applied: []model.TableChangesApplied{
			{TableName: "Product", State: model.RowModified, Applied: 3},
		}},
		ServerMetadataCleaned: map[string]int64{"Product": 2},
	}
	status.Record(result, nil)
	status.Record(nil, &projectSync.SyncError{Kind: projectSync.KindTransient, Err: errors.New("connection refused")})
	status.Record(result, nil)

	rec := get(t, mux, "/status")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Sessions)
	assert.Equal(t, 1, body.Failures)
	require.NotNil(t, body.Last)
	assert.Equal(t, "catalog", body.Last.Scope)
	assert.Equal(t, "upload_only", body.Last.Direction)
	assert.EqualValues(t, 1500, body.Last.DurationMs)
	assert.Equal(t, 3, body.Last.Uploaded)
	assert.Equal(t, map[string]int64{"server:Product": 2}, body.Last.TombstonesPurged)
	assert.Empty(t, body.Last.Error)
}

func TestStatus_RecordsFailureKind(t *testing.T) {
	status := NewStatus()
	status.Record(nil, &projectSync.SyncError{Kind: projectSync.KindSchema, Err: errors.New("missing table")})
	rec := get(t, status, "/status")
	var body statusBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Last)
	assert.Equal(t, "schema", body.Last.ErrorKind)
	assert.Contains(t, body.Last.Error, "missing table")
}
