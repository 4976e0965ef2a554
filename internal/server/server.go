package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arwahdevops/bisync/internal/config"
	"github.com/arwahdevops/bisync/internal/db"
	"github.com/arwahdevops/bisync/internal/metrics"
)

// NewMux builds the ops endpoints. Either connector may be nil while it is
// still being established; /readyz then reports not ready.
func NewMux(cfg *config.Config, metricsStore *metrics.Store, status *Status, localConn, remoteConn *db.Connector, logger *zap.Logger) *http.ServeMux {
	log := logger.Named("http-server")
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(metricsStore.Registry, promhttp.HandlerOpts{}))

	// Liveness endpoint
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	// Readiness: both peers must answer a ping.
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		var localErr, remoteErr error
		var wg sync.WaitGroup
		ping := func(conn *db.Connector, label string, out *error) {
			if conn == nil {
				*out = fmt.Errorf("%s connection not established", label)
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				*out = conn.Ping(pingCtx)
				if n := conn.OpenConnections(); n >= 0 {
					metricsStore.DBConnections.WithLabelValues(label).Set(float64(n))
				}
			}()
		}
		ping(localConn, "local", &localErr)
		ping(remoteConn, "remote", &remoteErr)
		wg.Wait()

		if localErr == nil && remoteErr == nil {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "Ready")
			return
		}
		log.Warn("Readiness check failed", zap.NamedError("local_ping_error", localErr), zap.NamedError("remote_ping_error", remoteErr))
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "Not Ready: local_db_status=%s, remote_db_status=%s\n", formatPingError(localErr), formatPingError(remoteErr))
	})

	mux.Handle("/status", status)

	if cfg.EnablePprof {
		log.Info("Enabling pprof endpoints on /debug/pprof/")
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// RunHTTPServer serves the ops endpoints until ctx is cancelled.
func RunHTTPServer(ctx context.Context, cfg *config.Config, metricsStore *metrics.Store, status *Status, localConn, remoteConn *db.Connector, logger *zap.Logger) {
	log := logger.Named("http-server")
	addr := fmt.Sprintf(":%d", cfg.MetricsPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      NewMux(cfg, metricsStore, status, localConn, remoteConn, logger),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server ListenAndServe error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server graceful shutdown failed", zap.Error(err))
	} else {
		log.Info("HTTP server gracefully stopped")
	}
}

func formatPingError(err error) string {
	if err == nil {
		return "OK"
	}
	return fmt.Sprintf("Error (%v)", err)
}
