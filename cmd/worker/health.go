package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adverant/nexus/errordiag-worker/internal/logging"
)

// database is the part of *storage.PostgresClient the health endpoint reads
type database interface {
	Ping(ctx context.Context) error
	GetStats() sql.DBStats
}

// queueStats is implemented by both queue consumers
type queueStats interface {
	Stats(ctx context.Context) (map[string]int64, error)
}

type healthReport struct {
	Status   string           `json:"status"`
	Database *databaseReport  `json:"database,omitempty"`
	Queue    map[string]int64 `json:"queue,omitempty"`
	Errors   []string         `json:"errors,omitempty"`
}

type databaseReport struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// healthHandler reports queue depth and, when persistence is enabled, database
// reachability and pool usage. db may be nil.
func healthHandler(db database, queue queueStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		report := healthReport{Status: "ok"}
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				report.Errors = append(report.Errors, "database: "+err.Error())
			}
			stats := db.GetStats()
			report.Database = &databaseReport{
				OpenConnections: stats.OpenConnections,
				InUse:           stats.InUse,
				Idle:            stats.Idle,
				WaitCount:       stats.WaitCount,
			}
		}
		if queue != nil {
			stats, err := queue.Stats(ctx)
			if err != nil {
				report.Errors = append(report.Errors, "queue: "+err.Error())
			}
			report.Queue = stats
		}

		status := http.StatusOK
		if len(report.Errors) > 0 {
			report.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	}
}

func newMetricsMux(db database, queue queueStats) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler(db, queue))
	return mux
}

func startMetricsServer(addr string, handler http.Handler, logger *logging.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", "error", err)
		}
	}()
	logger.Info("Metrics server listening", "address", addr)
	return srv
}
