package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/projection-cache/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Snapshot storage metrics
	SnapshotWriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pc_snapshot_write_duration_seconds",
		Help:    "Snapshot write latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	}, []string{"storage", "compression", "tier"})

	SnapshotWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pc_snapshot_writes_total",
		Help: "Snapshot writes by result",
	}, []string{"storage", "compression", "tier", "result"})

	SnapshotWriteBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pc_snapshot_write_bytes",
		Help:    "Stored (post-compression) snapshot size",
		Buckets: prometheus.ExponentialBuckets(256, 4, 10),
	}, []string{"storage", "compression"})

	SnapshotReadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pc_snapshot_read_duration_seconds",
		Help:    "Snapshot read latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"storage"})

	SnapshotReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pc_snapshot_reads_total",
		Help: "Snapshot reads by result (found, not_found, error)",
	}, []string{"storage", "result"})

	SnapshotDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pc_snapshot_deletes_total",
		Help: "Snapshot versions deleted, by operation (delete, delete_all, prune)",
	}, []string{"storage", "operation"})

	SnapshotOpErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pc_snapshot_op_errors_total",
		Help: "Snapshot maintenance failures by operation",
	}, []string{"storage", "operation"})

	// Cursor metrics
	CursorNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pc_cursor_notifications_total",
		Help: "Cursor notifications by outcome (applied, stale_token, not_newer)",
	}, []string{"stream", "outcome"})

	CursorSubscriptionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pc_cursor_subscription_errors_total",
		Help: "Cursor tracker deactivations caused by subscription errors",
	}, []string{"stream"})

	CursorsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pc_cursor_published_total",
		Help: "Cursor advances published",
	}, []string{"stream"})

	// Projection cache metrics
	ProjectionReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pc_projection_reads_total",
		Help: "Latest-value reads by path (fast, slow, empty)",
	}, []string{"projection", "path"})

	VersionFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pc_version_fetches_total",
		Help: "State-at-version fetches by result (found, not_found, error)",
	}, []string{"projection", "result"})

	// Actor runtime
	ActorsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pc_actors_active",
		Help: "Live single-writer workers by kind",
	}, []string{"kind"})

	ActorActivationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pc_actor_activation_errors_total",
		Help: "Failed worker activations by kind",
	}, []string{"kind"})

	// Retention
	PruneDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pc_prune_duration_seconds",
		Help:    "Time to prune one snapshot family",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"storage"})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
