// Package metrics defines indexerd's Prometheus series: the coordinator's
// business metrics (pointer lag, reorgs, reconcile durations), control-plane
// RPC metrics, and the pointer store's connection-pool gauges.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds every registered series. One instance exists per process,
// created in cmd/indexerd and threaded to consumers.
type Metrics struct {
	// Control-plane gRPC metrics
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec

	// Pointer-store pool gauges, fed by database.PoolMonitor
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBConnectionWaits   prometheus.Counter

	// Coordinator business metrics
	SubgraphsActive     prometheus.Gauge
	BlocksProcessed     *prometheus.CounterVec
	ReorgsDetected      *prometheus.CounterVec
	ReconcileDuration   *prometheus.HistogramVec
	SubgraphPointerLag  *prometheus.GaugeVec
	WalkerCancellations *prometheus.CounterVec

	// Error metrics
	ErrorsTotal     *prometheus.CounterVec
	PanicsRecovered prometheus.Counter
}

// NewMetrics creates and registers all series under namespace/service.
func NewMetrics(namespace, service string) *Metrics {
	return &Metrics{
		GRPCRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "grpc_requests_total",
				Help:      "Total number of control-plane RPCs",
			},
			[]string{"method", "status"},
		),
		GRPCRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "grpc_request_duration_seconds",
				Help:      "Control-plane RPC latencies in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		DBConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "db_connections_active",
				Help:      "Pointer-store connections currently in use",
			},
		),
		DBConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "db_connections_idle",
				Help:      "Pointer-store connections currently idle",
			},
		),
		DBConnectionWaits: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "db_connection_waits_total",
				Help:      "Times a caller had to wait for a pointer-store connection",
			},
		),

		SubgraphsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "subgraphs_active",
				Help:      "Number of subgraphs with a running watcher/walker pair",
			},
		),
		BlocksProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "blocks_processed_total",
				Help:      "Total number of blocks whose events were delivered and whose pointer advanced",
			},
			[]string{"subgraph_id"},
		),
		ReorgsDetected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "reorgs_detected_total",
				Help:      "Total number of block reverts applied by a reconciliation walker",
			},
			[]string{"subgraph_id"},
		),
		ReconcileDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "reconcile_duration_seconds",
				Help:      "Wall-clock duration of one outer-loop reconciliation run",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"subgraph_id"},
		),
		SubgraphPointerLag: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "subgraph_pointer_lag_blocks",
				Help:      "Block-number distance between a subgraph's pointer and the chain head",
			},
			[]string{"subgraph_id"},
		),
		WalkerCancellations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "walker_cancellations_total",
				Help:      "Total number of reconciliation runs that observed cancellation",
			},
			[]string{"subgraph_id"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "errors_total",
				Help:      "Total number of errors by origin",
			},
			[]string{"type", "code"},
		),
		PanicsRecovered: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "panics_recovered_total",
				Help:      "Total number of panics recovered",
			},
		),
	}
}

// GRPCUnaryInterceptor records per-method counts and latencies.
func (m *Metrics) GRPCUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err).String()
		m.GRPCRequestsTotal.WithLabelValues(info.FullMethod, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		if err != nil {
			m.ErrorsTotal.WithLabelValues("grpc", code).Inc()
		}
		return resp, err
	}
}

// GRPCStreamInterceptor records stream counts and total durations.
func (m *Metrics) GRPCStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)

		code := status.Code(err).String()
		m.GRPCRequestsTotal.WithLabelValues(info.FullMethod, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		if err != nil {
			m.ErrorsTotal.WithLabelValues("grpc_stream", code).Inc()
		}
		return err
	}
}

// Handler returns the Prometheus exposition handler cmd/indexerd serves.
func Handler() http.Handler {
	return promhttp.Handler()
}
