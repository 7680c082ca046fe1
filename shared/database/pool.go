// Package database monitors the pointer store's connection pool. The pool
// itself is opened by shared/postgres; this package samples its stats on an
// interval, exports them as Prometheus gauges, and logs when the pool is
// under pressure.
package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/quangdang46/subgraph-coordinator/shared/logging"
	"github.com/quangdang46/subgraph-coordinator/shared/metrics"
)

// PoolMonitor samples one *sql.DB's stats on a fixed interval.
type PoolMonitor struct {
	db       *sql.DB
	service  string
	interval time.Duration
	metrics  *metrics.Metrics
	log      *logging.Logger

	lastWaitCount int64
}

// NewPoolMonitor builds a monitor; metrics may be nil in tests.
func NewPoolMonitor(db *sql.DB, service string, m *metrics.Metrics, log *logging.Logger) *PoolMonitor {
	return &PoolMonitor{
		db:       db,
		service:  service,
		interval: 30 * time.Second,
		metrics:  m,
		log:      log,
	}
}

// Start samples until ctx is done. Run it via recovery.SafeGoWithContext.
func (pm *PoolMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pm.sample()
		case <-ctx.Done():
			return
		}
	}
}

func (pm *PoolMonitor) sample() {
	stats := pm.db.Stats()

	waitDelta := stats.WaitCount - pm.lastWaitCount
	pm.lastWaitCount = stats.WaitCount

	if pm.metrics != nil {
		pm.metrics.DBConnectionsActive.Set(float64(stats.InUse))
		pm.metrics.DBConnectionsIdle.Set(float64(stats.Idle))
		if waitDelta > 0 {
			pm.metrics.DBConnectionWaits.Add(float64(waitDelta))
		}
	}

	if stats.MaxOpenConnections > 0 {
		utilization := float64(stats.InUse) / float64(stats.MaxOpenConnections)
		if utilization > 0.8 {
			pm.log.WithField("in_use", stats.InUse).
				WithField("max_open", stats.MaxOpenConnections).
				Warn("pointer-store pool utilization above 80%")
		}
	}
	if waitDelta > 0 {
		pm.log.WithField("wait_count", stats.WaitCount).
			WithField("wait_duration", stats.WaitDuration.String()).
			Warn("callers waiting for pointer-store connections")
	}
}

// GetStats returns a point-in-time snapshot, for tests and debugging.
func (pm *PoolMonitor) GetStats() sql.DBStats {
	return pm.db.Stats()
}
