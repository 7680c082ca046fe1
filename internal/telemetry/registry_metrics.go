// Package telemetry adapts shared/metrics's Prometheus series onto the
// coordinator package's narrow metrics contracts.
package telemetry

import (
	"github.com/quangdang46/subgraph-coordinator/internal/coordinator"
	"github.com/quangdang46/subgraph-coordinator/shared/metrics"
)

// RegistryMetrics implements coordinator.RegistryMetrics against the
// process-wide Metrics registry.
type RegistryMetrics struct {
	m *metrics.Metrics
}

func NewRegistryMetrics(m *metrics.Metrics) *RegistryMetrics {
	return &RegistryMetrics{m: m}
}

var _ coordinator.RegistryMetrics = (*RegistryMetrics)(nil)

func (r *RegistryMetrics) SubgraphStarted(id coordinator.SubgraphID) {
	r.m.SubgraphsActive.Inc()
}

func (r *RegistryMetrics) SubgraphStopped(id coordinator.SubgraphID) {
	r.m.SubgraphsActive.Dec()
}

func (r *RegistryMetrics) ReorgDetected(id coordinator.SubgraphID) {
	r.m.ReorgsDetected.WithLabelValues(string(id)).Inc()
}

func (r *RegistryMetrics) BlockProcessed(id coordinator.SubgraphID) {
	r.m.BlocksProcessed.WithLabelValues(string(id)).Inc()
}

func (r *RegistryMetrics) ReconcileDuration(id coordinator.SubgraphID, seconds float64) {
	r.m.ReconcileDuration.WithLabelValues(string(id)).Observe(seconds)
}

func (r *RegistryMetrics) PointerLag(id coordinator.SubgraphID, blocks int64) {
	r.m.SubgraphPointerLag.WithLabelValues(string(id)).Set(float64(blocks))
}

func (r *RegistryMetrics) WalkerCancelled(id coordinator.SubgraphID) {
	r.m.WalkerCancellations.WithLabelValues(string(id)).Inc()
}
