// Package metrics exposes Prometheus collectors for the caching worker.
// All metrics use the rowhni_sw_ prefix. A nil *Recorder is valid and records
// nothing, so components can run without a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds every collector registered for one worker instance.
type Recorder struct {
	cacheLookups       *prometheus.CounterVec
	strategyResponses  *prometheus.CounterVec
	networkFailures    *prometheus.CounterVec
	cacheWriteFailures *prometheus.CounterVec
	installAssets      *prometheus.CounterVec
	partitionsDeleted  prometheus.Counter
	lifecycleState     *prometheus.GaugeVec
	events             *prometheus.CounterVec
	syncDeliveries     *prometheus.CounterVec
}

// New registers the collectors on reg. Use a dedicated registry per worker so
// tests can create several instances side by side.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rowhni_sw_cache_lookups_total",
			Help: "Cache lookups by partition role and result (hit/miss)",
		}, []string{"partition", "result"}),
		strategyResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rowhni_sw_strategy_responses_total",
			Help: "Responses produced by the fetch interceptor",
		}, []string{"category", "strategy", "source"}),
		networkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rowhni_sw_network_failures_total",
			Help: "Network fetches that produced no response",
		}, []string{"category"}),
		cacheWriteFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rowhni_sw_cache_write_failures_total",
			Help: "Cache writes that were dropped",
		}, []string{"partition"}),
		installAssets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rowhni_sw_install_assets_total",
			Help: "Assets processed during install by group and result",
		}, []string{"group", "result"}),
		partitionsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rowhni_sw_partitions_deleted_total",
			Help: "Stale cache partitions removed during activate",
		}),
		lifecycleState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rowhni_sw_lifecycle_state",
			Help: "1 for the current worker state, 0 otherwise",
		}, []string{"state"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rowhni_sw_events_total",
			Help: "Dispatched events by kind and outcome",
		}, []string{"kind", "outcome"}),
		syncDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rowhni_sw_sync_deliveries_total",
			Help: "Background sync submissions by result",
		}, []string{"tag", "result"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (r *Recorder) CacheHit(partition string) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(partition, "hit").Inc()
}

func (r *Recorder) CacheMiss(partition string) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(partition, "miss").Inc()
}

func (r *Recorder) StrategyResponse(category, strategy, source string) {
	if r == nil {
		return
	}
	r.strategyResponses.WithLabelValues(category, strategy, source).Inc()
}

func (r *Recorder) NetworkFailure(category string) {
	if r == nil {
		return
	}
	r.networkFailures.WithLabelValues(category).Inc()
}

func (r *Recorder) CacheWriteFailure(partition string) {
	if r == nil {
		return
	}
	r.cacheWriteFailures.WithLabelValues(partition).Inc()
}

func (r *Recorder) InstallAsset(group string, ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.installAssets.WithLabelValues(group, result).Inc()
}

func (r *Recorder) PartitionDeleted() {
	if r == nil {
		return
	}
	r.partitionsDeleted.Inc()
}

// SetState marks current as the only active lifecycle state.
func (r *Recorder) SetState(current string, all []string) {
	if r == nil {
		return
	}
	for _, state := range all {
		value := 0.0
		if state == current {
			value = 1
		}
		r.lifecycleState.WithLabelValues(state).Set(value)
	}
}

func (r *Recorder) Event(kind string, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.events.WithLabelValues(kind, outcome).Inc()
}

func (r *Recorder) SyncDelivery(tag, result string) {
	if r == nil {
		return
	}
	r.syncDeliveries.WithLabelValues(tag, result).Inc()
}
