// Package metrics exports shard metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/hupe1980/indexshard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Observer is the Prometheus implementation of indexshard.MetricsObserver.
type Observer struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	getMisses         *prometheus.CounterVec
	refreshDuration   *prometheus.HistogramVec
	flushDuration     *prometheus.HistogramVec
	flushErrors       *prometheus.CounterVec
	stateTransitions  *prometheus.CounterVec
	state             *prometheus.GaugeVec
	recoveredOps      *prometheus.CounterVec
}

var _ indexshard.MetricsObserver = (*Observer)(nil)

// NewObserver registers the shard metrics with reg. A nil reg uses the
// default registerer.
func NewObserver(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Observer{
		operationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexshard_operations_total",
				Help: "Total number of shard operations by type and status",
			},
			[]string{"shard", "operation", "status"},
		),
		operationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "indexshard_operation_duration_milliseconds",
				Help: "Duration of index, delete and get operations in milliseconds",
				Buckets: []float64{
					0.1, // buffered write
					0.5, // realtime get
					1,   // 1ms
					5,   // 5ms
					10,  // translog fsync
					50,  // 50ms
					100, // 100ms
					500, // stalled behind a flush
				},
			},
			[]string{"shard", "operation"},
		),
		getMisses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexshard_get_misses_total",
				Help: "Total number of gets that found no document",
			},
			[]string{"shard"},
		),
		refreshDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexshard_refresh_duration_milliseconds",
				Help:    "Duration of refreshes in milliseconds",
				Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
			},
			[]string{"shard"},
		),
		flushDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "indexshard_flush_duration_milliseconds",
				Help: "Duration of flushes in milliseconds",
				Buckets: []float64{
					10,    // empty commit
					50,    // small segments
					100,   // 100ms
					500,   // 500ms
					1000,  // remote blob store
					5000,  // 5s
					10000, // 10s
					30000, // large flush to S3
				},
			},
			[]string{"shard"},
		),
		flushErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexshard_flush_errors_total",
				Help: "Total number of failed flushes",
			},
			[]string{"shard"},
		),
		stateTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexshard_state_transitions_total",
				Help: "Total number of lifecycle transitions by target state",
			},
			[]string{"shard", "from", "to"},
		),
		state: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexshard_state",
				Help: "Current lifecycle state of the shard (0=CREATED .. 5=CLOSED)",
			},
			[]string{"shard"},
		),
		recoveredOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexshard_recovered_operations_total",
				Help: "Total number of operations replayed from a translog",
			},
			[]string{"shard"},
		),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// RecordIndex implements indexshard.MetricsObserver.
func (o *Observer) RecordIndex(shardID string, d time.Duration, err error) {
	o.operationsTotal.WithLabelValues(shardID, "index", status(err)).Inc()
	o.operationDuration.WithLabelValues(shardID, "index").Observe(ms(d))
}

// RecordDelete implements indexshard.MetricsObserver.
func (o *Observer) RecordDelete(shardID string, d time.Duration, err error) {
	o.operationsTotal.WithLabelValues(shardID, "delete", status(err)).Inc()
	o.operationDuration.WithLabelValues(shardID, "delete").Observe(ms(d))
}

// RecordGet implements indexshard.MetricsObserver.
func (o *Observer) RecordGet(shardID string, d time.Duration, found bool) {
	o.operationsTotal.WithLabelValues(shardID, "get", "success").Inc()
	o.operationDuration.WithLabelValues(shardID, "get").Observe(ms(d))
	if !found {
		o.getMisses.WithLabelValues(shardID).Inc()
	}
}

// RecordRefresh implements indexshard.MetricsObserver.
func (o *Observer) RecordRefresh(shardID string, d time.Duration, err error) {
	o.operationsTotal.WithLabelValues(shardID, "refresh", status(err)).Inc()
	o.refreshDuration.WithLabelValues(shardID).Observe(ms(d))
}

// RecordFlush implements indexshard.MetricsObserver.
func (o *Observer) RecordFlush(shardID string, d time.Duration, err error) {
	o.operationsTotal.WithLabelValues(shardID, "flush", status(err)).Inc()
	if err != nil {
		o.flushErrors.WithLabelValues(shardID).Inc()
		return
	}
	o.flushDuration.WithLabelValues(shardID).Observe(ms(d))
}

// RecordStateChange implements indexshard.MetricsObserver.
func (o *Observer) RecordStateChange(shardID string, prev, next indexshard.State) {
	o.stateTransitions.WithLabelValues(shardID, prev.String(), next.String()).Inc()
	o.state.WithLabelValues(shardID).Set(float64(next))
}

// RecordRecoveredOps implements indexshard.MetricsObserver.
func (o *Observer) RecordRecoveredOps(shardID string, ops int64) {
	o.recoveredOps.WithLabelValues(shardID).Add(float64(ops))
}

// Forget drops the series of a closed shard.
func (o *Observer) Forget(shardID string) int {
	labels := prometheus.Labels{"shard": shardID}
	n := 0
	for _, v := range []interface{ DeletePartialMatch(prometheus.Labels) int }{
		o.operationsTotal, o.operationDuration, o.getMisses, o.refreshDuration,
		o.flushDuration, o.flushErrors, o.stateTransitions, o.state, o.recoveredOps,
	} {
		n += v.DeletePartialMatch(labels)
	}
	return n
}
