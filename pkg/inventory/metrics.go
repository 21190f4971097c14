package inventory

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the inventory manager
// 在庫マネージャーのPrometheusメトリクス
type Metrics struct {
	Operations      *prometheus.CounterVec
	Duration        *prometheus.HistogramVec
	UnitsMoved      *prometheus.CounterVec
	DuplicateSerial prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg
// メトリクスを作成して登録
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apexstock_operations_total",
				Help: "Total number of inventory operations",
			},
			[]string{"operation", "result"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apexstock_operation_duration_seconds",
				Help:    "Duration of inventory operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		UnitsMoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apexstock_units_moved_total",
				Help: "Number of serialized units moved, by category",
			},
			[]string{"category"},
		),
		DuplicateSerial: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "apexstock_duplicate_serials_total",
				Help: "Number of serials skipped during stock-in because they already exist",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.Duration, m.UnitsMoved, m.DuplicateSerial)
	}
	return m
}

func (m *Metrics) observe(op string, start, end time.Time, err error) {
	m.Operations.WithLabelValues(op, resultLabel(err)).Inc()
	m.Duration.WithLabelValues(op).Observe(end.Sub(start).Seconds())
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsNotFound(err):
		return "not_found"
	case IsValidation(err):
		return "invalid"
	case IsConflict(err):
		return "conflict"
	default:
		return "error"
	}
}
