// Package metrics exposes Prometheus collectors for ingestion outcomes.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"beaconmap/telemetry-server/internal/model"
)

const namespace = "beaconmap"

// Batch outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeInvalid = "invalid"
	OutcomeFailed  = "failed"
)

// IngestMetrics contains the Prometheus metrics related to measurement ingestion.
type IngestMetrics struct {
	batches        *prometheus.CounterVec
	measurements   *prometheus.CounterVec
	beaconsCreated prometheus.Counter
	gpsUpdates     prometheus.Counter
	typesCreated   prometheus.Counter
	sensorErrors   *prometheus.CounterVec
	batchDuration  *prometheus.HistogramVec
}

// NewIngestMetrics creates the ingestion metrics and registers them on registry.
func NewIngestMetrics(registry prometheus.Registerer) (*IngestMetrics, error) {
	m := &IngestMetrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_batches_total",
			Help:      "Ingestion batches by source and outcome",
		}, []string{"source", "outcome"}),
		measurements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_measurements_total",
			Help:      "Readings handled by the measurement writer, by result",
		}, []string{"result"}),
		beaconsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_beacons_created_total",
			Help:      "Beacons created while resolving sensor blocks",
		}),
		gpsUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_gps_updates_total",
			Help:      "Beacon positions updated in place",
		}),
		typesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_types_created_total",
			Help:      "Measurement types created lazily",
		}),
		sensorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_sensor_errors_total",
			Help:      "Per-sensor and per-reading errors reported in batch responses",
		}, []string{"source"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_batch_duration_seconds",
			Help:      "Time spent processing one ingestion batch",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"source"}),
	}

	collectors := []prometheus.Collector{
		m.batches, m.measurements, m.beaconsCreated, m.gpsUpdates,
		m.typesCreated, m.sensorErrors, m.batchDuration,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register ingest metrics: %w", err)
		}
	}
	return m, nil
}

// ObserveBatch records the outcome of one batch. resp is nil when the batch was
// rejected before processing.
func (m *IngestMetrics) ObserveBatch(source, outcome string, resp *model.IngestResponse, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.batchDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	m.batches.WithLabelValues(source, outcome).Inc()
	if resp == nil {
		return
	}

	m.measurements.WithLabelValues("inserted").Add(float64(resp.MeasurementsInserted))
	m.measurements.WithLabelValues("skipped").Add(float64(resp.MeasurementsSkipped))
	m.beaconsCreated.Add(float64(resp.BeaconsCreated))
	m.gpsUpdates.Add(float64(resp.GPSUpdates))
	m.typesCreated.Add(float64(resp.TypesCreated))
	m.sensorErrors.WithLabelValues(source).Add(float64(len(resp.Errors)))
}
