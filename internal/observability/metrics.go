package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aqi_engine"

// Metrics holds the Prometheus counters, histograms, and gauges for the engine.
type Metrics struct {
	ReadingsConsumed     prometheus.Counter
	InvalidReadings      prometheus.Counter
	ObservationsProduced prometheus.Counter
	InsufficientData     prometheus.Counter
	PipelineRunning      prometheus.Gauge

	// Batch processing metrics.
	BatchSize               prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram

	// Alert metrics.
	AlertsRaised    *prometheus.CounterVec // labels: rule
	AlertsCleared   *prometheus.CounterVec // labels: rule
	AlertsDismissed *prometheus.CounterVec // labels: rule
	ActiveAlerts    prometheus.Gauge

	// Store metrics.
	StoredLocations    prometheus.Gauge
	ObservationsPruned prometheus.Counter

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec // labels: outcome={success,error,empty,open}
	GeocodeCache       *prometheus.CounterVec // labels: result={hit,miss}
	GeocodeAPIDuration prometheus.Histogram
	GeocodeEnabled     prometheus.Gauge
}

// NewMetrics creates and registers all engine metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		ReadingsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_consumed_total",
			Help:      "Total reading messages read from the source topic.",
		}),
		InvalidReadings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_readings_total",
			Help:      "Reading messages rejected as malformed or invalid.",
		}),
		ObservationsProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_produced_total",
			Help:      "Canonical observations written to the sink topic.",
		}),
		InsufficientData: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insufficient_data_total",
			Help:      "Location buckets that produced no canonical value.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of messages per batch extracted from Kafka.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100},
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_processing_duration_seconds",
			Help:      "Duration of a complete batch extract-assess-load cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Alerts raised by rule.",
		}, []string{"rule"}),
		AlertsCleared: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_cleared_total",
			Help:      "Alerts cleared automatically by rule.",
		}, []string{"rule"}),
		AlertsDismissed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_dismissed_total",
			Help:      "Alerts dismissed by an operator, by rule.",
		}, []string{"rule"}),
		ActiveAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_alerts",
			Help:      "Alerts currently active across all locations.",
		}),
		StoredLocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_locations",
			Help:      "Locations with retained observation history.",
		}),
		ObservationsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_pruned_total",
			Help:      "Observations dropped by retention pruning.",
		}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Reverse geocoding API requests by outcome.",
		}, []string{"outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by result.",
		}, []string{"result"}),
		GeocodeAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "Mapbox API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		GeocodeEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "geocode_enabled",
			Help:      "1 when geocoding enrichment is enabled, 0 otherwise.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ReadingsConsumed,
		m.InvalidReadings,
		m.ObservationsProduced,
		m.InsufficientData,
		m.PipelineRunning,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.AlertsRaised,
		m.AlertsCleared,
		m.AlertsDismissed,
		m.ActiveAlerts,
		m.StoredLocations,
		m.ObservationsPruned,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.GeocodeEnabled,
	}
}
