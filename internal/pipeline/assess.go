package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/air-quality-engine/internal/alert"
	"github.com/couchcryptid/air-quality-engine/internal/domain"
	"github.com/couchcryptid/air-quality-engine/internal/observability"
)

// bucketRetention is how many bucket intervals behind the newest bucket the
// assessor keeps readings for late arrivals.
const bucketRetention = 2

// Assessment is the outcome of fusing one location and time bucket: the
// observation, its health category, and the alert transitions it caused.
type Assessment struct {
	Observation domain.Observation `json:"observation"`
	Category    domain.Category    `json:"category"`
	Raised      []alert.Alert      `json:"raised,omitempty"`
	Cleared     []alert.Alert      `json:"cleared,omitempty"`
	AssessedAt  time.Time          `json:"assessed_at"`
}

// ObservationSaver persists fused observations.
type ObservationSaver interface {
	Save(obs domain.Observation)
}

// AlertEvaluator applies alert rules to an observation.
type AlertEvaluator interface {
	Evaluate(obs domain.Observation) alert.Result
}

// AirQualityAssessor fuses decoded readings into observations, classifies
// them, records them and evaluates alert rules. Readings are accumulated per
// location and bucket so that a bucket split across source batches is re-fused
// with everything received for it so far.
type AirQualityAssessor struct {
	fuser      *domain.Fuser
	classifier *domain.Classifier
	alerts     AlertEvaluator
	store      ObservationSaver
	geocoder   domain.Geocoder
	logger     *slog.Logger
	metrics    *observability.Metrics

	mu      sync.Mutex
	pending map[bucketKey]map[string]domain.PollutantReading
	newest  time.Time
}

type bucketKey struct {
	key    string
	bucket int64
}

// NewAssessor creates an assessor. geocoder may be nil to skip place names.
func NewAssessor(fuser *domain.Fuser, classifier *domain.Classifier, alerts AlertEvaluator, store ObservationSaver, geocoder domain.Geocoder, logger *slog.Logger, metrics *observability.Metrics) *AirQualityAssessor {
	return &AirQualityAssessor{
		fuser:      fuser,
		classifier: classifier,
		alerts:     alerts,
		store:      store,
		geocoder:   geocoder,
		logger:     logger,
		metrics:    metrics,
		pending:    make(map[bucketKey]map[string]domain.PollutantReading),
	}
}

// Assess groups readings by location and bucket and assesses each group.
// Groups that cannot be fused are logged and skipped.
func (a *AirQualityAssessor) Assess(ctx context.Context, readings []domain.PollutantReading) []Assessment {
	interval := a.fuser.Policy().BucketInterval
	batches := domain.Group(readings, interval)

	out := make([]Assessment, 0, len(batches))
	for _, b := range batches {
		merged := a.accumulate(b)
		obs, err := a.fuser.Fuse(merged)
		if err != nil {
			a.logFuseError(b, err)
			continue
		}
		out = append(out, a.assess(ctx, obs))
	}

	a.evict(interval)
	return out
}

func (a *AirQualityAssessor) logFuseError(b domain.Batch, err error) {
	if errors.Is(err, domain.ErrInsufficientData) {
		a.metrics.InsufficientData.Inc()
	}
	a.logger.Warn("fusion failed, skipping bucket",
		"error", err,
		"location", b.Key,
		"bucket", b.Bucket,
		"readings", len(b.Readings),
	)
}

// accumulate merges b into the pending readings of its bucket and returns
// every reading known for that bucket. Redelivered readings are deduplicated.
func (a *AirQualityAssessor) accumulate(b domain.Batch) []domain.PollutantReading {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := bucketKey{key: b.Key, bucket: b.Bucket.UnixNano()}
	set, ok := a.pending[k]
	if !ok {
		set = make(map[string]domain.PollutantReading)
		a.pending[k] = set
	}
	for _, r := range b.Readings {
		set[readingKey(r)] = r
	}
	if b.Bucket.After(a.newest) {
		a.newest = b.Bucket
	}

	merged := make([]domain.PollutantReading, 0, len(set))
	for _, r := range set {
		merged = append(merged, r)
	}
	return merged
}

func (a *AirQualityAssessor) evict(interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.newest.Add(-bucketRetention * interval).UnixNano()
	for k := range a.pending {
		if k.bucket < cutoff {
			delete(a.pending, k)
		}
	}
}

// Pending returns the number of buckets held for late readings.
func (a *AirQualityAssessor) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *AirQualityAssessor) assess(ctx context.Context, obs domain.Observation) Assessment {
	if a.geocoder != nil {
		place, err := a.geocoder.ReverseGeocode(ctx, obs.Geo)
		if err != nil {
			a.logger.Warn("reverse geocoding failed", "error", err, "location", obs.Geo.Key())
		} else {
			obs.PlaceName = place.Name
		}
	}

	cat, err := a.classifier.Classify(obs.AQI)
	if err != nil {
		a.logger.Warn("classification failed", "error", err, "aqi", obs.AQI)
	}

	a.store.Save(obs)
	res := a.alerts.Evaluate(obs)
	if res.Stale {
		a.logger.Debug("late bucket, alert state unchanged", "id", obs.ID, "location", obs.Geo.Key(), "bucket", obs.Timestamp)
	}

	for _, al := range res.Raised {
		a.metrics.AlertsRaised.WithLabelValues(al.RuleID).Inc()
		a.logger.Info("alert raised",
			"rule", al.RuleID,
			"location", al.LocationKey,
			"severity", al.Severity,
			"value", al.Value,
		)
	}
	for _, al := range res.Cleared {
		a.metrics.AlertsCleared.WithLabelValues(al.RuleID).Inc()
		a.logger.Info("alert cleared", "rule", al.RuleID, "location", al.LocationKey, "value", al.Value)
	}

	a.logger.Debug("observation assessed",
		"id", obs.ID,
		"location", obs.Geo.Key(),
		"aqi", obs.AQI,
		"dominant", obs.Dominant,
		"category", cat.Name,
	)

	return Assessment{
		Observation: obs,
		Category:    cat,
		Raised:      res.Raised,
		Cleared:     res.Cleared,
		AssessedAt:  domain.Now(),
	}
}

func readingKey(r domain.PollutantReading) string {
	avg := ""
	if r.AveragedConcentration != nil {
		avg = fmt.Sprintf("%g", *r.AveragedConcentration)
	}
	return fmt.Sprintf("%s|%s|%s|%d|%g|%s", r.Source, r.Pollutant, r.Unit, r.Timestamp.UnixNano(), r.Concentration, avg)
}
