package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/air-quality-engine/internal/domain"
	"github.com/couchcryptid/air-quality-engine/internal/observability"
	"github.com/go-co-op/gocron"
)

// Pruner drops observations past their retention age.
type Pruner interface {
	Prune(now time.Time) int
	Newest() time.Time
	Len() int
}

// AlertState counts active alerts and drops idle per-location state.
type AlertState interface {
	Count() int
	Prune(before time.Time) int
}

// Scheduler runs periodic housekeeping: history retention, idle alert state
// and the store and alert gauges.
type Scheduler struct {
	scheduler *gocron.Scheduler
	store     Pruner
	alerts    AlertState
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// New creates a Scheduler running its jobs every interval. Alert state for
// locations idle longer than retention is dropped; retention <= 0 keeps it.
func New(store Pruner, alerts AlertState, interval, retention time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		store:     store,
		alerts:    alerts,
		interval:  interval,
		retention: retention,
		logger:    logger,
		metrics:   metrics,
	}
}

// Start schedules the housekeeping job and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		return fmt.Errorf("scheduler: invalid interval %s", s.interval)
	}

	_, err := s.scheduler.Every(s.interval).SingletonMode().Do(s.RunOnce)
	if err != nil {
		return fmt.Errorf("schedule housekeeping: %w", err)
	}

	s.scheduler.StartAsync()
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

// RunOnce prunes expired history and idle alert state, then refreshes the
// store and alert gauges. Retention is measured from the newest stored
// observation, capped at the current time, so replayed history is kept.
func (s *Scheduler) RunOnce() {
	ref := s.reference()
	dropped := s.store.Prune(ref)

	idle := 0
	if s.retention > 0 {
		idle = s.alerts.Prune(ref.Add(-s.retention))
	}

	locations := s.store.Len()
	active := s.alerts.Count()

	s.metrics.ObservationsPruned.Add(float64(dropped))
	s.metrics.StoredLocations.Set(float64(locations))
	s.metrics.ActiveAlerts.Set(float64(active))

	if dropped > 0 {
		s.logger.Info("pruned observation history", "dropped", dropped, "locations", locations, "reference", ref)
	}
	if idle > 0 {
		s.logger.Info("pruned idle alert state", "locations", idle)
	}
	s.logger.Debug("housekeeping complete", "locations", locations, "active_alerts", active)
}

func (s *Scheduler) reference() time.Time {
	now := domain.Now()
	newest := s.store.Newest()
	if newest.IsZero() || newest.After(now) {
		return now
	}
	return newest
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
