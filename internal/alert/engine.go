package alert

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/couchcryptid/air-quality-engine/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ErrUnknownAlert is returned when dismissing a (rule, location) pair that has
// no active alert.
var ErrUnknownAlert = errors.New("unknown alert")

// Alert is an active threshold breach for one rule at one location.
// WindowStart and WindowEnd span the observations that confirmed the breach.
type Alert struct {
	ID            string     `json:"id"`
	RuleID        string     `json:"rule_id"`
	Location      domain.Geo `json:"location"`
	LocationKey   string     `json:"location_key"`
	Severity      Severity   `json:"severity"`
	Title         string     `json:"title"`
	Message       string     `json:"message"`
	Actions       []string   `json:"actions,omitempty"`
	Value         int        `json:"value"`
	Threshold     int        `json:"threshold"`
	ObservationID string     `json:"observation_id"`
	WindowStart   time.Time  `json:"window_start"`
	WindowEnd     time.Time  `json:"window_end"`
	CreatedAt     time.Time  `json:"created_at"`
	LastConfirmed time.Time  `json:"last_confirmed"`
	Active        bool       `json:"active"`
}

// Result lists the transitions caused by one evaluation and the active alerts
// of the evaluated location afterwards. Stale is set when the observation was
// older than one already evaluated for the location and changed nothing.
type Result struct {
	Raised  []Alert `json:"raised"`
	Cleared []Alert `json:"cleared"`
	Active  []Alert `json:"active"`
	Stale   bool    `json:"stale,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for alert timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithClassifier adds the health category label to alert messages.
func WithClassifier(c *domain.Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// Engine evaluates observations against threshold rules and owns the set of
// active alerts. State is sharded per location: evaluations and dismissals for
// one location are serialized, different locations never contend.
type Engine struct {
	rules      []Rule
	clock      clockwork.Clock
	classifier *domain.Classifier
	shards     sync.Map // location key -> *shard
}

type shard struct {
	mu      sync.Mutex
	active  map[string]Alert // rule ID -> alert
	newest  time.Time        // latest observation timestamp evaluated
	removed bool             // set by Prune once the shard left the map
}

// NewEngine validates rules and returns an Engine with no active alerts.
func NewEngine(rules []Rule, opts ...Option) (*Engine, error) {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate alert rule id %q", domain.ErrInvalidInput, r.ID)
		}
		seen[r.ID] = true
	}
	e := &Engine{
		rules: cloneRules(rules),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Rules returns the configured rules in evaluation order.
func (e *Engine) Rules() []Rule {
	return cloneRules(e.rules)
}

func (e *Engine) shard(key string) *shard {
	if s, ok := e.shards.Load(key); ok {
		return s.(*shard)
	}
	s, _ := e.shards.LoadOrStore(key, &shard{active: make(map[string]Alert)})
	return s.(*shard)
}

// Evaluate applies every rule to obs. A rule whose scoped pollutant is missing
// from obs leaves its alert state untouched. An observation older than the
// newest one already evaluated for its location cannot raise or clear alerts.
func (e *Engine) Evaluate(obs domain.Observation) Result {
	key := obs.Geo.Key()
	for {
		s := e.shard(key)
		s.mu.Lock()
		if s.removed {
			s.mu.Unlock()
			continue
		}

		var res Result
		if obs.Timestamp.Before(s.newest) {
			res.Stale = true
		} else {
			s.newest = obs.Timestamp
			res = e.evaluateLocked(s, key, obs)
		}
		res.Active = sortedAlerts(s.active)
		s.mu.Unlock()
		return res
	}
}

func (e *Engine) evaluateLocked(s *shard, key string, obs domain.Observation) Result {
	var res Result
	now := e.clock.Now().UTC()
	for _, r := range e.rules {
		value, ok := obs.Value(r.Scope)
		if !ok {
			continue
		}
		cur, active := s.active[r.ID]
		switch {
		case value >= r.Threshold && !active:
			a := e.newAlert(r, key, obs, value, now)
			s.active[r.ID] = a
			res.Raised = append(res.Raised, cloneAlert(a))
		case value >= r.Threshold:
			cur.Value = value
			cur.ObservationID = obs.ID
			cur.LastConfirmed = now
			if obs.Timestamp.After(cur.WindowEnd) {
				cur.WindowEnd = obs.Timestamp
			}
			cur.Message = e.message(r, value)
			s.active[r.ID] = cur
		case active:
			delete(s.active, r.ID)
			cur.Active = false
			cur.Value = value
			cur.ObservationID = obs.ID
			res.Cleared = append(res.Cleared, cur)
		}
	}
	return res
}

func (e *Engine) newAlert(r Rule, key string, obs domain.Observation, value int, now time.Time) Alert {
	return Alert{
		ID:            uuid.NewString(),
		RuleID:        r.ID,
		Location:      obs.Geo,
		LocationKey:   key,
		Severity:      r.Severity,
		Title:         r.Title,
		Message:       e.message(r, value),
		Actions:       append([]string(nil), r.Actions...),
		Value:         value,
		Threshold:     r.Threshold,
		ObservationID: obs.ID,
		WindowStart:   obs.Timestamp,
		WindowEnd:     obs.Timestamp,
		CreatedAt:     now,
		LastConfirmed: now,
		Active:        true,
	}
}

func (e *Engine) message(r Rule, value int) string {
	msg := fmt.Sprintf("%s is %d, at or above the threshold of %d", r.ScopeLabel(), value, r.Threshold)
	if e.classifier != nil {
		if c, err := e.classifier.Classify(value); err == nil {
			msg += " (" + c.Label + ")"
		}
	}
	return msg
}

// EvaluateSeries replays the non-null points of s in order. Raised and Cleared
// accumulate across points, so an alert raised and cleared within the series
// appears in both. Active holds the alerts of every evaluated location afterwards.
func (e *Engine) EvaluateSeries(series domain.Series) Result {
	var res Result
	keys := make(map[string]bool)
	for _, p := range series.Points {
		if p.Observation == nil {
			continue
		}
		r := e.Evaluate(*p.Observation)
		res.Raised = append(res.Raised, r.Raised...)
		res.Cleared = append(res.Cleared, r.Cleared...)
		keys[p.Observation.Geo.Key()] = true
	}
	for key := range keys {
		res.Active = append(res.Active, e.activeByKey(key)...)
	}
	sortAlertSlice(res.Active)
	return res
}

// Dismiss removes the active alert for ruleID at loc regardless of whether the
// condition still holds. A later qualifying evaluation raises a new alert.
func (e *Engine) Dismiss(ruleID string, loc domain.Geo) (Alert, error) {
	key := loc.Key()
	v, ok := e.shards.Load(key)
	if !ok {
		return Alert{}, fmt.Errorf("%w: rule %s at %s", ErrUnknownAlert, ruleID, key)
	}
	s := v.(*shard)

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.active[ruleID]
	if !ok {
		return Alert{}, fmt.Errorf("%w: rule %s at %s", ErrUnknownAlert, ruleID, key)
	}
	delete(s.active, ruleID)
	a.Active = false
	return a, nil
}

// Active returns the active alerts at loc, most severe first, then oldest first.
func (e *Engine) Active(loc domain.Geo) []Alert {
	return e.activeByKey(loc.Key())
}

func (e *Engine) activeByKey(key string) []Alert {
	v, ok := e.shards.Load(key)
	if !ok {
		return nil
	}
	s := v.(*shard)
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedAlerts(s.active)
}

// ActiveAll returns the active alerts across all locations in display order.
func (e *Engine) ActiveAll() []Alert {
	var out []Alert
	e.shards.Range(func(_, v any) bool {
		s := v.(*shard)
		s.mu.Lock()
		for _, a := range s.active {
			out = append(out, cloneAlert(a))
		}
		s.mu.Unlock()
		return true
	})
	sortAlertSlice(out)
	return out
}

// Count returns the number of active alerts across all locations.
func (e *Engine) Count() int {
	n := 0
	e.shards.Range(func(_, v any) bool {
		s := v.(*shard)
		s.mu.Lock()
		n += len(s.active)
		s.mu.Unlock()
		return true
	})
	return n
}

// Prune drops the state of locations with no active alerts whose newest
// evaluated observation is older than before. It returns the number removed.
func (e *Engine) Prune(before time.Time) int {
	n := 0
	e.shards.Range(func(k, v any) bool {
		s := v.(*shard)
		s.mu.Lock()
		if !s.removed && len(s.active) == 0 && s.newest.Before(before) {
			s.removed = true
			e.shards.CompareAndDelete(k, s)
			n++
		}
		s.mu.Unlock()
		return true
	})
	return n
}

// Locations returns the number of locations with tracked alert state.
func (e *Engine) Locations() int {
	n := 0
	e.shards.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func sortedAlerts(m map[string]Alert) []Alert {
	out := make([]Alert, 0, len(m))
	for _, a := range m {
		out = append(out, cloneAlert(a))
	}
	sortAlertSlice(out)
	return out
}

// sortAlertSlice orders by severity descending, then creation time, with
// location key and rule ID as final tie-breaks.
func sortAlertSlice(alerts []Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		a, b := alerts[i], alerts[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.LocationKey != b.LocationKey {
			return a.LocationKey < b.LocationKey
		}
		return a.RuleID < b.RuleID
	})
}

func cloneAlert(a Alert) Alert {
	a.Actions = append([]string(nil), a.Actions...)
	return a
}

func cloneRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		r.Actions = append([]string(nil), r.Actions...)
		out[i] = r
	}
	return out
}
