package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/couchcryptid/air-quality-engine/internal/domain"
)

// ErrNotFound is returned when no observation is available for a location.
// It wraps domain.ErrNoData.
var ErrNotFound = fmt.Errorf("%w: no observations for location", domain.ErrNoData)

// history is the time-ordered observation list of one location.
type history struct {
	geo          domain.Geo
	observations []domain.Observation
}

// MemoryStore is a concurrency-safe in-memory history of canonical observations,
// keyed by location.
type MemoryStore struct {
	mu sync.RWMutex

	data map[string]*history

	maxHistory int           // max observations per location, <= 0 is unlimited
	maxAge     time.Duration // max observation age, <= 0 is unlimited
}

// NewMemoryStore creates a MemoryStore with the given retention limits.
func NewMemoryStore(maxHistory int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		data:       make(map[string]*history),
		maxHistory: maxHistory,
		maxAge:     maxAge,
	}
}

// Save inserts obs into its location history in timestamp order. An observation
// with the same ID replaces the stored one, so replayed buckets are not duplicated.
func (s *MemoryStore) Save(obs domain.Observation) {
	key := obs.Geo.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.data[key]
	if !ok {
		h = &history{geo: obs.Geo}
		s.data[key] = h
	}

	for i := range h.observations {
		if h.observations[i].ID == obs.ID {
			h.observations[i] = obs
			return
		}
	}

	i := sort.Search(len(h.observations), func(i int) bool {
		return h.observations[i].Timestamp.After(obs.Timestamp)
	})
	h.observations = append(h.observations, domain.Observation{})
	copy(h.observations[i+1:], h.observations[i:])
	h.observations[i] = obs

	if s.maxHistory > 0 && len(h.observations) > s.maxHistory {
		over := len(h.observations) - s.maxHistory
		h.observations = h.observations[over:]
	}
}

// Latest returns the most recent observation for a location.
func (s *MemoryStore) Latest(geo domain.Geo) (domain.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.data[geo.Key()]
	if !ok || len(h.observations) == 0 {
		return domain.Observation{}, ErrNotFound
	}
	return h.observations[len(h.observations)-1], nil
}

// Range returns the observations for a location with from <= timestamp <= to.
// An empty result is not an error.
func (s *MemoryStore) Range(geo domain.Geo, from, to time.Time) []domain.Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.data[geo.Key()]
	if !ok {
		return nil
	}

	var result []domain.Observation
	for _, obs := range h.observations {
		if !obs.Timestamp.Before(from) && !obs.Timestamp.After(to) {
			result = append(result, obs)
		}
	}
	return result
}

// Locations returns every location with retained history, ordered by key.
func (s *MemoryStore) Locations() []domain.Geo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]domain.Geo, len(keys))
	for i, k := range keys {
		out[i] = s.data[k].geo
	}
	return out
}

// Prune drops observations older than the retention age relative to now, and
// locations left without history. It returns the number of observations dropped.
func (s *MemoryStore) Prune(now time.Time) int {
	if s.maxAge <= 0 {
		return 0
	}
	cutoff := now.Add(-s.maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for key, h := range s.data {
		i := sort.Search(len(h.observations), func(i int) bool {
			return !h.observations[i].Timestamp.Before(cutoff)
		})
		dropped += i
		h.observations = h.observations[i:]
		if len(h.observations) == 0 {
			delete(s.data, key)
		}
	}
	return dropped
}

// Newest returns the latest observation timestamp across all locations, or the
// zero time when the store is empty.
func (s *MemoryStore) Newest() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest time.Time
	for _, h := range s.data {
		if n := len(h.observations); n > 0 && h.observations[n-1].Timestamp.After(newest) {
			newest = h.observations[n-1].Timestamp
		}
	}
	return newest
}

// Len returns the number of locations with retained history.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
