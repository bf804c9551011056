package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PollutantDetail records how one pollutant contributed to an observation.
// Concentration is expressed in Unit, the unit of the pollutant's breakpoint table.
type PollutantDetail struct {
	Concentration float64  `json:"concentration"`
	Unit          Unit     `json:"unit"`
	SubIndex      int      `json:"sub_index"`
	Sources       []Source `json:"sources"`
	BeyondScale   bool     `json:"beyond_scale,omitempty"`
}

// Observation is the canonical, fused air-quality reading for a location and time bucket.
type Observation struct {
	ID         string                        `json:"id"`
	Geo        Geo                           `json:"geo"`
	PlaceName  string                        `json:"place_name,omitempty"`
	Timestamp  time.Time                     `json:"timestamp"`
	AQI        int                           `json:"aqi"`
	Dominant   Pollutant                     `json:"dominant_pollutant"`
	Pollutants map[Pollutant]PollutantDetail `json:"pollutants"`
	Sources    []Source                      `json:"sources"`
	SourceAQI  map[Source]int                `json:"source_aqi,omitempty"`
}

// Value returns the value an alert scope refers to: the overall AQI for the empty
// pollutant, otherwise that pollutant's sub-index. ok is false when the pollutant
// is absent from the observation.
func (o Observation) Value(scope Pollutant) (value int, ok bool) {
	if scope == "" {
		return o.AQI, true
	}
	d, ok := o.Pollutants[scope]
	if !ok {
		return 0, false
	}
	return d.SubIndex, true
}

// FusionPolicy configures how concurrent readings are merged.
type FusionPolicy struct {
	// GroundMaxAge is how old a ground reading may be, relative to the newest
	// reading in the bucket, and still take precedence over estimates.
	GroundMaxAge time.Duration
	// BucketInterval truncates observation timestamps; zero keeps the newest
	// reading's timestamp.
	BucketInterval time.Duration
}

// Fuser merges multi-source readings into canonical observations. It is stateless
// and safe for concurrent use.
type Fuser struct {
	calc   *Calculator
	policy FusionPolicy
}

// NewFuser creates a Fuser using calc for sub-index computation.
func NewFuser(calc *Calculator, policy FusionPolicy) *Fuser {
	return &Fuser{calc: calc, policy: policy}
}

// Policy returns the fusion policy.
func (f *Fuser) Policy() FusionPolicy {
	return f.policy
}

// Calculator returns the sub-index calculator used by the fuser.
func (f *Fuser) Calculator() *Calculator {
	return f.calc
}

// normalizedReading is a reading whose concentration is in its table unit.
type normalizedReading struct {
	source    Source
	timestamp time.Time
	value     float64
}

// Fuse merges readings for one location and time bucket into an Observation.
// The result does not depend on the order of readings.
func (f *Fuser) Fuse(readings []PollutantReading) (Observation, error) {
	if len(readings) == 0 {
		return Observation{}, fmt.Errorf("%w: no readings", ErrInsufficientData)
	}

	key := ""
	var ref time.Time
	byPollutant := make(map[Pollutant][]normalizedReading)
	for _, r := range readings {
		if err := r.Validate(); err != nil {
			return Observation{}, err
		}
		if key == "" {
			key = r.Geo.Key()
		} else if r.Geo.Key() != key {
			return Observation{}, fmt.Errorf("%w: readings span locations %s and %s", ErrInvalidInput, key, r.Geo.Key())
		}
		v, err := f.calc.normalize(r)
		if err != nil {
			return Observation{}, err
		}
		byPollutant[r.Pollutant] = append(byPollutant[r.Pollutant], normalizedReading{
			source:    r.Source,
			timestamp: r.Timestamp.UTC(),
			value:     v,
		})
		if r.Timestamp.After(ref) {
			ref = r.Timestamp.UTC()
		}
	}

	obs := Observation{
		Geo:        geoFromKey(key),
		Timestamp:  ref,
		Pollutants: make(map[Pollutant]PollutantDetail, len(byPollutant)),
		SourceAQI:  make(map[Source]int),
	}
	if f.policy.BucketInterval > 0 {
		obs.Timestamp = ref.Truncate(f.policy.BucketInterval)
	}

	allSources := make(map[Source]bool)
	found := false
	for _, p := range pollutantPriority {
		group, ok := byPollutant[p]
		if !ok {
			continue
		}
		sortNormalized(group)
		table := f.calc.standard.Tables[p]

		chosen := f.selectReadings(group, ref)
		conc := mean(chosen)
		aqi, beyond := table.interpolate(conc)

		detail := PollutantDetail{
			Concentration: conc,
			Unit:          table.Unit,
			SubIndex:      aqi,
			Sources:       distinctSources(chosen),
			BeyondScale:   beyond,
		}
		obs.Pollutants[p] = detail
		for _, s := range detail.Sources {
			allSources[s] = true
		}

		// Pollutants are visited in priority order, so a strict comparison keeps
		// the higher-priority pollutant on ties.
		if !found || aqi > obs.AQI {
			obs.AQI = aqi
			obs.Dominant = p
			found = true
		}

		for src, vals := range bySource(group) {
			srcAQI, _ := table.interpolate(mean(vals))
			if cur, ok := obs.SourceAQI[src]; !ok || srcAQI > cur {
				obs.SourceAQI[src] = srcAQI
			}
		}
	}

	if !found {
		return Observation{}, fmt.Errorf("%w: no pollutant has data", ErrInsufficientData)
	}

	obs.Sources = sortedSources(allSources)
	obs.ID = observationID(obs.Geo, obs.Timestamp)
	return obs, nil
}

// selectReadings applies the source preference: fresh ground readings win,
// otherwise satellite and weather estimates are averaged, and stale ground
// readings are used only when nothing else reported the pollutant.
func (f *Fuser) selectReadings(group []normalizedReading, ref time.Time) []normalizedReading {
	var fresh, estimates, stale []normalizedReading
	for _, r := range group {
		if r.source == SourceGround {
			if f.policy.GroundMaxAge <= 0 || ref.Sub(r.timestamp) <= f.policy.GroundMaxAge {
				fresh = append(fresh, r)
			} else {
				stale = append(stale, r)
			}
			continue
		}
		estimates = append(estimates, r)
	}
	switch {
	case len(fresh) > 0:
		return fresh
	case len(estimates) > 0:
		return estimates
	default:
		return stale
	}
}

// Batch is a set of readings sharing one location key and time bucket.
type Batch struct {
	Key      string
	Bucket   time.Time
	Readings []PollutantReading
}

// Group splits an unordered set of readings into per-location, per-bucket batches
// ordered by bucket time and then location key. Invalid readings must be filtered
// out by the caller.
func Group(readings []PollutantReading, bucketInterval time.Duration) []Batch {
	type batchKey struct {
		key    string
		bucket int64
	}
	index := make(map[batchKey]int)
	var batches []Batch
	for _, r := range readings {
		bucket := r.Timestamp.UTC()
		if bucketInterval > 0 {
			bucket = bucket.Truncate(bucketInterval)
		}
		k := batchKey{key: r.Geo.Key(), bucket: bucket.UnixNano()}
		i, ok := index[k]
		if !ok {
			i = len(batches)
			index[k] = i
			batches = append(batches, Batch{Key: k.key, Bucket: bucket})
		}
		batches[i].Readings = append(batches[i].Readings, r)
	}
	sort.Slice(batches, func(i, j int) bool {
		if !batches[i].Bucket.Equal(batches[j].Bucket) {
			return batches[i].Bucket.Before(batches[j].Bucket)
		}
		return batches[i].Key < batches[j].Key
	})
	return batches
}

func sortNormalized(rs []normalizedReading) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].source != rs[j].source {
			return rs[i].source < rs[j].source
		}
		if !rs[i].timestamp.Equal(rs[j].timestamp) {
			return rs[i].timestamp.Before(rs[j].timestamp)
		}
		return rs[i].value < rs[j].value
	})
}

func mean(rs []normalizedReading) float64 {
	var sum float64
	for _, r := range rs {
		sum += r.value
	}
	return sum / float64(len(rs))
}

func bySource(rs []normalizedReading) map[Source][]normalizedReading {
	out := make(map[Source][]normalizedReading)
	for _, r := range rs {
		out[r.source] = append(out[r.source], r)
	}
	return out
}

func distinctSources(rs []normalizedReading) []Source {
	set := make(map[Source]bool, len(rs))
	for _, r := range rs {
		set[r.source] = true
	}
	return sortedSources(set)
}

func sortedSources(set map[Source]bool) []Source {
	out := make([]Source, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// geoFromKey returns the rounded coordinates encoded in a location key.
func geoFromKey(key string) Geo {
	var g Geo
	lat, lon, _ := strings.Cut(key, ",")
	g.Lat, _ = strconv.ParseFloat(lat, 64)
	g.Lon, _ = strconv.ParseFloat(lon, 64)
	return g
}

// observationID produces a deterministic ID from the location key and bucket time,
// so reprocessing the same readings yields the same ID.
func observationID(g Geo, ts time.Time) string {
	input := fmt.Sprintf("%s|%s", g.Key(), ts.UTC().Format(time.RFC3339))
	hash := sha256.Sum256([]byte(input))
	return "obs-" + hex.EncodeToString(hash[:8])
}
