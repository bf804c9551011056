package domain

import (
	"fmt"
	"sort"
	"time"
)

// SeriesPoint is one slot of a Series. Observation is nil when no observation
// fell into the slot; empty slots are never interpolated.
type SeriesPoint struct {
	Timestamp   time.Time    `json:"timestamp"`
	Observation *Observation `json:"observation"`
}

// Series is an ordered sequence of slots with strictly increasing timestamps.
// Historical and forecast series share this structure.
type Series struct {
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Interval time.Duration `json:"interval"`
	Points   []SeriesPoint `json:"points"`
}

// Split returns the points at or before now (history) and after now (forecast).
func (s Series) Split(now time.Time) (history, forecast []SeriesPoint) {
	for _, p := range s.Points {
		if p.Timestamp.After(now) {
			forecast = append(forecast, p)
		} else {
			history = append(history, p)
		}
	}
	return history, forecast
}

// BuildSeries places observations into slots at start + k*interval for every
// tick up to and including end. An observation belongs to the slot whose
// [tick, tick+interval) window contains its timestamp; when several do, the
// latest wins, ties broken by higher AQI and then ID.
func BuildSeries(observations []Observation, start, end time.Time, interval time.Duration) (Series, error) {
	if interval <= 0 {
		return Series{}, fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidInput, interval)
	}
	if end.Before(start) {
		return Series{}, fmt.Errorf("%w: end %s before start %s", ErrInvalidInput, end, start)
	}

	slots := int(end.Sub(start)/interval) + 1
	s := Series{
		Start:    start,
		End:      end,
		Interval: interval,
		Points:   make([]SeriesPoint, slots),
	}
	for i := range s.Points {
		s.Points[i].Timestamp = start.Add(time.Duration(i) * interval)
	}

	for i := range observations {
		o := observations[i]
		if o.Timestamp.Before(start) {
			continue
		}
		slot := int(o.Timestamp.Sub(start) / interval)
		if slot >= slots {
			continue
		}
		cur := s.Points[slot].Observation
		if cur == nil || laterObservation(o, *cur) {
			s.Points[slot].Observation = &o
		}
	}
	return s, nil
}

func laterObservation(a, b Observation) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	if a.AQI != b.AQI {
		return a.AQI > b.AQI
	}
	return a.ID > b.ID
}

// Extreme is a series value and the slot time it occurred at.
type Extreme struct {
	Value     int       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Direction is the sign of a trend. Higher AQI is worse.
type Direction string

const (
	DirectionWorsening Direction = "worsening"
	DirectionImproving Direction = "improving"
	DirectionSteady    Direction = "steady"
)

// Trend is the change between the first and last non-null points.
type Trend struct {
	Delta     int       `json:"delta"`
	Magnitude int       `json:"magnitude"`
	Direction Direction `json:"direction"`
}

// Summary holds the statistics of a Series. Trend is nil with fewer than two
// non-null points.
type Summary struct {
	Mean        float64            `json:"mean"`
	Peak        Extreme            `json:"peak"`
	Trough      Extreme            `json:"trough"`
	Trend       *Trend             `json:"trend"`
	Points      int                `json:"points"`
	Present     int                `json:"present"`
	SourceMeans map[Source]float64 `json:"source_means,omitempty"`
}

// Summarize computes mean, peak, trough, trend and per-source means over the
// non-null points of s. A series with no data fails with ErrNoData.
func Summarize(s Series) (Summary, error) {
	sum := Summary{Points: len(s.Points)}
	var (
		total       int
		first, last int
		sourceSum   = make(map[Source]int)
		sourceCount = make(map[Source]int)
	)

	for _, p := range s.Points {
		if p.Observation == nil {
			continue
		}
		v := p.Observation.AQI
		if sum.Present == 0 {
			first = v
			sum.Peak = Extreme{Value: v, Timestamp: p.Timestamp}
			sum.Trough = Extreme{Value: v, Timestamp: p.Timestamp}
		}
		if v > sum.Peak.Value {
			sum.Peak = Extreme{Value: v, Timestamp: p.Timestamp}
		}
		if v < sum.Trough.Value {
			sum.Trough = Extreme{Value: v, Timestamp: p.Timestamp}
		}
		last = v
		total += v
		sum.Present++

		for src, aqi := range p.Observation.SourceAQI {
			sourceSum[src] += aqi
			sourceCount[src]++
		}
	}

	if sum.Present == 0 {
		return Summary{}, fmt.Errorf("%w: series has no observations", ErrNoData)
	}

	sum.Mean = float64(total) / float64(sum.Present)
	if sum.Present >= 2 {
		delta := last - first
		t := &Trend{Delta: delta, Magnitude: delta, Direction: DirectionSteady}
		switch {
		case delta > 0:
			t.Direction = DirectionWorsening
		case delta < 0:
			t.Direction = DirectionImproving
			t.Magnitude = -delta
		}
		sum.Trend = t
	}

	if len(sourceCount) > 0 {
		sum.SourceMeans = make(map[Source]float64, len(sourceCount))
		srcs := make([]Source, 0, len(sourceCount))
		for src := range sourceCount {
			srcs = append(srcs, src)
		}
		sort.Slice(srcs, func(i, j int) bool { return srcs[i] < srcs[j] })
		for _, src := range srcs {
			sum.SourceMeans[src] = float64(sourceSum[src]) / float64(sourceCount[src])
		}
	}
	return sum, nil
}
