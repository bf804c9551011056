package domain

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// Pollutant identifies a measured species.
type Pollutant string

const (
	PM25 Pollutant = "PM2.5"
	PM10 Pollutant = "PM10"
	O3   Pollutant = "O3"
	NO2  Pollutant = "NO2"
	SO2  Pollutant = "SO2"
	CO   Pollutant = "CO"
	HCHO Pollutant = "HCHO"
)

// pollutantPriority is the dominant-pollutant tie-break order, highest first.
var pollutantPriority = []Pollutant{PM25, O3, PM10, NO2, SO2, CO, HCHO}

// Pollutants returns every known pollutant in tie-break priority order.
func Pollutants() []Pollutant {
	out := make([]Pollutant, len(pollutantPriority))
	copy(out, pollutantPriority)
	return out
}

// Priority returns the tie-break rank of p (0 is highest), or -1 if p is unknown.
func (p Pollutant) Priority() int {
	for i, known := range pollutantPriority {
		if known == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a known pollutant.
func (p Pollutant) Valid() bool {
	return p.Priority() >= 0
}

// ParsePollutant normalizes common spellings ("pm25", "PM2.5", "o3") to a Pollutant.
func ParsePollutant(s string) (Pollutant, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PM2.5", "PM25", "PM2_5":
		return PM25, nil
	case "PM10":
		return PM10, nil
	case "O3":
		return O3, nil
	case "NO2":
		return NO2, nil
	case "SO2":
		return SO2, nil
	case "CO":
		return CO, nil
	case "HCHO":
		return HCHO, nil
	default:
		return "", fmt.Errorf("%w: unknown pollutant %q", ErrInvalidInput, s)
	}
}

// Source identifies the kind of instrument that produced a reading.
type Source string

const (
	SourceSatellite Source = "satellite"
	SourceGround    Source = "ground"
	SourceWeather   Source = "weather"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceSatellite, SourceGround, SourceWeather:
		return true
	default:
		return false
	}
}

// Geo represents a WGS-84 latitude/longitude coordinate pair.
type Geo struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Key returns the canonical location key, rounded to 4 decimals (~11 m).
// Readings and alerts for the same key refer to the same location.
func (g Geo) Key() string {
	return coordKey(g.Lat) + "," + coordKey(g.Lon)
}

// coordKey formats one coordinate for Key. Values that round to zero from
// below are written without a sign.
func coordKey(v float64) string {
	s := fmt.Sprintf("%.4f", v)
	if s == "-0.0000" {
		return "0.0000"
	}
	return s
}

// Valid reports whether the coordinates are inside WGS-84 bounds.
func (g Geo) Valid() bool {
	return g.Lat >= -90 && g.Lat <= 90 && g.Lon >= -180 && g.Lon <= 180 &&
		!math.IsNaN(g.Lat) && !math.IsNaN(g.Lon)
}

// PollutantReading is a single parsed concentration from one source.
// AveragedConcentration carries the averaging-period value (e.g. 8-hour O3,
// 24-hour PM2.5) when the upstream source provides one.
type PollutantReading struct {
	Pollutant             Pollutant `json:"pollutant"`
	Concentration         float64   `json:"concentration"`
	AveragedConcentration *float64  `json:"averaged_concentration,omitempty"`
	Unit                  Unit      `json:"unit"`
	Source                Source    `json:"source"`
	Geo                   Geo       `json:"geo"`
	Timestamp             time.Time `json:"timestamp"`
}

// Validate rejects readings that cannot be fused. All failures wrap ErrInvalidInput.
func (r PollutantReading) Validate() error {
	if !r.Pollutant.Valid() {
		return fmt.Errorf("%w: unknown pollutant %q", ErrInvalidInput, r.Pollutant)
	}
	if !r.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidInput, r.Source)
	}
	if !r.Unit.Valid() {
		return fmt.Errorf("%w: unknown unit %q", ErrInvalidInput, r.Unit)
	}
	if err := validConcentration(r.Concentration); err != nil {
		return err
	}
	if r.AveragedConcentration != nil {
		if err := validConcentration(*r.AveragedConcentration); err != nil {
			return err
		}
	}
	if !r.Geo.Valid() {
		return fmt.Errorf("%w: coordinates out of range (%v, %v)", ErrInvalidInput, r.Geo.Lat, r.Geo.Lon)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidInput)
	}
	return nil
}

func validConcentration(c float64) error {
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return fmt.Errorf("%w: concentration is not finite", ErrInvalidInput)
	}
	if c < 0 {
		return fmt.Errorf("%w: negative concentration %v", ErrInvalidInput, c)
	}
	return nil
}

// RawEvent represents an unprocessed message from the source topic.
type RawEvent struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}
