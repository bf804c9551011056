package domain

import (
	"fmt"
	"math"
	"time"
)

// Breakpoint maps the concentration range [CLow, CHigh] onto the index range [ILow, IHigh].
type Breakpoint struct {
	CLow  float64 `json:"c_low"`
	CHigh float64 `json:"c_high"`
	ILow  int     `json:"i_low"`
	IHigh int     `json:"i_high"`
}

// BreakpointTable is the ordered bracket list for one pollutant under one standard.
// Precision is the number of decimals concentrations are truncated to before lookup.
// Averaging is the averaging period the table is defined for; zero means instantaneous.
type BreakpointTable struct {
	Pollutant   Pollutant     `json:"pollutant"`
	Unit        Unit          `json:"unit"`
	Precision   int           `json:"precision"`
	Averaging   time.Duration `json:"averaging"`
	Breakpoints []Breakpoint  `json:"breakpoints"`
}

// Standard is a named set of breakpoint tables, e.g. "US EPA".
type Standard struct {
	Name   string                        `json:"name"`
	Tables map[Pollutant]BreakpointTable `json:"tables"`
}

// SubIndex is one pollutant's contribution on the AQI scale.
type SubIndex struct {
	Pollutant   Pollutant `json:"pollutant"`
	AQI         int       `json:"aqi"`
	Source      Source    `json:"source,omitempty"`
	BeyondScale bool      `json:"beyond_scale,omitempty"`
}

// Calculator converts pollutant concentrations into AQI sub-indices.
// It holds no mutable state and is safe for concurrent use.
type Calculator struct {
	standard Standard
}

// NewCalculator validates every table of the standard and returns a Calculator.
func NewCalculator(std Standard) (*Calculator, error) {
	if len(std.Tables) == 0 {
		return nil, fmt.Errorf("%w: standard %q has no breakpoint tables", ErrInvalidInput, std.Name)
	}
	tables := make(map[Pollutant]BreakpointTable, len(std.Tables))
	for p, t := range std.Tables {
		if t.Pollutant == "" {
			t.Pollutant = p
		}
		if t.Pollutant != p {
			return nil, fmt.Errorf("%w: table keyed %s declares pollutant %s", ErrInvalidInput, p, t.Pollutant)
		}
		if err := t.validate(); err != nil {
			return nil, err
		}
		bps := make([]Breakpoint, len(t.Breakpoints))
		copy(bps, t.Breakpoints)
		t.Breakpoints = bps
		tables[p] = t
	}
	return &Calculator{standard: Standard{Name: std.Name, Tables: tables}}, nil
}

// validate enforces ascending, non-overlapping brackets with no gap wider than one
// precision step.
func (t BreakpointTable) validate() error {
	if !t.Pollutant.Valid() {
		return fmt.Errorf("%w: unknown pollutant %q in breakpoint table", ErrInvalidInput, t.Pollutant)
	}
	if !t.Unit.Valid() {
		return fmt.Errorf("%w: %s table has unknown unit %q", ErrInvalidInput, t.Pollutant, t.Unit)
	}
	if t.Precision < 0 {
		return fmt.Errorf("%w: %s table has negative precision", ErrInvalidInput, t.Pollutant)
	}
	if len(t.Breakpoints) == 0 {
		return fmt.Errorf("%w: %s table has no breakpoints", ErrInvalidInput, t.Pollutant)
	}

	step := math.Pow(10, -float64(t.Precision))
	const eps = 1e-9
	for i, bp := range t.Breakpoints {
		if bp.CLow < 0 || bp.CLow >= bp.CHigh {
			return fmt.Errorf("%w: %s bracket %d has invalid concentration range [%v, %v]",
				ErrInvalidInput, t.Pollutant, i, bp.CLow, bp.CHigh)
		}
		if bp.ILow < 0 || bp.ILow > bp.IHigh {
			return fmt.Errorf("%w: %s bracket %d has invalid index range [%d, %d]",
				ErrInvalidInput, t.Pollutant, i, bp.ILow, bp.IHigh)
		}
		if i == 0 {
			continue
		}
		prev := t.Breakpoints[i-1]
		if bp.CLow <= prev.CHigh {
			return fmt.Errorf("%w: %s bracket %d overlaps bracket %d", ErrInvalidInput, t.Pollutant, i, i-1)
		}
		if bp.CLow-prev.CHigh > step+eps {
			return fmt.Errorf("%w: %s gap between brackets %d and %d", ErrInvalidInput, t.Pollutant, i-1, i)
		}
		if bp.ILow <= prev.IHigh {
			return fmt.Errorf("%w: %s bracket %d index range not ascending", ErrInvalidInput, t.Pollutant, i)
		}
	}
	return nil
}

// Standard returns the name of the configured standard.
func (c *Calculator) Standard() string {
	return c.standard.Name
}

// Table returns the breakpoint table for p.
func (c *Calculator) Table(p Pollutant) (BreakpointTable, bool) {
	t, ok := c.standard.Tables[p]
	return t, ok
}

// SubIndex computes the sub-index of a concentration already expressed in the
// table unit of p.
func (c *Calculator) SubIndex(p Pollutant, concentration float64) (int, error) {
	t, ok := c.standard.Tables[p]
	if !ok {
		return 0, fmt.Errorf("%w: no breakpoint table for %s", ErrInvalidInput, p)
	}
	if err := validConcentration(concentration); err != nil {
		return 0, err
	}
	aqi, _ := t.interpolate(concentration)
	return aqi, nil
}

// Compute validates a reading, converts it to the table unit and returns its sub-index.
// When the table declares an averaging period and the reading carries an averaged
// concentration, the averaged value is used.
func (c *Calculator) Compute(r PollutantReading) (SubIndex, error) {
	if err := r.Validate(); err != nil {
		return SubIndex{}, err
	}
	conc, err := c.normalize(r)
	if err != nil {
		return SubIndex{}, err
	}
	t := c.standard.Tables[r.Pollutant]
	aqi, beyond := t.interpolate(conc)
	return SubIndex{Pollutant: r.Pollutant, AQI: aqi, Source: r.Source, BeyondScale: beyond}, nil
}

// normalize returns the concentration of r expressed in its table unit.
func (c *Calculator) normalize(r PollutantReading) (float64, error) {
	t, ok := c.standard.Tables[r.Pollutant]
	if !ok {
		return 0, fmt.Errorf("%w: no breakpoint table for %s", ErrInvalidInput, r.Pollutant)
	}
	value := r.Concentration
	if t.Averaging > 0 && r.AveragedConcentration != nil {
		value = *r.AveragedConcentration
	}
	return ConvertUnit(r.Pollutant, value, r.Unit, t.Unit)
}

// interpolate truncates conc to the table precision and applies the bracket formula.
// The second return value reports extrapolation past the last bracket.
func (t BreakpointTable) interpolate(conc float64) (int, bool) {
	scale := math.Pow(10, float64(t.Precision))
	// Nudge before flooring so values like 35.4 survive float representation.
	c := math.Floor(conc*scale+1e-9) / scale

	bp := t.Breakpoints[len(t.Breakpoints)-1]
	beyond := c > bp.CHigh
	if !beyond {
		for _, candidate := range t.Breakpoints {
			if c <= candidate.CHigh {
				bp = candidate
				break
			}
		}
	}

	slope := float64(bp.IHigh-bp.ILow) / (bp.CHigh - bp.CLow)
	i := math.Round(float64(bp.ILow) + slope*(c-bp.CLow))
	if i < 0 {
		i = 0
	}
	return int(i), beyond
}
