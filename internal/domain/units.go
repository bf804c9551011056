package domain

import (
	"fmt"
	"strings"
)

// Unit is a concentration unit.
type Unit string

const (
	UnitMicrogramsPerCubicMeter Unit = "ug/m3"
	UnitMilligramsPerCubicMeter Unit = "mg/m3"
	UnitPPB                     Unit = "ppb"
	UnitPPM                     Unit = "ppm"
)

// molarVolume is the volume of one mole of ideal gas at 25 °C and 1 atm, in litres.
const molarVolume = 24.45

// molecularWeight in g/mol for gases that can be converted between mass and mixing ratio.
var molecularWeight = map[Pollutant]float64{
	O3:   48.00,
	NO2:  46.01,
	SO2:  64.07,
	CO:   28.01,
	HCHO: 30.03,
}

// Valid reports whether u is a known unit.
func (u Unit) Valid() bool {
	switch u {
	case UnitMicrogramsPerCubicMeter, UnitMilligramsPerCubicMeter, UnitPPB, UnitPPM:
		return true
	default:
		return false
	}
}

func (u Unit) isMass() bool {
	return u == UnitMicrogramsPerCubicMeter || u == UnitMilligramsPerCubicMeter
}

// ParseUnit accepts common spellings such as "µg/m³", "ug/m3" and "PPB".
func ParseUnit(s string) (Unit, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	n = strings.NewReplacer("µ", "u", "μ", "u", "³", "3").Replace(n)
	switch n {
	case "ug/m3", "ugm3":
		return UnitMicrogramsPerCubicMeter, nil
	case "mg/m3", "mgm3":
		return UnitMilligramsPerCubicMeter, nil
	case "ppb":
		return UnitPPB, nil
	case "ppm":
		return UnitPPM, nil
	default:
		return "", fmt.Errorf("%w: unknown unit %q", ErrInvalidInput, s)
	}
}

// ConvertUnit converts a concentration of pollutant p between units.
func ConvertUnit(p Pollutant, value float64, from, to Unit) (float64, error) {
	if !from.Valid() || !to.Valid() {
		return 0, fmt.Errorf("%w: cannot convert %q to %q", ErrInvalidInput, from, to)
	}
	if from == to {
		return value, nil
	}

	// Normalize to ug/m3 or ppb first.
	base, baseUnit := value, from
	switch from {
	case UnitMilligramsPerCubicMeter:
		base, baseUnit = value*1000, UnitMicrogramsPerCubicMeter
	case UnitPPM:
		base, baseUnit = value*1000, UnitPPB
	}

	target := UnitMicrogramsPerCubicMeter
	if !to.isMass() {
		target = UnitPPB
	}

	if baseUnit != target {
		mw, ok := molecularWeight[p]
		if !ok {
			return 0, fmt.Errorf("%w: %s cannot be converted between mass and mixing ratio", ErrInvalidInput, p)
		}
		if baseUnit == UnitPPB {
			base = base * mw / molarVolume
		} else {
			base = base * molarVolume / mw
		}
	}

	switch to {
	case UnitMilligramsPerCubicMeter, UnitPPM:
		return base / 1000, nil
	default:
		return base, nil
	}
}
