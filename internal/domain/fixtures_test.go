package domain_test

import (
	"testing"
	"time"

	"github.com/couchcryptid/air-quality-engine/internal/domain"
	"github.com/stretchr/testify/require"
)

func bp(cLow, cHigh float64, iLow, iHigh int) domain.Breakpoint {
	return domain.Breakpoint{CLow: cLow, CHigh: cHigh, ILow: iLow, IHigh: iHigh}
}

func epaStandard() domain.Standard {
	return domain.Standard{
		Name: "US EPA",
		Tables: map[domain.Pollutant]domain.BreakpointTable{
			domain.PM25: {
				Unit: domain.UnitMicrogramsPerCubicMeter, Precision: 1, Averaging: 24 * time.Hour,
				Breakpoints: []domain.Breakpoint{
					bp(0, 12.0, 0, 50), bp(12.1, 35.4, 51, 100), bp(35.5, 55.4, 101, 150),
					bp(55.5, 150.4, 151, 200), bp(150.5, 250.4, 201, 300),
					bp(250.5, 350.4, 301, 400), bp(350.5, 500.4, 401, 500),
				},
			},
			domain.PM10: {
				Unit: domain.UnitMicrogramsPerCubicMeter, Precision: 0, Averaging: 24 * time.Hour,
				Breakpoints: []domain.Breakpoint{
					bp(0, 54, 0, 50), bp(55, 154, 51, 100), bp(155, 254, 101, 150),
					bp(255, 354, 151, 200), bp(355, 424, 201, 300),
					bp(425, 504, 301, 400), bp(505, 604, 401, 500),
				},
			},
			domain.O3: {
				Unit: domain.UnitPPB, Precision: 0, Averaging: 8 * time.Hour,
				Breakpoints: []domain.Breakpoint{
					bp(0, 54, 0, 50), bp(55, 70, 51, 100), bp(71, 85, 101, 150),
					bp(86, 105, 151, 200), bp(106, 200, 201, 300),
					bp(201, 504, 301, 400), bp(505, 604, 401, 500),
				},
			},
			domain.NO2: {
				Unit: domain.UnitPPB, Precision: 0,
				Breakpoints: []domain.Breakpoint{
					bp(0, 53, 0, 50), bp(54, 100, 51, 100), bp(101, 360, 101, 150),
					bp(361, 649, 151, 200), bp(650, 1249, 201, 300),
					bp(1250, 1649, 301, 400), bp(1650, 2049, 401, 500),
				},
			},
			domain.CO: {
				Unit: domain.UnitPPM, Precision: 1, Averaging: 8 * time.Hour,
				Breakpoints: []domain.Breakpoint{
					bp(0, 4.4, 0, 50), bp(4.5, 9.4, 51, 100), bp(9.5, 12.4, 101, 150),
					bp(12.5, 15.4, 151, 200), bp(15.5, 30.4, 201, 300),
					bp(30.5, 40.4, 301, 400), bp(40.5, 50.4, 401, 500),
				},
			},
		},
	}
}

func newCalculator(t *testing.T) *domain.Calculator {
	t.Helper()
	calc, err := domain.NewCalculator(epaStandard())
	require.NoError(t, err)
	return calc
}

func intPtr(v int) *int { return &v }

func defaultCategories() []domain.Category {
	return []domain.Category{
		{Name: "good", Label: "Good", Min: 0, Max: intPtr(50)},
		{Name: "moderate", Label: "Moderate", Min: 51, Max: intPtr(100)},
		{Name: "usg", Label: "Unhealthy for Sensitive Groups", Min: 101, Max: intPtr(150)},
		{Name: "unhealthy", Label: "Unhealthy", Min: 151, Max: intPtr(200)},
		{Name: "very_unhealthy", Label: "Very Unhealthy", Min: 201, Max: intPtr(300)},
		{Name: "hazardous", Label: "Hazardous", Min: 301},
	}
}

func newClassifier(t *testing.T) *domain.Classifier {
	t.Helper()
	c, err := domain.NewClassifier(defaultCategories())
	require.NoError(t, err)
	return c
}

var baseTime = time.Date(2024, time.June, 3, 14, 0, 0, 0, time.UTC)

var austin = domain.Geo{Lat: 30.2672, Lon: -97.7431}

func reading(p domain.Pollutant, conc float64, unit domain.Unit, src domain.Source, ts time.Time) domain.PollutantReading {
	return domain.PollutantReading{
		Pollutant:     p,
		Concentration: conc,
		Unit:          unit,
		Source:        src,
		Geo:           austin,
		Timestamp:     ts,
	}
}
