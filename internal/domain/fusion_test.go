package domain_test

import (
	"math"
	"testing"
	"time"

	"github.com/couchcryptid/air-quality-engine/internal/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFuser(t *testing.T) *domain.Fuser {
	t.Helper()
	return domain.NewFuser(newCalculator(t), domain.FusionPolicy{
		GroundMaxAge:   time.Hour,
		BucketInterval: time.Hour,
	})
}

func TestFuser_Fuse_MaxSubIndexIsCanonical(t *testing.T) {
	fuser := newFuser(t)

	obs, err := fuser.Fuse([]domain.PollutantReading{
		reading(domain.PM25, 35.4, domain.UnitMicrogramsPerCubicMeter, domain.SourceGround, baseTime),
		reading(domain.O3, 60, domain.UnitPPB, domain.SourceGround, baseTime),
	})
	require.NoError(t, err)

	assert.Equal(t, 100, obs.AQI)
	assert.Equal(t, domain.PM25, obs.Dominant)
	assert.Equal(t, 100, obs.Pollutants[domain.PM25].SubIndex)
	assert.Equal(t, 67, obs.Pollutants[domain.O3].SubIndex)
	assert.Equal(t, []domain.Source{domain.SourceGround}, obs.Sources)

	cat, err := newClassifier(t).Classify(obs.AQI)
	require.NoError(t, err)
	assert.Equal(t, "Moderate", cat.Label)
}

func TestFuser_Fuse_DominantTieBreak(t *testing.T) {
	fuser := newFuser(t)

	obs, err := fuser.Fuse([]domain.PollutantReading{
		reading(domain.O3, 70, domain.UnitPPB, domain.SourceGround, baseTime),
		reading(domain.PM25, 35.4, domain.UnitMicrogramsPerCubicMeter, domain.SourceGround, baseTime),
	})
	require.NoError(t, err)
	assert.Equal(t, 100, obs.AQI)
	assert.Equal(t, domain.PM25, obs.Dominant, "PM2.5 outranks O3 on ties")

	obs, err = fuser.Fuse([]domain.PollutantReading{
		reading(domain.PM10, 154, domain.UnitMicrogramsPerCubicMeter, domain.SourceGround, baseTime),
		reading(domain.O3, 70, domain.UnitPPB, domain.SourceGround, baseTime),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.O3, obs.Dominant, "O3 outranks PM10 on ties")
}

func TestFuser_Fuse_FreshGroundWins(t *testing.T) {
	fuser := newFuser(t)

	obs, err := fuser.Fuse([]domain.PollutantReading{
		reading(domain.PM25, 35.4, domain.UnitMicrogramsPerCubicMeter, domain.SourceGround, baseTime),
		reading(domain.PM25, 100, domain.UnitMicrogramsPerCubicMeter, domain.SourceSatellite, baseTime),
	})
	require.NoError(t, err)

	assert.Equal(t, 100, obs.AQI)
	assert.Equal(t, []domain.Source{domain.SourceGround}, obs.Pollutants[domain.PM25].Sources)
	assert.Equal(t, map[domain.Source]int{
		domain.SourceGround:    100,
		domain.SourceSatellite: 174,
	}, obs.SourceAQI)
}

func TestFuser_Fuse_StaleGroundFallsBackToEstimates(t *testing.T) {
	fuser := newFuser(t)

	obs, err := fuser.Fuse([]domain.PollutantReading{
		reading(domain.PM25, 5, domain.UnitMicrogramsPerCubicMeter, domain.SourceGround, baseTime.Add(-2*time.Hour)),
		reading(domain.PM25, 30, domain.UnitMicrogramsPerCubicMeter, domain.SourceSatellite, baseTime),
		reading(domain.PM25, 40, domain.UnitMicrogramsPerCubicMeter, domain.SourceWeather, baseTime),
	})
	require.NoError(t, err)

	detail := obs.Pollutants[domain.PM25]
	assert.InDelta(t, 35.0, detail.Concentration, 1e-9)
	assert.Equal(t, 99, detail.SubIndex)
	assert.Equal(t, []domain.Source{domain.SourceSatellite, domain.SourceWeather}, detail.Sources)
	assert.Equal(t, baseTime, obs.Timestamp)
}

func TestFuser_Fuse_StaleGroundAsLastResort(t *testing.T) {
	fuser := newFuser(t)

	obs, err := fuser.Fuse([]domain.PollutantReading{
		reading(domain.PM25, 35.4, domain.UnitMicrogramsPerCubicMeter, domain.SourceGround, baseTime.Add(-3*time.Hour)),
		reading(domain.O3, 40, domain.UnitPPB, domain.SourceSatellite, baseTime),
	})
	require.NoError(t, err)

	assert.Equal(t, 100, obs.Pollutants[domain.PM25].SubIndex)
	assert.Equal(t, []domain.Source{domain.SourceGround}, obs.Pollutants[domain.PM25].Sources)
	assert.Equal(t, []domain.Source{domain.SourceGround, domain.SourceSatellite}, obs.Sources)
}

func TestFuser_Fuse_NormalizesUnitsBeforeAveraging(t *testing.T) {
	fuser := newFuser(t)

	obs, err := fuser.Fuse([]domain.PollutantReading{
		reading(domain.CO, 4.0, domain.UnitPPM, domain.SourceSatellite, baseTime),
		reading(domain.CO, 5000, domain.UnitPPB, domain.SourceWeather, baseTime),
	})
	require.NoError(t, err)

	detail := obs.Pollutants[domain.CO]
	assert.Equal(t, domain.UnitPPM, detail.Unit)
	assert.InDelta(t, 4.5, detail.Concentration, 1e-9)
	assert.Equal(t, 51, detail.SubIndex)
}

func TestFuser_Fuse_OrderIndependent(t *testing.T) {
	fuser := newFuser(t)

	readings := []domain.PollutantReading{
		reading(domain.PM25, 22.1, domain.UnitMicrogramsPerCubicMeter, domain.SourceSatellite, baseTime.Add(5*time.Minute)),
		reading(domain.PM25, 18.7, domain.UnitMicrogramsPerCubicMeter, domain.SourceWeather, baseTime.Add(20*time.Minute)),
		reading(domain.PM25, 19.3, domain.UnitMicrogramsPerCubicMeter, domain.SourceSatellite, baseTime.Add(40*time.Minute)),
		reading(domain.O3, 61, domain.UnitPPB, domain.SourceGround, baseTime.Add(10*time.Minute)),
		reading(domain.NO2, 0.04, domain.UnitPPM, domain.SourceWeather, baseTime.Add(15*time.Minute)),
		reading(domain.CO, 0.9, domain.UnitPPM, domain.SourceSatellite, baseTime.Add(25*time.Minute)),
	}

	want, err := fuser.Fuse(readings)
	require.NoError(t, err)

	for shift := 1; shift < len(readings); shift++ {
		rotated := append(append([]domain.PollutantReading{}, readings[shift:]...), readings[:shift]...)
		got, err := fuser.Fuse(rotated)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("rotation %d changed the observation (-want +got):\n%s", shift, diff)
		}
	}

	reversed := make([]domain.PollutantReading, len(readings))
	for i, r := range readings {
		reversed[len(readings)-1-i] = r
	}
	got, err := fuser.Fuse(reversed)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(want, got))
}

func TestFuser_Fuse_DeterministicIDAndBucket(t *testing.T) {
	fuser := newFuser(t)

	r := reading(domain.PM25, 10, domain.UnitMicrogramsPerCubicMeter, domain.SourceGround, baseTime.Add(25*time.Minute))
	a, err := fuser.Fuse([]domain.PollutantReading{r})
	require.NoError(t, err)
	b, err := fuser.Fuse([]domain.PollutantReading{r})
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Regexp(t, `^obs-[0-9a-f]{16}$`, a.ID)
	assert.Equal(t, baseTime, a.Timestamp)
	assert.Equal(t, domain.Geo{Lat: 30.2672, Lon: -97.7431}, a.Geo)
}

func TestFuser_Fuse_Errors(t *testing.T) {
	fuser := newFuser(t)

	_, err := fuser.Fuse(nil)
	assert.ErrorIs(t, err, domain.ErrInsufficientData)

	elsewhere := reading(domain.PM25, 10, domain.UnitMicrogramsPerCubicMeter, domain.SourceGround, baseTime)
	elsewhere.Geo = domain.Geo{Lat: 40.7128, Lon: -74.0060}
	_, err = fuser.Fuse([]domain.PollutantReading{
		reading(domain.PM25, 10, domain.UnitMicrogramsPerCubicMeter, domain.SourceGround, baseTime),
		elsewhere,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = fuser.Fuse([]domain.PollutantReading{
		reading(domain.PM25, -3, domain.UnitMicrogramsPerCubicMeter, domain.SourceGround, baseTime),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestGroup_SplitsByLocationAndBucket(t *testing.T) {
	nyc := domain.Geo{Lat: 40.7128, Lon: -74.0060}
	at := func(g domain.Geo, ts time.Time) domain.PollutantReading {
		r := reading(domain.PM25, 10, domain.UnitMicrogramsPerCubicMeter, domain.SourceGround, ts)
		r.Geo = g
		return r
	}

	batches := domain.Group([]domain.PollutantReading{
		at(nyc, baseTime.Add(70*time.Minute)),
		at(austin, baseTime.Add(10*time.Minute)),
		at(nyc, baseTime.Add(5*time.Minute)),
		at(austin, baseTime.Add(50*time.Minute)),
	}, time.Hour)

	require.Len(t, batches, 3)
	assert.Equal(t, austin.Key(), batches[0].Key)
	assert.Equal(t, baseTime, batches[0].Bucket)
	assert.Len(t, batches[0].Readings, 2)
	assert.Equal(t, nyc.Key(), batches[1].Key)
	assert.Equal(t, baseTime, batches[1].Bucket)
	assert.Equal(t, nyc.Key(), batches[2].Key)
	assert.Equal(t, baseTime.Add(time.Hour), batches[2].Bucket)
}

func TestGeo_Key(t *testing.T) {
	assert.Equal(t, "30.2672,-97.7431", austin.Key())
	assert.Equal(t, domain.Geo{Lat: 30.26721, Lon: -97.74309}.Key(), austin.Key())

	// Coordinates that round to zero share one key regardless of sign.
	zero := domain.Geo{}.Key()
	assert.Equal(t, "0.0000,0.0000", zero)
	assert.Equal(t, zero, domain.Geo{Lat: -0.00001, Lon: 0.00002}.Key())
	assert.Equal(t, zero, domain.Geo{Lat: 0.00004, Lon: -0.00004}.Key())
	assert.Equal(t, zero, domain.Geo{Lat: math.Copysign(0, -1), Lon: 0}.Key())
	assert.Equal(t, "-0.0001,51.4779", domain.Geo{Lat: -0.00006, Lon: 51.4779}.Key())
	assert.False(t, domain.Geo{Lat: 91, Lon: 0}.Valid())
	assert.False(t, domain.Geo{Lat: 0, Lon: -181}.Valid())
}

func TestParsePollutant(t *testing.T) {
	p, err := domain.ParsePollutant("pm25")
	require.NoError(t, err)
	assert.Equal(t, domain.PM25, p)

	p, err = domain.ParsePollutant(" o3 ")
	require.NoError(t, err)
	assert.Equal(t, domain.O3, p)

	_, err = domain.ParsePollutant("radon")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.Equal(t, 0, domain.PM25.Priority())
	assert.Equal(t, 1, domain.O3.Priority())
	assert.Equal(t, 2, domain.PM10.Priority())
}
