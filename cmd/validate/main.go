// Command validate performs data integrity checks on a reading fixture and,
// optionally, on the expected observations genmock produced for it. It decodes
// every record the way the pipeline does, fuses each location bucket with the
// embedded standard, and verifies the AQI invariants: the overall index equals
// the dominant sub-index, the category contains the index, and fusion does not
// depend on reading order.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -readings data/mock/readings_dashboard.json \
//	  -expected data/mock/observations_dashboard.json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/couchcryptid/air-quality-engine/internal/config"
	"github.com/couchcryptid/air-quality-engine/internal/domain"
	"github.com/couchcryptid/air-quality-engine/internal/pipeline"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

type expectedObservation struct {
	City        string             `json:"city"`
	Observation domain.Observation `json:"observation"`
	Category    string             `json:"category"`
}

type engine struct {
	fuser      *domain.Fuser
	classifier *domain.Classifier
}

func main() {
	readingsPath := flag.String("readings", "", "path to the reading fixture (JSON array)")
	expectedPath := flag.String("expected", "", "optional path to expected observations")
	bucket := flag.Duration("bucket", time.Hour, "bucket interval used for grouping")
	flag.Parse()

	if *readingsPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*readingsPath, *expectedPath, *bucket); code != 0 {
		os.Exit(code)
	}
}

func run(readingsPath, expectedPath string, bucket time.Duration) int {
	// Fixed clock so nothing in the run depends on wall time.
	domain.SetClock(clockwork.NewFakeClockAt(time.Date(2024, time.June, 4, 0, 0, 0, 0, time.UTC)))
	defer domain.SetClock(nil)

	fmt.Println("=== Air Quality Fixture Validation ===")
	fmt.Println()

	raw, err := loadJSON[json.RawMessage](readingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load readings: %v\n", err)
		return 1
	}

	var expected []expectedObservation
	if expectedPath != "" {
		expected, err = loadJSON[expectedObservation](expectedPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: load expected observations: %v\n", err)
			return 1
		}
	}

	eng, err := buildEngine(bucket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load standard: %v\n", err)
		return 1
	}

	decodePhase, readings := validateDecoding(raw)
	batches := domain.Group(readings, bucket)
	fusionPhase, observations := validateFusion(eng, batches)

	phases := []*phase{
		decodePhase,
		fusionPhase,
		validateOrderIndependence(eng, batches),
	}
	if expectedPath != "" {
		phases = append(phases, validateExpected(eng, observations, expected))
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Records: %d readings, %d buckets, %d observations, %d expected\n",
		len(raw), len(batches), len(observations), len(expected))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

func buildEngine(bucket time.Duration) (engine, error) {
	std, err := config.LoadStandard("")
	if err != nil {
		return engine{}, err
	}
	calc, err := domain.NewCalculator(std.Standard)
	if err != nil {
		return engine{}, err
	}
	classifier, err := domain.NewClassifier(std.Categories)
	if err != nil {
		return engine{}, err
	}
	fuser := domain.NewFuser(calc, domain.FusionPolicy{GroundMaxAge: time.Hour, BucketInterval: bucket})
	return engine{fuser: fuser, classifier: classifier}, nil
}

func loadJSON[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// ── Phase 1: Decoding ──
// Every fixture record must pass the same decoding the pipeline applies.

func validateDecoding(raw []json.RawMessage) (*phase, []domain.PollutantReading) {
	p := &phase{name: "Phase 1: Decoding (wire format)"}

	readings := make([]domain.PollutantReading, 0, len(raw))
	for i, msg := range raw {
		r, err := pipeline.DecodeReading(domain.RawEvent{Value: msg, Offset: int64(i)})
		if err != nil {
			p.errorf("record %d: %v", i, err)
			continue
		}
		readings = append(readings, r)
	}
	return p, readings
}

// ── Phase 2: Fusion invariants ──

func validateFusion(eng engine, batches []domain.Batch) (*phase, []domain.Observation) {
	p := &phase{name: "Phase 2: Fusion invariants"}

	seen := make(map[string]string, len(batches))
	observations := make([]domain.Observation, 0, len(batches))
	for _, b := range batches {
		label := fmt.Sprintf("%s @ %s", b.Key, b.Bucket.Format(time.RFC3339))
		obs, err := eng.fuser.Fuse(b.Readings)
		if err != nil {
			p.errorf("%s: fuse: %v", label, err)
			continue
		}
		observations = append(observations, obs)
		checkObservation(p, eng, label, obs)

		if prev, dup := seen[obs.ID]; dup {
			p.errorf("%s: id %s already used by %s", label, obs.ID, prev)
		}
		seen[obs.ID] = label

		if !obs.Timestamp.Equal(b.Bucket) {
			p.errorf("%s: timestamp %s is not the bucket start", label, obs.Timestamp.Format(time.RFC3339))
		}
	}
	return p, observations
}

func checkObservation(p *phase, eng engine, label string, obs domain.Observation) {
	if len(obs.Pollutants) == 0 {
		p.errorf("%s: no pollutants", label)
		return
	}

	highest := -1
	for pol, d := range obs.Pollutants {
		if d.SubIndex < 0 {
			p.errorf("%s: %s sub-index %d is negative", label, pol, d.SubIndex)
		}
		if len(d.Sources) == 0 {
			p.errorf("%s: %s has no sources", label, pol)
		}
		if d.SubIndex > highest {
			highest = d.SubIndex
		}
	}
	if obs.AQI != highest {
		p.errorf("%s: aqi %d != highest sub-index %d", label, obs.AQI, highest)
	}

	dom, ok := obs.Pollutants[obs.Dominant]
	if !ok {
		p.errorf("%s: dominant %s missing from pollutants", label, obs.Dominant)
	} else if dom.SubIndex != obs.AQI {
		p.errorf("%s: dominant %s sub-index %d != aqi %d", label, obs.Dominant, dom.SubIndex, obs.AQI)
	}
	for pol, d := range obs.Pollutants {
		if d.SubIndex == obs.AQI && pol.Priority() < obs.Dominant.Priority() {
			p.errorf("%s: %s ties the aqi with higher priority than dominant %s", label, pol, obs.Dominant)
		}
	}

	cat, err := eng.classifier.Classify(obs.AQI)
	if err != nil {
		p.errorf("%s: classify %d: %v", label, obs.AQI, err)
	} else if !cat.Contains(obs.AQI) {
		p.errorf("%s: category %s does not contain %d", label, cat.Name, obs.AQI)
	}
}

// ── Phase 3: Order independence ──
// Reversed and shuffled inputs must fuse to the same observation.

func validateOrderIndependence(eng engine, batches []domain.Batch) *phase {
	p := &phase{name: "Phase 3: Order independence"}

	rng := rand.New(rand.NewSource(1))
	for _, b := range batches {
		want, err := eng.fuser.Fuse(b.Readings)
		if err != nil {
			continue
		}

		reversed := make([]domain.PollutantReading, len(b.Readings))
		for i, r := range b.Readings {
			reversed[len(reversed)-1-i] = r
		}
		shuffled := append([]domain.PollutantReading(nil), b.Readings...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		for name, rs := range map[string][]domain.PollutantReading{"reversed": reversed, "shuffled": shuffled} {
			got, err := eng.fuser.Fuse(rs)
			if err != nil {
				p.errorf("%s %s: fuse: %v", b.Key, name, err)
				continue
			}
			if diff := cmp.Diff(want, got); diff != "" {
				p.errorf("%s @ %s %s input differs (-want +got):\n%s", b.Key, b.Bucket.Format(time.RFC3339), name, diff)
			}
		}
	}
	return p
}

// ── Phase 4: Expected parity ──
// Observations must match the expected file written alongside the fixture.

func validateExpected(eng engine, observations []domain.Observation, expected []expectedObservation) *phase {
	p := &phase{name: "Phase 4: Expected parity (genmock output)"}

	if len(observations) != len(expected) {
		p.errorf("fused %d observations, expected %d", len(observations), len(expected))
	}

	byID := make(map[string]domain.Observation, len(observations))
	for _, o := range observations {
		byID[o.ID] = o
	}
	for _, e := range expected {
		got, ok := byID[e.Observation.ID]
		if !ok {
			p.errorf("%s: expected observation %s not produced", e.City, e.Observation.ID)
			continue
		}
		if got.AQI != e.Observation.AQI {
			p.errorf("%s %s: aqi %d, expected %d", e.City, e.Observation.ID, got.AQI, e.Observation.AQI)
		}
		if got.Dominant != e.Observation.Dominant {
			p.errorf("%s %s: dominant %s, expected %s", e.City, e.Observation.ID, got.Dominant, e.Observation.Dominant)
		}
		if cat, err := eng.classifier.Classify(got.AQI); err == nil && cat.Name != e.Category {
			p.errorf("%s %s: category %s, expected %s", e.City, e.Observation.ID, cat.Name, e.Category)
		}
	}
	return p
}
