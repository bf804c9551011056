// Command genmock generates deterministic synthetic pollutant readings for the
// six dashboard cities, together with the observations the engine fuses them
// into. It uses the actual domain package so the expected output matches real
// pipeline behavior. With -brokers set, the readings are also published to the
// source topic for local end-to-end runs.
//
// Usage:
//
//	go run ./cmd/genmock \
//	  -readings-out data/mock/readings_dashboard.json \
//	  -expected-out data/mock/observations_dashboard.json \
//	  -hours 24 -seed 7
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/couchcryptid/air-quality-engine/internal/config"
	"github.com/couchcryptid/air-quality-engine/internal/domain"
	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"
)

var baseDate = time.Date(2024, time.June, 3, 0, 0, 0, 0, time.UTC)

// city is a dashboard location with a baseline PM2.5 level that sets its
// typical AQI band.
type city struct {
	name   string
	geo    domain.Geo
	pm25   float64 // ug/m3 baseline
	ozone  float64 // ppb baseline
	coarse float64 // PM10 ug/m3 baseline
}

var cities = []city{
	{name: "Washington, DC", geo: domain.Geo{Lat: 38.9, Lon: -77.0}, pm25: 28, ozone: 52, coarse: 45},
	{name: "New York, NY", geo: domain.Geo{Lat: 40.7, Lon: -74.0}, pm25: 22, ozone: 48, coarse: 40},
	{name: "Los Angeles, CA", geo: domain.Geo{Lat: 34.0, Lon: -118.2}, pm25: 38, ozone: 68, coarse: 70},
	{name: "Chicago, IL", geo: domain.Geo{Lat: 41.9, Lon: -87.6}, pm25: 10, ozone: 38, coarse: 30},
	{name: "Houston, TX", geo: domain.Geo{Lat: 29.8, Lon: -95.4}, pm25: 31, ozone: 58, coarse: 50},
	{name: "Phoenix, AZ", geo: domain.Geo{Lat: 33.4, Lon: -112.1}, pm25: 40, ozone: 72, coarse: 160},
}

// readingRecord is the source topic wire format.
type readingRecord struct {
	Pollutant     string     `json:"pollutant"`
	Concentration float64    `json:"concentration"`
	Unit          string     `json:"unit"`
	Source        string     `json:"source"`
	Geo           domain.Geo `json:"geo"`
	Timestamp     time.Time  `json:"timestamp"`
}

type expectedObservation struct {
	City        string             `json:"city"`
	Observation domain.Observation `json:"observation"`
	Category    string             `json:"category"`
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	readingsOut := flag.String("readings-out", "", "output path for the reading fixture")
	expectedOut := flag.String("expected-out", "", "output path for the expected observations")
	hours := flag.Int("hours", 24, "number of hourly buckets to generate")
	seed := flag.Int64("seed", 7, "random seed")
	brokers := flag.String("brokers", "", "optional comma-separated Kafka brokers to publish readings to")
	topic := flag.String("topic", "raw-pollutant-readings", "source topic used with -brokers")
	flag.Parse()

	if *readingsOut == "" || *expectedOut == "" {
		flag.Usage()
		return fmt.Errorf("missing required flags: -readings-out, -expected-out")
	}
	if *hours <= 0 {
		return fmt.Errorf("-hours must be positive")
	}

	// Fixed clock for reproducible output.
	domain.SetClock(clockwork.NewFakeClockAt(baseDate.Add(time.Duration(*hours) * time.Hour)))
	defer domain.SetClock(nil)

	records, readings := generate(rand.New(rand.NewSource(*seed)), *hours)
	log.Printf("generated %d readings for %d cities over %d hours", len(records), len(cities), *hours)

	expected, err := fuseAll(readings)
	if err != nil {
		return err
	}

	if err := writeJSON(*readingsOut, records); err != nil {
		return fmt.Errorf("writing reading fixture: %w", err)
	}
	log.Printf("wrote reading fixture: %s", *readingsOut)

	if err := writeJSON(*expectedOut, expected); err != nil {
		return fmt.Errorf("writing expected observations: %w", err)
	}
	log.Printf("wrote expected observations: %s", *expectedOut)

	if *brokers != "" {
		if err := publish(strings.Split(*brokers, ","), *topic, records); err != nil {
			return fmt.Errorf("publishing readings: %w", err)
		}
		log.Printf("published %d readings to %s", len(records), *topic)
	}

	printStats(expected)
	return nil
}

// generate produces one reading per pollutant and source per city and hour.
// Concentrations follow a diurnal cycle around each city's baseline with
// bounded noise; ozone peaks in the afternoon, particulates in the morning.
func generate(rng *rand.Rand, hours int) ([]readingRecord, []domain.PollutantReading) {
	var records []readingRecord //nolint:prealloc // size depends on generated sources
	for h := 0; h < hours; h++ {
		bucket := baseDate.Add(time.Duration(h) * time.Hour)
		hourOfDay := float64(bucket.Hour())
		morning := 1 + 0.25*math.Cos((hourOfDay-8)/24*2*math.Pi)
		afternoon := 1 + 0.35*math.Cos((hourOfDay-15)/24*2*math.Pi)

		for _, c := range cities {
			at := func(minute int) time.Time { return bucket.Add(time.Duration(minute) * time.Minute) }
			noise := func(scale float64) float64 { return 1 + scale*(rng.Float64()*2-1) }

			records = append(records,
				readingRecord{"PM2.5", round1(c.pm25 * morning * noise(0.1)), "ug/m3", "ground", c.geo, at(5)},
				readingRecord{"PM2.5", round1(c.pm25 * morning * noise(0.25)), "ug/m3", "satellite", c.geo, at(20)},
				readingRecord{"O3", math.Round(c.ozone * afternoon * noise(0.1)), "ppb", "ground", c.geo, at(10)},
				readingRecord{"PM10", math.Round(c.coarse * morning * noise(0.15)), "ug/m3", "ground", c.geo, at(15)},
				readingRecord{"NO2", round3(0.02 * morning * noise(0.3)), "ppm", "weather", c.geo, at(30)},
			)
		}
	}

	readings := make([]domain.PollutantReading, 0, len(records))
	for _, r := range records {
		p, _ := domain.ParsePollutant(r.Pollutant)
		u, _ := domain.ParseUnit(r.Unit)
		readings = append(readings, domain.PollutantReading{
			Pollutant:     p,
			Concentration: r.Concentration,
			Unit:          u,
			Source:        domain.Source(r.Source),
			Geo:           r.Geo,
			Timestamp:     r.Timestamp,
		})
	}
	return records, readings
}

func fuseAll(readings []domain.PollutantReading) ([]expectedObservation, error) {
	std, err := config.LoadStandard("")
	if err != nil {
		return nil, err
	}
	calc, err := domain.NewCalculator(std.Standard)
	if err != nil {
		return nil, err
	}
	classifier, err := domain.NewClassifier(std.Categories)
	if err != nil {
		return nil, err
	}
	fuser := domain.NewFuser(calc, domain.FusionPolicy{GroundMaxAge: time.Hour, BucketInterval: time.Hour})

	names := make(map[string]string, len(cities))
	for _, c := range cities {
		names[c.geo.Key()] = c.name
	}

	batches := domain.Group(readings, time.Hour)
	out := make([]expectedObservation, 0, len(batches))
	for _, b := range batches {
		obs, err := fuser.Fuse(b.Readings)
		if err != nil {
			return nil, fmt.Errorf("fuse %s @ %s: %w", b.Key, b.Bucket.Format(time.RFC3339), err)
		}
		cat, err := classifier.Classify(obs.AQI)
		if err != nil {
			return nil, err
		}
		out = append(out, expectedObservation{City: names[b.Key], Observation: obs, Category: cat.Name})
	}
	return out, nil
}

func publish(brokers []string, topic string, records []readingRecord) error {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		AllowAutoTopicCreation: true,
	}
	defer w.Close()

	msgs := make([]kafkago.Message, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafkago.Message{Key: []byte(r.Geo.Key()), Value: data, Time: r.Timestamp})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return w.WriteMessages(ctx, msgs...)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

type cityStats struct {
	name     string
	peak     int
	peakAt   time.Time
	dominant map[domain.Pollutant]int
}

func printStats(expected []expectedObservation) {
	categories := map[string]int{}
	byCity := map[string]*cityStats{}
	for i := range expected {
		e := &expected[i]
		categories[e.Category]++

		s, ok := byCity[e.City]
		if !ok {
			s = &cityStats{name: e.City, dominant: map[domain.Pollutant]int{}}
			byCity[e.City] = s
		}
		s.dominant[e.Observation.Dominant]++
		if e.Observation.AQI > s.peak {
			s.peak = e.Observation.AQI
			s.peakAt = e.Observation.Timestamp
		}
	}

	fmt.Println("\n=== Stats for updating test assertions ===")
	fmt.Printf("Observations: %d\n", len(expected))

	names := make([]string, 0, len(categories))
	for n := range categories {
		names = append(names, n)
	}
	sort.Strings(names)
	fmt.Print("By category:")
	for _, n := range names {
		fmt.Printf(" %s=%d", n, categories[n])
	}
	fmt.Println()

	stats := make([]*cityStats, 0, len(byCity))
	for _, s := range byCity {
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].peak > stats[j].peak })
	fmt.Println("\nPeak AQI by city:")
	for _, s := range stats {
		fmt.Printf("  %-16s %3d at %s dominant=%v\n", s.name, s.peak, s.peakAt.Format("15:04"), s.dominant)
	}
}
