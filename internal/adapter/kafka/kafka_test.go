package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/couchcryptid/air-quality-engine/internal/alert"
	"github.com/couchcryptid/air-quality-engine/internal/domain"
	"github.com/couchcryptid/air-quality-engine/internal/pipeline"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	written [][]kafkago.Message
	err     error
	calls   int
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, msgs)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var assessedAt = time.Date(2024, time.June, 3, 15, 10, 0, 0, time.UTC)

func sampleAssessment() pipeline.Assessment {
	geo := domain.Geo{Lat: 30.2672, Lon: -97.7431}
	return pipeline.Assessment{
		Observation: domain.Observation{
			ID:        "obs-0123456789abcdef",
			Geo:       geo,
			Timestamp: time.Date(2024, time.June, 3, 15, 0, 0, 0, time.UTC),
			AQI:       105,
			Dominant:  domain.PM25,
			Pollutants: map[domain.Pollutant]domain.PollutantDetail{
				domain.PM25: {Concentration: 37.4, Unit: domain.UnitMicrogramsPerCubicMeter, SubIndex: 105, Sources: []domain.Source{domain.SourceGround}},
			},
			Sources: []domain.Source{domain.SourceGround},
		},
		Category: domain.Category{Name: "usg", Label: "Unhealthy for Sensitive Groups", Min: 101},
		Raised: []alert.Alert{{
			ID:          "a-1",
			RuleID:      "aqi-usg",
			Location:    geo,
			LocationKey: geo.Key(),
			Severity:    alert.SeverityWarning,
			Value:       105,
			Threshold:   101,
			Active:      true,
		}},
		AssessedAt: assessedAt,
	}
}

func TestMapMessageToRawEvent(t *testing.T) {
	now := time.Now()
	msg := kafkago.Message{
		Key:       []byte("30.2672,-97.7431"),
		Value:     []byte(`{"pollutant":"O3"}`),
		Topic:     "raw-pollutant-readings",
		Partition: 2,
		Offset:    42,
		Time:      now,
		Headers: []kafkago.Header{
			{Key: "source", Value: []byte("ground")},
		},
	}

	raw := mapMessageToRawEvent(msg)

	assert.Equal(t, []byte("30.2672,-97.7431"), raw.Key)
	assert.JSONEq(t, `{"pollutant":"O3"}`, string(raw.Value))
	assert.Equal(t, "raw-pollutant-readings", raw.Topic)
	assert.Equal(t, 2, raw.Partition)
	assert.Equal(t, int64(42), raw.Offset)
	assert.Equal(t, now, raw.Timestamp)
	assert.Equal(t, "ground", raw.Headers["source"])
	assert.Nil(t, raw.Commit)
}

func TestSerializeObservation(t *testing.T) {
	a := sampleAssessment()

	msg, err := serializeObservation("canonical-observations", &a)
	require.NoError(t, err)

	assert.Equal(t, "canonical-observations", msg.Topic)
	assert.Equal(t, []byte("30.2672,-97.7431"), msg.Key)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "obs-0123456789abcdef", body["id"])
	assert.InDelta(t, 105, body["aqi"], 0)
	assert.Equal(t, "PM2.5", body["dominant_pollutant"])
	assert.Equal(t, "usg", body["category"].(map[string]any)["name"])
	assert.Equal(t, "2024-06-03T15:10:00Z", body["assessed_at"])

	require.Len(t, msg.Headers, 4)
	assert.Equal(t, "aqi", msg.Headers[0].Key)
	assert.Equal(t, []byte("105"), msg.Headers[0].Value)
	assert.Equal(t, []byte("usg"), msg.Headers[1].Value)
	assert.Equal(t, []byte("PM2.5"), msg.Headers[2].Value)
	assert.Equal(t, []byte(assessedAt.Format(time.RFC3339)), msg.Headers[3].Value)
}

func TestSerializeAlert(t *testing.T) {
	a := sampleAssessment()

	msg, err := serializeAlert("aqi-alerts", EventRaised, a.Raised[0])
	require.NoError(t, err)

	assert.Equal(t, "aqi-alerts", msg.Topic)
	assert.Equal(t, []byte("30.2672,-97.7431"), msg.Key)

	var body AlertMessage
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, EventRaised, body.Event)
	assert.Equal(t, "aqi-usg", body.Alert.RuleID)
	assert.Equal(t, alert.SeverityWarning, body.Alert.Severity)

	assert.Equal(t, []byte("raised"), msg.Headers[0].Value)
	assert.Equal(t, []byte("aqi-usg"), msg.Headers[1].Value)
	assert.Equal(t, []byte("warning"), msg.Headers[2].Value)
}

func TestWriter_LoadBatchRoutesTopics(t *testing.T) {
	fw := &fakeWriter{}
	w := newWriter(fw, "canonical-observations", "aqi-alerts", discardLogger())

	cleared := sampleAssessment()
	cleared.Raised = nil
	cleared.Cleared = []alert.Alert{{RuleID: "pm25-usg", LocationKey: "30.2672,-97.7431"}}

	require.NoError(t, w.LoadBatch(context.Background(), []pipeline.Assessment{sampleAssessment(), cleared}))
	require.Len(t, fw.written, 1)

	topics := make([]string, 0, len(fw.written[0]))
	for _, m := range fw.written[0] {
		topics = append(topics, m.Topic)
	}
	assert.Equal(t, []string{"canonical-observations", "aqi-alerts", "canonical-observations", "aqi-alerts"}, topics)
	assert.Equal(t, []byte("cleared"), fw.written[0][3].Headers[0].Value)
}

func TestWriter_LoadBatchEmpty(t *testing.T) {
	fw := &fakeWriter{}
	w := newWriter(fw, "obs", "alerts", discardLogger())

	require.NoError(t, w.LoadBatch(context.Background(), nil))
	assert.Zero(t, fw.calls)
}

func TestWriter_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	fw := &fakeWriter{err: errors.New("leader not available")}
	w := newWriter(fw, "obs", "alerts", discardLogger())
	batch := []pipeline.Assessment{sampleAssessment()}

	for i := 0; i < 5; i++ {
		err := w.LoadBatch(context.Background(), batch)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrBrokerUnavailable)
	}

	err := w.LoadBatch(context.Background(), batch)
	require.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.Equal(t, 5, fw.calls)
}
