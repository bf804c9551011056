//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/couchcryptid/air-quality-engine/internal/adapter/kafka"
	"github.com/couchcryptid/air-quality-engine/internal/config"
	"github.com/couchcryptid/air-quality-engine/internal/domain"
	"github.com/couchcryptid/air-quality-engine/internal/observability"
	"github.com/couchcryptid/air-quality-engine/internal/pipeline"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSourceTopic = "test-source"
	testSinkTopic   = "test-sink"
	testAlertTopic  = "test-alerts"
)

// sinkMessage holds a deserialized observation read from the sink topic.
type sinkMessage struct {
	Observation domain.Observation
	Category    string
	Key         string
	Headers     map[string]string
}

type alertMessage struct {
	Key     string
	Headers map[string]string
	Payload kafka.AlertMessage
}

func readMessage(ctx context.Context, t *testing.T, consumer *kafkago.Reader) kafkago.Message {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from %s", consumer.Config().Topic)
	return msg
}

func headerMap(msg kafkago.Message) map[string]string {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return headers
}

// readObservation reads a single message from the sink consumer and deserializes it.
func readObservation(ctx context.Context, t *testing.T, consumer *kafkago.Reader) sinkMessage {
	t.Helper()
	msg := readMessage(ctx, t, consumer)

	var payload struct {
		domain.Observation
		Category domain.Category `json:"category"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &payload), "unmarshal sink message")

	return sinkMessage{
		Observation: payload.Observation,
		Category:    payload.Category.Name,
		Key:         string(msg.Key),
		Headers:     headerMap(msg),
	}
}

func readAlert(ctx context.Context, t *testing.T, consumer *kafkago.Reader) alertMessage {
	t.Helper()
	msg := readMessage(ctx, t, consumer)

	var payload kafka.AlertMessage
	require.NoError(t, json.Unmarshal(msg.Value, &payload), "unmarshal alert message")
	return alertMessage{Key: string(msg.Key), Headers: headerMap(msg), Payload: payload}
}

func testConfig(broker, group string) *config.Config {
	return &config.Config{
		KafkaBrokers:       []string{broker},
		KafkaSourceTopic:   testSourceTopic,
		KafkaSinkTopic:     testSinkTopic,
		KafkaAlertTopic:    testAlertTopic,
		KafkaGroupID:       fmt.Sprintf("%s-%d", group, time.Now().UnixNano()),
		BatchFlushInterval: 5 * time.Second,
	}
}

func setupTopics(ctx context.Context, t *testing.T) string {
	t.Helper()
	broker := startKafka(ctx, t)
	createTopic(t, broker, testSourceTopic)
	createTopic(t, broker, testSinkTopic)
	createTopic(t, broker, testAlertTopic)
	return broker
}

// TestKafkaReaderWriter verifies the adapter layer: kafka.Reader (extractor) and
// kafka.Writer (loader) round-trip a reading through Kafka.
func TestKafkaReaderWriter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := setupTopics(ctx, t)
	cfg := testConfig(broker, "test-reader")

	readings := loadMockReadings(t)
	payload := readings[0] // Austin ground PM2.5 18.2 ug/m3
	baseDate := time.Date(2024, time.June, 3, 14, 0, 0, 0, time.UTC)

	publish(ctx, t, broker, testSourceTopic, kafkago.Message{
		Key:   []byte("30.2672,-97.7431"),
		Value: payload,
		Time:  baseDate,
	})

	// Retry because the consumer group may need time to rebalance before
	// partitions are assigned and messages become available.
	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })

	var batch []domain.RawEvent
	for {
		var err error
		batch, err = reader.ExtractBatch(ctx, 1)
		require.NoError(t, err)
		if len(batch) > 0 {
			break
		}
		if ctx.Err() != nil {
			t.Fatal("timed out waiting for message from source topic")
		}
	}
	require.Len(t, batch, 1)
	raw := batch[0]
	assert.Equal(t, []byte("30.2672,-97.7431"), raw.Key)
	assert.JSONEq(t, string(payload), string(raw.Value))
	assert.Equal(t, testSourceTopic, raw.Topic)
	require.NotNil(t, raw.Commit, "commit callback should be set")
	require.NoError(t, raw.Commit(ctx))

	reading, err := pipeline.DecodeReading(raw)
	require.NoError(t, err)
	assessments := newAssessor(t).Assess(ctx, []domain.PollutantReading{reading})
	require.Len(t, assessments, 1)

	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })
	require.NoError(t, writer.LoadBatch(ctx, assessments))

	sm := readObservation(ctx, t, newConsumer(t, broker, testSinkTopic))
	assert.Equal(t, assessments[0].Observation.ID, sm.Observation.ID)
	assert.Equal(t, reading.Geo.Key(), sm.Key)
	assert.Equal(t, "PM2.5", sm.Headers["dominant_pollutant"])
	assert.Equal(t, sm.Category, sm.Headers["category"])
	assert.Equal(t, fmt.Sprint(sm.Observation.AQI), sm.Headers["aqi"])
	_, err = time.Parse(time.RFC3339, sm.Headers["assessed_at"])
	assert.NoError(t, err, "assessed_at should be valid RFC3339")
	assert.True(t, baseDate.Equal(sm.Observation.Timestamp), "bucket start")
}

// TestPipelineEndToEnd wires the full pipeline (Reader → Assessor → Writer) with
// real Kafka and verifies every location bucket in the fixture is published.
func TestPipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := setupTopics(ctx, t)
	cfg := testConfig(broker, "test-pipeline")

	readings := loadMockReadings(t)
	baseDate := time.Date(2024, time.June, 3, 0, 0, 0, 0, time.UTC)
	msgs := make([]kafkago.Message, 0, len(readings))
	for i, payload := range readings {
		msgs = append(msgs, kafkago.Message{
			Key:   []byte(fmt.Sprintf("reading-%d", i)),
			Value: payload,
			Time:  baseDate,
		})
	}
	publish(ctx, t, broker, testSourceTopic, msgs...)

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	metrics := observability.NewMetricsForTesting()
	p := pipeline.New(reader, newAssessor(t), writer, discardLogger(), metrics, 50)

	pipelineCtx, pipelineCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(pipelineCtx) }()

	// A bucket split across batches is republished with the same ID, so keep
	// the latest message per observation.
	consumer := newConsumer(t, broker, testSinkTopic)
	latest := map[string]sinkMessage{}
	for len(latest) < 6 {
		sm := readObservation(ctx, t, consumer)
		latest[sm.Observation.ID] = sm
	}

	pipelineCancel()
	require.NoError(t, <-errCh)

	locations := map[string]int{}
	for id, sm := range latest {
		obs := sm.Observation
		locations[obs.Geo.Key()]++

		require.Contains(t, obs.Pollutants, obs.Dominant, id)
		assert.Equal(t, obs.Pollutants[obs.Dominant].SubIndex, obs.AQI, id)
		assert.Equal(t, obs.Geo.Key(), sm.Key, id)
		assert.NotEmpty(t, sm.Headers["category"], id)
		assert.True(t, obs.Timestamp.Equal(obs.Timestamp.Truncate(time.Hour)), id)
	}
	assert.Len(t, locations, 3, "austin, denver and phoenix")
	for key, n := range locations {
		assert.Equal(t, 2, n, "two hourly buckets for %s", key)
	}
}

// TestPipelinePoisonPillAndAlerts verifies that an invalid message is skipped
// and that a reading crossing the sensitive-groups threshold raises alerts on
// the alert topic.
func TestPipelinePoisonPillAndAlerts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := setupTopics(ctx, t)
	cfg := testConfig(broker, "test-poison")

	baseDate := time.Date(2024, time.June, 3, 14, 0, 0, 0, time.UTC)
	valid := []byte(`{"pollutant":"PM2.5","concentration":55.4,"unit":"ug/m3","source":"ground",` +
		`"geo":{"lat":39.7392,"lon":-104.9903},"timestamp":"2024-06-03T14:10:00Z"}`)

	publish(ctx, t, broker, testSourceTopic,
		kafkago.Message{Key: []byte("bad"), Value: []byte("not-json{{{"), Time: baseDate},
		kafkago.Message{Key: []byte("good"), Value: valid, Time: baseDate},
	)

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	metrics := observability.NewMetricsForTesting()
	p := pipeline.New(reader, newAssessor(t), writer, discardLogger(), metrics, 50)

	pipelineCtx, pipelineCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(pipelineCtx) }()

	sink := newConsumer(t, broker, testSinkTopic)
	sm := readObservation(ctx, t, sink)
	assert.Equal(t, 150, sm.Observation.AQI)
	assert.Equal(t, domain.PM25, sm.Observation.Dominant)
	assert.Equal(t, "usg", sm.Category)

	// Verify no second observation arrives (the poison pill was skipped).
	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	_, err := sink.ReadMessage(readCtx)
	readCancel()
	assert.Error(t, err, "expected no second message on sink topic")

	alerts := newConsumer(t, broker, testAlertTopic)
	rules := map[string]alertMessage{}
	for len(rules) < 2 {
		am := readAlert(ctx, t, alerts)
		rules[am.Payload.Alert.RuleID] = am
	}
	for _, id := range []string{"aqi-usg", "pm25-usg"} {
		am, ok := rules[id]
		require.True(t, ok, "expected alert %s", id)
		assert.Equal(t, kafka.EventRaised, am.Payload.Event)
		assert.Equal(t, kafka.EventRaised, am.Headers["event"])
		assert.Equal(t, id, am.Headers["rule_id"])
		assert.Equal(t, sm.Observation.Geo.Key(), am.Key)
		assert.Equal(t, 150, am.Payload.Alert.Value)
	}

	pipelineCancel()
	require.NoError(t, <-errCh)
}
