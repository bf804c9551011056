//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/couchcryptid/air-quality-engine/internal/alert"
	"github.com/couchcryptid/air-quality-engine/internal/config"
	"github.com/couchcryptid/air-quality-engine/internal/domain"
	"github.com/couchcryptid/air-quality-engine/internal/observability"
	"github.com/couchcryptid/air-quality-engine/internal/pipeline"
	"github.com/couchcryptid/air-quality-engine/internal/store"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startKafka runs a single-node broker and returns its address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("aqi-test"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = container.Terminate(stopCtx)
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()

	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	ctrl, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

// loadMockReadings returns the reading fixture as raw wire payloads.
func loadMockReadings(t *testing.T) []json.RawMessage {
	t.Helper()
	data, err := os.ReadFile("../../data/mock/readings_240603.json")
	require.NoError(t, err)

	var readings []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &readings))
	require.NotEmpty(t, readings)
	return readings
}

// newAssessor builds an assessor over the embedded standard and alert rules.
func newAssessor(t *testing.T) *pipeline.AirQualityAssessor {
	t.Helper()

	std, err := config.LoadStandard("")
	require.NoError(t, err)
	rules, err := config.LoadRules("")
	require.NoError(t, err)

	calc, err := domain.NewCalculator(std.Standard)
	require.NoError(t, err)
	classifier, err := domain.NewClassifier(std.Categories)
	require.NoError(t, err)
	engine, err := alert.NewEngine(rules, alert.WithClassifier(classifier))
	require.NoError(t, err)

	fuser := domain.NewFuser(calc, domain.FusionPolicy{GroundMaxAge: 2 * time.Hour, BucketInterval: time.Hour})
	return pipeline.NewAssessor(fuser, classifier, engine, store.NewMemoryStore(0, 0), nil,
		discardLogger(), observability.NewMetricsForTesting())
}

func newConsumer(t *testing.T, broker, topic string) *kafkago.Reader {
	t.Helper()
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       topic,
		GroupID:     topic + "-consumer-" + strconv.FormatInt(time.Now().UnixNano(), 10),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func publish(ctx context.Context, t *testing.T, broker, topic string, msgs ...kafkago.Message) {
	t.Helper()
	producer := &kafkago.Writer{
		Addr:  kafkago.TCP(broker),
		Topic: topic,
	}
	t.Cleanup(func() { _ = producer.Close() })
	require.NoError(t, producer.WriteMessages(ctx, msgs...))
}
