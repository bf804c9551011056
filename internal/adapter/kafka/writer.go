package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/couchcryptid/air-quality-engine/internal/alert"
	"github.com/couchcryptid/air-quality-engine/internal/config"
	"github.com/couchcryptid/air-quality-engine/internal/domain"
	"github.com/couchcryptid/air-quality-engine/internal/pipeline"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
)

// ErrBrokerUnavailable is returned while the writer's circuit breaker is open.
var ErrBrokerUnavailable = errors.New("kafka broker unavailable")

// Alert transition event names carried in the "event" header and payload.
const (
	EventRaised  = "raised"
	EventCleared = "cleared"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer produces observation and alert messages.
// It implements pipeline.BatchLoader.
type Writer struct {
	writer     messageWriter
	sinkTopic  string
	alertTopic string
	circuit    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sink and alert topics.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return newWriter(w, cfg.KafkaSinkTopic, cfg.KafkaAlertTopic, logger)
}

func newWriter(w messageWriter, sinkTopic, alertTopic string, logger *slog.Logger) *Writer {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kafka-writer",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Writer{
		writer:     w,
		sinkTopic:  sinkTopic,
		alertTopic: alertTopic,
		circuit:    cb,
		logger:     logger,
	}
}

// LoadBatch publishes each assessment's observation to the sink topic and its
// alert transitions to the alert topic in a single WriteMessages call.
// Messages are keyed by location so one location's events stay ordered.
func (w *Writer) LoadBatch(ctx context.Context, assessments []pipeline.Assessment) error {
	if len(assessments) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, 0, len(assessments))
	for i := range assessments {
		a := &assessments[i]
		msg, err := serializeObservation(w.sinkTopic, a)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)

		for _, al := range a.Raised {
			m, err := serializeAlert(w.alertTopic, EventRaised, al)
			if err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		for _, al := range a.Cleared {
			m, err := serializeAlert(w.alertTopic, EventCleared, al)
			if err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
	}

	_, err := w.circuit.Execute(func() (interface{}, error) {
		return nil, w.writer.WriteMessages(ctx, msgs...)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return err
}

// Close flushes pending writes and closes the producer.
func (w *Writer) Close() error {
	return w.writer.Close()
}

type observationMessage struct {
	domain.Observation
	Category   domain.Category `json:"category"`
	AssessedAt time.Time       `json:"assessed_at"`
}

// AlertMessage is the payload published to the alert topic.
type AlertMessage struct {
	Event string      `json:"event"`
	Alert alert.Alert `json:"alert"`
}

func serializeObservation(topic string, a *pipeline.Assessment) (kafkago.Message, error) {
	data, err := json.Marshal(observationMessage{
		Observation: a.Observation,
		Category:    a.Category,
		AssessedAt:  a.AssessedAt,
	})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize observation: %w", err)
	}
	return kafkago.Message{
		Topic: topic,
		Key:   []byte(a.Observation.Geo.Key()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "aqi", Value: []byte(strconv.Itoa(a.Observation.AQI))},
			{Key: "category", Value: []byte(a.Category.Name)},
			{Key: "dominant_pollutant", Value: []byte(a.Observation.Dominant)},
			{Key: "assessed_at", Value: []byte(a.AssessedAt.Format(time.RFC3339))},
		},
	}, nil
}

func serializeAlert(topic, event string, al alert.Alert) (kafkago.Message, error) {
	data, err := json.Marshal(AlertMessage{Event: event, Alert: al})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize alert: %w", err)
	}
	return kafkago.Message{
		Topic: topic,
		Key:   []byte(al.LocationKey),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event", Value: []byte(event)},
			{Key: "rule_id", Value: []byte(al.RuleID)},
			{Key: "severity", Value: []byte(al.Severity)},
		},
	}, nil
}
