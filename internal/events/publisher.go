package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/joelkehle/trialsense/internal/clinical"
)

const (
	DefaultTopic = "trialsense.alerts"

	EventAlertCreated = "alert.created"
)

// Publisher announces newly stored alerts.
type Publisher interface {
	PublishAlerts(ctx context.Context, alerts []clinical.Alert) error
	Close() error
}

// Event is the envelope written to the topic.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Alert     clinical.Alert `json:"alert"`
	Timestamp time.Time      `json:"timestamp"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	Logger  zerolog.Logger
}

type KafkaPublisher struct {
	writer messageWriter
	topic  string
	log    zerolog.Logger
	now    func() time.Time
}

func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafkaPublisher(w, cfg.Topic, cfg.Logger)
}

func newKafkaPublisher(w messageWriter, topic string, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, log: logger, now: time.Now}
}

// PublishAlerts writes one message per alert, keyed by treatment so that
// alerts for the same drug stay ordered within a partition.
func (p *KafkaPublisher) PublishAlerts(ctx context.Context, alerts []clinical.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(alerts))
	for _, a := range alerts {
		evt := Event{
			ID:        uuid.NewString(),
			Type:      EventAlertCreated,
			Source:    "radar",
			Alert:     a,
			Timestamp: p.now().UTC(),
		}
		body, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal alert event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(a.Drug),
			Value: body,
			Headers: []kafka.Header{
				{Key: "event-type", Value: []byte(EventAlertCreated)},
				{Key: "severity", Value: []byte(a.Severity)},
				{Key: "alert-id", Value: []byte(strconv.FormatInt(a.ID, 10))},
			},
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.log.Error().Err(err).Str("topic", p.topic).Int("alerts", len(alerts)).Msg("alert_publish_failed")
		return fmt.Errorf("publish alerts: %w", err)
	}
	p.log.Info().Str("topic", p.topic).Int("alerts", len(alerts)).Msg("alerts_published")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop discards alerts. It is used when no brokers are configured.
type Nop struct{}

func (Nop) PublishAlerts(context.Context, []clinical.Alert) error { return nil }
func (Nop) Close() error { return nil }
