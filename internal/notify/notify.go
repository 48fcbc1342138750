// Package notify is the fire-and-forget notification channel. Delivery
// failures are logged and never fail the operation that raised the event.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxdispense/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxdispense/internal/observability/metrics"
)

// Event types
const (
	TypePrescriptionIssued    = "prescription.issued"
	TypePrescriptionCancelled = "prescription.cancelled"
	TypePrescriptionDispensed = "prescription.dispensed"
	TypeLowStock              = "inventory.low_stock"
)

// Event is one notification
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Key        string         `json:"key"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event keyed by the entity it concerns
func NewEvent(eventType, key string, data map[string]any) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Notifier delivers events. Implementations must not block on the network
// and must not return errors to the caller.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Nop discards events
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// LogNotifier writes events to the log. Used in development.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs each event
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, e Event) {
	n.logger.Info("notification",
		zap.String("event_id", e.ID),
		zap.String("type", e.Type),
		zap.String("key", e.Key),
		zap.Any("data", e.Data))
}

// AsyncProducer is the part of the Redpanda producer the notifier uses
type AsyncProducer interface {
	ProduceAsync(ctx context.Context, rec redpanda.Record, callback func(error))
}

// KafkaNotifier publishes events to the notifications topic. The
// notification service consumes them and handles delivery.
type KafkaNotifier struct {
	producer AsyncProducer
	topic    string
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewKafkaNotifier creates a notifier over producer
func NewKafkaNotifier(producer AsyncProducer, m *metrics.Metrics, logger *zap.Logger) *KafkaNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaNotifier{
		producer: producer,
		topic:    redpanda.TopicNotifications,
		metrics:  m,
		logger:   logger,
	}
}

func (n *KafkaNotifier) Notify(ctx context.Context, e Event) {
	value, err := json.Marshal(e)
	if err != nil {
		n.logger.Error("encode notification", zap.String("type", e.Type), zap.Error(err))
		n.metrics.NotificationPublished(e.Type, err)
		return
	}
	// The request context may be cancelled before delivery completes.
	ctx = context.WithoutCancel(ctx)
	n.producer.ProduceAsync(ctx, redpanda.Record{
		Topic:   n.topic,
		Key:     e.Key,
		Value:   value,
		Headers: map[string]string{"event_type": e.Type, "event_id": e.ID},
	}, func(err error) {
		n.metrics.NotificationPublished(e.Type, err)
		if err != nil {
			n.logger.Warn("notification not delivered",
				zap.String("event_id", e.ID),
				zap.String("type", e.Type),
				zap.Error(err))
		}
	})
}

// Multi fans an event out to several notifiers
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) {
	for _, n := range m {
		n.Notify(ctx, e)
	}
}

var (
	_ Notifier = Nop{}
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*KafkaNotifier)(nil)
	_ Notifier = Multi(nil)
)
