package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxdispense/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxdispense/internal/observability/metrics"
	"github.com/drfirst/go-rxdispense/pkg/idempotency"
	"github.com/drfirst/go-rxdispense/pkg/workerpool"
)

const relayHandlerName = "notification-webhook"

// Dispatcher delivers one event downstream.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Event) error
}

// DeadLetterProducer receives events that could not be delivered.
type DeadLetterProducer interface {
	Produce(ctx context.Context, rec redpanda.Record) error
}

// Relay turns consumed notification records into deliveries. Each event is
// delivered at most once to completion, keyed by its id in the inbox.
// Retryable failures are retried by the worker pool; what is still failing
// afterwards goes to the dead letter topic so the partition keeps moving.
type Relay struct {
	inbox      *idempotency.Inbox
	dispatcher Dispatcher
	deadLetter DeadLetterProducer
	pool       *workerpool.Pool
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewRelay creates a relay. deadLetter and m may be nil.
func NewRelay(inbox *idempotency.Inbox, dispatcher Dispatcher, deadLetter DeadLetterProducer, poolCfg workerpool.Config, m *metrics.Metrics, logger *zap.Logger) (*Relay, error) {
	if inbox == nil || dispatcher == nil {
		return nil, errors.New("relay requires an inbox and a dispatcher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{
		inbox:      inbox,
		dispatcher: dispatcher,
		deadLetter: deadLetter,
		metrics:    m,
		logger:     logger,
	}
	pool, err := workerpool.New(poolCfg, r.deliver, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	r.pool = pool
	return r, nil
}

// Start starts the delivery workers
func (r *Relay) Start() { r.pool.Start() }

// Stop drains in-flight deliveries
func (r *Relay) Stop() error { return r.pool.Stop() }

// Healthy reports whether the delivery queue has headroom.
func (r *Relay) Healthy() bool { return r.pool.IsHealthy() }

// Stats returns delivery pool counters
func (r *Relay) Stats() workerpool.Stats { return r.pool.Stats() }

// Handle is a redpanda.MessageHandler. It returns an error only when the
// record should not be committed.
func (r *Relay) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	r.metrics.MessageConsumed()

	var e Event
	if err := json.Unmarshal(msg.Value, &e); err != nil || e.ID == "" {
		r.logger.Warn("dropping malformed notification",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return r.toDeadLetter(ctx, msg.Key, msg.Value, "malformed notification")
	}

	res, err := r.pool.SubmitWait(ctx, &workerpool.Task{ID: e.ID, Payload: e, Context: ctx})
	if err != nil {
		// queue full or stopping; leave the record uncommitted
		return fmt.Errorf("submit delivery %s: %w", e.ID, err)
	}
	if res.Success {
		return nil
	}

	switch {
	case errors.Is(res.Error, idempotency.ErrMessageInProgress),
		errors.Is(res.Error, idempotency.ErrDuplicateMessage):
		// another replica owns it
		return nil
	case errors.Is(res.Error, idempotency.ErrPreviouslyFailed):
		r.logger.Info("skipping previously failed notification", zap.String("event_id", e.ID))
		return nil
	}

	r.logger.Error("notification delivery failed",
		zap.String("event_id", e.ID),
		zap.String("type", e.Type),
		zap.Int("attempts", res.Attempts),
		zap.Error(res.Error))
	return r.toDeadLetter(ctx, []byte(e.Key), msg.Value, res.Error.Error())
}

func (r *Relay) deliver(ctx context.Context, task *workerpool.Task) (any, error) {
	e, ok := task.Payload.(Event)
	if !ok {
		return nil, workerpool.Permanent(fmt.Errorf("unexpected payload %T", task.Payload))
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, workerpool.Permanent(err)
	}

	res, err := r.inbox.Process(ctx, idempotency.GenerateKey(relayHandlerName, e.ID), relayHandlerName, payload,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			if err := r.dispatcher.Dispatch(ctx, e); err != nil {
				return nil, err
			}
			return json.RawMessage(`{"delivered":true}`), nil
		})
	if err != nil {
		if idempotency.IsPermanent(err) ||
			errors.Is(err, idempotency.ErrPreviouslyFailed) ||
			errors.Is(err, idempotency.ErrMessageInProgress) ||
			errors.Is(err, idempotency.ErrDuplicateMessage) {
			return nil, workerpool.Permanent(err)
		}
		return nil, err
	}
	if !res.IsNew && !res.WasRecovered {
		r.logger.Debug("duplicate notification", zap.String("event_id", e.ID))
	}
	return res, nil
}

func (r *Relay) toDeadLetter(ctx context.Context, key, value []byte, reason string) error {
	if r.deadLetter == nil {
		return nil
	}
	err := r.deadLetter.Produce(ctx, redpanda.Record{
		Topic:   redpanda.TopicDeadLetter,
		Key:     string(key),
		Value:   value,
		Headers: map[string]string{"error": reason, "source": relayHandlerName},
	})
	if err != nil {
		return fmt.Errorf("dead letter: %w", err)
	}
	return nil
}
