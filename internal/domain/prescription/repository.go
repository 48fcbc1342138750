package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxdispense/internal/domain/rxerr"
	"github.com/drfirst/go-rxdispense/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxdispense/internal/infrastructure/redpanda"
)

// Repository provides event sourcing persistence. Each save appends events,
// refreshes the prescriptions projection and writes one outbox row per event
// in the same transaction.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Save persists new events for an aggregate
func (r *Repository) Save(ctx context.Context, agg *Aggregate) error {
	if len(agg.Changes()) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, event := range agg.Changes() {
		if err := r.insertEvent(ctx, tx, event); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%w: prescription %s version %d already written",
					rxerr.ErrConcurrentModification, agg.ID(), event.Version)
			}
			return fmt.Errorf("insert event: %w", err)
		}

		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		entry := &postgres.OutboxEntry{
			AggregateID:   event.AggregateID,
			AggregateType: event.AggregateType,
			EventType:     string(event.EventType),
			Payload:       payload,
			KafkaTopic:    redpanda.TopicPrescriptionEvents,
			KafkaKey:      event.AggregateID,
		}
		if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := r.upsertProjection(ctx, tx, agg.Snapshot()); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("prescription saved",
		zap.String("prescription_id", agg.ID()),
		zap.Int("version", agg.Version()),
		zap.Int("events", len(agg.Changes())),
	)
	agg.ClearChanges()
	return nil
}

func (r *Repository) insertEvent(ctx context.Context, tx pgx.Tx, event *Event) error {
	query := `
		INSERT INTO prescription_events
		(id, aggregate_id, event_type, event_data, version, timestamp, actor_id, actor_role, patient_ref, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := tx.Exec(ctx, query,
		event.ID,
		event.AggregateID,
		event.EventType,
		event.EventData,
		event.Version,
		event.Timestamp,
		event.ActorID,
		event.ActorRole,
		event.PatientRef,
		event.CorrelationID,
	)
	return err
}

func (r *Repository) upsertProjection(ctx context.Context, tx pgx.Tx, p *Prescription) error {
	query := `
		INSERT INTO prescriptions (id, status, patient_ref, prescriber_id, issued_at, valid_until, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
	`
	_, err := tx.Exec(ctx, query,
		p.ID, p.Status, p.PatientRef, p.Prescriber.SubjectID,
		p.IssuedAt, p.ValidUntil, p.Version, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert prescription projection: %w", err)
	}
	return nil
}

// Load retrieves an aggregate by ID
func (r *Repository) Load(ctx context.Context, id string) (*Aggregate, error) {
	events, err := r.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: prescription %s", rxerr.ErrNotFound, id)
	}

	agg := NewAggregate(id)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, err
	}
	return agg, nil
}

// GetEvents retrieves all events for an aggregate
func (r *Repository) GetEvents(ctx context.Context, aggregateID string) ([]*Event, error) {
	query := `
		SELECT id, aggregate_id, event_type, event_data, version, timestamp,
		       actor_id, actor_role, patient_ref, correlation_id
		FROM prescription_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`

	rows, err := r.pool.Query(ctx, query, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{AggregateType: AggregateType}
		err := rows.Scan(
			&e.ID, &e.AggregateID, &e.EventType, &e.EventData, &e.Version,
			&e.Timestamp, &e.ActorID, &e.ActorRole, &e.PatientRef, &e.CorrelationID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListDue uses the projection to find open prescriptions past validity.
func (r *Repository) ListDue(ctx context.Context, asOf time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM prescriptions
		WHERE status IN ($1, $2) AND valid_until <= $3
		ORDER BY valid_until ASC
		LIMIT $4
	`
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, query, StatusActive, StatusPartiallyFilled, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("query due prescriptions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan due prescriptions: %w", err)
	}
	return ids, nil
}

var _ Store = (*Repository)(nil)
