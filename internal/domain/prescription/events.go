package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionCreated   EventType = "PrescriptionCreated"
	EventPrescriptionDispensed EventType = "PrescriptionDispensed"
	EventPrescriptionCancelled EventType = "PrescriptionCancelled"
	EventPrescriptionExpired   EventType = "PrescriptionExpired"
)

// AggregateType is recorded on every event and outbox entry
const AggregateType = "Prescription"

// Event is one entry in a prescription's append-only history. The history
// is the legal record of issuance, dispensing and cancellation.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	ActorID       string          `json:"actor_id,omitempty"`
	ActorRole     Role            `json:"actor_role,omitempty"`
	PatientRef    string          `json:"patient_ref,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
	}, nil
}

// WithAuditInfo sets audit fields
func (e *Event) WithAuditInfo(actor Actor, patientRef string) *Event {
	e.ActorID = actor.SubjectID
	e.ActorRole = actor.Role
	e.PatientRef = patientRef
	return e
}

// CreatedData is the payload of PrescriptionCreated
type CreatedData struct {
	PrescriptionID string     `json:"prescription_id"`
	PatientRef     string     `json:"patient_ref"`
	Prescriber     Actor      `json:"prescriber"`
	Lines          []LineItem `json:"lines"`
	IssuedAt       time.Time  `json:"issued_at"`
	ValidUntil     time.Time  `json:"valid_until"`
	Notes          string     `json:"notes,omitempty"`
	Signature      string     `json:"signature"`
}

// DispensedData is the payload of PrescriptionDispensed
type DispensedData struct {
	Dispense DispenseEvent `json:"dispense"`
}

// CancelledData is the payload of PrescriptionCancelled
type CancelledData struct {
	Reason      string    `json:"reason"`
	CancelledBy Actor     `json:"cancelled_by"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// ExpiredData is the payload of PrescriptionExpired
type ExpiredData struct {
	ExpiredAt time.Time `json:"expired_at"`
}
