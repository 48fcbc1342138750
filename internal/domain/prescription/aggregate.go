// Package prescription implements the prescription aggregate and the engine
// that issues, verifies, cancels and records dispenses against it.
package prescription

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/drfirst/go-rxdispense/internal/domain/rxerr"
)

// Status represents prescription status
type Status string

const (
	StatusDraft           Status = "Draft"
	StatusActive          Status = "Active"
	StatusPartiallyFilled Status = "PartiallyFilled"
	StatusCompleted       Status = "Completed"
	StatusCancelled       Status = "Cancelled"
	StatusExpired         Status = "Expired"
)

// Open reports whether the prescription can still be dispensed, cancelled or
// expired.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusPartiallyFilled
}

// LineStatus is the state of one prescribed medicine
type LineStatus string

const (
	LineActive    LineStatus = "Active"
	LineCompleted LineStatus = "Completed"
)

// Role is the authenticated caller's role
type Role string

const (
	RoleDoctor     Role = "Doctor"
	RolePharmacist Role = "Pharmacist"
	RoleNurse      Role = "Nurse"
	RoleAdmin      Role = "Admin"
)

// Actor is an authenticated subject as asserted by the identity service.
type Actor struct {
	SubjectID string `json:"subject_id"`
	Role      Role   `json:"role"`
}

// LineItem is one prescribed medicine. Quantity is the total to dispense over
// the life of the prescription. RefillsRemaining counts the dispenses still
// authorized: it starts at RefillsAllowed, and a line with no refills still
// gets its one fill.
type LineItem struct {
	ID                string     `json:"id"`
	MedicineID        string     `json:"medicine_id"`
	MedicineName      string     `json:"medicine_name"`
	Dosage            string     `json:"dosage"`
	Frequency         string     `json:"frequency"`
	Route             string     `json:"route,omitempty"`
	Duration          string     `json:"duration,omitempty"`
	Instructions      string     `json:"instructions,omitempty"`
	Quantity          int        `json:"quantity"`
	RefillsAllowed    int        `json:"refills_allowed"`
	RefillsRemaining  int        `json:"refills_remaining"`
	QuantityDispensed int        `json:"quantity_dispensed"`
	Status            LineStatus `json:"status"`
}

// Dispensable reports whether another fill of this line may be handed out.
func (l *LineItem) Dispensable() bool {
	return l.Status == LineActive && l.RefillsRemaining > 0
}

// Outstanding is the quantity not yet handed out.
func (l *LineItem) Outstanding() int {
	if n := l.Quantity - l.QuantityDispensed; n > 0 {
		return n
	}
	return 0
}

func (l *LineItem) fullySupplied() bool {
	return l.QuantityDispensed >= l.Quantity
}

func initialFills(refillsAllowed int) int {
	if refillsAllowed < 1 {
		return 1
	}
	return refillsAllowed
}

// BatchDraw attributes dispensed stock to the batch it came from.
type BatchDraw struct {
	BatchID     string          `json:"batch_id"`
	BatchNumber string          `json:"batch_number"`
	LotNumber   string          `json:"lot_number,omitempty"`
	ExpiryDate  time.Time       `json:"expiry_date"`
	Quantity    int             `json:"quantity"`
	Cost        decimal.Decimal `json:"cost"`
}

// DispensedLine is the quantity handed out for one line in a dispense.
type DispensedLine struct {
	LineID     string      `json:"line_id"`
	MedicineID string      `json:"medicine_id"`
	Quantity   int         `json:"quantity"`
	Draws      []BatchDraw `json:"draws"`
}

// DispenseEvent is the record of one dispensing act.
type DispenseEvent struct {
	ID         string          `json:"id"`
	At         time.Time       `json:"at"`
	Pharmacist Actor           `json:"pharmacist"`
	Lines      []DispensedLine `json:"lines"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	Notes      string          `json:"notes,omitempty"`
}

// Cancellation records who cancelled and why.
type Cancellation struct {
	Reason string    `json:"reason"`
	By     Actor     `json:"by"`
	At     time.Time `json:"at"`
}

// Prescription is a read-only view of the aggregate state.
type Prescription struct {
	ID           string          `json:"id"`
	Version      int             `json:"version"`
	Status       Status          `json:"status"`
	PatientRef   string          `json:"patient_ref"`
	Prescriber   Actor           `json:"prescriber"`
	Lines        []LineItem      `json:"lines"`
	IssuedAt     time.Time       `json:"issued_at"`
	ValidUntil   time.Time       `json:"valid_until"`
	Notes        string          `json:"notes,omitempty"`
	Signature    string          `json:"signature"`
	Dispenses    []DispenseEvent `json:"dispenses"`
	Cancellation *Cancellation   `json:"cancellation,omitempty"`
	ExpiredAt    *time.Time      `json:"expired_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Line returns the line with the given id
func (p *Prescription) Line(id string) (*LineItem, bool) {
	for i := range p.Lines {
		if p.Lines[i].ID == id {
			return &p.Lines[i], true
		}
	}
	return nil, false
}

// IsExpired reports whether the validity window has closed at now.
func (p *Prescription) IsExpired(now time.Time) bool {
	return !p.ValidUntil.After(now)
}

// Payload returns the canonical credential payload
func (p *Prescription) Payload() Payload {
	meds := make([]PayloadMedicine, len(p.Lines))
	for i, l := range p.Lines {
		meds[i] = PayloadMedicine{
			ID:       l.MedicineID,
			Dosage:   l.Dosage,
			Quantity: l.Quantity,
			Refills:  l.RefillsAllowed,
		}
	}
	return Payload{
		PrescriptionID: p.ID,
		PatientRef:     p.PatientRef,
		DoctorRef:      p.Prescriber.SubjectID,
		Medicines:      meds,
		IssuedAt:       p.IssuedAt,
		ValidUntil:     p.ValidUntil,
	}.normalize()
}

// Credential returns the signed credential issued at creation.
func (p *Prescription) Credential() Credential {
	return Credential{Payload: p.Payload(), Signature: p.Signature}
}

// Aggregate represents the prescription aggregate root
type Aggregate struct {
	state   Prescription
	changes []*Event
}

// NewAggregate creates a new prescription aggregate
func NewAggregate(id string) *Aggregate {
	return &Aggregate{
		state:   Prescription{ID: id, Status: StatusDraft},
		changes: make([]*Event, 0),
	}
}

// ID returns the aggregate ID
func (a *Aggregate) ID() string { return a.state.ID }

// Version returns the current version
func (a *Aggregate) Version() int { return a.state.Version }

// Status returns the current status
func (a *Aggregate) Status() Status { return a.state.Status }

// Changes returns uncommitted events
func (a *Aggregate) Changes() []*Event { return a.changes }

// ClearChanges clears uncommitted events
func (a *Aggregate) ClearChanges() { a.changes = make([]*Event, 0) }

// Snapshot returns a deep copy of the current state.
func (a *Aggregate) Snapshot() *Prescription {
	p := a.state
	p.Lines = append([]LineItem(nil), a.state.Lines...)
	p.Dispenses = make([]DispenseEvent, len(a.state.Dispenses))
	for i, d := range a.state.Dispenses {
		d.Lines = append([]DispensedLine(nil), d.Lines...)
		p.Dispenses[i] = d
	}
	if a.state.Cancellation != nil {
		c := *a.state.Cancellation
		p.Cancellation = &c
	}
	if a.state.ExpiredAt != nil {
		t := *a.state.ExpiredAt
		p.ExpiredAt = &t
	}
	return &p
}

// Create issues the prescription. Lines get their ids and initial refill
// counters here.
func (a *Aggregate) Create(data *CreatedData) error {
	if a.state.Status != StatusDraft {
		return fmt.Errorf("%w: prescription %s already created", rxerr.ErrInvalidTransition, a.state.ID)
	}
	if len(data.Lines) == 0 {
		return fmt.Errorf("%w: prescription needs at least one medicine", rxerr.ErrInvalidArgument)
	}
	if !data.ValidUntil.After(data.IssuedAt) {
		return fmt.Errorf("%w: validity must end after issue", rxerr.ErrInvalidArgument)
	}

	data.PrescriptionID = a.state.ID
	for i := range data.Lines {
		l := &data.Lines[i]
		l.ID = fmt.Sprintf("L%d", i+1)
		l.RefillsRemaining = initialFills(l.RefillsAllowed)
		l.QuantityDispensed = 0
		l.Status = LineActive
	}

	return a.raise(EventPrescriptionCreated, data, data.IssuedAt, data.Prescriber)
}

// RecordDispense applies refill accounting for one dispense.
func (a *Aggregate) RecordDispense(d DispenseEvent) error {
	if !a.state.Status.Open() {
		return fmt.Errorf("%w: cannot dispense a %s prescription", rxerr.ErrInvalidTransition, a.state.Status)
	}
	if len(d.Lines) == 0 {
		return fmt.Errorf("%w: dispense has no lines", rxerr.ErrInvalidArgument)
	}

	seen := make(map[string]bool, len(d.Lines))
	for _, dl := range d.Lines {
		if seen[dl.LineID] {
			return fmt.Errorf("%w: line %s dispensed twice", rxerr.ErrInvalidArgument, dl.LineID)
		}
		seen[dl.LineID] = true

		line, ok := a.state.Line(dl.LineID)
		if !ok {
			return fmt.Errorf("%w: prescription %s has no line %s", rxerr.ErrInvalidState, a.state.ID, dl.LineID)
		}
		if !line.Dispensable() {
			return fmt.Errorf("%w: line %s has no fills remaining", rxerr.ErrInvalidState, dl.LineID)
		}
		if dl.MedicineID != line.MedicineID {
			return fmt.Errorf("%w: line %s is %s, not %s", rxerr.ErrInvalidArgument, dl.LineID, line.MedicineID, dl.MedicineID)
		}
		if dl.Quantity <= 0 || dl.Quantity > line.Outstanding() {
			return fmt.Errorf("%w: line %s quantity %d outside 1..%d", rxerr.ErrInvalidArgument, dl.LineID, dl.Quantity, line.Outstanding())
		}
	}

	return a.raise(EventPrescriptionDispensed, &DispensedData{Dispense: d}, d.At, d.Pharmacist)
}

// Cancel cancels an open prescription. Only the issuing prescriber or an
// admin may cancel.
func (a *Aggregate) Cancel(reason string, by Actor, at time.Time) error {
	if !a.state.Status.Open() {
		return fmt.Errorf("%w: cannot cancel a %s prescription", rxerr.ErrInvalidTransition, a.state.Status)
	}
	if by.Role != RoleAdmin && by.SubjectID != a.state.Prescriber.SubjectID {
		return fmt.Errorf("%w: only the issuing prescriber may cancel", rxerr.ErrForbidden)
	}
	if reason == "" {
		reason = DefaultCancelReason
	}
	data := &CancelledData{Reason: reason, CancelledBy: by, CancelledAt: at.UTC()}
	return a.raise(EventPrescriptionCancelled, data, at, by)
}

// DefaultCancelReason is recorded when a cancellation gives no reason.
const DefaultCancelReason = "No reason provided"

// Expire closes an open prescription whose validity window has passed.
func (a *Aggregate) Expire(at time.Time) error {
	if !a.state.Status.Open() {
		return fmt.Errorf("%w: cannot expire a %s prescription", rxerr.ErrInvalidTransition, a.state.Status)
	}
	if !a.state.IsExpired(at) {
		return fmt.Errorf("%w: prescription %s valid until %s", rxerr.ErrInvalidState, a.state.ID, a.state.ValidUntil.Format(time.RFC3339))
	}
	return a.raise(EventPrescriptionExpired, &ExpiredData{ExpiredAt: at.UTC()}, at, Actor{SubjectID: "system", Role: RoleAdmin})
}

func (a *Aggregate) raise(eventType EventType, data interface{}, at time.Time, actor Actor) error {
	event, err := NewEvent(a.state.ID, eventType, data, at)
	if err != nil {
		return err
	}
	if err := a.apply(event); err != nil {
		return err
	}
	event.WithAuditInfo(actor, a.state.PatientRef)
	event.Version = a.state.Version
	a.changes = append(a.changes, event)
	return nil
}

// apply applies an event to update state
func (a *Aggregate) apply(event *Event) error {
	switch event.EventType {
	case EventPrescriptionCreated:
		var data CreatedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return rxerr.Internal("decode %s: %v", event.EventType, err)
		}
		a.applyCreated(&data)
	case EventPrescriptionDispensed:
		var data DispensedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return rxerr.Internal("decode %s: %v", event.EventType, err)
		}
		if err := a.applyDispensed(data.Dispense); err != nil {
			return err
		}
	case EventPrescriptionCancelled:
		var data CancelledData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return rxerr.Internal("decode %s: %v", event.EventType, err)
		}
		a.state.Status = StatusCancelled
		a.state.Cancellation = &Cancellation{Reason: data.Reason, By: data.CancelledBy, At: data.CancelledAt}
	case EventPrescriptionExpired:
		var data ExpiredData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return rxerr.Internal("decode %s: %v", event.EventType, err)
		}
		a.state.Status = StatusExpired
		a.state.ExpiredAt = &data.ExpiredAt
	default:
		return rxerr.Internal("unknown event type %q", event.EventType)
	}
	a.state.Version++
	a.state.UpdatedAt = event.Timestamp
	return nil
}

func (a *Aggregate) applyCreated(data *CreatedData) {
	a.state.Status = StatusActive
	a.state.PatientRef = data.PatientRef
	a.state.Prescriber = data.Prescriber
	a.state.Lines = append([]LineItem(nil), data.Lines...)
	a.state.IssuedAt = data.IssuedAt
	a.state.ValidUntil = data.ValidUntil
	a.state.Notes = data.Notes
	a.state.Signature = data.Signature
}

func (a *Aggregate) applyDispensed(d DispenseEvent) error {
	for _, dl := range d.Lines {
		line, ok := a.state.Line(dl.LineID)
		if !ok {
			return rxerr.Internal("dispense references unknown line %s", dl.LineID)
		}
		line.RefillsRemaining--
		line.QuantityDispensed += dl.Quantity
		// fills left over once the total is supplied lapse
		if line.RefillsRemaining <= 0 || line.fullySupplied() {
			line.RefillsRemaining = 0
			line.Status = LineCompleted
		}
	}
	a.state.Dispenses = append(a.state.Dispenses, d)

	completed := true
	for _, l := range a.state.Lines {
		if l.RefillsRemaining != 0 || !l.fullySupplied() {
			completed = false
			break
		}
	}
	if completed {
		a.state.Status = StatusCompleted
	} else {
		a.state.Status = StatusPartiallyFilled
	}
	return nil
}

// LoadFromHistory rebuilds state from events
func (a *Aggregate) LoadFromHistory(events []*Event) error {
	for _, event := range events {
		if err := a.apply(event); err != nil {
			return err
		}
	}
	return nil
}
