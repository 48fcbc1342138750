package prescription

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxdispense/internal/domain/catalog"
	"github.com/drfirst/go-rxdispense/internal/domain/rxerr"
	"github.com/drfirst/go-rxdispense/internal/notify"
	"github.com/drfirst/go-rxdispense/internal/observability/metrics"
	"github.com/drfirst/go-rxdispense/internal/patient"
)

// Catalog is the slice of the medicine catalog the engine needs.
type Catalog interface {
	Get(ctx context.Context, id string) (*catalog.Medicine, error)
	FindInteractions(ctx context.Context, ids []string) ([]catalog.InteractionFinding, error)
	MatchingAllergens(ctx context.Context, medicineID string, allergens []string) ([]string, error)
	CheckContraindications(ctx context.Context, medicineID string, conditions []string) ([]string, error)
}

// EngineConfig holds engine settings
type EngineConfig struct {
	// DefaultValidity applies when a request gives no validity window
	DefaultValidity time.Duration
	// MaxRefills caps refills per line
	MaxRefills int
	// Now is the clock; tests replace it
	Now func() time.Time
}

// DefaultEngineConfig returns sensible defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultValidity: 30 * 24 * time.Hour,
		MaxRefills:      11,
		Now:             time.Now,
	}
}

// Dependencies are the collaborators an Engine is built from. Notifier and
// Metrics are optional.
type Dependencies struct {
	Store    Store
	Catalog  Catalog
	Patients patient.Directory
	Signer   *Signer
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
}

// Engine owns the prescription lifecycle.
type Engine struct {
	store    Store
	catalog  Catalog
	patients patient.Directory
	signer   *Signer
	notifier notify.Notifier
	metrics  *metrics.Metrics
	cfg      EngineConfig
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewEngine creates an engine
func NewEngine(deps Dependencies, cfg EngineConfig, logger *zap.Logger) (*Engine, error) {
	if deps.Store == nil || deps.Catalog == nil || deps.Patients == nil || deps.Signer == nil {
		return nil, errors.New("prescription engine requires store, catalog, patients and signer")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultValidity <= 0 {
		cfg.DefaultValidity = DefaultEngineConfig().DefaultValidity
	}
	return &Engine{
		store:    deps.Store,
		catalog:  deps.Catalog,
		patients: deps.Patients,
		signer:   deps.Signer,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("prescription-engine"),
	}, nil
}

// LineRequest is one requested medicine
type LineRequest struct {
	MedicineID   string
	Dosage       string
	Frequency    string
	Route        string
	Duration     string
	Instructions string
	Quantity     int
	Refills      int
}

// CreateRequest asks for a new prescription
type CreateRequest struct {
	PatientRef    string
	Prescriber    Actor
	Lines         []LineRequest
	ValidFor      time.Duration
	Notes         string
	CorrelationID string
}

// CreateResult is an issued prescription with its credential. Warnings lists
// permitted (Minor or Moderate) interactions.
type CreateResult struct {
	Prescription *Prescription
	Credential   Credential
	Warnings     []catalog.InteractionFinding
}

// Create runs the safety checks and issues a signed prescription. Any
// conflict rejects the whole prescription and nothing is stored.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	ctx, span := e.tracer.Start(ctx, "prescription_create",
		trace.WithAttributes(
			attribute.String("prescriber_id", req.Prescriber.SubjectID),
			attribute.Int("line_count", len(req.Lines)),
		))
	defer span.End()

	if err := e.validateCreate(req); err != nil {
		return nil, e.fail(span, "prescription rejected", err)
	}

	record, err := e.patients.Lookup(ctx, req.PatientRef)
	if err != nil {
		return nil, e.fail(span, "patient lookup failed", fmt.Errorf("look up patient: %w", err))
	}

	lines := make([]LineItem, len(req.Lines))
	ids := make([]string, len(req.Lines))
	var conflicts []rxerr.Conflict
	for i, lr := range req.Lines {
		med, err := e.catalog.Get(ctx, lr.MedicineID)
		if err != nil {
			return nil, e.fail(span, "medicine lookup failed", err)
		}
		ids[i] = med.ID
		lines[i] = LineItem{
			MedicineID:     med.ID,
			MedicineName:   med.Name,
			Dosage:         lr.Dosage,
			Frequency:      lr.Frequency,
			Route:          lr.Route,
			Duration:       lr.Duration,
			Instructions:   lr.Instructions,
			Quantity:       lr.Quantity,
			RefillsAllowed: lr.Refills,
		}

		allergens, err := e.catalog.MatchingAllergens(ctx, med.ID, record.Allergens)
		if err != nil {
			return nil, e.fail(span, "allergy check failed", err)
		}
		if len(allergens) > 0 {
			conflicts = append(conflicts, rxerr.Conflict{
				Kind:        rxerr.ConflictAllergy,
				MedicineIDs: []string{med.ID},
				Detail:      fmt.Sprintf("patient allergic to %s", strings.Join(allergens, ", ")),
			})
		}

		conditions, err := e.catalog.CheckContraindications(ctx, med.ID, record.Conditions)
		if err != nil {
			return nil, e.fail(span, "contraindication check failed", err)
		}
		if len(conditions) > 0 {
			conflicts = append(conflicts, rxerr.Conflict{
				Kind:        rxerr.ConflictContraindication,
				MedicineIDs: []string{med.ID},
				Detail:      fmt.Sprintf("contraindicated for %s", strings.Join(conditions, ", ")),
			})
		}
	}

	findings, err := e.catalog.FindInteractions(ctx, ids)
	if err != nil {
		return nil, e.fail(span, "interaction check failed", err)
	}
	var warnings []catalog.InteractionFinding
	for _, f := range findings {
		if !f.Severity.Blocks() {
			warnings = append(warnings, f)
			continue
		}
		conflicts = append(conflicts, rxerr.Conflict{
			Kind:        rxerr.ConflictInteraction,
			MedicineIDs: []string{f.Pair[0], f.Pair[1]},
			Severity:    string(f.Severity),
			Detail:      f.Description,
		})
	}

	if len(conflicts) > 0 {
		for _, c := range conflicts {
			e.metrics.SafetyViolation(string(c.Kind))
		}
		span.SetAttributes(attribute.Int("conflict_count", len(conflicts)))
		return nil, e.fail(span, "prescription rejected", &rxerr.SafetyViolationError{Conflicts: conflicts})
	}

	now := e.cfg.Now().UTC().Truncate(time.Second)
	validFor := req.ValidFor
	if validFor == 0 {
		validFor = e.cfg.DefaultValidity
	}

	id, err := newPrescriptionID(now)
	if err != nil {
		return nil, e.fail(span, "id generation failed", err)
	}
	agg := NewAggregate(id)
	data := &CreatedData{
		PatientRef: req.PatientRef,
		Prescriber: req.Prescriber,
		Lines:      lines,
		IssuedAt:   now,
		ValidUntil: now.Add(validFor).Truncate(time.Second),
		Notes:      req.Notes,
	}

	draft := &Prescription{
		ID:         id,
		PatientRef: data.PatientRef,
		Prescriber: data.Prescriber,
		Lines:      data.Lines,
		IssuedAt:   data.IssuedAt,
		ValidUntil: data.ValidUntil,
	}
	if data.Signature, err = e.signer.Sign(draft.Payload()); err != nil {
		return nil, e.fail(span, "signing failed", err)
	}
	if err := agg.Create(data); err != nil {
		return nil, e.fail(span, "prescription rejected", err)
	}
	for _, ev := range agg.Changes() {
		ev.CorrelationID = req.CorrelationID
	}
	if err := e.store.Save(ctx, agg); err != nil {
		return nil, e.fail(span, "save failed", err)
	}

	p := agg.Snapshot()
	span.SetAttributes(attribute.String("prescription_id", p.ID))
	e.metrics.PrescriptionCreated()
	e.logger.Info("prescription issued",
		zap.String("prescription_id", p.ID),
		zap.String("prescriber_id", p.Prescriber.SubjectID),
		zap.Int("lines", len(p.Lines)),
		zap.Int("warnings", len(warnings)),
	)
	e.notifier.Notify(ctx, notify.NewEvent(notify.TypePrescriptionIssued, p.ID, map[string]any{
		"patientRef": p.PatientRef,
		"doctorRef":  p.Prescriber.SubjectID,
		"validUntil": p.ValidUntil,
	}))

	return &CreateResult{Prescription: p, Credential: p.Credential(), Warnings: warnings}, nil
}

func (e *Engine) validateCreate(req CreateRequest) error {
	if strings.TrimSpace(req.PatientRef) == "" {
		return fmt.Errorf("%w: patient reference is required", rxerr.ErrInvalidArgument)
	}
	if req.Prescriber.SubjectID == "" {
		return fmt.Errorf("%w: prescriber is required", rxerr.ErrInvalidArgument)
	}
	if len(req.Lines) == 0 {
		return fmt.Errorf("%w: at least one medicine is required", rxerr.ErrInvalidArgument)
	}
	if req.ValidFor < 0 {
		return fmt.Errorf("%w: validity window must end after issue", rxerr.ErrInvalidArgument)
	}
	seen := make(map[string]bool, len(req.Lines))
	for _, l := range req.Lines {
		switch {
		case l.MedicineID == "":
			return fmt.Errorf("%w: medicine id is required", rxerr.ErrInvalidArgument)
		case seen[l.MedicineID]:
			return fmt.Errorf("%w: medicine %s listed twice", rxerr.ErrInvalidArgument, l.MedicineID)
		case strings.TrimSpace(l.Dosage) == "":
			return fmt.Errorf("%w: dosage is required for %s", rxerr.ErrInvalidArgument, l.MedicineID)
		case l.Quantity <= 0:
			return fmt.Errorf("%w: quantity for %s must be positive", rxerr.ErrInvalidArgument, l.MedicineID)
		case l.Refills < 0 || (e.cfg.MaxRefills > 0 && l.Refills > e.cfg.MaxRefills):
			return fmt.Errorf("%w: refills for %s must be between 0 and %d", rxerr.ErrInvalidArgument, l.MedicineID, e.cfg.MaxRefills)
		}
		seen[l.MedicineID] = true
	}
	return nil
}

// Cancel cancels an open prescription on behalf of actor.
func (e *Engine) Cancel(ctx context.Context, id, reason string, actor Actor) (*Prescription, error) {
	ctx, span := e.tracer.Start(ctx, "prescription_cancel",
		trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()

	agg, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, e.fail(span, "load failed", err)
	}
	if err := agg.Cancel(reason, actor, e.cfg.Now()); err != nil {
		return nil, e.fail(span, "cancel rejected", err)
	}
	if err := e.store.Save(ctx, agg); err != nil {
		return nil, e.fail(span, "save failed", err)
	}

	p := agg.Snapshot()
	e.metrics.PrescriptionCancelled()
	e.logger.Info("prescription cancelled",
		zap.String("prescription_id", id),
		zap.String("actor_id", actor.SubjectID),
		zap.String("reason", p.Cancellation.Reason),
	)
	e.notifier.Notify(ctx, notify.NewEvent(notify.TypePrescriptionCancelled, id, map[string]any{
		"patientRef": p.PatientRef,
		"reason":     p.Cancellation.Reason,
	}))
	return p, nil
}

// Verify checks a presented credential. An unknown prescription id is
// ErrNotFound; a bad signature is reported through the result, not an error.
func (e *Engine) Verify(ctx context.Context, c Credential) (VerificationResult, error) {
	ctx, span := e.tracer.Start(ctx, "prescription_verify",
		trace.WithAttributes(attribute.String("prescription_id", c.PrescriptionID)))
	defer span.End()

	agg, err := e.store.Load(ctx, c.PrescriptionID)
	if err != nil {
		e.metrics.Verification("unknown")
		return VerificationResult{}, e.fail(span, "load failed", err)
	}
	return e.Evaluate(agg.Snapshot(), c), nil
}

// Evaluate checks a credential against an already loaded prescription.
func (e *Engine) Evaluate(p *Prescription, c Credential) VerificationResult {
	res := e.signer.Evaluate(p, c, e.cfg.Now())
	e.metrics.Verification(res.Outcome())
	if !res.Valid {
		e.logger.Warn("credential failed verification", zap.String("prescription_id", c.PrescriptionID))
	}
	return res
}

// RecordDispense applies a completed dispense to the prescription.
func (e *Engine) RecordDispense(ctx context.Context, id string, d DispenseEvent) (*Prescription, error) {
	ctx, span := e.tracer.Start(ctx, "prescription_record_dispense",
		trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()

	agg, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, e.fail(span, "load failed", err)
	}
	if d.At.IsZero() {
		d.At = e.cfg.Now().UTC()
	}
	if err := agg.RecordDispense(d); err != nil {
		return nil, e.fail(span, "dispense rejected", err)
	}
	if err := e.store.Save(ctx, agg); err != nil {
		return nil, e.fail(span, "save failed", err)
	}
	p := agg.Snapshot()
	span.SetAttributes(attribute.String("status", string(p.Status)))
	return p, nil
}

// ExpireDue moves open prescriptions whose validity ended by now to Expired.
// It returns how many were expired.
func (e *Engine) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	ctx, span := e.tracer.Start(ctx, "prescription_expire_due")
	defer span.End()

	ids, err := e.store.ListDue(ctx, now, 0)
	if err != nil {
		return 0, e.fail(span, "list due failed", err)
	}

	expired := 0
	var errs []error
	for _, id := range ids {
		agg, err := e.store.Load(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := agg.Expire(now); err != nil {
			if errors.Is(err, rxerr.ErrInvalidTransition) || errors.Is(err, rxerr.ErrInvalidState) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if err := e.store.Save(ctx, agg); err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", id, err))
			continue
		}
		expired++
		e.metrics.PrescriptionExpired()
	}

	span.SetAttributes(attribute.Int("expired", expired))
	e.logger.Info("expiry sweep finished", zap.Int("due", len(ids)), zap.Int("expired", expired))
	return expired, errors.Join(errs...)
}

// Get returns the current state of a prescription
func (e *Engine) Get(ctx context.Context, id string) (*Prescription, error) {
	agg, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return agg.Snapshot(), nil
}

// Events returns the prescription's audit trail
func (e *Engine) Events(ctx context.Context, id string) ([]*Event, error) {
	events, err := e.store.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: prescription %s", rxerr.ErrNotFound, id)
	}
	return events, nil
}

// Credential returns the credential issued with the prescription
func (e *Engine) Credential(ctx context.Context, id string) (Credential, error) {
	p, err := e.Get(ctx, id)
	if err != nil {
		return Credential{}, err
	}
	return p.Credential(), nil
}

func (e *Engine) fail(span trace.Span, msg string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	if rxerr.IsInternal(err) {
		e.logger.Error(msg, zap.Error(err))
	} else {
		e.logger.Debug(msg, zap.Error(err))
	}
	return err
}

// newPrescriptionID returns RX<yyyymmdd>-<8 upper-case hex>.
func newPrescriptionID(now time.Time) (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("RX%s-%s", now.Format("20060102"), strings.ToUpper(hex.EncodeToString(b[:]))), nil
}
