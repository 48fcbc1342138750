// Package dispensing runs a dispense end to end: verify the credential,
// reserve stock for every line, consume it and record the dispense on the
// prescription. A dispense either happens in full or leaves no trace.
package dispensing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxdispense/internal/domain/catalog"
	"github.com/drfirst/go-rxdispense/internal/domain/inventory"
	"github.com/drfirst/go-rxdispense/internal/domain/prescription"
	"github.com/drfirst/go-rxdispense/internal/domain/rxerr"
	"github.com/drfirst/go-rxdispense/internal/notify"
	"github.com/drfirst/go-rxdispense/internal/observability/metrics"
	"github.com/drfirst/go-rxdispense/pkg/lock"
)

// Prescriptions is what the coordinator needs from the prescription engine.
type Prescriptions interface {
	Get(ctx context.Context, id string) (*prescription.Prescription, error)
	Evaluate(p *prescription.Prescription, c prescription.Credential) prescription.VerificationResult
	RecordDispense(ctx context.Context, id string, d prescription.DispenseEvent) (*prescription.Prescription, error)
}

// Stock is what the coordinator needs from the inventory ledger.
type Stock interface {
	Reserve(ctx context.Context, medicineID string, quantity int) (*inventory.Reservation, error)
	Consume(ctx context.Context, r *inventory.Reservation, actor, reference string) ([]inventory.BatchConsumption, error)
	Release(ctx context.Context, r *inventory.Reservation) error
	Return(ctx context.Context, consumed []inventory.BatchConsumption, actor, reference string) error
	AvailableQuantity(ctx context.Context, medicineID string) (int, error)
}

// Medicines resolves reorder levels for the low-stock check.
type Medicines interface {
	Get(ctx context.Context, id string) (*catalog.Medicine, error)
}

// Config holds coordinator settings
type Config struct {
	Now func() time.Time
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{Now: time.Now}
}

// Coordinator orchestrates dispenses. It holds no state of its own.
type Coordinator struct {
	prescriptions Prescriptions
	stock         Stock
	medicines     Medicines
	locks         lock.Locker
	notifier      notify.Notifier
	metrics       *metrics.Metrics
	cfg           Config
	logger        *zap.Logger
	tracer        trace.Tracer
}

// Dependencies are the collaborators a Coordinator is built from. Notifier
// and Metrics are optional; Locks defaults to an in-process locker.
type Dependencies struct {
	Prescriptions Prescriptions
	Stock         Stock
	Medicines     Medicines
	Locks         lock.Locker
	Notifier      notify.Notifier
	Metrics       *metrics.Metrics
}

// NewCoordinator creates a coordinator
func NewCoordinator(deps Dependencies, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	if deps.Prescriptions == nil || deps.Stock == nil || deps.Medicines == nil {
		return nil, errors.New("dispensing coordinator requires prescriptions, stock and medicines")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Locks == nil {
		deps.Locks = lock.NewLocal()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		prescriptions: deps.Prescriptions,
		stock:         deps.Stock,
		medicines:     deps.Medicines,
		locks:         deps.Locks,
		notifier:      deps.Notifier,
		metrics:       deps.Metrics,
		cfg:           cfg,
		logger:        logger,
		tracer:        otel.Tracer("dispensing-coordinator"),
	}, nil
}

// LineRequest selects a line and quantity. Zero quantity means whatever is
// still outstanding on the line.
type LineRequest struct {
	LineID   string
	Quantity int
}

// Request asks to dispense against a presented credential. No lines means
// every line that still has fills remaining.
type Request struct {
	PrescriptionID string
	Credential     prescription.Credential
	Lines          []LineRequest
	Pharmacist     prescription.Actor
	Notes          string
}

type plannedLine struct {
	line        prescription.LineItem
	quantity    int
	reservation *inventory.Reservation
	consumed    []inventory.BatchConsumption
}

// Dispense performs one dispense. On any failure every reservation is
// released and every consumption is returned before the error is reported.
func (c *Coordinator) Dispense(ctx context.Context, req Request) (*prescription.DispenseEvent, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "dispense",
		trace.WithAttributes(
			attribute.String("prescription_id", req.PrescriptionID),
			attribute.String("pharmacist_id", req.Pharmacist.SubjectID),
		))
	defer span.End()

	d, err := c.dispense(ctx, span, req)
	outcome := "ok"
	if err != nil {
		outcome = outcomeOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		if rxerr.IsInternal(err) {
			c.logger.Error("dispense failed", zap.String("prescription_id", req.PrescriptionID), zap.Error(err))
		} else {
			c.logger.Info("dispense rejected", zap.String("prescription_id", req.PrescriptionID), zap.Error(err))
		}
	}
	c.metrics.ObserveDispense(outcome, time.Since(start))
	return d, err
}

func (c *Coordinator) dispense(ctx context.Context, span trace.Span, req Request) (*prescription.DispenseEvent, error) {
	if req.Pharmacist.SubjectID == "" {
		return nil, fmt.Errorf("%w: pharmacist is required", rxerr.ErrInvalidArgument)
	}

	unlock, err := c.locks.Lock(ctx, "rx:"+req.PrescriptionID)
	if err != nil {
		return nil, fmt.Errorf("lock prescription %s: %w", req.PrescriptionID, err)
	}
	defer unlock()

	p, err := c.prescriptions.Get(ctx, req.PrescriptionID)
	if err != nil {
		return nil, err
	}
	if req.Credential.PrescriptionID != p.ID {
		return nil, fmt.Errorf("%w: credential is for %q, not %s", rxerr.ErrVerificationFailed, req.Credential.PrescriptionID, p.ID)
	}
	res := c.prescriptions.Evaluate(p, req.Credential)
	if !res.Dispensable {
		return nil, fmt.Errorf("%w: prescription %s (%s)", rxerr.ErrVerificationFailed, p.ID, res.Outcome())
	}

	plan, err := planLines(p, req.Lines)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("line_count", len(plan)))

	if err := c.reserveAll(ctx, plan); err != nil {
		return nil, err
	}

	event := prescription.DispenseEvent{
		ID:         "DSP-" + uuid.New().String(),
		At:         c.cfg.Now().UTC(),
		Pharmacist: req.Pharmacist,
		TotalCost:  decimal.Zero,
		Notes:      req.Notes,
	}

	if err := c.consumeAll(ctx, plan, event.ID, req.Pharmacist.SubjectID); err != nil {
		return nil, err
	}

	for _, pl := range plan {
		dl := prescription.DispensedLine{
			LineID:     pl.line.ID,
			MedicineID: pl.line.MedicineID,
			Quantity:   pl.quantity,
		}
		for _, bc := range pl.consumed {
			dl.Draws = append(dl.Draws, prescription.BatchDraw{
				BatchID:     bc.BatchID,
				BatchNumber: bc.BatchNumber,
				LotNumber:   bc.LotNumber,
				ExpiryDate:  bc.ExpiryDate,
				Quantity:    bc.Quantity,
				Cost:        bc.Cost,
			})
			event.TotalCost = event.TotalCost.Add(bc.Cost)
		}
		event.Lines = append(event.Lines, dl)
	}

	updated, err := c.prescriptions.RecordDispense(ctx, p.ID, event)
	if err != nil {
		c.returnAll(ctx, plan, event.ID, req.Pharmacist.SubjectID)
		return nil, fmt.Errorf("record dispense on %s: %w", p.ID, err)
	}

	c.logger.Info("prescription dispensed",
		zap.String("prescription_id", p.ID),
		zap.String("dispense_id", event.ID),
		zap.String("status", string(updated.Status)),
		zap.String("total_cost", event.TotalCost.StringFixed(2)),
	)
	c.notifier.Notify(ctx, notify.NewEvent(notify.TypePrescriptionDispensed, p.ID, map[string]any{
		"dispenseId": event.ID,
		"patientRef": p.PatientRef,
		"status":     string(updated.Status),
	}))
	c.checkLowStock(ctx, plan)
	return &event, nil
}

// planLines resolves requested lines against the prescription.
func planLines(p *prescription.Prescription, requested []LineRequest) ([]*plannedLine, error) {
	if len(requested) == 0 {
		for _, l := range p.Lines {
			if l.Dispensable() {
				requested = append(requested, LineRequest{LineID: l.ID})
			}
		}
		if len(requested) == 0 {
			return nil, fmt.Errorf("%w: prescription %s has no dispensable lines", rxerr.ErrInvalidState, p.ID)
		}
	}

	seen := make(map[string]bool, len(requested))
	plan := make([]*plannedLine, 0, len(requested))
	for _, r := range requested {
		line, ok := p.Line(r.LineID)
		if !ok {
			return nil, fmt.Errorf("%w: prescription %s has no line %s", rxerr.ErrInvalidState, p.ID, r.LineID)
		}
		if !line.Dispensable() {
			return nil, fmt.Errorf("%w: line %s has no fills remaining", rxerr.ErrInvalidState, r.LineID)
		}
		if seen[r.LineID] {
			return nil, fmt.Errorf("%w: line %s requested twice", rxerr.ErrInvalidArgument, r.LineID)
		}
		seen[r.LineID] = true

		qty := r.Quantity
		if qty == 0 {
			qty = line.Outstanding()
		}
		if qty <= 0 || qty > line.Outstanding() {
			return nil, fmt.Errorf("%w: line %s quantity %d outside 1..%d", rxerr.ErrInvalidArgument, r.LineID, qty, line.Outstanding())
		}
		plan = append(plan, &plannedLine{line: *line, quantity: qty})
	}
	return plan, nil
}

// reserveAll reserves every line. Lines after a shortfall are still tried so
// the error names every medicine that is short.
func (c *Coordinator) reserveAll(ctx context.Context, plan []*plannedLine) error {
	var short []string
	var hard error
	for _, pl := range plan {
		r, err := c.stock.Reserve(ctx, pl.line.MedicineID, pl.quantity)
		switch {
		case err == nil:
			pl.reservation = r
		case errors.Is(err, rxerr.ErrInsufficientStock):
			short = append(short, pl.line.MedicineID)
			c.metrics.ReservationFailed(pl.line.MedicineID)
		default:
			hard = err
		}
		if hard != nil {
			break
		}
	}
	if hard == nil && len(short) == 0 {
		return nil
	}

	c.releaseAll(ctx, plan)
	if hard != nil {
		return fmt.Errorf("reserve stock: %w", hard)
	}
	return &rxerr.InsufficientStockError{MedicineIDs: short}
}

// consumeAll converts every reservation. If one fails, what was consumed is
// returned and the remaining reservations are released.
func (c *Coordinator) consumeAll(ctx context.Context, plan []*plannedLine, reference, actor string) error {
	for i, pl := range plan {
		consumed, err := c.stock.Consume(ctx, pl.reservation, actor, reference)
		if err != nil {
			c.returnAll(ctx, plan[:i], reference, actor)
			for _, rest := range plan[i:] {
				c.release(ctx, rest.reservation)
			}
			return fmt.Errorf("consume %s: %w", pl.line.MedicineID, err)
		}
		pl.consumed = consumed
		pl.reservation = nil
	}
	return nil
}

func (c *Coordinator) releaseAll(ctx context.Context, plan []*plannedLine) {
	for _, pl := range plan {
		c.release(ctx, pl.reservation)
		pl.reservation = nil
	}
}

func (c *Coordinator) release(ctx context.Context, r *inventory.Reservation) {
	if r == nil {
		return
	}
	if err := c.stock.Release(context.WithoutCancel(ctx), r); err != nil {
		c.logger.Error("release failed",
			zap.String("reservation_id", r.ID),
			zap.String("medicine_id", r.MedicineID),
			zap.Error(err))
	}
}

func (c *Coordinator) returnAll(ctx context.Context, plan []*plannedLine, reference, actor string) {
	var consumed []inventory.BatchConsumption
	for _, pl := range plan {
		consumed = append(consumed, pl.consumed...)
	}
	if len(consumed) == 0 {
		return
	}
	if err := c.stock.Return(context.WithoutCancel(ctx), consumed, actor, reference); err != nil {
		c.logger.Error("compensating return failed",
			zap.String("dispense_id", reference),
			zap.Error(err))
	}
}

func (c *Coordinator) checkLowStock(ctx context.Context, plan []*plannedLine) {
	for _, pl := range plan {
		med, err := c.medicines.Get(ctx, pl.line.MedicineID)
		if err != nil {
			c.logger.Warn("low stock check skipped", zap.String("medicine_id", pl.line.MedicineID), zap.Error(err))
			continue
		}
		available, err := c.stock.AvailableQuantity(ctx, med.ID)
		if err != nil {
			c.logger.Warn("low stock check skipped", zap.String("medicine_id", med.ID), zap.Error(err))
			continue
		}
		if available > med.ReorderLevel {
			continue
		}
		c.metrics.LowStock(med.ID)
		c.logger.Warn("stock at or below reorder level",
			zap.String("medicine_id", med.ID),
			zap.Int("available", available),
			zap.Int("reorder_level", med.ReorderLevel))
		c.notifier.Notify(ctx, notify.NewEvent(notify.TypeLowStock, med.ID, map[string]any{
			"medicineId":   med.ID,
			"name":         med.Name,
			"available":    available,
			"reorderLevel": med.ReorderLevel,
		}))
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, rxerr.ErrVerificationFailed):
		return "verification_failed"
	case errors.Is(err, rxerr.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, rxerr.ErrInvalidState), errors.Is(err, rxerr.ErrInvalidArgument):
		return "rejected"
	case errors.Is(err, rxerr.ErrNotFound):
		return "not_found"
	}
	return "error"
}
