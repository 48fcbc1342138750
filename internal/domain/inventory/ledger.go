package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxdispense/internal/domain/catalog"
	"github.com/drfirst/go-rxdispense/internal/domain/rxerr"
)

// MedicineLookup resolves catalog entries for stock receipt and reporting
type MedicineLookup interface {
	Get(ctx context.Context, id string) (*catalog.Medicine, error)
}

// LedgerConfig holds ledger configuration
type LedgerConfig struct {
	// Now returns the current time; expiry is evaluated against it
	Now func() time.Time
}

// DefaultLedgerConfig returns the production configuration
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{Now: func() time.Time { return time.Now().UTC() }}
}

// Ledger is the inventory ledger. Every mutation for a medicine runs inside
// Store.Mutate so reservations are atomic relative to one another.
type Ledger struct {
	store     Store
	medicines MedicineLookup
	now       func() time.Time
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewLedger creates a ledger over store
func NewLedger(store Store, medicines MedicineLookup, cfg LedgerConfig, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = DefaultLedgerConfig().Now
	}
	return &Ledger{
		store:     store,
		medicines: medicines,
		now:       cfg.Now,
		logger:    logger,
		tracer:    otel.Tracer("inventory-ledger"),
	}
}

// ReceiveRequest describes a newly received lot
type ReceiveRequest struct {
	MedicineID     string
	BatchNumber    string
	LotNumber      string
	Supplier       string
	Quantity       int
	ManufacturedAt time.Time
	ExpiryDate     time.Time
	UnitCost       decimal.Decimal
	SellingPrice   decimal.Decimal
	Actor          string
	Reference      string
}

// Receive records a new batch with a Received movement.
func (l *Ledger) Receive(ctx context.Context, req ReceiveRequest) (*Batch, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: received quantity must be positive", rxerr.ErrInvalidArgument)
	}
	if strings.TrimSpace(req.BatchNumber) == "" {
		return nil, fmt.Errorf("%w: batch number is required", rxerr.ErrInvalidArgument)
	}
	if req.ExpiryDate.IsZero() {
		return nil, fmt.Errorf("%w: expiry date is required", rxerr.ErrInvalidArgument)
	}
	if !req.ManufacturedAt.IsZero() && !req.ExpiryDate.After(req.ManufacturedAt) {
		return nil, fmt.Errorf("%w: expiry date must be after manufacture date", rxerr.ErrInvalidArgument)
	}
	if req.UnitCost.IsNegative() || req.SellingPrice.IsNegative() {
		return nil, fmt.Errorf("%w: prices cannot be negative", rxerr.ErrInvalidArgument)
	}
	if l.medicines != nil {
		if _, err := l.medicines.Get(ctx, req.MedicineID); err != nil {
			return nil, err
		}
	}

	now := l.now()
	b := &Batch{
		ID:           "BAT-" + uuid.New().String(),
		MedicineID:   req.MedicineID,
		BatchNumber:  req.BatchNumber,
		LotNumber:    req.LotNumber,
		Supplier:     req.Supplier,
		Received:     req.Quantity,
		OnHand:       req.Quantity,
		ExpiryDate:   req.ExpiryDate.UTC(),
		UnitCost:     req.UnitCost,
		SellingPrice: req.SellingPrice,
		Status:       BatchActive,
		ReceivedAt:   now,
	}
	b.Movements = []Movement{{
		BatchID:   b.ID,
		Type:      MovementReceived,
		Quantity:  req.Quantity,
		At:        now,
		Actor:     req.Actor,
		Reference: req.Reference,
	}}
	if err := l.store.InsertBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}

	l.logger.Info("stock received",
		zap.String("medicine_id", b.MedicineID),
		zap.String("batch_id", b.ID),
		zap.String("batch_number", b.BatchNumber),
		zap.Int("quantity", b.OnHand),
		zap.Time("expiry_date", b.ExpiryDate))
	return b, nil
}

// AvailableQuantity sums Available over Active, unexpired batches.
func (l *Ledger) AvailableQuantity(ctx context.Context, medicineID string) (int, error) {
	batches, err := l.store.ListBatches(ctx, medicineID)
	if err != nil {
		return 0, err
	}
	now := l.now()
	total := 0
	for _, b := range batches {
		if b.Reservable(now) {
			total += b.Available()
		}
	}
	return total, nil
}

// Reserve holds quantity across the medicine's batches, oldest expiry first
// with ties broken by receipt order. It succeeds only when the medicine as a
// whole has enough available stock; otherwise nothing is reserved.
func (l *Ledger) Reserve(ctx context.Context, medicineID string, quantity int) (*Reservation, error) {
	ctx, span := l.tracer.Start(ctx, "ledger_reserve",
		trace.WithAttributes(
			attribute.String("medicine_id", medicineID),
			attribute.Int("quantity", quantity),
		))
	defer span.End()

	if quantity <= 0 {
		return nil, fmt.Errorf("%w: reservation quantity must be positive", rxerr.ErrInvalidArgument)
	}

	var res *Reservation
	err := l.store.Mutate(ctx, medicineID, func(s *Snapshot) (*Change, error) {
		now := l.now()
		candidates := fefo(s.Batches, now)

		total := 0
		for _, b := range candidates {
			total += b.Available()
		}
		if total < quantity {
			return nil, &rxerr.InsufficientStockError{MedicineIDs: []string{medicineID}}
		}

		res = &Reservation{
			ID:         "RSV-" + uuid.New().String(),
			MedicineID: medicineID,
			Quantity:   quantity,
			CreatedAt:  now,
		}
		change := &Change{}
		remaining := quantity
		for _, b := range candidates {
			take := min(b.Available(), remaining)
			if take <= 0 {
				continue
			}
			b.Reserved += take
			res.Allocations = append(res.Allocations, Allocation{BatchID: b.ID, Quantity: take})
			change.touch(b)
			remaining -= take
			if remaining == 0 {
				break
			}
		}
		if err := checkInvariants(change.Batches); err != nil {
			return nil, err
		}
		change.PutReservations = []*Reservation{res}
		return change, nil
	})
	if err != nil {
		l.fail(span, "reserve failed", err, zap.String("medicine_id", medicineID), zap.Int("quantity", quantity))
		return nil, err
	}

	span.SetAttributes(attribute.String("reservation_id", res.ID), attribute.Int("batches", len(res.Allocations)))
	return res.clone(), nil
}

// Consume turns a reservation into an actual draw-down. Each allocated batch
// loses the reserved quantity from both OnHand and Reserved and gains a
// Dispensed movement. A batch that expired or left Active since reservation is
// an internal consistency failure and nothing is applied.
func (l *Ledger) Consume(ctx context.Context, r *Reservation, actor, reference string) ([]BatchConsumption, error) {
	ctx, span := l.tracer.Start(ctx, "ledger_consume",
		trace.WithAttributes(attribute.String("reservation_id", r.ID)))
	defer span.End()

	var out []BatchConsumption
	err := l.store.Mutate(ctx, r.MedicineID, func(s *Snapshot) (*Change, error) {
		stored, ok := s.Reservations[r.ID]
		if !ok {
			return nil, fmt.Errorf("%w: reservation %s", rxerr.ErrNotFound, r.ID)
		}
		now := l.now()
		change := &Change{DeleteReservations: []string{stored.ID}}
		out = out[:0]
		for _, a := range stored.Allocations {
			b := s.batch(a.BatchID)
			if b == nil {
				return nil, rxerr.Internal("reservation %s references missing batch %s", stored.ID, a.BatchID)
			}
			if !b.Reservable(now) {
				return nil, fmt.Errorf("%w: %w: batch %s (%s) is %s, expires %s",
					rxerr.ErrInternalConsistency, rxerr.ErrBatchExpired,
					b.ID, b.BatchNumber, b.Status, b.ExpiryDate.Format(time.DateOnly))
			}
			b.OnHand -= a.Quantity
			b.Reserved -= a.Quantity
			change.record(b, Movement{
				Type:      MovementDispensed,
				Quantity:  -a.Quantity,
				At:        now,
				Actor:     actor,
				Reference: reference,
			})
			out = append(out, BatchConsumption{
				BatchID:     b.ID,
				MedicineID:  b.MedicineID,
				BatchNumber: b.BatchNumber,
				LotNumber:   b.LotNumber,
				ExpiryDate:  b.ExpiryDate,
				Quantity:    a.Quantity,
				UnitCost:    b.UnitCost,
				Cost:        b.UnitCost.Mul(decimal.NewFromInt(int64(a.Quantity))),
			})
		}
		if err := checkInvariants(change.Batches); err != nil {
			return nil, err
		}
		return change, nil
	})
	if err != nil {
		l.fail(span, "consume failed", err, zap.String("reservation_id", r.ID))
		return nil, err
	}
	return out, nil
}

// Release cancels an unconsumed reservation.
func (l *Ledger) Release(ctx context.Context, r *Reservation) error {
	err := l.store.Mutate(ctx, r.MedicineID, func(s *Snapshot) (*Change, error) {
		stored, ok := s.Reservations[r.ID]
		if !ok {
			return nil, fmt.Errorf("%w: reservation %s", rxerr.ErrNotFound, r.ID)
		}
		change := &Change{DeleteReservations: []string{stored.ID}}
		for _, a := range stored.Allocations {
			b := s.batch(a.BatchID)
			if b == nil {
				return nil, rxerr.Internal("reservation %s references missing batch %s", stored.ID, a.BatchID)
			}
			b.Reserved -= a.Quantity
			change.touch(b)
		}
		if err := checkInvariants(change.Batches); err != nil {
			return nil, err
		}
		return change, nil
	})
	if err != nil {
		l.fail(nil, "release failed", err, zap.String("reservation_id", r.ID))
	}
	return err
}

// Return puts consumed stock back on its original batches with a Returned
// movement. It compensates a dispense that could not be recorded.
func (l *Ledger) Return(ctx context.Context, consumed []BatchConsumption, actor, reference string) error {
	byMedicine := make(map[string][]BatchConsumption)
	var order []string
	for _, c := range consumed {
		if _, ok := byMedicine[c.MedicineID]; !ok {
			order = append(order, c.MedicineID)
		}
		byMedicine[c.MedicineID] = append(byMedicine[c.MedicineID], c)
	}

	var errs []error
	for _, medicineID := range order {
		err := l.store.Mutate(ctx, medicineID, func(s *Snapshot) (*Change, error) {
			now := l.now()
			change := &Change{}
			for _, c := range byMedicine[medicineID] {
				b := s.batch(c.BatchID)
				if b == nil {
					return nil, rxerr.Internal("returned stock references missing batch %s", c.BatchID)
				}
				b.OnHand += c.Quantity
				change.record(b, Movement{
					Type:      MovementReturned,
					Quantity:  c.Quantity,
					At:        now,
					Actor:     actor,
					Reference: reference,
				})
			}
			return change, checkInvariants(change.Batches)
		})
		if err != nil {
			l.fail(nil, "return failed", err, zap.String("medicine_id", medicineID), zap.String("reference", reference))
			errs = append(errs, fmt.Errorf("return stock for %s: %w", medicineID, err))
		}
	}
	return errors.Join(errs...)
}

// Adjust sets a batch's on-hand quantity after a stock count. The new
// quantity cannot fall below what is already reserved.
func (l *Ledger) Adjust(ctx context.Context, batchID string, onHand int, reason, actor string) (*Batch, error) {
	if onHand < 0 {
		return nil, fmt.Errorf("%w: on-hand quantity cannot be negative", rxerr.ErrInvalidArgument)
	}
	return l.mutateBatch(ctx, batchID, func(b *Batch, change *Change, now time.Time) error {
		if onHand < b.Reserved {
			return fmt.Errorf("%w: batch %s has %d reserved, cannot adjust to %d", rxerr.ErrInvalidState, b.ID, b.Reserved, onHand)
		}
		delta := onHand - b.OnHand
		if delta == 0 {
			return nil
		}
		b.OnHand = onHand
		change.record(b, Movement{Type: MovementAdjusted, Quantity: delta, At: now, Actor: actor, Notes: reason})
		return nil
	})
}

// MarkStatus moves a batch to a new status. Expired, Damaged and Recalled
// write off the remaining stock. A batch with outstanding reservations cannot
// leave Active.
func (l *Ledger) MarkStatus(ctx context.Context, batchID string, status BatchStatus, actor, notes string) (*Batch, error) {
	if !status.valid() {
		return nil, fmt.Errorf("%w: unknown batch status %q", rxerr.ErrInvalidArgument, status)
	}
	return l.mutateBatch(ctx, batchID, func(b *Batch, change *Change, now time.Time) error {
		if b.Status == status {
			return nil
		}
		switch {
		case b.Status.writesOff():
			return fmt.Errorf("%w: batch %s is %s", rxerr.ErrInvalidTransition, b.ID, b.Status)
		case status == BatchActive && b.Status != BatchQuarantined:
			return fmt.Errorf("%w: batch %s cannot return to Active from %s", rxerr.ErrInvalidTransition, b.ID, b.Status)
		case b.Reserved > 0:
			return fmt.Errorf("%w: batch %s has %d units reserved", rxerr.ErrInvalidState, b.ID, b.Reserved)
		}

		b.Status = status
		change.touch(b)
		if status.writesOff() && b.OnHand > 0 {
			written := b.OnHand
			b.OnHand = 0
			change.record(b, Movement{Type: MovementType(status), Quantity: -written, At: now, Actor: actor, Notes: notes})
		}
		l.logger.Info("batch status changed",
			zap.String("batch_id", b.ID),
			zap.String("status", string(status)),
			zap.String("actor", actor))
		return nil
	})
}

func (l *Ledger) mutateBatch(ctx context.Context, batchID string, fn func(b *Batch, change *Change, now time.Time) error) (*Batch, error) {
	existing, err := l.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	var result *Batch
	err = l.store.Mutate(ctx, existing.MedicineID, func(s *Snapshot) (*Change, error) {
		b := s.batch(batchID)
		if b == nil {
			return nil, fmt.Errorf("%w: batch %s", rxerr.ErrNotFound, batchID)
		}
		change := &Change{}
		if err := fn(b, change, l.now()); err != nil {
			return nil, err
		}
		if err := checkInvariants(change.Batches); err != nil {
			return nil, err
		}
		result = b.clone()
		return change, nil
	})
	if err != nil {
		l.fail(nil, "batch update failed", err, zap.String("batch_id", batchID))
		return nil, err
	}
	return result, nil
}

// Batch returns one batch with its movement history.
func (l *Ledger) Batch(ctx context.Context, id string) (*Batch, error) {
	return l.store.GetBatch(ctx, id)
}

// Batches lists a medicine's batches oldest expiry first.
func (l *Ledger) Batches(ctx context.Context, medicineID string) ([]*Batch, error) {
	batches, err := l.store.ListBatches(ctx, medicineID)
	if err != nil {
		return nil, err
	}
	sortFEFO(batches)
	return batches, nil
}

// ExpiringBatches lists Active batches with stock that expire within the
// window, soonest first. Already expired batches are included.
func (l *Ledger) ExpiringBatches(ctx context.Context, within time.Duration) ([]*Batch, error) {
	batches, err := l.store.ListBatches(ctx, "")
	if err != nil {
		return nil, err
	}
	cutoff := l.now().Add(within)
	var out []*Batch
	for _, b := range batches {
		if b.Status == BatchActive && b.OnHand > 0 && !b.ExpiryDate.After(cutoff) {
			out = append(out, b)
		}
	}
	sortFEFO(out)
	return out, nil
}

// WriteOffExpired marks every Active batch past its expiry date as Expired.
// Batches still holding reservations are skipped and reported in the log.
func (l *Ledger) WriteOffExpired(ctx context.Context, actor string) (int, error) {
	batches, err := l.ExpiringBatches(ctx, 0)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, b := range batches {
		if _, err := l.MarkStatus(ctx, b.ID, BatchExpired, actor, "expired stock write-off"); err != nil {
			if errors.Is(err, rxerr.ErrInvalidState) {
				l.logger.Warn("expired batch still reserved", zap.String("batch_id", b.ID))
				continue
			}
			return count, err
		}
		count++
	}
	return count, nil
}

// StockLevel reports the medicine's reservable stock against its thresholds.
func (l *Ledger) StockLevel(ctx context.Context, medicineID string) (*StockLevel, error) {
	level := &StockLevel{MedicineID: medicineID}
	if l.medicines != nil {
		m, err := l.medicines.Get(ctx, medicineID)
		if err != nil {
			return nil, err
		}
		level.ReorderLevel = m.ReorderLevel
		level.MinimumStock = m.MinimumStock
	}
	batches, err := l.store.ListBatches(ctx, medicineID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	for _, b := range batches {
		if !b.Reservable(now) {
			continue
		}
		level.Batches++
		level.OnHand += b.OnHand
		level.Reserved += b.Reserved
		level.Available += b.Available()
	}
	level.Status = ClassifyStock(level.Available, level.MinimumStock, level.ReorderLevel)
	return level, nil
}

func (l *Ledger) fail(span trace.Span, msg string, err error, fields ...zap.Field) {
	if span != nil {
		span.RecordError(err)
	}
	fields = append(fields, zap.Error(err))
	if rxerr.IsInternal(err) {
		l.logger.Error(msg, fields...)
		return
	}
	l.logger.Debug(msg, fields...)
}

// fefo returns the reservable batches ordered for consumption.
func fefo(batches []*Batch, now time.Time) []*Batch {
	out := make([]*Batch, 0, len(batches))
	for _, b := range batches {
		if b.Reservable(now) && b.Available() > 0 {
			out = append(out, b)
		}
	}
	sortFEFO(out)
	return out
}

func sortFEFO(batches []*Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		if !batches[i].ExpiryDate.Equal(batches[j].ExpiryDate) {
			return batches[i].ExpiryDate.Before(batches[j].ExpiryDate)
		}
		return batches[i].Seq < batches[j].Seq
	})
}

func checkInvariants(batches []*Batch) error {
	for _, b := range batches {
		if b.OnHand < 0 || b.Reserved < 0 || b.Reserved > b.OnHand {
			return rxerr.Internal("batch %s on hand %d reserved %d", b.ID, b.OnHand, b.Reserved)
		}
	}
	return nil
}
