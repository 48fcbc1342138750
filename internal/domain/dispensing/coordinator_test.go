package dispensing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxdispense/internal/domain/catalog"
	"github.com/drfirst/go-rxdispense/internal/domain/inventory"
	"github.com/drfirst/go-rxdispense/internal/domain/prescription"
	"github.com/drfirst/go-rxdispense/internal/domain/rxerr"
	"github.com/drfirst/go-rxdispense/internal/notify"
	"github.com/drfirst/go-rxdispense/internal/observability/metrics"
	"github.com/drfirst/go-rxdispense/internal/patient"
)

var (
	doctor     = prescription.Actor{SubjectID: "DOC-1", Role: prescription.RoleDoctor}
	pharmacist = prescription.Actor{SubjectID: "PHA-1", Role: prescription.RolePharmacist}
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) ofType(t string) []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Event
	for _, e := range n.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	coordinator *Coordinator
	engine      *prescription.Engine
	ledger      *inventory.Ledger
	catalog     *catalog.Service
	notifier    *recordingNotifier
	metrics     *metrics.Metrics
	now         time.Time
}

func newFixture(t *testing.T, wrap func(Prescriptions) Prescriptions) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		notifier: &recordingNotifier{},
		metrics:  metrics.New(prometheus.NewRegistry()),
		now:      time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	f.catalog = catalog.NewService(catalog.NewMemoryRepository(), catalog.DefaultServiceConfig(), nil)
	for _, m := range []*catalog.Medicine{
		{ID: "MED-AMOX", Name: "Amoxil", GenericName: "Amoxicillin", ReorderLevel: 10},
		{ID: "MED-IBU", Name: "Advil", GenericName: "Ibuprofen", ReorderLevel: 5},
	} {
		_, err := f.catalog.Register(ctx, m)
		require.NoError(t, err)
	}

	signer, err := prescription.NewSigner("test-secret")
	require.NoError(t, err)
	engineCfg := prescription.DefaultEngineConfig()
	engineCfg.Now = clock
	f.engine, err = prescription.NewEngine(prescription.Dependencies{
		Store:    prescription.NewMemoryStore(),
		Catalog:  f.catalog,
		Patients: patient.NewStaticDirectory(patient.Record{PatientID: "PAT-1"}),
		Signer:   signer,
		Notifier: f.notifier,
	}, engineCfg, nil)
	require.NoError(t, err)

	f.ledger = inventory.NewLedger(inventory.NewMemoryStore(), f.catalog, inventory.LedgerConfig{Now: clock}, nil)

	var rx Prescriptions = f.engine
	if wrap != nil {
		rx = wrap(rx)
	}
	f.coordinator, err = NewCoordinator(Dependencies{
		Prescriptions: rx,
		Stock:         f.ledger,
		Medicines:     f.catalog,
		Notifier:      f.notifier,
		Metrics:       f.metrics,
	}, Config{Now: clock}, nil)
	require.NoError(t, err)
	return f
}

func (f *fixture) receive(t *testing.T, medicineID, number string, qty int, expiresIn time.Duration) *inventory.Batch {
	t.Helper()
	b, err := f.ledger.Receive(context.Background(), inventory.ReceiveRequest{
		MedicineID:  medicineID,
		BatchNumber: number,
		Quantity:    qty,
		ExpiryDate:  f.now.Add(expiresIn),
		UnitCost:    decimal.RequireFromString("0.50"),
		Actor:       "stock-clerk",
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) prescribe(t *testing.T, lines ...prescription.LineRequest) *prescription.CreateResult {
	t.Helper()
	res, err := f.engine.Create(context.Background(), prescription.CreateRequest{
		PatientRef: "PAT-1",
		Prescriber: doctor,
		Lines:      lines,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) available(t *testing.T, medicineID string) int {
	t.Helper()
	n, err := f.ledger.AvailableQuantity(context.Background(), medicineID)
	require.NoError(t, err)
	return n
}

const day = 24 * time.Hour

func TestDispense_FullFill(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.receive(t, "MED-AMOX", "A", 5, 10*day)
	f.receive(t, "MED-AMOX", "B", 30, 60*day)
	f.receive(t, "MED-IBU", "I", 40, 90*day)

	rx := f.prescribe(t,
		prescription.LineRequest{MedicineID: "MED-AMOX", Dosage: "500mg", Quantity: 21},
		prescription.LineRequest{MedicineID: "MED-IBU", Dosage: "200mg", Quantity: 20},
	)

	d, err := f.coordinator.Dispense(ctx, Request{
		PrescriptionID: rx.Prescription.ID,
		Credential:     rx.Credential,
		Pharmacist:     pharmacist,
	})
	require.NoError(t, err)
	require.Len(t, d.Lines, 2)

	amox := d.Lines[0]
	assert.Equal(t, 21, amox.Quantity)
	require.Len(t, amox.Draws, 2)
	assert.Equal(t, a.ID, amox.Draws[0].BatchID, "earliest expiry drawn first")
	assert.Equal(t, 5, amox.Draws[0].Quantity)
	assert.Equal(t, 16, amox.Draws[1].Quantity)
	assert.True(t, d.TotalCost.Equal(decimal.RequireFromString("20.50")), d.TotalCost.String())

	p, err := f.engine.Get(ctx, rx.Prescription.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusCompleted, p.Status)
	assert.Equal(t, 14, f.available(t, "MED-AMOX"))
	assert.Equal(t, 20, f.available(t, "MED-IBU"))

	assert.Len(t, f.notifier.ofType(notify.TypePrescriptionDispensed), 1)
	assert.Empty(t, f.notifier.ofType(notify.TypeLowStock))
	assert.Equal(t, 1, testutil.CollectAndCount(f.metrics.DispenseDuration))
}

func TestDispense_SelectedLineAndPartialQuantity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.receive(t, "MED-AMOX", "A", 100, 30*day)
	f.receive(t, "MED-IBU", "I", 100, 30*day)
	rx := f.prescribe(t,
		prescription.LineRequest{MedicineID: "MED-AMOX", Dosage: "500mg", Quantity: 42, Refills: 2},
		prescription.LineRequest{MedicineID: "MED-IBU", Dosage: "200mg", Quantity: 20},
	)

	d, err := f.coordinator.Dispense(ctx, Request{
		PrescriptionID: rx.Prescription.ID,
		Credential:     rx.Credential,
		Lines:          []LineRequest{{LineID: "L1", Quantity: 7}},
		Pharmacist:     pharmacist,
	})
	require.NoError(t, err)
	require.Len(t, d.Lines, 1)
	assert.Equal(t, 7, d.Lines[0].Quantity)

	p, err := f.engine.Get(ctx, rx.Prescription.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusPartiallyFilled, p.Status)
	assert.Equal(t, 1, p.Lines[0].RefillsRemaining)
	assert.Equal(t, 35, p.Lines[0].Outstanding())
	assert.Equal(t, 1, p.Lines[1].RefillsRemaining)
	assert.Equal(t, 93, f.available(t, "MED-AMOX"))
}

func TestDispense_DefaultQuantityIsOutstanding(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.receive(t, "MED-IBU", "I", 100, 30*day)
	rx := f.prescribe(t, prescription.LineRequest{MedicineID: "MED-IBU", Dosage: "200mg", Quantity: 30, Refills: 2})

	_, err := f.coordinator.Dispense(ctx, Request{
		PrescriptionID: rx.Prescription.ID,
		Credential:     rx.Credential,
		Lines:          []LineRequest{{LineID: "L1", Quantity: 10}},
		Pharmacist:     pharmacist,
	})
	require.NoError(t, err)

	_, err = f.coordinator.Dispense(ctx, Request{
		PrescriptionID: rx.Prescription.ID,
		Credential:     rx.Credential,
		Lines:          []LineRequest{{LineID: "L1", Quantity: 21}},
		Pharmacist:     pharmacist,
	})
	assert.ErrorIs(t, err, rxerr.ErrInvalidArgument, "only 20 left to supply")

	d, err := f.coordinator.Dispense(ctx, Request{PrescriptionID: rx.Prescription.ID, Credential: rx.Credential, Pharmacist: pharmacist})
	require.NoError(t, err)
	assert.Equal(t, 20, d.Lines[0].Quantity)

	p, err := f.engine.Get(ctx, rx.Prescription.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusCompleted, p.Status)
	assert.Equal(t, 70, f.available(t, "MED-IBU"))
}

func TestDispense_InsufficientStockLeavesNoTrace(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.receive(t, "MED-AMOX", "A", 50, 30*day)
	f.receive(t, "MED-IBU", "I", 3, 30*day)
	rx := f.prescribe(t,
		prescription.LineRequest{MedicineID: "MED-AMOX", Dosage: "500mg", Quantity: 21},
		prescription.LineRequest{MedicineID: "MED-IBU", Dosage: "200mg", Quantity: 20},
	)

	_, err := f.coordinator.Dispense(ctx, Request{
		PrescriptionID: rx.Prescription.ID,
		Credential:     rx.Credential,
		Pharmacist:     pharmacist,
	})
	require.ErrorIs(t, err, rxerr.ErrInsufficientStock)
	var short *rxerr.InsufficientStockError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, []string{"MED-IBU"}, short.MedicineIDs)

	assert.Equal(t, 50, f.available(t, "MED-AMOX"), "reservation for the first line released")
	assert.Equal(t, 3, f.available(t, "MED-IBU"))

	p, err := f.engine.Get(ctx, rx.Prescription.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusActive, p.Status)
	assert.Empty(t, p.Dispenses)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReservationFailures.WithLabelValues("MED-IBU")))
}

func TestDispense_ReportsEveryShortMedicine(t *testing.T) {
	f := newFixture(t, nil)
	rx := f.prescribe(t,
		prescription.LineRequest{MedicineID: "MED-AMOX", Dosage: "500mg", Quantity: 21},
		prescription.LineRequest{MedicineID: "MED-IBU", Dosage: "200mg", Quantity: 20},
	)

	_, err := f.coordinator.Dispense(context.Background(), Request{
		PrescriptionID: rx.Prescription.ID,
		Credential:     rx.Credential,
		Pharmacist:     pharmacist,
	})
	var short *rxerr.InsufficientStockError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, []string{"MED-AMOX", "MED-IBU"}, short.MedicineIDs)
}

func TestDispense_VerificationFailures(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.receive(t, "MED-IBU", "I", 100, 300*day)
	rx := f.prescribe(t, prescription.LineRequest{MedicineID: "MED-IBU", Dosage: "200mg", Quantity: 20})
	other := f.prescribe(t, prescription.LineRequest{MedicineID: "MED-IBU", Dosage: "400mg", Quantity: 10})

	t.Run("tampered", func(t *testing.T) {
		c := rx.Credential
		c.Medicines = []prescription.PayloadMedicine{{ID: "MED-IBU", Dosage: "200mg", Quantity: 90}}
		_, err := f.coordinator.Dispense(ctx, Request{PrescriptionID: rx.Prescription.ID, Credential: c, Pharmacist: pharmacist})
		assert.ErrorIs(t, err, rxerr.ErrVerificationFailed)
	})

	t.Run("credential for another prescription", func(t *testing.T) {
		_, err := f.coordinator.Dispense(ctx, Request{PrescriptionID: rx.Prescription.ID, Credential: other.Credential, Pharmacist: pharmacist})
		assert.ErrorIs(t, err, rxerr.ErrVerificationFailed)
	})

	t.Run("expired", func(t *testing.T) {
		saved := f.now
		f.now = rx.Prescription.ValidUntil.Add(time.Minute)
		defer func() { f.now = saved }()
		_, err := f.coordinator.Dispense(ctx, Request{PrescriptionID: rx.Prescription.ID, Credential: rx.Credential, Pharmacist: pharmacist})
		assert.ErrorIs(t, err, rxerr.ErrVerificationFailed)
	})

	t.Run("cancelled", func(t *testing.T) {
		_, err := f.engine.Cancel(ctx, other.Prescription.ID, "", doctor)
		require.NoError(t, err)
		_, err = f.coordinator.Dispense(ctx, Request{PrescriptionID: other.Prescription.ID, Credential: other.Credential, Pharmacist: pharmacist})
		assert.ErrorIs(t, err, rxerr.ErrVerificationFailed)
	})

	t.Run("unknown prescription", func(t *testing.T) {
		_, err := f.coordinator.Dispense(ctx, Request{PrescriptionID: "RX-missing", Credential: rx.Credential, Pharmacist: pharmacist})
		assert.ErrorIs(t, err, rxerr.ErrNotFound)
	})

	assert.Equal(t, 100, f.available(t, "MED-IBU"))
}

func TestDispense_LineValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.receive(t, "MED-IBU", "I", 100, 300*day)
	rx := f.prescribe(t, prescription.LineRequest{MedicineID: "MED-IBU", Dosage: "200mg", Quantity: 20})

	tests := []struct {
		name  string
		lines []LineRequest
		want  error
	}{
		{"unknown line", []LineRequest{{LineID: "L7"}}, rxerr.ErrInvalidState},
		{"above outstanding", []LineRequest{{LineID: "L1", Quantity: 21}}, rxerr.ErrInvalidArgument},
		{"negative", []LineRequest{{LineID: "L1", Quantity: -1}}, rxerr.ErrInvalidArgument},
		{"duplicate", []LineRequest{{LineID: "L1", Quantity: 1}, {LineID: "L1", Quantity: 1}}, rxerr.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coordinator.Dispense(ctx, Request{
				PrescriptionID: rx.Prescription.ID,
				Credential:     rx.Credential,
				Lines:          tt.lines,
				Pharmacist:     pharmacist,
			})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := f.coordinator.Dispense(ctx, Request{PrescriptionID: rx.Prescription.ID, Credential: rx.Credential})
	assert.ErrorIs(t, err, rxerr.ErrInvalidArgument, "pharmacist required")
	assert.Equal(t, 100, f.available(t, "MED-IBU"))
}

func TestDispense_NoFillsRemaining(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.receive(t, "MED-IBU", "I", 100, 300*day)
	rx := f.prescribe(t, prescription.LineRequest{MedicineID: "MED-IBU", Dosage: "200mg", Quantity: 20})
	req := Request{PrescriptionID: rx.Prescription.ID, Credential: rx.Credential, Pharmacist: pharmacist}

	_, err := f.coordinator.Dispense(ctx, req)
	require.NoError(t, err)
	_, err = f.coordinator.Dispense(ctx, req)
	assert.ErrorIs(t, err, rxerr.ErrVerificationFailed, "completed prescriptions are not dispensable")
	assert.Equal(t, 80, f.available(t, "MED-IBU"))
}

type failingRecorder struct {
	Prescriptions
	calls atomic.Int32
}

func (r *failingRecorder) RecordDispense(context.Context, string, prescription.DispenseEvent) (*prescription.Prescription, error) {
	r.calls.Add(1)
	return nil, rxerr.ErrConcurrentModification
}

func TestDispense_PersistFailureReturnsStock(t *testing.T) {
	var recorder *failingRecorder
	f := newFixture(t, func(p Prescriptions) Prescriptions {
		recorder = &failingRecorder{Prescriptions: p}
		return recorder
	})
	ctx := context.Background()
	a := f.receive(t, "MED-AMOX", "A", 30, 30*day)
	rx := f.prescribe(t, prescription.LineRequest{MedicineID: "MED-AMOX", Dosage: "500mg", Quantity: 21})

	_, err := f.coordinator.Dispense(ctx, Request{PrescriptionID: rx.Prescription.ID, Credential: rx.Credential, Pharmacist: pharmacist})
	require.ErrorIs(t, err, rxerr.ErrConcurrentModification)
	assert.EqualValues(t, 1, recorder.calls.Load())

	b, err := f.ledger.Batch(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, b.OnHand, "consumed stock returned")
	assert.Zero(t, b.Reserved)
	assert.Empty(t, f.notifier.ofType(notify.TypePrescriptionDispensed))
}

func TestDispense_LowStockNotification(t *testing.T) {
	f := newFixture(t, nil)
	f.receive(t, "MED-AMOX", "A", 30, 30*day)
	rx := f.prescribe(t, prescription.LineRequest{MedicineID: "MED-AMOX", Dosage: "500mg", Quantity: 21})

	_, err := f.coordinator.Dispense(context.Background(), Request{PrescriptionID: rx.Prescription.ID, Credential: rx.Credential, Pharmacist: pharmacist})
	require.NoError(t, err)

	low := f.notifier.ofType(notify.TypeLowStock)
	require.Len(t, low, 1)
	assert.Equal(t, "MED-AMOX", low[0].Key)
	assert.Equal(t, 9, low[0].Data["available"])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LowStockEvents.WithLabelValues("MED-AMOX")))
}

func TestDispense_ConcurrentDispensesSerialize(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.receive(t, "MED-IBU", "I", 500, 300*day)
	rx := f.prescribe(t, prescription.LineRequest{MedicineID: "MED-IBU", Dosage: "200mg", Quantity: 30, Refills: 3})

	var wg sync.WaitGroup
	var ok, rejected atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coordinator.Dispense(ctx, Request{
				PrescriptionID: rx.Prescription.ID,
				Credential:     rx.Credential,
				Lines:          []LineRequest{{LineID: "L1", Quantity: 10}},
				Pharmacist:     pharmacist,
			})
			if err == nil {
				ok.Add(1)
			} else {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 3, ok.Load(), "three authorized fills")
	assert.EqualValues(t, 5, rejected.Load())
	assert.Equal(t, 470, f.available(t, "MED-IBU"))
}
