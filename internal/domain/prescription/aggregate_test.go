package prescription

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxdispense/internal/domain/rxerr"
)

var (
	issuedAt = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	doctor   = Actor{SubjectID: "DOC-1", Role: RoleDoctor}
	pharm    = Actor{SubjectID: "PHA-1", Role: RolePharmacist}
)

func newActiveAggregate(t *testing.T, lines ...LineItem) *Aggregate {
	t.Helper()
	if len(lines) == 0 {
		lines = []LineItem{{MedicineID: "MED-AMOX", Dosage: "500mg", Frequency: "TID", Quantity: 42, RefillsAllowed: 2}}
	}
	agg := NewAggregate("RX20250301-0000000A")
	require.NoError(t, agg.Create(&CreatedData{
		PatientRef: "PAT-1",
		Prescriber: doctor,
		Lines:      lines,
		IssuedAt:   issuedAt,
		ValidUntil: issuedAt.Add(30 * 24 * time.Hour),
		Signature:  "sig",
	}))
	return agg
}

func dispense(lines ...DispensedLine) DispenseEvent {
	return DispenseEvent{ID: "D1", At: issuedAt.Add(time.Hour), Pharmacist: pharm, Lines: lines, TotalCost: decimal.Zero}
}

func TestAggregate_Create(t *testing.T) {
	agg := newActiveAggregate(t)

	p := agg.Snapshot()
	assert.Equal(t, StatusActive, p.Status)
	assert.Equal(t, 1, p.Version)
	require.Len(t, p.Lines, 1)
	assert.Equal(t, "L1", p.Lines[0].ID)
	assert.Equal(t, 2, p.Lines[0].RefillsRemaining)
	assert.Equal(t, LineActive, p.Lines[0].Status)

	require.Len(t, agg.Changes(), 1)
	ev := agg.Changes()[0]
	assert.Equal(t, EventPrescriptionCreated, ev.EventType)
	assert.Equal(t, 1, ev.Version)
	assert.Equal(t, "DOC-1", ev.ActorID)
	assert.Equal(t, "PAT-1", ev.PatientRef)

	err := agg.Create(&CreatedData{Lines: p.Lines, IssuedAt: issuedAt, ValidUntil: issuedAt.Add(time.Hour)})
	assert.ErrorIs(t, err, rxerr.ErrInvalidTransition)
}

func TestAggregate_CreateRejectsClosedWindow(t *testing.T) {
	agg := NewAggregate("RX1")
	err := agg.Create(&CreatedData{
		Lines:      []LineItem{{MedicineID: "MED-AMOX", Quantity: 1}},
		IssuedAt:   issuedAt,
		ValidUntil: issuedAt,
	})
	assert.ErrorIs(t, err, rxerr.ErrInvalidArgument)
	assert.Equal(t, StatusDraft, agg.Status())
}

func TestAggregate_RefillAccounting(t *testing.T) {
	agg := newActiveAggregate(t)

	require.NoError(t, agg.RecordDispense(dispense(DispensedLine{LineID: "L1", MedicineID: "MED-AMOX", Quantity: 21})))
	p := agg.Snapshot()
	assert.Equal(t, StatusPartiallyFilled, p.Status)
	assert.Equal(t, 1, p.Lines[0].RefillsRemaining)
	assert.Equal(t, 21, p.Lines[0].QuantityDispensed)

	require.NoError(t, agg.RecordDispense(dispense(DispensedLine{LineID: "L1", MedicineID: "MED-AMOX", Quantity: 21})))
	p = agg.Snapshot()
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 0, p.Lines[0].RefillsRemaining)
	assert.Equal(t, LineCompleted, p.Lines[0].Status)
	assert.Len(t, p.Dispenses, 2)

	err := agg.RecordDispense(dispense(DispensedLine{LineID: "L1", MedicineID: "MED-AMOX", Quantity: 1}))
	assert.ErrorIs(t, err, rxerr.ErrInvalidTransition)
}

func TestAggregate_ShortFillNeverCompletes(t *testing.T) {
	agg := newActiveAggregate(t, LineItem{MedicineID: "MED-AMOX", Dosage: "500mg", Quantity: 10})

	require.NoError(t, agg.RecordDispense(dispense(DispensedLine{LineID: "L1", MedicineID: "MED-AMOX", Quantity: 6})))
	p := agg.Snapshot()
	assert.Equal(t, StatusPartiallyFilled, p.Status, "out of fills but not fully supplied")
	assert.False(t, p.Lines[0].Dispensable())
	assert.Equal(t, 4, p.Lines[0].Outstanding())
}

func TestAggregate_QuantityIsLineTotal(t *testing.T) {
	agg := newActiveAggregate(t, LineItem{MedicineID: "MED-AMOX", Dosage: "500mg", Quantity: 30, RefillsAllowed: 1})
	require.Equal(t, 1, agg.Snapshot().Lines[0].RefillsRemaining)

	require.NoError(t, agg.RecordDispense(dispense(DispensedLine{LineID: "L1", MedicineID: "MED-AMOX", Quantity: 30})))
	p := agg.Snapshot()
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 0, p.Lines[0].RefillsRemaining)
	assert.Equal(t, 30, p.Lines[0].QuantityDispensed)
	assert.Equal(t, 30, p.Payload().Medicines[0].Quantity)
}

func TestAggregate_ZeroRefillLineGetsOneFill(t *testing.T) {
	agg := newActiveAggregate(t, LineItem{MedicineID: "MED-AMOX", Dosage: "500mg", Quantity: 21})
	p := agg.Snapshot()
	assert.Equal(t, 1, p.Lines[0].RefillsRemaining)
	assert.True(t, p.Lines[0].Dispensable())

	require.NoError(t, agg.RecordDispense(dispense(DispensedLine{LineID: "L1", MedicineID: "MED-AMOX", Quantity: 21})))
	assert.Equal(t, StatusCompleted, agg.Status())
}

func TestAggregate_FullSupplyClosesLineEarly(t *testing.T) {
	agg := newActiveAggregate(t, LineItem{MedicineID: "MED-AMOX", Dosage: "500mg", Quantity: 42, RefillsAllowed: 3})

	require.NoError(t, agg.RecordDispense(dispense(DispensedLine{LineID: "L1", MedicineID: "MED-AMOX", Quantity: 42})))
	p := agg.Snapshot()
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, LineCompleted, p.Lines[0].Status)
	assert.Equal(t, 0, p.Lines[0].RefillsRemaining)
}

func TestAggregate_DispenseCappedByOutstanding(t *testing.T) {
	agg := newActiveAggregate(t)
	require.NoError(t, agg.RecordDispense(dispense(DispensedLine{LineID: "L1", MedicineID: "MED-AMOX", Quantity: 30})))

	err := agg.RecordDispense(dispense(DispensedLine{LineID: "L1", MedicineID: "MED-AMOX", Quantity: 13}))
	assert.ErrorIs(t, err, rxerr.ErrInvalidArgument)
	require.NoError(t, agg.RecordDispense(dispense(DispensedLine{LineID: "L1", MedicineID: "MED-AMOX", Quantity: 12})))
	assert.Equal(t, StatusCompleted, agg.Status())
}

func TestAggregate_MultiLineStaysPartialUntilEveryLineDone(t *testing.T) {
	agg := newActiveAggregate(t,
		LineItem{MedicineID: "MED-AMOX", Dosage: "500mg", Quantity: 10},
		LineItem{MedicineID: "MED-IBU", Dosage: "200mg", Quantity: 20},
	)

	require.NoError(t, agg.RecordDispense(dispense(DispensedLine{LineID: "L1", MedicineID: "MED-AMOX", Quantity: 10})))
	assert.Equal(t, StatusPartiallyFilled, agg.Status())

	require.NoError(t, agg.RecordDispense(dispense(DispensedLine{LineID: "L2", MedicineID: "MED-IBU", Quantity: 20})))
	assert.Equal(t, StatusCompleted, agg.Status())
}

func TestAggregate_RecordDispenseValidation(t *testing.T) {
	tests := []struct {
		name  string
		lines []DispensedLine
		want  error
	}{
		{"no lines", nil, rxerr.ErrInvalidArgument},
		{"unknown line", []DispensedLine{{LineID: "L9", MedicineID: "MED-AMOX", Quantity: 1}}, rxerr.ErrInvalidState},
		{"wrong medicine", []DispensedLine{{LineID: "L1", MedicineID: "MED-IBU", Quantity: 1}}, rxerr.ErrInvalidArgument},
		{"zero quantity", []DispensedLine{{LineID: "L1", MedicineID: "MED-AMOX", Quantity: 0}}, rxerr.ErrInvalidArgument},
		{"above outstanding", []DispensedLine{{LineID: "L1", MedicineID: "MED-AMOX", Quantity: 43}}, rxerr.ErrInvalidArgument},
		{"duplicate line", []DispensedLine{
			{LineID: "L1", MedicineID: "MED-AMOX", Quantity: 1},
			{LineID: "L1", MedicineID: "MED-AMOX", Quantity: 1},
		}, rxerr.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := newActiveAggregate(t)
			err := agg.RecordDispense(dispense(tt.lines...))
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, StatusActive, agg.Status())
			assert.Len(t, agg.Changes(), 1)
		})
	}
}

func TestAggregate_Cancel(t *testing.T) {
	t.Run("prescriber with default reason", func(t *testing.T) {
		agg := newActiveAggregate(t)
		require.NoError(t, agg.Cancel("", doctor, issuedAt.Add(time.Hour)))
		p := agg.Snapshot()
		assert.Equal(t, StatusCancelled, p.Status)
		require.NotNil(t, p.Cancellation)
		assert.Equal(t, DefaultCancelReason, p.Cancellation.Reason)
		assert.Equal(t, doctor, p.Cancellation.By)
	})

	t.Run("other doctor forbidden", func(t *testing.T) {
		agg := newActiveAggregate(t)
		err := agg.Cancel("x", Actor{SubjectID: "DOC-2", Role: RoleDoctor}, issuedAt)
		assert.ErrorIs(t, err, rxerr.ErrForbidden)
	})

	t.Run("admin allowed", func(t *testing.T) {
		agg := newActiveAggregate(t)
		assert.NoError(t, agg.Cancel("duplicate", Actor{SubjectID: "ADM-1", Role: RoleAdmin}, issuedAt))
	})

	t.Run("terminal state", func(t *testing.T) {
		agg := newActiveAggregate(t)
		require.NoError(t, agg.Cancel("", doctor, issuedAt))
		assert.ErrorIs(t, agg.Cancel("", doctor, issuedAt), rxerr.ErrInvalidTransition)
		assert.ErrorIs(t, agg.RecordDispense(dispense(DispensedLine{LineID: "L1", MedicineID: "MED-AMOX", Quantity: 1})),
			rxerr.ErrInvalidTransition)
	})
}

func TestAggregate_Expire(t *testing.T) {
	agg := newActiveAggregate(t)
	assert.ErrorIs(t, agg.Expire(issuedAt.Add(time.Hour)), rxerr.ErrInvalidState)

	until := issuedAt.Add(30 * 24 * time.Hour)
	require.NoError(t, agg.Expire(until))
	p := agg.Snapshot()
	assert.Equal(t, StatusExpired, p.Status)
	require.NotNil(t, p.ExpiredAt)
	assert.ErrorIs(t, agg.Expire(until), rxerr.ErrInvalidTransition)
}

func TestAggregate_LoadFromHistory(t *testing.T) {
	agg := newActiveAggregate(t)
	require.NoError(t, agg.RecordDispense(dispense(DispensedLine{
		LineID: "L1", MedicineID: "MED-AMOX", Quantity: 21,
		Draws: []BatchDraw{{BatchID: "BAT-1", BatchNumber: "A", Quantity: 21, Cost: decimal.RequireFromString("9.45")}},
	})))

	replayed := NewAggregate(agg.ID())
	require.NoError(t, replayed.LoadFromHistory(agg.Changes()))

	want, got := agg.Snapshot(), replayed.Snapshot()
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.Lines, got.Lines)
	require.Len(t, got.Dispenses, 1)
	assert.True(t, got.Dispenses[0].Lines[0].Draws[0].Cost.Equal(decimal.RequireFromString("9.45")))
	assert.Empty(t, replayed.Changes())
}

func TestAggregate_LoadFromHistoryRejectsUnknownEvent(t *testing.T) {
	agg := NewAggregate("RX1")
	err := agg.LoadFromHistory([]*Event{{AggregateID: "RX1", EventType: "PrescriptionRouted", EventData: []byte(`{}`)}})
	assert.True(t, rxerr.IsInternal(err))
}

func TestSnapshotIsDetached(t *testing.T) {
	agg := newActiveAggregate(t)
	p := agg.Snapshot()
	p.Lines[0].RefillsRemaining = 99
	assert.Equal(t, 2, agg.Snapshot().Lines[0].RefillsRemaining)
}
