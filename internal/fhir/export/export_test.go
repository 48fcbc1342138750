package export

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxdispense/internal/domain/prescription"
	"github.com/drfirst/go-rxdispense/internal/fhir/r5"
)

func samplePrescription() *prescription.Prescription {
	issued := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return &prescription.Prescription{
		ID:         "RX20250301-0A1B2C3D",
		Version:    3,
		Status:     prescription.StatusPartiallyFilled,
		PatientRef: "PAT-1",
		Prescriber: prescription.Actor{SubjectID: "DOC-1", Role: prescription.RoleDoctor},
		Lines: []prescription.LineItem{
			{ID: "L1", MedicineID: "MED-AMOX", MedicineName: "Amoxil", Dosage: "500mg", Frequency: "TID", Duration: "7 days",
				Route: "oral", Quantity: 42, RefillsAllowed: 2, RefillsRemaining: 0, QuantityDispensed: 42},
			{ID: "L2", MedicineID: "MED-IBU", MedicineName: "Advil", Dosage: "200mg", Quantity: 20, RefillsRemaining: 1},
		},
		IssuedAt:   issued,
		ValidUntil: issued.Add(30 * 24 * time.Hour),
		Signature:  "abc123",
		Dispenses: []prescription.DispenseEvent{
			{ID: "DSP-1", At: issued.Add(time.Hour), Pharmacist: prescription.Actor{SubjectID: "PHA-1", Role: prescription.RolePharmacist},
				Lines: []prescription.DispensedLine{{LineID: "L1", MedicineID: "MED-AMOX", Quantity: 21,
					Draws: []prescription.BatchDraw{{BatchNumber: "A", Quantity: 5}, {BatchNumber: "B", Quantity: 16}}}},
				TotalCost: decimal.RequireFromString("10.50")},
			{ID: "DSP-2", At: issued.Add(48 * time.Hour), Pharmacist: prescription.Actor{SubjectID: "PHA-1", Role: prescription.RolePharmacist},
				Lines: []prescription.DispensedLine{{LineID: "L1", MedicineID: "MED-AMOX", Quantity: 21}}},
		},
		UpdatedAt: issued.Add(48 * time.Hour),
	}
}

func TestMedicationRequests(t *testing.T) {
	reqs := MedicationRequests(samplePrescription())
	require.Len(t, reqs, 2)

	r := reqs[0]
	assert.Equal(t, "MedicationRequest", r.ResourceType)
	assert.Equal(t, "RX20250301-0A1B2C3D-L1", r.ID)
	assert.Equal(t, r5.StatusActive, r.Status)
	assert.Equal(t, r5.IntentOrder, r.Intent)
	assert.Equal(t, "PAT-1", r.GetPatientID())
	assert.Equal(t, "MED-AMOX", r.GetMedicineID())
	assert.Equal(t, "Amoxil", r.GetMedicationDisplay())
	assert.Equal(t, "500mg TID for 7 days", r.GetSigText())
	assert.Equal(t, 2, r.GetRefillsAllowed())
	qty, _ := r.GetQuantity()
	assert.Equal(t, 42.0, qty, "line total")
	assert.Equal(t, "RX20250301-0A1B2C3D", r.GroupIdentifier.Value)
	assert.Equal(t, "abc123", r.Extension[0].ValueString)
	assert.Equal(t, "oral", r.DosageInstruction[0].Route.Text)
	assert.Nil(t, reqs[1].DosageInstruction[0].Timing)
}

func TestMedicationRequestStatus(t *testing.T) {
	tests := map[prescription.Status]string{
		prescription.StatusDraft:           r5.StatusDraft,
		prescription.StatusActive:          r5.StatusActive,
		prescription.StatusPartiallyFilled: r5.StatusActive,
		prescription.StatusCompleted:       r5.StatusCompleted,
		prescription.StatusCancelled:       r5.StatusCancelled,
		prescription.StatusExpired:         r5.StatusStopped,
		"bogus":                            r5.StatusUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, MedicationRequestStatus(in), in)
	}
}

func TestMedicationDispenses(t *testing.T) {
	ds := MedicationDispenses(samplePrescription())
	require.Len(t, ds, 2)

	first := ds[0]
	assert.Equal(t, "DSP-1-L1", first.ID)
	assert.Equal(t, "MedicationRequest/RX20250301-0A1B2C3D-L1", first.GetPrescriptionReference())
	assert.Equal(t, "FF", first.Type.Coding[0].Code)
	assert.Equal(t, "RF", ds[1].Type.Coding[0].Code)
	assert.Equal(t, 21.0, first.Quantity.Value)
	require.Len(t, first.Extension, 2)
	assert.Equal(t, "A:5", first.Extension[0].ValueIdentifier.Value)
	assert.Equal(t, "Practitioner/PHA-1", first.Performer[0].Actor.Reference)
}

func TestBundle(t *testing.T) {
	b, err := Bundle(samplePrescription())
	require.NoError(t, err)
	assert.Equal(t, "collection", b.Type)
	require.NotNil(t, b.Total)
	assert.Equal(t, 4, *b.Total)
	assert.Equal(t, []string{"MedicationRequest", "MedicationRequest", "MedicationDispense", "MedicationDispense"}, b.ResourceTypes())

	data, err := json.Marshal(b)
	require.NoError(t, err)
	var decoded r5.Bundle
	require.NoError(t, json.Unmarshal(data, &decoded))

	var req r5.MedicationRequest
	require.NoError(t, req.FromJSON(decoded.Entry[0].Resource))
	assert.Equal(t, "MED-AMOX", req.GetMedicineID())
}

func TestCancelledPrescriptionCarriesReason(t *testing.T) {
	p := samplePrescription()
	p.Status = prescription.StatusCancelled
	p.Cancellation = &prescription.Cancellation{Reason: "wrong dose"}
	reqs := MedicationRequests(p)
	assert.Equal(t, r5.StatusCancelled, reqs[0].Status)
	assert.Equal(t, "wrong dose", reqs[0].StatusReason.Text)
}
