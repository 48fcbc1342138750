// Package export maps prescriptions to FHIR R5 resources: a MedicationRequest
// per line and a MedicationDispense per dispensed line, collected in a Bundle.
package export

import (
	"fmt"
	"strconv"

	"github.com/drfirst/go-rxdispense/internal/domain/prescription"
	"github.com/drfirst/go-rxdispense/internal/fhir/r5"
)

// MedicationRequestStatus maps a prescription status to a FHIR request status.
func MedicationRequestStatus(s prescription.Status) string {
	switch s {
	case prescription.StatusDraft:
		return r5.StatusDraft
	case prescription.StatusActive, prescription.StatusPartiallyFilled:
		return r5.StatusActive
	case prescription.StatusCompleted:
		return r5.StatusCompleted
	case prescription.StatusCancelled:
		return r5.StatusCancelled
	case prescription.StatusExpired:
		return r5.StatusStopped
	}
	return r5.StatusUnknown
}

func requestID(p *prescription.Prescription, lineID string) string {
	return p.ID + "-" + lineID
}

// MedicationRequests returns one request per line.
func MedicationRequests(p *prescription.Prescription) []*r5.MedicationRequest {
	out := make([]*r5.MedicationRequest, 0, len(p.Lines))
	status := MedicationRequestStatus(p.Status)
	lastUpdated := p.UpdatedAt.UTC()

	for i, l := range p.Lines {
		issued, until := p.IssuedAt, p.ValidUntil
		req := &r5.MedicationRequest{
			ResourceType: "MedicationRequest",
			ID:           requestID(p, l.ID),
			Meta:         &r5.Meta{VersionID: strconv.Itoa(p.Version), LastUpdated: &lastUpdated},
			Identifier: []r5.Identifier{{
				Use:    "official",
				System: r5.SystemPrescriptionID,
				Value:  requestID(p, l.ID),
			}},
			Extension:       []r5.Extension{{URL: r5.ExtensionSignature, ValueString: p.Signature}},
			Status:          status,
			Intent:          r5.IntentOrder,
			GroupIdentifier: &r5.Identifier{System: r5.SystemPrescriptionID, Value: p.ID},
			Medication: r5.CodeableReference{Concept: &r5.CodeableConcept{
				Coding: []r5.Coding{{System: r5.SystemMedicineID, Code: l.MedicineID, Display: l.MedicineName}},
				Text:   l.MedicineName,
			}},
			Subject:    r5.Reference{Reference: "Patient/" + p.PatientRef},
			AuthoredOn: issued,
			Requester: &r5.Reference{
				Reference: "Practitioner/" + p.Prescriber.SubjectID,
				Type:      "Practitioner",
			},
			RenderedDosageInstruction: sig(l),
			DosageInstruction: []r5.Dosage{{
				Sequence:           i + 1,
				Text:               sig(l),
				PatientInstruction: l.Instructions,
			}},
			DispenseRequest: &r5.DispenseRequest{
				ValidityPeriod:         &r5.Period{Start: issued, End: until},
				NumberOfRepeatsAllowed: l.RefillsAllowed,
				Quantity:               &r5.Quantity{Value: float64(l.Quantity), Unit: "unit"},
			},
		}
		if l.Frequency != "" {
			req.DosageInstruction[0].Timing = &r5.Timing{Code: &r5.CodeableConcept{Text: l.Frequency}}
		}
		if l.Route != "" {
			req.DosageInstruction[0].Route = &r5.CodeableConcept{Text: l.Route}
		}
		if p.Notes != "" {
			req.Note = []r5.Annotation{{Text: p.Notes}}
		}
		if p.Cancellation != nil {
			req.StatusReason = &r5.CodeableConcept{Text: p.Cancellation.Reason}
		}
		out = append(out, req)
	}
	return out
}

func sig(l prescription.LineItem) string {
	s := l.Dosage
	if l.Frequency != "" {
		s += " " + l.Frequency
	}
	if l.Duration != "" {
		s += " for " + l.Duration
	}
	return s
}

// MedicationDispenses returns one dispense resource per dispensed line, in
// dispense order.
func MedicationDispenses(p *prescription.Prescription) []*r5.MedicationDispense {
	var out []*r5.MedicationDispense
	fills := make(map[string]int, len(p.Lines))

	for _, d := range p.Dispenses {
		at := d.At.UTC()
		for _, dl := range d.Lines {
			fills[dl.LineID]++
			name := dl.MedicineID
			if line, ok := p.Line(dl.LineID); ok {
				name = line.MedicineName
			}

			fillType := "FF"
			if fills[dl.LineID] > 1 {
				fillType = "RF"
			}

			md := &r5.MedicationDispense{
				ResourceType: "MedicationDispense",
				ID:           d.ID + "-" + dl.LineID,
				Identifier:   []r5.Identifier{{System: r5.SystemPrescriptionID, Value: d.ID}},
				Status:       r5.DispenseStatusCompleted,
				Medication: r5.CodeableReference{Concept: &r5.CodeableConcept{
					Coding: []r5.Coding{{System: r5.SystemMedicineID, Code: dl.MedicineID, Display: name}},
					Text:   name,
				}},
				Subject: r5.Reference{Reference: "Patient/" + p.PatientRef},
				Performer: []r5.DispensePerformer{{
					Function: &r5.CodeableConcept{Coding: []r5.Coding{{System: r5.SystemRole, Code: string(d.Pharmacist.Role)}}},
					Actor:    r5.Reference{Reference: "Practitioner/" + d.Pharmacist.SubjectID},
				}},
				AuthorizingPrescription: []r5.Reference{{Reference: "MedicationRequest/" + requestID(p, dl.LineID)}},
				Type: &r5.CodeableConcept{Coding: []r5.Coding{{
					System: "http://terminology.hl7.org/CodeSystem/v3-ActCode",
					Code:   fillType,
				}}},
				Quantity:       &r5.Quantity{Value: float64(dl.Quantity), Unit: "unit"},
				WhenHandedOver: &at,
			}
			for _, draw := range dl.Draws {
				md.Extension = append(md.Extension, r5.Extension{
					URL: r5.SystemBatchNumber,
					ValueIdentifier: &r5.Identifier{
						System: r5.SystemBatchNumber,
						Value:  fmt.Sprintf("%s:%d", draw.BatchNumber, draw.Quantity),
					},
				})
			}
			if d.Notes != "" {
				md.Note = []r5.Annotation{{Text: d.Notes}}
			}
			out = append(out, md)
		}
	}
	return out
}

// Bundle collects every request and dispense of a prescription.
func Bundle(p *prescription.Prescription) (*r5.Bundle, error) {
	b := r5.NewCollection(p.ID, p.UpdatedAt)
	for _, req := range MedicationRequests(p) {
		if err := b.Add("urn:rxdispense:MedicationRequest/"+req.ID, req); err != nil {
			return nil, fmt.Errorf("add MedicationRequest %s: %w", req.ID, err)
		}
	}
	for _, md := range MedicationDispenses(p) {
		if err := b.Add("urn:rxdispense:MedicationDispense/"+md.ID, md); err != nil {
			return nil, fmt.Errorf("add MedicationDispense %s: %w", md.ID, err)
		}
	}
	total := len(b.Entry)
	b.Total = &total
	return b, nil
}
