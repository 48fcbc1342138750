package r5

import "time"

// MedicationDispense represents a FHIR R5 MedicationDispense resource. One
// is exported per dispensed line.
type MedicationDispense struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	Identifier []Identifier `json:"identifier,omitempty"`

	Status string `json:"status"` // preparation | in-progress | cancelled | on-hold | completed | entered-in-error | stopped | declined | unknown

	Medication CodeableReference `json:"medication"`

	Subject Reference `json:"subject"`

	Performer []DispensePerformer `json:"performer,omitempty"`

	// The MedicationRequest this dispense fills
	AuthorizingPrescription []Reference `json:"authorizingPrescription,omitempty"`

	// Prescription fill or refill
	Type *CodeableConcept `json:"type,omitempty"`

	Quantity *Quantity `json:"quantity,omitempty"`

	WhenHandedOver *time.Time `json:"whenHandedOver,omitempty"`

	Note []Annotation `json:"note,omitempty"`

	// Batch attribution, one extension per batch drawn
	Extension []Extension `json:"extension,omitempty"`
}

// DispensePerformer is who performed the dispense.
type DispensePerformer struct {
	Function *CodeableConcept `json:"function,omitempty"`
	Actor    Reference        `json:"actor"`
}

// GetPrescriptionReference returns the first authorizing prescription reference.
func (d *MedicationDispense) GetPrescriptionReference() string {
	if len(d.AuthorizingPrescription) == 0 {
		return ""
	}
	return d.AuthorizingPrescription[0].Reference
}
