// Package catalog holds medicine reference data and the safety lookups used
// when a prescription is written.
package catalog

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/drfirst/go-rxdispense/internal/domain/rxerr"
)

// Severity grades a drug-drug interaction
type Severity string

const (
	SeverityMinor           Severity = "Minor"
	SeverityModerate        Severity = "Moderate"
	SeverityMajor           Severity = "Major"
	SeverityContraindicated Severity = "Contraindicated"
)

func (s Severity) rank() int {
	switch s {
	case SeverityMinor:
		return 1
	case SeverityModerate:
		return 2
	case SeverityMajor:
		return 3
	case SeverityContraindicated:
		return 4
	}
	return 0
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.rank() > 0 }

// Blocks reports whether an interaction of this severity must stop a prescription.
func (s Severity) Blocks() bool { return s.rank() >= SeverityMajor.rank() }

// ContraindicationSeverity grades a condition-level contraindication
type ContraindicationSeverity string

const (
	ContraindicationAbsolute ContraindicationSeverity = "Absolute"
	ContraindicationRelative ContraindicationSeverity = "Relative"
)

// Interaction references another medicine this one interacts with.
type Interaction struct {
	MedicineID  string   `json:"medicine_id"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description,omitempty"`
	Management  string   `json:"management,omitempty"`
}

// Contraindication is a patient condition under which the medicine should not be used.
type Contraindication struct {
	Condition   string                   `json:"condition"`
	Severity    ContraindicationSeverity `json:"severity,omitempty"`
	Description string                   `json:"description,omitempty"`
}

// Medicine is a catalog entry.
type Medicine struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	GenericName       string             `json:"generic_name"`
	BrandName         string             `json:"brand_name,omitempty"`
	Strength          string             `json:"strength"`
	DosageForm        string             `json:"dosage_form"`
	DrugClass         string             `json:"drug_class,omitempty"`
	ActiveIngredients []string           `json:"active_ingredients"`
	AllergyClasses    []string           `json:"allergy_classes,omitempty"`
	Interactions      []Interaction      `json:"interactions,omitempty"`
	Contraindications []Contraindication `json:"contraindications,omitempty"`
	Controlled        bool               `json:"controlled"`
	Schedule          string             `json:"schedule,omitempty"`
	UnitPrice         decimal.Decimal    `json:"unit_price"`
	ReorderLevel      int                `json:"reorder_level"`
	MinimumStock      int                `json:"minimum_stock"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// InteractionFinding describes one interacting pair among a set of medicines.
// Pair is sorted so the same two medicines always produce the same finding.
type InteractionFinding struct {
	Pair        [2]string `json:"pair"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description,omitempty"`
	Management  string    `json:"management,omitempty"`
}

// Validate checks the fields a medicine must carry before it is stored.
func (m *Medicine) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: medicine name is required", rxerr.ErrInvalidArgument)
	}
	if strings.TrimSpace(m.GenericName) == "" {
		return fmt.Errorf("%w: generic name is required", rxerr.ErrInvalidArgument)
	}
	if m.ReorderLevel < 0 || m.MinimumStock < 0 {
		return fmt.Errorf("%w: stock levels cannot be negative", rxerr.ErrInvalidArgument)
	}
	if m.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: unit price cannot be negative", rxerr.ErrInvalidArgument)
	}
	for _, in := range m.Interactions {
		if !in.Severity.Valid() {
			return fmt.Errorf("%w: interaction with %s has unknown severity %q", rxerr.ErrInvalidArgument, in.MedicineID, in.Severity)
		}
		if in.MedicineID == "" || in.MedicineID == m.ID {
			return fmt.Errorf("%w: interaction must reference another medicine", rxerr.ErrInvalidArgument)
		}
	}
	for _, c := range m.Contraindications {
		if strings.TrimSpace(c.Condition) == "" {
			return fmt.Errorf("%w: contraindication condition is required", rxerr.ErrInvalidArgument)
		}
	}
	return nil
}

// interactionWith returns the interaction this medicine records against id, if any.
func (m *Medicine) interactionWith(id string) (Interaction, bool) {
	for _, in := range m.Interactions {
		if in.MedicineID == id {
			return in, true
		}
	}
	return Interaction{}, false
}

// allergyTerms is the set of strings compared against patient allergens.
func (m *Medicine) allergyTerms() []string {
	terms := make([]string, 0, len(m.ActiveIngredients)+len(m.AllergyClasses))
	terms = append(terms, m.ActiveIngredients...)
	return append(terms, m.AllergyClasses...)
}

// overlaps is a case-insensitive substring match in either direction.
// Blank input never matches.
func overlaps(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// Clone returns a deep copy.
func (m *Medicine) Clone() *Medicine {
	c := *m
	c.ActiveIngredients = append([]string(nil), m.ActiveIngredients...)
	c.AllergyClasses = append([]string(nil), m.AllergyClasses...)
	c.Interactions = append([]Interaction(nil), m.Interactions...)
	c.Contraindications = append([]Contraindication(nil), m.Contraindications...)
	return &c
}
