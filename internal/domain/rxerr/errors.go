// Package rxerr defines the failure taxonomy shared by the prescription,
// inventory and dispensing packages.
package rxerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrSafetyViolation        = errors.New("safety violation")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrVerificationFailed     = errors.New("verification failed")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrInvalidState           = errors.New("invalid state")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrForbidden              = errors.New("forbidden")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrBatchExpired           = errors.New("batch expired")
	ErrInternalConsistency    = errors.New("internal consistency violation")
	// ErrUnavailable means a dependency is refusing calls for now
	ErrUnavailable = errors.New("dependency unavailable")
)

// ConflictKind classifies a safety conflict found at prescription creation.
type ConflictKind string

const (
	ConflictAllergy          ConflictKind = "allergy"
	ConflictContraindication ConflictKind = "contraindication"
	ConflictInteraction      ConflictKind = "interaction"
)

// Conflict is a single reason a prescription was rejected.
type Conflict struct {
	Kind        ConflictKind `json:"kind"`
	MedicineIDs []string     `json:"medicine_ids"`
	Severity    string       `json:"severity,omitempty"`
	Detail      string       `json:"detail"`
}

// SafetyViolationError carries every conflict that caused a rejection.
type SafetyViolationError struct {
	Conflicts []Conflict
}

func (e *SafetyViolationError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("%s(%s): %s", c.Kind, strings.Join(c.MedicineIDs, ","), c.Detail))
	}
	return fmt.Sprintf("%s: %s", ErrSafetyViolation, strings.Join(parts, "; "))
}

func (e *SafetyViolationError) Unwrap() error { return ErrSafetyViolation }

// InsufficientStockError names the medicines that could not be reserved.
type InsufficientStockError struct {
	MedicineIDs []string
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInsufficientStock, strings.Join(e.MedicineIDs, ", "))
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// Internal wraps err as an internal consistency failure. The caller must abort
// without persisting anything.
func Internal(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternalConsistency, fmt.Sprintf(format, args...))
}

// IsInternal reports whether err signals corrupted or impossible state.
func IsInternal(err error) bool {
	return errors.Is(err, ErrInternalConsistency)
}
