package prescription

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-rxdispense/internal/domain/rxerr"
)

// PayloadMedicine is one medicine in the credential payload. Quantity is the
// line total across every fill.
type PayloadMedicine struct {
	ID       string `json:"id"`
	Dosage   string `json:"dosage"`
	Quantity int    `json:"quantity"`
	Refills  int    `json:"refills"`
}

// Payload is the signed content of a prescription credential. Field order
// is the canonical serialization order.
type Payload struct {
	PrescriptionID string            `json:"prescriptionId"`
	PatientRef     string            `json:"patientRef"`
	DoctorRef      string            `json:"doctorRef"`
	Medicines      []PayloadMedicine `json:"medicines"`
	IssuedAt       time.Time         `json:"issuedAt"`
	ValidUntil     time.Time         `json:"validUntil"`
}

// normalize pins timestamps to UTC seconds so a payload round-tripped through
// JSON or a database serializes to the same bytes.
func (p Payload) normalize() Payload {
	p.IssuedAt = p.IssuedAt.UTC().Truncate(time.Second)
	p.ValidUntil = p.ValidUntil.UTC().Truncate(time.Second)
	if p.Medicines == nil {
		p.Medicines = []PayloadMedicine{}
	}
	return p
}

func (p Payload) canonical() ([]byte, error) {
	return json.Marshal(p.normalize())
}

// Credential is the payload plus its signature. It is what the QR code
// carries.
type Credential struct {
	Payload
	Signature string `json:"signature"`
}

// ParseCredential decodes a credential presented by a pharmacy.
func ParseCredential(data []byte) (Credential, error) {
	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return Credential{}, fmt.Errorf("%w: malformed credential: %v", rxerr.ErrInvalidArgument, err)
	}
	if c.PrescriptionID == "" || c.Signature == "" {
		return Credential{}, fmt.Errorf("%w: credential missing prescriptionId or signature", rxerr.ErrInvalidArgument)
	}
	return c, nil
}

// Encode serializes the credential for QR rendering.
func (c Credential) Encode() ([]byte, error) {
	c.Payload = c.Payload.normalize()
	return json.Marshal(c)
}

// Signer computes and checks HMAC-SHA256 credential signatures.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer. The secret must not be empty.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("credential secret is empty")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign returns the hex-encoded signature of the payload.
func (s *Signer) Sign(p Payload) (string, error) {
	data, err := p.canonical()
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature matches the payload. Comparison is
// constant time.
func (s *Signer) Verify(p Payload, signature string) bool {
	want, err := s.Sign(p)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	expected, _ := hex.DecodeString(want)
	return hmac.Equal(expected, got)
}

// VerificationResult is the outcome of checking a presented credential.
type VerificationResult struct {
	PrescriptionID string    `json:"prescription_id"`
	Valid          bool      `json:"valid"`
	Expired        bool      `json:"expired"`
	Dispensable    bool      `json:"dispensable"`
	Status         Status    `json:"status"`
	VerifiedAt     time.Time `json:"verified_at"`
}

// Evaluate checks a presented credential against the stored prescription.
// The signature must match both the stored canonical payload and the
// presented one, so neither a forged signature nor an altered payload passes.
func (s *Signer) Evaluate(p *Prescription, c Credential, now time.Time) VerificationResult {
	valid := c.PrescriptionID == p.ID &&
		s.Verify(p.Payload(), c.Signature) &&
		s.Verify(c.Payload, c.Signature)
	expired := p.IsExpired(now)
	return VerificationResult{
		PrescriptionID: p.ID,
		Valid:          valid,
		Expired:        expired,
		Dispensable:    valid && !expired && p.Status.Open(),
		Status:         p.Status,
		VerifiedAt:     now.UTC(),
	}
}

// Outcome labels the result for metrics and logs
func (r VerificationResult) Outcome() string {
	switch {
	case !r.Valid:
		return "invalid"
	case r.Expired:
		return "expired"
	case !r.Dispensable:
		return "not_dispensable"
	}
	return "dispensable"
}
