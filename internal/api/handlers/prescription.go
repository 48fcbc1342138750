package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxdispense/internal/api/middleware"
	"github.com/drfirst/go-rxdispense/internal/domain/catalog"
	"github.com/drfirst/go-rxdispense/internal/domain/dispensing"
	"github.com/drfirst/go-rxdispense/internal/domain/prescription"
	"github.com/drfirst/go-rxdispense/internal/fhir/export"
)

// Prescriptions is the prescription engine as seen by the API.
type Prescriptions interface {
	Create(ctx context.Context, req prescription.CreateRequest) (*prescription.CreateResult, error)
	Get(ctx context.Context, id string) (*prescription.Prescription, error)
	Events(ctx context.Context, id string) ([]*prescription.Event, error)
	Credential(ctx context.Context, id string) (prescription.Credential, error)
	Cancel(ctx context.Context, id, reason string, actor prescription.Actor) (*prescription.Prescription, error)
	Verify(ctx context.Context, c prescription.Credential) (prescription.VerificationResult, error)
}

// Dispenser performs dispenses.
type Dispenser interface {
	Dispense(ctx context.Context, req dispensing.Request) (*prescription.DispenseEvent, error)
}

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	engine    Prescriptions
	dispenser Dispenser
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(engine Prescriptions, dispenser Dispenser, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{
		engine:    engine,
		dispenser: dispenser,
		logger:    logger,
		tracer:    otel.Tracer("prescription-handler"),
	}
}

// LineDTO is one requested medicine
type LineDTO struct {
	MedicineID   string `json:"medicine_id" validate:"required"`
	Dosage       string `json:"dosage" validate:"required,max=100"`
	Frequency    string `json:"frequency" validate:"max=100"`
	Route        string `json:"route" validate:"max=50"`
	Duration     string `json:"duration" validate:"max=100"`
	Instructions string `json:"instructions" validate:"max=1000"`
	Quantity     int    `json:"quantity" validate:"required,gt=0"`
	Refills      int    `json:"refills" validate:"min=0"`
}

// CreateRequest is the request body for creating a prescription
type CreateRequest struct {
	PatientRef   string    `json:"patient_ref" validate:"required,max=64"`
	Lines        []LineDTO `json:"lines" validate:"required,min=1,max=20,dive"`
	ValidForDays int       `json:"valid_for_days" validate:"min=0,max=365"`
	Notes        string    `json:"notes" validate:"max=2000"`
}

// CreateResponse is the response for creating a prescription
type CreateResponse struct {
	Prescription *prescription.Prescription  `json:"prescription"`
	Credential   prescription.Credential     `json:"credential"`
	Warnings     []catalog.InteractionFinding `json:"warnings"`
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_prescription")
	defer span.End()

	var req CreateRequest
	if !decode(w, r, &req) {
		return
	}
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	in := prescription.CreateRequest{
		PatientRef:    req.PatientRef,
		Prescriber:    actor,
		ValidFor:      time.Duration(req.ValidForDays) * 24 * time.Hour,
		Notes:         req.Notes,
		CorrelationID: middleware.GetRequestID(ctx),
	}
	for _, l := range req.Lines {
		in.Lines = append(in.Lines, prescription.LineRequest{
			MedicineID:   l.MedicineID,
			Dosage:       l.Dosage,
			Frequency:    l.Frequency,
			Route:        l.Route,
			Duration:     l.Duration,
			Instructions: l.Instructions,
			Quantity:     l.Quantity,
			Refills:      l.Refills,
		})
	}

	res, err := h.engine.Create(ctx, in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", res.Prescription.ID))

	warnings := res.Warnings
	if warnings == nil {
		warnings = []catalog.InteractionFinding{}
	}
	w.Header().Set("Location", "/api/v1/prescriptions/"+res.Prescription.ID)
	writeJSON(w, http.StatusCreated, CreateResponse{
		Prescription: res.Prescription,
		Credential:   res.Credential,
		Warnings:     warnings,
	})
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetEvents handles GET /prescriptions/{id}/events
func (h *PrescriptionHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// GetCredential handles GET /prescriptions/{id}/credential
func (h *PrescriptionHandler) GetCredential(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.Credential(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetQR handles GET /prescriptions/{id}/qr and renders the encoded
// credential as a PNG. size is the edge length in pixels.
func (h *PrescriptionHandler) GetQR(w http.ResponseWriter, r *http.Request) {
	size := 256
	if s := r.URL.Query().Get("size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 64 || n > 1024 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "size must be between 64 and 1024"})
			return
		}
		size = n
	}

	c, err := h.engine.Credential(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	data, err := c.Encode()
	if err != nil {
		writeError(w, r, h.logger, fmt.Errorf("encode credential: %w", err))
		return
	}
	png, err := qrcode.Encode(string(data), qrcode.Medium, size)
	if err != nil {
		writeError(w, r, h.logger, fmt.Errorf("render qr: %w", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// GetFHIR handles GET /prescriptions/{id}/fhir
func (h *PrescriptionHandler) GetFHIR(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	bundle, err := export.Bundle(p)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(bundle)
}

// CancelRequest is the request body for cancelling a prescription
type CancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// Cancel handles POST /prescriptions/{id}/cancel
func (h *PrescriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	p, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason, actor)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Verify handles POST /prescriptions/verify. The body is the credential as
// read from the QR code.
func (h *PrescriptionHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "verify_prescription")
	defer span.End()

	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	c, err := prescription.ParseCredential(raw)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", c.PrescriptionID))

	res, err := h.engine.Verify(ctx, c)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DispenseLineDTO selects a line to fill. Zero quantity means whatever is
// still outstanding on the line.
type DispenseLineDTO struct {
	LineID   string `json:"line_id" validate:"required"`
	Quantity int    `json:"quantity" validate:"min=0"`
}

// DispenseRequest is the request body for a dispense
type DispenseRequest struct {
	Credential json.RawMessage   `json:"credential" validate:"required"`
	Lines      []DispenseLineDTO `json:"lines" validate:"max=20,dive"`
	Notes      string            `json:"notes" validate:"max=2000"`
}

// Dispense handles POST /prescriptions/{id}/dispense
func (h *PrescriptionHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "dispense_prescription")
	defer span.End()

	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("prescription_id", id))

	var req DispenseRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := prescription.ParseCredential(req.Credential)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	in := dispensing.Request{
		PrescriptionID: id,
		Credential:     c,
		Pharmacist:     actor,
		Notes:          req.Notes,
	}
	for _, l := range req.Lines {
		in.Lines = append(in.Lines, dispensing.LineRequest{LineID: l.LineID, Quantity: l.Quantity})
	}

	d, err := h.dispenser.Dispense(ctx, in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}
