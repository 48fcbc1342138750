package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxdispense/internal/domain/inventory"
)

// Ledger is the inventory ledger as seen by the API.
type Ledger interface {
	Receive(ctx context.Context, req inventory.ReceiveRequest) (*inventory.Batch, error)
	Batch(ctx context.Context, id string) (*inventory.Batch, error)
	Adjust(ctx context.Context, batchID string, onHand int, reason, actor string) (*inventory.Batch, error)
	MarkStatus(ctx context.Context, batchID string, status inventory.BatchStatus, actor, notes string) (*inventory.Batch, error)
	StockLevel(ctx context.Context, medicineID string) (*inventory.StockLevel, error)
	ExpiringBatches(ctx context.Context, within time.Duration) ([]*inventory.Batch, error)
}

// InventoryHandler handles stock endpoints
type InventoryHandler struct {
	ledger Ledger
	logger *zap.Logger
	now    func() time.Time
}

// NewInventoryHandler creates a new handler
func NewInventoryHandler(l Ledger, logger *zap.Logger) *InventoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryHandler{ledger: l, logger: logger, now: time.Now}
}

// ReceiveRequest is the body of POST /inventory/batches
type ReceiveRequest struct {
	MedicineID     string          `json:"medicine_id" validate:"required"`
	BatchNumber    string          `json:"batch_number" validate:"required,max=64"`
	LotNumber      string          `json:"lot_number" validate:"max=64"`
	Supplier       string          `json:"supplier" validate:"max=200"`
	Quantity       int             `json:"quantity" validate:"required,gt=0"`
	ManufacturedAt *time.Time      `json:"manufactured_at"`
	ExpiryDate     time.Time       `json:"expiry_date" validate:"required"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	SellingPrice   decimal.Decimal `json:"selling_price"`
	Reference      string          `json:"reference" validate:"max=100"`
}

// Receive handles POST /inventory/batches
func (h *InventoryHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var req ReceiveRequest
	if !decode(w, r, &req) {
		return
	}
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	in := inventory.ReceiveRequest{
		MedicineID:   req.MedicineID,
		BatchNumber:  req.BatchNumber,
		LotNumber:    req.LotNumber,
		Supplier:     req.Supplier,
		Quantity:     req.Quantity,
		ExpiryDate:   req.ExpiryDate,
		UnitCost:     req.UnitCost,
		SellingPrice: req.SellingPrice,
		Actor:        actor.SubjectID,
		Reference:    req.Reference,
	}
	if req.ManufacturedAt != nil {
		in.ManufacturedAt = *req.ManufacturedAt
	}

	b, err := h.ledger.Receive(r.Context(), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Location", "/api/v1/inventory/batches/"+b.ID)
	writeJSON(w, http.StatusCreated, h.view(b))
}

// BatchView is a batch with its derived expiry bucket.
type BatchView struct {
	*inventory.Batch
	Available       int                    `json:"available"`
	ExpiryStatus    inventory.ExpiryStatus `json:"expiry_status"`
	DaysUntilExpiry int                    `json:"days_until_expiry"`
}

func (h *InventoryHandler) view(b *inventory.Batch) BatchView {
	now := h.now()
	return BatchView{
		Batch:           b,
		Available:       b.Available(),
		ExpiryStatus:    b.ExpiryStatus(now),
		DaysUntilExpiry: b.DaysUntilExpiry(now),
	}
}

// GetBatch handles GET /inventory/batches/{id}
func (h *InventoryHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.ledger.Batch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(b))
}

// AdjustRequest sets a batch's on-hand count after a physical count
type AdjustRequest struct {
	OnHand *int   `json:"on_hand" validate:"required,min=0"`
	Reason string `json:"reason" validate:"required,max=500"`
}

// Adjust handles POST /inventory/batches/{id}/adjust
func (h *InventoryHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !decode(w, r, &req) {
		return
	}
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	b, err := h.ledger.Adjust(r.Context(), chi.URLParam(r, "id"), *req.OnHand, req.Reason, actor.SubjectID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(b))
}

// StatusRequest moves a batch to another status
type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=Active Expired Damaged Recalled Quarantined"`
	Notes  string `json:"notes" validate:"max=500"`
}

// SetStatus handles POST /inventory/batches/{id}/status
func (h *InventoryHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decode(w, r, &req) {
		return
	}
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	b, err := h.ledger.MarkStatus(r.Context(), chi.URLParam(r, "id"), inventory.BatchStatus(req.Status), actor.SubjectID, req.Notes)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(b))
}

// Stock handles GET /inventory/medicines/{id}/stock
func (h *InventoryHandler) Stock(w http.ResponseWriter, r *http.Request) {
	level, err := h.ledger.StockLevel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, level)
}

// Expiring handles GET /inventory/expiring?days=30
func (h *InventoryHandler) Expiring(w http.ResponseWriter, r *http.Request) {
	days := 30
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > 3650 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "days must be between 0 and 3650"})
			return
		}
		days = n
	}

	batches, err := h.ledger.ExpiringBatches(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := make([]BatchView, 0, len(batches))
	for _, b := range batches {
		out = append(out, h.view(b))
	}
	writeJSON(w, http.StatusOK, out)
}
