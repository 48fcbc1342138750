package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxdispense/internal/domain/catalog"
)

// Catalog is the medicine catalog as seen by the API.
type Catalog interface {
	Get(ctx context.Context, id string) (*catalog.Medicine, error)
	Register(ctx context.Context, m *catalog.Medicine) (*catalog.Medicine, error)
	Search(ctx context.Context, query string, limit int) ([]*catalog.Medicine, error)
	FindInteractions(ctx context.Context, ids []string) ([]catalog.InteractionFinding, error)
}

// MedicineHandler handles catalog endpoints
type MedicineHandler struct {
	catalog Catalog
	logger  *zap.Logger
}

// NewMedicineHandler creates a new handler
func NewMedicineHandler(c Catalog, logger *zap.Logger) *MedicineHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicineHandler{catalog: c, logger: logger}
}

// InteractionDTO is one interaction in a registration request
type InteractionDTO struct {
	MedicineID  string `json:"medicine_id" validate:"required"`
	Severity    string `json:"severity" validate:"required,oneof=Minor Moderate Major Contraindicated"`
	Description string `json:"description"`
	Management  string `json:"management"`
}

// ContraindicationDTO is one contraindication in a registration request
type ContraindicationDTO struct {
	Condition   string `json:"condition" validate:"required"`
	Severity    string `json:"severity" validate:"omitempty,oneof=Absolute Relative"`
	Description string `json:"description"`
}

// RegisterMedicineRequest is the body of POST /medicines
type RegisterMedicineRequest struct {
	ID                string                `json:"id" validate:"omitempty,max=64"`
	Name              string                `json:"name" validate:"required,max=200"`
	GenericName       string                `json:"generic_name" validate:"required,max=200"`
	BrandName         string                `json:"brand_name"`
	Strength          string                `json:"strength" validate:"required"`
	DosageForm        string                `json:"dosage_form" validate:"required"`
	DrugClass         string                `json:"drug_class"`
	ActiveIngredients []string              `json:"active_ingredients" validate:"dive,required"`
	AllergyClasses    []string              `json:"allergy_classes" validate:"dive,required"`
	Interactions      []InteractionDTO      `json:"interactions" validate:"dive"`
	Contraindications []ContraindicationDTO `json:"contraindications" validate:"dive"`
	Controlled        bool                  `json:"controlled"`
	Schedule          string                `json:"schedule" validate:"omitempty,oneof=I II III IV V"`
	UnitPrice         decimal.Decimal       `json:"unit_price"`
	ReorderLevel      int                   `json:"reorder_level" validate:"min=0"`
	MinimumStock      int                   `json:"minimum_stock" validate:"min=0"`
}

func (req *RegisterMedicineRequest) medicine() *catalog.Medicine {
	m := &catalog.Medicine{
		ID:                req.ID,
		Name:              req.Name,
		GenericName:       req.GenericName,
		BrandName:         req.BrandName,
		Strength:          req.Strength,
		DosageForm:        req.DosageForm,
		DrugClass:         req.DrugClass,
		ActiveIngredients: req.ActiveIngredients,
		AllergyClasses:    req.AllergyClasses,
		Controlled:        req.Controlled,
		Schedule:          req.Schedule,
		UnitPrice:         req.UnitPrice,
		ReorderLevel:      req.ReorderLevel,
		MinimumStock:      req.MinimumStock,
	}
	for _, in := range req.Interactions {
		m.Interactions = append(m.Interactions, catalog.Interaction{
			MedicineID:  in.MedicineID,
			Severity:    catalog.Severity(in.Severity),
			Description: in.Description,
			Management:  in.Management,
		})
	}
	for _, c := range req.Contraindications {
		m.Contraindications = append(m.Contraindications, catalog.Contraindication{
			Condition:   c.Condition,
			Severity:    catalog.ContraindicationSeverity(c.Severity),
			Description: c.Description,
		})
	}
	return m
}

// Register handles POST /medicines
func (h *MedicineHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterMedicineRequest
	if !decode(w, r, &req) {
		return
	}

	m, err := h.catalog.Register(r.Context(), req.medicine())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Location", "/api/v1/medicines/"+m.ID)
	writeJSON(w, http.StatusCreated, m)
}

// Get handles GET /medicines/{id}
func (h *MedicineHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, err := h.catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Search handles GET /medicines?q=&limit=
func (h *MedicineHandler) Search(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	meds, err := h.catalog.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if meds == nil {
		meds = []*catalog.Medicine{}
	}
	writeJSON(w, http.StatusOK, meds)
}

// InteractionsRequest is the body of POST /medicines/interactions
type InteractionsRequest struct {
	MedicineIDs []string `json:"medicine_ids" validate:"required,min=2,max=50,dive,required"`
}

// InteractionsResponse lists every interacting pair. Blocking is true when
// any finding would stop a prescription.
type InteractionsResponse struct {
	Findings []catalog.InteractionFinding `json:"findings"`
	Blocking bool                         `json:"blocking"`
}

// Interactions handles POST /medicines/interactions
func (h *MedicineHandler) Interactions(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("medicine-handler").Start(r.Context(), "check_interactions")
	defer span.End()

	var req InteractionsRequest
	if !decode(w, r, &req) {
		return
	}
	span.SetAttributes(attribute.Int("medicine_count", len(req.MedicineIDs)))

	findings, err := h.catalog.FindInteractions(ctx, req.MedicineIDs)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	resp := InteractionsResponse{Findings: findings}
	if resp.Findings == nil {
		resp.Findings = []catalog.InteractionFinding{}
	}
	for _, f := range findings {
		if f.Severity.Blocks() {
			resp.Blocking = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
