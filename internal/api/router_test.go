package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxdispense/internal/api/middleware"
	"github.com/drfirst/go-rxdispense/internal/domain/catalog"
	"github.com/drfirst/go-rxdispense/internal/domain/dispensing"
	"github.com/drfirst/go-rxdispense/internal/domain/inventory"
	"github.com/drfirst/go-rxdispense/internal/domain/prescription"
	"github.com/drfirst/go-rxdispense/internal/observability/metrics"
	"github.com/drfirst/go-rxdispense/internal/patient"
)

var jwtCfg = middleware.JWTConfig{Secret: []byte("test-jwt-secret"), Issuer: "test-identity"}

var (
	doc      = prescription.Actor{SubjectID: "DOC-1", Role: prescription.RoleDoctor}
	otherDoc = prescription.Actor{SubjectID: "DOC-2", Role: prescription.RoleDoctor}
	pharm    = prescription.Actor{SubjectID: "PHA-1", Role: prescription.RolePharmacist}
	nurseA   = prescription.Actor{SubjectID: "NUR-1", Role: prescription.RoleNurse}
	adminA   = prescription.Actor{SubjectID: "ADM-1", Role: prescription.RoleAdmin}
)

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("db down") }

type server struct {
	t       *testing.T
	handler http.Handler
	srv     *httptest.Server
}

func newServer(t *testing.T, mutate func(*Dependencies)) *server {
	t.Helper()
	cat := catalog.NewService(catalog.NewMemoryRepository(), catalog.DefaultServiceConfig(), nil)
	signer, err := prescription.NewSigner("test-qr-secret")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	engine, err := prescription.NewEngine(prescription.Dependencies{
		Store:   prescription.NewMemoryStore(),
		Catalog: cat,
		Patients: patient.NewStaticDirectory(
			patient.Record{PatientID: "PAT-1"},
			patient.Record{PatientID: "PAT-PEN", Allergens: []string{"Penicillin"}},
		),
		Signer:  signer,
		Metrics: m,
	}, prescription.DefaultEngineConfig(), nil)
	require.NoError(t, err)

	ledger := inventory.NewLedger(inventory.NewMemoryStore(), cat, inventory.DefaultLedgerConfig(), nil)
	coord, err := dispensing.NewCoordinator(dispensing.Dependencies{
		Prescriptions: engine,
		Stock:         ledger,
		Medicines:     cat,
		Metrics:       m,
	}, dispensing.DefaultConfig(), nil)
	require.NoError(t, err)

	deps := Dependencies{
		Catalog:       cat,
		Prescriptions: engine,
		Dispenser:     coord,
		Ledger:        ledger,
		JWT:           jwtCfg,
		Metrics:       metrics.HandlerFor(reg),
		ServiceName:   "rx-api-test",
		Version:       "test",
	}
	if mutate != nil {
		mutate(&deps)
	}
	h := NewRouter(deps)
	s := &server{t: t, handler: h, srv: httptest.NewServer(h)}
	t.Cleanup(s.srv.Close)
	return s
}

func (s *server) do(actor *prescription.Actor, method, path string, body any) *http.Response {
	s.t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(s.t, err)
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rdr)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		tok, err := middleware.IssueToken(jwtCfg, *actor, time.Hour)
		require.NoError(s.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (s *server) seed() {
	s.t.Helper()
	for _, m := range []map[string]any{
		{"id": "MED-ASA", "name": "Aspirin", "generic_name": "Acetylsalicylic acid", "strength": "81mg", "dosage_form": "tablet"},
		{"id": "MED-AMOX", "name": "Amoxil", "generic_name": "Amoxicillin", "strength": "500mg", "dosage_form": "capsule",
			"allergy_classes": []string{"Penicillin"}, "reorder_level": 5},
		{"id": "MED-WARF", "name": "Coumadin", "generic_name": "Warfarin", "strength": "5mg", "dosage_form": "tablet",
			"interactions": []map[string]string{{"medicine_id": "MED-ASA", "severity": "Major", "description": "bleeding risk"}}},
	} {
		resp := s.do(&adminA, http.MethodPost, "/api/v1/medicines", m)
		require.Equal(s.t, http.StatusCreated, resp.StatusCode)
	}

	resp := s.do(&pharm, http.MethodPost, "/api/v1/inventory/batches", map[string]any{
		"medicine_id":  "MED-AMOX",
		"batch_number": "AMX-001",
		"quantity":     30,
		"expiry_date":  time.Now().Add(365 * 24 * time.Hour).UTC().Format(time.RFC3339),
		"unit_cost":    "0.25",
	})
	require.Equal(s.t, http.StatusCreated, resp.StatusCode)
}

func (s *server) createRx(patientRef string, lines ...map[string]any) *http.Response {
	return s.do(&doc, http.MethodPost, "/api/v1/prescriptions", map[string]any{
		"patient_ref": patientRef,
		"lines":       lines,
	})
}

func amoxLine(qty, refills int) map[string]any {
	return map[string]any{"medicine_id": "MED-AMOX", "dosage": "500mg", "frequency": "TID", "quantity": qty, "refills": refills}
}

type createResp struct {
	Prescription prescription.Prescription `json:"prescription"`
	Credential   json.RawMessage           `json:"credential"`
	Warnings     []json.RawMessage         `json:"warnings"`
}

type errorResp struct {
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details"`
}

func TestHealthEndpoints(t *testing.T) {
	s := newServer(t, nil)

	resp := s.do(nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = s.do(nil, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(nil, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := newServer(t, func(d *Dependencies) { d.Ready = []Pinger{failingPinger{}} })
	resp = down.do(nil, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAuthAndRoles(t *testing.T) {
	s := newServer(t, nil)
	s.seed()

	resp := s.do(nil, http.MethodGet, "/api/v1/medicines/MED-ASA", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(&nurseA, http.MethodGet, "/api/v1/medicines/MED-ASA", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(&nurseA, http.MethodPost, "/api/v1/prescriptions", map[string]any{"patient_ref": "PAT-1"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(&pharm, http.MethodPost, "/api/v1/prescriptions", map[string]any{"patient_ref": "PAT-1"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(&doc, http.MethodPost, "/api/v1/inventory/batches", map[string]any{})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPrescriptionLifecycle(t *testing.T) {
	s := newServer(t, nil)
	s.seed()

	resp := s.createRx("PAT-1", amoxLine(20, 2))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[createResp](t, resp)
	rx := created.Prescription
	assert.Equal(t, prescription.StatusActive, rx.Status)
	assert.Equal(t, "DOC-1", rx.Prescriber.SubjectID)
	assert.Equal(t, "/api/v1/prescriptions/"+rx.ID, resp.Header.Get("Location"))
	assert.Empty(t, created.Warnings)

	resp = s.do(&nurseA, http.MethodGet, "/api/v1/prescriptions/"+rx.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(&pharm, http.MethodGet, "/api/v1/prescriptions/"+rx.ID+"/credential", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cred := decodeBody[json.RawMessage](t, resp)

	resp = s.do(&pharm, http.MethodGet, "/api/v1/prescriptions/"+rx.ID+"/qr", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	head := make([]byte, 4)
	_, err := resp.Body.Read(head)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), head)

	resp = s.do(&nurseA, http.MethodPost, "/api/v1/prescriptions/verify", cred)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ver := decodeBody[prescription.VerificationResult](t, resp)
	assert.True(t, ver.Valid)
	assert.True(t, ver.Dispensable)

	resp = s.do(&pharm, http.MethodPost, "/api/v1/prescriptions/"+rx.ID+"/dispense", map[string]any{
		"credential": cred,
		"lines":      []map[string]any{{"line_id": "L1", "quantity": 10}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	d := decodeBody[prescription.DispenseEvent](t, resp)
	require.Len(t, d.Lines, 1)
	assert.Equal(t, 10, d.Lines[0].Quantity)
	assert.Equal(t, "AMX-001", d.Lines[0].Draws[0].BatchNumber)
	assert.Equal(t, "2.5", d.TotalCost.String())

	resp = s.do(&pharm, http.MethodGet, "/api/v1/inventory/medicines/MED-AMOX/stock", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	level := decodeBody[inventory.StockLevel](t, resp)
	assert.Equal(t, 20, level.Available)

	resp = s.do(&doc, http.MethodGet, "/api/v1/prescriptions/"+rx.ID, nil)
	after := decodeBody[prescription.Prescription](t, resp)
	assert.Equal(t, prescription.StatusPartiallyFilled, after.Status)
	assert.Equal(t, 1, after.Lines[0].RefillsRemaining)
	assert.Equal(t, 10, after.Lines[0].Outstanding())

	resp = s.do(&doc, http.MethodGet, "/api/v1/prescriptions/"+rx.ID+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decodeBody[[]prescription.Event](t, resp)
	require.Len(t, events, 2)
	assert.Equal(t, "DOC-1", events[0].ActorID)
	assert.Equal(t, "PHA-1", events[1].ActorID)

	resp = s.do(&doc, http.MethodGet, "/api/v1/prescriptions/"+rx.ID+"/fhir", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/fhir+json", resp.Header.Get("Content-Type"))
	bundle := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "Bundle", bundle["resourceType"])
	assert.EqualValues(t, 2, bundle["total"])
}

func TestCreateRejectsSafetyViolation(t *testing.T) {
	s := newServer(t, nil)
	s.seed()

	resp := s.createRx("PAT-PEN", amoxLine(10, 0))
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decodeBody[errorResp](t, resp)
	assert.Contains(t, body.Error, "safety violation")
	assert.Contains(t, string(body.Details), `"kind":"allergy"`)

	resp = s.createRx("PAT-1",
		map[string]any{"medicine_id": "MED-WARF", "dosage": "5mg", "quantity": 30},
		map[string]any{"medicine_id": "MED-ASA", "dosage": "81mg", "quantity": 30},
	)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body = decodeBody[errorResp](t, resp)
	assert.Contains(t, string(body.Details), `"kind":"interaction"`)

	resp = s.createRx("PAT-UNKNOWN", amoxLine(10, 0))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateValidation(t *testing.T) {
	s := newServer(t, nil)
	s.seed()

	resp := s.createRx("PAT-1", map[string]any{"medicine_id": "MED-AMOX", "quantity": 0})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[errorResp](t, resp)
	assert.Equal(t, "validation failed", body.Error)
	assert.Contains(t, string(body.Details), `"field":"lines[0].dosage"`)
	assert.Contains(t, string(body.Details), `"field":"lines[0].quantity"`)

	resp = s.do(&doc, http.MethodPost, "/api/v1/prescriptions", map[string]any{"patient_ref": "PAT-1", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.createRx("PAT-1", amoxLine(10, 12))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVerifyOutcomes(t *testing.T) {
	s := newServer(t, nil)
	s.seed()
	created := decodeBody[createResp](t, s.createRx("PAT-1", amoxLine(10, 0)))

	var cred map[string]any
	require.NoError(t, json.Unmarshal(created.Credential, &cred))

	t.Run("tampered", func(t *testing.T) {
		tampered := map[string]any{}
		for k, v := range cred {
			tampered[k] = v
		}
		tampered["patientRef"] = "PAT-2"
		resp := s.do(&pharm, http.MethodPost, "/api/v1/prescriptions/verify", tampered)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		res := decodeBody[prescription.VerificationResult](t, resp)
		assert.False(t, res.Valid)
		assert.False(t, res.Dispensable)
	})

	t.Run("unknown", func(t *testing.T) {
		unknown := map[string]any{}
		for k, v := range cred {
			unknown[k] = v
		}
		unknown["prescriptionId"] = "RX20990101-00000000"
		resp := s.do(&pharm, http.MethodPost, "/api/v1/prescriptions/verify", unknown)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("malformed", func(t *testing.T) {
		resp := s.do(&pharm, http.MethodPost, "/api/v1/prescriptions/verify", map[string]any{"signature": "ab"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("dispense with tampered credential", func(t *testing.T) {
		tampered := map[string]any{}
		for k, v := range cred {
			tampered[k] = v
		}
		tampered["signature"] = "00"
		resp := s.do(&pharm, http.MethodPost, "/api/v1/prescriptions/"+created.Prescription.ID+"/dispense", map[string]any{
			"credential": tampered,
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})
}

func TestDispenseInsufficientStock(t *testing.T) {
	s := newServer(t, nil)
	s.seed()
	created := decodeBody[createResp](t, s.createRx("PAT-1", amoxLine(50, 0)))

	resp := s.do(&pharm, http.MethodPost, "/api/v1/prescriptions/"+created.Prescription.ID+"/dispense", map[string]any{
		"credential": created.Credential,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeBody[errorResp](t, resp)
	assert.JSONEq(t, `{"medicine_ids":["MED-AMOX"]}`, string(body.Details))

	resp = s.do(&pharm, http.MethodGet, "/api/v1/inventory/medicines/MED-AMOX/stock", nil)
	level := decodeBody[inventory.StockLevel](t, resp)
	assert.Equal(t, 30, level.Available)
}

func TestCancel(t *testing.T) {
	s := newServer(t, nil)
	s.seed()
	created := decodeBody[createResp](t, s.createRx("PAT-1", amoxLine(10, 0)))
	path := "/api/v1/prescriptions/" + created.Prescription.ID + "/cancel"

	resp := s.do(&otherDoc, http.MethodPost, path, map[string]any{"reason": "not mine"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(&doc, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p := decodeBody[prescription.Prescription](t, resp)
	assert.Equal(t, prescription.StatusCancelled, p.Status)
	assert.Equal(t, prescription.DefaultCancelReason, p.Cancellation.Reason)

	resp = s.do(&adminA, http.MethodPost, path, map[string]any{"reason": "again"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelChunkedEmptyBody(t *testing.T) {
	s := newServer(t, nil)
	s.seed()
	created := decodeBody[createResp](t, s.createRx("PAT-1", amoxLine(10, 0)))

	tok, err := middleware.IssueToken(jwtCfg, doc, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/prescriptions/"+created.Prescription.ID+"/cancel", http.NoBody)
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var p prescription.Prescription
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	assert.Equal(t, prescription.StatusCancelled, p.Status)
	assert.Equal(t, prescription.DefaultCancelReason, p.Cancellation.Reason)
}

func TestCancelRejectsMalformedBody(t *testing.T) {
	s := newServer(t, nil)
	s.seed()
	created := decodeBody[createResp](t, s.createRx("PAT-1", amoxLine(10, 0)))

	tok, err := middleware.IssueToken(jwtCfg, doc, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/prescriptions/"+created.Prescription.ID+"/cancel", bytes.NewBufferString(`{"reason":`))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInventoryEndpoints(t *testing.T) {
	s := newServer(t, nil)
	s.seed()

	resp := s.do(&pharm, http.MethodPost, "/api/v1/inventory/batches", map[string]any{
		"medicine_id":  "MED-ASA",
		"batch_number": "ASA-SOON",
		"quantity":     12,
		"expiry_date":  time.Now().Add(10 * 24 * time.Hour).UTC().Format(time.RFC3339),
		"unit_cost":    "0.05",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	batch := decodeBody[map[string]any](t, resp)
	id := batch["id"].(string)
	assert.Equal(t, "Expiring Soon", batch["expiry_status"])

	resp = s.do(&pharm, http.MethodGet, "/api/v1/inventory/expiring?days=30", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	expiring := decodeBody[[]map[string]any](t, resp)
	require.Len(t, expiring, 1)
	assert.Equal(t, id, expiring[0]["id"])

	resp = s.do(&pharm, http.MethodGet, "/api/v1/inventory/expiring?days=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(&adminA, http.MethodPost, "/api/v1/inventory/batches/"+id+"/adjust", map[string]any{"on_hand": 10, "reason": "count"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 10, decodeBody[map[string]any](t, resp)["on_hand"])

	resp = s.do(&adminA, http.MethodPost, "/api/v1/inventory/batches/"+id+"/status", map[string]any{"status": "Recalled", "notes": "supplier recall"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Recalled", decodeBody[map[string]any](t, resp)["status"])

	resp = s.do(&adminA, http.MethodPost, "/api/v1/inventory/batches/"+id+"/status", map[string]any{"status": "Lost"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(&pharm, http.MethodGet, "/api/v1/inventory/batches/BAT-missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInteractionsEndpoint(t *testing.T) {
	s := newServer(t, nil)
	s.seed()

	resp := s.do(&doc, http.MethodPost, "/api/v1/medicines/interactions", map[string]any{
		"medicine_ids": []string{"MED-WARF", "MED-ASA", "MED-AMOX"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, true, body["blocking"])
	assert.Len(t, body["findings"], 1)

	resp = s.do(&doc, http.MethodPost, "/api/v1/medicines/interactions", map[string]any{"medicine_ids": []string{"MED-ASA"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	// nothing is seeded: every call below counts against the limiter, and a
	// missing medicine answers 404 until the bucket is empty.
	s := newServer(t, func(d *Dependencies) { d.RateLimiter = middleware.NewRateLimiter(0.001, 2) })

	for i := 0; i < 2; i++ {
		resp := s.do(&nurseA, http.MethodGet, "/api/v1/medicines/MED-ASA", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
	resp := s.do(&nurseA, http.MethodGet, "/api/v1/medicines/MED-ASA", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// buckets are per subject
	resp = s.do(&doc, http.MethodGet, "/api/v1/medicines/MED-ASA", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// health checks stay outside the limiter
	for i := 0; i < 3; i++ {
		resp = s.do(nil, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}
