// Package patient is the boundary to the patient record store. The core only
// needs a patient's recorded allergens and conditions.
package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxdispense/internal/domain/rxerr"
	"github.com/drfirst/go-rxdispense/pkg/circuitbreaker"
)

// Record is the safety profile of one patient
type Record struct {
	PatientID  string   `json:"patientId"`
	Allergens  []string `json:"allergens"`
	Conditions []string `json:"conditions"`
}

// Directory looks up patient safety profiles
type Directory interface {
	Lookup(ctx context.Context, patientID string) (*Record, error)
}

// StaticDirectory serves records held in memory. Used in development and
// tests.
type StaticDirectory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewStaticDirectory creates a directory seeded with records
func NewStaticDirectory(records ...Record) *StaticDirectory {
	d := &StaticDirectory{records: make(map[string]Record)}
	for _, r := range records {
		d.Put(r)
	}
	return d
}

// LoadStaticDirectory reads a JSON array of records from path.
func LoadStaticDirectory(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patients file: %w", err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse patients file %s: %w", path, err)
	}
	for i, r := range records {
		if r.PatientID == "" {
			return nil, fmt.Errorf("patients file %s: record %d has no patientId", path, i)
		}
	}
	return NewStaticDirectory(records...), nil
}

// Put adds or replaces a record
func (d *StaticDirectory) Put(r Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[r.PatientID] = r
}

func (d *StaticDirectory) Lookup(_ context.Context, patientID string) (*Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.records[patientID]
	if !ok {
		return nil, fmt.Errorf("%w: patient %s", rxerr.ErrNotFound, patientID)
	}
	r.Allergens = append([]string(nil), r.Allergens...)
	r.Conditions = append([]string(nil), r.Conditions...)
	return &r, nil
}

// HTTPConfig configures the patient record service client
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultHTTPConfig returns sensible defaults
func DefaultHTTPConfig(baseURL string) HTTPConfig {
	return HTTPConfig{BaseURL: baseURL, Timeout: 5 * time.Second}
}

// HTTPDirectory fetches safety profiles from the patient record service at
// GET {base}/patients/{id}/safety-profile. Calls go through a circuit
// breaker; an unknown patient is an answer and does not trip it.
type HTTPDirectory struct {
	base    string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewHTTPDirectory creates a client for the patient record service
func NewHTTPDirectory(cfg HTTPConfig, breakers *circuitbreaker.Manager, logger *zap.Logger) (*HTTPDirectory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid patient service url %q", cfg.BaseURL)
	}

	bcfg := circuitbreaker.DefaultConfig("patient-records")
	bcfg.IgnoreErrors = func(err error) bool { return errors.Is(err, rxerr.ErrNotFound) }
	breaker, err := breakers.GetOrCreate(bcfg.Name, bcfg)
	if err != nil {
		return nil, fmt.Errorf("create breaker: %w", err)
	}

	return &HTTPDirectory{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}, nil
}

func (d *HTTPDirectory) Lookup(ctx context.Context, patientID string) (*Record, error) {
	result, err := d.breaker.ExecuteWithFallback(ctx,
		func(ctx context.Context) (any, error) {
			return d.fetch(ctx, patientID)
		},
		func(err error) (any, error) {
			return nil, fmt.Errorf("%w: patient records: %v", rxerr.ErrUnavailable, err)
		})
	if err != nil {
		if !errors.Is(err, rxerr.ErrNotFound) {
			d.logger.Warn("patient lookup failed",
				zap.String("patient_ref", patientID),
				zap.Error(err))
		}
		return nil, err
	}
	return result.(*Record), nil
}

func (d *HTTPDirectory) fetch(ctx context.Context, patientID string) (*Record, error) {
	endpoint := d.base + "/patients/" + url.PathEscape(patientID) + "/safety-profile"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("patient service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: patient %s", rxerr.ErrNotFound, patientID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("patient service returned %d", resp.StatusCode)
	}

	var rec Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode safety profile: %w", err)
	}
	if rec.PatientID == "" {
		rec.PatientID = patientID
	}
	return &rec, nil
}

var (
	_ Directory = (*StaticDirectory)(nil)
	_ Directory = (*HTTPDirectory)(nil)
)
