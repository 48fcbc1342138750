package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ServiceConfig holds catalog service configuration
type ServiceConfig struct {
	// CacheTTL is how long a medicine stays cached after it is read
	CacheTTL time.Duration
	// CleanupInterval is how often expired cache entries are purged
	CleanupInterval time.Duration
}

// DefaultServiceConfig returns sensible defaults
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		CacheTTL:        5 * time.Minute,
		CleanupInterval: 10 * time.Minute,
	}
}

// Service answers catalog lookups. Reads go through a TTL cache because
// medicines are reference data that changes rarely.
type Service struct {
	repo   Repository
	cache  *gocache.Cache
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewService creates a catalog service backed by repo
func NewService(repo Repository, cfg ServiceConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		cache:  gocache.New(cfg.CacheTTL, cfg.CleanupInterval),
		logger: logger,
		tracer: otel.Tracer("catalog"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a medicine by id or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*Medicine, error) {
	if cached, ok := s.cache.Get(id); ok {
		return cached.(*Medicine).Clone(), nil
	}
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(id, m.Clone())
	return m, nil
}

// Register validates and stores a medicine. A blank id is assigned with a
// CTL prefix for controlled substances and MED otherwise. Interactions must
// reference medicines that already exist.
func (s *Service) Register(ctx context.Context, m *Medicine) (*Medicine, error) {
	m = m.Clone()
	if m.ID == "" {
		prefix := "MED"
		if m.Controlled {
			prefix = "CTL"
		}
		m.ID = prefix + strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	for _, in := range m.Interactions {
		if _, err := s.Get(ctx, in.MedicineID); err != nil {
			return nil, fmt.Errorf("interaction with %s: %w", in.MedicineID, err)
		}
	}

	now := s.now()
	if existing, err := s.repo.Get(ctx, m.ID); err == nil {
		m.CreatedAt = existing.CreatedAt
	} else {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	if err := s.repo.Put(ctx, m); err != nil {
		return nil, err
	}
	s.cache.Delete(m.ID)

	s.logger.Info("medicine registered",
		zap.String("medicine_id", m.ID),
		zap.String("name", m.Name),
		zap.Bool("controlled", m.Controlled))
	return m, nil
}

// Search finds medicines by name, generic name, brand or drug class.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]*Medicine, error) {
	return s.repo.Search(ctx, query, limit)
}

// FindInteractions checks every unordered pair among ids. A pair interacts if
// either medicine lists the other; when both do, the higher severity wins.
func (s *Service) FindInteractions(ctx context.Context, ids []string) ([]InteractionFinding, error) {
	ctx, span := s.tracer.Start(ctx, "catalog_find_interactions",
		trace.WithAttributes(attribute.Int("medicine_count", len(ids))))
	defer span.End()

	distinct := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			distinct = append(distinct, id)
		}
	}
	sort.Strings(distinct)

	meds := make(map[string]*Medicine, len(distinct))
	for _, id := range distinct {
		m, err := s.Get(ctx, id)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		meds[id] = m
	}

	var findings []InteractionFinding
	for i := 0; i < len(distinct); i++ {
		for j := i + 1; j < len(distinct); j++ {
			a, b := meds[distinct[i]], meds[distinct[j]]
			ab, okAB := a.interactionWith(b.ID)
			ba, okBA := b.interactionWith(a.ID)
			if !okAB && !okBA {
				continue
			}
			pick := ab
			if !okAB || (okBA && ba.Severity.rank() > ab.Severity.rank()) {
				pick = ba
			}
			findings = append(findings, InteractionFinding{
				Pair:        [2]string{a.ID, b.ID},
				Severity:    pick.Severity,
				Description: pick.Description,
				Management:  pick.Management,
			})
		}
	}
	span.SetAttributes(attribute.Int("finding_count", len(findings)))
	return findings, nil
}

// CheckAllergyConflict reports whether any allergen matches one of the
// medicine's active ingredients or allergy classes.
func (s *Service) CheckAllergyConflict(ctx context.Context, medicineID string, allergens []string) (bool, error) {
	matches, err := s.MatchingAllergens(ctx, medicineID, allergens)
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}

// MatchingAllergens returns the allergens that conflict with the medicine.
func (s *Service) MatchingAllergens(ctx context.Context, medicineID string, allergens []string) ([]string, error) {
	m, err := s.Get(ctx, medicineID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, allergen := range allergens {
		for _, term := range m.allergyTerms() {
			if overlaps(allergen, term) {
				out = append(out, allergen)
				break
			}
		}
	}
	return out, nil
}

// CheckContraindications returns the medicine's contraindicated conditions
// that match any of the patient's conditions.
func (s *Service) CheckContraindications(ctx context.Context, medicineID string, conditions []string) ([]string, error) {
	m, err := s.Get(ctx, medicineID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, c := range m.Contraindications {
		for _, pc := range conditions {
			if overlaps(c.Condition, pc) {
				out = append(out, c.Condition)
				break
			}
		}
	}
	return out, nil
}

// Invalidate drops a cached medicine so the next read hits the repository.
func (s *Service) Invalidate(id string) {
	s.cache.Delete(id)
}

var _ Repository = (*MemoryRepository)(nil)
var _ Repository = (*PostgresRepository)(nil)
