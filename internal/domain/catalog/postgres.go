package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxdispense/internal/domain/rxerr"
)

// PostgresRepository stores medicines in the medicines table. List-valued
// fields are kept as JSONB.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a new repository
func NewPostgresRepository(pool *pgxpool.Pool, logger *zap.Logger) *PostgresRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresRepository{pool: pool, logger: logger}
}

const medicineColumns = `id, name, generic_name, brand_name, strength, dosage_form, drug_class,
	active_ingredients, allergy_classes, interactions, contraindications,
	controlled, schedule, unit_price::text, reorder_level, minimum_stock, created_at, updated_at`

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Medicine, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+medicineColumns+` FROM medicines WHERE id = $1`, id)
	m, err := scanMedicine(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: medicine %s", rxerr.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load medicine %s: %w", id, err)
	}
	return m, nil
}

func (r *PostgresRepository) Put(ctx context.Context, m *Medicine) error {
	ingredients, _ := json.Marshal(nonNil(m.ActiveIngredients))
	classes, _ := json.Marshal(nonNil(m.AllergyClasses))
	interactions, err := json.Marshal(m.Interactions)
	if err != nil {
		return fmt.Errorf("encode interactions: %w", err)
	}
	contraindications, err := json.Marshal(m.Contraindications)
	if err != nil {
		return fmt.Errorf("encode contraindications: %w", err)
	}

	query := `
		INSERT INTO medicines
		(id, name, generic_name, brand_name, strength, dosage_form, drug_class,
		 active_ingredients, allergy_classes, interactions, contraindications,
		 controlled, schedule, unit_price, reorder_level, minimum_stock, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::numeric, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, generic_name = EXCLUDED.generic_name, brand_name = EXCLUDED.brand_name,
			strength = EXCLUDED.strength, dosage_form = EXCLUDED.dosage_form, drug_class = EXCLUDED.drug_class,
			active_ingredients = EXCLUDED.active_ingredients, allergy_classes = EXCLUDED.allergy_classes,
			interactions = EXCLUDED.interactions, contraindications = EXCLUDED.contraindications,
			controlled = EXCLUDED.controlled, schedule = EXCLUDED.schedule, unit_price = EXCLUDED.unit_price,
			reorder_level = EXCLUDED.reorder_level, minimum_stock = EXCLUDED.minimum_stock,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.pool.Exec(ctx, query,
		m.ID, m.Name, m.GenericName, m.BrandName, m.Strength, m.DosageForm, m.DrugClass,
		ingredients, classes, interactions, contraindications,
		m.Controlled, m.Schedule, m.UnitPrice.String(), m.ReorderLevel, m.MinimumStock,
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save medicine %s: %w", m.ID, err)
	}
	return nil
}

func (r *PostgresRepository) Search(ctx context.Context, query string, limit int) ([]*Medicine, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+medicineColumns+`
		FROM medicines
		WHERE $1 = '' OR name ILIKE '%' || $1 || '%' OR generic_name ILIKE '%' || $1 || '%'
		   OR brand_name ILIKE '%' || $1 || '%' OR drug_class ILIKE '%' || $1 || '%'
		ORDER BY name
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search medicines: %w", err)
	}
	defer rows.Close()

	var out []*Medicine
	for rows.Next() {
		m, err := scanMedicine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan medicine: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMedicine(row pgx.Row) (*Medicine, error) {
	var (
		m                                                  Medicine
		ingredients, classes, interactions, contraindicate []byte
		price                                              string
	)
	err := row.Scan(
		&m.ID, &m.Name, &m.GenericName, &m.BrandName, &m.Strength, &m.DosageForm, &m.DrugClass,
		&ingredients, &classes, &interactions, &contraindicate,
		&m.Controlled, &m.Schedule, &price, &m.ReorderLevel, &m.MinimumStock, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if m.UnitPrice, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse unit price: %w", err)
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{ingredients, &m.ActiveIngredients},
		{classes, &m.AllergyClasses},
		{interactions, &m.Interactions},
		{contraindicate, &m.Contraindications},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode medicine %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
