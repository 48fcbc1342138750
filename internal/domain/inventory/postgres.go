package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxdispense/internal/domain/rxerr"
)

// PostgresStore keeps batches in inventory_batches, their history in
// inventory_movements and open reservations in stock_reservations. Mutate
// serializes per medicine with a transaction-scoped advisory lock.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a new store
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

const batchColumns = `id, seq, medicine_id, batch_number, lot_number, supplier, received_quantity,
	on_hand, reserved, expiry_date, unit_cost::text, selling_price::text, status, received_at`

func (s *PostgresStore) InsertBatch(ctx context.Context, b *Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO inventory_batches
		(id, medicine_id, batch_number, lot_number, supplier, received_quantity,
		 on_hand, reserved, expiry_date, unit_cost, selling_price, status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11::numeric, $12, $13)
		RETURNING seq
	`
	err = tx.QueryRow(ctx, query,
		b.ID, b.MedicineID, b.BatchNumber, b.LotNumber, b.Supplier, b.Received,
		b.OnHand, b.Reserved, b.ExpiryDate, b.UnitCost.String(), b.SellingPrice.String(),
		string(b.Status), b.ReceivedAt,
	).Scan(&b.Seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: batch %s already exists", rxerr.ErrInvalidArgument, b.ID)
		}
		return fmt.Errorf("insert batch: %w", err)
	}

	if err := insertMovements(ctx, tx, b.Movements); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM inventory_batches WHERE id = $1`, id)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: batch %s", rxerr.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load batch %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT batch_id, movement_type, quantity, occurred_at, actor, reference, notes
		FROM inventory_movements
		WHERE batch_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load movements: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m Movement
		var typ string
		if err := rows.Scan(&m.BatchID, &typ, &m.Quantity, &m.At, &m.Actor, &m.Reference, &m.Notes); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		m.Type = MovementType(typ)
		b.Movements = append(b.Movements, m)
	}
	return b, rows.Err()
}

func (s *PostgresStore) ListBatches(ctx context.Context, medicineID string) ([]*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM inventory_batches WHERE ($1 = '' OR medicine_id = $1) ORDER BY seq`
	rows, err := s.pool.Query(ctx, query, medicineID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	return collectBatches(rows)
}

func (s *PostgresStore) Mutate(ctx context.Context, medicineID string, fn MutateFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Reservations for a medicine with no batches still need to serialize,
	// so the lock is on the medicine id rather than on batch rows.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, medicineID); err != nil {
		return fmt.Errorf("lock medicine %s: %w", medicineID, err)
	}

	rows, err := tx.Query(ctx,
		`SELECT `+batchColumns+` FROM inventory_batches WHERE medicine_id = $1 ORDER BY seq FOR UPDATE`,
		medicineID)
	if err != nil {
		return fmt.Errorf("load batches: %w", err)
	}
	batches, err := collectBatches(rows)
	rows.Close()
	if err != nil {
		return err
	}

	snap := &Snapshot{MedicineID: medicineID, Batches: batches, Reservations: make(map[string]*Reservation)}
	rows, err = tx.Query(ctx, `
		SELECT id, medicine_id, quantity, allocations, created_at
		FROM stock_reservations
		WHERE medicine_id = $1
	`, medicineID)
	if err != nil {
		return fmt.Errorf("load reservations: %w", err)
	}
	for rows.Next() {
		var r Reservation
		var allocations []byte
		if err := rows.Scan(&r.ID, &r.MedicineID, &r.Quantity, &allocations, &r.CreatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan reservation: %w", err)
		}
		if err := json.Unmarshal(allocations, &r.Allocations); err != nil {
			rows.Close()
			return fmt.Errorf("decode allocations for %s: %w", r.ID, err)
		}
		snap.Reservations[r.ID] = &r
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate reservations: %w", err)
	}

	change, err := fn(snap)
	if err != nil || change == nil {
		return err
	}

	for _, b := range change.Batches {
		_, err := tx.Exec(ctx, `
			UPDATE inventory_batches
			SET on_hand = $2, reserved = $3, status = $4
			WHERE id = $1
		`, b.ID, b.OnHand, b.Reserved, string(b.Status))
		if err != nil {
			return fmt.Errorf("update batch %s: %w", b.ID, err)
		}
	}
	if err := insertMovements(ctx, tx, change.Movements); err != nil {
		return err
	}
	for _, r := range change.PutReservations {
		allocations, err := json.Marshal(r.Allocations)
		if err != nil {
			return fmt.Errorf("encode allocations: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO stock_reservations (id, medicine_id, quantity, allocations, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, r.ID, r.MedicineID, r.Quantity, allocations, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert reservation %s: %w", r.ID, err)
		}
	}
	if len(change.DeleteReservations) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM stock_reservations WHERE id = ANY($1)`, change.DeleteReservations); err != nil {
			return fmt.Errorf("delete reservations: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertMovements(ctx context.Context, tx pgx.Tx, movements []Movement) error {
	if len(movements) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range movements {
		batch.Queue(`
			INSERT INTO inventory_movements (batch_id, movement_type, quantity, occurred_at, actor, reference, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, m.BatchID, string(m.Type), m.Quantity, m.At, m.Actor, m.Reference, m.Notes)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert movements: %w", err)
	}
	return nil
}

func collectBatches(rows pgx.Rows) ([]*Batch, error) {
	var out []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	var unitCost, sellingPrice, status string
	err := row.Scan(
		&b.ID, &b.Seq, &b.MedicineID, &b.BatchNumber, &b.LotNumber, &b.Supplier, &b.Received,
		&b.OnHand, &b.Reserved, &b.ExpiryDate, &unitCost, &sellingPrice, &status, &b.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}
	if b.UnitCost, err = decimal.NewFromString(unitCost); err != nil {
		return nil, fmt.Errorf("parse unit cost: %w", err)
	}
	if b.SellingPrice, err = decimal.NewFromString(sellingPrice); err != nil {
		return nil, fmt.Errorf("parse selling price: %w", err)
	}
	b.Status = BatchStatus(status)
	b.ExpiryDate = b.ExpiryDate.UTC()
	return &b, nil
}

var _ Store = (*PostgresStore)(nil)
