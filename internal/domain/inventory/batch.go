// Package inventory implements the per-batch stock ledger: receipt, two-phase
// reserve/consume for dispensing, and expiry-aware write-offs.
package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// BatchStatus is the lifecycle status of a received lot
type BatchStatus string

const (
	BatchActive      BatchStatus = "Active"
	BatchExpired     BatchStatus = "Expired"
	BatchDamaged     BatchStatus = "Damaged"
	BatchRecalled    BatchStatus = "Recalled"
	BatchQuarantined BatchStatus = "Quarantined"
)

func (s BatchStatus) valid() bool {
	switch s {
	case BatchActive, BatchExpired, BatchDamaged, BatchRecalled, BatchQuarantined:
		return true
	}
	return false
}

// writesOff reports whether entering this status removes remaining stock.
func (s BatchStatus) writesOff() bool {
	return s == BatchExpired || s == BatchDamaged || s == BatchRecalled
}

// MovementType classifies a stock movement
type MovementType string

const (
	MovementReceived  MovementType = "Received"
	MovementDispensed MovementType = "Dispensed"
	MovementReturned  MovementType = "Returned"
	MovementAdjusted  MovementType = "Adjusted"
	MovementExpired   MovementType = "Expired"
	MovementDamaged   MovementType = "Damaged"
	MovementRecalled  MovementType = "Recalled"
)

// Movement is one append-only entry in a batch's stock history.
type Movement struct {
	BatchID   string       `json:"batch_id"`
	Type      MovementType `json:"type"`
	Quantity  int          `json:"quantity"`
	At        time.Time    `json:"at"`
	Actor     string       `json:"actor"`
	Reference string       `json:"reference,omitempty"`
	Notes     string       `json:"notes,omitempty"`
}

// Batch is one received lot of one medicine.
type Batch struct {
	ID           string          `json:"id"`
	MedicineID   string          `json:"medicine_id"`
	BatchNumber  string          `json:"batch_number"`
	LotNumber    string          `json:"lot_number,omitempty"`
	Supplier     string          `json:"supplier,omitempty"`
	Received     int             `json:"received_quantity"`
	OnHand       int             `json:"on_hand"`
	Reserved     int             `json:"reserved"`
	ExpiryDate   time.Time       `json:"expiry_date"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	Status       BatchStatus     `json:"status"`
	Seq          int64           `json:"seq"`
	ReceivedAt   time.Time       `json:"received_at"`
	Movements    []Movement      `json:"movements,omitempty"`
}

// Available is the quantity not yet promised to a reservation.
func (b *Batch) Available() int { return b.OnHand - b.Reserved }

// IsExpired reports whether the batch is past its expiry date at now.
func (b *Batch) IsExpired(now time.Time) bool { return !b.ExpiryDate.After(now) }

// Reservable reports whether new reservations may draw from the batch.
// Expiry is derived from the date so an Active batch past expiry is excluded
// before anyone marks it Expired.
func (b *Batch) Reservable(now time.Time) bool {
	return b.Status == BatchActive && !b.IsExpired(now)
}

// DaysUntilExpiry rounds up partial days; negative once expired.
func (b *Batch) DaysUntilExpiry(now time.Time) int {
	d := b.ExpiryDate.Sub(now)
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) > 0 {
		days++
	}
	return days
}

// Value is the cost of stock still on hand.
func (b *Batch) Value() decimal.Decimal {
	return b.UnitCost.Mul(decimal.NewFromInt(int64(b.OnHand)))
}

// ExpiryStatus buckets a batch by time left before expiry
type ExpiryStatus string

const (
	ExpiryExpired      ExpiryStatus = "Expired"
	ExpiryExpiringSoon ExpiryStatus = "Expiring Soon"
	ExpiryMonitor      ExpiryStatus = "Monitor"
	ExpiryGood         ExpiryStatus = "Good"
)

// ExpiryStatus classifies the batch at now: 30 days or less is Expiring Soon,
// 90 days or less is Monitor.
func (b *Batch) ExpiryStatus(now time.Time) ExpiryStatus {
	if b.IsExpired(now) {
		return ExpiryExpired
	}
	switch days := b.DaysUntilExpiry(now); {
	case days <= 30:
		return ExpiryExpiringSoon
	case days <= 90:
		return ExpiryMonitor
	default:
		return ExpiryGood
	}
}

func (b *Batch) clone() *Batch {
	c := *b
	c.Movements = append([]Movement(nil), b.Movements...)
	return &c
}

// StockStatus buckets a medicine's available quantity
type StockStatus string

const (
	StockOut      StockStatus = "Out of Stock"
	StockCritical StockStatus = "Critical"
	StockLow      StockStatus = "Low"
	StockNormal   StockStatus = "Normal"
)

// ClassifyStock derives a stock status from available quantity and the
// medicine's thresholds.
func ClassifyStock(available, minimum, reorder int) StockStatus {
	switch {
	case available <= 0:
		return StockOut
	case available <= minimum:
		return StockCritical
	case available <= reorder:
		return StockLow
	default:
		return StockNormal
	}
}

// StockLevel summarizes a medicine's reservable stock.
type StockLevel struct {
	MedicineID   string      `json:"medicine_id"`
	Available    int         `json:"available"`
	OnHand       int         `json:"on_hand"`
	Reserved     int         `json:"reserved"`
	ReorderLevel int         `json:"reorder_level"`
	MinimumStock int         `json:"minimum_stock"`
	Status       StockStatus `json:"status"`
	Batches      int         `json:"batches"`
}

// Allocation is the share of a reservation held against one batch.
type Allocation struct {
	BatchID  string `json:"batch_id"`
	Quantity int    `json:"quantity"`
}

// Reservation is the token returned by Reserve. It must be consumed or
// released exactly once.
type Reservation struct {
	ID          string       `json:"id"`
	MedicineID  string       `json:"medicine_id"`
	Quantity    int          `json:"quantity"`
	Allocations []Allocation `json:"allocations"`
	CreatedAt   time.Time    `json:"created_at"`
}

func (r *Reservation) clone() *Reservation {
	c := *r
	c.Allocations = append([]Allocation(nil), r.Allocations...)
	return &c
}

// BatchConsumption records stock drawn from one batch, with the lot and
// expiry attribution needed for recall tracing.
type BatchConsumption struct {
	BatchID     string          `json:"batch_id"`
	MedicineID  string          `json:"medicine_id"`
	BatchNumber string          `json:"batch_number"`
	LotNumber   string          `json:"lot_number,omitempty"`
	ExpiryDate  time.Time       `json:"expiry_date"`
	Quantity    int             `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Cost        decimal.Decimal `json:"cost"`
}
