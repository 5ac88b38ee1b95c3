package inventory

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// MovementType enumerates stock-affecting business events.
type MovementType string

const (
	MovementPurchase      MovementType = "purchase"
	MovementSale          MovementType = "sale"
	MovementAdjustmentIn  MovementType = "adjustment_in"
	MovementAdjustmentOut MovementType = "adjustment_out"
	MovementTransferIn    MovementType = "transfer_in"
	MovementTransferOut   MovementType = "transfer_out"
	MovementReturnIn      MovementType = "return_in"
	MovementReturnOut     MovementType = "return_out"
	MovementProductionIn  MovementType = "production_in"
	MovementProductionOut MovementType = "production_out"
	MovementDamage        MovementType = "damage"
	MovementLoss          MovementType = "loss"
)

// movementSigns maps each movement type to the direction it moves stock.
var movementSigns = map[MovementType]int64{
	MovementPurchase:      1,
	MovementAdjustmentIn:  1,
	MovementTransferIn:    1,
	MovementReturnIn:      1,
	MovementProductionIn:  1,
	MovementSale:          -1,
	MovementAdjustmentOut: -1,
	MovementTransferOut:   -1,
	MovementReturnOut:     -1,
	MovementProductionOut: -1,
	MovementDamage:        -1,
	MovementLoss:          -1,
}

// Sign returns +1 or -1 for a known movement type.
func Sign(t MovementType) (int64, bool) {
	s, ok := movementSigns[t]
	return s, ok
}

// SignedQuantity applies the movement direction to an unsigned quantity.
func SignedQuantity(t MovementType, qty decimal.Decimal) (decimal.Decimal, error) {
	s, ok := Sign(t)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidMovementType, t)
	}
	return qty.Mul(decimal.NewFromInt(s)), nil
}

// Scope identifies an independently ordered ledger.
// WarehouseID 0 is the warehouse-less scope of a product.
type Scope struct {
	TenantID    shared.TenantID
	ProductID   int64
	WarehouseID int64
}

func (s Scope) String() string {
	return fmt.Sprintf("%d/%d/%d", s.TenantID, s.ProductID, s.WarehouseID)
}

// Less orders scopes so multi-scope writers lock in a consistent order.
func (s Scope) Less(o Scope) bool {
	if s.TenantID != o.TenantID {
		return s.TenantID < o.TenantID
	}
	if s.ProductID != o.ProductID {
		return s.ProductID < o.ProductID
	}
	return s.WarehouseID < o.WarehouseID
}

// Head is the latest state of a scope.
type Head struct {
	Scope
	LastSeq          int64
	LastTransactedAt time.Time
	Balance          decimal.Decimal
}

// StockMovement is an immutable ledger entry.
type StockMovement struct {
	ID             int64
	TenantID       shared.TenantID
	ProductID      int64
	WarehouseID    int64
	Seq            int64
	Type           MovementType
	Quantity       decimal.Decimal
	UnitCost       decimal.NullDecimal
	RunningBalance decimal.Decimal
	LocationID     *int64
	BatchNumber    string
	LotNumber      string
	SerialNumber   string
	ManufacturedAt *time.Time
	ExpiresAt      *time.Time
	ReferenceType  string
	ReferenceID    string
	Notes          string
	Metadata       map[string]any
	IdempotencyKey string
	TransactedAt   time.Time
	CreatedAt      time.Time
}

// Scope returns the ledger scope of the movement.
func (m StockMovement) Scope() Scope {
	return Scope{TenantID: m.TenantID, ProductID: m.ProductID, WarehouseID: m.WarehouseID}
}

// Delta is the signed quantity applied by the movement.
func (m StockMovement) Delta() decimal.Decimal {
	d, _ := SignedQuantity(m.Type, m.Quantity)
	return d
}

// RecordInput describes a single movement to append.
type RecordInput struct {
	ProductID      int64
	WarehouseID    int64
	Type           MovementType
	Quantity       decimal.Decimal
	UnitCost       *decimal.Decimal
	LocationID     *int64
	BatchNumber    string
	LotNumber      string
	SerialNumber   string
	ManufacturedAt *time.Time
	ExpiresAt      *time.Time
	ReferenceType  string
	ReferenceID    string
	Notes          string
	Metadata       map[string]any
	// TransactedAt defaults to the time the scope lock is acquired.
	TransactedAt   time.Time
	IdempotencyKey string
	ActorID        int64
}

// TransferInput moves stock between two warehouses of one product.
type TransferInput struct {
	ProductID              int64
	SourceWarehouseID      int64
	DestinationWarehouseID int64
	Quantity               decimal.Decimal
	UnitCost               *decimal.Decimal
	ReferenceType          string
	ReferenceID            string
	Notes                  string
	TransactedAt           time.Time
	IdempotencyKey         string
	ActorID                int64
}

// HistoryFilter selects ledger entries of a product.
// A nil WarehouseID returns the movements of every warehouse.
type HistoryFilter struct {
	ProductID   int64
	WarehouseID *int64
	From        time.Time
	To          time.Time
	Limit       int
	// After resumes the listing strictly past the given entry.
	After *HistoryCursor
}

// HistoryCursor marks a position in (transacted_at, id) order.
type HistoryCursor struct {
	TransactedAt time.Time
	ID           int64
}

// String encodes the cursor for use in a query string.
func (c HistoryCursor) String() string {
	return strconv.FormatInt(c.TransactedAt.UnixNano(), 10) + "_" + strconv.FormatInt(c.ID, 10)
}

// ParseHistoryCursor decodes a cursor produced by HistoryCursor.String.
func ParseHistoryCursor(raw string) (HistoryCursor, error) {
	at, id, ok := strings.Cut(raw, "_")
	if !ok {
		return HistoryCursor{}, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return HistoryCursor{}, ErrInvalidCursor
	}
	movementID, err := strconv.ParseInt(id, 10, 64)
	if err != nil || movementID <= 0 {
		return HistoryCursor{}, ErrInvalidCursor
	}
	return HistoryCursor{TransactedAt: time.Unix(0, nanos).UTC(), ID: movementID}, nil
}

// HistoryPage is one page of a history listing.
type HistoryPage struct {
	Movements []StockMovement
	// Next is nil once the range is exhausted.
	Next *HistoryCursor
}

// ScopeReport is the outcome of replaying a scope.
type ScopeReport struct {
	Scope           Scope
	Entries         int
	HeadBalance     decimal.Decimal
	ReplayedBalance decimal.Decimal
	// FirstBrokenSeq is the first entry whose running balance disagrees with the prefix sum.
	FirstBrokenSeq int64
	Consistent     bool
}

// BalanceGuard may veto a movement given the balances before and after it.
type BalanceGuard func(scope Scope, previous, next decimal.Decimal) error

// RejectNegative is a BalanceGuard that refuses balances below zero.
func RejectNegative(_ Scope, _, next decimal.Decimal) error {
	if next.IsNegative() {
		return ErrNegativeStock
	}
	return nil
}

const (
	defaultHistoryLimit = 200
	maxHistoryLimit     = 1000
)

var (
	// ErrInvalidCursor indicates a malformed history cursor.
	ErrInvalidCursor = errors.New("inventory: invalid history cursor")
	// ErrInvalidQuantity indicates a missing or non-positive quantity.
	ErrInvalidQuantity = errors.New("inventory: quantity must be greater than zero")
	// ErrInvalidUnitCost indicates invalid cost value.
	ErrInvalidUnitCost = errors.New("inventory: unit cost must be >= 0")
	// ErrInvalidMovementType indicates an unknown movement type.
	ErrInvalidMovementType = errors.New("inventory: unknown movement type")
	// ErrInvalidProduct indicates a missing product id.
	ErrInvalidProduct = errors.New("inventory: product required")
	// ErrInvalidWarehouse indicates a malformed warehouse id.
	ErrInvalidWarehouse = errors.New("inventory: invalid warehouse")
	// ErrSameWarehouse is returned by transfers within one warehouse.
	ErrSameWarehouse = errors.New("inventory: source and destination warehouse must differ")
	// ErrBackdatedMovement rejects a timestamp earlier than the scope's latest entry.
	ErrBackdatedMovement = errors.New("inventory: transaction time precedes latest movement in scope")
	// ErrNegativeStock is returned by RejectNegative.
	ErrNegativeStock = errors.New("inventory: negative stock not allowed")
	// ErrIdempotencyMismatch indicates a reused key carrying a different movement.
	ErrIdempotencyMismatch = errors.New("inventory: idempotency key already used for another movement")
	// ErrConcurrencyConflict is a transient failure after exhausting lock retries.
	ErrConcurrencyConflict = errors.New("inventory: concurrent update conflict, retry later")
	// ErrMovementNotFound indicates a missing movement.
	ErrMovementNotFound = errors.New("inventory: movement not found")
	// ErrInvalidReorderLevel indicates a negative or over-precise reorder level.
	ErrInvalidReorderLevel = errors.New("inventory: reorder level must be zero or greater")
)
