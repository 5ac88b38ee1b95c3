package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/outbox"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Repository persists the stock ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// errIdempotencyRace reports that a concurrent transaction committed the same key first.
var errIdempotencyRace = errors.New("inventory: idempotency key inserted concurrently")

const movementColumns = `id, tenant_id, product_id, warehouse_id, seq, movement_type, quantity, unit_cost, running_balance,
location_id, batch_number, lot_number, serial_number, manufactured_at, expires_at, reference_type, reference_id,
notes, metadata, idempotency_key, transacted_at, created_at`

// WithTx executes the callback inside a read-committed transaction. Writers of a
// scope queue on the head row lock and read the head committed by their predecessor.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// Head reads the scope head without locking. A missing head is the zero head.
func (r *Repository) Head(ctx context.Context, scope Scope) (Head, error) {
	head := Head{Scope: scope}
	var last *time.Time
	err := r.pool.QueryRow(ctx, `SELECT last_seq, last_transacted_at, balance FROM stock_ledger_heads
WHERE tenant_id=$1 AND product_id=$2 AND warehouse_id=$3`, int64(scope.TenantID), scope.ProductID, scope.WarehouseID).
		Scan(&head.LastSeq, &last, &head.Balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return head, nil
	}
	if err != nil {
		return Head{}, err
	}
	if last != nil {
		head.LastTransactedAt = *last
	}
	return head, nil
}

// ProductHeads lists the heads of every warehouse holding the product.
func (r *Repository) ProductHeads(ctx context.Context, tenantID shared.TenantID, productID int64) ([]Head, error) {
	rows, err := r.pool.Query(ctx, `SELECT warehouse_id, last_seq, last_transacted_at, balance FROM stock_ledger_heads
WHERE tenant_id=$1 AND product_id=$2 ORDER BY warehouse_id`, int64(tenantID), productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var heads []Head
	for rows.Next() {
		head := Head{Scope: Scope{TenantID: tenantID, ProductID: productID}}
		var last *time.Time
		if err := rows.Scan(&head.WarehouseID, &head.LastSeq, &last, &head.Balance); err != nil {
			return nil, err
		}
		if last != nil {
			head.LastTransactedAt = *last
		}
		heads = append(heads, head)
	}
	return heads, rows.Err()
}

// History lists movements in (transacted_at, insertion) order.
func (r *Repository) History(ctx context.Context, tenantID shared.TenantID, filter HistoryFilter) ([]StockMovement, error) {
	var (
		sb   strings.Builder
		args = []any{int64(tenantID), filter.ProductID}
	)
	sb.WriteString(`SELECT ` + movementColumns + ` FROM stock_movements WHERE tenant_id=$1 AND product_id=$2`)
	if filter.WarehouseID != nil {
		args = append(args, *filter.WarehouseID)
		fmt.Fprintf(&sb, " AND warehouse_id=$%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		fmt.Fprintf(&sb, " AND transacted_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		fmt.Fprintf(&sb, " AND transacted_at <= $%d", len(args))
	}
	if filter.After != nil {
		args = append(args, filter.After.TransactedAt, filter.After.ID)
		fmt.Fprintf(&sb, " AND (transacted_at, id) > ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, filter.Limit)
	fmt.Fprintf(&sb, " ORDER BY transacted_at ASC, id ASC LIMIT $%d", len(args))
	return queryMovements(ctx, r.pool, sb.String(), args...)
}

// ScopeMovements lists every movement of the scope in sequence order.
func (r *Repository) ScopeMovements(ctx context.Context, scope Scope) ([]StockMovement, error) {
	return queryMovements(ctx, r.pool, `SELECT `+movementColumns+` FROM stock_movements
WHERE tenant_id=$1 AND product_id=$2 AND warehouse_id=$3 ORDER BY seq ASC`,
		int64(scope.TenantID), scope.ProductID, scope.WarehouseID)
}

func (r *txRepository) LockHead(ctx context.Context, scope Scope) (Head, error) {
	head := Head{Scope: scope}
	var last *time.Time
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_ledger_heads (tenant_id, product_id, warehouse_id)
VALUES ($1,$2,$3)
ON CONFLICT (tenant_id, product_id, warehouse_id) DO UPDATE SET updated_at = stock_ledger_heads.updated_at
RETURNING last_seq, last_transacted_at, balance`, int64(scope.TenantID), scope.ProductID, scope.WarehouseID).
		Scan(&head.LastSeq, &last, &head.Balance)
	if err != nil {
		return Head{}, err
	}
	if last != nil {
		head.LastTransactedAt = *last
	}
	return head, nil
}

func (r *txRepository) FindByIdempotencyKey(ctx context.Context, tenantID shared.TenantID, key string) (StockMovement, error) {
	movements, err := queryMovements(ctx, r.tx, `SELECT `+movementColumns+` FROM stock_movements
WHERE tenant_id=$1 AND idempotency_key=$2`, int64(tenantID), key)
	if err != nil {
		return StockMovement{}, err
	}
	if len(movements) == 0 {
		return StockMovement{}, ErrMovementNotFound
	}
	return movements[0], nil
}

func (r *txRepository) InsertMovement(ctx context.Context, m StockMovement) (StockMovement, error) {
	metadata := m.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (tenant_id, product_id, warehouse_id, seq, movement_type, quantity, unit_cost,
running_balance, location_id, batch_number, lot_number, serial_number, manufactured_at, expires_at, reference_type, reference_id,
notes, metadata, idempotency_key, transacted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
RETURNING id, created_at`,
		int64(m.TenantID), m.ProductID, m.WarehouseID, m.Seq, string(m.Type), m.Quantity, m.UnitCost,
		m.RunningBalance, m.LocationID, m.BatchNumber, m.LotNumber, m.SerialNumber, m.ManufacturedAt, m.ExpiresAt,
		m.ReferenceType, m.ReferenceID, m.Notes, metadata, nullString(m.IdempotencyKey), m.TransactedAt).
		Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "uq_stock_movements_idempotency") {
			return StockMovement{}, errIdempotencyRace
		}
		return StockMovement{}, err
	}
	return m, nil
}

func (r *txRepository) AdvanceHead(ctx context.Context, head Head) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_ledger_heads SET last_seq=$4, last_transacted_at=$5, balance=$6, updated_at=NOW()
WHERE tenant_id=$1 AND product_id=$2 AND warehouse_id=$3 AND last_seq=$4-1`,
		int64(head.TenantID), head.ProductID, head.WarehouseID, head.LastSeq, head.LastTransactedAt, head.Balance)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("inventory: head %s moved while locked", head.Scope)
	}
	return nil
}

func (r *txRepository) AppendEvent(ctx context.Context, evt outbox.Event) error {
	return outbox.Insert(ctx, r.tx, evt)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryMovements(ctx context.Context, q querier, sql string, args ...any) ([]StockMovement, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	movements := []StockMovement{}
	for rows.Next() {
		var (
			m        StockMovement
			tenantID int64
			mtype    string
			key      *string
			unitCost decimal.NullDecimal
		)
		if err := rows.Scan(&m.ID, &tenantID, &m.ProductID, &m.WarehouseID, &m.Seq, &mtype, &m.Quantity, &unitCost,
			&m.RunningBalance, &m.LocationID, &m.BatchNumber, &m.LotNumber, &m.SerialNumber, &m.ManufacturedAt,
			&m.ExpiresAt, &m.ReferenceType, &m.ReferenceID, &m.Notes, &m.Metadata, &key, &m.TransactedAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.TenantID = shared.TenantID(tenantID)
		m.Type = MovementType(mtype)
		m.UnitCost = unitCost
		if key != nil {
			m.IdempotencyKey = *key
		}
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

// Scopes lists every scope head ordered by tenant, product and warehouse.
func (r *Repository) Scopes(ctx context.Context) ([]Scope, error) {
	rows, err := r.pool.Query(ctx, `SELECT tenant_id, product_id, warehouse_id FROM stock_ledger_heads
WHERE last_seq > 0 ORDER BY tenant_id, product_id, warehouse_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var scopes []Scope
	for rows.Next() {
		var (
			scope    Scope
			tenantID int64
		)
		if err := rows.Scan(&tenantID, &scope.ProductID, &scope.WarehouseID); err != nil {
			return nil, err
		}
		scope.TenantID = shared.TenantID(tenantID)
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// ReorderLevel reads the configured level of a scope.
func (r *Repository) ReorderLevel(ctx context.Context, scope Scope) (decimal.Decimal, bool, error) {
	var level decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT reorder_level FROM reorder_levels
WHERE tenant_id=$1 AND product_id=$2 AND warehouse_id=$3`, int64(scope.TenantID), scope.ProductID, scope.WarehouseID).Scan(&level)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return level, true, nil
}

// SetReorderLevel upserts the level of a scope.
func (r *Repository) SetReorderLevel(ctx context.Context, scope Scope, level decimal.Decimal) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO reorder_levels (tenant_id, product_id, warehouse_id, reorder_level)
VALUES ($1,$2,$3,$4)
ON CONFLICT (tenant_id, product_id, warehouse_id) DO UPDATE SET reorder_level = EXCLUDED.reorder_level`,
		int64(scope.TenantID), scope.ProductID, scope.WarehouseID, level)
	return err
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
