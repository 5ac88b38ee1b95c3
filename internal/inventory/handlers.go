package inventory

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/outbox"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Head(ctx context.Context, scope Scope) (Head, error)
	ProductHeads(ctx context.Context, tenantID shared.TenantID, productID int64) ([]Head, error)
	History(ctx context.Context, tenantID shared.TenantID, filter HistoryFilter) ([]StockMovement, error)
	ScopeMovements(ctx context.Context, scope Scope) ([]StockMovement, error)
	// Scopes lists every scope holding at least one movement.
	Scopes(ctx context.Context) ([]Scope, error)
	ReorderLevel(ctx context.Context, scope Scope) (decimal.Decimal, bool, error)
	SetReorderLevel(ctx context.Context, scope Scope, level decimal.Decimal) error
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	// LockHead returns the scope head, creating it if needed, locked until commit.
	LockHead(ctx context.Context, scope Scope) (Head, error)
	FindByIdempotencyKey(ctx context.Context, tenantID shared.TenantID, key string) (StockMovement, error)
	InsertMovement(ctx context.Context, m StockMovement) (StockMovement, error)
	AdvanceHead(ctx context.Context, head Head) error
	AppendEvent(ctx context.Context, evt outbox.Event) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Notifier is kicked after a commit that appended outbox events.
type Notifier interface {
	Notify()
}

// MetricsPort counts ledger writes.
type MetricsPort interface {
	MovementRecorded(movementType string)
}
