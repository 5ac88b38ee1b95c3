package accounting

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/outbox"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetJournal(ctx context.Context, tenantID shared.TenantID, entryID int64) (JournalEntry, error)
	ListJournals(ctx context.Context, tenantID shared.TenantID, filter JournalFilter) ([]JournalEntry, error)
	GetAccount(ctx context.Context, tenantID shared.TenantID, accountID int64) (Account, error)
	ListAccounts(ctx context.Context, tenantID shared.TenantID) ([]Account, error)
	PostedTotalsByAccount(ctx context.Context, tenantID shared.TenantID) (map[int64]SideTotals, error)
	ListTenants(ctx context.Context) ([]shared.TenantID, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error)
	// GetEntryForUpdate loads the entry with its lines and locks the header row.
	GetEntryForUpdate(ctx context.Context, tenantID shared.TenantID, entryID int64) (JournalEntry, error)
	UpdateDraft(ctx context.Context, entry JournalEntry) (bool, error)
	ReplaceLines(ctx context.Context, entryID int64, lines []JournalLine) error
	// TransitionStatus moves the entry only if it is still in from.
	TransitionStatus(ctx context.Context, tenantID shared.TenantID, entryID int64, from, to JournalStatus, at time.Time, reason string) (bool, error)

	GetAccounts(ctx context.Context, tenantID shared.TenantID, ids []int64) (map[int64]Account, error)
	GetAccountForUpdate(ctx context.Context, tenantID shared.TenantID, accountID int64) (Account, error)
	InsertAccount(ctx context.Context, account Account) (Account, error)
	UpdateParent(ctx context.Context, tenantID shared.TenantID, accountID int64, parentID *int64) error
	SetActive(ctx context.Context, tenantID shared.TenantID, accountID int64, active bool) error
	// LockHierarchy serialises parent changes of a tenant's chart of accounts.
	LockHierarchy(ctx context.Context, tenantID shared.TenantID) error
	PostedTotals(ctx context.Context, tenantID shared.TenantID, accountID int64) (SideTotals, error)
	UpdateCachedBalance(ctx context.Context, tenantID shared.TenantID, accountID int64, balance decimal.Decimal, at time.Time) error

	AppendEvent(ctx context.Context, evt outbox.Event) error
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Notifier is kicked after a commit that appended outbox events.
type Notifier interface {
	Notify()
}

// MetricsPort counts journal transitions and balance recomputations.
type MetricsPort interface {
	JournalTransition(status string)
	BalanceRecomputed()
}
