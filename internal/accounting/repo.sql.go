package accounting

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

// Repository persists accounting entities.
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

const (
	entryColumns = `id, tenant_id, entry_number, entry_date, description, reference_type, reference_id, status,
posted_at, voided_at, void_reason, created_at, updated_at`
	accountColumns = `id, tenant_id, code, name, type, parent_id, opening_balance, current_balance,
balance_recomputed_at, is_active, created_at, updated_at`
)

// WithTx executes fn within a read-committed transaction. Entry and account
// rows are locked explicitly, so every statement sees the latest commits.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("accounting repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetJournal loads an entry with its lines.
func (r *Repository) GetJournal(ctx context.Context, tenantID shared.TenantID, entryID int64) (JournalEntry, error) {
	entry, err := scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE tenant_id=$1 AND id=$2`, int64(tenantID), entryID))
	if err != nil {
		return JournalEntry{}, err
	}
	entry.Lines, err = loadLines(ctx, r.pool, entryID)
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

// ListJournals lists entry headers, newest first.
func (r *Repository) ListJournals(ctx context.Context, tenantID shared.TenantID, filter JournalFilter) ([]JournalEntry, error) {
	var (
		sb   strings.Builder
		args = []any{int64(tenantID)}
	)
	sb.WriteString(`SELECT ` + entryColumns + ` FROM journal_entries WHERE tenant_id=$1`)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		fmt.Fprintf(&sb, " AND status=$%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		fmt.Fprintf(&sb, " AND entry_date >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		fmt.Fprintf(&sb, " AND entry_date <= $%d", len(args))
	}
	args = append(args, filter.Limit, filter.Offset)
	fmt.Fprintf(&sb, " ORDER BY entry_date DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []JournalEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetAccount loads one account of the tenant.
func (r *Repository) GetAccount(ctx context.Context, tenantID shared.TenantID, accountID int64) (Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE tenant_id=$1 AND id=$2`, int64(tenantID), accountID))
}

// ListAccounts retrieves the chart of accounts ordered by code.
func (r *Repository) ListAccounts(ctx context.Context, tenantID shared.TenantID) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE tenant_id=$1 ORDER BY code`, int64(tenantID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// PostedTotalsByAccount sums posted lines per account and side.
func (r *Repository) PostedTotalsByAccount(ctx context.Context, tenantID shared.TenantID) (map[int64]SideTotals, error) {
	rows, err := r.pool.Query(ctx, `SELECT l.account_id,
       COALESCE(SUM(l.amount) FILTER (WHERE l.side='debit'), 0),
       COALESCE(SUM(l.amount) FILTER (WHERE l.side='credit'), 0)
FROM journal_lines l
JOIN journal_entries e ON e.id = l.entry_id
WHERE e.tenant_id=$1 AND e.status='posted'
GROUP BY l.account_id`, int64(tenantID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	totals := make(map[int64]SideTotals)
	for rows.Next() {
		var (
			accountID int64
			t         SideTotals
		)
		if err := rows.Scan(&accountID, &t.Debit, &t.Credit); err != nil {
			return nil, err
		}
		totals[accountID] = t
	}
	return totals, rows.Err()
}

// ListTenants returns every tenant owning accounts.
func (r *Repository) ListTenants(ctx context.Context) ([]shared.TenantID, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM accounts ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tenants []shared.TenantID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, shared.TenantID(id))
	}
	return tenants, rows.Err()
}

func (r *txRepository) InsertEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO journal_entries (tenant_id, entry_number, entry_date, description, reference_type, reference_id, status)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id, created_at, updated_at`,
		int64(entry.TenantID), entry.Number, entry.Date, entry.Description, entry.ReferenceType, entry.ReferenceID, string(StatusDraft)).
		Scan(&entry.ID, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "uq_journal_entries_tenant_number") {
			return JournalEntry{}, ErrDuplicateEntryNumber
		}
		return JournalEntry{}, err
	}
	entry.Status = StatusDraft
	return entry, nil
}

func (r *txRepository) GetEntryForUpdate(ctx context.Context, tenantID shared.TenantID, entryID int64) (JournalEntry, error) {
	entry, err := scanEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, int64(tenantID), entryID))
	if err != nil {
		return JournalEntry{}, err
	}
	entry.Lines, err = loadLines(ctx, r.tx, entryID)
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

func (r *txRepository) UpdateDraft(ctx context.Context, entry JournalEntry) (bool, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE journal_entries SET entry_number=$3, entry_date=$4, description=$5, reference_type=$6, reference_id=$7, updated_at=NOW()
WHERE tenant_id=$1 AND id=$2 AND status='draft'`,
		int64(entry.TenantID), entry.ID, entry.Number, entry.Date, entry.Description, entry.ReferenceType, entry.ReferenceID)
	if err != nil {
		if db.IsUniqueViolation(err, "uq_journal_entries_tenant_number") {
			return false, ErrDuplicateEntryNumber
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepository) ReplaceLines(ctx context.Context, entryID int64, lines []JournalLine) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM journal_lines WHERE entry_id=$1`, entryID); err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(lines))
	for _, line := range lines {
		rows = append(rows, []any{entryID, line.LineNo, line.AccountID, string(line.Side), line.Amount, line.Memo})
	}
	_, err := r.tx.CopyFrom(ctx, pgx.Identifier{"journal_lines"},
		[]string{"entry_id", "line_no", "account_id", "side", "amount", "memo"}, pgx.CopyFromRows(rows))
	if err != nil && db.IsForeignKeyViolation(err) {
		return fmt.Errorf("%w: %w", ErrAccountNotFound, err)
	}
	return err
}

func (r *txRepository) TransitionStatus(ctx context.Context, tenantID shared.TenantID, entryID int64, from, to JournalStatus, at time.Time, reason string) (bool, error) {
	var sql string
	switch to {
	case StatusPosted:
		sql = `UPDATE journal_entries SET status=$4, posted_at=$5, updated_at=NOW() WHERE tenant_id=$1 AND id=$2 AND status=$3`
	case StatusVoid:
		sql = `UPDATE journal_entries SET status=$4, voided_at=$5, void_reason=$6, updated_at=NOW() WHERE tenant_id=$1 AND id=$2 AND status=$3`
	default:
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	args := []any{int64(tenantID), entryID, string(from), string(to), at}
	if to == StatusVoid {
		args = append(args, reason)
	}
	tag, err := r.tx.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepository) GetAccounts(ctx context.Context, tenantID shared.TenantID, ids []int64) (map[int64]Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE tenant_id=$1 AND id = ANY($2)`, int64(tenantID), ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	accounts := make(map[int64]Account, len(ids))
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts[a.ID] = a
	}
	return accounts, rows.Err()
}

func (r *txRepository) GetAccountForUpdate(ctx context.Context, tenantID shared.TenantID, accountID int64) (Account, error) {
	return scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, int64(tenantID), accountID))
}

func (r *txRepository) InsertAccount(ctx context.Context, a Account) (Account, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO accounts (tenant_id, code, name, type, parent_id, opening_balance, current_balance, is_active)
VALUES ($1,$2,$3,$4,$5,$6,$6,TRUE) RETURNING id, created_at, updated_at`,
		int64(a.TenantID), a.Code, a.Name, string(a.Type), a.ParentID, a.OpeningBalance).
		Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "uq_accounts_tenant_code") {
			return Account{}, ErrDuplicateAccountCode
		}
		return Account{}, err
	}
	a.CurrentBalance = a.OpeningBalance
	a.IsActive = true
	return a, nil
}

func (r *txRepository) UpdateParent(ctx context.Context, tenantID shared.TenantID, accountID int64, parentID *int64) error {
	return r.execOne(ctx, `UPDATE accounts SET parent_id=$3, updated_at=NOW() WHERE tenant_id=$1 AND id=$2`, int64(tenantID), accountID, parentID)
}

func (r *txRepository) SetActive(ctx context.Context, tenantID shared.TenantID, accountID int64, active bool) error {
	return r.execOne(ctx, `UPDATE accounts SET is_active=$3, updated_at=NOW() WHERE tenant_id=$1 AND id=$2`, int64(tenantID), accountID, active)
}

func (r *txRepository) LockHierarchy(ctx context.Context, tenantID shared.TenantID) error {
	_, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('accounts.hierarchy:' || $1::text, 0))`, tenantID.String())
	return err
}

func (r *txRepository) PostedTotals(ctx context.Context, tenantID shared.TenantID, accountID int64) (SideTotals, error) {
	var t SideTotals
	err := r.tx.QueryRow(ctx, `SELECT
       COALESCE(SUM(l.amount) FILTER (WHERE l.side='debit'), 0),
       COALESCE(SUM(l.amount) FILTER (WHERE l.side='credit'), 0)
FROM journal_lines l
JOIN journal_entries e ON e.id = l.entry_id
WHERE e.tenant_id=$1 AND e.status='posted' AND l.account_id=$2`, int64(tenantID), accountID).Scan(&t.Debit, &t.Credit)
	return t, err
}

func (r *txRepository) UpdateCachedBalance(ctx context.Context, tenantID shared.TenantID, accountID int64, balance decimal.Decimal, at time.Time) error {
	return r.execOne(ctx, `UPDATE accounts SET current_balance=$3, balance_recomputed_at=$4, updated_at=NOW() WHERE tenant_id=$1 AND id=$2`,
		int64(tenantID), accountID, balance, at)
}

func (r *txRepository) AppendEvent(ctx context.Context, evt outbox.Event) error {
	return outbox.Insert(ctx, r.tx, evt)
}

func (r *txRepository) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := r.tx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadLines(ctx context.Context, q querier, entryID int64) ([]JournalLine, error) {
	rows, err := q.Query(ctx, `SELECT entry_id, line_no, account_id, side, amount, memo FROM journal_lines WHERE entry_id=$1 ORDER BY line_no`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lines := []JournalLine{}
	for rows.Next() {
		var (
			line JournalLine
			side string
		)
		if err := rows.Scan(&line.EntryID, &line.LineNo, &line.AccountID, &side, &line.Amount, &line.Memo); err != nil {
			return nil, err
		}
		line.Side = Side(side)
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func scanEntry(row pgx.Row) (JournalEntry, error) {
	var (
		e        JournalEntry
		tenantID int64
		status   string
	)
	err := row.Scan(&e.ID, &tenantID, &e.Number, &e.Date, &e.Description, &e.ReferenceType, &e.ReferenceID, &status,
		&e.PostedAt, &e.VoidedAt, &e.VoidReason, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrJournalNotFound
		}
		return JournalEntry{}, err
	}
	e.TenantID = shared.TenantID(tenantID)
	e.Status = JournalStatus(status)
	return e, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		a        Account
		tenantID int64
		typ      string
	)
	err := row.Scan(&a.ID, &tenantID, &a.Code, &a.Name, &typ, &a.ParentID, &a.OpeningBalance, &a.CurrentBalance,
		&a.BalanceRecomputedAt, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	a.TenantID = shared.TenantID(tenantID)
	a.Type = AccountType(typ)
	return a, nil
}
