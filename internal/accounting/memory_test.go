package accounting

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/outbox"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// memoryRepo serialises transactions behind a single lock and rolls back the
// whole state when fn fails.
type memoryRepo struct {
	txMu     sync.Mutex
	mu       sync.Mutex
	accounts map[int64]Account
	entries  map[int64]JournalEntry
	lines    map[int64][]JournalLine
	events   []outbox.Event
	nextID   int64
	failures int
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		accounts: make(map[int64]Account),
		entries:  make(map[int64]JournalEntry),
		lines:    make(map[int64][]JournalLine),
	}
}

// failWithSerialization makes the next n transactions fail with SQLSTATE 40001.
func (r *memoryRepo) failWithSerialization(n int) {
	r.mu.Lock()
	r.failures = n
	r.mu.Unlock()
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.mu.Lock()
		r.restoreLocked(snapshot)
		r.mu.Unlock()
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts map[int64]Account
	entries  map[int64]JournalEntry
	lines    map[int64][]JournalLine
	events   int
	nextID   int64
}

func (r *memoryRepo) snapshotLocked() memorySnapshot {
	s := memorySnapshot{
		accounts: make(map[int64]Account, len(r.accounts)),
		entries:  make(map[int64]JournalEntry, len(r.entries)),
		lines:    make(map[int64][]JournalLine, len(r.lines)),
		events:   len(r.events),
		nextID:   r.nextID,
	}
	for id, a := range r.accounts {
		s.accounts[id] = a
	}
	for id, e := range r.entries {
		s.entries[id] = e
	}
	for id, l := range r.lines {
		s.lines[id] = append([]JournalLine(nil), l...)
	}
	return s
}

func (r *memoryRepo) restoreLocked(s memorySnapshot) {
	r.accounts = s.accounts
	r.entries = s.entries
	r.lines = s.lines
	r.events = r.events[:s.events]
	r.nextID = s.nextID
}

func (r *memoryRepo) committedEvents() []outbox.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]outbox.Event(nil), r.events...)
}

// setCachedBalance corrupts the cached balance outside the service.
func (r *memoryRepo) setCachedBalance(accountID int64, balance decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[accountID]
	a.CurrentBalance = balance
	r.accounts[accountID] = a
}

func (r *memoryRepo) entryLocked(tenantID shared.TenantID, entryID int64) (JournalEntry, error) {
	entry, ok := r.entries[entryID]
	if !ok || entry.TenantID != tenantID {
		return JournalEntry{}, ErrJournalNotFound
	}
	entry.Lines = append([]JournalLine(nil), r.lines[entryID]...)
	return entry, nil
}

func (r *memoryRepo) accountLocked(tenantID shared.TenantID, accountID int64) (Account, error) {
	a, ok := r.accounts[accountID]
	if !ok || a.TenantID != tenantID {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (r *memoryRepo) postedTotalsLocked(tenantID shared.TenantID) map[int64]SideTotals {
	totals := make(map[int64]SideTotals)
	for id, entry := range r.entries {
		if entry.TenantID != tenantID || entry.Status != StatusPosted {
			continue
		}
		for _, line := range r.lines[id] {
			t := totals[line.AccountID]
			switch line.Side {
			case SideDebit:
				t.Debit = t.Debit.Add(line.Amount)
			case SideCredit:
				t.Credit = t.Credit.Add(line.Amount)
			}
			totals[line.AccountID] = t
		}
	}
	return totals
}

func (r *memoryRepo) GetJournal(_ context.Context, tenantID shared.TenantID, entryID int64) (JournalEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entryLocked(tenantID, entryID)
}

func (r *memoryRepo) ListJournals(_ context.Context, tenantID shared.TenantID, filter JournalFilter) ([]JournalEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JournalEntry, 0)
	for _, entry := range r.entries {
		if entry.TenantID != tenantID {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		if !filter.From.IsZero() && entry.Date.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && entry.Date.After(filter.To) {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Offset >= len(out) {
		return []JournalEntry{}, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memoryRepo) GetAccount(_ context.Context, tenantID shared.TenantID, accountID int64) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accountLocked(tenantID, accountID)
}

func (r *memoryRepo) ListAccounts(_ context.Context, tenantID shared.TenantID) ([]Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Account, 0)
	for _, a := range r.accounts {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *memoryRepo) PostedTotalsByAccount(_ context.Context, tenantID shared.TenantID) (map[int64]SideTotals, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.postedTotalsLocked(tenantID), nil
}

func (r *memoryRepo) ListTenants(context.Context) ([]shared.TenantID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[shared.TenantID]struct{})
	out := make([]shared.TenantID, 0)
	for _, a := range r.accounts {
		if _, ok := seen[a.TenantID]; !ok {
			seen[a.TenantID] = struct{}{}
			out = append(out, a.TenantID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (tx *memoryTx) InsertEntry(_ context.Context, entry JournalEntry) (JournalEntry, error) {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.entries {
		if existing.TenantID == entry.TenantID && existing.Number == entry.Number {
			return JournalEntry{}, ErrDuplicateEntryNumber
		}
	}
	r.nextID++
	entry.ID = r.nextID
	entry.Status = StatusDraft
	entry.CreatedAt = time.Now().UTC()
	entry.UpdatedAt = entry.CreatedAt
	entry.Lines = nil
	r.entries[entry.ID] = entry
	return entry, nil
}

func (tx *memoryTx) GetEntryForUpdate(_ context.Context, tenantID shared.TenantID, entryID int64) (JournalEntry, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	return tx.repo.entryLocked(tenantID, entryID)
}

func (tx *memoryTx) UpdateDraft(_ context.Context, entry JournalEntry) (bool, error) {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[entry.ID]
	if !ok || current.TenantID != entry.TenantID || current.Status != StatusDraft {
		return false, nil
	}
	for id, existing := range r.entries {
		if id != entry.ID && existing.TenantID == entry.TenantID && existing.Number == entry.Number {
			return false, ErrDuplicateEntryNumber
		}
	}
	current.Number = entry.Number
	current.Date = entry.Date
	current.Description = entry.Description
	current.ReferenceType = entry.ReferenceType
	current.ReferenceID = entry.ReferenceID
	current.UpdatedAt = time.Now().UTC()
	r.entries[entry.ID] = current
	return true, nil
}

func (tx *memoryTx) ReplaceLines(_ context.Context, entryID int64, lines []JournalLine) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	tx.repo.lines[entryID] = append([]JournalLine(nil), lines...)
	return nil
}

func (tx *memoryTx) TransitionStatus(_ context.Context, tenantID shared.TenantID, entryID int64, from, to JournalStatus, at time.Time, reason string) (bool, error) {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[entryID]
	if !ok || entry.TenantID != tenantID || entry.Status != from {
		return false, nil
	}
	entry.Status = to
	switch to {
	case StatusPosted:
		entry.PostedAt = &at
	case StatusVoid:
		entry.VoidedAt = &at
		entry.VoidReason = reason
	}
	r.entries[entryID] = entry
	return true, nil
}

func (tx *memoryTx) GetAccounts(_ context.Context, tenantID shared.TenantID, ids []int64) (map[int64]Account, error) {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]Account, len(ids))
	for _, id := range ids {
		if a, err := r.accountLocked(tenantID, id); err == nil {
			out[id] = a
		}
	}
	return out, nil
}

func (tx *memoryTx) GetAccountForUpdate(_ context.Context, tenantID shared.TenantID, accountID int64) (Account, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	return tx.repo.accountLocked(tenantID, accountID)
}

func (tx *memoryTx) InsertAccount(_ context.Context, a Account) (Account, error) {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.accounts {
		if existing.TenantID == a.TenantID && existing.Code == a.Code {
			return Account{}, ErrDuplicateAccountCode
		}
	}
	r.nextID++
	a.ID = r.nextID
	a.CurrentBalance = a.OpeningBalance
	a.IsActive = true
	a.CreatedAt = time.Now().UTC()
	a.UpdatedAt = a.CreatedAt
	r.accounts[a.ID] = a
	return a, nil
}

func (tx *memoryTx) UpdateParent(_ context.Context, tenantID shared.TenantID, accountID int64, parentID *int64) error {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.accountLocked(tenantID, accountID)
	if err != nil {
		return err
	}
	a.ParentID = parentID
	r.accounts[accountID] = a
	return nil
}

func (tx *memoryTx) SetActive(_ context.Context, tenantID shared.TenantID, accountID int64, active bool) error {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.accountLocked(tenantID, accountID)
	if err != nil {
		return err
	}
	a.IsActive = active
	r.accounts[accountID] = a
	return nil
}

func (tx *memoryTx) LockHierarchy(context.Context, shared.TenantID) error {
	return nil
}

func (tx *memoryTx) PostedTotals(_ context.Context, tenantID shared.TenantID, accountID int64) (SideTotals, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	return tx.repo.postedTotalsLocked(tenantID)[accountID], nil
}

func (tx *memoryTx) UpdateCachedBalance(_ context.Context, tenantID shared.TenantID, accountID int64, balance decimal.Decimal, at time.Time) error {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.accountLocked(tenantID, accountID)
	if err != nil {
		return err
	}
	a.CurrentBalance = balance
	a.BalanceRecomputedAt = &at
	r.accounts[accountID] = a
	return nil
}

func (tx *memoryTx) AppendEvent(_ context.Context, evt outbox.Event) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	tx.repo.events = append(tx.repo.events, evt)
	return nil
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) Notify() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	a.logs = append(a.logs, log)
	a.mu.Unlock()
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}
