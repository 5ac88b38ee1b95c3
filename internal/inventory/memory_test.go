package inventory

import (
	"context"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/outbox"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// memoryRepo mimics the PostgreSQL repository: a scope lock is held from
// LockHead until the transaction ends and writes become visible on commit.
type memoryRepo struct {
	mu         sync.Mutex
	scopeLocks map[Scope]*sync.Mutex
	heads      map[Scope]Head
	levels     map[Scope]decimal.Decimal
	movements  []StockMovement
	events     []outbox.Event
	nextID     int64
	failures   int
	// headEntered and headRelease, when set, hold Head until released.
	headEntered chan struct{}
	headRelease chan struct{}
}

type memoryTx struct {
	repo      *memoryRepo
	locked    []*sync.Mutex
	heads     map[Scope]Head
	movements []StockMovement
	events    []outbox.Event
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		scopeLocks: make(map[Scope]*sync.Mutex),
		heads:      make(map[Scope]Head),
		levels:     make(map[Scope]decimal.Decimal),
	}
}

// failWithSerialization makes the next n transactions fail with SQLSTATE 40001.
func (r *memoryRepo) failWithSerialization(n int) {
	r.mu.Lock()
	r.failures = n
	r.mu.Unlock()
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	}
	r.mu.Unlock()

	tx := &memoryTx{repo: r, heads: make(map[Scope]Head)}
	defer func() {
		for i := len(tx.locked) - 1; i >= 0; i-- {
			tx.locked[i].Unlock()
		}
	}()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for scope, head := range tx.heads {
		r.heads[scope] = head
	}
	r.movements = append(r.movements, tx.movements...)
	r.events = append(r.events, tx.events...)
	return nil
}

func (r *memoryRepo) Head(ctx context.Context, scope Scope) (Head, error) {
	if r.headRelease != nil {
		r.headEntered <- struct{}{}
		select {
		case <-r.headRelease:
		case <-ctx.Done():
			return Head{}, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if head, ok := r.heads[scope]; ok {
		return head, nil
	}
	return Head{Scope: scope}, nil
}

func (r *memoryRepo) ProductHeads(_ context.Context, tenantID shared.TenantID, productID int64) ([]Head, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var heads []Head
	for scope, head := range r.heads {
		if scope.TenantID == tenantID && scope.ProductID == productID {
			heads = append(heads, head)
		}
	}
	return heads, nil
}

func (r *memoryRepo) History(_ context.Context, tenantID shared.TenantID, filter HistoryFilter) ([]StockMovement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StockMovement
	for _, m := range r.movements {
		if m.TenantID != tenantID || m.ProductID != filter.ProductID {
			continue
		}
		if filter.WarehouseID != nil && m.WarehouseID != *filter.WarehouseID {
			continue
		}
		if !filter.From.IsZero() && m.TransactedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && m.TransactedAt.After(filter.To) {
			continue
		}
		if after := filter.After; after != nil {
			if m.TransactedAt.Before(after.TransactedAt) || (m.TransactedAt.Equal(after.TransactedAt) && m.ID <= after.ID) {
				continue
			}
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].TransactedAt.Equal(out[j].TransactedAt) {
			return out[i].TransactedAt.Before(out[j].TransactedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memoryRepo) ScopeMovements(_ context.Context, scope Scope) ([]StockMovement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StockMovement
	for _, m := range r.movements {
		if m.Scope() == scope {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *memoryRepo) Scopes(context.Context) ([]Scope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	scopes := make([]Scope, 0, len(r.heads))
	for scope := range r.heads {
		scopes = append(scopes, scope)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].Less(scopes[j]) })
	return scopes, nil
}

func (r *memoryRepo) ReorderLevel(_ context.Context, scope Scope) (decimal.Decimal, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	level, ok := r.levels[scope]
	return level, ok, nil
}

func (r *memoryRepo) SetReorderLevel(_ context.Context, scope Scope, level decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels[scope] = level
	return nil
}

// corruptHead overwrites a head balance outside the service.
func (r *memoryRepo) corruptHead(scope Scope, balance decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	head := r.heads[scope]
	head.Balance = balance
	r.heads[scope] = head
}

func (r *memoryRepo) committedEvents() []outbox.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]outbox.Event(nil), r.events...)
}

func (r *memoryRepo) movementCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.movements)
}

func (tx *memoryTx) LockHead(_ context.Context, scope Scope) (Head, error) {
	tx.repo.mu.Lock()
	lock, ok := tx.repo.scopeLocks[scope]
	if !ok {
		lock = &sync.Mutex{}
		tx.repo.scopeLocks[scope] = lock
	}
	tx.repo.mu.Unlock()

	lock.Lock()
	tx.locked = append(tx.locked, lock)

	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	head, ok := tx.repo.heads[scope]
	if !ok {
		head = Head{Scope: scope}
	}
	tx.heads[scope] = head
	return head, nil
}

func (tx *memoryTx) FindByIdempotencyKey(_ context.Context, tenantID shared.TenantID, key string) (StockMovement, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	for _, set := range [][]StockMovement{tx.repo.movements, tx.movements} {
		for _, m := range set {
			if m.TenantID == tenantID && m.IdempotencyKey == key {
				return m, nil
			}
		}
	}
	return StockMovement{}, ErrMovementNotFound
}

func (tx *memoryTx) InsertMovement(_ context.Context, m StockMovement) (StockMovement, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	if m.IdempotencyKey != "" {
		for _, existing := range tx.repo.movements {
			if existing.TenantID == m.TenantID && existing.IdempotencyKey == m.IdempotencyKey {
				return StockMovement{}, errIdempotencyRace
			}
		}
	}
	tx.repo.nextID++
	m.ID = tx.repo.nextID
	m.CreatedAt = m.TransactedAt
	tx.movements = append(tx.movements, m)
	return m, nil
}

func (tx *memoryTx) AdvanceHead(_ context.Context, head Head) error {
	tx.heads[head.Scope] = head
	return nil
}

func (tx *memoryTx) AppendEvent(_ context.Context, evt outbox.Event) error {
	tx.events = append(tx.events, evt)
	return nil
}

type countingNotifier struct {
	mu    sync.Mutex
	kicks int
}

func (n *countingNotifier) Notify() {
	n.mu.Lock()
	n.kicks++
	n.mu.Unlock()
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.kicks
}
