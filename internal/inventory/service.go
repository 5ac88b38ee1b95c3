package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-ledger/internal/outbox"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Service coordinates stock ledger operations.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	notifier Notifier
	guard    BalanceGuard
	retry    db.RetryPolicy
	logger   *slog.Logger
	metrics  MetricsPort
	now      func() time.Time
	reads    singleflight.Group
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// Guard vetoes movements by resulting balance. Nil permits negative stock.
	Guard   BalanceGuard
	Retry   db.RetryPolicy
	Logger  *slog.Logger
	Metrics MetricsPort
	Clock   func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, notifier Notifier, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		repo:     repo,
		audit:    audit,
		notifier: notifier,
		guard:    cfg.Guard,
		retry:    cfg.Retry,
		logger:   logger,
		metrics:  cfg.Metrics,
		now:      clock,
	}
}

// Record appends a movement to its scope and returns it with its running balance.
// Replaying an idempotency key returns the movement recorded first.
func (s *Service) Record(ctx context.Context, tenantID shared.TenantID, input RecordInput) (StockMovement, error) {
	if err := tenantID.Validate(); err != nil {
		return StockMovement{}, err
	}
	if err := validateRecord(input); err != nil {
		return StockMovement{}, err
	}
	var (
		recorded StockMovement
		replayed bool
	)
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		replayed = false
		if input.IdempotencyKey != "" {
			existing, err := tx.FindByIdempotencyKey(ctx, tenantID, input.IdempotencyKey)
			if err == nil {
				if !sameMovement(existing, input) {
					return ErrIdempotencyMismatch
				}
				recorded, replayed = existing, true
				return nil
			}
			if !errors.Is(err, ErrMovementNotFound) {
				return err
			}
		}
		scope := Scope{TenantID: tenantID, ProductID: input.ProductID, WarehouseID: input.WarehouseID}
		head, err := tx.LockHead(ctx, scope)
		if err != nil {
			return fmt.Errorf("inventory: lock %s: %w", scope, err)
		}
		at, err := s.transactionTime(input.TransactedAt, head)
		if err != nil {
			return err
		}
		recorded, _, err = s.apply(ctx, tx, head, input, at)
		return err
	})
	if err != nil {
		return StockMovement{}, err
	}
	if replayed {
		s.logger.Debug("stock movement replayed", slog.Int64("movement_id", recorded.ID), slog.String("idempotency_key", input.IdempotencyKey))
		return recorded, nil
	}
	s.committed(ctx, input.ActorID, recorded)
	return recorded, nil
}

// Transfer records transfer_out at the source and transfer_in at the destination atomically.
func (s *Service) Transfer(ctx context.Context, tenantID shared.TenantID, input TransferInput) (StockMovement, StockMovement, error) {
	if err := tenantID.Validate(); err != nil {
		return StockMovement{}, StockMovement{}, err
	}
	if input.SourceWarehouseID == input.DestinationWarehouseID {
		return StockMovement{}, StockMovement{}, ErrSameWarehouse
	}
	outInput := RecordInput{
		ProductID:     input.ProductID,
		WarehouseID:   input.SourceWarehouseID,
		Type:          MovementTransferOut,
		Quantity:      input.Quantity,
		UnitCost:      input.UnitCost,
		ReferenceType: input.ReferenceType,
		ReferenceID:   input.ReferenceID,
		Notes:         input.Notes,
		Metadata:      map[string]any{"counterpart_warehouse_id": input.DestinationWarehouseID},
		ActorID:       input.ActorID,
	}
	inInput := outInput
	inInput.WarehouseID = input.DestinationWarehouseID
	inInput.Type = MovementTransferIn
	inInput.Metadata = map[string]any{"counterpart_warehouse_id": input.SourceWarehouseID}
	if input.IdempotencyKey != "" {
		outInput.IdempotencyKey = input.IdempotencyKey + ":out"
		inInput.IdempotencyKey = input.IdempotencyKey + ":in"
	}
	for _, in := range []RecordInput{outInput, inInput} {
		if err := validateRecord(in); err != nil {
			return StockMovement{}, StockMovement{}, err
		}
	}

	var (
		out, in  StockMovement
		replayed bool
	)
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		replayed = false
		if input.IdempotencyKey != "" {
			existingOut, err := tx.FindByIdempotencyKey(ctx, tenantID, outInput.IdempotencyKey)
			switch {
			case err == nil:
				existingIn, err := tx.FindByIdempotencyKey(ctx, tenantID, inInput.IdempotencyKey)
				if err != nil {
					return err
				}
				if !sameMovement(existingOut, outInput) || !sameMovement(existingIn, inInput) {
					return ErrIdempotencyMismatch
				}
				out, in, replayed = existingOut, existingIn, true
				return nil
			case !errors.Is(err, ErrMovementNotFound):
				return err
			}
		}
		src := Scope{TenantID: tenantID, ProductID: input.ProductID, WarehouseID: input.SourceWarehouseID}
		dst := Scope{TenantID: tenantID, ProductID: input.ProductID, WarehouseID: input.DestinationWarehouseID}
		scopes := []Scope{src, dst}
		sort.Slice(scopes, func(i, j int) bool { return scopes[i].Less(scopes[j]) })
		heads := make(map[Scope]Head, 2)
		for _, scope := range scopes {
			head, err := tx.LockHead(ctx, scope)
			if err != nil {
				return fmt.Errorf("inventory: lock %s: %w", scope, err)
			}
			heads[scope] = head
		}
		at, err := s.transactionTime(input.TransactedAt, heads[src], heads[dst])
		if err != nil {
			return err
		}
		if out, _, err = s.apply(ctx, tx, heads[src], outInput, at); err != nil {
			return err
		}
		in, _, err = s.apply(ctx, tx, heads[dst], inInput, at)
		return err
	})
	if err != nil {
		return StockMovement{}, StockMovement{}, err
	}
	if !replayed {
		s.committed(ctx, input.ActorID, out, in)
	}
	return out, in, nil
}

// CurrentBalance returns the running balance of the latest entry in scope, or zero.
// Concurrent reads of one scope share a single query.
func (s *Service) CurrentBalance(ctx context.Context, tenantID shared.TenantID, productID, warehouseID int64) (decimal.Decimal, error) {
	if err := tenantID.Validate(); err != nil {
		return decimal.Zero, err
	}
	if productID <= 0 {
		return decimal.Zero, ErrInvalidProduct
	}
	if warehouseID < 0 {
		return decimal.Zero, ErrInvalidWarehouse
	}
	scope := Scope{TenantID: tenantID, ProductID: productID, WarehouseID: warehouseID}
	// The shared read must outlive any single caller; each caller still honours its own ctx.
	readCtx := context.WithoutCancel(ctx)
	ch := s.reads.DoChan(scope.String(), func() (any, error) {
		head, err := s.repo.Head(readCtx, scope)
		if err != nil {
			return nil, err
		}
		return head.Balance, nil
	})
	select {
	case <-ctx.Done():
		return decimal.Zero, fmt.Errorf("inventory: balance %s: %w", scope, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return decimal.Zero, fmt.Errorf("inventory: balance %s: %w", scope, res.Err)
		}
		return res.Val.(decimal.Decimal), nil
	}
}

// TotalBalance sums the balances of every scope of the product.
func (s *Service) TotalBalance(ctx context.Context, tenantID shared.TenantID, productID int64) (decimal.Decimal, error) {
	if err := tenantID.Validate(); err != nil {
		return decimal.Zero, err
	}
	if productID <= 0 {
		return decimal.Zero, ErrInvalidProduct
	}
	heads, err := s.repo.ProductHeads(ctx, tenantID, productID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, head := range heads {
		total = total.Add(head.Balance)
	}
	return total, nil
}

// History lists movements ordered by transaction time, then insertion order.
// It returns a single page; use HistoryPage to walk ranges longer than the limit.
func (s *Service) History(ctx context.Context, tenantID shared.TenantID, filter HistoryFilter) ([]StockMovement, error) {
	page, err := s.HistoryPage(ctx, tenantID, filter)
	if err != nil {
		return nil, err
	}
	return page.Movements, nil
}

// HistoryPage lists up to filter.Limit movements after filter.After and a cursor
// for the next page when more remain.
func (s *Service) HistoryPage(ctx context.Context, tenantID shared.TenantID, filter HistoryFilter) (HistoryPage, error) {
	if err := tenantID.Validate(); err != nil {
		return HistoryPage{}, err
	}
	if filter.ProductID <= 0 {
		return HistoryPage{}, ErrInvalidProduct
	}
	if filter.WarehouseID != nil && *filter.WarehouseID < 0 {
		return HistoryPage{}, ErrInvalidWarehouse
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return HistoryPage{}, errors.New("inventory: history range end precedes start")
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultHistoryLimit
	}
	if filter.Limit > maxHistoryLimit {
		filter.Limit = maxHistoryLimit
	}
	limit := filter.Limit
	filter.Limit++
	movements, err := s.repo.History(ctx, tenantID, filter)
	if err != nil {
		return HistoryPage{}, err
	}
	page := HistoryPage{Movements: movements}
	if len(movements) > limit {
		page.Movements = movements[:limit]
		last := page.Movements[limit-1]
		page.Next = &HistoryCursor{TransactedAt: last.TransactedAt, ID: last.ID}
	}
	return page, nil
}

// VerifyScope replays a scope and checks every running balance and the head against the prefix sums.
func (s *Service) VerifyScope(ctx context.Context, tenantID shared.TenantID, productID, warehouseID int64) (ScopeReport, error) {
	if err := tenantID.Validate(); err != nil {
		return ScopeReport{}, err
	}
	if productID <= 0 {
		return ScopeReport{}, ErrInvalidProduct
	}
	scope := Scope{TenantID: tenantID, ProductID: productID, WarehouseID: warehouseID}
	head, err := s.repo.Head(ctx, scope)
	if err != nil {
		return ScopeReport{}, err
	}
	movements, err := s.repo.ScopeMovements(ctx, scope)
	if err != nil {
		return ScopeReport{}, err
	}
	report := ScopeReport{Scope: scope, Entries: len(movements), HeadBalance: head.Balance, ReplayedBalance: decimal.Zero}
	var lastSeq int64
	for _, m := range movements {
		report.ReplayedBalance = report.ReplayedBalance.Add(m.Delta())
		if report.FirstBrokenSeq == 0 && (m.Seq != lastSeq+1 || !report.ReplayedBalance.Equal(m.RunningBalance)) {
			report.FirstBrokenSeq = m.Seq
		}
		lastSeq = m.Seq
	}
	report.Consistent = report.FirstBrokenSeq == 0 &&
		head.LastSeq == lastSeq &&
		head.Balance.Equal(report.ReplayedBalance)
	if !report.Consistent {
		s.logger.Warn("stock scope inconsistent",
			slog.String("scope", scope.String()),
			slog.Int64("first_broken_seq", report.FirstBrokenSeq),
			slog.String("head_balance", head.Balance.String()),
			slog.String("replayed_balance", report.ReplayedBalance.String()))
	}
	return report, nil
}

// VerifyAll replays every scope of every tenant and returns the inconsistent ones.
func (s *Service) VerifyAll(ctx context.Context) (int, []ScopeReport, error) {
	scopes, err := s.repo.Scopes(ctx)
	if err != nil {
		return 0, nil, err
	}
	var broken []ScopeReport
	for _, scope := range scopes {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		report, err := s.VerifyScope(ctx, scope.TenantID, scope.ProductID, scope.WarehouseID)
		if err != nil {
			return 0, nil, fmt.Errorf("verify %s: %w", scope, err)
		}
		if !report.Consistent {
			broken = append(broken, report)
		}
	}
	return len(scopes), broken, nil
}

// SetReorderLevel configures the balance below which a scope raises a reorder alert.
func (s *Service) SetReorderLevel(ctx context.Context, tenantID shared.TenantID, productID, warehouseID int64, level decimal.Decimal, actorID int64) error {
	scope, err := s.scope(tenantID, productID, warehouseID)
	if err != nil {
		return err
	}
	if level.IsNegative() || !shared.HasMaxScale(level, shared.QuantityScale) {
		return ErrInvalidReorderLevel
	}
	if err := s.repo.SetReorderLevel(ctx, scope, level); err != nil {
		return err
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			TenantID: tenantID,
			ActorID:  actorID,
			Action:   "stock.reorder_level",
			Entity:   "stock_scope",
			EntityID: scope.String(),
			Meta:     map[string]any{"reorder_level": level.String()},
			At:       s.now(),
		}); err != nil {
			s.logger.Warn("audit record failed", slog.String("scope", scope.String()), slog.Any("error", err))
		}
	}
	return nil
}

// ReorderLevel returns the configured level of a scope; ok is false when none is set.
func (s *Service) ReorderLevel(ctx context.Context, tenantID shared.TenantID, productID, warehouseID int64) (decimal.Decimal, bool, error) {
	scope, err := s.scope(tenantID, productID, warehouseID)
	if err != nil {
		return decimal.Zero, false, err
	}
	return s.repo.ReorderLevel(ctx, scope)
}

func (s *Service) scope(tenantID shared.TenantID, productID, warehouseID int64) (Scope, error) {
	if err := tenantID.Validate(); err != nil {
		return Scope{}, err
	}
	if productID <= 0 {
		return Scope{}, ErrInvalidProduct
	}
	if warehouseID < 0 {
		return Scope{}, ErrInvalidWarehouse
	}
	return Scope{TenantID: tenantID, ProductID: productID, WarehouseID: warehouseID}, nil
}

// inTx runs fn in a transaction, retrying lock conflicts with backoff.
func (s *Service) inTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	var err error
	// A second pass resolves an idempotency key committed by a concurrent request.
	for pass := 0; pass < 2; pass++ {
		err = db.Retry(ctx, s.retry, func(ctx context.Context) error {
			return s.repo.WithTx(ctx, fn)
		})
		if !errors.Is(err, errIdempotencyRace) {
			break
		}
	}
	if errors.Is(err, db.ErrRetriesExhausted) {
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
	}
	return err
}

// transactionTime resolves the movement timestamp against the locked heads.
func (s *Service) transactionTime(explicit time.Time, heads ...Head) (time.Time, error) {
	var latest time.Time
	for _, head := range heads {
		if head.LastTransactedAt.After(latest) {
			latest = head.LastTransactedAt
		}
	}
	if !explicit.IsZero() {
		if explicit.Before(latest) {
			return time.Time{}, ErrBackdatedMovement
		}
		return explicit.UTC(), nil
	}
	now := s.now().UTC()
	if now.Before(latest) {
		return latest.UTC(), nil
	}
	return now, nil
}

// apply inserts the movement on top of a locked head and queues its notification.
func (s *Service) apply(ctx context.Context, tx TxRepository, head Head, input RecordInput, at time.Time) (StockMovement, Head, error) {
	delta, err := SignedQuantity(input.Type, input.Quantity)
	if err != nil {
		return StockMovement{}, Head{}, err
	}
	next := head.Balance.Add(delta)
	if s.guard != nil {
		if err := s.guard(head.Scope, head.Balance, next); err != nil {
			return StockMovement{}, Head{}, err
		}
	}
	m := StockMovement{
		TenantID:       head.TenantID,
		ProductID:      head.ProductID,
		WarehouseID:    head.WarehouseID,
		Seq:            head.LastSeq + 1,
		Type:           input.Type,
		Quantity:       input.Quantity,
		RunningBalance: next,
		LocationID:     input.LocationID,
		BatchNumber:    input.BatchNumber,
		LotNumber:      input.LotNumber,
		SerialNumber:   input.SerialNumber,
		ManufacturedAt: input.ManufacturedAt,
		ExpiresAt:      input.ExpiresAt,
		ReferenceType:  input.ReferenceType,
		ReferenceID:    input.ReferenceID,
		Notes:          input.Notes,
		Metadata:       input.Metadata,
		IdempotencyKey: input.IdempotencyKey,
		TransactedAt:   at,
	}
	if input.UnitCost != nil {
		m.UnitCost = decimal.NewNullDecimal(*input.UnitCost)
	}
	m, err = tx.InsertMovement(ctx, m)
	if err != nil {
		return StockMovement{}, Head{}, err
	}
	head.LastSeq = m.Seq
	head.LastTransactedAt = m.TransactedAt
	head.Balance = next
	if err := tx.AdvanceHead(ctx, head); err != nil {
		return StockMovement{}, Head{}, err
	}
	evt, err := outbox.NewEvent(m.TenantID, TopicMovementRecorded, NewMovementRecordedEvent(m), s.now())
	if err != nil {
		return StockMovement{}, Head{}, err
	}
	if err := tx.AppendEvent(ctx, evt); err != nil {
		return StockMovement{}, Head{}, err
	}
	return m, head, nil
}

func (s *Service) committed(ctx context.Context, actorID int64, movements ...StockMovement) {
	if s.notifier != nil {
		s.notifier.Notify()
	}
	for _, m := range movements {
		if s.metrics != nil {
			s.metrics.MovementRecorded(string(m.Type))
		}
		s.logger.Info("stock movement recorded",
			slog.Int64("tenant_id", int64(m.TenantID)),
			slog.Int64("movement_id", m.ID),
			slog.String("scope", m.Scope().String()),
			slog.String("type", string(m.Type)),
			slog.String("quantity", m.Quantity.String()),
			slog.String("running_balance", m.RunningBalance.String()))
		if s.audit == nil {
			continue
		}
		if err := s.audit.Record(ctx, shared.AuditLog{
			TenantID: m.TenantID,
			ActorID:  actorID,
			Action:   fmt.Sprintf("inventory:%s", m.Type),
			Entity:   "stock_movement",
			EntityID: fmt.Sprintf("%d", m.ID),
			Meta: map[string]any{
				"product_id":      m.ProductID,
				"warehouse_id":    m.WarehouseID,
				"quantity":        m.Quantity.String(),
				"running_balance": m.RunningBalance.String(),
			},
		}); err != nil {
			s.logger.Warn("audit stock movement", slog.Int64("movement_id", m.ID), slog.Any("error", err))
		}
	}
}

func validateRecord(input RecordInput) error {
	if input.ProductID <= 0 {
		return ErrInvalidProduct
	}
	if input.WarehouseID < 0 {
		return ErrInvalidWarehouse
	}
	if _, ok := Sign(input.Type); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidMovementType, input.Type)
	}
	if !input.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if !shared.HasMaxScale(input.Quantity, shared.QuantityScale) {
		return fmt.Errorf("%w: at most %d fractional digits", ErrInvalidQuantity, shared.QuantityScale)
	}
	if input.UnitCost != nil && input.UnitCost.IsNegative() {
		return ErrInvalidUnitCost
	}
	return nil
}

func sameMovement(m StockMovement, input RecordInput) bool {
	return m.ProductID == input.ProductID &&
		m.WarehouseID == input.WarehouseID &&
		m.Type == input.Type &&
		m.Quantity.Equal(input.Quantity)
}
