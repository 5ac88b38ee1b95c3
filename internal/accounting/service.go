package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/outbox"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Service coordinates journal posting and account maintenance.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	notifier Notifier
	metrics  MetricsPort
	retry    db.RetryPolicy
	logger   *slog.Logger
	now      func() time.Time
	// recomputeWorkers bounds RecomputeMany.
	recomputeWorkers int
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Retry            db.RetryPolicy
	Logger           *slog.Logger
	Metrics          MetricsPort
	RecomputeWorkers int
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, audit AuditPort, notifier Notifier, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.RecomputeWorkers
	if workers <= 0 {
		workers = 4
	}
	return &Service{
		repo:             repo,
		audit:            audit,
		notifier:         notifier,
		metrics:          cfg.Metrics,
		retry:            cfg.Retry,
		logger:           logger,
		now:              time.Now,
		recomputeWorkers: workers,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateJournal stores a new draft entry. Lines may be empty.
func (s *Service) CreateJournal(ctx context.Context, tenantID shared.TenantID, input JournalInput) (JournalEntry, error) {
	if err := tenantID.Validate(); err != nil {
		return JournalEntry{}, err
	}
	if err := input.Validate(); err != nil {
		return JournalEntry{}, err
	}
	var entry JournalEntry
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := checkAccounts(ctx, tx, tenantID, input.Lines); err != nil {
			return err
		}
		inserted, err := tx.InsertEntry(ctx, JournalEntry{
			TenantID:      tenantID,
			Number:        input.Number,
			Date:          input.Date,
			Description:   input.Description,
			ReferenceType: input.ReferenceType,
			ReferenceID:   input.ReferenceID,
		})
		if err != nil {
			return err
		}
		inserted.Lines = toLines(inserted.ID, input.Lines)
		if err := tx.ReplaceLines(ctx, inserted.ID, inserted.Lines); err != nil {
			return err
		}
		entry = inserted
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.record(ctx, tenantID, input.ActorID, "journal.create", entry.ID, map[string]any{"number": entry.Number, "lines": len(entry.Lines)})
	return entry, nil
}

// EditJournal replaces header fields and lines of a draft entry.
func (s *Service) EditJournal(ctx context.Context, tenantID shared.TenantID, entryID int64, input JournalInput) (JournalEntry, error) {
	if err := tenantID.Validate(); err != nil {
		return JournalEntry{}, err
	}
	if err := input.Validate(); err != nil {
		return JournalEntry{}, err
	}
	var entry JournalEntry
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetEntryForUpdate(ctx, tenantID, entryID)
		if err != nil {
			return err
		}
		if !CanEdit(current.Status) {
			return fmt.Errorf("%w: cannot edit %s entry", ErrInvalidState, current.Status)
		}
		if err := checkAccounts(ctx, tx, tenantID, input.Lines); err != nil {
			return err
		}
		current.Number = input.Number
		current.Date = input.Date
		current.Description = input.Description
		current.ReferenceType = input.ReferenceType
		current.ReferenceID = input.ReferenceID
		updated, err := tx.UpdateDraft(ctx, current)
		if err != nil {
			return err
		}
		if !updated {
			return fmt.Errorf("%w: entry left draft concurrently", ErrInvalidState)
		}
		current.Lines = toLines(current.ID, input.Lines)
		if err := tx.ReplaceLines(ctx, current.ID, current.Lines); err != nil {
			return err
		}
		entry = current
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.record(ctx, tenantID, input.ActorID, "journal.edit", entry.ID, map[string]any{"number": entry.Number, "lines": len(entry.Lines)})
	return entry, nil
}

// PostJournal validates balance and moves a draft entry to posted.
func (s *Service) PostJournal(ctx context.Context, tenantID shared.TenantID, entryID, actorID int64) (JournalEntry, error) {
	entry, err := s.transition(ctx, tenantID, entryID, StatusDraft, StatusPosted, "", func(ctx context.Context, tx TxRepository, entry JournalEntry) error {
		if len(entry.Lines) == 0 {
			return ErrEmptyEntry
		}
		if err := CheckBalanced(entry.Lines); err != nil {
			return err
		}
		inputs := make([]LineInput, 0, len(entry.Lines))
		for _, line := range entry.Lines {
			inputs = append(inputs, LineInput{AccountID: line.AccountID, Side: line.Side, Amount: line.Amount})
		}
		return checkAccounts(ctx, tx, tenantID, inputs)
	})
	if err != nil {
		return JournalEntry{}, err
	}
	totals := Totals(entry.Lines)
	s.record(ctx, tenantID, actorID, "journal.post", entry.ID, map[string]any{"number": entry.Number, "amount": totals.Debit.String()})
	return entry, nil
}

// VoidJournal marks a posted entry void. Lines are kept.
func (s *Service) VoidJournal(ctx context.Context, tenantID shared.TenantID, entryID, actorID int64, reason string) (JournalEntry, error) {
	entry, err := s.transition(ctx, tenantID, entryID, StatusPosted, StatusVoid, reason, nil)
	if err != nil {
		return JournalEntry{}, err
	}
	s.record(ctx, tenantID, actorID, "journal.void", entry.ID, map[string]any{"number": entry.Number, "reason": reason})
	return entry, nil
}

// GetJournal loads an entry with its lines.
func (s *Service) GetJournal(ctx context.Context, tenantID shared.TenantID, entryID int64) (JournalEntry, error) {
	if err := tenantID.Validate(); err != nil {
		return JournalEntry{}, err
	}
	return s.repo.GetJournal(ctx, tenantID, entryID)
}

// ListJournals lists entry headers, newest first.
func (s *Service) ListJournals(ctx context.Context, tenantID shared.TenantID, filter JournalFilter) ([]JournalEntry, error) {
	if err := tenantID.Validate(); err != nil {
		return nil, err
	}
	if filter.Status != "" && filter.Status != StatusDraft && filter.Status != StatusPosted && filter.Status != StatusVoid {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidEntry, filter.Status)
	}
	if filter.Limit <= 0 || filter.Limit > maxJournalPage {
		filter.Limit = maxJournalPage
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.ListJournals(ctx, tenantID, filter)
}

type transitionCheck func(ctx context.Context, tx TxRepository, entry JournalEntry) error

// transition locks the entry, validates the move and swaps the status only if
// it still equals from. The notification is written in the same transaction.
func (s *Service) transition(ctx context.Context, tenantID shared.TenantID, entryID int64, from, to JournalStatus, reason string, check transitionCheck) (JournalEntry, error) {
	if err := tenantID.Validate(); err != nil {
		return JournalEntry{}, err
	}
	var entry JournalEntry
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetEntryForUpdate(ctx, tenantID, entryID)
		if err != nil {
			return err
		}
		if current.Status != from || !CanTransition(current.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidState, current.Status, to)
		}
		if check != nil {
			if err := check(ctx, tx, current); err != nil {
				return err
			}
		}
		at := s.now().UTC()
		swapped, err := tx.TransitionStatus(ctx, tenantID, entryID, from, to, at, reason)
		if err != nil {
			return err
		}
		if !swapped {
			return fmt.Errorf("%w: entry left %s concurrently", ErrInvalidState, from)
		}
		current.Status = to
		switch to {
		case StatusPosted:
			current.PostedAt = &at
		case StatusVoid:
			current.VoidedAt = &at
			current.VoidReason = reason
		}
		topic := TopicEntryPosted
		if to == StatusVoid {
			topic = TopicEntryVoided
		}
		evt, err := outbox.NewEvent(tenantID, topic, NewJournalEvent(current, at), at)
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, evt); err != nil {
			return err
		}
		entry = current
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	if s.notifier != nil {
		s.notifier.Notify()
	}
	if s.metrics != nil {
		s.metrics.JournalTransition(string(to))
	}
	s.logger.Info("journal entry transitioned",
		slog.Int64("tenant_id", int64(tenantID)),
		slog.Int64("entry_id", entry.ID),
		slog.String("number", entry.Number),
		slog.String("status", string(to)))
	return entry, nil
}

// inTx retries deadlocks and serialization failures with backoff.
func (s *Service) inTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.Retry(ctx, s.retry, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, fn)
	})
	if errors.Is(err, db.ErrRetriesExhausted) {
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
	}
	return err
}

// checkAccounts verifies every line references an active account of the tenant.
func checkAccounts(ctx context.Context, tx TxRepository, tenantID shared.TenantID, lines []LineInput) error {
	if len(lines) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(lines))
	seen := make(map[int64]struct{}, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.AccountID]; !ok {
			seen[line.AccountID] = struct{}{}
			ids = append(ids, line.AccountID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	accounts, err := tx.GetAccounts(ctx, tenantID, ids)
	if err != nil {
		return err
	}
	for idx, line := range lines {
		account, ok := accounts[line.AccountID]
		if !ok {
			return fmt.Errorf("%w: line %d: account %d", ErrAccountNotFound, idx+1, line.AccountID)
		}
		if !account.IsActive {
			return fmt.Errorf("%w: line %d: account %s", ErrAccountInactive, idx+1, account.Code)
		}
	}
	return nil
}

func (s *Service) record(ctx context.Context, tenantID shared.TenantID, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	entity := "journal_entry"
	if strings.HasPrefix(action, "account.") {
		entity = "account"
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
