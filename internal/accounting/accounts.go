package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// maxHierarchyDepth bounds ancestor walks.
const maxHierarchyDepth = 64

// CreateAccount adds an account to the tenant's chart. Its cached balance starts at the opening balance.
func (s *Service) CreateAccount(ctx context.Context, tenantID shared.TenantID, input AccountInput) (Account, error) {
	if err := tenantID.Validate(); err != nil {
		return Account{}, err
	}
	if err := input.Validate(); err != nil {
		return Account{}, err
	}
	var account Account
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if input.ParentID != nil {
			if err := tx.LockHierarchy(ctx, tenantID); err != nil {
				return err
			}
			if _, err := tx.GetAccountForUpdate(ctx, tenantID, *input.ParentID); err != nil {
				return fmt.Errorf("parent %d: %w", *input.ParentID, err)
			}
		}
		inserted, err := tx.InsertAccount(ctx, Account{
			TenantID:       tenantID,
			Code:           input.Code,
			Name:           input.Name,
			Type:           input.Type,
			ParentID:       input.ParentID,
			OpeningBalance: input.OpeningBalance,
		})
		if err != nil {
			return err
		}
		account = inserted
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	s.record(ctx, tenantID, input.ActorID, "account.create", account.ID, map[string]any{"code": account.Code, "type": string(account.Type)})
	return account, nil
}

// SetParent moves an account under parentID, or to the root when parentID is nil.
func (s *Service) SetParent(ctx context.Context, tenantID shared.TenantID, accountID int64, parentID *int64, actorID int64) (Account, error) {
	if err := tenantID.Validate(); err != nil {
		return Account{}, err
	}
	var account Account
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockHierarchy(ctx, tenantID); err != nil {
			return err
		}
		current, err := tx.GetAccountForUpdate(ctx, tenantID, accountID)
		if err != nil {
			return err
		}
		if parentID != nil {
			if err := ensureNoCycle(ctx, tx, tenantID, accountID, *parentID); err != nil {
				return err
			}
		}
		if err := tx.UpdateParent(ctx, tenantID, accountID, parentID); err != nil {
			return err
		}
		current.ParentID = parentID
		account = current
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	meta := map[string]any{"parent_id": nil}
	if parentID != nil {
		meta["parent_id"] = *parentID
	}
	s.record(ctx, tenantID, actorID, "account.reparent", accountID, meta)
	return account, nil
}

// ensureNoCycle walks up from parentID and fails if accountID is among its ancestors.
func ensureNoCycle(ctx context.Context, tx TxRepository, tenantID shared.TenantID, accountID, parentID int64) error {
	next := parentID
	for depth := 0; depth < maxHierarchyDepth; depth++ {
		if next == accountID {
			return fmt.Errorf("%w: %d is a descendant of %d", ErrAccountCycle, parentID, accountID)
		}
		ancestor, err := tx.GetAccountForUpdate(ctx, tenantID, next)
		if err != nil {
			return fmt.Errorf("parent %d: %w", next, err)
		}
		if ancestor.ParentID == nil {
			return nil
		}
		next = *ancestor.ParentID
	}
	return fmt.Errorf("%w: hierarchy deeper than %d levels", ErrAccountCycle, maxHierarchyDepth)
}

// Deactivate blocks new lines against the account. Posted history is untouched.
func (s *Service) Deactivate(ctx context.Context, tenantID shared.TenantID, accountID, actorID int64) error {
	if err := tenantID.Validate(); err != nil {
		return err
	}
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetActive(ctx, tenantID, accountID, false)
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenantID, actorID, "account.deactivate", accountID, nil)
	return nil
}

// GetAccount loads one account.
func (s *Service) GetAccount(ctx context.Context, tenantID shared.TenantID, accountID int64) (Account, error) {
	if err := tenantID.Validate(); err != nil {
		return Account{}, err
	}
	return s.repo.GetAccount(ctx, tenantID, accountID)
}

// ListAccounts retrieves the tenant's chart of accounts.
func (s *Service) ListAccounts(ctx context.Context, tenantID shared.TenantID) ([]Account, error) {
	if err := tenantID.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ListAccounts(ctx, tenantID)
}

// Recompute rebuilds the cached balance from posted lines:
// opening balance plus each posted line signed by the account's normal side.
// The account row is locked while summing, so concurrent runs converge on the same value.
func (s *Service) Recompute(ctx context.Context, tenantID shared.TenantID, accountID int64) (Account, error) {
	if err := tenantID.Validate(); err != nil {
		return Account{}, err
	}
	var account Account
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetAccountForUpdate(ctx, tenantID, accountID)
		if err != nil {
			return err
		}
		totals, err := tx.PostedTotals(ctx, tenantID, accountID)
		if err != nil {
			return err
		}
		balance, err := ComputeBalance(current.Type, current.OpeningBalance, totals)
		if err != nil {
			return err
		}
		at := s.now().UTC()
		if err := tx.UpdateCachedBalance(ctx, tenantID, accountID, balance, at); err != nil {
			return err
		}
		current.CurrentBalance = balance
		current.BalanceRecomputedAt = &at
		account = current
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	if s.metrics != nil {
		s.metrics.BalanceRecomputed()
	}
	s.logger.Debug("account balance recomputed",
		slog.Int64("tenant_id", int64(tenantID)),
		slog.Int64("account_id", accountID),
		slog.String("balance", account.CurrentBalance.String()))
	return account, nil
}

// RecomputeMany recomputes the distinct accounts concurrently. Results follow ascending account id.
func (s *Service) RecomputeMany(ctx context.Context, tenantID shared.TenantID, accountIDs []int64) ([]Account, error) {
	if err := tenantID.Validate(); err != nil {
		return nil, err
	}
	ids := dedupeIDs(accountIDs)
	results := make([]Account, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.recomputeWorkers)
	for i, id := range ids {
		g.Go(func() error {
			account, err := s.Recompute(gctx, tenantID, id)
			if err != nil {
				return fmt.Errorf("recompute account %d: %w", id, err)
			}
			results[i] = account
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// TrialCheck verifies that posted debits equal posted credits and that every
// cached balance matches its posted lines.
func (s *Service) TrialCheck(ctx context.Context, tenantID shared.TenantID) (TrialCheckResult, error) {
	if err := tenantID.Validate(); err != nil {
		return TrialCheckResult{}, err
	}
	accounts, err := s.repo.ListAccounts(ctx, tenantID)
	if err != nil {
		return TrialCheckResult{}, err
	}
	totals, err := s.repo.PostedTotalsByAccount(ctx, tenantID)
	if err != nil {
		return TrialCheckResult{}, err
	}
	result := TrialCheckResult{TenantID: tenantID}
	for _, t := range totals {
		result.Debit = result.Debit.Add(t.Debit)
		result.Credit = result.Credit.Add(t.Credit)
	}
	result.Balanced = result.Debit.Equal(result.Credit)
	for _, account := range accounts {
		expected, err := ComputeBalance(account.Type, account.OpeningBalance, totals[account.ID])
		if err != nil {
			return TrialCheckResult{}, err
		}
		if !expected.Equal(account.CurrentBalance) {
			result.Drift = append(result.Drift, AccountDrift{
				AccountID: account.ID,
				Code:      account.Code,
				Cached:    account.CurrentBalance,
				Expected:  expected,
			})
		}
	}
	return result, nil
}

// Tenants lists the tenants owning a chart of accounts.
func (s *Service) Tenants(ctx context.Context) ([]shared.TenantID, error) {
	return s.repo.ListTenants(ctx)
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
