package accounting

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset           AccountType = "asset"
	AccountTypeLiability       AccountType = "liability"
	AccountTypeEquity          AccountType = "equity"
	AccountTypeRevenue         AccountType = "revenue"
	AccountTypeExpense         AccountType = "expense"
	AccountTypeContraAsset     AccountType = "contra_asset"
	AccountTypeContraLiability AccountType = "contra_liability"
)

// Side is the debit or credit column of a journal line.
type Side string

const (
	SideDebit  Side = "debit"
	SideCredit Side = "credit"
)

// Valid reports whether s is debit or credit.
func (s Side) Valid() bool {
	return s == SideDebit || s == SideCredit
}

// normalSides maps each account type to the side on which it increases.
// Contra types sit opposite their parent category.
var normalSides = map[AccountType]Side{
	AccountTypeAsset:           SideDebit,
	AccountTypeExpense:         SideDebit,
	AccountTypeContraLiability: SideDebit,
	AccountTypeLiability:       SideCredit,
	AccountTypeEquity:          SideCredit,
	AccountTypeRevenue:         SideCredit,
	AccountTypeContraAsset:     SideCredit,
}

// NormalSide returns the normal balance side of an account type.
func NormalSide(t AccountType) (Side, bool) {
	side, ok := normalSides[t]
	return side, ok
}

// JournalStatus enumerates journal lifecycle values.
type JournalStatus string

const (
	StatusDraft  JournalStatus = "draft"
	StatusPosted JournalStatus = "posted"
	StatusVoid   JournalStatus = "void"
)

// transitions lists every permitted status change.
var transitions = map[JournalStatus][]JournalStatus{
	StatusDraft:  {StatusPosted},
	StatusPosted: {StatusVoid},
}

// CanTransition reports whether an entry may move from one status to another.
func CanTransition(from, to JournalStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanEdit reports whether header and lines of an entry in status may change.
func CanEdit(status JournalStatus) bool {
	return status == StatusDraft
}

// Account models a chart of accounts node.
type Account struct {
	ID                  int64
	TenantID            shared.TenantID
	Code                string
	Name                string
	Type                AccountType
	ParentID            *int64
	OpeningBalance      decimal.Decimal
	CurrentBalance      decimal.Decimal
	BalanceRecomputedAt *time.Time
	IsActive            bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// JournalEntry captures a double-entry posting.
type JournalEntry struct {
	ID            int64
	TenantID      shared.TenantID
	Number        string
	Date          time.Time
	Description   string
	ReferenceType string
	ReferenceID   string
	Status        JournalStatus
	PostedAt      *time.Time
	VoidedAt      *time.Time
	VoidReason    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Lines         []JournalLine
}

// AccountIDs returns the distinct accounts touched by the entry in line order.
func (e JournalEntry) AccountIDs() []int64 {
	seen := make(map[int64]struct{}, len(e.Lines))
	ids := make([]int64, 0, len(e.Lines))
	for _, line := range e.Lines {
		if _, ok := seen[line.AccountID]; ok {
			continue
		}
		seen[line.AccountID] = struct{}{}
		ids = append(ids, line.AccountID)
	}
	return ids
}

// JournalLine stores a debit or credit amount for an account.
type JournalLine struct {
	EntryID   int64
	LineNo    int
	AccountID int64
	Side      Side
	Amount    decimal.Decimal
	Memo      string
}

// LineInput describes a journal line in a create or edit request.
type LineInput struct {
	AccountID int64
	Side      Side
	Amount    decimal.Decimal
	Memo      string
}

// JournalInput groups the editable fields of a draft entry.
type JournalInput struct {
	Number        string
	Date          time.Time
	Description   string
	ReferenceType string
	ReferenceID   string
	Lines         []LineInput
	ActorID       int64
}

// JournalFilter narrows ListJournals.
type JournalFilter struct {
	Status JournalStatus
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// AccountInput describes a new account.
type AccountInput struct {
	Code           string
	Name           string
	Type           AccountType
	ParentID       *int64
	OpeningBalance decimal.Decimal
	ActorID        int64
}

// SideTotals sums posted line amounts per side.
type SideTotals struct {
	Debit  decimal.Decimal
	Credit decimal.Decimal
}

// AccountDrift reports a cached balance that disagrees with the posted lines.
type AccountDrift struct {
	AccountID int64
	Code      string
	Cached    decimal.Decimal
	Expected  decimal.Decimal
}

// TrialCheckResult summarises a tenant's ledger integrity.
type TrialCheckResult struct {
	TenantID shared.TenantID
	Debit    decimal.Decimal
	Credit   decimal.Decimal
	Balanced bool
	Drift    []AccountDrift
}

const maxJournalPage = 500

var (
	// ErrDuplicateEntryNumber indicates the entry number is taken in the tenant.
	ErrDuplicateEntryNumber = errors.New("accounting: entry number already used")
	// ErrInvalidState indicates the entry status forbids the operation.
	ErrInvalidState = errors.New("accounting: invalid status transition")
	// ErrUnbalancedEntry indicates debit != credit.
	ErrUnbalancedEntry = errors.New("accounting: journal lines must balance")
	// ErrEmptyEntry indicates posting an entry without lines.
	ErrEmptyEntry = errors.New("accounting: journal entry has no lines")
	// ErrInvalidLine indicates a malformed journal line.
	ErrInvalidLine = errors.New("accounting: invalid journal line")
	// ErrInvalidEntry indicates malformed header fields.
	ErrInvalidEntry = errors.New("accounting: invalid journal entry")
	// ErrJournalNotFound indicates missing entry.
	ErrJournalNotFound = errors.New("accounting: journal entry not found")
	// ErrAccountNotFound indicates a missing account in the tenant.
	ErrAccountNotFound = errors.New("accounting: account not found")
	// ErrAccountInactive indicates a line against a deactivated account.
	ErrAccountInactive = errors.New("accounting: account inactive")
	// ErrDuplicateAccountCode indicates the account code is taken in the tenant.
	ErrDuplicateAccountCode = errors.New("accounting: account code already used")
	// ErrInvalidAccount indicates malformed account fields.
	ErrInvalidAccount = errors.New("accounting: invalid account")
	// ErrAccountCycle indicates a parent assignment that would form a cycle.
	ErrAccountCycle = errors.New("accounting: account hierarchy cycle")
	// ErrConcurrencyConflict is a transient failure after exhausting retries.
	ErrConcurrencyConflict = errors.New("accounting: concurrent update conflict, retry later")
)

// UnbalancedError carries the discrepancy of an entry that failed to post.
type UnbalancedError struct {
	Debit  decimal.Decimal
	Credit decimal.Decimal
}

// Difference is debit minus credit.
func (e *UnbalancedError) Difference() decimal.Decimal {
	return e.Debit.Sub(e.Credit)
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("%s: debit %s, credit %s, difference %s",
		ErrUnbalancedEntry, e.Debit.StringFixed(shared.AmountScale), e.Credit.StringFixed(shared.AmountScale),
		e.Difference().Abs().StringFixed(shared.AmountScale))
}

func (e *UnbalancedError) Unwrap() error {
	return ErrUnbalancedEntry
}

// Totals sums the lines per side.
func Totals(lines []JournalLine) SideTotals {
	totals := SideTotals{Debit: decimal.Zero, Credit: decimal.Zero}
	for _, line := range lines {
		switch line.Side {
		case SideDebit:
			totals.Debit = totals.Debit.Add(line.Amount)
		case SideCredit:
			totals.Credit = totals.Credit.Add(line.Amount)
		}
	}
	return totals
}

// CheckBalanced compares debit and credit totals with exact decimal equality.
func CheckBalanced(lines []JournalLine) error {
	totals := Totals(lines)
	if !totals.Debit.Equal(totals.Credit) {
		return &UnbalancedError{Debit: totals.Debit, Credit: totals.Credit}
	}
	return nil
}

// ComputeBalance applies posted totals to the opening balance, signed by the account's normal side.
func ComputeBalance(t AccountType, opening decimal.Decimal, totals SideTotals) (decimal.Decimal, error) {
	side, ok := NormalSide(t)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: unknown type %q", ErrInvalidAccount, t)
	}
	if side == SideDebit {
		return opening.Add(totals.Debit).Sub(totals.Credit), nil
	}
	return opening.Add(totals.Credit).Sub(totals.Debit), nil
}

// Validate checks header fields and every line.
func (in JournalInput) Validate() error {
	if in.Number == "" || len(in.Number) > 64 {
		return fmt.Errorf("%w: entry number required (max 64 characters)", ErrInvalidEntry)
	}
	if in.Date.IsZero() {
		return fmt.Errorf("%w: entry date required", ErrInvalidEntry)
	}
	for idx, line := range in.Lines {
		if err := line.validate(); err != nil {
			return fmt.Errorf("%w: line %d: %s", ErrInvalidLine, idx+1, err)
		}
	}
	return nil
}

func (l LineInput) validate() error {
	switch {
	case l.AccountID <= 0:
		return errors.New("account required")
	case !l.Side.Valid():
		return fmt.Errorf("side %q must be debit or credit", l.Side)
	case !l.Amount.IsPositive():
		return errors.New("amount must be greater than zero")
	case !shared.HasMaxScale(l.Amount, shared.AmountScale):
		return fmt.Errorf("amount allows at most %d fractional digits", shared.AmountScale)
	}
	return nil
}

// Validate checks a new account.
func (in AccountInput) Validate() error {
	if in.Code == "" || len(in.Code) > 32 {
		return fmt.Errorf("%w: code required (max 32 characters)", ErrInvalidAccount)
	}
	if in.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidAccount)
	}
	if _, ok := NormalSide(in.Type); !ok {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAccount, in.Type)
	}
	if !shared.HasMaxScale(in.OpeningBalance, shared.AmountScale) {
		return fmt.Errorf("%w: opening balance allows at most %d fractional digits", ErrInvalidAccount, shared.AmountScale)
	}
	return nil
}

func toLines(entryID int64, in []LineInput) []JournalLine {
	lines := make([]JournalLine, 0, len(in))
	for idx, line := range in {
		lines = append(lines, JournalLine{
			EntryID:   entryID,
			LineNo:    idx + 1,
			AccountID: line.AccountID,
			Side:      line.Side,
			Amount:    line.Amount,
			Memo:      line.Memo,
		})
	}
	return lines
}
