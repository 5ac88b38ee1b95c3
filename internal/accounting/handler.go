package accounting

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const dateLayout = "2006-01-02"

// Handler exposes the chart of accounts and journal endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds an accounting handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: httpx.NewValidator()}
}

// MountAccountRoutes registers chart of accounts routes.
func (h *Handler) MountAccountRoutes(r chi.Router) {
	r.Get("/", h.handleListAccounts)
	r.Post("/", h.handleCreateAccount)
	r.Get("/trial-check", h.handleTrialCheck)
	r.Get("/{id}", h.handleGetAccount)
	r.Put("/{id}/parent", h.handleSetParent)
	r.Post("/{id}/recompute", h.handleRecompute)
	r.Post("/{id}/deactivate", h.handleDeactivate)
}

// MountJournalRoutes registers journal entry routes.
func (h *Handler) MountJournalRoutes(r chi.Router) {
	r.Get("/", h.handleListJournals)
	r.Post("/", h.handleCreateJournal)
	r.Get("/{id}", h.handleGetJournal)
	r.Put("/{id}", h.handleEditJournal)
	r.Post("/{id}/post", h.handlePost)
	r.Post("/{id}/void", h.handleVoid)
}

var errorMappings = []httpx.ErrorMapping{
	{Target: shared.ErrTenantRequired, Status: http.StatusBadRequest, Title: "Tenant Required"},
	{Target: ErrUnbalancedEntry, Status: http.StatusUnprocessableEntity, Title: "Unbalanced Entry"},
	{Target: ErrEmptyEntry, Status: http.StatusUnprocessableEntity, Title: "Empty Entry"},
	{Target: ErrInvalidLine, Status: http.StatusUnprocessableEntity, Title: "Invalid Line"},
	{Target: ErrInvalidEntry, Status: http.StatusUnprocessableEntity, Title: "Invalid Entry"},
	{Target: ErrInvalidAccount, Status: http.StatusUnprocessableEntity, Title: "Invalid Account"},
	{Target: ErrAccountInactive, Status: http.StatusUnprocessableEntity, Title: "Account Inactive"},
	{Target: ErrAccountCycle, Status: http.StatusUnprocessableEntity, Title: "Hierarchy Cycle"},
	{Target: ErrJournalNotFound, Status: http.StatusNotFound, Title: "Journal Not Found"},
	{Target: ErrAccountNotFound, Status: http.StatusNotFound, Title: "Account Not Found"},
	{Target: ErrDuplicateEntryNumber, Status: http.StatusConflict, Title: "Duplicate Entry Number"},
	{Target: ErrDuplicateAccountCode, Status: http.StatusConflict, Title: "Duplicate Account Code"},
	{Target: ErrInvalidState, Status: http.StatusConflict, Title: "Invalid Status"},
	{Target: ErrConcurrencyConflict, Status: http.StatusServiceUnavailable, Title: "Concurrent Update"},
}

type accountRequest struct {
	Code           string          `json:"code" validate:"required,max=32"`
	Name           string          `json:"name" validate:"required,max=200"`
	Type           AccountType     `json:"type" validate:"required,oneof=asset liability equity revenue expense contra_asset contra_liability"`
	ParentID       *int64          `json:"parent_id" validate:"omitempty,gt=0"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

type parentRequest struct {
	ParentID *int64 `json:"parent_id" validate:"omitempty,gt=0"`
}

type lineRequest struct {
	AccountID int64           `json:"account_id" validate:"required,gt=0"`
	Side      Side            `json:"side" validate:"required,oneof=debit credit"`
	Amount    decimal.Decimal `json:"amount" validate:"required,gt=0"`
	Memo      string          `json:"memo" validate:"max=500"`
}

type journalRequest struct {
	Number        string        `json:"number" validate:"required,max=64"`
	Date          string        `json:"date" validate:"required,datetime=2006-01-02"`
	Description   string        `json:"description" validate:"max=1000"`
	ReferenceType string        `json:"reference_type" validate:"max=64"`
	ReferenceID   string        `json:"reference_id" validate:"max=64"`
	Lines         []lineRequest `json:"lines" validate:"dive"`
}

type voidRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type accountResponse struct {
	ID                  int64           `json:"id"`
	Code                string          `json:"code"`
	Name                string          `json:"name"`
	Type                AccountType     `json:"type"`
	ParentID            *int64          `json:"parent_id,omitempty"`
	OpeningBalance      decimal.Decimal `json:"opening_balance"`
	CurrentBalance      decimal.Decimal `json:"current_balance"`
	BalanceRecomputedAt *time.Time      `json:"balance_recomputed_at,omitempty"`
	IsActive            bool            `json:"is_active"`
}

type lineResponse struct {
	LineNo    int             `json:"line_no"`
	AccountID int64           `json:"account_id"`
	Side      Side            `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
	Memo      string          `json:"memo,omitempty"`
}

type journalResponse struct {
	ID            int64          `json:"id"`
	Number        string         `json:"number"`
	Date          string         `json:"date"`
	Description   string         `json:"description,omitempty"`
	ReferenceType string         `json:"reference_type,omitempty"`
	ReferenceID   string         `json:"reference_id,omitempty"`
	Status        JournalStatus  `json:"status"`
	PostedAt      *time.Time     `json:"posted_at,omitempty"`
	VoidedAt      *time.Time     `json:"voided_at,omitempty"`
	VoidReason    string         `json:"void_reason,omitempty"`
	Lines         []lineResponse `json:"lines,omitempty"`
}

type driftResponse struct {
	AccountID int64           `json:"account_id"`
	Code      string          `json:"code"`
	Cached    decimal.Decimal `json:"cached"`
	Expected  decimal.Decimal `json:"expected"`
}

type trialCheckResponse struct {
	Debit    decimal.Decimal `json:"debit"`
	Credit   decimal.Decimal `json:"credit"`
	Balanced bool            `json:"balanced"`
	Drift    []driftResponse `json:"drift"`
}

func (h *Handler) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httpx.Tenant(w, r)
	if !ok {
		return
	}
	var req accountRequest
	if !httpx.Bind(w, r, h.validator, &req) {
		return
	}
	account, err := h.service.CreateAccount(r.Context(), tenantID, AccountInput{
		Code:           req.Code,
		Name:           req.Name,
		Type:           req.Type,
		ParentID:       req.ParentID,
		OpeningBalance: req.OpeningBalance,
		ActorID:        httpx.Actor(r),
	})
	if err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAccountResponse(account))
}

func (h *Handler) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httpx.Tenant(w, r)
	if !ok {
		return
	}
	accounts, err := h.service.ListAccounts(r.Context(), tenantID)
	if err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	payload := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		payload = append(payload, toAccountResponse(a))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"accounts": payload})
}

func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.tenantAndID(w, r)
	if !ok {
		return
	}
	account, err := h.service.GetAccount(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccountResponse(account))
}

func (h *Handler) handleSetParent(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.tenantAndID(w, r)
	if !ok {
		return
	}
	var req parentRequest
	if !httpx.Bind(w, r, h.validator, &req) {
		return
	}
	account, err := h.service.SetParent(r.Context(), tenantID, id, req.ParentID, httpx.Actor(r))
	if err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccountResponse(account))
}

func (h *Handler) handleRecompute(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.tenantAndID(w, r)
	if !ok {
		return
	}
	account, err := h.service.Recompute(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccountResponse(account))
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.tenantAndID(w, r)
	if !ok {
		return
	}
	if err := h.service.Deactivate(r.Context(), tenantID, id, httpx.Actor(r)); err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTrialCheck(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httpx.Tenant(w, r)
	if !ok {
		return
	}
	result, err := h.service.TrialCheck(r.Context(), tenantID)
	if err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	resp := trialCheckResponse{
		Debit:    result.Debit,
		Credit:   result.Credit,
		Balanced: result.Balanced,
		Drift:    make([]driftResponse, 0, len(result.Drift)),
	}
	for _, d := range result.Drift {
		resp.Drift = append(resp.Drift, driftResponse(d))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCreateJournal(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httpx.Tenant(w, r)
	if !ok {
		return
	}
	input, ok := h.bindJournal(w, r)
	if !ok {
		return
	}
	entry, err := h.service.CreateJournal(r.Context(), tenantID, input)
	if err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	httpx.JSON(w, http.StatusCreated, toJournalResponse(entry))
}

func (h *Handler) handleEditJournal(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.tenantAndID(w, r)
	if !ok {
		return
	}
	input, ok := h.bindJournal(w, r)
	if !ok {
		return
	}
	entry, err := h.service.EditJournal(r.Context(), tenantID, id, input)
	if err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	httpx.JSON(w, http.StatusOK, toJournalResponse(entry))
}

func (h *Handler) handleListJournals(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httpx.Tenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	fields := map[string]string{}
	filter := JournalFilter{Status: JournalStatus(q.Get("status"))}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(dateLayout, raw)
		if err != nil {
			fields["from"] = "datetime"
		}
		filter.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(dateLayout, raw)
		if err != nil {
			fields["to"] = "datetime"
		}
		filter.To = t
	}
	if v, present, err := httpx.QueryInt64(r, "limit"); err != nil {
		fields["limit"] = "invalid"
	} else if present {
		filter.Limit = int(v)
	}
	if v, present, err := httpx.QueryInt64(r, "offset"); err != nil {
		fields["offset"] = "invalid"
	} else if present {
		filter.Offset = int(v)
	}
	if len(fields) > 0 {
		httpx.ValidationProblem(w, fields)
		return
	}
	entries, err := h.service.ListJournals(r.Context(), tenantID, filter)
	if err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	payload := make([]journalResponse, 0, len(entries))
	for _, e := range entries {
		payload = append(payload, toJournalResponse(e))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": payload})
}

func (h *Handler) handleGetJournal(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.tenantAndID(w, r)
	if !ok {
		return
	}
	entry, err := h.service.GetJournal(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	httpx.JSON(w, http.StatusOK, toJournalResponse(entry))
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.tenantAndID(w, r)
	if !ok {
		return
	}
	entry, err := h.service.PostJournal(r.Context(), tenantID, id, httpx.Actor(r))
	if err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	httpx.JSON(w, http.StatusOK, toJournalResponse(entry))
}

func (h *Handler) handleVoid(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := h.tenantAndID(w, r)
	if !ok {
		return
	}
	var req voidRequest
	if !httpx.Bind(w, r, h.validator, &req) {
		return
	}
	entry, err := h.service.VoidJournal(r.Context(), tenantID, id, httpx.Actor(r), req.Reason)
	if err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	httpx.JSON(w, http.StatusOK, toJournalResponse(entry))
}

func (h *Handler) bindJournal(w http.ResponseWriter, r *http.Request) (JournalInput, bool) {
	var req journalRequest
	if !httpx.Bind(w, r, h.validator, &req) {
		return JournalInput{}, false
	}
	date, err := time.Parse(dateLayout, req.Date)
	if err != nil {
		httpx.ValidationProblem(w, map[string]string{"date": "datetime"})
		return JournalInput{}, false
	}
	input := JournalInput{
		Number:        req.Number,
		Date:          date,
		Description:   req.Description,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		Lines:         make([]LineInput, 0, len(req.Lines)),
		ActorID:       httpx.Actor(r),
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, LineInput{
			AccountID: line.AccountID,
			Side:      line.Side,
			Amount:    line.Amount,
			Memo:      line.Memo,
		})
	}
	return input, true
}

func (h *Handler) tenantAndID(w http.ResponseWriter, r *http.Request) (shared.TenantID, int64, bool) {
	tenantID, ok := httpx.Tenant(w, r)
	if !ok {
		return 0, 0, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.ValidationProblem(w, map[string]string{"id": "invalid"})
		return 0, 0, false
	}
	return tenantID, id, true
}

func toAccountResponse(a Account) accountResponse {
	return accountResponse{
		ID:                  a.ID,
		Code:                a.Code,
		Name:                a.Name,
		Type:                a.Type,
		ParentID:            a.ParentID,
		OpeningBalance:      a.OpeningBalance,
		CurrentBalance:      a.CurrentBalance,
		BalanceRecomputedAt: a.BalanceRecomputedAt,
		IsActive:            a.IsActive,
	}
}

func toJournalResponse(e JournalEntry) journalResponse {
	resp := journalResponse{
		ID:            e.ID,
		Number:        e.Number,
		Date:          e.Date.Format(dateLayout),
		Description:   e.Description,
		ReferenceType: e.ReferenceType,
		ReferenceID:   e.ReferenceID,
		Status:        e.Status,
		PostedAt:      e.PostedAt,
		VoidedAt:      e.VoidedAt,
		VoidReason:    e.VoidReason,
	}
	for _, line := range e.Lines {
		resp.Lines = append(resp.Lines, lineResponse{
			LineNo:    line.LineNo,
			AccountID: line.AccountID,
			Side:      line.Side,
			Amount:    line.Amount,
			Memo:      line.Memo,
		})
	}
	return resp
}
