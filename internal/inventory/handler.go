package inventory

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: httpx.NewValidator()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/movements", h.handleRecord)
	r.Post("/transfers", h.handleTransfer)
	r.Get("/balance", h.handleBalance)
	r.Get("/history", h.handleHistory)
	r.Get("/verify", h.handleVerify)
	r.Get("/reorder-level", h.handleGetReorderLevel)
	r.Put("/reorder-level", h.handleSetReorderLevel)
}

var errorMappings = []httpx.ErrorMapping{
	{Target: shared.ErrTenantRequired, Status: http.StatusBadRequest, Title: "Tenant Required"},
	{Target: ErrInvalidQuantity, Status: http.StatusUnprocessableEntity, Title: "Invalid Quantity"},
	{Target: ErrInvalidUnitCost, Status: http.StatusUnprocessableEntity, Title: "Invalid Unit Cost"},
	{Target: ErrInvalidMovementType, Status: http.StatusUnprocessableEntity, Title: "Invalid Movement Type"},
	{Target: ErrInvalidProduct, Status: http.StatusUnprocessableEntity, Title: "Invalid Product"},
	{Target: ErrInvalidWarehouse, Status: http.StatusUnprocessableEntity, Title: "Invalid Warehouse"},
	{Target: ErrSameWarehouse, Status: http.StatusUnprocessableEntity, Title: "Invalid Transfer"},
	{Target: ErrNegativeStock, Status: http.StatusUnprocessableEntity, Title: "Insufficient Stock"},
	{Target: ErrBackdatedMovement, Status: http.StatusConflict, Title: "Backdated Movement"},
	{Target: ErrIdempotencyMismatch, Status: http.StatusConflict, Title: "Idempotency Key Reused"},
	{Target: ErrInvalidReorderLevel, Status: http.StatusUnprocessableEntity, Title: "Invalid Reorder Level"},
	{Target: ErrConcurrencyConflict, Status: http.StatusServiceUnavailable, Title: "Concurrent Update"},
}

type recordRequest struct {
	ProductID      int64            `json:"product_id" validate:"required,gt=0"`
	WarehouseID    int64            `json:"warehouse_id" validate:"gte=0"`
	Type           MovementType     `json:"movement_type" validate:"required"`
	Quantity       decimal.Decimal  `json:"quantity" validate:"required,gt=0"`
	UnitCost       *decimal.Decimal `json:"unit_cost"`
	LocationID     *int64           `json:"location_id"`
	BatchNumber    string           `json:"batch_number" validate:"max=64"`
	LotNumber      string           `json:"lot_number" validate:"max=64"`
	SerialNumber   string           `json:"serial_number" validate:"max=64"`
	ManufacturedAt *time.Time       `json:"manufactured_at"`
	ExpiresAt      *time.Time       `json:"expires_at"`
	ReferenceType  string           `json:"reference_type" validate:"max=64"`
	ReferenceID    string           `json:"reference_id" validate:"max=64"`
	Notes          string           `json:"notes" validate:"max=1000"`
	Metadata       map[string]any   `json:"metadata"`
	TransactedAt   *time.Time       `json:"transacted_at"`
	IdempotencyKey string           `json:"idempotency_key" validate:"max=128"`
}

type transferRequest struct {
	ProductID              int64            `json:"product_id" validate:"required,gt=0"`
	SourceWarehouseID      int64            `json:"source_warehouse_id" validate:"gte=0"`
	DestinationWarehouseID int64            `json:"destination_warehouse_id" validate:"gte=0,nefield=SourceWarehouseID"`
	Quantity               decimal.Decimal  `json:"quantity" validate:"required,gt=0"`
	UnitCost               *decimal.Decimal `json:"unit_cost"`
	ReferenceType          string           `json:"reference_type" validate:"max=64"`
	ReferenceID            string           `json:"reference_id" validate:"max=64"`
	Notes                  string           `json:"notes" validate:"max=1000"`
	TransactedAt           *time.Time       `json:"transacted_at"`
	IdempotencyKey         string           `json:"idempotency_key" validate:"max=128"`
}

type reorderLevelRequest struct {
	ProductID   int64           `json:"product_id" validate:"required,gt=0"`
	WarehouseID int64           `json:"warehouse_id" validate:"gte=0"`
	Level       decimal.Decimal `json:"reorder_level" validate:"gte=0"`
}

type reorderLevelResponse struct {
	ProductID   int64            `json:"product_id"`
	WarehouseID int64            `json:"warehouse_id"`
	Level       *decimal.Decimal `json:"reorder_level"`
}

type balanceResponse struct {
	ProductID   int64           `json:"product_id"`
	WarehouseID *int64          `json:"warehouse_id,omitempty"`
	Balance     decimal.Decimal `json:"balance"`
}

type scopeReportResponse struct {
	ProductID       int64           `json:"product_id"`
	WarehouseID     int64           `json:"warehouse_id"`
	Entries         int             `json:"entries"`
	HeadBalance     decimal.Decimal `json:"head_balance"`
	ReplayedBalance decimal.Decimal `json:"replayed_balance"`
	FirstBrokenSeq  int64           `json:"first_broken_seq,omitempty"`
	Consistent      bool            `json:"consistent"`
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httpx.Tenant(w, r)
	if !ok {
		return
	}
	var req recordRequest
	if !httpx.Bind(w, r, h.validator, &req) {
		return
	}
	input := RecordInput{
		ProductID:      req.ProductID,
		WarehouseID:    req.WarehouseID,
		Type:           req.Type,
		Quantity:       req.Quantity,
		UnitCost:       req.UnitCost,
		LocationID:     req.LocationID,
		BatchNumber:    req.BatchNumber,
		LotNumber:      req.LotNumber,
		SerialNumber:   req.SerialNumber,
		ManufacturedAt: req.ManufacturedAt,
		ExpiresAt:      req.ExpiresAt,
		ReferenceType:  req.ReferenceType,
		ReferenceID:    req.ReferenceID,
		Notes:          req.Notes,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
		ActorID:        httpx.Actor(r),
	}
	if req.TransactedAt != nil {
		input.TransactedAt = *req.TransactedAt
	}
	movement, err := h.service.Record(r.Context(), tenantID, input)
	if err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	httpx.JSON(w, http.StatusCreated, toMovementPayload(movement))
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httpx.Tenant(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !httpx.Bind(w, r, h.validator, &req) {
		return
	}
	input := TransferInput{
		ProductID:              req.ProductID,
		SourceWarehouseID:      req.SourceWarehouseID,
		DestinationWarehouseID: req.DestinationWarehouseID,
		Quantity:               req.Quantity,
		UnitCost:               req.UnitCost,
		ReferenceType:          req.ReferenceType,
		ReferenceID:            req.ReferenceID,
		Notes:                  req.Notes,
		IdempotencyKey:         req.IdempotencyKey,
		ActorID:                httpx.Actor(r),
	}
	if req.TransactedAt != nil {
		input.TransactedAt = *req.TransactedAt
	}
	out, in, err := h.service.Transfer(r.Context(), tenantID, input)
	if err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]MovementPayload{
		"out": toMovementPayload(out),
		"in":  toMovementPayload(in),
	})
}

// handleBalance returns the scope balance, or the product total with aggregate=true.
func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httpx.Tenant(w, r)
	if !ok {
		return
	}
	productID, warehouseID, ok := h.scopeParams(w, r)
	if !ok {
		return
	}
	resp := balanceResponse{ProductID: productID}
	var err error
	if r.URL.Query().Get("aggregate") == "true" {
		resp.Balance, err = h.service.TotalBalance(r.Context(), tenantID, productID)
	} else {
		resp.WarehouseID = &warehouseID
		resp.Balance, err = h.service.CurrentBalance(r.Context(), tenantID, productID, warehouseID)
	}
	if err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httpx.Tenant(w, r)
	if !ok {
		return
	}
	fields := map[string]string{}
	filter := HistoryFilter{}
	if id, present, err := httpx.QueryInt64(r, "product_id"); err != nil || !present {
		fields["product_id"] = "required"
	} else {
		filter.ProductID = id
	}
	if id, present, err := httpx.QueryInt64(r, "warehouse_id"); err != nil {
		fields["warehouse_id"] = "invalid"
	} else if present {
		filter.WarehouseID = &id
	}
	if limit, present, err := httpx.QueryInt64(r, "limit"); err != nil {
		fields["limit"] = "invalid"
	} else if present {
		filter.Limit = int(limit)
	}
	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		t, err := parseTimeParam(raw, false)
		if err != nil {
			fields["from"] = "invalid"
		}
		filter.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := parseTimeParam(raw, true)
		if err != nil {
			fields["to"] = "invalid"
		}
		filter.To = t
	}
	if raw := q.Get("cursor"); raw != "" {
		cursor, err := ParseHistoryCursor(raw)
		if err != nil {
			fields["cursor"] = "invalid"
		} else {
			filter.After = &cursor
		}
	}
	if len(fields) > 0 {
		httpx.ValidationProblem(w, fields)
		return
	}
	page, err := h.service.HistoryPage(r.Context(), tenantID, filter)
	if err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	payload := make([]MovementPayload, 0, len(page.Movements))
	for _, m := range page.Movements {
		payload = append(payload, toMovementPayload(m))
	}
	resp := map[string]any{"movements": payload}
	if page.Next != nil {
		resp["next_cursor"] = page.Next.String()
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httpx.Tenant(w, r)
	if !ok {
		return
	}
	productID, warehouseID, ok := h.scopeParams(w, r)
	if !ok {
		return
	}
	report, err := h.service.VerifyScope(r.Context(), tenantID, productID, warehouseID)
	if err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	httpx.JSON(w, http.StatusOK, scopeReportResponse{
		ProductID:       report.Scope.ProductID,
		WarehouseID:     report.Scope.WarehouseID,
		Entries:         report.Entries,
		HeadBalance:     report.HeadBalance,
		ReplayedBalance: report.ReplayedBalance,
		FirstBrokenSeq:  report.FirstBrokenSeq,
		Consistent:      report.Consistent,
	})
}

func (h *Handler) handleGetReorderLevel(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httpx.Tenant(w, r)
	if !ok {
		return
	}
	productID, warehouseID, ok := h.scopeParams(w, r)
	if !ok {
		return
	}
	level, set, err := h.service.ReorderLevel(r.Context(), tenantID, productID, warehouseID)
	if err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	resp := reorderLevelResponse{ProductID: productID, WarehouseID: warehouseID}
	if set {
		resp.Level = &level
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSetReorderLevel(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httpx.Tenant(w, r)
	if !ok {
		return
	}
	var req reorderLevelRequest
	if !httpx.Bind(w, r, h.validator, &req) {
		return
	}
	if err := h.service.SetReorderLevel(r.Context(), tenantID, req.ProductID, req.WarehouseID, req.Level, httpx.Actor(r)); err != nil {
		httpx.RespondError(w, h.logger, err, errorMappings)
		return
	}
	httpx.JSON(w, http.StatusOK, reorderLevelResponse{ProductID: req.ProductID, WarehouseID: req.WarehouseID, Level: &req.Level})
}

func (h *Handler) scopeParams(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	fields := map[string]string{}
	productID, present, err := httpx.QueryInt64(r, "product_id")
	if err != nil || !present || productID <= 0 {
		fields["product_id"] = "required"
	}
	warehouseID, _, err := httpx.QueryInt64(r, "warehouse_id")
	if err != nil || warehouseID < 0 {
		fields["warehouse_id"] = "invalid"
	}
	if len(fields) > 0 {
		httpx.ValidationProblem(w, fields)
		return 0, 0, false
	}
	return productID, warehouseID, true
}

// parseTimeParam accepts RFC3339 or a plain date; a plain end date covers the whole day.
func parseTimeParam(raw string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func toMovementPayload(m StockMovement) MovementPayload {
	return NewMovementRecordedEvent(m).Movement
}
