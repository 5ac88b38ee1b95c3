package inventory

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// TopicMovementRecorded is published after a movement commits.
const TopicMovementRecorded = "stock:movement_recorded"

// MovementRecordedEvent is the payload of TopicMovementRecorded.
type MovementRecordedEvent struct {
	TenantID shared.TenantID `json:"tenant_id"`
	Movement MovementPayload `json:"movement"`
}

// MovementPayload is the wire form of a StockMovement.
type MovementPayload struct {
	ID             int64               `json:"id"`
	ProductID      int64               `json:"product_id"`
	WarehouseID    int64               `json:"warehouse_id"`
	Seq            int64               `json:"seq"`
	Type           MovementType        `json:"movement_type"`
	Quantity       decimal.Decimal     `json:"quantity"`
	UnitCost       decimal.NullDecimal `json:"unit_cost"`
	RunningBalance decimal.Decimal     `json:"running_balance"`
	ReferenceType  string              `json:"reference_type,omitempty"`
	ReferenceID    string              `json:"reference_id,omitempty"`
	TransactedAt   time.Time           `json:"transacted_at"`
}

// NewMovementRecordedEvent builds the notification for m.
func NewMovementRecordedEvent(m StockMovement) MovementRecordedEvent {
	return MovementRecordedEvent{
		TenantID: m.TenantID,
		Movement: MovementPayload{
			ID:             m.ID,
			ProductID:      m.ProductID,
			WarehouseID:    m.WarehouseID,
			Seq:            m.Seq,
			Type:           m.Type,
			Quantity:       m.Quantity,
			UnitCost:       m.UnitCost,
			RunningBalance: m.RunningBalance,
			ReferenceType:  m.ReferenceType,
			ReferenceID:    m.ReferenceID,
			TransactedAt:   m.TransactedAt,
		},
	}
}
