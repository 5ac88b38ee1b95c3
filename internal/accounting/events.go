package accounting

import (
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const (
	// TopicEntryPosted is published after a journal entry posts.
	TopicEntryPosted = "journal:entry_posted"
	// TopicEntryVoided is published after a posted entry is voided.
	TopicEntryVoided = "journal:entry_voided"
)

// JournalEvent is the payload of the posted and voided notifications.
// Consumers recompute AccountIDs from the posted lines; the event carries no balances.
type JournalEvent struct {
	TenantID   shared.TenantID `json:"tenant_id"`
	EntryID    int64           `json:"entry_id"`
	Number     string          `json:"entry_number"`
	Status     JournalStatus   `json:"status"`
	AccountIDs []int64         `json:"account_ids"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewJournalEvent builds the notification for entry.
func NewJournalEvent(entry JournalEntry, at time.Time) JournalEvent {
	return JournalEvent{
		TenantID:   entry.TenantID,
		EntryID:    entry.ID,
		Number:     entry.Number,
		Status:     entry.Status,
		AccountIDs: entry.AccountIDs(),
		OccurredAt: at.UTC(),
	}
}
