package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/outbox"
)

const (
	// QueueDefault carries scheduled maintenance jobs.
	QueueDefault = "default"
	// QueueLedger carries ledger notifications relayed from the outbox.
	QueueLedger = "ledger"
)

const (
	// TaskStockMovementRecorded is delivered for every committed stock movement.
	TaskStockMovementRecorded = inventory.TopicMovementRecorded
	// TaskJournalEntryPosted is delivered after a journal entry posts.
	TaskJournalEntryPosted = accounting.TopicEntryPosted
	// TaskJournalEntryVoided is delivered after a posted entry is voided.
	TaskJournalEntryVoided = accounting.TopicEntryVoided

	// TaskGLIntegrity runs the trial check across tenants.
	TaskGLIntegrity = "ledger:gl_integrity"
	// TaskStockIntegrity replays every stock scope.
	TaskStockIntegrity = "ledger:stock_integrity"
	// TaskOutboxFlush drains outbox rows the in-process relay missed.
	TaskOutboxFlush = "ledger:outbox_flush"
	// TaskOutboxPurge deletes dispatched outbox rows past retention.
	TaskOutboxPurge = "ledger:outbox_purge"
)

// eventMaxRetry bounds redelivery of a ledger notification.
const eventMaxRetry = 10

// NewEventTask wraps an outbox event as a task. The event id doubles as the task id
// so a republished event is rejected by the queue while the first copy is pending.
func NewEventTask(evt outbox.Event) (*asynq.Task, error) {
	body, err := evt.Encode()
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(evt.Topic, body,
		asynq.TaskID(evt.ID.String()),
		asynq.Queue(QueueLedger),
		asynq.MaxRetry(eventMaxRetry),
	), nil
}

// GLIntegrityPayload controls the trial check.
type GLIntegrityPayload struct {
	// Repair recomputes accounts whose cached balance drifted.
	Repair bool `json:"repair"`
}

// NewGLIntegrityTask constructs the trial check task.
func NewGLIntegrityTask(repair bool) (*asynq.Task, error) {
	body, err := json.Marshal(GLIntegrityPayload{Repair: repair})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskGLIntegrity, body, asynq.Queue(QueueDefault)), nil
}

// StockIntegrityPayload carries scheduling metadata.
type StockIntegrityPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewStockIntegrityTask constructs the stock replay task.
func NewStockIntegrityTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(StockIntegrityPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockIntegrity, body, asynq.Queue(QueueDefault)), nil
}

// OutboxPurgePayload sets the retention of dispatched events.
type OutboxPurgePayload struct {
	Retention time.Duration `json:"retention"`
}

// NewOutboxFlushTask constructs the outbox safety-net flush.
func NewOutboxFlushTask() *asynq.Task {
	return asynq.NewTask(TaskOutboxFlush, nil, asynq.Queue(QueueDefault))
}

// NewOutboxPurgeTask constructs the outbox retention task.
func NewOutboxPurgeTask(retention time.Duration) (*asynq.Task, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("jobs: outbox retention must be positive, got %s", retention)
	}
	body, err := json.Marshal(OutboxPurgePayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOutboxPurge, body, asynq.Queue(QueueDefault)), nil
}

// NewTaskByName builds a maintenance task with its default payload.
func NewTaskByName(name string, outboxRetention time.Duration) (*asynq.Task, error) {
	switch name {
	case TaskGLIntegrity:
		return NewGLIntegrityTask(false)
	case TaskStockIntegrity:
		return NewStockIntegrityTask(time.Now().UTC())
	case TaskOutboxFlush:
		return NewOutboxFlushTask(), nil
	case TaskOutboxPurge:
		return NewOutboxPurgeTask(outboxRetention)
	default:
		return nil, fmt.Errorf("jobs: unsupported job %s", name)
	}
}
