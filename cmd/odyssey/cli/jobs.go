package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type queueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	RunAllArchivedTasks(queue string) (int, error)
	Close() error
}

// JobsCLI wraps manual management helpers for the ledger queues.
type JobsCLI struct {
	client          taskEnqueuer
	inspector       queueInspector
	outboxRetention time.Duration
}

// NewJobsCLI initialises the CLI helpers against the queue redis.
func NewJobsCLI(redisOpts asynq.RedisClientOpt, outboxRetention time.Duration) *JobsCLI {
	return &JobsCLI{
		client:          asynq.NewClient(redisOpts),
		inspector:       asynq.NewInspector(redisOpts),
		outboxRetention: outboxRetention,
	}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a maintenance job by name with its default payload.
func (c *JobsCLI) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := jobs.NewTaskByName(name, c.outboxRetention)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
}

// QueueStats summarises the state of one queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueues reports metrics for the ledger and default queues.
func (c *JobsCLI) InspectQueues(ctx context.Context) ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	var out []QueueStats
	for _, name := range []string{jobs.QueueLedger, jobs.QueueDefault} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stats := QueueStats{Queue: name}
		info, err := c.inspector.GetQueueInfo(name)
		if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, fmt.Errorf("jobs cli: inspect %s: %w", name, err)
		}
		if info != nil {
			stats.Pending = info.Pending
			stats.Active = info.Active
			stats.Scheduled = info.Scheduled
			stats.Retry = info.Retry
			stats.Archived = info.Archived
		}
		out = append(out, stats)
	}
	return out, nil
}

// ListDead returns archived ledger notifications, the ones asynq gave up on.
func (c *JobsCLI) ListDead(size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListArchivedTasks(jobs.QueueLedger, asynq.PageSize(size), asynq.Page(1))
}

// RequeueDead moves archived ledger notifications back to pending.
func (c *JobsCLI) RequeueDead() (int, error) {
	if c == nil || c.inspector == nil {
		return 0, errors.New("jobs cli: inspector not configured")
	}
	return c.inspector.RunAllArchivedTasks(jobs.QueueLedger)
}

// Command runs `jobs <trigger NAME|stats|dead|requeue>` and returns the exit code.
func (c *JobsCLI) Command(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: odyssey jobs <trigger NAME|stats|dead|requeue>")
		return 2
	}
	switch args[0] {
	case "trigger":
		if len(args) != 2 {
			fmt.Fprintln(stderr, "usage: odyssey jobs trigger NAME")
			return 2
		}
		info, err := c.Trigger(ctx, args[1])
		if err != nil {
			fmt.Fprintf(stderr, "trigger %s: %v\n", args[1], err)
			return 1
		}
		fmt.Fprintf(stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := c.InspectQueues(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "stats: %v\n", err)
			return 1
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED")
		for _, s := range stats {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
		}
		_ = tw.Flush()
	case "dead":
		tasks, err := c.ListDead(20)
		if err != nil {
			fmt.Fprintf(stderr, "dead: %v\n", err)
			return 1
		}
		enc := json.NewEncoder(stdout)
		for _, t := range tasks {
			_ = enc.Encode(map[string]any{"id": t.ID, "type": t.Type, "last_error": t.LastErr, "retried": t.Retried})
		}
	case "requeue":
		n, err := c.RequeueDead()
		if err != nil {
			fmt.Fprintf(stderr, "requeue: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "requeued %d task(s)\n", n)
	default:
		fmt.Fprintf(stderr, "unknown jobs command %q\n", args[0])
		return 2
	}
	return 0
}
