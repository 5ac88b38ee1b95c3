package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// GeneralLedger is the accounting surface used by the integrity check.
type GeneralLedger interface {
	Tenants(ctx context.Context) ([]shared.TenantID, error)
	TrialCheck(ctx context.Context, tenantID shared.TenantID) (accounting.TrialCheckResult, error)
	RecomputeMany(ctx context.Context, tenantID shared.TenantID, accountIDs []int64) ([]accounting.Account, error)
}

// GLIntegrityJob verifies that posted debits equal credits in every tenant and
// that cached account balances match their posted lines.
type GLIntegrityJob struct {
	Ledger  GeneralLedger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewGLIntegrityJob constructs the trial check handler.
func NewGLIntegrityJob(ledger GeneralLedger, logger *slog.Logger, metrics *jobmetrics.Metrics) *GLIntegrityJob {
	return &GLIntegrityJob{Ledger: ledger, Logger: logger, Metrics: metrics}
}

// GLIntegrityReport summarises one run.
type GLIntegrityReport struct {
	Tenants    int
	Unbalanced []shared.TenantID
	Drifted    int
	Repaired   int
}

// Handle executes TaskGLIntegrity.
func (j *GLIntegrityJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Ledger == nil {
		return errors.New("gl integrity: handler not configured")
	}
	var payload GLIntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskGLIntegrity)
	defer func() { err = tracker.End(err) }()
	_, err = j.Run(ctx, payload.Repair)
	return err
}

// Run checks every tenant. An unbalanced tenant fails the run after all tenants are checked.
func (j *GLIntegrityJob) Run(ctx context.Context, repair bool) (GLIntegrityReport, error) {
	start := time.Now()
	logger := loggerOrDefault(j.Logger, TaskGLIntegrity)
	tenants, err := j.Ledger.Tenants(ctx)
	if err != nil {
		return GLIntegrityReport{}, err
	}
	report := GLIntegrityReport{Tenants: len(tenants)}
	for _, tenantID := range tenants {
		result, err := j.Ledger.TrialCheck(ctx, tenantID)
		if err != nil {
			return report, fmt.Errorf("trial check tenant %d: %w", tenantID, err)
		}
		if !result.Balanced {
			report.Unbalanced = append(report.Unbalanced, tenantID)
			metricsOrDefault(j.Metrics).AddFindings("unbalanced_ledger", tenantID, 1)
			logger.Error("posted lines do not balance",
				slog.Int64("tenant_id", int64(tenantID)),
				slog.String("debit", result.Debit.String()),
				slog.String("credit", result.Credit.String()))
		}
		if len(result.Drift) == 0 {
			continue
		}
		report.Drifted += len(result.Drift)
		metricsOrDefault(j.Metrics).AddFindings("balance_drift", tenantID, len(result.Drift))
		ids := make([]int64, 0, len(result.Drift))
		for _, d := range result.Drift {
			ids = append(ids, d.AccountID)
			logger.Warn("cached balance drift",
				slog.Int64("tenant_id", int64(tenantID)),
				slog.String("account", d.Code),
				slog.String("cached", d.Cached.String()),
				slog.String("expected", d.Expected.String()))
		}
		if !repair {
			continue
		}
		fixed, err := j.Ledger.RecomputeMany(ctx, tenantID, ids)
		if err != nil {
			return report, fmt.Errorf("repair tenant %d: %w", tenantID, err)
		}
		report.Repaired += len(fixed)
	}
	logger.Info("gl integrity check completed",
		slog.Int("tenants", report.Tenants),
		slog.Int("unbalanced", len(report.Unbalanced)),
		slog.Int("drifted", report.Drifted),
		slog.Int("repaired", report.Repaired),
		slog.Duration("duration", time.Since(start)))
	if len(report.Unbalanced) > 0 {
		return report, fmt.Errorf("gl integrity: %d tenant(s) unbalanced", len(report.Unbalanced))
	}
	return report, nil
}
