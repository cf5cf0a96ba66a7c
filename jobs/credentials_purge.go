package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/angtu-eios/portal/internal/jobs"
)

// CredentialsPurger deletes stored credentials past their lifetime.
type CredentialsPurger interface {
	Purge(ctx context.Context) (int64, error)
}

// CredentialsPurgeJob runs the periodic purge.
type CredentialsPurgeJob struct {
	Store   CredentialsPurger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCredentialsPurgeJob constructs the job handler.
func NewCredentialsPurgeJob(store CredentialsPurger, logger *slog.Logger, metrics *jobmetrics.Metrics) *CredentialsPurgeJob {
	return &CredentialsPurgeJob{Store: store, Logger: logger, Metrics: metrics}
}

// Handle executes the purge.
func (j *CredentialsPurgeJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("credentials purge: store not configured")
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("job", TaskCredentialsPurge))

	tracker := metrics.Track(TaskCredentialsPurge)
	start := time.Now()
	removed, err := j.Store.Purge(ctx)
	if err != nil {
		logger.Error("purge credentials", slog.Any("error", err))
		return tracker.End(err)
	}
	metrics.AddPurged(removed)
	logger.Info("purged stale credentials", slog.Int64("removed", removed), slog.Duration("duration", time.Since(start)))
	return tracker.End(nil)
}
