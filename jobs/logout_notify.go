package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/angtu-eios/portal/internal/jobs"
	"github.com/angtu-eios/portal/internal/shared"
)

// LogoutNotifier revokes an access token at the API.
type LogoutNotifier interface {
	Logout(ctx context.Context, accessToken string) error
}

// LogoutNotifyJob delivers deferred logout notifications.
type LogoutNotifyJob struct {
	API     LogoutNotifier
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLogoutNotifyJob constructs the job handler.
func NewLogoutNotifyJob(api LogoutNotifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *LogoutNotifyJob {
	return &LogoutNotifyJob{API: api, Logger: logger, Metrics: metrics}
}

// Handle executes the logout notification. A token the API no longer knows
// counts as delivered; transport failures are retried by asynq.
func (j *LogoutNotifyJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.API == nil {
		return errors.New("logout notify: api not configured")
	}
	var payload LogoutNotifyPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.AccessToken == "" {
		return fmt.Errorf("logout notify: malformed payload: %w", asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskLogoutNotify)
	err := j.API.Logout(ctx, payload.AccessToken)
	switch {
	case err == nil:
		j.log().Info("deferred logout delivered")
	case errors.Is(err, shared.ErrUnauthorized):
		j.log().Info("token already revoked")
		err = nil
	case errors.Is(err, shared.ErrValidation), errors.Is(err, shared.ErrForbidden):
		j.log().Warn("logout rejected", slog.Any("error", err))
		err = fmt.Errorf("logout notify: %v: %w", err, asynq.SkipRetry)
	default:
		j.log().Warn("logout notify failed", slog.Any("error", err))
	}
	return tracker.End(err)
}

func (j *LogoutNotifyJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LogoutNotifyJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLogoutNotify))
	}
	return slog.Default().With(slog.String("job", TaskLogoutNotify))
}
