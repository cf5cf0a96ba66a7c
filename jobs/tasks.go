package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/angtu-eios/portal/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLogoutNotify retries a backend logout notification that failed inline.
	TaskLogoutNotify = "auth:logout_notify"
	// TaskCredentialsPurge removes stale credential rows from PostgreSQL.
	TaskCredentialsPurge = "tokenstore:purge"
)

// LogoutNotifyMaxRetry bounds redelivery of a logout notification.
const LogoutNotifyMaxRetry = 5

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// LogoutNotifyPayload carries the access token to revoke.
type LogoutNotifyPayload struct {
	AccessToken string `json:"access_token"`
}

// NewLogoutNotifyTask constructs an Asynq task notifying the API of a logout.
func NewLogoutNotifyTask(accessToken string) (*asynq.Task, error) {
	if accessToken == "" {
		return nil, errors.New("logout notify: access token required")
	}
	body, err := json.Marshal(LogoutNotifyPayload{AccessToken: accessToken})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLogoutNotify, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(LogoutNotifyMaxRetry),
		asynq.Timeout(30*time.Second),
	), nil
}

// NewCredentialsPurgeTask constructs the periodic purge task.
func NewCredentialsPurgeTask() *asynq.Task {
	return asynq.NewTask(TaskCredentialsPurge, nil, asynq.Queue(QueueDefault))
}
