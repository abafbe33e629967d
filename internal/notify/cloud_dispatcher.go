package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/api/option"

	"github.com/grantly/backend/internal/config"
	"github.com/grantly/backend/internal/events"
)

// TaskTokenHeader authenticates Cloud Tasks callbacks to the internal
// delivery route. The handler rejects requests without the configured token.
const TaskTokenHeader = "X-Grantly-Task-Token"

// RunTaskPayload is the body of a queued run-summary delivery. The internal
// callback route decodes it and hands it to Dispatcher.DeliverRunSummary.
type RunTaskPayload struct {
	UserID      string `json:"user_id"`
	RunID       string `json:"run_id"`
	GrantsFound int    `json:"grants_found"`
	Degraded    bool   `json:"degraded"`
}

// CloudDispatcher queues run-summary deliveries through Google Cloud Tasks
// so they survive process restarts and get queue-level retry. Each enqueue
// becomes an HTTP POST back to this service's internal task route.
//
// The wrapped in-process Dispatcher serves three jobs: enqueue fallback when
// Cloud Tasks is unreachable, the executor behind the callback route, and the
// weekly digest loop, which stays in-process.
type CloudDispatcher struct {
	inner     *Dispatcher
	client    *cloudtasks.Client
	queuePath string
	targetURL string
	taskToken string
	logger    *log.Logger
}

// NewCloudDispatcher connects to the Cloud Tasks queue named in cfg.
// targetURL is the absolute URL of this service's task callback route.
func NewCloudDispatcher(inner *Dispatcher, cfg config.GCPConfig, targetURL, taskToken string) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := cloudtasks.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	cd := &CloudDispatcher{
		inner:     inner,
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", cfg.ProjectID, cfg.CloudTasksLocation, cfg.CloudTasksQueue),
		targetURL: targetURL,
		taskToken: taskToken,
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
	}
	cd.logger.Printf("✅ connected to Cloud Tasks queue: %s", cd.queuePath)
	return cd, nil
}

// Subscribe routes run-completion events through Cloud Tasks.
func (cd *CloudDispatcher) Subscribe(bus *events.Bus) {
	cd.inner.subscribe(bus, cd.EnqueueRunSummary)
}

// StartDigestLoop runs the weekly digest in-process; Cloud Tasks adds
// nothing to a once-a-week batch.
func (cd *CloudDispatcher) StartDigestLoop() {
	cd.inner.StartDigestLoop()
}

// EnqueueRunSummary creates a Cloud Task that POSTs the delivery payload to
// the callback route. Enqueue failures fall back to in-process delivery.
func (cd *CloudDispatcher) EnqueueRunSummary(userID, runID string, grantsFound int, degraded bool) {
	if !cd.inner.cfg.Enabled || userID == "" || runID == "" {
		return
	}

	payload, err := json.Marshal(RunTaskPayload{
		UserID:      userID,
		RunID:       runID,
		GrantsFound: grantsFound,
		Degraded:    degraded,
	})
	if err != nil {
		cd.logger.Printf("❌ marshal run task payload: %v", err)
		return
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if cd.taskToken != "" {
		headers[TaskTokenHeader] = cd.taskToken
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        cd.targetURL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	// Enqueue off the hot path; run completion must not wait on GCP.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		task, err := cd.client.CreateTask(ctx, req)
		if err != nil {
			cd.logger.Printf("❌ Cloud Task enqueue failed for run %s: %v", runID, err)
			cd.logger.Printf("↩️ falling back to in-process delivery for run %s", runID)
			cd.inner.EnqueueRunSummary(userID, runID, grantsFound, degraded)
			return
		}
		cd.logger.Printf("📤 enqueued run summary task: run %s (task=%s)", runID, task.GetName())
	}()
}

// Shutdown drains the in-process dispatcher and closes the Tasks client.
func (cd *CloudDispatcher) Shutdown() {
	cd.inner.Shutdown()
	if err := cd.client.Close(); err != nil {
		cd.logger.Printf("⚠️ Cloud Tasks client close error: %v", err)
	}
	cd.logger.Printf("🔌 Cloud Tasks dispatcher closed")
}

// Stats reports dispatcher telemetry for the detailed health endpoint.
func (cd *CloudDispatcher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"backend": "gcp-cloud-tasks",
		"queue":   cd.queuePath,
		"target":  cd.targetURL,
	}
}

var (
	_ Notifier = (*Dispatcher)(nil)
	_ Notifier = (*CloudDispatcher)(nil)
)
