package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"execution-insight/backend/internal/logging"
	"execution-insight/backend/pkg/models"
)

type seedOptions struct {
	baseURL string
	token   string
	threads int
}

func main() {
	opts := seedOptions{}
	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Post sample process executions and feedback to a running service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, logging.NewLogger())
		},
	}
	cmd.Flags().StringVar(&opts.baseURL, "url", "http://localhost:8080", "service base URL")
	cmd.Flags().StringVar(&opts.token, "token", os.Getenv("INSIGHT_TOKEN"), "bearer token (not needed in dev bypass mode)")
	cmd.Flags().IntVar(&opts.threads, "threads", 12, "number of threads to create")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// A seeded process: an order fulfilment flow where every fourth run fails
// in the payment step.
var steps = []struct {
	name     string
	taskType models.TaskType
}{
	{"validate order", models.TaskTypeBusinessRule},
	{"charge payment", models.TaskTypeService},
	{"pick and pack", models.TaskTypeUser},
	{"notify customer", models.TaskTypeSend},
}

func run(ctx context.Context, opts seedOptions, logger *logging.Logger) error {
	client := &http.Client{Timeout: 30 * time.Second}
	start := time.Now().Add(-time.Duration(opts.threads) * time.Hour)

	var threadIDs []string
	for i := range opts.threads {
		threadID := uuid.NewString()
		failed := i%4 == 3
		events := threadEvents(threadID, i, start.Add(time.Duration(i)*time.Hour), failed)

		var resp struct {
			Failed int `json:"failed"`
		}
		if err := post(ctx, client, opts, "/api/v1/events/batch", events, &resp); err != nil {
			return fmt.Errorf("seed thread %s: %w", threadID, err)
		}
		if resp.Failed > 0 {
			logger.Warn("some events were rejected", "thread_id", threadID, "failed", resp.Failed)
		}
		logger.Info("seeded thread", "thread_id", threadID, "events", len(events), "failed_run", failed)
		threadIDs = append(threadIDs, threadID)
	}

	for i, id := range threadIDs {
		rating := 5 - i%4
		fb := map[string]any{
			"target_type": models.TargetThread,
			"target_id":   id,
			"type":        models.FeedbackRating,
			"rating":      rating,
			"content":     fmt.Sprintf("seeded rating %d", rating),
		}
		if err := post(ctx, client, opts, "/api/v1/feedback", fb, nil); err != nil {
			return fmt.Errorf("seed feedback for %s: %w", id, err)
		}
	}
	logger.Info("seeding complete", "threads", len(threadIDs))
	return nil
}

func threadEvents(threadID string, n int, at time.Time, failed bool) []*models.Event {
	var seq int64
	next := func(kind models.EventKind, taskID string, p models.EventPayload) *models.Event {
		seq++
		at = at.Add(time.Minute)
		return &models.Event{ThreadID: threadID, TaskID: taskID, Kind: kind, Sequence: seq, OccurredAt: at, Payload: p}
	}

	events := []*models.Event{next(models.EventThreadStarted, "", models.EventPayload{
		ProcessDefinitionID: "order-fulfilment",
		BusinessKey:         fmt.Sprintf("order-%04d", n),
		Domain:              "commerce",
	})}
	for i, step := range steps {
		taskID := fmt.Sprintf("%s-t%d", threadID, i+1)
		input, _ := json.Marshal(map[string]any{"order": n, "step": step.name, "amount": 20 + n*5})
		events = append(events, next(models.EventTaskStarted, taskID, models.EventPayload{
			TaskName: step.name,
			TaskType: step.taskType,
			Input:    input,
		}))
		if failed && step.taskType == models.TaskTypeService {
			events = append(events,
				next(models.EventTaskFailed, taskID, models.EventPayload{
					Error:   "card declined",
					Metrics: &models.TaskMetrics{DurationMs: 1200, ErrorCount: 1, RetryCount: 2},
				}),
				next(models.EventThreadFailed, "", models.EventPayload{Error: "payment step failed"}),
			)
			return events
		}
		output, _ := json.Marshal(map[string]any{"step": step.name, "ok": true})
		events = append(events, next(models.EventTaskCompleted, taskID, models.EventPayload{
			Output:  output,
			Metrics: &models.TaskMetrics{DurationMs: int64(200 + 50*i)},
		}))
	}
	return append(events, next(models.EventThreadCompleted, "", models.EventPayload{}))
}

func post(ctx context.Context, client *http.Client, opts seedOptions, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusMultiStatus {
		var problem models.ProblemDetails
		_ = json.NewDecoder(resp.Body).Decode(&problem)
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, problem.Detail)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
