// Package webhook implements the outbound webhook dispatcher (spec §4.11,
// §6.3): an in-process unbounded queue drained by a single consumer, each
// delivery retried with linear backoff via go-retryablehttp, success
// defined as an HTTP 200 or 202 response.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Payload is the body POSTed to a subscriber's URL on a task lifecycle
// transition (spec §6.3).
type Payload struct {
	TaskID       string         `json:"task_id"`
	WorkflowType string         `json:"workflow_type"`
	Status       string         `json:"status"`
	Timestamp    time.Time      `json:"timestamp"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Delivery is one queued webhook send.
type Delivery struct {
	URL     string
	Secret  string
	Payload Payload
}

// Dispatcher owns the delivery queue and its single consumer goroutine.
type Dispatcher struct {
	client *retryablehttp.Client
	logger *slog.Logger
	queue  chan Delivery
}

// New builds a Dispatcher with linear backoff (spec §6.3: "retried with
// linear backoff") capped at 3 retries, and an unbounded (channel-backed)
// in-process queue.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 1 * time.Second // linear: with min == max, retry n waits n x 1s (1s, 2s, 3s)
	client.Backoff = retryablehttp.LinearJitterBackoff
	client.Logger = nil // webhook delivery failures are logged by Dispatcher itself, not the HTTP client

	d := &Dispatcher{
		client: client,
		logger: logger,
		queue:  make(chan Delivery, 4096),
	}
	return d
}

// Enqueue queues a delivery for the background consumer. It never blocks
// on network I/O; callers (the task executor, worker pool) fire-and-forget.
func (d *Dispatcher) Enqueue(delivery Delivery) {
	select {
	case d.queue <- delivery:
	default:
		// Buffer full: a goroutine waits for room so the delivery is kept
		// and the caller still does not block.
		d.logger.Warn("webhook queue buffer full, delivery waiting for room", "task_id", delivery.Payload.TaskID, "url", delivery.URL)
		go func() { d.queue <- delivery }()
	}
}

// Run drains the delivery queue until ctx is cancelled. Call it once, in
// its own goroutine, per Dispatcher.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery := <-d.queue:
			d.deliver(ctx, delivery)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, delivery Delivery) {
	body, err := json.Marshal(delivery.Payload)
	if err != nil {
		d.logger.Error("webhook marshal failed", "task_id", delivery.Payload.TaskID, "error", err)
		return
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, delivery.URL, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("webhook build request failed", "task_id", delivery.Payload.TaskID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", delivery.Payload.Status)
	req.Header.Set("X-Task-Id", delivery.Payload.TaskID)
	if delivery.Secret != "" {
		req.Header.Set("X-Webhook-Signature", sign(delivery.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Error("webhook delivery exhausted retries", "task_id", delivery.Payload.TaskID, "url", delivery.URL, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		d.logger.Error("webhook rejected", "task_id", delivery.Payload.TaskID, "url", delivery.URL, "status", resp.StatusCode)
	}
}

func sign(secret string, body []byte) string {
	return fmt.Sprintf("sha256=%x", hmacSHA256(secret, body))
}
