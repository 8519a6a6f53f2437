// Package webhook delivers push notifications to a configured endpoint.
// When a Redis client is configured, delivery is queued through Redis
// rather than fired inline with the request, so a slow or unreachable
// webhook endpoint never adds latency to a push; without one, Notify
// delivers synchronously (§4.5 Supplemented Features, SPEC_FULL.md Domain
// Stack).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// queueKey is the Redis list webhook deliveries are queued on.
const queueKey = "registry:webhook_queue"

// Event is the JSON payload sent to the configured webhook URL.
type Event struct {
	Action     string    `json:"action"` // "push" (the only action the API layer sends)
	Repository string    `json:"repository"`
	Reference  string    `json:"reference"` // tag or digest
	Digest     string    `json:"digest"`
	Timestamp  time.Time `json:"timestamp"`
	Account    string    `json:"account"`
}

// Service queues events and delivers them to a single configured URL.
type Service struct {
	url    string
	client *redis.Client
	http   *http.Client
}

// NewService constructs a Service. rdb may be nil, in which case Notify
// delivers synchronously instead of queueing — used in tests and in
// deployments that don't run Redis.
func NewService(url string, rdb *redis.Client) *Service {
	return &Service{
		url:    url,
		client: rdb,
		http:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Notify enqueues event for delivery. If no webhook URL is configured this
// is a no-op.
func (s *Service) Notify(ctx context.Context, event Event) error {
	if s.url == "" {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if s.client == nil {
		return s.deliver(ctx, payload)
	}
	return s.client.RPush(ctx, queueKey, payload).Err()
}

// Run drains the delivery queue until ctx is cancelled, one event at a
// time. Intended to run as a single background goroutine started at
// startup (§4.5, §7). A delivery failure is printed here and the event is
// dropped rather than retried; Run returns an error only when dequeueing
// from Redis fails.
func (s *Service) Run(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	for {
		result, err := s.client.BLPop(ctx, 5*time.Second, queueKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("webhook: dequeue: %w", err)
		}
		if len(result) != 2 {
			continue
		}
		if err := s.deliver(ctx, []byte(result[1])); err != nil {
			fmt.Printf("[webhook] delivery failed: %v\n", err)
		}
	}
}

func (s *Service) deliver(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
