// Package webhook posts batch and polling events to configured endpoints.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/orrn/labeld/internal/config"
	"github.com/orrn/labeld/internal/core"
	"github.com/orrn/labeld/internal/poller"
)

type Event string

const (
	EventBatchCompleted Event = "batch_completed"
	EventBatchFailed    Event = "batch_failed"
	EventPollDegraded   Event = poller.EventPollDegraded
	EventPollRecovered  Event = poller.EventPollRecovered
)

type Payload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Signature string    `json:"signature,omitempty"`
}

type BatchEventData struct {
	BatchID     int64  `json:"batch_id,omitempty"`
	Requested   int    `json:"requested"`
	Printed     int    `json:"printed"`
	Undelivered int    `json:"undelivered"`
	FailedIndex int    `json:"failed_index,omitempty"`
	Stage       string `json:"stage,omitempty"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
}

type PollEventData struct {
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
}

type Options struct {
	Retries     int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

type task struct {
	endpoint config.WebhookEndpoint
	payload  *Payload
	attempt  int
}

// Sender delivers events asynchronously. Events are dropped, with a log
// line, when the queue is full.
type Sender struct {
	endpoints   []config.WebhookEndpoint
	httpClient  *http.Client
	retries     int
	retryDelay  time.Duration
	workerCount int
	queue       chan *task
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	logger      *slog.Logger
}

func NewSender(endpoints []config.WebhookEndpoint, opts Options, logger *slog.Logger) *Sender {
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		retries:     opts.Retries,
		retryDelay:  opts.RetryDelay,
		workerCount: opts.WorkerCount,
		queue:       make(chan *task, opts.QueueSize),
		stopCh:      make(chan struct{}),
		logger:      logger.With("component", "webhook"),
	}
}

// Enabled reports whether any endpoint is configured.
func (s *Sender) Enabled() bool {
	return len(s.endpoints) > 0
}

func (s *Sender) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *Sender) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	if n := len(s.queue); n > 0 {
		s.logger.Warn("undelivered webhooks dropped at shutdown", "count", n)
	}
}

// SendBatchEvent implements core.Notifier.
func (s *Sender) SendBatchEvent(rec *core.BatchRecord) {
	data := &BatchEventData{
		BatchID:     rec.ID,
		Requested:   rec.Requested,
		Printed:     rec.Printed,
		Undelivered: rec.Undelivered(),
		FailedIndex: rec.FailedIndex,
		Stage:       rec.Stage,
		Error:       rec.Error,
	}
	if rec.CompletedAt != nil {
		data.DurationMs = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()
	}

	event := EventBatchCompleted
	if !rec.Succeeded() {
		event = EventBatchFailed
	}
	s.enqueue(event, data)
}

// SendPollEvent implements poller.Notifier.
func (s *Sender) SendPollEvent(event string, failures int, lastErr string) {
	s.enqueue(Event(event), &PollEventData{
		ConsecutiveFailures: failures,
		LastError:           lastErr,
	})
}

func (s *Sender) enqueue(event Event, data any) {
	for _, ep := range s.endpoints {
		if !subscribed(ep, event) {
			continue
		}

		t := &task{
			endpoint: ep,
			payload: &Payload{
				Event:     string(event),
				Timestamp: time.Now(),
				Data:      data,
			},
		}

		select {
		case s.queue <- t:
		default:
			s.logger.Warn("queue full, dropping webhook", "endpoint", ep.Name, "event", event)
		}
	}
}

// subscribed treats an empty event list as all events.
func subscribed(ep config.WebhookEndpoint, event Event) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, e := range ep.Events {
		if e == string(event) {
			return true
		}
	}
	return false
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(t); err != nil {
				s.logger.Error("webhook delivery failed",
					"worker", id,
					"endpoint", t.endpoint.Name,
					"event", t.payload.Event,
					"attempts", t.attempt,
					"error", err,
				)
			}
		}
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	var lastErr error
	for t.attempt < s.retries {
		t.attempt++

		err := s.sendRequest(t.endpoint, t.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			s.logger.Warn("client error, not retrying", "endpoint", t.endpoint.Name, "error", err)
			return err
		}

		if t.attempt < s.retries {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			s.logger.Info("retrying webhook",
				"endpoint", t.endpoint.Name,
				"attempt", t.attempt,
				"of", s.retries,
				"in", backoff,
				"error", err,
			)

			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested: %w", lastErr)
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

type statusError struct {
	StatusCode int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http error: %d", e.StatusCode)
}

func (s *Sender) sendRequest(ep config.WebhookEndpoint, payload *Payload) error {
	dataBytes, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	signed := *payload
	if ep.Secret != "" {
		signed.Signature = Sign(dataBytes, ep.Secret)
	}

	body, err := json.Marshal(&signed)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", signed.Event)
	if signed.Signature != "" {
		req.Header.Set("X-Webhook-Signature", signed.Signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of data under secret.
func Sign(data []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500
}
