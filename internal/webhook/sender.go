package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orrn/printsync/internal/core"
	"github.com/orrn/printsync/internal/db"
	"github.com/orrn/printsync/internal/events"
)

type Event string

const (
	EventJobStatusChanged Event = "job_status_changed"
	EventJobCompleted     Event = "job_completed"
	EventJobCanceled      Event = "job_canceled"
	EventJobFailed        Event = "job_failed"
)

// KnownEvents lists every event a webhook can subscribe to.
var KnownEvents = []Event{EventJobStatusChanged, EventJobCompleted, EventJobCanceled, EventJobFailed}

func ValidEvent(name string) bool {
	for _, e := range KnownEvents {
		if string(e) == name {
			return true
		}
	}
	return false
}

type Payload struct {
	Event     string        `json:"event"`
	Timestamp time.Time     `json:"timestamp"`
	Data      core.JobEvent `json:"data"`
	Signature string        `json:"signature,omitempty"`
}

type Config struct {
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

type Store interface {
	ListActiveWebhooksForEvent(ctx context.Context, event string) ([]*db.Webhook, error)
	GetWebhookByID(ctx context.Context, id int64) (*db.Webhook, error)
}

type task struct {
	webhookID int64
	payload   *Payload
	attempt   int
}

type httpError struct {
	code int
}

func (e *httpError) Error() string { return fmt.Sprintf("http error: %d", e.code) }

// Sender relays job events from the bus to registered webhooks.
type Sender struct {
	store       Store
	httpClient  *http.Client
	retryCount  int
	retryDelay  time.Duration
	workerCount int
	queue       chan *task
	log         logrus.FieldLogger
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func NewSender(store Store, cfg Config, log logrus.FieldLogger) *Sender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Sender{
		store:       store,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		retryCount:  cfg.RetryCount,
		retryDelay:  cfg.RetryDelay,
		workerCount: cfg.WorkerCount,
		queue:       make(chan *task, cfg.QueueSize),
		log:         log.WithField("component", "webhook"),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the delivery workers and, when sub is not nil, a relay that
// feeds them from the subscription until Stop.
func (s *Sender) Start(sub *events.Subscription) {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	if sub == nil {
		return
	}
	s.wg.Add(1)
	go s.relay(sub)
}

func (s *Sender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sender) relay(sub *events.Subscription) {
	defer s.wg.Done()
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.KeepAlive {
			continue
		}
		s.HandleEvent(ctx, msg.Event)
	}
}

// eventsFor maps a status change to the webhook events it triggers.
func eventsFor(evt core.JobEvent) []Event {
	out := []Event{EventJobStatusChanged}
	switch evt.NewStatus {
	case core.JobStatusCompleted:
		out = append(out, EventJobCompleted)
	case core.JobStatusCanceled:
		out = append(out, EventJobCanceled)
	case core.JobStatusAborted, core.JobStatusTimedOut:
		out = append(out, EventJobFailed)
	}
	return out
}

// HandleEvent queues one delivery per subscribed webhook. Deliveries are
// dropped when the queue is full.
func (s *Sender) HandleEvent(ctx context.Context, evt core.JobEvent) {
	for _, event := range eventsFor(evt) {
		hooks, err := s.store.ListActiveWebhooksForEvent(ctx, string(event))
		if err != nil {
			s.log.WithError(err).WithField("event", event).Error("failed to load webhooks")
			continue
		}

		for _, hook := range hooks {
			t := &task{
				webhookID: hook.ID,
				payload: &Payload{
					Event:     string(event),
					Timestamp: evt.Timestamp,
					Data:      evt,
				},
			}

			select {
			case s.queue <- t:
			default:
				s.log.WithFields(logrus.Fields{
					"webhook_id": hook.ID,
					"event":      event,
				}).Warn("webhook queue full, dropping delivery")
			}
		}
	}
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(t); err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"worker":     id,
					"webhook_id": t.webhookID,
					"event":      t.payload.Event,
					"attempts":   t.attempt,
				}).Warn("webhook delivery failed")
			}
		}
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	hook, err := s.store.GetWebhookByID(context.Background(), t.webhookID)
	if err != nil {
		return fmt.Errorf("failed to get webhook: %w", err)
	}

	var lastErr error
	for t.attempt < s.retryCount {
		t.attempt++

		err := s.send(hook, t.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if t.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			s.log.WithError(err).WithFields(logrus.Fields{
				"webhook_id": hook.ID,
				"attempt":    t.attempt,
				"backoff":    backoff.String(),
			}).Debug("retrying webhook")

			select {
			case <-s.stopCh:
				return errors.New("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) send(hook *db.Webhook, payload *Payload) error {
	data, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	signature := ""
	if hook.Secret != "" {
		signature = Sign(data, hook.Secret)
	}
	body := *payload
	body.Signature = signature

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, hook.URL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", payload.Event)
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &httpError{code: resp.StatusCode}
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
	var he *httpError
	return errors.As(err, &he) && he.code >= 400 && he.code < 500
}
