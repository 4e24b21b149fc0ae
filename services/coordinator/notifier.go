package coordinator

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"dealescrow/observability"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Dealescrow-Signature"

// Handler receives notifications in-process.
type Handler func(ctx context.Context, n Notification)

type subscription struct {
	events map[string]struct{}
	fn     Handler
}

func (s subscription) wants(eventType string) bool {
	if len(s.events) == 0 {
		return true
	}
	_, ok := s.events[eventType]
	return ok
}

// Notifier fans lifecycle notifications out to in-process handlers and
// signed HTTP webhooks.
type Notifier struct {
	queue       *NotificationQueue
	webhooks    []WebhookConfig
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	nowFn       func() time.Time
	seq         atomic.Int64

	mu       sync.RWMutex
	handlers []subscription
}

// NewNotifier constructs a notifier delivering to webhooks.
func NewNotifier(queue *NotificationQueue, webhooks []WebhookConfig, maxAttempts int, logger *slog.Logger) *Notifier {
	if queue == nil {
		queue = NewNotificationQueue()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Notifier{
		queue:       queue,
		webhooks:    append([]WebhookConfig(nil), webhooks...),
		client:      &http.Client{Timeout: 10 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:      logger,
		maxAttempts: maxAttempts,
		nowFn:       time.Now,
	}
}

// Subscribe registers fn for the given event types; none means all.
func (n *Notifier) Subscribe(fn Handler, events ...string) {
	if fn == nil {
		return
	}
	sub := subscription{fn: fn, events: make(map[string]struct{}, len(events))}
	for _, evt := range events {
		sub.events[evt] = struct{}{}
	}
	n.mu.Lock()
	n.handlers = append(n.handlers, sub)
	n.mu.Unlock()
}

// Publish assigns a sequence number and enqueues the notification.
func (n *Notifier) Publish(notification Notification) {
	notification.Sequence = n.seq.Add(1)
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = n.nowFn().UTC()
	}
	n.queue.Enqueue(notification)
}

// Queue exposes the underlying queue.
func (n *Notifier) Queue() *NotificationQueue { return n.queue }

// Run processes deliveries until the context is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		task, ok := n.queue.dequeue(ctx)
		if !ok {
			return
		}
		if task.Webhook == nil {
			n.fanOut(ctx, task.Notification)
			continue
		}
		n.deliver(ctx, task)
	}
}

func (n *Notifier) fanOut(ctx context.Context, notification Notification) {
	n.mu.RLock()
	handlers := append([]subscription(nil), n.handlers...)
	n.mu.RUnlock()
	for _, sub := range handlers {
		if sub.wants(notification.Type) {
			sub.fn(ctx, notification)
			observability.Coordinator().RecordNotification(notification.Type, "delivered")
		}
	}
	for i := range n.webhooks {
		hook := n.webhooks[i]
		if !hookWants(hook, notification.Type) {
			continue
		}
		n.queue.enqueueTask(notifyTask{Notification: notification, Webhook: &hook})
	}
}

func hookWants(hook WebhookConfig, eventType string) bool {
	if len(hook.Events) == 0 {
		return true
	}
	for _, evt := range hook.Events {
		if strings.EqualFold(strings.TrimSpace(evt), eventType) {
			return true
		}
	}
	return false
}

func (n *Notifier) deliver(ctx context.Context, task notifyTask) {
	payload, err := json.Marshal(task.Notification)
	if err != nil {
		n.logger.Error("encode notification", slog.Any("error", err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.Webhook.URL, bytes.NewReader(payload))
	if err != nil {
		n.logger.Error("build webhook request", slog.String("url", task.Webhook.URL), slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, SignPayload(task.Webhook.Secret, payload))

	resp, err := n.client.Do(req)
	if err != nil {
		n.retryLater(task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.retryLater(task, resp.Status)
		return
	}
	observability.Coordinator().RecordNotification(task.Notification.Type, "delivered")
}

func (n *Notifier) retryLater(task notifyTask, reason string) {
	attempt := task.Attempt + 1
	if attempt >= n.maxAttempts {
		observability.Coordinator().RecordNotification(task.Notification.Type, "abandoned")
		n.logger.Warn("webhook delivery abandoned",
			slog.String("url", task.Webhook.URL),
			slog.String("type", task.Notification.Type),
			slog.String("reason", reason))
		return
	}
	observability.Coordinator().RecordNotification(task.Notification.Type, "retry")
	task.Attempt = attempt
	task.NotBefore = n.nowFn().Add(backoffDuration(attempt))
	n.queue.enqueueTask(task)
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature in constant time.
func VerifySignature(secret string, payload []byte, signature string) error {
	expected, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("coordinator: malformed signature: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return fmt.Errorf("coordinator: signature mismatch")
	}
	return nil
}
