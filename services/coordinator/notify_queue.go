package coordinator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Notification event types.
const (
	EventFundingConfirmed = "escrow.funding_confirmed"
	EventFundingTimeout   = "escrow.funding_timeout"
	EventDisputed         = "escrow.disputed"
	EventReleased         = "escrow.released"
	EventRefunded         = "escrow.refunded"
	EventDeadlineExtended = "escrow.deadline_extended"
)

// Notification is an outbound lifecycle event.
type Notification struct {
	Sequence        int64             `json:"sequence"`
	Type            string            `json:"type"`
	DealID          string            `json:"dealId"`
	ContractAddress string            `json:"contractAddress"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// notifyTask is a queued delivery. A nil Webhook means the notification has
// not been fanned out to subscribers yet.
type notifyTask struct {
	Notification Notification
	Webhook      *WebhookConfig
	Attempt      int
	NotBefore    time.Time
}

type queuedTask struct {
	task       notifyTask
	enqueuedAt time.Time
}

type historyEntry struct {
	event      Notification
	enqueuedAt time.Time
}

// QueueOption adjusts the behaviour of the notification queue.
type QueueOption func(*queueConfig)

type queueConfig struct {
	taskCapacity    int
	historyCapacity int
	ttl             time.Duration
	now             func() time.Time
}

const (
	defaultTaskCapacity    = 1024
	defaultHistoryCapacity = 256
	defaultQueueTTL        = 15 * time.Minute
)

// WithQueueCapacity sets the maximum number of pending deliveries.
func WithQueueCapacity(capacity int) QueueOption {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.taskCapacity = capacity
		}
	}
}

// WithHistoryCapacity sets the number of notifications retained for
// inspection.
func WithHistoryCapacity(capacity int) QueueOption {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.historyCapacity = capacity
		}
	}
}

// WithQueueTTL configures how long queued items remain eligible for delivery.
func WithQueueTTL(ttl time.Duration) QueueOption {
	return func(cfg *queueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

func withQueueClock(now func() time.Time) QueueOption {
	return func(cfg *queueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// NotificationQueue is a bounded in-memory queue. On overflow the oldest
// task is dropped and counted.
type NotificationQueue struct {
	mu      sync.Mutex
	tasks   queueRing[queuedTask]
	history queueRing[historyEntry]
	ttl     time.Duration
	now     func() time.Time
	metrics *queueMetrics
}

// NewNotificationQueue constructs a bounded queue.
func NewNotificationQueue(opts ...QueueOption) *NotificationQueue {
	cfg := queueConfig{
		taskCapacity:    defaultTaskCapacity,
		historyCapacity: defaultHistoryCapacity,
		ttl:             defaultQueueTTL,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &NotificationQueue{
		tasks:   newQueueRing[queuedTask](cfg.taskCapacity),
		history: newQueueRing[historyEntry](cfg.historyCapacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		metrics: sharedQueueMetrics(),
	}
}

// Enqueue adds a notification awaiting fan-out.
func (q *NotificationQueue) Enqueue(n Notification) {
	q.enqueueTask(notifyTask{Notification: n})
}

func (q *NotificationQueue) enqueueTask(task notifyTask) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if task.Webhook == nil {
		q.recordHistoryLocked(historyEntry{event: task.Notification, enqueuedAt: now})
	}
	q.recordTaskLocked(queuedTask{task: task, enqueuedAt: now})
}

// Events returns a snapshot of recently enqueued notifications.
func (q *NotificationQueue) Events() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(q.now())
	snapshot := make([]Notification, 0, q.history.len())
	q.history.forEach(func(entry historyEntry) {
		snapshot = append(snapshot, entry.event)
	})
	return snapshot
}

// Len reports the number of pending tasks.
func (q *NotificationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.len()
}

func (q *NotificationQueue) dequeue(ctx context.Context) (notifyTask, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		queued, ok := q.tasks.pop()
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return notifyTask{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}

		if delay := time.Until(queued.task.NotBefore); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return notifyTask{}, false
			case <-timer.C:
			}
		}

		if q.ttl > 0 {
			if age := q.now().Sub(queued.enqueuedAt); age > q.ttl {
				q.metrics.recordDropped("ttl", 1)
				continue
			}
		}
		return queued.task, true
	}
}

func (q *NotificationQueue) recordTaskLocked(task queuedTask) {
	if q.tasks.capacity() == 0 {
		q.metrics.recordDropped("overflow", 1)
		return
	}
	if _, dropped := q.tasks.push(task); dropped {
		q.metrics.recordDropped("overflow", 1)
	}
}

func (q *NotificationQueue) recordHistoryLocked(entry historyEntry) {
	if q.history.capacity() == 0 {
		return
	}
	q.history.push(entry)
}

func (q *NotificationQueue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.tasks.peek()
		if !ok || now.Sub(queued.enqueuedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		expired++
	}
	if expired > 0 {
		q.metrics.recordDropped("ttl", expired)
	}
	for {
		entry, ok := q.history.peek()
		if !ok || now.Sub(entry.enqueuedAt) <= q.ttl {
			break
		}
		q.history.pop()
	}
}

// queueRing is a fixed-size ring buffer that overwrites the oldest element on
// overflow.
type queueRing[T any] struct {
	buf  []T
	head int
	size int
}

func newQueueRing[T any](capacity int) queueRing[T] {
	if capacity <= 0 {
		return queueRing[T]{}
	}
	return queueRing[T]{buf: make([]T, capacity)}
}

func (r *queueRing[T]) push(v T) (T, bool) {
	if len(r.buf) == 0 {
		var zero T
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
	var zero T
	return zero, false
}

func (r *queueRing[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 || len(r.buf) == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *queueRing[T]) peek() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *queueRing[T]) len() int { return r.size }

func (r *queueRing[T]) capacity() int { return len(r.buf) }

func (r *queueRing[T]) forEach(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}

var (
	queueMetricsOnce sync.Once
	queueMetricsInst *queueMetrics
)

type queueMetrics struct {
	dropped metric.Int64Counter
}

func sharedQueueMetrics() *queueMetrics {
	queueMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("dealescrow/coordinator")
		counter, err := meter.Int64Counter("dealescrow.notifications.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("dealescrow/coordinator")
			counter, _ = fallback.Int64Counter("dealescrow.notifications.dropped")
		}
		queueMetricsInst = &queueMetrics{dropped: counter}
	})
	return queueMetricsInst
}

func (m *queueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
