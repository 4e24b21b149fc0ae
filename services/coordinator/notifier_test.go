package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNotificationQueueDropsOldest(t *testing.T) {
	clock := &testClock{now: time.Unix(1700000000, 0).UTC()}
	queue := NewNotificationQueue(
		WithQueueCapacity(3),
		WithHistoryCapacity(2),
		WithQueueTTL(time.Minute),
		withQueueClock(clock.Now),
	)
	for i := 0; i < 5; i++ {
		queue.Enqueue(Notification{Sequence: int64(i), CreatedAt: clock.Now()})
	}

	events := queue.Events()
	if len(events) != 2 || events[0].Sequence != 3 || events[1].Sequence != 4 {
		t.Fatalf("unexpected history: %+v", events)
	}
	if queue.Len() != 3 {
		t.Fatalf("expected 3 queued tasks, got %d", queue.Len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, want := range []int64{2, 3, 4} {
		task, ok := queue.dequeue(ctx)
		if !ok {
			t.Fatalf("queue closed before sequence %d", want)
		}
		if task.Notification.Sequence != want {
			t.Fatalf("expected sequence %d, got %d", want, task.Notification.Sequence)
		}
	}
}

func TestNotificationQueueEvictsExpired(t *testing.T) {
	clock := &testClock{now: time.Unix(1700000000, 0).UTC()}
	queue := NewNotificationQueue(
		WithQueueCapacity(2),
		WithHistoryCapacity(2),
		WithQueueTTL(10*time.Second),
		withQueueClock(clock.Now),
	)
	queue.Enqueue(Notification{Sequence: 1})
	clock.Advance(11 * time.Second)
	queue.Enqueue(Notification{Sequence: 2})

	if events := queue.Events(); len(events) != 1 || events[0].Sequence != 2 {
		t.Fatalf("expected only the fresh event, got %+v", events)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected expired task evicted, got %d", queue.Len())
	}
}

func TestNotifierFiltersHandlers(t *testing.T) {
	notifier := NewNotifier(nil, nil, 0, discardLogger())
	var mu sync.Mutex
	var got []string
	notifier.Subscribe(func(_ context.Context, n Notification) {
		mu.Lock()
		got = append(got, n.Type)
		mu.Unlock()
	}, EventReleased)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notifier.Run(ctx)

	notifier.Publish(Notification{Type: EventDisputed, DealID: "0x01"})
	notifier.Publish(Notification{Type: EventReleased, DealID: "0x01"})
	eventually(t, "released handler", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != EventReleased {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}

func TestNotifierDeliversSignedWebhookWithRetry(t *testing.T) {
	const secret = "webhook-secret"
	var attempts atomic.Int32
	received := make(chan Notification, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := VerifySignature(secret, body, r.Header.Get(SignatureHeader)); err != nil {
			t.Errorf("signature: %v", err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var n Notification
		if err := json.Unmarshal(body, &n); err != nil {
			t.Errorf("decode: %v", err)
		}
		received <- n
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	notifier := NewNotifier(nil, []WebhookConfig{
		{URL: srv.URL, Secret: secret, Events: []string{EventFundingConfirmed}},
	}, 3, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notifier.Run(ctx)

	notifier.Publish(Notification{Type: EventDisputed, DealID: "0x02"})
	notifier.Publish(Notification{
		Type:       EventFundingConfirmed,
		DealID:     "0x02",
		Attributes: map[string]string{"amount": "10"},
	})

	select {
	case n := <-received:
		if n.Type != EventFundingConfirmed || n.DealID != "0x02" || n.Attributes["amount"] != "10" {
			t.Fatalf("unexpected payload: %+v", n)
		}
		if n.Sequence != 2 {
			t.Fatalf("expected sequence 2, got %d", n.Sequence)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
	if attempts.Load() != 2 {
		t.Fatalf("expected one retry, got %d attempts", attempts.Load())
	}
}

func TestVerifySignatureRejectsTampering(t *testing.T) {
	payload := []byte(`{"type":"escrow.released"}`)
	sig := SignPayload("k", payload)
	if err := VerifySignature("k", payload, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifySignature("k", []byte(`{"type":"escrow.refunded"}`), sig); err == nil {
		t.Fatal("tampered payload accepted")
	}
	if err := VerifySignature("k", payload, "zz"); err == nil {
		t.Fatal("malformed signature accepted")
	}
}

func TestBackoffDurationCaps(t *testing.T) {
	if backoffDuration(1) != time.Second || backoffDuration(3) != 4*time.Second {
		t.Fatalf("unexpected backoff progression")
	}
	if backoffDuration(20) != 5*time.Minute {
		t.Fatalf("backoff not capped: %s", backoffDuration(20))
	}
}
