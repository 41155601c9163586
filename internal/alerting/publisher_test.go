package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testEvent() Event {
	pct := decimal.RequireFromString("18.5")
	return Event{
		AlertID:   7,
		EntityID:  "B0XYZ",
		Kind:      "price_spike",
		Severity:  "medium",
		AlertDate: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		ChangePct: &pct,
		Threshold: decimal.NewFromInt(15),
		Message:   "price spiked 18.5%",
		CreatedAt: time.Now().UTC(),
	}
}

func TestWebhookPublisherSuccess(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("unexpected content type %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	pub := NewWebhookPublisher(srv.URL, time.Second, zerolog.Nop())
	if err := pub.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if received.EntityID != "B0XYZ" || received.Kind != "price_spike" {
		t.Fatalf("unexpected event %+v", received)
	}
	if received.ChangePct == nil || !received.ChangePct.Equal(decimal.RequireFromString("18.5")) {
		t.Fatalf("change pct did not survive the round trip: %v", received.ChangePct)
	}
}

func TestWebhookPublisherServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	pub := NewWebhookPublisher(srv.URL, time.Second, zerolog.Nop())
	if err := pub.Publish(context.Background(), testEvent()); err == nil {
		t.Fatal("a 5xx response must surface as an error")
	}
}

type stubSink struct {
	calls int
	err   error
}

func (s *stubSink) Publish(context.Context, Event) error {
	s.calls++
	return s.err
}

func TestFanoutPublisherDeliversToAllSinks(t *testing.T) {
	first := &stubSink{err: errors.New("first down")}
	second := &stubSink{}

	pub := NewFanoutPublisher(first, second)
	err := pub.Publish(context.Background(), testEvent())

	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("every sink should be attempted: %d %d", first.calls, second.calls)
	}
	if err == nil {
		t.Fatal("the first failure should be reported")
	}
}

func TestNopPublisher(t *testing.T) {
	if err := (NopPublisher{}).Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("nop publisher should never fail: %v", err)
	}
}
