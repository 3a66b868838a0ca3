package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/foxseedlab/botfleet/internal/webhook"
)

func TestNotifyStatus_EmptyWebhookURL(t *testing.T) {
	notifier := NewHTTPNotifier("")
	if err := notifier.NotifyStatus(context.Background(), webhook.StatusEvent{BotID: "b1"}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestNotifyStatus_Success(t *testing.T) {
	var got webhook.StatusEvent

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type: %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	event := webhook.StatusEvent{
		BotID:      "b1",
		BotName:    "helper",
		From:       "CONNECTING",
		To:         "ERROR",
		ErrorKind:  "InvalidCredential",
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	notifier := NewHTTPNotifier(server.URL)
	if err := notifier.NotifyStatus(context.Background(), event); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got.BotID != "b1" || got.To != "ERROR" || got.ErrorKind != "InvalidCredential" {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if !got.OccurredAt.Equal(event.OccurredAt) {
		t.Fatalf("unexpected timestamp: %s", got.OccurredAt)
	}
}

func TestNotifyStatus_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	notifier := NewHTTPNotifier(server.URL)
	if err := notifier.NotifyStatus(context.Background(), webhook.StatusEvent{BotID: "b1"}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestNotifyStatus_RetriesServerErrorOnce(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewHTTPNotifier(server.URL)
	notifier.retryDelay = time.Millisecond
	if err := notifier.NotifyStatus(context.Background(), webhook.StatusEvent{BotID: "b1"}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestNotifyStatus_ClientErrorIsNotRetried(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "unknown hook", http.StatusNotFound)
	}))
	defer server.Close()

	notifier := NewHTTPNotifier(server.URL)
	notifier.retryDelay = time.Millisecond
	err := notifier.NotifyStatus(context.Background(), webhook.StatusEvent{BotID: "b1"})
	if err == nil || !strings.Contains(err.Error(), "unknown hook") {
		t.Fatalf("expected error with response excerpt, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls)
	}
}
