package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loopsymphony/server/internal/port/notifier"
)

// Compile-time interface check.
var _ notifier.Notifier = (*Notifier)(nil)

func TestNotifierName(t *testing.T) {
	n := NewNotifier("", "")
	if n.Name() != "telegram" {
		t.Fatalf("expected 'telegram', got %q", n.Name())
	}
}

func TestSendNotConfigured(t *testing.T) {
	n := NewNotifier("", "")
	err := n.Send(context.Background(), notifier.Notification{Title: "test"})
	if err != notifier.ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendSuccess(t *testing.T) {
	var gotPath string
	var gotBody sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewNotifier("token-123", "chat-456")
	n.baseURL = srv.URL

	err := n.Send(context.Background(), notifier.Notification{
		Title:   "Task Complete",
		Message: "Research finished with high confidence",
		Level:   "success",
		Source:  "task.complete",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/bottoken-123/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody.ChatID != "chat-456" {
		t.Errorf("chat id = %q", gotBody.ChatID)
	}
	if !strings.Contains(gotBody.Text, "[OK]") || !strings.Contains(gotBody.Text, "Task Complete") {
		t.Errorf("text = %q", gotBody.Text)
	}
}

func TestSendAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	n := NewNotifier("token", "chat")
	n.baseURL = srv.URL

	err := n.Send(context.Background(), notifier.Notification{Title: "t", Message: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("error = %v", err)
	}
}
