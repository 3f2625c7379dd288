package room

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loopsymphony/server/internal/domain"
	"github.com/loopsymphony/server/internal/domain/loop"
	"github.com/loopsymphony/server/internal/domain/room"
	"github.com/loopsymphony/server/internal/domain/task"
)

func testRoom(url string) *room.Room {
	return &room.Room{RoomID: "room-1", RoomName: "test", RoomType: room.TypeLocal, URL: url}
}

func TestDelegateSuccess(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/task":
			_ = json.NewEncoder(w).Encode(task.SubmitResponse{TaskID: "remote-1", Status: task.StatusPending})
		case r.Method == http.MethodGet && r.URL.Path == "/task/remote-1":
			resp := task.Task{ID: "remote-1", Status: task.StatusRunning}
			if polls.Add(1) >= 2 {
				resp.Status = task.StatusComplete
				resp.Response = &task.Response{
					Summary:    "done remotely",
					Confidence: 0.9,
					Outcome:    loop.OutcomeComplete,
				}
			}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(10 * time.Second)
	c.poll = 10 * time.Millisecond

	res, err := c.Delegate(context.Background(), testRoom(srv.URL), &task.Request{Query: "q"})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if res.Summary != "done remotely" {
		t.Errorf("summary = %q", res.Summary)
	}
	if res.Metadata.RoomID != "room-1" {
		t.Errorf("room id = %q", res.Metadata.RoomID)
	}
}

func TestDelegateRemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/task":
			_ = json.NewEncoder(w).Encode(task.SubmitResponse{TaskID: "remote-2", Status: task.StatusPending})
		default:
			_ = json.NewEncoder(w).Encode(task.Task{ID: "remote-2", Status: task.StatusFailed, Error: "boom"})
		}
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	c.poll = 10 * time.Millisecond

	_, err := c.Delegate(context.Background(), testRoom(srv.URL), &task.Request{Query: "q"})
	var de *domain.DelegationError
	if !errors.As(err, &de) {
		t.Fatalf("expected DelegationError, got %v", err)
	}
	if de.RoomID != "room-1" {
		t.Errorf("room id = %q", de.RoomID)
	}
}

func TestDelegateUnreachable(t *testing.T) {
	c := NewClient(2 * time.Second)
	_, err := c.Delegate(context.Background(), testRoom("http://127.0.0.1:1"), &task.Request{Query: "q"})
	var de *domain.DelegationError
	if !errors.As(err, &de) {
		t.Fatalf("expected DelegationError, got %v", err)
	}
}

func TestDelegateTimeoutSendsCancel(t *testing.T) {
	var cancelled atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/task":
			_ = json.NewEncoder(w).Encode(task.SubmitResponse{TaskID: "remote-3", Status: task.StatusPending})
		case r.Method == http.MethodPost && r.URL.Path == "/task/remote-3/cancel":
			cancelled.Store(true)
			w.WriteHeader(http.StatusOK)
		default:
			_ = json.NewEncoder(w).Encode(task.Task{ID: "remote-3", Status: task.StatusRunning})
		}
	}))
	defer srv.Close()

	c := NewClient(100 * time.Millisecond)
	c.poll = 10 * time.Millisecond

	_, err := c.Delegate(context.Background(), testRoom(srv.URL), &task.Request{Query: "q"})
	var de *domain.DelegationError
	if !errors.As(err, &de) {
		t.Fatalf("expected DelegationError, got %v", err)
	}
	if !cancelled.Load() {
		t.Error("expected cancel to be propagated to the room")
	}
}
