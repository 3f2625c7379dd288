// Package room implements the HTTP client used to delegate sub-tasks
// to registered rooms.
package room

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loopsymphony/server/internal/domain"
	"github.com/loopsymphony/server/internal/domain/loop"
	"github.com/loopsymphony/server/internal/domain/room"
	"github.com/loopsymphony/server/internal/domain/task"
)

// Client delegates sub-tasks to remote rooms over HTTP.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	poll       time.Duration
}

// NewClient creates a room client. timeout bounds the whole delegation
// (submit plus polling until terminal).
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		timeout:    timeout,
		poll:       time.Second,
	}
}

// Delegate submits req to the room and waits until the remote task is
// terminal, normalizing the response to an InstrumentResult. Any
// failure (unreachable, 5xx, timeout) comes back as DelegationError.
func (c *Client) Delegate(ctx context.Context, r *room.Room, req *task.Request) (*loop.InstrumentResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var submitted task.SubmitResponse
	if err := c.post(ctx, r, "/task", req, &submitted); err != nil {
		return nil, delegationErr(r.RoomID, "submit failed", err)
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best-effort cancel so the room does not keep working
			// for a caller that gave up.
			c.Cancel(context.WithoutCancel(ctx), r, submitted.TaskID)
			return nil, delegationErr(r.RoomID, "timed out waiting for remote task", ctx.Err())
		case <-ticker.C:
		}

		var remote task.Task
		if err := c.get(ctx, r, "/task/"+submitted.TaskID, &remote); err != nil {
			return nil, delegationErr(r.RoomID, "poll failed", err)
		}
		if !remote.Status.IsTerminal() {
			continue
		}

		switch remote.Status {
		case task.StatusComplete:
			return normalize(r.RoomID, &remote), nil
		case task.StatusCancelled:
			return nil, delegationErr(r.RoomID, "remote task cancelled", domain.ErrCancelled)
		default:
			return nil, delegationErr(r.RoomID, "remote task failed: "+remote.Error, nil)
		}
	}
}

// Cancel propagates a cooperative cancel to the room. Best effort.
func (c *Client) Cancel(ctx context.Context, r *room.Room, taskID string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = c.post(ctx, r, "/task/"+taskID+"/cancel", nil, nil)
}

// HealthCheck probes the room's health endpoint.
func (c *Client) HealthCheck(ctx context.Context, r *room.Room) error {
	return c.get(ctx, r, "/health", nil)
}

func normalize(roomID string, t *task.Task) *loop.InstrumentResult {
	res := &loop.InstrumentResult{
		Outcome: loop.OutcomeComplete,
		Metadata: loop.ExecutionMetadata{
			RoomID: roomID,
		},
	}
	if t.Response != nil {
		res.Summary = t.Response.Summary
		res.Confidence = t.Response.Confidence
		res.Outcome = t.Response.Outcome
		res.Findings = t.Response.Findings
		res.Discrepancy = t.Response.Discrepancy
		res.Metadata = t.Response.Metadata
		res.Metadata.RoomID = roomID
	}
	return res
}

func delegationErr(roomID, reason string, err error) *domain.DelegationError {
	return &domain.DelegationError{RoomID: roomID, Reason: reason, Err: err}
}

func (c *Client) post(ctx context.Context, r *room.Room, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, roomURL(r)+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, r *room.Room, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, roomURL(r)+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("room API error %d: %s", resp.StatusCode, string(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func roomURL(r *room.Room) string {
	return strings.TrimRight(r.URL, "/")
}
