// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/loopsymphony/server/internal/domain/app"
	"github.com/loopsymphony/server/internal/domain/heartbeat"
	"github.com/loopsymphony/server/internal/domain/knowledge"
	"github.com/loopsymphony/server/internal/domain/task"
	"github.com/loopsymphony/server/internal/domain/trust"
)

// Store is the port interface for database operations. Every method
// touching app-scoped tables takes the app id from the request context;
// implementations must include it in each predicate.
type Store interface {
	// Apps
	GetAppByID(ctx context.Context, id string) (*app.App, error)
	ListApps(ctx context.Context) ([]app.App, error)
	CreateApp(ctx context.Context, a *app.App) error

	// User profiles
	EnsureUserProfile(ctx context.Context, externalUserID string) (*app.UserProfile, error)

	// Tasks
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status task.Status) error
	CompleteTask(ctx context.Context, id string, status task.Status, resp *task.Response, errMsg string) error
	ListRecentTasks(ctx context.Context, limit int) ([]task.Task, error)

	// Iteration checkpoints
	CreateCheckpoint(ctx context.Context, cp *task.IterationCheckpoint) error
	ListCheckpoints(ctx context.Context, taskID string) ([]task.IterationCheckpoint, error)

	// Trust metrics
	GetTrustMetrics(ctx context.Context, userID string) (*trust.Metrics, error)
	UpsertTrustMetrics(ctx context.Context, m *trust.Metrics) error
	SetTrustLevel(ctx context.Context, userID string, level trust.Level) error

	// Heartbeats
	CreateHeartbeat(ctx context.Context, h *heartbeat.Heartbeat) error
	GetHeartbeat(ctx context.Context, id string) (*heartbeat.Heartbeat, error)
	ListHeartbeats(ctx context.Context) ([]heartbeat.Heartbeat, error)
	ListActiveHeartbeats(ctx context.Context) ([]heartbeat.Heartbeat, error)
	UpdateHeartbeat(ctx context.Context, h *heartbeat.Heartbeat) error
	DeleteHeartbeat(ctx context.Context, id string) error

	// Heartbeat runs
	CreateHeartbeatRun(ctx context.Context, r *heartbeat.Run) error
	UpdateHeartbeatRun(ctx context.Context, r *heartbeat.Run) error
	HasRunInMinute(ctx context.Context, heartbeatID string, minute time.Time) (bool, error)

	// Knowledge sync (piggybacked on room heartbeats)
	ListKnowledgeSince(ctx context.Context, sinceVersion int64) ([]knowledge.Entry, error)
	UpsertRoomSyncState(ctx context.Context, roomID string, version int64) error

	// Health
	Ping(ctx context.Context) error
}
