package http

import (
	"github.com/loopsymphony/server/internal/port/database"
	"github.com/loopsymphony/server/internal/port/tool"
	"github.com/loopsymphony/server/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Conductor   *service.Conductor
	Manager     *service.TaskManager
	Approvals   *service.ApprovalStore
	Bus         *service.EventBus
	Trust       *service.TrustTracker
	Rooms       *service.RoomRegistry
	Scheduler   *service.Scheduler
	Instruments *service.InstrumentSet
	Tools       *tool.Registry
	Store       database.Store

	// InstrumentOptions seeds dynamically registered loops.
	InstrumentOptions service.InstrumentOptions
}
