package simulation

import (
	"context"

	"stake-arena/server/logging"
)

const (
	// EventTickBudgetOverrun is emitted when the simulation loop exceeds the allotted tick budget.
	EventTickBudgetOverrun logging.EventType = "simulation.tick_budget_overrun"
	// EventCollisionStats is emitted periodically with detector throughput.
	EventCollisionStats logging.EventType = "simulation.collision_stats"
	// EventCommandDropped is emitted when the command buffer rejects a command.
	EventCommandDropped logging.EventType = "simulation.command_dropped"
)

// TickBudgetOverrunPayload captures timing details for a tick budget breach.
type TickBudgetOverrunPayload struct {
	DurationMillis int64   `json:"durationMillis"`
	BudgetMillis   int64   `json:"budgetMillis"`
	Ratio          float64 `json:"ratio"`
	Streak         uint64  `json:"streak"`
}

// TickBudgetOverrun publishes a warning when the simulation exceeds the configured tick budget.
func TickBudgetOverrun(ctx context.Context, pub logging.Publisher, tick uint64, payload TickBudgetOverrunPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventTickBudgetOverrun,
		Tick:     tick,
		Actor:    logging.WorldRef(),
		Severity: logging.SeverityWarn,
		Category: logging.CategorySimulation,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// CollisionStatsPayload summarises detector work since the previous report.
type CollisionStatsPayload struct {
	Passes     uint64 `json:"passes"`
	Players    int    `json:"players"`
	Cells      int    `json:"cells"`
	PairsTried uint64 `json:"pairsTried"`
	Hits       uint64 `json:"hits"`
	AvgMicros  int64  `json:"avgMicros"`
}

// CollisionStats publishes a periodic detector report.
func CollisionStats(ctx context.Context, pub logging.Publisher, tick uint64, payload CollisionStatsPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventCollisionStats,
		Tick:     tick,
		Actor:    logging.WorldRef(),
		Severity: logging.SeverityDebug,
		Category: logging.CategorySimulation,
		Payload:  payload,
	})
}

// CommandDroppedPayload explains why a command never reached the loop.
type CommandDroppedPayload struct {
	Reason string `json:"reason"`
	Kind   string `json:"kind"`
}

// CommandDropped publishes a rejected command.
func CommandDropped(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload CommandDroppedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventCommandDropped,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategorySimulation,
		Payload:  payload,
	})
}
