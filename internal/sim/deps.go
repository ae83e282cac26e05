package sim

import (
	"context"

	"stake-arena/server/internal/settlement"
	"stake-arena/server/internal/telemetry"
	"stake-arena/server/internal/world"
	"stake-arena/server/logging"
)

// Deps carries shared infrastructure dependencies required by the loop.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Clock     logging.Clock
	Publisher logging.Publisher
}

// Settler receives terminal snapshots and reports completions.
type Settler interface {
	Dispatch(snap world.TerminalSnapshot) bool
	Completions() <-chan settlement.Completion
}

// Checkpointer persists resumable player state.
type Checkpointer interface {
	Checkpoint(ctx context.Context, cp world.Checkpoint) error
}
