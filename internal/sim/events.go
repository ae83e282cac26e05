package sim

import (
	"time"

	"stake-arena/server/internal/settlement"
	"stake-arena/server/internal/world"
)

// EventKind identifies an outcome the transport must deliver.
type EventKind string

const (
	EventJoined      EventKind = "joined"
	EventRejected    EventKind = "rejected"
	EventConsumed    EventKind = "consumed"
	EventEliminated  EventKind = "eliminated"
	EventExited      EventKind = "exited"
	EventExitRefused EventKind = "exit_refused"
	EventEvicted     EventKind = "evicted"
	EventLeft        EventKind = "left"
	EventSettlement  EventKind = "settlement"
)

// Event is one tick outcome addressed to Conn. Exactly one payload field is
// set, matching Kind.
type Event struct {
	Kind    EventKind
	Conn    string
	Command CommandType
	Err     error

	Join       *world.JoinResult
	Snapshot   *world.Snapshot
	Consume    *world.ConsumeResult
	Terminal   *world.TerminalSnapshot
	Killer     string
	Eviction   *world.Eviction
	Completion *settlement.Completion
}

// Frame is the per-tick broadcast state.
type Frame struct {
	Tick          uint64
	Players       []world.Player
	Leaderboard   []world.LeaderboardEntry
	PlayerCount   int
	ParticleCount int
	Changes       world.Changes
}

// StepResult summarises one tick.
type StepResult struct {
	Tick     uint64
	Now      time.Time
	Duration time.Duration
	Budget   time.Duration
	Detected bool
	Commands []Command
	Events   []Event
	Frame    Frame
}
