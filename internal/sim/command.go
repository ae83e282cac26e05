package sim

import (
	"time"

	"stake-arena/server/internal/tokens"
	"stake-arena/server/internal/world"
)

// CommandType enumerates the supported simulation commands.
type CommandType string

const (
	CommandJoin       CommandType = "Join"
	CommandMove       CommandType = "Move"
	CommandConsume    CommandType = "Consume"
	CommandExit       CommandType = "Exit"
	CommandDied       CommandType = "Died"
	CommandDisconnect CommandType = "Disconnect"
)

// control commands change membership and are never throttled or dropped.
func (t CommandType) control() bool {
	switch t {
	case CommandJoin, CommandExit, CommandDied, CommandDisconnect:
		return true
	default:
		return false
	}
}

// JoinCommand admits a player. Admission against the store and the ledger has
// already happened by the time it is enqueued.
type JoinCommand struct {
	Name    string          `json:"name"`
	Account string          `json:"account"`
	GameID  int64           `json:"gameId"`
	Stake   tokens.Balances `json:"stake"`
	Resume  *world.Resume   `json:"resume,omitempty"`
}

// MoveCommand carries the client-authoritative head position and heading.
type MoveCommand struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Angle float64 `json:"angle"`
}

// ConsumeCommand claims a particle.
type ConsumeCommand struct {
	ParticleID string `json:"particleId"`
}

// DisconnectCommand removes a player whose connection went away.
type DisconnectCommand struct {
	Reason string `json:"reason"`
}

// Command represents an intent captured for processing on the next tick.
type Command struct {
	OriginTick uint64             `json:"originTick"`
	ActorID    string             `json:"actorId"`
	Type       CommandType        `json:"type"`
	IssuedAt   time.Time          `json:"issuedAt"`
	Join       *JoinCommand       `json:"join,omitempty"`
	Move       *MoveCommand       `json:"move,omitempty"`
	Consume    *ConsumeCommand    `json:"consume,omitempty"`
	Disconnect *DisconnectCommand `json:"disconnect,omitempty"`
}
