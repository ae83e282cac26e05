package proto

import (
	"fmt"
	"time"

	"stake-arena/server/internal/distribute"
	"stake-arena/server/internal/settlement"
	"stake-arena/server/internal/sim"
	"stake-arena/server/internal/tokens"
	"stake-arena/server/internal/world"
)

const (
	// Version tracks the wire-protocol revision expected by clients.
	Version = 1
)

// Client message type identifiers.
const (
	TypeJoin = "join"
	TypeMove = "move"
	TypeEat  = "eat"
	TypeExit = "exit"
	TypeDied = "died"
)

// Server message type identifiers.
const (
	TypeJoined        = "joined"
	TypeGameState     = "game-state"
	TypeState         = "state"
	TypeFoodEaten     = "food-eaten"
	TypePlayerUpdated = "player-updated"
	TypeCanEscape     = "can-escape"
	TypePlayerLeft    = "player-left"
	TypePlayerDied    = "player-died-collision"
	TypeEscapeSuccess = "escape-success"
	TypeEscapeFailed  = "escape-failed"
	TypeReplaced      = "replaced"
	TypeSettlement    = "settlement"
	TypeError         = "error"
)

// Reasons carried by player-left.
const (
	LeftDied         = "died"
	LeftEscaped      = "escaped"
	LeftDisconnected = "disconnected"
	LeftReplaced     = "replaced"
)

// ClientMessage captures an inbound websocket message from the client.
type ClientMessage struct {
	Ver     int     `json:"ver,omitempty" msgpack:"ver,omitempty"`
	Type    string  `json:"type" msgpack:"type" jsonschema:"enum=join,enum=move,enum=eat,enum=exit,enum=died"`
	Name    string  `json:"name,omitempty" msgpack:"name,omitempty" jsonschema:"description=Display name, join only"`
	Account string  `json:"walletAddress,omitempty" msgpack:"walletAddress,omitempty" jsonschema:"description=Hex account address, join only"`
	X       float64 `json:"x,omitempty" msgpack:"x,omitempty"`
	Y       float64 `json:"y,omitempty" msgpack:"y,omitempty"`
	Angle   float64 `json:"angle,omitempty" msgpack:"angle,omitempty"`
	FoodID  string  `json:"foodId,omitempty" msgpack:"foodId,omitempty" jsonschema:"description=Particle id, eat only"`
}

// DecodeClientMessage converts a raw frame into a structured message.
func DecodeClientMessage(codec Codec, payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := codec.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("unsupported client protocol version %d", msg.Ver)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("message type is required")
	}
	return msg, nil
}

// ClientCommand converts an in-game message into a simulation command. Join
// is not covered: it needs admission first.
func ClientCommand(msg ClientMessage) (sim.Command, bool) {
	switch msg.Type {
	case TypeMove:
		return sim.Command{
			Type: sim.CommandMove,
			Move: &sim.MoveCommand{X: msg.X, Y: msg.Y, Angle: msg.Angle},
		}, true
	case TypeEat:
		if msg.FoodID == "" {
			return sim.Command{}, false
		}
		return sim.Command{
			Type:    sim.CommandConsume,
			Consume: &sim.ConsumeCommand{ParticleID: msg.FoodID},
		}, true
	case TypeExit:
		return sim.Command{Type: sim.CommandExit}, true
	case TypeDied:
		return sim.Command{Type: sim.CommandDied}, true
	default:
		return sim.Command{}, false
	}
}

// TokenAmount is one token balance on the wire.
type TokenAmount struct {
	Address string  `json:"address" msgpack:"address"`
	Symbol  string  `json:"symbol" msgpack:"symbol"`
	Amount  float64 `json:"amount" msgpack:"amount"`
	Color   string  `json:"color" msgpack:"color"`
}

// Player is the public view of a live player.
type Player struct {
	ID              string        `json:"id" msgpack:"id"`
	Name            string        `json:"name" msgpack:"name"`
	WalletAddress   string        `json:"walletAddress" msgpack:"walletAddress"`
	X               float64       `json:"x" msgpack:"x"`
	Y               float64       `json:"y" msgpack:"y"`
	Angle           float64       `json:"angle" msgpack:"angle"`
	Score           float64       `json:"score" msgpack:"score"`
	Length          int           `json:"length" msgpack:"length"`
	Alive           bool          `json:"alive" msgpack:"alive"`
	CollectedTokens []TokenAmount `json:"collectedTokens" msgpack:"collectedTokens"`
	JoinTime        int64         `json:"joinTime" msgpack:"joinTime" jsonschema:"description=Join time in unix milliseconds"`
}

// Food is a particle on the wire.
type Food struct {
	ID    string      `json:"id" msgpack:"id"`
	X     float64     `json:"x" msgpack:"x"`
	Y     float64     `json:"y" msgpack:"y"`
	Token TokenAmount `json:"token" msgpack:"token"`
}

// LeaderboardEntry is one ranked player.
type LeaderboardEntry struct {
	ID           string  `json:"id" msgpack:"id"`
	Name         string  `json:"name" msgpack:"name"`
	Score        float64 `json:"score" msgpack:"score"`
	SurvivalTime float64 `json:"survivalTime" msgpack:"survivalTime" jsonschema:"description=Seconds alive"`
}

// WorldSize is the room extent, centered at the origin.
type WorldSize struct {
	Width  float64 `json:"width" msgpack:"width"`
	Height float64 `json:"height" msgpack:"height"`
}

// Joined confirms a join to the joining connection.
type Joined struct {
	Ver     int    `json:"ver" msgpack:"ver"`
	Type    string `json:"type" msgpack:"type"`
	Player  Player `json:"player" msgpack:"player"`
	GameID  int64  `json:"gameId" msgpack:"gameId"`
	Resumed bool   `json:"resumed,omitempty" msgpack:"resumed,omitempty"`
}

// GameState is the full room, sent on join.
type GameState struct {
	Ver         int                `json:"ver" msgpack:"ver"`
	Type        string             `json:"type" msgpack:"type"`
	WorldSize   WorldSize          `json:"worldSize" msgpack:"worldSize"`
	Players     []Player           `json:"players" msgpack:"players"`
	Foods       []Food             `json:"foods" msgpack:"foods"`
	Leaderboard []LeaderboardEntry `json:"leaderboard" msgpack:"leaderboard"`
}

// State is the per-tick broadcast. Foods are sent as a diff against the last
// game-state.
type State struct {
	Ver          int                `json:"ver" msgpack:"ver"`
	Type         string             `json:"type" msgpack:"type"`
	Tick         uint64             `json:"tick" msgpack:"tick"`
	Players      []Player           `json:"players" msgpack:"players"`
	Leaderboard  []LeaderboardEntry `json:"leaderboard" msgpack:"leaderboard"`
	PlayerCount  int                `json:"playerCount" msgpack:"playerCount"`
	FoodCount    int                `json:"foodCount" msgpack:"foodCount"`
	FoodsSpawned []Food             `json:"foodsSpawned,omitempty" msgpack:"foodsSpawned,omitempty"`
	FoodsRemoved []string           `json:"foodsRemoved,omitempty" msgpack:"foodsRemoved,omitempty"`
}

// FoodEaten announces a consumed particle to everyone.
type FoodEaten struct {
	Ver      int    `json:"ver" msgpack:"ver"`
	Type     string `json:"type" msgpack:"type"`
	FoodID   string `json:"foodId" msgpack:"foodId"`
	PlayerID string `json:"playerId" msgpack:"playerId"`
}

// PlayerUpdated carries the consumer's new totals.
type PlayerUpdated struct {
	Ver    int    `json:"ver" msgpack:"ver"`
	Type   string `json:"type" msgpack:"type"`
	Player Player `json:"player" msgpack:"player"`
}

// CanEscape tells a player its score crossed the escape threshold.
type CanEscape struct {
	Ver       int    `json:"ver" msgpack:"ver"`
	Type      string `json:"type" msgpack:"type"`
	CanEscape bool   `json:"canEscape" msgpack:"canEscape"`
}

// PlayerLeft announces a removal to everyone.
type PlayerLeft struct {
	Ver      int    `json:"ver" msgpack:"ver"`
	Type     string `json:"type" msgpack:"type"`
	PlayerID string `json:"playerId" msgpack:"playerId"`
	Reason   string `json:"reason" msgpack:"reason" jsonschema:"enum=died,enum=escaped,enum=disconnected,enum=replaced"`
}

// PlayerDied tells the victim it was eliminated.
type PlayerDied struct {
	Ver      int     `json:"ver" msgpack:"ver"`
	Type     string  `json:"type" msgpack:"type"`
	Cause    string  `json:"cause" msgpack:"cause"`
	KilledBy string  `json:"killedBy,omitempty" msgpack:"killedBy,omitempty"`
	Score    float64 `json:"score" msgpack:"score"`
	Length   int     `json:"length" msgpack:"length"`
}

// EscapeSuccess confirms a voluntary exit.
type EscapeSuccess struct {
	Ver             int           `json:"ver" msgpack:"ver"`
	Type            string        `json:"type" msgpack:"type"`
	Score           float64       `json:"score" msgpack:"score"`
	CollectedTokens []TokenAmount `json:"collectedTokens" msgpack:"collectedTokens"`
	SurvivalTime    float64       `json:"survivalTime" msgpack:"survivalTime"`
}

// Notice is a human-readable refusal: escape-failed, replaced and error.
type Notice struct {
	Ver     int    `json:"ver" msgpack:"ver"`
	Type    string `json:"type" msgpack:"type"`
	Message string `json:"message" msgpack:"message"`
	Code    string `json:"code,omitempty" msgpack:"code,omitempty"`
}

// Settlement reports the background settlement of a terminal snapshot.
type Settlement struct {
	Ver       int     `json:"ver" msgpack:"ver"`
	Type      string  `json:"type" msgpack:"type"`
	Status    string  `json:"status" msgpack:"status" jsonschema:"enum=pending,enum=settled,enum=failed"`
	Outcome   string  `json:"outcome,omitempty" msgpack:"outcome,omitempty"`
	Value     float64 `json:"value" msgpack:"value"`
	LedgerRef string  `json:"ledgerRef,omitempty" msgpack:"ledgerRef,omitempty"`
	Attempt   int     `json:"attempt,omitempty" msgpack:"attempt,omitempty"`
	Error     string  `json:"error,omitempty" msgpack:"error,omitempty"`
}

// NewTokenAmounts converts balances to their wire form.
func NewTokenAmounts(b tokens.Balances) []TokenAmount {
	entries := b.Entries()
	out := make([]TokenAmount, 0, len(entries))
	for _, entry := range entries {
		out = append(out, TokenAmount{
			Address: entry.Token,
			Symbol:  entry.Symbol,
			Amount:  entry.Amount,
			Color:   entry.Color,
		})
	}
	return out
}

// NewPlayer converts a live player.
func NewPlayer(p world.Player) Player {
	return Player{
		ID:              p.Conn,
		Name:            p.Name,
		WalletAddress:   p.Account,
		X:               p.X,
		Y:               p.Y,
		Angle:           p.Angle,
		Score:           p.Score,
		Length:          p.Length,
		Alive:           p.Alive,
		CollectedTokens: NewTokenAmounts(p.Collected),
		JoinTime:        p.JoinedAt.UnixMilli(),
	}
}

// NewFood converts a particle.
func NewFood(p distribute.Particle) Food {
	return Food{
		ID: p.ID,
		X:  p.X,
		Y:  p.Y,
		Token: TokenAmount{
			Address: p.Token.Token,
			Symbol:  p.Token.Symbol,
			Amount:  p.Token.Amount,
			Color:   p.Token.Color,
		},
	}
}

func newPlayers(players []world.Player) []Player {
	out := make([]Player, 0, len(players))
	for _, p := range players {
		out = append(out, NewPlayer(p))
	}
	return out
}

func newFoods(particles []distribute.Particle) []Food {
	if len(particles) == 0 {
		return nil
	}
	out := make([]Food, 0, len(particles))
	for _, p := range particles {
		out = append(out, NewFood(p))
	}
	return out
}

func newLeaderboard(entries []world.LeaderboardEntry) []LeaderboardEntry {
	out := make([]LeaderboardEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, LeaderboardEntry{
			ID:           entry.Conn,
			Name:         entry.Name,
			Score:        entry.Score,
			SurvivalTime: entry.SurvivalTime,
		})
	}
	return out
}

// NewLeaderboard converts ranked entries.
func NewLeaderboard(entries []world.LeaderboardEntry) []LeaderboardEntry {
	return newLeaderboard(entries)
}

// NewJoined builds the joined confirmation.
func NewJoined(result world.JoinResult, resumed bool) Joined {
	return Joined{
		Ver:     Version,
		Type:    TypeJoined,
		Player:  NewPlayer(result.Player),
		GameID:  result.Player.GameID,
		Resumed: resumed,
	}
}

// NewGameState builds the full room message.
func NewGameState(snap world.Snapshot) GameState {
	foods := newFoods(snap.Particles)
	if foods == nil {
		foods = []Food{}
	}
	return GameState{
		Ver:         Version,
		Type:        TypeGameState,
		WorldSize:   WorldSize{Width: snap.Bounds.Width, Height: snap.Bounds.Height},
		Players:     newPlayers(snap.Players),
		Foods:       foods,
		Leaderboard: newLeaderboard(snap.Leaderboard),
	}
}

// NewState builds the tick broadcast.
func NewState(frame sim.Frame) State {
	return State{
		Ver:          Version,
		Type:         TypeState,
		Tick:         frame.Tick,
		Players:      newPlayers(frame.Players),
		Leaderboard:  newLeaderboard(frame.Leaderboard),
		PlayerCount:  frame.PlayerCount,
		FoodCount:    frame.ParticleCount,
		FoodsSpawned: newFoods(frame.Changes.Spawned),
		FoodsRemoved: frame.Changes.Removed,
	}
}

// NewFoodEaten announces a pickup.
func NewFoodEaten(conn string, result world.ConsumeResult) FoodEaten {
	return FoodEaten{Ver: Version, Type: TypeFoodEaten, FoodID: result.Particle.ID, PlayerID: conn}
}

// NewPlayerUpdated wraps a player update.
func NewPlayerUpdated(p world.Player) PlayerUpdated {
	return PlayerUpdated{Ver: Version, Type: TypePlayerUpdated, Player: NewPlayer(p)}
}

// NewCanEscape signals the escape threshold.
func NewCanEscape() CanEscape {
	return CanEscape{Ver: Version, Type: TypeCanEscape, CanEscape: true}
}

// NewPlayerLeft announces a removal.
func NewPlayerLeft(conn, reason string) PlayerLeft {
	return PlayerLeft{Ver: Version, Type: TypePlayerLeft, PlayerID: conn, Reason: reason}
}

// NewPlayerDied notifies an eliminated player.
func NewPlayerDied(snap world.TerminalSnapshot, killer string) PlayerDied {
	return PlayerDied{
		Ver:      Version,
		Type:     TypePlayerDied,
		Cause:    snap.Cause,
		KilledBy: killer,
		Score:    snap.Score,
		Length:   snap.Length,
	}
}

// NewEscapeSuccess confirms an exit.
func NewEscapeSuccess(snap world.TerminalSnapshot) EscapeSuccess {
	return EscapeSuccess{
		Ver:             Version,
		Type:            TypeEscapeSuccess,
		Score:           snap.Score,
		CollectedTokens: NewTokenAmounts(snap.Collected),
		SurvivalTime:    snap.SurvivalTime().Round(time.Millisecond).Seconds(),
	}
}

// NewNotice builds escape-failed, replaced or error messages.
func NewNotice(kind, message, code string) Notice {
	return Notice{Ver: Version, Type: kind, Message: message, Code: code}
}

// NewSettlement reports a settlement completion.
func NewSettlement(c settlement.Completion) Settlement {
	msg := Settlement{
		Ver:       Version,
		Type:      TypeSettlement,
		Status:    string(c.Status),
		Value:     c.Result.Value,
		LedgerRef: c.Result.LedgerRef,
		Attempt:   c.Result.Attempt,
	}
	if c.Result.Outcome != "" {
		msg.Outcome = string(c.Result.Outcome)
	}
	if c.Err != nil {
		msg.Error = c.Err.Error()
	}
	return msg
}
