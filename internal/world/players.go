package world

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"stake-arena/server/internal/distribute"
	"stake-arena/server/internal/tokens"
	"stake-arena/server/logging"
	loggingeconomy "stake-arena/server/logging/economy"
	"stake-arena/server/logging/lifecycle"
)

// TerminalKind distinguishes how a player left the world for good.
type TerminalKind string

const (
	KindEliminated TerminalKind = "eliminated"
	KindExited     TerminalKind = "exited"
)

// TerminalSnapshot is the immutable record of a player at the moment it left
// the world through death or escape.
type TerminalSnapshot struct {
	Kind      TerminalKind
	Cause     string
	Conn      string
	Name      string
	Account   string
	GameID    int64
	Score     float64
	Length    int
	Collected tokens.Balances
	Staked    tokens.Balances
	X         float64
	Y         float64
	JoinedAt  time.Time
	EndedAt   time.Time
}

// Forfeited reports whether the collected value was returned to the world.
func (s TerminalSnapshot) Forfeited() bool {
	return s.Kind == KindEliminated
}

// SurvivalTime is how long the player stayed alive.
func (s TerminalSnapshot) SurvivalTime() time.Duration {
	if s.EndedAt.Before(s.JoinedAt) {
		return 0
	}
	return s.EndedAt.Sub(s.JoinedAt)
}

// Key identifies the snapshot across settlement retries.
func (s TerminalSnapshot) Key() string {
	return s.Account + "/" + strconv.FormatInt(s.GameID, 10) + "/" + strconv.FormatInt(s.JoinedAt.UnixNano(), 10)
}

// Checkpoint is the resumable state of a live or just-disconnected player.
type Checkpoint struct {
	Conn      string
	Account   string
	GameID    int64
	Score     float64
	Length    int
	Collected tokens.Balances
	X         float64
	Y         float64
	At        time.Time
}

// Resume seeds a rejoining player from its last checkpoint.
type Resume struct {
	X      float64
	Y      float64
	Length int
}

// JoinRequest describes a player entering the room.
type JoinRequest struct {
	Conn    string
	Name    string
	Account string
	GameID  int64
	Stake   tokens.Balances
	// Resume restores position and length of an ACTIVE session. No stake is
	// distributed for a resumed player.
	Resume *Resume
}

// Eviction describes a live player retired by a newer join on the same account.
type Eviction struct {
	Conn          string
	Checkpoint    Checkpoint
	Redistributed int
}

// JoinResult is returned by Join.
type JoinResult struct {
	Player  Player
	Evicted *Eviction
	Spawned int
}

// Join validates req, evicts any live player on the same account, spawns the
// new player near the origin and scatters its stake over the room.
func (w *World) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	conn := strings.TrimSpace(req.Conn)
	if conn == "" {
		return JoinResult{}, fmt.Errorf("%w: empty connection", ErrInvalidInput)
	}
	if _, exists := w.players[conn]; exists {
		return JoinResult{}, ErrConnectionInUse
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return JoinResult{}, fmt.Errorf("%w: empty name", ErrInvalidInput)
	}
	if utf8.RuneCountInString(name) > w.cfg.MaxNameLength {
		name = string([]rune(name)[:w.cfg.MaxNameLength])
	}
	account, err := tokens.NormalizeAddress(req.Account)
	if err != nil {
		return JoinResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := req.Stake.Validate(); err != nil {
		return JoinResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if req.Resume != nil && !finite(req.Resume.X, req.Resume.Y) {
		return JoinResult{}, fmt.Errorf("%w: non-finite resume position", ErrInvalidInput)
	}

	// Compute every particle before mutating so a refused distribution leaves
	// the room untouched.
	var (
		evicted       *Player
		evictParticle []distribute.Particle
		stakeParticle []distribute.Particle
	)
	if prevConn, ok := w.ConnForAccount(account); ok {
		evicted = w.players[prevConn]
		evictParticle, err = w.engine.Distribute(ctx, distribute.ReasonEviction, evicted.Collected)
		if err != nil {
			return JoinResult{}, fmt.Errorf("evict %s: %w", prevConn, err)
		}
	}
	if req.Resume == nil {
		stakeParticle, err = w.engine.Distribute(ctx, distribute.ReasonStake, req.Stake)
		if err != nil {
			return JoinResult{}, fmt.Errorf("distribute stake: %w", err)
		}
	}

	result := JoinResult{}
	now := w.clock.Now()
	if evicted != nil {
		checkpoint := w.checkpoint(evicted, now)
		w.removePlayer(evicted)
		w.addParticles(evictParticle)
		w.addMetric(metricEvictions, 1)
		result.Evicted = &Eviction{Conn: evicted.Conn, Checkpoint: checkpoint, Redistributed: len(evictParticle)}
		lifecycle.PlayerEvicted(ctx, w.publisher, w.tick, logging.PlayerRef(evicted.Conn), lifecycle.PlayerEvictedPayload{
			Account:       account,
			ReplacedBy:    conn,
			Redistributed: len(evictParticle),
		}, nil)
	}

	player := &Player{
		Conn:     conn,
		Name:     name,
		Account:  account,
		GameID:   req.GameID,
		Angle:    randomAngle(w.rng),
		Length:   1,
		Alive:    true,
		Staked:   req.Stake.Clone(),
		JoinedAt: now,
	}
	if req.Resume != nil {
		player.X, player.Y = w.clamp(req.Resume.X, req.Resume.Y)
		player.Length = max(1, req.Resume.Length)
	} else {
		player.X, player.Y = spawnOffset(w.rng, w.cfg.SpawnJitter)
	}
	w.players[conn] = player
	w.byAccount[account] = conn
	w.addParticles(stakeParticle)
	result.Player = player.clone()
	result.Spawned = len(stakeParticle)

	lifecycle.PlayerJoined(ctx, w.publisher, w.tick, logging.PlayerRef(conn), lifecycle.PlayerJoinedPayload{
		Name:      name,
		Account:   account,
		SpawnX:    player.X,
		SpawnY:    player.Y,
		Particles: len(stakeParticle),
		Resumed:   req.Resume != nil,
	}, nil)
	return result, nil
}

// Move overwrites the player's position and heading. Absent or dead players
// are ignored.
func (w *World) Move(conn string, x, y, angle float64) error {
	if !finite(x, y, angle) {
		return fmt.Errorf("%w: non-finite move", ErrInvalidInput)
	}
	p, ok := w.players[conn]
	if !ok || !p.Alive {
		return nil
	}
	p.X, p.Y, p.Angle = x, y, angle
	return nil
}

// CanEscape reports whether the player's score reached the escape threshold.
func (w *World) CanEscape(conn string) bool {
	p, ok := w.players[conn]
	return ok && p.Alive && w.reachedEscape(p.Score)
}

// Eliminate kills the player, returns its collected value to the room and
// removes it. Eliminating an absent connection is a no-op.
func (w *World) Eliminate(ctx context.Context, conn, cause string) (TerminalSnapshot, bool) {
	p, ok := w.players[conn]
	if !ok {
		return TerminalSnapshot{}, false
	}
	snapshot := w.terminal(p, KindEliminated, cause)
	w.removePlayer(p)
	redistributed := w.redistribute(ctx, distribute.ReasonElimination, snapshot.Collected)
	w.addMetric(metricEliminations, 1)

	lifecycle.PlayerEliminated(ctx, w.publisher, w.tick, logging.PlayerRef(conn), lifecycle.PlayerEliminatedPayload{
		Account:       snapshot.Account,
		Cause:         cause,
		Score:         snapshot.Score,
		Length:        snapshot.Length,
		Redistributed: redistributed,
	}, nil)
	return snapshot, true
}

// Exit removes a player that escaped with its value. The collected balances
// leave the world with the player and are settled through the ledger.
func (w *World) Exit(ctx context.Context, conn string) (TerminalSnapshot, error) {
	p, ok := w.players[conn]
	if !ok || !p.Alive {
		return TerminalSnapshot{}, ErrUnknownPlayer
	}
	if !w.CanEscape(conn) {
		return TerminalSnapshot{}, fmt.Errorf("%w: %.4f < %.4f", ErrBelowEscapeThreshold, p.Score, w.cfg.EscapeThreshold)
	}
	snapshot := w.terminal(p, KindExited, "exit")
	w.removePlayer(p)
	lifecycle.PlayerExited(ctx, w.publisher, w.tick, logging.PlayerRef(conn), lifecycle.PlayerExitedPayload{
		Account: snapshot.Account,
		Score:   snapshot.Score,
		Length:  snapshot.Length,
	}, nil)
	return snapshot, nil
}

// Disconnect checkpoints the player, returns its collected value to the room
// and removes it. The session remains resumable.
func (w *World) Disconnect(ctx context.Context, conn, reason string) (Checkpoint, bool) {
	p, ok := w.players[conn]
	if !ok {
		return Checkpoint{}, false
	}
	checkpoint := w.checkpoint(p, w.clock.Now())
	w.removePlayer(p)
	redistributed := w.redistribute(ctx, distribute.ReasonDisconnect, checkpoint.Collected)
	lifecycle.PlayerDisconnected(ctx, w.publisher, w.tick, logging.PlayerRef(conn), lifecycle.PlayerDisconnectedPayload{
		Reason:        reason,
		Redistributed: redistributed,
	}, nil)
	return checkpoint, true
}

// redistribute scatters value that belonged to a removed player. Removal has
// already happened, so a refused split falls back to one particle per token
// and the value still re-enters the room.
func (w *World) redistribute(ctx context.Context, reason distribute.Reason, balances tokens.Balances) int {
	particles, err := w.engine.Distribute(ctx, reason, balances)
	if err != nil {
		particles = w.engine.Whole(balances)
		loggingeconomy.RedistributionFailed(ctx, w.publisher, w.tick, loggingeconomy.RedistributionFailedPayload{
			Reason:   string(reason),
			Error:    err.Error(),
			Fallback: len(particles),
		})
	}
	w.addParticles(particles)
	return len(particles)
}

func (w *World) terminal(p *Player, kind TerminalKind, cause string) TerminalSnapshot {
	return TerminalSnapshot{
		Kind:      kind,
		Cause:     cause,
		Conn:      p.Conn,
		Name:      p.Name,
		Account:   p.Account,
		GameID:    p.GameID,
		Score:     p.Score,
		Length:    p.Length,
		Collected: p.Collected.Clone(),
		Staked:    p.Staked.Clone(),
		X:         p.X,
		Y:         p.Y,
		JoinedAt:  p.JoinedAt,
		EndedAt:   w.clock.Now(),
	}
}

func (w *World) checkpoint(p *Player, at time.Time) Checkpoint {
	return Checkpoint{
		Conn:      p.Conn,
		Account:   p.Account,
		GameID:    p.GameID,
		Score:     p.Score,
		Length:    p.Length,
		Collected: p.Collected.Clone(),
		X:         p.X,
		Y:         p.Y,
		At:        at,
	}
}

func (w *World) clamp(x, y float64) (float64, float64) {
	halfW := w.cfg.Bounds.Width / 2
	halfH := w.cfg.Bounds.Height / 2
	return math.Max(-halfW, math.Min(halfW, x)), math.Max(-halfH, math.Min(halfH, y))
}

// scoreTolerance absorbs float drift from summing many unit particles.
const scoreTolerance = 1e-9

func (w *World) reachedEscape(score float64) bool {
	return score+scoreTolerance >= w.cfg.EscapeThreshold
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
