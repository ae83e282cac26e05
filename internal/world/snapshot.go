package world

import (
	"sort"
	"time"

	"stake-arena/server/internal/collision"
	"stake-arena/server/internal/distribute"
	"stake-arena/server/internal/tokens"
)

// LeaderboardEntry is one ranked living player.
type LeaderboardEntry struct {
	Conn         string  `json:"id"`
	Name         string  `json:"name"`
	Score        float64 `json:"score"`
	SurvivalTime float64 `json:"survivalTime"`
}

// Snapshot is a read-only copy of the room.
type Snapshot struct {
	Bounds      distribute.Bounds     `json:"worldSize"`
	Players     []Player              `json:"players"`
	Particles   []distribute.Particle `json:"foods"`
	Leaderboard []LeaderboardEntry    `json:"leaderboard"`
}

// Stats summarises the room for diagnostics.
type Stats struct {
	Players   int `json:"players"`
	Particles int `json:"particles"`
}

// Snapshot copies the full room. Players are ordered by join time.
func (w *World) Snapshot() Snapshot {
	particles := make([]distribute.Particle, len(w.particles))
	copy(particles, w.particles)
	return Snapshot{
		Bounds:      w.cfg.Bounds,
		Players:     w.orderedPlayers(),
		Particles:   particles,
		Leaderboard: w.Leaderboard(w.cfg.LeaderboardLimit),
	}
}

// Players returns live players ordered by join time.
func (w *World) Players() []Player {
	return w.orderedPlayers()
}

func (w *World) orderedPlayers() []Player {
	out := make([]Player, 0, len(w.players))
	for _, p := range w.players {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].Conn < out[j].Conn
	})
	return out
}

// Leaderboard ranks living players by score, earlier joins first on ties.
func (w *World) Leaderboard(limit int) []LeaderboardEntry {
	if limit <= 0 {
		limit = w.cfg.LeaderboardLimit
	}
	living := make([]*Player, 0, len(w.players))
	for _, p := range w.players {
		if p.Alive {
			living = append(living, p)
		}
	}
	sort.Slice(living, func(i, j int) bool {
		a, b := living[i], living[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.Conn < b.Conn
	})
	if len(living) > limit {
		living = living[:limit]
	}
	now := w.clock.Now()
	out := make([]LeaderboardEntry, 0, len(living))
	for _, p := range living {
		out = append(out, LeaderboardEntry{
			Conn:         p.Conn,
			Name:         p.Name,
			Score:        p.Score,
			SurvivalTime: survivalSeconds(p.JoinedAt, now),
		})
	}
	return out
}

func survivalSeconds(joined, now time.Time) float64 {
	if now.Before(joined) {
		return 0
	}
	return now.Sub(joined).Seconds()
}

// Bodies returns the detector view of every living player.
func (w *World) Bodies() []collision.Body {
	out := make([]collision.Body, 0, len(w.players))
	for _, p := range w.players {
		if !p.Alive {
			continue
		}
		out = append(out, collision.Body{
			ID:       p.Conn,
			X:        p.X,
			Y:        p.Y,
			Angle:    p.Angle,
			Score:    p.Score,
			Length:   p.Length,
			JoinedAt: p.JoinedAt,
		})
	}
	return out
}

// Checkpoints captures the resumable state of every living player.
func (w *World) Checkpoints() []Checkpoint {
	now := w.clock.Now()
	out := make([]Checkpoint, 0, len(w.players))
	for _, p := range w.players {
		if p.Alive {
			out = append(out, w.checkpoint(p, now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Conn < out[j].Conn })
	return out
}

// Value sums every token held by the room, in particles and in live players'
// collected balances.
func (w *World) Value() tokens.Balances {
	total := distribute.Sum(w.particles)
	for _, p := range w.orderedPlayers() {
		for _, entry := range p.Collected.Entries() {
			total.Add(entry)
		}
	}
	return total
}

// Stats reports room counters.
func (w *World) Stats() Stats {
	return Stats{Players: len(w.players), Particles: len(w.particles)}
}
