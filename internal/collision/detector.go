// Package collision finds players that die this tick. It reads a snapshot of
// living bodies and never touches world state.
package collision

import (
	"math"
	"sort"
	"time"
)

const (
	DefaultCellSize        = 200.0
	DefaultCheckRadius     = 500.0
	DefaultCollisionRadius = 15.0
	DefaultSegmentSpacing  = 10.0
	DefaultMaxSamples      = 24
	DefaultSpawnZoneHalf   = 150.0
)

// Body is the detector's view of a living player.
type Body struct {
	ID       string
	X        float64
	Y        float64
	Angle    float64
	Score    float64
	Length   int
	JoinedAt time.Time
}

// Config holds the detector geometry.
type Config struct {
	CellSize        float64
	CheckRadius     float64
	CollisionRadius float64
	SegmentSpacing  float64
	MaxSamples      int
	SpawnZoneHalf   float64
}

// DefaultConfig mirrors the production tuning.
func DefaultConfig() Config {
	return Config{
		CellSize:        DefaultCellSize,
		CheckRadius:     DefaultCheckRadius,
		CollisionRadius: DefaultCollisionRadius,
		SegmentSpacing:  DefaultSegmentSpacing,
		MaxSamples:      DefaultMaxSamples,
		SpawnZoneHalf:   DefaultSpawnZoneHalf,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.CellSize <= 0 {
		c.CellSize = d.CellSize
	}
	if c.CheckRadius <= 0 {
		c.CheckRadius = d.CheckRadius
	}
	if c.CollisionRadius <= 0 {
		c.CollisionRadius = d.CollisionRadius
	}
	if c.SegmentSpacing <= 0 {
		c.SegmentSpacing = d.SegmentSpacing
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = d.MaxSamples
	}
	if c.SpawnZoneHalf < 0 {
		c.SpawnZoneHalf = 0
	}
	return c
}

// HitKind names the part of the geometry that touched.
type HitKind string

const (
	HitHeadIntoBody HitKind = "head-body"
	HitHeadToHead   HitKind = "head-head"
)

// Kill records one elimination decided by a pass.
type Kill struct {
	Victim string
	Killer string
	Kind   HitKind
}

// Stats summarises the work done by one pass.
type Stats struct {
	Players         int
	Cells           int
	PairsConsidered int
	PairsTested     int
}

// Result lists newly dead players in the order they were decided.
type Result struct {
	Dead  []string
	Kills []Kill
	Stats Stats
}

type cellKey struct {
	X int
	Y int
}

type pairKey struct {
	A string
	B string
}

func newPairKey(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{A: a, B: b}
}

// Detect runs one collision pass over bodies.
func Detect(bodies []Body, cfg Config) Result {
	cfg = cfg.normalized()
	ordered := make([]Body, len(bodies))
	copy(ordered, bodies)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	result := Result{Stats: Stats{Players: len(ordered)}}
	if len(ordered) < 2 {
		return result
	}

	grid := buildGrid(ordered, cfg.CellSize)
	result.Stats.Cells = len(grid)

	samples := make(map[string][]point, len(ordered))
	dead := make(map[string]struct{})
	checked := make(map[pairKey]struct{})
	checkRadiusSq := cfg.CheckRadius * cfg.CheckRadius

	for i := range ordered {
		a := &ordered[i]
		if _, gone := dead[a.ID]; gone {
			continue
		}
		for _, b := range grid[cellOf(a.X, a.Y, cfg.CellSize)] {
			if b.ID == a.ID {
				continue
			}
			if _, gone := dead[b.ID]; gone {
				continue
			}
			key := newPairKey(a.ID, b.ID)
			if _, seen := checked[key]; seen {
				continue
			}
			checked[key] = struct{}{}
			result.Stats.PairsConsidered++

			dx := a.X - b.X
			dy := a.Y - b.Y
			if dx*dx+dy*dy > checkRadiusSq {
				continue
			}
			if inSpawnZone(*a, cfg.SpawnZoneHalf) && inSpawnZone(*b, cfg.SpawnZoneHalf) {
				continue
			}
			result.Stats.PairsTested++

			kind, hit := collide(*a, *b, cfg, samples)
			if !hit {
				continue
			}
			victim, killer := loser(*a, *b)
			dead[victim.ID] = struct{}{}
			result.Dead = append(result.Dead, victim.ID)
			result.Kills = append(result.Kills, Kill{Victim: victim.ID, Killer: killer.ID, Kind: kind})
			if victim.ID == a.ID {
				break
			}
		}
	}
	return result
}

// buildGrid places each body in its own cell and the eight around it, so a
// pair straddling a boundary always shares a bucket.
func buildGrid(bodies []Body, cellSize float64) map[cellKey][]*Body {
	grid := make(map[cellKey][]*Body, len(bodies)*9)
	for i := range bodies {
		home := cellOf(bodies[i].X, bodies[i].Y, cellSize)
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				key := cellKey{X: home.X + dx, Y: home.Y + dy}
				grid[key] = append(grid[key], &bodies[i])
			}
		}
	}
	return grid
}

func cellOf(x, y, cellSize float64) cellKey {
	return cellKey{X: int(math.Floor(x / cellSize)), Y: int(math.Floor(y / cellSize))}
}

func inSpawnZone(b Body, half float64) bool {
	return math.Abs(b.X) < half && math.Abs(b.Y) < half
}

// loser applies the tie-break: lower score dies, then the later joiner, then
// the larger id.
func loser(a, b Body) (victim, killer Body) {
	switch {
	case a.Score < b.Score:
		return a, b
	case b.Score < a.Score:
		return b, a
	case a.JoinedAt.After(b.JoinedAt):
		return a, b
	case b.JoinedAt.After(a.JoinedAt):
		return b, a
	case a.ID > b.ID:
		return a, b
	default:
		return b, a
	}
}
