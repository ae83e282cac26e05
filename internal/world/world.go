// Package world owns the single shared room: live players, particles and
// bounds. It is not safe for concurrent use; the simulation loop is its only
// caller.
package world

import (
	"math/rand"
	"time"

	"stake-arena/server/internal/distribute"
	"stake-arena/server/internal/telemetry"
	"stake-arena/server/internal/tokens"
	"stake-arena/server/logging"
)

const (
	DefaultWidth            = 4000.0
	DefaultHeight           = 2000.0
	DefaultSpawnJitter      = 50.0
	DefaultEscapeThreshold  = 1.0
	DefaultMaxNameLength    = 24
	DefaultLeaderboardLimit = 10

	// RoomID names the only room.
	RoomID = "main-room"

	metricConsumeTotal    = "world_consume_total"
	metricConsumeRejected = "world_consume_rejected_total"
	metricUnpricedConsume = "world_consume_unpriced_total"
	metricEvictions       = "world_evictions_total"
	metricEliminations    = "world_eliminations_total"
)

// Pricer gives the tick goroutine a non-blocking unit price lookup. A miss
// means the price is not known yet.
type Pricer interface {
	Peek(token string) (float64, bool)
}

// PricerFunc adapts a function into a Pricer.
type PricerFunc func(token string) (float64, bool)

func (f PricerFunc) Peek(token string) (float64, bool) {
	return f(token)
}

// NativeOnly prices the native token at 1 and knows nothing else.
var NativeOnly Pricer = PricerFunc(func(token string) (float64, bool) {
	if tokens.IsNative(token) {
		return 1, true
	}
	return 0, false
})

// Config tunes the room.
type Config struct {
	Bounds           distribute.Bounds
	SpawnJitter      float64
	EscapeThreshold  float64
	MaxNameLength    int
	LeaderboardLimit int
}

// DefaultConfig returns the production room.
func DefaultConfig() Config {
	return Config{
		Bounds:           distribute.Bounds{Width: DefaultWidth, Height: DefaultHeight},
		SpawnJitter:      DefaultSpawnJitter,
		EscapeThreshold:  DefaultEscapeThreshold,
		MaxNameLength:    DefaultMaxNameLength,
		LeaderboardLimit: DefaultLeaderboardLimit,
	}
}

// Player is a live participant. Values handed out by the World are copies.
type Player struct {
	Conn      string          `json:"id"`
	Name      string          `json:"name"`
	Account   string          `json:"walletAddress"`
	GameID    int64           `json:"gameId,omitempty"`
	X         float64         `json:"x"`
	Y         float64         `json:"y"`
	Angle     float64         `json:"angle"`
	Score     float64         `json:"score"`
	Length    int             `json:"length"`
	Alive     bool            `json:"alive"`
	Collected tokens.Balances `json:"collectedTokens"`
	Staked    tokens.Balances `json:"stakedTokens"`
	JoinedAt  time.Time       `json:"joinTime"`
}

func (p *Player) clone() Player {
	out := *p
	out.Collected = p.Collected.Clone()
	out.Staked = p.Staked.Clone()
	return out
}

// World is the room.
type World struct {
	cfg       Config
	players   map[string]*Player
	byAccount map[string]string

	particles     []distribute.Particle
	particleIndex map[string]int

	engine    *distribute.Engine
	pricer    Pricer
	rng       *rand.Rand
	clock     logging.Clock
	publisher logging.Publisher
	metrics   telemetry.Metrics

	tick    uint64
	journal changeJournal
}

// Deps carries the collaborators a World needs.
type Deps struct {
	Engine    *distribute.Engine
	Pricer    Pricer
	RNG       *rand.Rand
	Clock     logging.Clock
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
}

// New constructs an empty room.
func New(cfg Config, deps Deps) *World {
	defaults := DefaultConfig()
	if cfg.Bounds.Width <= 0 || cfg.Bounds.Height <= 0 {
		cfg.Bounds = defaults.Bounds
	}
	if cfg.SpawnJitter < 0 {
		cfg.SpawnJitter = 0
	}
	if cfg.EscapeThreshold <= 0 {
		cfg.EscapeThreshold = defaults.EscapeThreshold
	}
	if cfg.MaxNameLength <= 0 {
		cfg.MaxNameLength = defaults.MaxNameLength
	}
	if cfg.LeaderboardLimit <= 0 {
		cfg.LeaderboardLimit = defaults.LeaderboardLimit
	}

	rng := deps.RNG
	if rng == nil {
		rng = NewDeterministicRNG(DefaultSeed, "world")
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	engine := deps.Engine
	if engine == nil {
		engine = distribute.NewEngine(cfg.Bounds, distribute.DefaultConfig(), rng, distribute.WithPublisher(publisher), distribute.WithMetrics(deps.Metrics))
	}
	pricer := deps.Pricer
	if pricer == nil {
		pricer = NativeOnly
	}
	clock := deps.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}

	return &World{
		cfg:           cfg,
		players:       make(map[string]*Player),
		byAccount:     make(map[string]string),
		particleIndex: make(map[string]int),
		engine:        engine,
		pricer:        pricer,
		rng:           rng,
		clock:         clock,
		publisher:     publisher,
		metrics:       deps.Metrics,
	}
}

// Config returns the room configuration.
func (w *World) Config() Config {
	return w.cfg
}

// SetTick records the current tick so published events carry it.
func (w *World) SetTick(tick uint64) {
	w.tick = tick
}

// Player returns a copy of the live player on conn.
func (w *World) Player(conn string) (Player, bool) {
	p, ok := w.players[conn]
	if !ok {
		return Player{}, false
	}
	return p.clone(), true
}

// ConnForAccount returns the connection currently playing for account.
func (w *World) ConnForAccount(account string) (string, bool) {
	conn, ok := w.byAccount[account]
	return conn, ok
}

// PlayerCount reports live players.
func (w *World) PlayerCount() int {
	return len(w.players)
}

// ParticleCount reports live particles.
func (w *World) ParticleCount() int {
	return len(w.particles)
}

// Particle returns a live particle by id.
func (w *World) Particle(id string) (distribute.Particle, bool) {
	idx, ok := w.particleIndex[id]
	if !ok {
		return distribute.Particle{}, false
	}
	return w.particles[idx], true
}

// DrainChanges returns and clears the particle diff since the last call.
func (w *World) DrainChanges() Changes {
	return w.journal.drain()
}

func (w *World) addParticles(particles []distribute.Particle) {
	for _, p := range particles {
		w.particleIndex[p.ID] = len(w.particles)
		w.particles = append(w.particles, p)
	}
	w.journal.spawn(particles)
}

func (w *World) removeParticle(id string) (distribute.Particle, bool) {
	idx, ok := w.particleIndex[id]
	if !ok {
		return distribute.Particle{}, false
	}
	removed := w.particles[idx]
	last := len(w.particles) - 1
	if idx != last {
		w.particles[idx] = w.particles[last]
		w.particleIndex[w.particles[idx].ID] = idx
	}
	w.particles = w.particles[:last]
	delete(w.particleIndex, id)
	w.journal.remove(id)
	return removed, true
}

func (w *World) addMetric(key string, delta uint64) {
	if w.metrics != nil {
		w.metrics.Add(key, delta)
	}
}

// removePlayer unconditionally drops the player from the live set.
func (w *World) removePlayer(p *Player) {
	p.Alive = false
	delete(w.players, p.Conn)
	if w.byAccount[p.Account] == p.Conn {
		delete(w.byAccount, p.Account)
	}
}
