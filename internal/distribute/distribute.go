// Package distribute turns token balances into pickup particles scattered
// over the room without creating or destroying value.
package distribute

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/google/uuid"

	"stake-arena/server/internal/telemetry"
	"stake-arena/server/internal/tokens"
	"stake-arena/server/logging"
	loggingeconomy "stake-arena/server/logging/economy"
)

const (
	DefaultUnit         = 0.1
	DefaultEpsilon      = 1e-4
	DefaultMaxParticles = 100_000

	// relativeTolerance widens epsilon for large balances, where summing many
	// float particles drifts by more than an absolute epsilon.
	relativeTolerance = 1e-9

	particlesMetricKey   = "distribute_particles_total"
	violationsMetricKey  = "distribute_conservation_violations_total"
	distributedMetricKey = "distribute_batches_total"
)

// Reason records why value is entering the world.
type Reason string

const (
	ReasonStake       Reason = "stake"
	ReasonElimination Reason = "elimination"
	ReasonDisconnect  Reason = "disconnect"
	ReasonEviction    Reason = "eviction"
)

// Bounds is the room size. Positions are centered at the origin.
type Bounds struct {
	Width  float64
	Height float64
}

// Contains reports whether (x, y) lies inside the bounds.
func (b Bounds) Contains(x, y float64) bool {
	return math.Abs(x) <= b.Width/2 && math.Abs(y) <= b.Height/2
}

// Particle is a pickup carrying a fragment of a token balance.
type Particle struct {
	ID    string         `json:"id"`
	X     float64        `json:"x"`
	Y     float64        `json:"y"`
	Token tokens.Balance `json:"token"`
}

// Config tunes particle granularity. A balance that would need more than
// MaxParticles particles of Unit is split with a whole multiple of Unit
// instead, so large stakes still enter the room in full.
type Config struct {
	Unit         float64
	Epsilon      float64
	MaxParticles int
}

// DefaultConfig returns the production granularity.
func DefaultConfig() Config {
	return Config{Unit: DefaultUnit, Epsilon: DefaultEpsilon, MaxParticles: DefaultMaxParticles}
}

// ConservationError reports a distribution whose emitted value does not match
// its input. Callers must refuse the operation that triggered it.
type ConservationError struct {
	Token   string
	Input   float64
	Emitted float64
}

func (e *ConservationError) Error() string {
	return fmt.Sprintf("distribute: conservation violated for %s: input %.8f emitted %.8f", e.Token, e.Input, e.Emitted)
}

// Engine splits balances into particles. It is not safe for concurrent use;
// the simulation loop owns it together with the world.
type Engine struct {
	cfg       Config
	bounds    Bounds
	rng       *rand.Rand
	publisher logging.Publisher
	metrics   telemetry.Metrics
}

// Option customises an Engine.
type Option func(*Engine)

// WithPublisher routes economy events to pub.
func WithPublisher(pub logging.Publisher) Option {
	return func(e *Engine) {
		if pub != nil {
			e.publisher = pub
		}
	}
}

// WithMetrics records particle counters.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// NewEngine constructs an engine. A nil rng falls back to a time-independent
// default seed so behaviour stays reproducible.
func NewEngine(bounds Bounds, cfg Config, rng *rand.Rand, opts ...Option) *Engine {
	if cfg.Unit <= 0 {
		cfg.Unit = DefaultUnit
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = DefaultEpsilon
	}
	if cfg.MaxParticles < 2 {
		cfg.MaxParticles = DefaultMaxParticles
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	e := &Engine{
		cfg:       cfg,
		bounds:    bounds,
		rng:       rng,
		publisher: logging.NopPublisher(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config exposes the engine's granularity.
func (e *Engine) Config() Config {
	return e.cfg
}

// Distribute emits particles for every token in balances. Nothing is emitted
// when any token fails validation or conservation.
func (e *Engine) Distribute(ctx context.Context, reason Reason, balances tokens.Balances) ([]Particle, error) {
	if err := balances.Validate(); err != nil {
		return nil, err
	}
	var out []Particle
	for _, entry := range balances.Entries() {
		particles, err := e.split(entry)
		if err != nil {
			if conservation := (*ConservationError)(nil); errors.As(err, &conservation) {
				e.reportViolation(ctx, reason, conservation)
			}
			return nil, err
		}
		if len(particles) == 0 {
			continue
		}
		loggingeconomy.ParticlesDistributed(ctx, e.publisher, 0, logging.WorldRef(), loggingeconomy.ParticlesDistributedPayload{
			Reason:    string(reason),
			Token:     entry.Token,
			Amount:    entry.Amount,
			Particles: len(particles),
		}, nil)
		out = append(out, particles...)
	}
	if e.metrics != nil && len(out) > 0 {
		e.metrics.Add(particlesMetricKey, uint64(len(out)))
		e.metrics.Add(distributedMetricKey, 1)
	}
	return out, nil
}

func (e *Engine) split(entry tokens.Balance) ([]Particle, error) {
	if entry.Amount <= e.cfg.Epsilon {
		return nil, nil
	}
	unit := e.UnitFor(entry.Amount)
	whole := math.Floor(entry.Amount / unit)
	remainder := entry.Amount - whole*unit
	count := int(whole)
	if remainder > e.cfg.Epsilon {
		count++
	}

	particles := make([]Particle, 0, count)
	for i := 0; i < int(whole); i++ {
		particles = append(particles, e.particle(entry, unit))
	}
	if remainder > e.cfg.Epsilon {
		particles = append(particles, e.particle(entry, remainder))
	}
	if err := Verify(entry, particles, e.cfg.Epsilon); err != nil {
		return nil, err
	}
	return particles, nil
}

// UnitFor returns the particle size used for a balance of amount: the
// configured unit, or the smallest whole multiple of it that keeps the
// balance within MaxParticles particles.
func (e *Engine) UnitFor(amount float64) float64 {
	unit := e.cfg.Unit
	// One slot is kept for the remainder particle.
	limit := float64(e.cfg.MaxParticles - 1)
	if amount/unit <= limit {
		return unit
	}
	return unit * math.Ceil(amount/(unit*limit))
}

// Whole emits one particle per token carrying the token's entire balance.
// It is the fallback for value that must re-enter the room after its owner
// was already removed, and never fails.
func (e *Engine) Whole(balances tokens.Balances) []Particle {
	var out []Particle
	for _, entry := range balances.Entries() {
		if !(entry.Amount > 0) || math.IsInf(entry.Amount, 0) {
			continue
		}
		out = append(out, e.particle(entry, entry.Amount))
	}
	if e.metrics != nil && len(out) > 0 {
		e.metrics.Add(particlesMetricKey, uint64(len(out)))
	}
	return out
}

func (e *Engine) particle(entry tokens.Balance, amount float64) Particle {
	fragment := entry
	fragment.Amount = amount
	return Particle{
		ID:    e.newID(),
		X:     (e.rng.Float64() - 0.5) * e.bounds.Width,
		Y:     (e.rng.Float64() - 0.5) * e.bounds.Height,
		Token: fragment,
	}
}

func (e *Engine) newID() string {
	id, err := uuid.NewRandomFromReader(e.rng)
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (e *Engine) reportViolation(ctx context.Context, reason Reason, err *ConservationError) {
	loggingeconomy.ConservationViolation(ctx, e.publisher, 0, logging.WorldRef(), loggingeconomy.ConservationViolationPayload{
		Token:   err.Token,
		Input:   err.Input,
		Emitted: err.Emitted,
		Reason:  string(reason),
	}, nil)
	if e.metrics != nil {
		e.metrics.Add(violationsMetricKey, 1)
	}
}

// Verify checks that particles carrying entry's token sum to entry's amount
// within epsilon, or within a relative tolerance for large amounts.
func Verify(entry tokens.Balance, particles []Particle, epsilon float64) error {
	var emitted float64
	for _, p := range particles {
		if p.Token.Token != entry.Token {
			continue
		}
		emitted += p.Token.Amount
	}
	tolerance := math.Max(epsilon, math.Abs(entry.Amount)*relativeTolerance)
	if math.Abs(emitted-entry.Amount) > tolerance {
		return &ConservationError{Token: entry.Token, Input: entry.Amount, Emitted: emitted}
	}
	return nil
}

// Sum adds up particle amounts per token.
func Sum(particles []Particle) tokens.Balances {
	var out tokens.Balances
	for _, p := range particles {
		out.Add(p.Token)
	}
	return out
}
