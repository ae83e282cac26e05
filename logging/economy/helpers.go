package economy

import (
	"context"

	"stake-arena/server/logging"
)

const (
	// EventParticlesDistributed is emitted whenever token value is scattered into the world.
	EventParticlesDistributed logging.EventType = "economy.particles_distributed"
	// EventParticleConsumed is emitted when a living player picks up a particle.
	EventParticleConsumed logging.EventType = "economy.particle_consumed"
	// EventConservationViolation is emitted when distribution would create or destroy value.
	EventConservationViolation logging.EventType = "economy.conservation_violation"
	// EventConsumeRejected is emitted when a pickup is refused (stale particle, dead player).
	EventConsumeRejected logging.EventType = "economy.consume_rejected"
)

// ParticlesDistributedPayload describes one distribution batch.
type ParticlesDistributedPayload struct {
	Reason    string  `json:"reason"`
	Token     string  `json:"token"`
	Amount    float64 `json:"amount"`
	Particles int     `json:"particles"`
}

// ParticleConsumedPayload describes a successful pickup.
type ParticleConsumedPayload struct {
	ParticleID string  `json:"particleId"`
	Token      string  `json:"token"`
	Amount     float64 `json:"amount"`
	Value      float64 `json:"value"`
	Score      float64 `json:"score"`
}

// ConservationViolationPayload records the mismatch between input and emitted value.
type ConservationViolationPayload struct {
	Token   string  `json:"token"`
	Input   float64 `json:"input"`
	Emitted float64 `json:"emitted"`
	Reason  string  `json:"reason"`
}

// ConsumeRejectedPayload explains why a pickup was refused.
type ConsumeRejectedPayload struct {
	ParticleID string `json:"particleId"`
	Reason     string `json:"reason"`
}

// ParticlesDistributed publishes a distribution event.
func ParticlesDistributed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ParticlesDistributedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventParticlesDistributed,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryEconomy,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// ParticleConsumed publishes a pickup event.
func ParticleConsumed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ParticleConsumedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventParticleConsumed,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryEconomy,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// ConservationViolation publishes a fatal internal-consistency event.
func ConservationViolation(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ConservationViolationPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventConservationViolation,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityError,
		Category: logging.CategoryEconomy,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// ConsumeRejected publishes a refused pickup.
func ConsumeRejected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ConsumeRejectedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventConsumeRejected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryEconomy,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// EventRedistributionFailed is emitted when value from a removed player could not be split and was scattered whole.
const EventRedistributionFailed logging.EventType = "economy.redistribution_failed"

// RedistributionFailedPayload describes the refused redistribution.
type RedistributionFailedPayload struct {
	Reason   string `json:"reason"`
	Error    string `json:"error"`
	Fallback int    `json:"fallbackParticles"`
}

// RedistributionFailed publishes an error when removed value could not be split normally.
func RedistributionFailed(ctx context.Context, pub logging.Publisher, tick uint64, payload RedistributionFailedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventRedistributionFailed,
		Tick:     tick,
		Actor:    logging.WorldRef(),
		Severity: logging.SeverityError,
		Category: logging.CategoryEconomy,
		Payload:  payload,
	})
}
