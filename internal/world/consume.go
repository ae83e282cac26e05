package world

import (
	"context"

	"stake-arena/server/internal/distribute"
	"stake-arena/server/logging"
	loggingeconomy "stake-arena/server/logging/economy"
)

const (
	rejectUnknownPlayer     = "unknown_player"
	rejectUnknownParticle   = "unknown_particle"
	rejectDoubleConsumption = "double_consumption"
)

// ConsumeResult describes a successful pickup.
type ConsumeResult struct {
	Particle distribute.Particle
	Value    float64
	Score    float64
	Length   int
	// ReachedEscape is true on the pickup that first lifts the score over the
	// escape threshold.
	ReachedEscape bool
}

// Consume credits particleID to the player on conn. It succeeds at most once
// per particle; every later attempt returns false.
func (w *World) Consume(ctx context.Context, conn, particleID string) (ConsumeResult, bool) {
	p, ok := w.players[conn]
	if !ok || !p.Alive {
		w.rejectConsume(ctx, conn, particleID, rejectUnknownPlayer, logging.SeverityDebug)
		return ConsumeResult{}, false
	}
	if _, exists := w.particleIndex[particleID]; !exists {
		if w.journal.recentlyConsumed(particleID) {
			w.rejectConsume(ctx, conn, particleID, rejectDoubleConsumption, logging.SeverityWarn)
		} else {
			w.rejectConsume(ctx, conn, particleID, rejectUnknownParticle, logging.SeverityDebug)
		}
		return ConsumeResult{}, false
	}

	particle, _ := w.removeParticle(particleID)
	price, priced := w.pricer.Peek(particle.Token.Token)
	if !priced {
		price = 0
		w.addMetric(metricUnpricedConsume, 1)
	}
	value := particle.Token.Amount * price
	wasEscapable := w.reachedEscape(p.Score)

	p.Collected.Add(particle.Token)
	p.Score += value
	p.Length++
	w.addMetric(metricConsumeTotal, 1)

	loggingeconomy.ParticleConsumed(ctx, w.publisher, w.tick, logging.PlayerRef(conn), loggingeconomy.ParticleConsumedPayload{
		ParticleID: particleID,
		Token:      particle.Token.Token,
		Amount:     particle.Token.Amount,
		Value:      value,
		Score:      p.Score,
	}, nil)

	return ConsumeResult{
		Particle:      particle,
		Value:         value,
		Score:         p.Score,
		Length:        p.Length,
		ReachedEscape: !wasEscapable && w.reachedEscape(p.Score),
	}, true
}

func (w *World) rejectConsume(ctx context.Context, conn, particleID, reason string, severity logging.Severity) {
	w.addMetric(metricConsumeRejected, 1)
	if severity < logging.SeverityWarn {
		return
	}
	loggingeconomy.ConsumeRejected(ctx, w.publisher, w.tick, logging.PlayerRef(conn), loggingeconomy.ConsumeRejectedPayload{
		ParticleID: particleID,
		Reason:     reason,
	}, nil)
}
