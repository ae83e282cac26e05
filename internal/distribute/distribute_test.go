package distribute

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"stake-arena/server/internal/tokens"
	"stake-arena/server/logging/economy"
	"stake-arena/server/logging/sinks"
)

const otherToken = "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"

func newTestEngine(t *testing.T) (*Engine, *sinks.MemorySink) {
	t.Helper()
	memory := sinks.NewMemorySink()
	engine := NewEngine(Bounds{Width: 4000, Height: 2000}, DefaultConfig(), rand.New(rand.NewSource(7)), WithPublisher(memory))
	return engine, memory
}

func TestDistributeConservesValue(t *testing.T) {
	engine, _ := newTestEngine(t)
	amounts := []float64{0, 0.00005, 0.00011, 0.05, 0.1, 0.3, 0.7, 1.23456, 2, 17.77, 1000.1}
	for _, amount := range amounts {
		particles, err := engine.Distribute(context.Background(), ReasonStake, tokens.Single(tokens.Native, amount))
		if err != nil {
			t.Fatalf("distribute %v: %v", amount, err)
		}
		var sum float64
		for _, p := range particles {
			sum += p.Token.Amount
			if p.Token.Amount > DefaultUnit+DefaultEpsilon {
				t.Fatalf("particle larger than unit: %v", p.Token.Amount)
			}
		}
		if math.Abs(sum-amount) > DefaultEpsilon {
			t.Fatalf("amount %v: emitted %v", amount, sum)
		}
	}
}

func TestDistributeFractionalBelowUnitYieldsOneParticle(t *testing.T) {
	engine, _ := newTestEngine(t)
	particles, err := engine.Distribute(context.Background(), ReasonElimination, tokens.Single(tokens.Native, 0.05))
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if len(particles) != 1 || particles[0].Token.Amount != 0.05 {
		t.Fatalf("expected one 0.05 particle, got %+v", particles)
	}
}

func TestDistributeTwoNativeYieldsTwentyUnits(t *testing.T) {
	engine, memory := newTestEngine(t)
	particles, err := engine.Distribute(context.Background(), ReasonStake, tokens.Single(tokens.Native, 2.0))
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if len(particles) != 20 {
		t.Fatalf("expected 20 particles, got %d", len(particles))
	}
	seen := make(map[string]struct{}, len(particles))
	bounds := Bounds{Width: 4000, Height: 2000}
	for _, p := range particles {
		if p.Token.Amount != DefaultUnit {
			t.Fatalf("expected unit particle, got %v", p.Token.Amount)
		}
		if !bounds.Contains(p.X, p.Y) {
			t.Fatalf("particle outside bounds: (%v, %v)", p.X, p.Y)
		}
		if _, dup := seen[p.ID]; dup {
			t.Fatalf("duplicate particle id %s", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.Token.Color != "#FFD700" {
			t.Fatalf("native particle should be gold, got %s", p.Token.Color)
		}
	}
	events := memory.EventsOfType(economy.EventParticlesDistributed)
	if len(events) != 1 {
		t.Fatalf("expected one distribution event, got %d", len(events))
	}
}

func TestDistributeMultipleTokensIndependently(t *testing.T) {
	engine, _ := newTestEngine(t)
	input := tokens.NewBalances(
		tokens.Balance{Token: tokens.Native, Amount: 0.25},
		tokens.Balance{Token: otherToken, Amount: 1.05},
	)
	particles, err := engine.Distribute(context.Background(), ReasonDisconnect, input)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	sum := Sum(particles)
	for _, entry := range input.Entries() {
		if math.Abs(sum.Get(entry.Token)-entry.Amount) > DefaultEpsilon {
			t.Fatalf("token %s: emitted %v want %v", entry.Token, sum.Get(entry.Token), entry.Amount)
		}
	}
}

func TestDistributeRejectsInvalidInput(t *testing.T) {
	engine, _ := newTestEngine(t)
	if _, err := engine.Distribute(context.Background(), ReasonStake, tokens.Single(tokens.Native, math.NaN())); err == nil {
		t.Fatalf("expected NaN to be rejected")
	}
}

func TestDistributeCoarsensOversizeBalances(t *testing.T) {
	small := NewEngine(Bounds{Width: 10, Height: 10}, Config{MaxParticles: 5}, nil)
	particles, err := small.Distribute(context.Background(), ReasonStake, tokens.Single(tokens.Native, 1))
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if len(particles) > 5 {
		t.Fatalf("expected at most 5 particles, got %d", len(particles))
	}
	if sum := Sum(particles).Get(tokens.Native); math.Abs(sum-1) > DefaultEpsilon {
		t.Fatalf("emitted %v want 1", sum)
	}

	engine, _ := newTestEngine(t)
	const stake = 20000.0
	unit := engine.UnitFor(stake)
	if unit <= DefaultUnit {
		t.Fatalf("expected a coarser unit for %v, got %v", stake, unit)
	}
	again, err := engine.Distribute(context.Background(), ReasonStake, tokens.Single(tokens.Native, stake))
	if err != nil {
		t.Fatalf("distribute large stake: %v", err)
	}
	if len(again) > DefaultMaxParticles {
		t.Fatalf("expected at most %d particles, got %d", DefaultMaxParticles, len(again))
	}
	for _, p := range again {
		if p.Token.Amount > unit+DefaultEpsilon {
			t.Fatalf("particle larger than coarsened unit %v: %v", unit, p.Token.Amount)
		}
	}
	if sum := Sum(again).Get(tokens.Native); math.Abs(sum-stake) > stake*1e-9 {
		t.Fatalf("emitted %v want %v", sum, stake)
	}
	if engine.UnitFor(1000.1) != DefaultUnit {
		t.Fatalf("expected default unit below the particle limit")
	}
}

func TestWholeEmitsOneParticlePerToken(t *testing.T) {
	engine, _ := newTestEngine(t)
	var input tokens.Balances
	input.Add(tokens.Balance{Token: tokens.Native, Amount: 15000})
	input.Add(tokens.Balance{Token: otherToken, Amount: 2.5})
	particles := engine.Whole(input)
	if len(particles) != 2 {
		t.Fatalf("expected 2 particles, got %d", len(particles))
	}
	sum := Sum(particles)
	if sum.Get(tokens.Native) != 15000 || sum.Get(otherToken) != 2.5 {
		t.Fatalf("unexpected totals %+v", sum.Entries())
	}
}

func TestVerifyReportsConservationError(t *testing.T) {
	entry := tokens.Balance{Token: tokens.Native, Amount: 1}
	particles := []Particle{{Token: tokens.Balance{Token: tokens.Native, Amount: 0.5}}}
	err := Verify(entry, particles, DefaultEpsilon)
	var conservation *ConservationError
	if !errors.As(err, &conservation) {
		t.Fatalf("expected ConservationError, got %v", err)
	}
	if conservation.Emitted != 0.5 || conservation.Input != 1 {
		t.Fatalf("unexpected error fields %+v", conservation)
	}
}

func TestDistributeIsDeterministicForSeed(t *testing.T) {
	a := NewEngine(Bounds{Width: 100, Height: 100}, DefaultConfig(), rand.New(rand.NewSource(3)))
	b := NewEngine(Bounds{Width: 100, Height: 100}, DefaultConfig(), rand.New(rand.NewSource(3)))
	pa, _ := a.Distribute(context.Background(), ReasonStake, tokens.Single(tokens.Native, 0.3))
	pb, _ := b.Distribute(context.Background(), ReasonStake, tokens.Single(tokens.Native, 0.3))
	for i := range pa {
		if pa[i].ID != pb[i].ID || pa[i].X != pb[i].X || pa[i].Y != pb[i].Y {
			t.Fatalf("particle %d differs between identical seeds", i)
		}
	}
}
