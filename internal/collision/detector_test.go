package collision

import (
	"fmt"
	"math"
	"testing"
	"time"
)

var epoch = time.Unix(1700000000, 0)

func body(id string, x, y, score float64, joinedAfter time.Duration) Body {
	return Body{ID: id, X: x, Y: y, Score: score, Length: 1, JoinedAt: epoch.Add(joinedAfter)}
}

func TestHeadToHeadTieKillsLaterJoiner(t *testing.T) {
	x := body("x", 1000, 500, 50, 0)
	y := body("y", 1005, 500, 50, 10*time.Second)

	for _, input := range [][]Body{{x, y}, {y, x}} {
		result := Detect(input, DefaultConfig())
		if len(result.Dead) != 1 || result.Dead[0] != "y" {
			t.Fatalf("expected y to die, got %v", result.Dead)
		}
		if result.Kills[0].Killer != "x" || result.Kills[0].Kind != HitHeadToHead {
			t.Fatalf("unexpected kill %+v", result.Kills[0])
		}
	}
}

func TestTieBreakHoldsForAllPositionsWithinRadius(t *testing.T) {
	for deg := 0; deg < 360; deg += 15 {
		for _, dist := range []float64{0, 5, 10, 14.9} {
			rad := float64(deg) * math.Pi / 180
			early := body("early", 800, -600, 3, 0)
			late := body("late", 800+math.Cos(rad)*dist, -600+math.Sin(rad)*dist, 3, time.Second)
			result := Detect([]Body{late, early}, DefaultConfig())
			if len(result.Dead) != 1 || result.Dead[0] != "late" {
				t.Fatalf("deg=%d dist=%v: expected late joiner to die, got %v", deg, dist, result.Dead)
			}
		}
	}
}

func TestLowerScoreDies(t *testing.T) {
	strong := body("a", -900, 400, 10, 5*time.Second)
	weak := body("b", -895, 400, 2, 0)
	result := Detect([]Body{strong, weak}, DefaultConfig())
	if len(result.Dead) != 1 || result.Dead[0] != "b" {
		t.Fatalf("expected lower score to die, got %v", result.Dead)
	}
}

func TestFullTieFallsBackToLargerID(t *testing.T) {
	a := body("aaa", 600, 600, 1, 0)
	b := body("bbb", 601, 600, 1, 0)
	result := Detect([]Body{a, b}, DefaultConfig())
	if len(result.Dead) != 1 || result.Dead[0] != "bbb" {
		t.Fatalf("expected larger id to die, got %v", result.Dead)
	}
}

func TestSpawnImmunity(t *testing.T) {
	a := body("a", 10, 10, 1, 0)
	b := body("b", 12, 10, 1, time.Second)
	if result := Detect([]Body{a, b}, DefaultConfig()); len(result.Dead) != 0 {
		t.Fatalf("players inside spawn zone must not collide, got %v", result.Dead)
	}

	// Only one inside the zone: collision applies again.
	a.X, b.X = 145, 155
	if result := Detect([]Body{a, b}, DefaultConfig()); len(result.Dead) != 1 {
		t.Fatalf("expected collision once a player leaves the zone, got %v", result.Dead)
	}
}

func TestHeadIntoBody(t *testing.T) {
	// b points along +x with a body trailing back toward -x.
	b := Body{ID: "b", X: 1000, Y: 0, Angle: 0, Score: 1, Length: 10, JoinedAt: epoch}
	a := Body{ID: "a", X: 950, Y: 3, Angle: math.Pi / 2, Score: 5, Length: 1, JoinedAt: epoch}
	result := Detect([]Body{a, b}, DefaultConfig())
	if len(result.Kills) != 1 {
		t.Fatalf("expected a kill, got %+v", result)
	}
	if result.Kills[0].Kind != HitHeadIntoBody {
		t.Fatalf("expected head-body hit, got %s", result.Kills[0].Kind)
	}
	if result.Dead[0] != "b" {
		t.Fatalf("lower score should die regardless of geometry, got %v", result.Dead)
	}

	// A short body does not reach that far back.
	b.Length = 2
	if result := Detect([]Body{a, b}, DefaultConfig()); len(result.Dead) != 0 {
		t.Fatalf("short body should not be hit, got %v", result.Dead)
	}
}

func TestPlayerDiesAtMostOncePerPass(t *testing.T) {
	victim := body("v", 2000-1500, 300, 0, 0)
	bodies := []Body{victim}
	for i := 0; i < 4; i++ {
		bodies = append(bodies, body(fmt.Sprintf("k%d", i), victim.X+float64(i), victim.Y+1, 10, 0))
	}
	result := Detect(bodies, DefaultConfig())
	count := 0
	for _, id := range result.Dead {
		if id == "v" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("victim listed %d times in %v", count, result.Dead)
	}
	seen := map[string]bool{}
	for _, id := range result.Dead {
		if seen[id] {
			t.Fatalf("%s died twice", id)
		}
		seen[id] = true
	}
}

func TestFarApartPlayersAreNotTested(t *testing.T) {
	a := body("a", -1500, -800, 1, 0)
	b := body("b", 1500, 800, 1, 0)
	result := Detect([]Body{a, b}, DefaultConfig())
	if len(result.Dead) != 0 || result.Stats.PairsConsidered != 0 {
		t.Fatalf("distant players should share no cell, got %+v", result.Stats)
	}
}

func TestNeighbourCellsCatchBoundaryPairs(t *testing.T) {
	a := body("a", 199, 1000, 1, 0)
	b := body("b", 201, 1000, 2, 0)
	result := Detect([]Body{a, b}, DefaultConfig())
	if len(result.Dead) != 1 || result.Dead[0] != "a" {
		t.Fatalf("expected boundary pair to collide, got %v", result.Dead)
	}
	if result.Stats.PairsConsidered != 1 || result.Stats.PairsTested != 1 {
		t.Fatalf("pair should be considered once, got %+v", result.Stats)
	}
}

func TestDetectDoesNotMutateInput(t *testing.T) {
	bodies := []Body{body("z", 700, 0, 1, 0), body("a", 701, 0, 1, time.Second)}
	Detect(bodies, DefaultConfig())
	if bodies[0].ID != "z" || bodies[1].ID != "a" {
		t.Fatalf("input slice was reordered: %+v", bodies)
	}
}

func BenchmarkDetect(b *testing.B) {
	bodies := make([]Body, 0, 500)
	for i := 0; i < 500; i++ {
		bodies = append(bodies, Body{
			ID:     fmt.Sprintf("p%03d", i),
			X:      float64((i*137)%4000) - 2000,
			Y:      float64((i*61)%2000) - 1000,
			Length: 12,
		})
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Detect(bodies, DefaultConfig())
	}
}
