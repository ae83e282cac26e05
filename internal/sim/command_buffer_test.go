package sim

import "testing"

type countingMetrics map[string]uint64

func (m countingMetrics) Add(key string, delta uint64)   { m[key] += delta }
func (m countingMetrics) Store(key string, value uint64) { m[key] = value }

func consumeCmd(actor, particle string) Command {
	return Command{ActorID: actor, Type: CommandConsume, Consume: &ConsumeCommand{ParticleID: particle}}
}

func moveCmd(actor string, x float64) Command {
	return Command{ActorID: actor, Type: CommandMove, Move: &MoveCommand{X: x}}
}

func TestCommandBufferKeepsArrivalOrderAcrossWraparound(t *testing.T) {
	buffer := NewCommandBuffer(3, nil)
	for _, id := range []string{"p1", "p2", "p3"} {
		if !buffer.Push(consumeCmd("a", id)) {
			t.Fatalf("expected push of %s to succeed", id)
		}
	}
	if buffer.Push(consumeCmd("b", "p4")) {
		t.Fatalf("expected push to fail when the ring is full")
	}
	if drained := buffer.Drain(); len(drained) != 3 || drained[2].Consume.ParticleID != "p3" {
		t.Fatalf("unexpected drain %+v", drained)
	}

	buffer.Push(consumeCmd("a", "p5"))
	buffer.Push(consumeCmd("b", "p6"))
	wrapped := buffer.Drain()
	if len(wrapped) != 2 || wrapped[0].Consume.ParticleID != "p5" || wrapped[1].Consume.ParticleID != "p6" {
		t.Fatalf("unexpected order after wraparound: %+v", wrapped)
	}
	if buffer.Drain() != nil {
		t.Fatalf("expected an empty buffer to drain to nil")
	}
}

func TestCommandBufferCoalescesMoves(t *testing.T) {
	metrics := countingMetrics{}
	buffer := NewCommandBuffer(4, metrics)
	buffer.Push(moveCmd("a", 1))
	buffer.Push(moveCmd("b", 1))
	buffer.Push(moveCmd("a", 2))
	buffer.Push(moveCmd("a", 3))

	drained := buffer.Drain()
	if len(drained) != 2 {
		t.Fatalf("expected one move per actor, got %+v", drained)
	}
	if drained[0].ActorID != "a" || drained[0].Move.X != 3 {
		t.Fatalf("expected latest move of a in its original slot, got %+v", drained[0])
	}
	if metrics[metricMovesCoalesced] != 2 {
		t.Fatalf("expected two coalesced moves, got %d", metrics[metricMovesCoalesced])
	}
	if metrics[metricBufferOccupancy] != 0 {
		t.Fatalf("expected occupancy reset after drain, got %d", metrics[metricBufferOccupancy])
	}
}

func TestCommandBufferDoesNotReorderMovesPastOtherCommands(t *testing.T) {
	buffer := NewCommandBuffer(4, nil)
	buffer.Push(moveCmd("a", 1))
	buffer.Push(consumeCmd("a", "p1"))
	buffer.Push(moveCmd("a", 2))

	drained := buffer.Drain()
	if len(drained) != 3 {
		t.Fatalf("expected the move after a consume to be staged separately, got %+v", drained)
	}
	if drained[0].Move.X != 1 || drained[2].Move.X != 2 {
		t.Fatalf("unexpected move order %+v", drained)
	}
}

func TestCommandBufferFullRingStillCoalesces(t *testing.T) {
	metrics := countingMetrics{}
	buffer := NewCommandBuffer(1, metrics)
	buffer.Push(moveCmd("a", 1))
	if !buffer.Push(moveCmd("a", 2)) {
		t.Fatalf("expected a move to fold into the staged one on a full ring")
	}
	if buffer.Push(moveCmd("b", 1)) {
		t.Fatalf("expected a new actor to overflow")
	}
	if metrics[metricBufferOverflow] != 1 {
		t.Fatalf("expected one overflow, got %d", metrics[metricBufferOverflow])
	}
}
