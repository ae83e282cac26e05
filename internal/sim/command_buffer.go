package sim

import "sync"

const (
	metricBufferOccupancy = "sim_command_buffer_occupancy"
	metricBufferOverflow  = "sim_command_buffer_overflow_total"
	metricMovesCoalesced  = "sim_command_moves_coalesced_total"
)

// CommandBuffer stages commands between ticks in a fixed-size ring. A move
// replaces the actor's previously staged move when nothing else from that
// actor was staged after it, so each actor holds at most one position update
// per tick. Safe for concurrent producers and a single consumer.
type CommandBuffer struct {
	mu    sync.Mutex
	ring  []Command
	head  int
	count int
	// last maps an actor to the ring slot of its newest staged command.
	last    map[string]int
	metrics bufferMetrics
}

type bufferMetrics interface {
	Add(string, uint64)
	Store(string, uint64)
}

// NewCommandBuffer returns a buffer holding up to capacity commands.
func NewCommandBuffer(capacity int, metrics bufferMetrics) *CommandBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &CommandBuffer{
		ring:    make([]Command, capacity),
		last:    make(map[string]int),
		metrics: metrics,
	}
}

// Capacity reports the ring size.
func (b *CommandBuffer) Capacity() int {
	if b == nil {
		return 0
	}
	return len(b.ring)
}

// Push stages cmd. It returns false when the ring is full and cmd could not
// be folded into a staged move.
func (b *CommandBuffer) Push(cmd Command) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if cmd.Type == CommandMove && cmd.ActorID != "" {
		if slot, ok := b.last[cmd.ActorID]; ok && b.ring[slot].Type == CommandMove {
			b.ring[slot] = cmd
			b.add(metricMovesCoalesced, 1)
			return true
		}
	}
	if b.count == len(b.ring) {
		b.add(metricBufferOverflow, 1)
		return false
	}
	slot := (b.head + b.count) % len(b.ring)
	b.ring[slot] = cmd
	b.count++
	if cmd.ActorID != "" {
		b.last[cmd.ActorID] = slot
	}
	b.storeOccupancyLocked()
	return true
}

// Drain returns the staged commands in arrival order and empties the buffer.
func (b *CommandBuffer) Drain() []Command {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	out := make([]Command, b.count)
	for i := range out {
		slot := (b.head + i) % len(b.ring)
		out[i] = b.ring[slot]
		b.ring[slot] = Command{}
	}
	b.head = (b.head + b.count) % len(b.ring)
	b.count = 0
	clear(b.last)
	b.storeOccupancyLocked()
	return out
}

// Len reports the number of staged commands.
func (b *CommandBuffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *CommandBuffer) add(key string, delta uint64) {
	if b.metrics != nil {
		b.metrics.Add(key, delta)
	}
}

func (b *CommandBuffer) storeOccupancyLocked() {
	if b.metrics != nil {
		b.metrics.Store(metricBufferOccupancy, uint64(b.count))
	}
}
