// Package sim owns the room. A single goroutine drains staged commands, runs
// collision detection and hands terminal snapshots to settlement; nothing else
// touches the world.
package sim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"stake-arena/server/internal/collision"
	"stake-arena/server/internal/telemetry"
	"stake-arena/server/internal/world"
	"stake-arena/server/logging"
	loggingsettlement "stake-arena/server/logging/settlement"
	loggingsimulation "stake-arena/server/logging/simulation"
)

const (
	// CommandRejectQueueLimit indicates a command was dropped due to per-actor
	// queue throttling.
	CommandRejectQueueLimit = "queue_limit"
	// CommandRejectQueueFull indicates the global command buffer is saturated.
	CommandRejectQueueFull = "queue_full"

	DefaultTickRate           = 30
	DefaultDetectEvery        = 2
	DefaultCheckpointInterval = 30 * time.Second
	DefaultStatsEvery         = 300
	DefaultCommandCapacity    = 4096
	DefaultPerActorLimit      = 16

	checkpointTimeout = 10 * time.Second

	metricTicks        = "sim_ticks_total"
	metricEliminations = "sim_collision_eliminations_total"
	metricCheckpoints  = "sim_checkpoints_written_total"
	metricDispatched   = "sim_settlements_dispatched_total"
)

// ErrLoopStopped is returned by Inspect once the loop has exited.
var ErrLoopStopped = errors.New("sim: loop stopped")

// LoopConfig tunes the command buffer and tick loop orchestration.
type LoopConfig struct {
	TickRate        int
	CommandCapacity int
	PerActorLimit   int
	WarningStep     int
	// DetectEvery runs collision detection on every Nth tick.
	DetectEvery        int
	CheckpointInterval time.Duration
	// StatsEvery publishes collision stats every N ticks.
	StatsEvery uint64
	Collision  collision.Config
}

// DefaultLoopConfig returns the production loop settings.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		TickRate:           DefaultTickRate,
		CommandCapacity:    DefaultCommandCapacity,
		PerActorLimit:      DefaultPerActorLimit,
		WarningStep:        DefaultCommandCapacity / 4,
		DetectEvery:        DefaultDetectEvery,
		CheckpointInterval: DefaultCheckpointInterval,
		StatsEvery:         DefaultStatsEvery,
		Collision:          collision.DefaultConfig(),
	}
}

// LoopHooks lets the transport observe the loop.
type LoopHooks struct {
	AfterStep      func(StepResult)
	OnCommandDrop  func(reason string, cmd Command)
	OnQueueWarning func(length int)
}

type inspection struct {
	fn   func(*world.World)
	done chan struct{}
}

type collisionTotals struct {
	passes  uint64
	pairs   uint64
	hits    uint64
	elapsed time.Duration
	players int
	cells   int
}

// Loop coordinates command ingestion and the fixed-timestep simulation runner.
type Loop struct {
	world        *world.World
	settler      Settler
	checkpointer Checkpointer
	buffer       *CommandBuffer
	hooks        LoopHooks
	config       LoopConfig
	logger       telemetry.Logger
	metrics      telemetry.Metrics
	publisher    logging.Publisher
	clock        logging.Clock

	queueMu       sync.Mutex
	control       []Command // membership commands that did not fit the ring
	perActorCount map[string]int
	dropCounts    map[string]uint64

	inspections chan inspection
	stopped     chan struct{}
	stopOnce    sync.Once

	tick           uint64
	publishedTick  atomic.Uint64 // tick as seen from Enqueue callers
	lastCheckpoint time.Time
	overrunStreak  uint64
	totals         collisionTotals

	background sync.WaitGroup
}

// NewLoop wraps the room with a ring-buffer queue and loop. checkpointer may
// be nil, in which case checkpoints are skipped.
func NewLoop(w *world.World, settler Settler, checkpointer Checkpointer, cfg LoopConfig, deps Deps, hooks LoopHooks) *Loop {
	if w == nil || settler == nil {
		return nil
	}
	defaults := DefaultLoopConfig()
	if cfg.TickRate <= 0 {
		cfg.TickRate = defaults.TickRate
	}
	if cfg.CommandCapacity <= 0 {
		cfg.CommandCapacity = defaults.CommandCapacity
	}
	if cfg.DetectEvery <= 0 {
		cfg.DetectEvery = defaults.DetectEvery
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = defaults.CheckpointInterval
	}
	if cfg.StatsEvery == 0 {
		cfg.StatsEvery = defaults.StatsEvery
	}
	clock := deps.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	return &Loop{
		world:         w,
		settler:       settler,
		checkpointer:  checkpointer,
		buffer:        NewCommandBuffer(cfg.CommandCapacity, deps.Metrics),
		hooks:         hooks,
		config:        cfg,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
		publisher:     publisher,
		clock:         clock,
		perActorCount: make(map[string]int),
		dropCounts:    make(map[string]uint64),
		inspections:   make(chan inspection),
		stopped:       make(chan struct{}),
	}
}

// Pending reports the number of staged commands.
func (l *Loop) Pending() int {
	if l == nil {
		return 0
	}
	l.queueMu.Lock()
	control := len(l.control)
	l.queueMu.Unlock()
	return l.buffer.Len() + control
}

// Enqueue stages a command, enforcing per-actor throttling and capacity
// limits. Membership commands bypass both and spill into an overflow list when
// the ring is full.
func (l *Loop) Enqueue(cmd Command) (bool, string) {
	if l == nil {
		return false, CommandRejectQueueFull
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = l.clock.Now()
	}
	if cmd.Type.control() {
		l.queueMu.Lock()
		if !l.buffer.Push(cmd) {
			l.control = append(l.control, cmd)
		}
		l.queueMu.Unlock()
		return true, ""
	}
	reason := ""
	var dropCount uint64
	l.queueMu.Lock()
	// Moves fold into one staged slot per actor and are not counted.
	if l.config.PerActorLimit > 0 && cmd.ActorID != "" && cmd.Type != CommandMove {
		count := l.perActorCount[cmd.ActorID]
		if count >= l.config.PerActorLimit {
			reason = CommandRejectQueueLimit
			dropCount = l.incrementDropLocked(cmd.ActorID)
		} else {
			l.perActorCount[cmd.ActorID] = count + 1
		}
	}
	if reason == "" {
		if !l.buffer.Push(cmd) {
			reason = CommandRejectQueueFull
			dropCount = l.incrementDropLocked(cmd.ActorID)
		} else if l.config.WarningStep > 0 {
			length := l.buffer.Len()
			if length >= l.config.WarningStep && length%l.config.WarningStep == 0 {
				l.queueMu.Unlock()
				l.warnQueue(length)
				return true, ""
			}
		}
	}
	l.queueMu.Unlock()
	if reason != "" {
		l.reportDrop(reason, cmd, dropCount)
		return false, reason
	}
	return true, ""
}

// Inspect runs fn against the room on the loop goroutine between ticks. It is
// the only safe way for other goroutines to read the room.
func (l *Loop) Inspect(ctx context.Context, fn func(*world.World)) error {
	req := inspection{fn: fn, done: make(chan struct{})}
	select {
	case l.inspections <- req:
	case <-l.stopped:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Advance executes a single simulation step using the staged commands.
func (l *Loop) Advance(ctx context.Context, now time.Time) StepResult {
	if l == nil {
		return StepResult{}
	}
	l.tick++
	l.publishedTick.Store(l.tick)
	l.world.SetTick(l.tick)
	result := StepResult{Tick: l.tick, Now: now}

	commands := l.drainCommands()
	result.Commands = commands
	for _, cmd := range commands {
		result.Events = l.apply(ctx, cmd, result.Events)
	}

	if l.tick%uint64(l.config.DetectEvery) == 0 {
		result.Detected = true
		result.Events = l.detect(ctx, result.Events)
	}
	if l.tick%l.config.StatsEvery == 0 {
		l.reportCollisionStats(ctx)
	}

	result.Events = l.collectCompletions(result.Events)

	if l.lastCheckpoint.IsZero() {
		l.lastCheckpoint = now
	} else if now.Sub(l.lastCheckpoint) >= l.config.CheckpointInterval {
		l.lastCheckpoint = now
		l.persist(l.world.Checkpoints()...)
	}

	result.Frame = Frame{
		Tick:          l.tick,
		Players:       l.world.Players(),
		Leaderboard:   l.world.Leaderboard(l.world.Config().LeaderboardLimit),
		PlayerCount:   l.world.PlayerCount(),
		ParticleCount: l.world.ParticleCount(),
		Changes:       l.world.DrainChanges(),
	}
	l.add(metricTicks, 1)
	return result
}

// Run drives the fixed-timestep loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	if l == nil {
		return
	}
	defer l.stopOnce.Do(func() { close(l.stopped) })

	budget := time.Second / time.Duration(l.config.TickRate)
	ticker := time.NewTicker(budget)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-l.inspections:
			req.fn(l.world)
			close(req.done)
		case <-ticker.C:
			start := l.clock.Now()
			result := l.Advance(ctx, start)
			result.Duration = l.clock.Now().Sub(start)
			result.Budget = budget
			l.checkBudget(ctx, result)

			if l.hooks.AfterStep != nil {
				l.hooks.AfterStep(result)
			}
		}
	}
}

// Wait blocks until background checkpoint writes finish or ctx expires.
func (l *Loop) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) checkBudget(ctx context.Context, result StepResult) {
	if result.Budget <= 0 || result.Duration <= result.Budget {
		l.overrunStreak = 0
		return
	}
	l.overrunStreak++
	loggingsimulation.TickBudgetOverrun(ctx, l.publisher, result.Tick, loggingsimulation.TickBudgetOverrunPayload{
		DurationMillis: result.Duration.Milliseconds(),
		BudgetMillis:   result.Budget.Milliseconds(),
		Ratio:          float64(result.Duration) / float64(result.Budget),
		Streak:         l.overrunStreak,
	}, nil)
}

// persist writes checkpoints off the loop goroutine.
func (l *Loop) persist(checkpoints ...world.Checkpoint) {
	if l.checkpointer == nil || len(checkpoints) == 0 {
		return
	}
	l.background.Add(1)
	go func() {
		defer l.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
		defer cancel()
		for _, cp := range checkpoints {
			if err := l.checkpointer.Checkpoint(ctx, cp); err != nil {
				if l.logger != nil {
					l.logger.Printf("[checkpoint] %s game %d: %v", cp.Account, cp.GameID, err)
				}
				continue
			}
			l.add(metricCheckpoints, 1)
		}
	}()
}

func (l *Loop) dispatch(ctx context.Context, snap world.TerminalSnapshot) {
	if l.settler.Dispatch(snap) {
		l.add(metricDispatched, 1)
		return
	}
	loggingsettlement.Abandoned(ctx, l.publisher, logging.SessionRef(snap.Account), loggingsettlement.FailurePayload{
		GameID: snapshotGameID(snap),
		Stage:  "dispatch",
		Error:  "settlement dispatcher closed",
	}, nil)
}

func (l *Loop) collectCompletions(events []Event) []Event {
	completions := l.settler.Completions()
	for {
		select {
		case completion := <-completions:
			events = append(events, Event{Kind: EventSettlement, Conn: completion.Conn, Completion: &completion})
		default:
			return events
		}
	}
}

func (l *Loop) drainCommands() []Command {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	commands := l.buffer.Drain()
	if len(l.control) > 0 {
		// Overflowed membership commands arrived after everything in the ring.
		commands = append(commands, l.control...)
		l.control = nil
	}
	if len(l.perActorCount) > 0 {
		l.perActorCount = make(map[string]int)
	}
	return commands
}

func (l *Loop) incrementDropLocked(actorID string) uint64 {
	if actorID == "" {
		return 0
	}
	count := l.dropCounts[actorID] + 1
	l.dropCounts[actorID] = count
	return count
}

func (l *Loop) warnQueue(length int) {
	if l.hooks.OnQueueWarning != nil {
		l.hooks.OnQueueWarning(length)
	}
}

func (l *Loop) reportDrop(reason string, cmd Command, count uint64) {
	if l.hooks.OnCommandDrop != nil {
		l.hooks.OnCommandDrop(reason, cmd)
	}
	if count > 0 && count&(count-1) == 0 {
		loggingsimulation.CommandDropped(context.Background(), l.publisher, l.publishedTick.Load(), logging.PlayerRef(cmd.ActorID), loggingsimulation.CommandDroppedPayload{
			Reason: reason,
			Kind:   string(cmd.Type),
		})
		if l.logger != nil {
			l.logger.Printf(
				"[backpressure] dropping command actor=%s type=%s count=%d limit=%d",
				cmd.ActorID,
				cmd.Type,
				count,
				l.config.PerActorLimit,
			)
		}
	}
}

func (l *Loop) add(key string, delta uint64) {
	if l.metrics != nil {
		l.metrics.Add(key, delta)
	}
}
