package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"stake-arena/server/internal/telemetry"
	"stake-arena/server/internal/world"
	"stake-arena/server/logging"
	loggingsettlement "stake-arena/server/logging/settlement"
)

// CompletionStatus is the state reported to the owning connection.
type CompletionStatus string

const (
	// CompletionPending is delivered once, after the first failed attempt.
	CompletionPending CompletionStatus = "pending"
	// CompletionSettled is delivered when the settlement was accepted.
	CompletionSettled CompletionStatus = "settled"
	// CompletionFailed is delivered when retries were exhausted.
	CompletionFailed CompletionStatus = "failed"
)

// Completion is a settlement notification keyed by the connection the
// snapshot came from. The connection may be gone by the time it arrives.
type Completion struct {
	Conn     string
	Status   CompletionStatus
	Snapshot world.TerminalSnapshot
	Result   Result
	Err      error
}

// Settle is the settlement operation a Dispatcher retries.
type Settle interface {
	Settle(ctx context.Context, snap world.TerminalSnapshot) (Result, error)
}

// DispatcherConfig tunes retries.
type DispatcherConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	MaxTries        uint
	Buffer          int
}

// DefaultDispatcherConfig returns the production retry policy.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsed:      10 * time.Minute,
		MaxTries:        20,
		Buffer:          256,
	}
}

type sessionKey struct {
	account string
	gameID  int64
}

// outstanding is a settlement that has not been accepted yet. An abandoned one
// ran out of retries and waits for Unsettled to start it again.
type outstanding struct {
	snap      world.TerminalSnapshot
	abandoned bool
}

// Dispatcher runs each settlement in its own goroutine with exponential
// backoff. Settlements run on a context owned by the dispatcher, detached from
// the connection that triggered them.
type Dispatcher struct {
	settle    Settle
	cfg       DispatcherConfig
	logger    telemetry.Logger
	publisher logging.Publisher

	completions chan Completion

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	outstanding map[sessionKey]*outstanding
}

// NewDispatcher builds a Dispatcher over settle.
func NewDispatcher(settle Settle, cfg DispatcherConfig, logger telemetry.Logger, publisher logging.Publisher) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaults.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaults.MaxInterval
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = defaults.MaxElapsed
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = defaults.MaxTries
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaults.Buffer
	}
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		settle:      settle,
		cfg:         cfg,
		logger:      logger,
		publisher:   publisher,
		completions: make(chan Completion, cfg.Buffer),
		ctx:         ctx,
		cancel:      cancel,
		outstanding: make(map[sessionKey]*outstanding),
	}
}

// Completions is the channel settlement notifications arrive on.
func (d *Dispatcher) Completions() <-chan Completion {
	return d.completions
}

// Dispatch starts settling snap in the background. It never blocks. A session
// already being settled is not settled twice.
func (d *Dispatcher) Dispatch(snap world.TerminalSnapshot) bool {
	key := sessionKey{account: snap.Account, gameID: snap.GameID}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	if entry, ok := d.outstanding[key]; ok && !entry.abandoned {
		d.mu.Unlock()
		return true
	}
	d.outstanding[key] = &outstanding{snap: snap}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.run(snap)
	}()
	return true
}

// Unsettled reports whether the session still has a settlement that was not
// accepted. An abandoned settlement is started again.
func (d *Dispatcher) Unsettled(account string, gameID int64) bool {
	key := sessionKey{account: account, gameID: gameID}
	d.mu.Lock()
	entry, ok := d.outstanding[key]
	if !ok {
		d.mu.Unlock()
		return false
	}
	if !entry.abandoned || d.closed {
		d.mu.Unlock()
		return true
	}
	entry.abandoned = false
	snap := entry.snap
	d.wg.Add(1)
	d.mu.Unlock()

	if d.logger != nil {
		d.logger.Printf("restarting abandoned settlement for %s game %d", account, gameID)
	}
	loggingsettlement.Restarted(context.Background(), d.publisher, logging.SessionRef(account), loggingsettlement.FailurePayload{
		GameID: fmt.Sprint(gameID),
		Stage:  "lookup",
	}, nil)
	go func() {
		defer d.wg.Done()
		d.run(snap)
	}()
	return true
}

// Outstanding counts settlements not yet accepted, abandoned ones included.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.outstanding)
}

func (d *Dispatcher) finish(snap world.TerminalSnapshot, err error) {
	key := sessionKey{account: snap.Account, gameID: snap.GameID}
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.outstanding[key]
	if !ok {
		return
	}
	if err == nil || errors.Is(err, ErrUnsettleable) {
		delete(d.outstanding, key)
		return
	}
	entry.abandoned = true
}

func (d *Dispatcher) run(snap world.TerminalSnapshot) {
	actor := logging.SessionRef(snap.Account)
	gameID := fmt.Sprint(snap.GameID)
	attempt := 0
	notifiedPending := false

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.cfg.InitialInterval
	policy.MaxInterval = d.cfg.MaxInterval

	operation := func() (Result, error) {
		attempt++
		result, err := d.settle.Settle(d.ctx, snap)
		if err == nil {
			return result, nil
		}
		stage := ""
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			stage = string(stageErr.Stage)
		}
		loggingsettlement.AttemptFailed(d.ctx, d.publisher, actor, loggingsettlement.FailurePayload{
			GameID: gameID, Stage: stage, Error: err.Error(), Attempt: attempt,
		}, nil)
		if !notifiedPending {
			notifiedPending = true
			d.deliver(Completion{Conn: snap.Conn, Status: CompletionPending, Snapshot: snap, Result: result, Err: err})
		}
		if errors.Is(err, ErrUnsettleable) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	result, err := backoff.Retry(d.ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(d.cfg.MaxTries),
		backoff.WithMaxElapsedTime(d.cfg.MaxElapsed),
	)
	d.finish(snap, err)
	if err != nil {
		if d.logger != nil {
			d.logger.Printf("giving up on %s game %d after %d attempts: %v", snap.Account, snap.GameID, attempt, err)
		}
		loggingsettlement.Abandoned(context.Background(), d.publisher, actor, loggingsettlement.FailurePayload{
			GameID: gameID, Error: err.Error(), Attempt: attempt,
		}, nil)
		d.deliver(Completion{Conn: snap.Conn, Status: CompletionFailed, Snapshot: snap, Result: result, Err: err})
		return
	}
	d.deliver(Completion{Conn: snap.Conn, Status: CompletionSettled, Snapshot: snap, Result: result})
}

func (d *Dispatcher) deliver(completion Completion) {
	select {
	case d.completions <- completion:
	case <-d.ctx.Done():
	}
}

// Close stops accepting settlements and waits for in-flight ones until ctx
// expires, after which their retries are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
