// Package settlement reconciles terminal in-world outcomes with the ledger and
// the session store. The ledger owns settlement status; the store owns session
// metadata and follows the ledger.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stake-arena/server/internal/ledger"
	"stake-arena/server/internal/session"
	"stake-arena/server/internal/telemetry"
	"stake-arena/server/internal/tokens"
	"stake-arena/server/internal/world"
	"stake-arena/server/logging"
	loggingsettlement "stake-arena/server/logging/settlement"
)

const (
	// DefaultEntryFee is the value a voluntary exit must carry to be claimable.
	DefaultEntryFee = 1.0

	valueTolerance = 1e-9

	metricSettled  = "settlement_settled_total"
	metricReplayed = "settlement_replayed_total"
	metricFailed   = "settlement_attempt_failed_total"

	tracerName = "stake-arena/server/internal/settlement"
)

// Stage names the step of a settlement that failed.
type Stage string

const (
	StageValue  Stage = "value"
	StageStore  Stage = "store"
	StageLedger Stage = "ledger"
)

// ErrUnsettleable marks failures that retrying cannot fix.
var ErrUnsettleable = errors.New("settlement: cannot settle")

// StageError reports the failing step of a settlement.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("settlement %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Valuer prices a set of balances in native value.
type Valuer interface {
	Value(ctx context.Context, balances tokens.Balances) (float64, error)
}

// Result is the outcome of one Settle call.
type Result struct {
	Accepted  bool
	Outcome   session.Status
	Value     float64
	LedgerRef string
	// Replayed is set when an earlier attempt had already completed the work.
	Replayed bool
	Attempt  int
}

// Config tunes settlement.
type Config struct {
	EntryFee float64
}

// Deps bundles the collaborators of a Settler.
type Deps struct {
	Ledger    ledger.Client
	Store     session.Store
	Valuer    Valuer
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
}

type attempt struct {
	count      int
	decided    bool
	outcome    session.Status
	value      float64
	tokens     []string
	amounts    []*big.Int
	ledgerDone bool
	ledgerRef  string
}

// Settler turns terminal snapshots into ledger and store updates. Attempt
// state is kept per snapshot until the settlement completes so retries never
// repeat a ledger update that already landed.
type Settler struct {
	cfg       Config
	ledger    ledger.Client
	store     session.Store
	valuer    Valuer
	publisher logging.Publisher
	metrics   telemetry.Metrics
	tracer    trace.Tracer

	mu       sync.Mutex
	attempts map[string]*attempt
}

// NewSettler validates deps and returns a Settler.
func NewSettler(cfg Config, deps Deps) (*Settler, error) {
	if deps.Ledger == nil || deps.Store == nil || deps.Valuer == nil {
		return nil, errors.New("settlement: ledger, store and valuer are required")
	}
	if cfg.EntryFee <= 0 {
		cfg.EntryFee = DefaultEntryFee
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	return &Settler{
		cfg:       cfg,
		ledger:    deps.Ledger,
		store:     deps.Store,
		valuer:    deps.Valuer,
		publisher: publisher,
		metrics:   deps.Metrics,
		tracer:    otel.Tracer(tracerName),
		attempts:  make(map[string]*attempt),
	}, nil
}

// Pending reports how many snapshots have unfinished settlement state.
func (s *Settler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

// Settle settles snap. A nil error means Accepted is true. The world is never
// rolled back on failure; callers retry with the same snapshot.
func (s *Settler) Settle(ctx context.Context, snap world.TerminalSnapshot) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "settlement.Settle", trace.WithAttributes(
		attribute.String("account", snap.Account),
		attribute.Int64("game_id", snap.GameID),
		attribute.String("kind", string(snap.Kind)),
	))
	defer span.End()

	result, err := s.settle(ctx, snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.add(metricFailed)
		return result, err
	}
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)), attribute.Bool("replayed", result.Replayed))
	if result.Replayed {
		s.add(metricReplayed)
	} else {
		s.add(metricSettled)
	}
	loggingsettlement.Settled(ctx, s.publisher, logging.SessionRef(snap.Account), loggingsettlement.SettledPayload{
		GameID:    fmt.Sprint(snap.GameID),
		Outcome:   string(result.Outcome),
		Value:     result.Value,
		LedgerRef: result.LedgerRef,
		Attempts:  result.Attempt,
		Replayed:  result.Replayed,
	}, nil)
	return result, nil
}

func (s *Settler) settle(ctx context.Context, snap world.TerminalSnapshot) (Result, error) {
	key := snap.Key()
	s.mu.Lock()
	att, ok := s.attempts[key]
	if !ok {
		att = &attempt{}
		s.attempts[key] = att
	}
	att.count++
	s.mu.Unlock()

	result := Result{Attempt: att.count}

	if !att.decided {
		if err := s.decide(ctx, snap, att); err != nil {
			return result, &StageError{Stage: StageValue, Err: err}
		}
	}
	result.Outcome = att.outcome
	result.Value = att.value

	record, err := s.store.Get(ctx, snap.Account, snap.GameID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.forget(key)
			err = fmt.Errorf("%w: no session %s/%d", ErrUnsettleable, snap.Account, snap.GameID)
		}
		return result, &StageError{Stage: StageStore, Err: err}
	}
	// The store only turns terminal after the ledger did, so a terminal record
	// means an earlier attempt or the reconciler finished the job.
	if record.Status.Terminal() {
		s.forget(key)
		result.Accepted = true
		result.Replayed = true
		result.Outcome = record.Status
		result.LedgerRef = record.SettlementRef
		return result, nil
	}
	if record.Status != session.StatusActive {
		s.forget(key)
		return result, &StageError{Stage: StageStore, Err: fmt.Errorf("%w: session %s/%d is %s", ErrUnsettleable, snap.Account, snap.GameID, record.Status)}
	}

	if !att.ledgerDone {
		if err := s.updateLedger(ctx, snap, att); err != nil {
			return result, &StageError{Stage: StageLedger, Err: err}
		}
	}
	result.Outcome = att.outcome
	result.LedgerRef = att.ledgerRef

	transition := session.Transition{
		To:            att.outcome,
		SettlementRef: att.ledgerRef,
		Final: &session.Final{
			Score:           snap.Score,
			Length:          snap.Length,
			SurvivalSeconds: snap.SurvivalTime().Seconds(),
		},
	}
	if att.outcome == session.StatusExited {
		transition.RewardTokens = append([]string(nil), att.tokens...)
		for _, amount := range att.amounts {
			transition.RewardAmounts = append(transition.RewardAmounts, amount.String())
		}
	}
	if err := s.store.Transition(ctx, snap.Account, snap.GameID, session.StatusActive, transition); err != nil {
		var conflict *session.ConflictError
		if !errors.As(err, &conflict) || !conflict.Actual.Terminal() {
			return result, &StageError{Stage: StageStore, Err: err}
		}
		result.Outcome = conflict.Actual
		result.Replayed = true
	}
	s.forget(key)
	result.Accepted = true
	return result, nil
}

// decide fixes the outcome and reward of a snapshot once. Eliminated players
// already returned their value to the world and always settle DEAD.
func (s *Settler) decide(ctx context.Context, snap world.TerminalSnapshot, att *attempt) error {
	if snap.Forfeited() {
		att.outcome = session.StatusDead
		att.decided = true
		return nil
	}
	value, err := s.valuer.Value(ctx, snap.Collected)
	if err != nil {
		return err
	}
	att.value = value
	att.outcome = session.StatusDead
	if value+valueTolerance >= s.cfg.EntryFee {
		att.outcome = session.StatusExited
		for _, entry := range snap.Collected.Entries() {
			amount := ledger.ToBaseUnits(entry.Amount)
			if amount.Sign() <= 0 {
				continue
			}
			att.tokens = append(att.tokens, entry.Token)
			att.amounts = append(att.amounts, amount)
		}
	}
	att.decided = true
	return nil
}

// updateLedger issues the single status update unless the ledger shows it
// already landed, in which case the ledger's status wins.
func (s *Settler) updateLedger(ctx context.Context, snap world.TerminalSnapshot, att *attempt) error {
	status, err := s.ledger.Status(ctx, snap.Account)
	if err != nil {
		return fmt.Errorf("read ledger status: %w", err)
	}
	switch status {
	case ledger.StatusActive:
		code := ledger.StatusDead
		var (
			rewardTokens  []string
			rewardAmounts []*big.Int
		)
		if att.outcome == session.StatusExited {
			code = ledger.StatusExited
			rewardTokens, rewardAmounts = att.tokens, att.amounts
		}
		ref, err := s.ledger.UpdateStatus(ctx, snap.Account, code, rewardTokens, rewardAmounts)
		if err != nil {
			return fmt.Errorf("update ledger status: %w", err)
		}
		att.ledgerRef = ref
	case ledger.StatusExited, ledger.StatusDead, ledger.StatusClaimed:
		att.outcome = storeStatus(status)
		if att.ledgerRef == "" {
			att.ledgerRef = "ledger:" + status.String()
		}
	default:
		return fmt.Errorf("%w: ledger status %s for %s", ErrUnsettleable, status, snap.Account)
	}
	att.ledgerDone = true
	return nil
}

func (s *Settler) forget(key string) {
	s.mu.Lock()
	delete(s.attempts, key)
	s.mu.Unlock()
}

func (s *Settler) add(key string) {
	if s.metrics != nil {
		s.metrics.Add(key, 1)
	}
}

// storeStatus maps a ledger status onto the session status it implies.
func storeStatus(status ledger.Status) session.Status {
	switch status {
	case ledger.StatusActive:
		return session.StatusActive
	case ledger.StatusExited:
		return session.StatusExited
	case ledger.StatusDead:
		return session.StatusDead
	case ledger.StatusClaimed:
		return session.StatusClaimed
	default:
		return ""
	}
}
