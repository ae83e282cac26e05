package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stake-arena/server/internal/ledger"
	"stake-arena/server/internal/session"
	"stake-arena/server/internal/tokens"
	"stake-arena/server/internal/world"
	"stake-arena/server/logging"
	loggingsettlement "stake-arena/server/logging/settlement"
)

var (
	// ErrNotAdmitted is returned when an account has nothing to join with.
	ErrNotAdmitted = errors.New("settlement: no pending or resumable session")
	// ErrPlayerMismatch is returned when an entry event belongs to another account.
	ErrPlayerMismatch = errors.New("settlement: player address mismatch")
	// ErrSessionExpired is returned when the ledger no longer considers the session active.
	ErrSessionExpired = errors.New("settlement: session expired on ledger")
	// ErrSettlementPending is returned while the ACTIVE session still has a
	// terminal snapshot waiting to be settled.
	ErrSettlementPending = fmt.Errorf("%w: settlement pending", ErrNotAdmitted)
)

// SettlementTracker knows which sessions have a settlement that has not been
// accepted yet.
type SettlementTracker interface {
	Unsettled(account string, gameID int64) bool
}

// ReconcilerOption customises a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithSettlements makes the reconciler refuse to resume sessions whose player
// already left the world and is still being settled.
func WithSettlements(tracker SettlementTracker) ReconcilerOption {
	return func(r *Reconciler) {
		r.settlements = tracker
	}
}

// Admission is what a joining account brings into the world.
type Admission struct {
	Session session.Session
	// Stake is the net entry to distribute. Empty for a resumed session.
	Stake  tokens.Balances
	Resume *world.Resume
}

// PendingClaim is an exited session whose reward has not been claimed yet.
type PendingClaim struct {
	Session session.Session
	Reward  ledger.Reward
}

// Reconciler serves the read path over the ledger and the store, correcting
// the store whenever the ledger is further ahead.
type Reconciler struct {
	ledger      ledger.Client
	store       session.Store
	publisher   logging.Publisher
	settlements SettlementTracker
	tracer      trace.Tracer
	now         func() time.Time
}

// NewReconciler returns a Reconciler. publisher may be nil.
func NewReconciler(client ledger.Client, store session.Store, publisher logging.Publisher, opts ...ReconcilerOption) *Reconciler {
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	r := &Reconciler{
		ledger:    client,
		store:     store,
		publisher: publisher,
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enter records a PENDING session for a confirmed entry transaction.
func (r *Reconciler) Enter(ctx context.Context, name, account, txHash string) (session.Session, error) {
	ctx, span := r.tracer.Start(ctx, "settlement.Enter", trace.WithAttributes(attribute.String("tx", txHash)))
	defer span.End()

	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(txHash) == "" {
		return session.Session{}, fmt.Errorf("%w: name, account and txHash are required", world.ErrInvalidInput)
	}
	account, err := tokens.NormalizeAddress(account)
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: %v", world.ErrInvalidInput, err)
	}
	receipt, err := r.ledger.Receipt(ctx, txHash)
	if err != nil {
		return session.Session{}, fmt.Errorf("read receipt: %w", err)
	}
	event, err := r.ledger.ParseEntryEvent(receipt)
	if err != nil {
		return session.Session{}, fmt.Errorf("parse entry: %w", err)
	}
	if !strings.EqualFold(event.Player, account) {
		return session.Session{}, ErrPlayerMismatch
	}
	token, err := tokens.NormalizeAddress(event.Token)
	if err != nil {
		return session.Session{}, fmt.Errorf("entry token: %w", err)
	}

	record := session.Session{
		ID:          uuid.NewString(),
		GameID:      event.GameID,
		Account:     account,
		PlayerName:  name,
		EntryToken:  token,
		EntryAmount: event.Amount.String(),
		EntryTxHash: strings.ToLower(receipt.TxHash),
		Status:      session.StatusPending,
		CreatedAt:   r.now().UTC(),
	}
	if err := r.store.Create(ctx, record); err != nil {
		return session.Session{}, fmt.Errorf("create session: %w", err)
	}
	return record, nil
}

// NetStake returns the distributable stake of a session: its entry amount net
// of the ledger fee, in whole tokens.
func (r *Reconciler) NetStake(ctx context.Context, record session.Session) (tokens.Balances, error) {
	gross, ok := new(big.Int).SetString(record.EntryAmount, 10)
	if !ok {
		return tokens.Balances{}, fmt.Errorf("session %s/%d: invalid entry amount %q", record.Account, record.GameID, record.EntryAmount)
	}
	net, err := r.ledger.NetOfFee(ctx, gross)
	if err != nil {
		return tokens.Balances{}, fmt.Errorf("net of fee: %w", err)
	}
	return tokens.Single(record.EntryToken, ledger.FromBaseUnits(net)), nil
}

// Admit activates the newest PENDING session of account or, failing that,
// resumes its ACTIVE session when the ledger still agrees.
func (r *Reconciler) Admit(ctx context.Context, account string) (Admission, error) {
	account, err := tokens.NormalizeAddress(account)
	if err != nil {
		return Admission{}, fmt.Errorf("%w: %v", world.ErrInvalidInput, err)
	}
	ctx, span := r.tracer.Start(ctx, "settlement.Admit", trace.WithAttributes(attribute.String("account", account)))
	defer span.End()

	pending, err := r.store.Find(ctx, account, session.StatusPending)
	switch {
	case err == nil:
		stake, err := r.NetStake(ctx, pending)
		if err != nil {
			return Admission{}, err
		}
		if err := r.store.Transition(ctx, account, pending.GameID, session.StatusPending, session.Transition{To: session.StatusActive}); err != nil {
			return Admission{}, fmt.Errorf("activate session: %w", err)
		}
		pending.Status = session.StatusActive
		return Admission{Session: pending, Stake: stake}, nil
	case !errors.Is(err, session.ErrNotFound):
		return Admission{}, fmt.Errorf("find pending session: %w", err)
	}

	active, err := r.resumable(ctx, account)
	if err != nil {
		return Admission{}, err
	}
	admission := Admission{Session: active}
	if snap := active.LastSnapshot; snap != nil {
		admission.Resume = &world.Resume{X: snap.Position.X, Y: snap.Position.Y, Length: snap.Length}
	}
	return admission, nil
}

// ActiveSession returns the resumable ACTIVE session of account. When the
// ledger has moved on, the store is corrected and no session is returned.
func (r *Reconciler) ActiveSession(ctx context.Context, account string) (session.Session, bool, error) {
	account, err := tokens.NormalizeAddress(account)
	if err != nil {
		return session.Session{}, false, fmt.Errorf("%w: %v", world.ErrInvalidInput, err)
	}
	ctx, span := r.tracer.Start(ctx, "settlement.ActiveSession", trace.WithAttributes(attribute.String("account", account)))
	defer span.End()

	record, err := r.resumable(ctx, account)
	if errors.Is(err, ErrNotAdmitted) {
		return session.Session{}, false, nil
	}
	if err != nil {
		return session.Session{}, false, err
	}
	return record, true, nil
}

// resumable returns the ACTIVE session of a normalized account if the player
// may re-enter the world with it. A session whose terminal snapshot is still
// being settled is refused, and an abandoned settlement is restarted.
func (r *Reconciler) resumable(ctx context.Context, account string) (session.Session, error) {
	record, err := r.store.Find(ctx, account, session.StatusActive)
	if errors.Is(err, session.ErrNotFound) {
		return session.Session{}, ErrNotAdmitted
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("find active session: %w", err)
	}
	if r.settlements != nil && r.settlements.Unsettled(account, record.GameID) {
		return session.Session{}, ErrSettlementPending
	}
	status, err := r.ledger.Status(ctx, account)
	if err != nil {
		return session.Session{}, fmt.Errorf("read ledger status: %w", err)
	}
	if status == ledger.StatusActive {
		return record, nil
	}
	if err := r.correct(ctx, record, status); err != nil {
		return session.Session{}, err
	}
	return session.Session{}, ErrNotAdmitted
}

// PendingClaim returns the newest EXITED session still unclaimed on the
// ledger, correcting the store to CLAIMED when the claim already happened.
func (r *Reconciler) PendingClaim(ctx context.Context, account string) (PendingClaim, bool, error) {
	account, err := tokens.NormalizeAddress(account)
	if err != nil {
		return PendingClaim{}, false, fmt.Errorf("%w: %v", world.ErrInvalidInput, err)
	}
	ctx, span := r.tracer.Start(ctx, "settlement.PendingClaim", trace.WithAttributes(attribute.String("account", account)))
	defer span.End()

	record, err := r.store.Find(ctx, account, session.StatusExited)
	if errors.Is(err, session.ErrNotFound) {
		return PendingClaim{}, false, nil
	}
	if err != nil {
		return PendingClaim{}, false, fmt.Errorf("find exited session: %w", err)
	}
	status, err := r.ledger.Status(ctx, account)
	if err != nil {
		return PendingClaim{}, false, fmt.Errorf("read ledger status: %w", err)
	}
	switch status {
	case ledger.StatusExited:
		reward, err := r.ledger.Reward(ctx, account)
		if err != nil {
			return PendingClaim{}, false, fmt.Errorf("read reward: %w", err)
		}
		return PendingClaim{Session: record, Reward: reward}, true, nil
	case ledger.StatusClaimed:
		if err := r.correct(ctx, record, status); err != nil {
			return PendingClaim{}, false, err
		}
	}
	return PendingClaim{}, false, nil
}

// Checkpoint writes cp as the last snapshot of its ACTIVE session.
func (r *Reconciler) Checkpoint(ctx context.Context, cp world.Checkpoint) error {
	snapshot := session.LastSnapshot{
		Score:     cp.Score,
		Length:    cp.Length,
		Collected: cp.Collected.Clone(),
		Position:  session.Position{X: cp.X, Y: cp.Y},
		Timestamp: cp.At,
	}
	err := r.store.SaveSnapshot(ctx, cp.Account, cp.GameID, snapshot)
	if err != nil {
		loggingsettlement.CheckpointFailed(ctx, r.publisher, logging.SessionRef(cp.Account), loggingsettlement.CheckpointFailedPayload{
			GameID: fmt.Sprint(cp.GameID),
			Error:  err.Error(),
		}, nil)
		return fmt.Errorf("checkpoint %s/%d: %w", cp.Account, cp.GameID, err)
	}
	return nil
}

// correct moves record forward to the status implied by the ledger. A record
// the ledger has not overtaken is left alone.
func (r *Reconciler) correct(ctx context.Context, record session.Session, status ledger.Status) error {
	target := storeStatus(status)
	if target == "" || !record.Status.CanTransition(target) {
		return nil
	}
	err := r.store.Transition(ctx, record.Account, record.GameID, record.Status, session.Transition{To: target})
	var conflict *session.ConflictError
	if errors.As(err, &conflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("correct session %s/%d: %w", record.Account, record.GameID, err)
	}
	loggingsettlement.StoreCorrected(ctx, r.publisher, logging.SessionRef(record.Account), loggingsettlement.StoreCorrectedPayload{
		GameID:       fmt.Sprint(record.GameID),
		From:         string(record.Status),
		To:           string(target),
		LedgerStatus: status.String(),
	}, nil)
	return nil
}
