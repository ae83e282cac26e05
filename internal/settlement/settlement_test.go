package settlement

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"stake-arena/server/internal/ledger"
	"stake-arena/server/internal/session"
	"stake-arena/server/internal/tokens"
	"stake-arena/server/internal/world"
	loggingsettlement "stake-arena/server/logging/settlement"
	"stake-arena/server/logging/sinks"
)

const (
	accountA = "0x1111111111111111111111111111111111111111"
	accountB = "0x2222222222222222222222222222222222222222"
	otherTok = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

type fixture struct {
	ledger     *ledger.Memory
	store      *flakyStore
	reconciler *Reconciler
	valuer     *fakeValuer
	events     *sinks.MemorySink
}

type fakeValuer struct {
	mu     sync.Mutex
	calls  int
	err    error
	prices map[string]float64
}

func (v *fakeValuer) Value(_ context.Context, balances tokens.Balances) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.err != nil {
		return 0, v.err
	}
	total := 0.0
	for _, entry := range balances.Entries() {
		price := 1.0
		if !tokens.IsNative(entry.Token) {
			price = v.prices[entry.Token]
		}
		total += entry.Amount * price
	}
	return total, nil
}

// flakyStore fails the next N conditional transitions.
type flakyStore struct {
	*session.MemoryStore
	mu              sync.Mutex
	failTransitions int
}

func (s *flakyStore) Transition(ctx context.Context, account string, gameID int64, from session.Status, t session.Transition) error {
	s.mu.Lock()
	if s.failTransitions > 0 {
		s.failTransitions--
		s.mu.Unlock()
		return errors.New("store unavailable")
	}
	s.mu.Unlock()
	return s.MemoryStore.Transition(ctx, account, gameID, from, t)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := &flakyStore{MemoryStore: session.NewMemoryStore()}
	chain := ledger.NewMemory(ledger.WithGameIDs(store.NextGameID))
	events := sinks.NewMemorySink()
	return &fixture{
		ledger:     chain,
		store:      store,
		reconciler: NewReconciler(chain, store, events),
		valuer:     &fakeValuer{prices: map[string]float64{otherTok: 0.5}},
		events:     events,
	}
}

func (f *fixture) settler(t *testing.T) *Settler {
	t.Helper()
	settler, err := NewSettler(Config{}, Deps{
		Ledger:    f.ledger,
		Store:     f.store,
		Valuer:    f.valuer,
		Publisher: f.events,
	})
	if err != nil {
		t.Fatalf("new settler: %v", err)
	}
	return settler
}

// admit stakes amount of the native token for account and activates the session.
func (f *fixture) admit(t *testing.T, account string, amount float64) Admission {
	t.Helper()
	ctx := context.Background()
	hash, err := f.ledger.Enter(ctx, account, tokens.Native, ledger.ToBaseUnits(amount))
	if err != nil {
		t.Fatalf("ledger enter: %v", err)
	}
	if _, err := f.reconciler.Enter(ctx, "snek", account, hash); err != nil {
		t.Fatalf("reconciler enter: %v", err)
	}
	admission, err := f.reconciler.Admit(ctx, account)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	return admission
}

func exitSnapshot(admission Admission, collected tokens.Balances) world.TerminalSnapshot {
	joined := time.Unix(1700000000, 0)
	return world.TerminalSnapshot{
		Kind:      world.KindExited,
		Conn:      "conn-" + admission.Session.Account[:6],
		Name:      admission.Session.PlayerName,
		Account:   admission.Session.Account,
		GameID:    admission.Session.GameID,
		Score:     collected.Total(),
		Length:    7,
		Collected: collected,
		JoinedAt:  joined,
		EndedAt:   joined.Add(90 * time.Second),
	}
}

func TestSettleExitAboveThreshold(t *testing.T) {
	f := newFixture(t)
	settler := f.settler(t)
	admission := f.admit(t, accountA, 2)
	if got := admission.Stake.Get(tokens.Native); math.Abs(got-1.9) > 1e-12 {
		t.Fatalf("expected net stake 1.9, got %v", got)
	}

	collected := tokens.NewBalances(
		tokens.Balance{Token: tokens.Native, Amount: 0.7},
		tokens.Balance{Token: otherTok, Amount: 1},
	)
	snap := exitSnapshot(admission, collected)
	result, err := settler.Settle(context.Background(), snap)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !result.Accepted || result.Outcome != session.StatusExited || result.LedgerRef == "" {
		t.Fatalf("unexpected result %+v", result)
	}
	if math.Abs(result.Value-1.2) > 1e-9 {
		t.Fatalf("expected value 1.2, got %v", result.Value)
	}

	record, err := f.store.Get(context.Background(), accountA, snap.GameID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != session.StatusExited || record.SettlementRef != result.LedgerRef {
		t.Fatalf("store not updated: %+v", record)
	}
	if len(record.RewardTokens) != 2 || record.RewardAmounts[0] != "700000000000000000" {
		t.Fatalf("unexpected rewards %v %v", record.RewardTokens, record.RewardAmounts)
	}
	if record.Final == nil || record.Final.Length != 7 || record.Final.SurvivalSeconds != 90 {
		t.Fatalf("unexpected final stats %+v", record.Final)
	}
	if status, _ := f.ledger.Status(context.Background(), accountA); status != ledger.StatusExited {
		t.Fatalf("ledger status %s", status)
	}
	if settler.Pending() != 0 {
		t.Fatalf("attempt state should be released after success")
	}
	if len(f.events.EventsOfType(loggingsettlement.EventSettled)) != 1 {
		t.Fatalf("expected a settled event")
	}
}

func TestSettleTwiceIssuesOneLedgerUpdate(t *testing.T) {
	f := newFixture(t)
	settler := f.settler(t)
	snap := exitSnapshot(f.admit(t, accountA, 1), tokens.Single(tokens.Native, 1.5))

	first, err := settler.Settle(context.Background(), snap)
	if err != nil || !first.Accepted {
		t.Fatalf("first settle: %+v %v", first, err)
	}
	second, err := settler.Settle(context.Background(), snap)
	if err != nil || !second.Accepted {
		t.Fatalf("second settle: %+v %v", second, err)
	}
	if !second.Replayed || second.Outcome != session.StatusExited || second.LedgerRef != first.LedgerRef {
		t.Fatalf("expected replayed result, got %+v", second)
	}
	if calls := f.ledger.UpdateCalls(); calls != 1 {
		t.Fatalf("expected exactly one ledger update, got %d", calls)
	}
}

func TestSettleExitBelowThresholdIsDead(t *testing.T) {
	f := newFixture(t)
	snap := exitSnapshot(f.admit(t, accountA, 1), tokens.Single(tokens.Native, 0.4))

	result, err := f.settler(t).Settle(context.Background(), snap)
	if err != nil || result.Outcome != session.StatusDead {
		t.Fatalf("expected DEAD, got %+v %v", result, err)
	}
	record, _ := f.store.Get(context.Background(), accountA, snap.GameID)
	if record.Status != session.StatusDead || len(record.RewardTokens) != 0 {
		t.Fatalf("unexpected record %+v", record)
	}
	if reward, _ := f.ledger.Reward(context.Background(), accountA); len(reward.Tokens) != 0 {
		t.Fatalf("dead players must not receive a reward")
	}
}

func TestSettleEliminatedSkipsPricing(t *testing.T) {
	f := newFixture(t)
	snap := exitSnapshot(f.admit(t, accountA, 1), tokens.Single(tokens.Native, 5))
	snap.Kind = world.KindEliminated

	result, err := f.settler(t).Settle(context.Background(), snap)
	if err != nil || result.Outcome != session.StatusDead || result.Value != 0 {
		t.Fatalf("expected DEAD with no value, got %+v %v", result, err)
	}
	if f.valuer.calls != 0 {
		t.Fatalf("forfeited snapshots must not be priced")
	}
}

func TestSettleRetriesStoreAfterLedgerLanded(t *testing.T) {
	f := newFixture(t)
	settler := f.settler(t)
	snap := exitSnapshot(f.admit(t, accountA, 1), tokens.Single(tokens.Native, 1.1))

	f.store.failTransitions = 1
	result, err := settler.Settle(context.Background(), snap)
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageStore || result.Accepted {
		t.Fatalf("expected store-stage failure, got %+v %v", result, err)
	}
	if settler.Pending() != 1 {
		t.Fatalf("attempt state must survive a failure")
	}

	result, err = settler.Settle(context.Background(), snap)
	if err != nil || !result.Accepted || result.Outcome != session.StatusExited {
		t.Fatalf("retry: %+v %v", result, err)
	}
	if calls := f.ledger.UpdateCalls(); calls != 1 {
		t.Fatalf("retry must not repeat the ledger update, got %d calls", calls)
	}
}

func TestSettleAfterLostAttemptStateTrustsLedger(t *testing.T) {
	f := newFixture(t)
	snap := exitSnapshot(f.admit(t, accountA, 1), tokens.Single(tokens.Native, 0.2))

	f.store.failTransitions = 1
	if _, err := f.settler(t).Settle(context.Background(), snap); err == nil {
		t.Fatalf("expected first attempt to fail")
	}

	// A fresh settler has no attempt state, as after a restart. It also sees
	// more value than before and would pick EXITED on its own.
	snap.Collected = tokens.Single(tokens.Native, 3)
	result, err := f.settler(t).Settle(context.Background(), snap)
	if err != nil || !result.Accepted {
		t.Fatalf("settle: %+v %v", result, err)
	}
	if result.Outcome != session.StatusDead || result.LedgerRef != "ledger:Dead" {
		t.Fatalf("ledger status should win, got %+v", result)
	}
	if calls := f.ledger.UpdateCalls(); calls != 1 {
		t.Fatalf("expected one ledger update, got %d", calls)
	}
	record, _ := f.store.Get(context.Background(), accountA, snap.GameID)
	if record.Status != session.StatusDead {
		t.Fatalf("store should follow the ledger, got %s", record.Status)
	}
}

func TestSettleFailures(t *testing.T) {
	t.Run("pricing", func(t *testing.T) {
		f := newFixture(t)
		settler := f.settler(t)
		snap := exitSnapshot(f.admit(t, accountA, 1), tokens.Single(otherTok, 4))
		f.valuer.err = errors.New("quote unavailable")
		result, err := settler.Settle(context.Background(), snap)
		var stageErr *StageError
		if !errors.As(err, &stageErr) || stageErr.Stage != StageValue || result.Accepted {
			t.Fatalf("expected value-stage failure, got %+v %v", result, err)
		}
		if f.ledger.UpdateCalls() != 0 {
			t.Fatalf("ledger must not be touched before the value is known")
		}
		f.valuer.err = nil
		if result, err := settler.Settle(context.Background(), snap); err != nil || result.Outcome != session.StatusExited {
			t.Fatalf("retry: %+v %v", result, err)
		}
	})

	t.Run("ledger", func(t *testing.T) {
		f := newFixture(t)
		settler := f.settler(t)
		snap := exitSnapshot(f.admit(t, accountA, 1), tokens.Single(tokens.Native, 2))
		f.ledger.FailNext(ledger.OpUpdateStatus, 1)
		if _, err := settler.Settle(context.Background(), snap); !errors.Is(err, ledger.ErrInjected) {
			t.Fatalf("expected ledger failure, got %v", err)
		}
		record, _ := f.store.Get(context.Background(), accountA, snap.GameID)
		if record.Status != session.StatusActive {
			t.Fatalf("store must stay ACTIVE after a ledger failure, got %s", record.Status)
		}
		if _, err := settler.Settle(context.Background(), snap); err != nil {
			t.Fatalf("retry: %v", err)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t)
		snap := world.TerminalSnapshot{Kind: world.KindEliminated, Account: accountB, GameID: 99}
		if _, err := f.settler(t).Settle(context.Background(), snap); !errors.Is(err, ErrUnsettleable) {
			t.Fatalf("expected ErrUnsettleable, got %v", err)
		}
	})
}

func TestNewSettlerRequiresDeps(t *testing.T) {
	if _, err := NewSettler(Config{}, Deps{}); err == nil {
		t.Fatalf("expected error for missing deps")
	}
}
