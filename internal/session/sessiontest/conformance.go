// Package sessiontest holds behaviour checks shared by every session.Store
// implementation.
package sessiontest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"stake-arena/server/internal/session"
	"stake-arena/server/internal/tokens"
)

const (
	accountA = "0x00000000000000000000000000000000000000aa"
	accountB = "0x00000000000000000000000000000000000000bb"
)

// Run exercises store against the Store contract. newStore must return an
// empty store.
func Run(t *testing.T, newStore func(t *testing.T) session.Store) {
	t.Run("create and get", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		want := pending(accountA, 1)
		if err := store.Create(ctx, want); err != nil {
			t.Fatalf("create: %v", err)
		}
		got, err := store.Get(ctx, accountA, 1)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.ID != want.ID || got.PlayerName != "alice" || got.Status != session.StatusPending || got.EntryAmount != "1000000000000000000" {
			t.Fatalf("unexpected session %+v", got)
		}
		if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
			t.Fatalf("timestamps not set: %+v", got)
		}
		if err := store.Create(ctx, want); !errors.Is(err, session.ErrDuplicate) {
			t.Fatalf("expected duplicate error, got %v", err)
		}
		if _, err := store.Get(ctx, accountB, 1); !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("find returns newest game in status", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for _, id := range []int64{3, 7, 5} {
			if err := store.Create(ctx, pending(accountA, id)); err != nil {
				t.Fatalf("create %d: %v", id, err)
			}
		}
		got, err := store.Find(ctx, accountA, session.StatusPending)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if got.GameID != 7 {
			t.Fatalf("expected newest game 7, got %d", got.GameID)
		}
		if _, err := store.Find(ctx, accountA, session.StatusActive); !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		next, err := store.NextGameID(ctx)
		if err != nil {
			t.Fatalf("next game id: %v", err)
		}
		if next != 8 {
			t.Fatalf("expected next game id 8, got %d", next)
		}
	})

	t.Run("transition is conditional", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Create(ctx, pending(accountA, 1)); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := store.Transition(ctx, accountA, 1, session.StatusPending, session.Transition{To: session.StatusActive}); err != nil {
			t.Fatalf("activate: %v", err)
		}
		// A second activation finds ACTIVE, not PENDING.
		err := store.Transition(ctx, accountA, 1, session.StatusPending, session.Transition{To: session.StatusActive})
		var conflict *session.ConflictError
		if !errors.As(err, &conflict) || conflict.Actual != session.StatusActive {
			t.Fatalf("expected conflict, got %v", err)
		}
		if err := store.Transition(ctx, accountA, 1, session.StatusActive, session.Transition{To: session.StatusPending}); !errors.Is(err, session.ErrInvalidTransition) {
			t.Fatalf("expected backward transition to be refused, got %v", err)
		}

		err = store.Transition(ctx, accountA, 1, session.StatusActive, session.Transition{
			To:            session.StatusExited,
			RewardTokens:  []string{tokens.Native},
			RewardAmounts: []string{"1500000000000000000"},
			SettlementRef: "0xref",
			Final:         &session.Final{Score: 1.5, Length: 16, SurvivalSeconds: 42},
		})
		if err != nil {
			t.Fatalf("exit: %v", err)
		}
		got, err := store.Get(ctx, accountA, 1)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != session.StatusExited || got.SettlementRef != "0xref" {
			t.Fatalf("unexpected session %+v", got)
		}
		if len(got.RewardAmounts) != 1 || got.RewardAmounts[0] != "1500000000000000000" {
			t.Fatalf("unexpected rewards %v", got.RewardAmounts)
		}
		if got.Final == nil || got.Final.Length != 16 || got.Final.SurvivalSeconds != 42 {
			t.Fatalf("unexpected final %+v", got.Final)
		}
		if err := store.Transition(ctx, accountA, 1, session.StatusExited, session.Transition{To: session.StatusDead}); !errors.Is(err, session.ErrInvalidTransition) {
			t.Fatalf("EXITED must not become DEAD, got %v", err)
		}
		if err := store.Transition(ctx, accountA, 1, session.StatusExited, session.Transition{To: session.StatusClaimed}); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if err := store.Transition(ctx, accountB, 9, session.StatusActive, session.Transition{To: session.StatusDead}); !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("snapshot only while active", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Create(ctx, pending(accountA, 1)); err != nil {
			t.Fatalf("create: %v", err)
		}
		snap := session.LastSnapshot{
			Score:     0.5,
			Length:    6,
			Collected: tokens.Single(tokens.Native, 0.5),
			Position:  session.Position{X: 12, Y: -4},
			Timestamp: time.UnixMilli(1700000000123).UTC(),
		}
		var conflict *session.ConflictError
		if err := store.SaveSnapshot(ctx, accountA, 1, snap); !errors.As(err, &conflict) {
			t.Fatalf("pending session must refuse snapshots, got %v", err)
		}
		if err := store.Transition(ctx, accountA, 1, session.StatusPending, session.Transition{To: session.StatusActive}); err != nil {
			t.Fatalf("activate: %v", err)
		}
		if err := store.SaveSnapshot(ctx, accountA, 1, snap); err != nil {
			t.Fatalf("save snapshot: %v", err)
		}
		got, err := store.Find(ctx, accountA, session.StatusActive)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if got.LastSnapshot == nil {
			t.Fatalf("snapshot not stored")
		}
		if got.LastSnapshot.Length != 6 || got.LastSnapshot.Position.X != 12 || got.LastSnapshot.Collected.Get(tokens.Native) != 0.5 {
			t.Fatalf("unexpected snapshot %+v", got.LastSnapshot)
		}
		if !got.LastSnapshot.Timestamp.Equal(snap.Timestamp) {
			t.Fatalf("timestamp mismatch: %v vs %v", got.LastSnapshot.Timestamp, snap.Timestamp)
		}
		if err := store.Transition(ctx, accountA, 1, session.StatusActive, session.Transition{To: session.StatusDead}); err != nil {
			t.Fatalf("dead: %v", err)
		}
		if err := store.SaveSnapshot(ctx, accountA, 1, snap); !errors.As(err, &conflict) {
			t.Fatalf("settled session must refuse snapshots, got %v", err)
		}
	})
}

func pending(account string, gameID int64) session.Session {
	return session.Session{
		ID:          fmt.Sprintf("sess-%s-%d", account[len(account)-4:], gameID),
		GameID:      gameID,
		Account:     account,
		PlayerName:  "alice",
		EntryToken:  tokens.Native,
		EntryAmount: "1000000000000000000",
		EntryTxHash: "0xtx",
		Status:      session.StatusPending,
	}
}
