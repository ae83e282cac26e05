package session_test

import (
	"testing"

	"stake-arena/server/internal/session"
	"stake-arena/server/internal/session/sessiontest"
)

func TestMemoryStore(t *testing.T) {
	sessiontest.Run(t, func(*testing.T) session.Store {
		return session.NewMemoryStore()
	})
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to session.Status
		ok       bool
	}{
		{session.StatusPending, session.StatusActive, true},
		{session.StatusActive, session.StatusExited, true},
		{session.StatusActive, session.StatusDead, true},
		{session.StatusExited, session.StatusClaimed, true},
		{session.StatusDead, session.StatusClaimed, true},
		{session.StatusActive, session.StatusPending, false},
		{session.StatusExited, session.StatusDead, false},
		{session.StatusClaimed, session.StatusExited, false},
		{session.Status("BOGUS"), session.StatusActive, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
	if _, err := session.ParseStatus("active"); err != nil {
		t.Fatalf("parse lowercase status: %v", err)
	}
}
