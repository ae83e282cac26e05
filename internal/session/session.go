// Package session defines the persistent record of a player's economic
// lifecycle and the store contract that keeps it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stake-arena/server/internal/tokens"
)

// Status is the store-side lifecycle state of a session.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusExited  Status = "EXITED"
	StatusDead    Status = "DEAD"
	StatusClaimed Status = "CLAIMED"
)

// ParseStatus parses a stored status.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToUpper(strings.TrimSpace(raw))); s {
	case StatusPending, StatusActive, StatusExited, StatusDead, StatusClaimed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown session status %q", raw)
	}
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusActive:
		return 1
	case StatusExited, StatusDead:
		return 2
	case StatusClaimed:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether the in-world game has ended for this status.
func (s Status) Terminal() bool {
	return s.rank() >= 2
}

// CanTransition reports whether moving from s to next goes forward.
// EXITED and DEAD are siblings; neither can become the other.
func (s Status) CanTransition(next Status) bool {
	if s.rank() < 0 || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

var (
	// ErrNotFound is returned when no session matches.
	ErrNotFound = errors.New("session: not found")
	// ErrDuplicate is returned when a session with the same account and game id exists.
	ErrDuplicate = errors.New("session: duplicate")
	// ErrInvalidTransition is returned for backward or sideways transitions.
	ErrInvalidTransition = errors.New("session: invalid transition")
)

// ConflictError is returned when a conditional write finds the record in a
// different status than expected.
type ConflictError struct {
	Account  string
	GameID   int64
	Expected Status
	Actual   Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s/%d: expected status %s, found %s", e.Account, e.GameID, e.Expected, e.Actual)
}

// Position is a point in the room.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// LastSnapshot is the resumable state written periodically and on disconnect.
type LastSnapshot struct {
	Score     float64         `json:"score"`
	Length    int             `json:"length"`
	Collected tokens.Balances `json:"collectedTokens"`
	Position  Position        `json:"position"`
	Timestamp time.Time       `json:"timestamp"`
}

// Final carries the end-of-game statistics written on settlement.
type Final struct {
	Score           float64
	Length          int
	SurvivalSeconds float64
}

// Session is the store record.
type Session struct {
	ID            string
	GameID        int64
	Account       string
	PlayerName    string
	EntryToken    string
	EntryAmount   string
	EntryTxHash   string
	Status        Status
	LastSnapshot  *LastSnapshot
	RewardTokens  []string
	RewardAmounts []string
	SettlementRef string
	Final         *Final
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Transition describes a conditional status change and the fields it writes.
type Transition struct {
	To            Status
	RewardTokens  []string
	RewardAmounts []string
	SettlementRef string
	Final         *Final
}

// Store persists sessions. Every status change is conditional on the prior
// status; implementations never overwrite blindly.
type Store interface {
	Create(ctx context.Context, s Session) error
	// Find returns the newest session for account in status.
	Find(ctx context.Context, account string, status Status) (Session, error)
	Get(ctx context.Context, account string, gameID int64) (Session, error)
	// Transition applies t only if the record is still in from.
	Transition(ctx context.Context, account string, gameID int64, from Status, t Transition) error
	// SaveSnapshot writes last_snapshot only while the record is ACTIVE.
	SaveSnapshot(ctx context.Context, account string, gameID int64, snapshot LastSnapshot) error
	// NextGameID returns one more than the highest stored game id.
	NextGameID(ctx context.Context) (int64, error)
}

// Validate checks the fields required to create a session.
func (s Session) Validate() error {
	if strings.TrimSpace(s.Account) == "" {
		return fmt.Errorf("account is required")
	}
	if s.GameID <= 0 {
		return fmt.Errorf("game id must be positive")
	}
	if _, err := ParseStatus(string(s.Status)); err != nil {
		return err
	}
	return nil
}

// CheckTransition validates a transition request against the current status.
func CheckTransition(account string, gameID int64, current, from Status, t Transition) error {
	if !from.CanTransition(t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, t.To)
	}
	if current != from {
		return &ConflictError{Account: account, GameID: gameID, Expected: from, Actual: current}
	}
	return nil
}
