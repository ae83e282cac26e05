// Package ledger is the client side of the external value ledger: per-player
// settlement status, reward payouts and the entry events that open a game.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// Status is the on-ledger player status code.
type Status uint8

const (
	StatusNone    Status = 0
	StatusActive  Status = 1
	StatusExited  Status = 2
	StatusDead    Status = 3
	StatusClaimed Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusActive:
		return "Active"
	case StatusExited:
		return "Exited"
	case StatusDead:
		return "Dead"
	case StatusClaimed:
		return "Claimed"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

var (
	// ErrReceiptNotFound is returned for unknown transaction hashes.
	ErrReceiptNotFound = errors.New("ledger: receipt not found")
	// ErrEntryEventMissing is returned when a receipt carries no entry event.
	ErrEntryEventMissing = errors.New("ledger: GameEntered event not found")
	// ErrInvalidStatus is returned when the ledger refuses a status change.
	ErrInvalidStatus = errors.New("ledger: invalid status change")
	// ErrTransactionFailed is returned for reverted transactions.
	ErrTransactionFailed = errors.New("ledger: transaction failed")
)

// EntryEvent is the decoded GameEntered log.
type EntryEvent struct {
	Player    string
	Token     string
	Amount    *big.Int
	GameID    int64
	Timestamp int64
}

// Reward is the claimable payout recorded for a player.
type Reward struct {
	Tokens  []string
	Amounts []*big.Int
}

// Client is the ledger surface the server depends on.
type Client interface {
	Status(ctx context.Context, account string) (Status, error)
	// UpdateStatus records a terminal status and, for Exited, the reward. It
	// returns the settlement transaction reference.
	UpdateStatus(ctx context.Context, account string, status Status, tokens []string, amounts []*big.Int) (string, error)
	Reward(ctx context.Context, account string) (Reward, error)
	Receipt(ctx context.Context, txHash string) (Receipt, error)
	ParseEntryEvent(receipt Receipt) (EntryEvent, error)
	NetOfFee(ctx context.Context, amount *big.Int) (*big.Int, error)
}
