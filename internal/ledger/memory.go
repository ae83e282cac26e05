package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultFeeBps is the entry fee charged by the ledger, in basis points.
const DefaultFeeBps int64 = 500

// ErrInjected is returned by operations failed through FailNext.
var ErrInjected = errors.New("ledger: injected failure")

// Op names a Memory operation for failure injection.
type Op string

const (
	OpStatus       Op = "status"
	OpUpdateStatus Op = "update-status"
	OpReward       Op = "reward"
	OpReceipt      Op = "receipt"
)

// MemoryOption configures a Memory ledger.
type MemoryOption func(*Memory)

// WithFeeBps overrides the entry fee.
func WithFeeBps(bps int64) MemoryOption {
	return func(m *Memory) {
		if bps >= 0 && bps <= 10_000 {
			m.feeBps = bps
		}
	}
}

// WithContract sets the address entry events are emitted from.
func WithContract(address common.Address) MemoryOption {
	return func(m *Memory) { m.contract = address }
}

// WithGameIDs sources game ids for new entries, typically the session store.
func WithGameIDs(next func(ctx context.Context) (int64, error)) MemoryOption {
	return func(m *Memory) { m.nextGameID = next }
}

// WithClock overrides the timestamp written to entry events.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

type memoryAccount struct {
	status Status
	gameID int64
	reward Reward
}

// Memory is an in-process ledger. It simulates the staking contract for
// development and tests: entries emit GameEntered receipts and status changes
// follow the contract's Active -> Exited|Dead -> Claimed progression.
type Memory struct {
	mu         sync.Mutex
	feeBps     int64
	contract   common.Address
	now        func() time.Time
	nextGameID func(ctx context.Context) (int64, error)
	gameSeq    int64
	txSeq      uint64
	accounts   map[string]*memoryAccount
	receipts   map[string]Receipt
	failures   map[Op]int
	updates    int
}

// NewMemory constructs an empty in-process ledger.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		feeBps:   DefaultFeeBps,
		contract: common.HexToAddress("0x00000000000000000000000000000000000a7e4a"),
		now:      time.Now,
		accounts: make(map[string]*memoryAccount),
		receipts: make(map[string]Receipt),
		failures: make(map[Op]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// FailNext makes the next n calls of op return ErrInjected.
func (m *Memory) FailNext(op Op, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		delete(m.failures, op)
		return
	}
	m.failures[op] = n
}

// UpdateCalls reports how many UpdateStatus calls succeeded.
func (m *Memory) UpdateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

// Enter stakes amount of token for account and returns the transaction hash
// of the GameEntered receipt.
func (m *Memory) Enter(ctx context.Context, account, token string, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("enter: amount must be positive")
	}
	if !common.IsHexAddress(account) || !common.IsHexAddress(token) {
		return "", fmt.Errorf("enter: invalid address")
	}
	key := strings.ToLower(account)

	m.mu.Lock()
	if existing, ok := m.accounts[key]; ok && existing.status == StatusActive {
		m.mu.Unlock()
		return "", fmt.Errorf("enter: %w: account already active", ErrInvalidStatus)
	}
	next := m.nextGameID
	m.mu.Unlock()

	var gameID int64
	if next != nil {
		id, err := next(ctx)
		if err != nil {
			return "", fmt.Errorf("enter: next game id: %w", err)
		}
		gameID = id
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gameID == 0 {
		m.gameSeq++
		gameID = m.gameSeq
	}
	event := EntryEvent{
		Player:    key,
		Token:     strings.ToLower(token),
		Amount:    new(big.Int).Set(amount),
		GameID:    gameID,
		Timestamp: m.now().Unix(),
	}
	log, err := EncodeEntryEvent(m.contract, event)
	if err != nil {
		return "", fmt.Errorf("enter: %w", err)
	}
	hash := m.nextTxHashLocked()
	m.receipts[hash] = Receipt{TxHash: hash, BlockNumber: m.txSeq, Succeeded: true, Logs: []Log{log}}
	m.accounts[key] = &memoryAccount{status: StatusActive, gameID: gameID}
	return hash, nil
}

// Claim pays out the recorded reward of an Exited account.
func (m *Memory) Claim(ctx context.Context, account string) (string, Reward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.accounts[strings.ToLower(account)]
	if !ok || entry.status != StatusExited {
		return "", Reward{}, fmt.Errorf("claim: %w: nothing to claim", ErrInvalidStatus)
	}
	reward := entry.reward
	entry.status = StatusClaimed
	entry.reward = Reward{}
	return m.nextTxHashLocked(), reward, nil
}

// Status implements Client.
func (m *Memory) Status(ctx context.Context, account string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(OpStatus); err != nil {
		return StatusNone, err
	}
	entry, ok := m.accounts[strings.ToLower(account)]
	if !ok {
		return StatusNone, nil
	}
	return entry.status, nil
}

// UpdateStatus implements Client. Only Active accounts may move, and only to
// Exited or Dead.
func (m *Memory) UpdateStatus(ctx context.Context, account string, status Status, tokens []string, amounts []*big.Int) (string, error) {
	if status != StatusExited && status != StatusDead {
		return "", fmt.Errorf("update status: %w: target %s", ErrInvalidStatus, status)
	}
	if len(tokens) != len(amounts) {
		return "", fmt.Errorf("update status: %d tokens for %d amounts", len(tokens), len(amounts))
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(OpUpdateStatus); err != nil {
		return "", err
	}
	entry, ok := m.accounts[strings.ToLower(account)]
	if !ok || entry.status != StatusActive {
		current := StatusNone
		if ok {
			current = entry.status
		}
		return "", fmt.Errorf("update status: %w: %s -> %s", ErrInvalidStatus, current, status)
	}
	entry.status = status
	entry.reward = Reward{}
	if status == StatusExited {
		entry.reward.Tokens = append([]string(nil), tokens...)
		entry.reward.Amounts = make([]*big.Int, len(amounts))
		for i, amount := range amounts {
			entry.reward.Amounts[i] = new(big.Int).Set(amount)
		}
	}
	m.updates++
	return m.nextTxHashLocked(), nil
}

// Reward implements Client.
func (m *Memory) Reward(ctx context.Context, account string) (Reward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(OpReward); err != nil {
		return Reward{}, err
	}
	entry, ok := m.accounts[strings.ToLower(account)]
	if !ok {
		return Reward{}, nil
	}
	out := Reward{Tokens: append([]string(nil), entry.reward.Tokens...)}
	for _, amount := range entry.reward.Amounts {
		out.Amounts = append(out.Amounts, new(big.Int).Set(amount))
	}
	return out, nil
}

// Receipt implements Client.
func (m *Memory) Receipt(ctx context.Context, txHash string) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(OpReceipt); err != nil {
		return Receipt{}, err
	}
	receipt, ok := m.receipts[strings.ToLower(txHash)]
	if !ok {
		return Receipt{}, ErrReceiptNotFound
	}
	return receipt, nil
}

// ParseEntryEvent implements Client.
func (m *Memory) ParseEntryEvent(receipt Receipt) (EntryEvent, error) {
	return DecodeEntryEvent(receipt)
}

// NetOfFee implements Client.
func (m *Memory) NetOfFee(ctx context.Context, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("net of fee: invalid amount")
	}
	m.mu.Lock()
	bps := m.feeBps
	m.mu.Unlock()
	return FeeFromBasisPoints(amount, bps), nil
}

func (m *Memory) failLocked(op Op) error {
	remaining := m.failures[op]
	if remaining <= 0 {
		return nil
	}
	if remaining == 1 {
		delete(m.failures, op)
	} else {
		m.failures[op] = remaining - 1
	}
	return fmt.Errorf("%s: %w", op, ErrInjected)
}

func (m *Memory) nextTxHashLocked() string {
	m.txSeq++
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], m.txSeq)
	sum := sha256.Sum256(append(m.contract.Bytes(), seed[:]...))
	return strings.ToLower(common.BytesToHash(sum[:]).Hex())
}
