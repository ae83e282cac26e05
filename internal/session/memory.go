package session

import (
	"context"
	"sync"
	"time"
)

type memoryKey struct {
	account string
	gameID  int64
}

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[memoryKey]Session
	now      func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[memoryKey]Session),
		now:      time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memoryKey{account: s.Account, gameID: s.GameID}
	if _, exists := m.sessions[key]; exists {
		return ErrDuplicate
	}
	now := m.now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.sessions[key] = cloneSession(s)
	return nil
}

func (m *MemoryStore) Find(ctx context.Context, account string, status Status) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		found Session
		ok    bool
	)
	for key, s := range m.sessions {
		if key.account != account || s.Status != status {
			continue
		}
		if !ok || s.GameID > found.GameID {
			found, ok = s, true
		}
	}
	if !ok {
		return Session{}, ErrNotFound
	}
	return cloneSession(found), nil
}

func (m *MemoryStore) Get(ctx context.Context, account string, gameID int64) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[memoryKey{account: account, gameID: gameID}]
	if !ok {
		return Session{}, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) Transition(ctx context.Context, account string, gameID int64, from Status, t Transition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memoryKey{account: account, gameID: gameID}
	s, ok := m.sessions[key]
	if !ok {
		return ErrNotFound
	}
	if err := CheckTransition(account, gameID, s.Status, from, t); err != nil {
		return err
	}
	s.Status = t.To
	if t.RewardTokens != nil {
		s.RewardTokens = append([]string(nil), t.RewardTokens...)
		s.RewardAmounts = append([]string(nil), t.RewardAmounts...)
	}
	if t.SettlementRef != "" {
		s.SettlementRef = t.SettlementRef
	}
	if t.Final != nil {
		final := *t.Final
		s.Final = &final
	}
	s.UpdatedAt = m.now().UTC()
	m.sessions[key] = s
	return nil
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, account string, gameID int64, snapshot LastSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memoryKey{account: account, gameID: gameID}
	s, ok := m.sessions[key]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusActive {
		return &ConflictError{Account: account, GameID: gameID, Expected: StatusActive, Actual: s.Status}
	}
	snapshot.Collected = snapshot.Collected.Clone()
	s.LastSnapshot = &snapshot
	s.UpdatedAt = m.now().UTC()
	m.sessions[key] = s
	return nil
}

func (m *MemoryStore) NextGameID(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var highest int64
	for key := range m.sessions {
		if key.gameID > highest {
			highest = key.gameID
		}
	}
	return highest + 1, nil
}

func cloneSession(s Session) Session {
	out := s
	if s.LastSnapshot != nil {
		snap := *s.LastSnapshot
		snap.Collected = s.LastSnapshot.Collected.Clone()
		out.LastSnapshot = &snap
	}
	if s.Final != nil {
		final := *s.Final
		out.Final = &final
	}
	out.RewardTokens = append([]string(nil), s.RewardTokens...)
	out.RewardAmounts = append([]string(nil), s.RewardAmounts...)
	return out
}

var _ Store = (*MemoryStore)(nil)
