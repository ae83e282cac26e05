// Package postgres provides a PostgreSQL-backed session.Store.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"stake-arena/server/internal/session"
)

//go:embed schema.sql
var schema string

// Store persists sessions through a pgx connection pool.
type Store struct {
	db *pgxpool.Pool
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s != nil && s.db != nil {
		s.db.Close()
	}
	return nil
}

func (s *Store) Create(ctx context.Context, rec session.Session) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	snapshot, err := encodeSnapshot(rec.LastSnapshot)
	if err != nil {
		return err
	}
	entryAmount := rec.EntryAmount
	if entryAmount == "" {
		entryAmount = "0"
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO game_sessions (
			session_id, game_id, player_address, player_name,
			entry_token, entry_amount, entry_tx_hash, status,
			last_snapshot, reward_tokens, reward_amounts, update_tx_hash,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $13, now())
	`,
		rec.ID, rec.GameID, rec.Account, rec.PlayerName,
		rec.EntryToken, entryAmount, rec.EntryTxHash, string(rec.Status),
		snapshot, nonNil(rec.RewardTokens), nonNil(rec.RewardAmounts), rec.SettlementRef,
		rec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return session.ErrDuplicate
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const selectColumns = `
	session_id, game_id, player_address, player_name,
	entry_token, entry_amount::text, entry_tx_hash, status,
	last_snapshot, reward_tokens, reward_amounts, update_tx_hash,
	final_score, final_length, survival_time, created_at, updated_at`

func (s *Store) Find(ctx context.Context, account string, status session.Status) (session.Session, error) {
	row := s.db.QueryRow(ctx, `
		SELECT`+selectColumns+`
		FROM game_sessions
		WHERE player_address = $1 AND status = $2
		ORDER BY game_id DESC
		LIMIT 1
	`, account, string(status))
	return scanSession(row)
}

func (s *Store) Get(ctx context.Context, account string, gameID int64) (session.Session, error) {
	row := s.db.QueryRow(ctx, `
		SELECT`+selectColumns+`
		FROM game_sessions
		WHERE player_address = $1 AND game_id = $2
	`, account, gameID)
	return scanSession(row)
}

func (s *Store) Transition(ctx context.Context, account string, gameID int64, from session.Status, t session.Transition) error {
	if !from.CanTransition(t.To) {
		return fmt.Errorf("%w: %s -> %s", session.ErrInvalidTransition, from, t.To)
	}
	if len(t.RewardTokens) != len(t.RewardAmounts) {
		return fmt.Errorf("reward tokens and amounts differ in length")
	}
	var finalScore, survival *float64
	var finalLength *int
	if t.Final != nil {
		finalScore = &t.Final.Score
		finalLength = &t.Final.Length
		survival = &t.Final.SurvivalSeconds
	}
	var rewardTokens, rewardAmounts []string
	if t.RewardTokens != nil {
		rewardTokens, rewardAmounts = t.RewardTokens, t.RewardAmounts
	}
	cmd, err := s.db.Exec(ctx, `
		UPDATE game_sessions SET
			status = $1,
			reward_tokens = COALESCE($2, reward_tokens),
			reward_amounts = COALESCE($3, reward_amounts),
			update_tx_hash = CASE WHEN $4 = '' THEN update_tx_hash ELSE $4 END,
			final_score = COALESCE($5, final_score),
			final_length = COALESCE($6, final_length),
			survival_time = COALESCE($7, survival_time),
			updated_at = now()
		WHERE player_address = $8 AND game_id = $9 AND status = $10
	`,
		string(t.To), rewardTokens, rewardAmounts, t.SettlementRef,
		finalScore, finalLength, survival,
		account, gameID, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	return s.checkApplied(ctx, cmd, account, gameID, from)
}

func (s *Store) SaveSnapshot(ctx context.Context, account string, gameID int64, snapshot session.LastSnapshot) error {
	encoded, err := encodeSnapshot(&snapshot)
	if err != nil {
		return err
	}
	cmd, err := s.db.Exec(ctx, `
		UPDATE game_sessions SET last_snapshot = $1, updated_at = now()
		WHERE player_address = $2 AND game_id = $3 AND status = $4
	`, encoded, account, gameID, string(session.StatusActive))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return s.checkApplied(ctx, cmd, account, gameID, session.StatusActive)
}

func (s *Store) NextGameID(ctx context.Context) (int64, error) {
	var highest *int64
	if err := s.db.QueryRow(ctx, `SELECT MAX(game_id) FROM game_sessions`).Scan(&highest); err != nil {
		return 0, fmt.Errorf("next game id: %w", err)
	}
	if highest == nil {
		return 1, nil
	}
	return *highest + 1, nil
}

func (s *Store) checkApplied(ctx context.Context, cmd pgconn.CommandTag, account string, gameID int64, expected session.Status) error {
	if cmd.RowsAffected() > 0 {
		return nil
	}
	current, err := s.Get(ctx, account, gameID)
	if err != nil {
		return err
	}
	return &session.ConflictError{Account: account, GameID: gameID, Expected: expected, Actual: current.Status}
}

func scanSession(row pgx.Row) (session.Session, error) {
	var (
		rec         session.Session
		status      string
		snapshot    []byte
		finalScore  *float64
		finalLength *int
		survival    *float64
	)
	err := row.Scan(
		&rec.ID, &rec.GameID, &rec.Account, &rec.PlayerName,
		&rec.EntryToken, &rec.EntryAmount, &rec.EntryTxHash, &status,
		&snapshot, &rec.RewardTokens, &rec.RewardAmounts, &rec.SettlementRef,
		&finalScore, &finalLength, &survival, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("scan session: %w", err)
	}
	if rec.Status, err = session.ParseStatus(status); err != nil {
		return session.Session{}, err
	}
	if len(snapshot) > 0 {
		var snap session.LastSnapshot
		if err := json.Unmarshal(snapshot, &snap); err != nil {
			return session.Session{}, fmt.Errorf("decode snapshot: %w", err)
		}
		rec.LastSnapshot = &snap
	}
	if finalScore != nil {
		rec.Final = &session.Final{Score: *finalScore}
		if finalLength != nil {
			rec.Final.Length = *finalLength
		}
		if survival != nil {
			rec.Final.SurvivalSeconds = *survival
		}
	}
	if len(rec.RewardTokens) == 0 {
		rec.RewardTokens = nil
		rec.RewardAmounts = nil
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func encodeSnapshot(snapshot *session.LastSnapshot) ([]byte, error) {
	if snapshot == nil {
		return nil, nil
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return raw, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

var _ session.Store = (*Store)(nil)
