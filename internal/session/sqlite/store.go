// Package sqlite provides a SQLite-backed session.Store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"stake-arena/server/internal/session"
	"stake-arena/server/internal/session/sqlite/migrations"
)

// Store persists sessions in a single SQLite file.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close releases the connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Create(ctx context.Context, rec session.Session) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	snapshot, err := encodeSnapshot(rec.LastSnapshot)
	if err != nil {
		return err
	}
	rewardTokens, rewardAmounts, err := encodeRewards(rec.RewardTokens, rec.RewardAmounts)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO game_sessions (
	session_id,
	game_id,
	player_address,
	player_name,
	entry_token,
	entry_amount,
	entry_tx_hash,
	status,
	last_snapshot,
	reward_tokens,
	reward_amounts,
	update_tx_hash,
	created_at,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		rec.ID,
		rec.GameID,
		rec.Account,
		rec.PlayerName,
		rec.EntryToken,
		rec.EntryAmount,
		rec.EntryTxHash,
		string(rec.Status),
		snapshot,
		rewardTokens,
		rewardAmounts,
		rec.SettlementRef,
		rec.CreatedAt.UnixMilli(),
		now.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return session.ErrDuplicate
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const selectColumns = `
	session_id,
	game_id,
	player_address,
	player_name,
	entry_token,
	entry_amount,
	entry_tx_hash,
	status,
	last_snapshot,
	reward_tokens,
	reward_amounts,
	update_tx_hash,
	final_score,
	final_length,
	survival_time,
	created_at,
	updated_at`

func (s *Store) Find(ctx context.Context, account string, status session.Status) (session.Session, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT`+selectColumns+`
FROM game_sessions
WHERE player_address = ? AND status = ?
ORDER BY game_id DESC
LIMIT 1
`, account, string(status))
	return scanSession(row)
}

func (s *Store) Get(ctx context.Context, account string, gameID int64) (session.Session, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT`+selectColumns+`
FROM game_sessions
WHERE player_address = ? AND game_id = ?
`, account, gameID)
	return scanSession(row)
}

func (s *Store) Transition(ctx context.Context, account string, gameID int64, from session.Status, t session.Transition) error {
	if !from.CanTransition(t.To) {
		return fmt.Errorf("%w: %s -> %s", session.ErrInvalidTransition, from, t.To)
	}
	var rewardTokens, rewardAmounts sql.NullString
	if t.RewardTokens != nil {
		tokensJSON, amountsJSON, err := encodeRewards(t.RewardTokens, t.RewardAmounts)
		if err != nil {
			return err
		}
		rewardTokens = sql.NullString{String: tokensJSON, Valid: true}
		rewardAmounts = sql.NullString{String: amountsJSON, Valid: true}
	}
	var finalScore, survival sql.NullFloat64
	var finalLength sql.NullInt64
	if t.Final != nil {
		finalScore = sql.NullFloat64{Float64: t.Final.Score, Valid: true}
		finalLength = sql.NullInt64{Int64: int64(t.Final.Length), Valid: true}
		survival = sql.NullFloat64{Float64: t.Final.SurvivalSeconds, Valid: true}
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE game_sessions SET
	status = ?,
	reward_tokens = COALESCE(?, reward_tokens),
	reward_amounts = COALESCE(?, reward_amounts),
	update_tx_hash = CASE WHEN ? = '' THEN update_tx_hash ELSE ? END,
	final_score = COALESCE(?, final_score),
	final_length = COALESCE(?, final_length),
	survival_time = COALESCE(?, survival_time),
	updated_at = ?
WHERE player_address = ? AND game_id = ? AND status = ?
`,
		string(t.To),
		rewardTokens,
		rewardAmounts,
		t.SettlementRef, t.SettlementRef,
		finalScore,
		finalLength,
		survival,
		s.now().UTC().UnixMilli(),
		account, gameID, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	return s.checkApplied(ctx, result, account, gameID, from)
}

func (s *Store) SaveSnapshot(ctx context.Context, account string, gameID int64, snapshot session.LastSnapshot) error {
	encoded, err := encodeSnapshot(&snapshot)
	if err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE game_sessions SET last_snapshot = ?, updated_at = ?
WHERE player_address = ? AND game_id = ? AND status = ?
`, encoded, s.now().UTC().UnixMilli(), account, gameID, string(session.StatusActive))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return s.checkApplied(ctx, result, account, gameID, session.StatusActive)
}

func (s *Store) NextGameID(ctx context.Context) (int64, error) {
	var highest sql.NullInt64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT MAX(game_id) FROM game_sessions`).Scan(&highest); err != nil {
		return 0, fmt.Errorf("next game id: %w", err)
	}
	return highest.Int64 + 1, nil
}

// checkApplied turns a zero-row conditional update into ErrNotFound or a
// ConflictError carrying the status actually stored.
func (s *Store) checkApplied(ctx context.Context, result sql.Result, account string, gameID int64, expected session.Status) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	current, err := s.Get(ctx, account, gameID)
	if err != nil {
		return err
	}
	return &session.ConflictError{Account: account, GameID: gameID, Expected: expected, Actual: current.Status}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (session.Session, error) {
	var (
		rec           session.Session
		status        string
		snapshot      sql.NullString
		rewardTokens  string
		rewardAmounts string
		finalScore    sql.NullFloat64
		finalLength   sql.NullInt64
		survival      sql.NullFloat64
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(
		&rec.ID,
		&rec.GameID,
		&rec.Account,
		&rec.PlayerName,
		&rec.EntryToken,
		&rec.EntryAmount,
		&rec.EntryTxHash,
		&status,
		&snapshot,
		&rewardTokens,
		&rewardAmounts,
		&rec.SettlementRef,
		&finalScore,
		&finalLength,
		&survival,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("scan session: %w", err)
	}
	if rec.Status, err = session.ParseStatus(status); err != nil {
		return session.Session{}, err
	}
	if snapshot.Valid && snapshot.String != "" {
		var snap session.LastSnapshot
		if err := json.Unmarshal([]byte(snapshot.String), &snap); err != nil {
			return session.Session{}, fmt.Errorf("decode snapshot: %w", err)
		}
		rec.LastSnapshot = &snap
	}
	if err := json.Unmarshal([]byte(rewardTokens), &rec.RewardTokens); err != nil {
		return session.Session{}, fmt.Errorf("decode reward tokens: %w", err)
	}
	if err := json.Unmarshal([]byte(rewardAmounts), &rec.RewardAmounts); err != nil {
		return session.Session{}, fmt.Errorf("decode reward amounts: %w", err)
	}
	if finalScore.Valid {
		rec.Final = &session.Final{
			Score:           finalScore.Float64,
			Length:          int(finalLength.Int64),
			SurvivalSeconds: survival.Float64,
		}
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}

func encodeSnapshot(snapshot *session.LastSnapshot) (sql.NullString, error) {
	if snapshot == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode snapshot: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func encodeRewards(tokens, amounts []string) (string, string, error) {
	if len(tokens) != len(amounts) {
		return "", "", fmt.Errorf("reward tokens and amounts differ in length")
	}
	if tokens == nil {
		tokens, amounts = []string{}, []string{}
	}
	rawTokens, err := json.Marshal(tokens)
	if err != nil {
		return "", "", err
	}
	rawAmounts, err := json.Marshal(amounts)
	if err != nil {
		return "", "", err
	}
	return string(rawTokens), string(rawAmounts), nil
}

func isUniqueViolation(err error) bool {
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint") || strings.Contains(value, "constraint failed")
}

var _ session.Store = (*Store)(nil)
