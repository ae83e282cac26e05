package net

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	nethttp "net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stake-arena/server/internal/ledger"
	"stake-arena/server/internal/net/proto"
	"stake-arena/server/internal/session"
	"stake-arena/server/internal/settlement"
	"stake-arena/server/internal/sim"
	"stake-arena/server/internal/telemetry"
	"stake-arena/server/internal/tokens"
	"stake-arena/server/internal/world"
	"stake-arena/server/logging"
)

const maxBodyBytes = 1 << 16

// Inspector reads the room on the loop goroutine.
type Inspector interface {
	Inspect(ctx context.Context, fn func(*world.World)) error
}

// Sessions is the session read path served over HTTP.
type Sessions interface {
	Enter(ctx context.Context, name, account, txHash string) (session.Session, error)
	NetStake(ctx context.Context, record session.Session) (tokens.Balances, error)
	ActiveSession(ctx context.Context, account string) (session.Session, bool, error)
	PendingClaim(ctx context.Context, account string) (settlement.PendingClaim, bool, error)
}

// Pricer quotes unit prices.
type Pricer interface {
	Quote(ctx context.Context, token string) (float64, error)
}

// DevLedger simulates the on-chain side of entering and claiming.
type DevLedger interface {
	Enter(ctx context.Context, account, token string, amount *big.Int) (string, error)
	Claim(ctx context.Context, account string) (string, ledger.Reward, error)
}

// HTTPHandlerConfig carries the HTTP surface's collaborators. DevLedger
// enables the /api/dev endpoints when set.
type HTTPHandlerConfig struct {
	Logger      telemetry.Logger
	Metrics     *logging.Metrics
	RouterStats func() logging.RouterStats
	TickRate    int
	DevLedger   DevLedger
	Pending     func() int
	Unsettled   func() int
	EnablePprof bool
}

type apiError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type sessionView struct {
	GameID       int64                 `json:"gameId"`
	EntryToken   string                `json:"entryToken,omitempty"`
	EntryAmount  string                `json:"entryAmount,omitempty"`
	LastSnapshot *session.LastSnapshot `json:"lastSnapshot"`
}

type claimView struct {
	GameID        int64    `json:"gameId"`
	FinalScore    float64  `json:"finalScore"`
	RewardTokens  []string `json:"rewardTokens"`
	RewardAmounts []string `json:"rewardAmounts"`
	SurvivalTime  float64  `json:"survivalTime"`
}

// NewHTTPHandler builds the REST API, diagnostics and the websocket endpoint.
func NewHTTPHandler(room Inspector, sessions Sessions, pricer Pricer, wsHandler nethttp.Handler, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		writeJSON(w, nethttp.StatusOK, map[string]string{"status": "ok", "message": "Server is running"})
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var stats world.Stats
		if err := room.Inspect(r.Context(), func(state *world.World) { stats = state.Stats() }); err != nil {
			httpError(w, err.Error(), nethttp.StatusServiceUnavailable)
			return
		}
		payload := struct {
			Status     string               `json:"status"`
			ServerTime int64                `json:"serverTime"`
			TickRate   int                  `json:"tickRate"`
			World      world.Stats          `json:"world"`
			Pending    int                  `json:"pendingCommands"`
			Unsettled  int                  `json:"unsettledSessions"`
			Telemetry  map[string]uint64    `json:"telemetry"`
			Router     *logging.RouterStats `json:"router,omitempty"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			TickRate:   cfg.TickRate,
			World:      stats,
		}
		if cfg.Pending != nil {
			payload.Pending = cfg.Pending()
		}
		if cfg.Unsettled != nil {
			payload.Unsettled = cfg.Unsettled()
		}
		if cfg.Metrics != nil {
			payload.Telemetry = cfg.Metrics.Snapshot()
		}
		if cfg.RouterStats != nil {
			routerStats := cfg.RouterStats()
			payload.Router = &routerStats
		}
		writeJSON(w, nethttp.StatusOK, payload)
	})

	mux.HandleFunc("/api/leaderboard", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		var entries []world.LeaderboardEntry
		if err := room.Inspect(r.Context(), func(state *world.World) {
			entries = state.Leaderboard(state.Config().LeaderboardLimit)
		}); err != nil {
			httpError(w, err.Error(), nethttp.StatusServiceUnavailable)
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{"leaderboard": proto.NewLeaderboard(entries)})
	})

	mux.HandleFunc("/api/game-state", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		var snapshot world.Snapshot
		if err := room.Inspect(r.Context(), func(state *world.World) { snapshot = state.Snapshot() }); err != nil {
			httpError(w, err.Error(), nethttp.StatusServiceUnavailable)
			return
		}
		writeJSON(w, nethttp.StatusOK, proto.NewGameState(snapshot))
	})

	// Accepts /api/price/{token} and the older /api/price/{chainId}/{token}.
	mux.HandleFunc("/api/price/", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/price/"), "/")
		token := rest[strings.LastIndex(rest, "/")+1:]
		address, err := tokens.NormalizeAddress(token)
		if err != nil {
			httpError(w, "invalid token address", nethttp.StatusBadRequest)
			return
		}
		price, err := pricer.Quote(r.Context(), address)
		if err != nil {
			logger.Printf("price lookup for %s failed: %v", address, err)
			httpError(w, "Failed to fetch token price", nethttp.StatusBadGateway)
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{"success": true, "token": address, "price": price})
	})

	mux.HandleFunc("/api/enter-game", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Name          string `json:"name"`
			WalletAddress string `json:"walletAddress"`
			TxHash        string `json:"txHash"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Name == "" || req.WalletAddress == "" || req.TxHash == "" {
			httpError(w, "Missing required fields: name, walletAddress, txHash", nethttp.StatusBadRequest)
			return
		}
		record, err := sessions.Enter(r.Context(), req.Name, req.WalletAddress, req.TxHash)
		if err != nil {
			logger.Printf("enter-game for %s failed: %v", req.WalletAddress, err)
			httpError(w, err.Error(), statusFor(err))
			return
		}
		stake, err := sessions.NetStake(r.Context(), record)
		if err != nil {
			httpError(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{
			"success":   true,
			"txHash":    record.EntryTxHash,
			"gameId":    record.GameID,
			"netAmount": strconv.FormatFloat(stake.Get(record.EntryToken), 'f', -1, 64),
		})
	})

	mux.HandleFunc("/api/check-session", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		account := r.URL.Query().Get("walletAddress")
		if account == "" {
			httpError(w, "Wallet address required", nethttp.StatusBadRequest)
			return
		}
		record, ok, err := sessions.ActiveSession(r.Context(), account)
		if err != nil {
			httpError(w, err.Error(), statusFor(err))
			return
		}
		if !ok {
			writeJSON(w, nethttp.StatusOK, map[string]any{"success": true, "hasActiveSession": false})
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{
			"success":          true,
			"hasActiveSession": true,
			"session": sessionView{
				GameID:       record.GameID,
				EntryToken:   record.EntryToken,
				EntryAmount:  record.EntryAmount,
				LastSnapshot: record.LastSnapshot,
			},
		})
	})

	mux.HandleFunc("/api/rejoin-game", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		var req struct {
			WalletAddress string `json:"walletAddress"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.WalletAddress == "" {
			httpError(w, "Missing required fields", nethttp.StatusBadRequest)
			return
		}
		record, ok, err := sessions.ActiveSession(r.Context(), req.WalletAddress)
		if err != nil {
			httpError(w, err.Error(), statusFor(err))
			return
		}
		if !ok {
			httpError(w, "No active session found", nethttp.StatusBadRequest)
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{
			"success":    true,
			"message":    "Rejoined successfully",
			"playerName": record.PlayerName,
			"session": sessionView{
				GameID:       record.GameID,
				LastSnapshot: record.LastSnapshot,
			},
		})
	})

	mux.HandleFunc("/api/check-pending-claim", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		account := r.URL.Query().Get("walletAddress")
		if account == "" {
			httpError(w, "Wallet address required", nethttp.StatusBadRequest)
			return
		}
		claim, ok, err := sessions.PendingClaim(r.Context(), account)
		if err != nil {
			httpError(w, err.Error(), statusFor(err))
			return
		}
		if !ok {
			writeJSON(w, nethttp.StatusOK, map[string]any{"success": true, "hasPendingClaim": false})
			return
		}
		view := claimView{
			GameID:        claim.Session.GameID,
			RewardTokens:  claim.Session.RewardTokens,
			RewardAmounts: claim.Session.RewardAmounts,
		}
		if final := claim.Session.Final; final != nil {
			view.FinalScore = final.Score
			view.SurvivalTime = final.SurvivalSeconds
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{"success": true, "hasPendingClaim": true, "session": view})
	})

	if cfg.DevLedger != nil {
		registerDevEndpoints(mux, cfg.DevLedger, logger)
	}

	if cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	if wsHandler != nil {
		mux.Handle("/ws", wsHandler)
	}

	return otelhttp.NewHandler(withCORS(mux), "stake-arena",
		otelhttp.WithFilter(func(r *nethttp.Request) bool { return r.URL.Path != "/ws" && r.URL.Path != "/health" }),
	)
}

func registerDevEndpoints(mux *nethttp.ServeMux, dev DevLedger, logger telemetry.Logger) {
	mux.HandleFunc("/api/dev/stake", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		var req struct {
			WalletAddress string  `json:"walletAddress"`
			Token         string  `json:"token"`
			Amount        float64 `json:"amount"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		token := req.Token
		if token == "" {
			token = tokens.Native
		}
		account, err := tokens.NormalizeAddress(req.WalletAddress)
		if err != nil || req.Amount <= 0 {
			httpError(w, "walletAddress and a positive amount are required", nethttp.StatusBadRequest)
			return
		}
		if token, err = tokens.NormalizeAddress(token); err != nil {
			httpError(w, "invalid token address", nethttp.StatusBadRequest)
			return
		}
		txHash, err := dev.Enter(r.Context(), account, token, ledger.ToBaseUnits(req.Amount))
		if err != nil {
			logger.Printf("dev stake for %s failed: %v", account, err)
			httpError(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{"success": true, "txHash": txHash})
	})

	mux.HandleFunc("/api/dev/claim", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		var req struct {
			WalletAddress string `json:"walletAddress"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		txHash, reward, err := dev.Claim(r.Context(), req.WalletAddress)
		if err != nil {
			httpError(w, err.Error(), statusFor(err))
			return
		}
		amounts := make([]string, 0, len(reward.Amounts))
		for _, amount := range reward.Amounts {
			amounts = append(amounts, amount.String())
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{
			"success":       true,
			"txHash":        txHash,
			"rewardTokens":  reward.Tokens,
			"rewardAmounts": amounts,
		})
	})
}

func withCORS(next nethttp.Handler) nethttp.Handler {
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == nethttp.MethodOptions {
			w.WriteHeader(nethttp.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeBody(w nethttp.ResponseWriter, r *nethttp.Request, dst any) bool {
	if r.Body == nil {
		httpError(w, "invalid payload", nethttp.StatusBadRequest)
		return false
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil && err != io.EOF {
		httpError(w, "invalid payload", nethttp.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var conflict *session.ConflictError
	switch {
	case errors.Is(err, world.ErrInvalidInput),
		errors.Is(err, settlement.ErrPlayerMismatch),
		errors.Is(err, settlement.ErrSessionExpired),
		errors.Is(err, ledger.ErrEntryEventMissing),
		errors.Is(err, ledger.ErrTransactionFailed),
		errors.Is(err, ledger.ErrInvalidStatus):
		return nethttp.StatusBadRequest
	case errors.Is(err, ledger.ErrReceiptNotFound),
		errors.Is(err, session.ErrNotFound):
		return nethttp.StatusNotFound
	case errors.Is(err, session.ErrDuplicate), errors.As(err, &conflict):
		return nethttp.StatusConflict
	case errors.Is(err, sim.ErrLoopStopped):
		return nethttp.StatusServiceUnavailable
	default:
		return nethttp.StatusInternalServerError
	}
}

func writeJSON(w nethttp.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	data, _ := json.Marshal(apiError{Success: false, Error: msg})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
