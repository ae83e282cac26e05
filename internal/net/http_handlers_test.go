package net

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"stake-arena/server/internal/ledger"
	"stake-arena/server/internal/session"
	"stake-arena/server/internal/settlement"
	"stake-arena/server/internal/sim"
	"stake-arena/server/internal/tokens"
	"stake-arena/server/internal/world"
	"stake-arena/server/logging"
	"stake-arena/server/logging/sinks"
)

const testAccount = "0x1111111111111111111111111111111111111111"

type directInspector struct {
	world   *world.World
	stopped bool
}

func (d *directInspector) Inspect(ctx context.Context, fn func(*world.World)) error {
	if d.stopped {
		return sim.ErrLoopStopped
	}
	fn(d.world)
	return nil
}

type fakePricer map[string]float64

func (p fakePricer) Quote(ctx context.Context, token string) (float64, error) {
	price, ok := p[token]
	if !ok {
		return 0, errors.New("no price")
	}
	return price, nil
}

type apiFixture struct {
	handler    http.Handler
	room       *directInspector
	ledger     *ledger.Memory
	store      *session.MemoryStore
	reconciler *settlement.Reconciler
	metrics    *logging.Metrics
}

func newAPIFixture(t *testing.T, dev bool) *apiFixture {
	t.Helper()
	store := session.NewMemoryStore()
	client := ledger.NewMemory(ledger.WithGameIDs(store.NextGameID))
	reconciler := settlement.NewReconciler(client, store, sinks.NewMemorySink())
	room := &directInspector{world: world.New(world.DefaultConfig(), world.Deps{
		RNG:       rand.New(rand.NewSource(3)),
		Publisher: sinks.NewMemorySink(),
	})}
	metrics := &logging.Metrics{}
	metrics.TelemetryAdd("sim_ticks_total", 5)

	cfg := HTTPHandlerConfig{Metrics: metrics, TickRate: 30, Pending: func() int { return 2 }, Unsettled: func() int { return 1 }}
	if dev {
		cfg.DevLedger = client
	}
	pricer := fakePricer{tokens.Native: 1}
	return &apiFixture{
		handler:    NewHTTPHandler(room, reconciler, pricer, nil, cfg),
		room:       room,
		ledger:     client,
		store:      store,
		reconciler: reconciler,
		metrics:    metrics,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	resp := httptest.NewRecorder()
	f.handler.ServeHTTP(resp, req)

	var payload map[string]any
	if resp.Body.Len() > 0 {
		if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
			t.Fatalf("failed to decode %s %s response %q: %v", method, path, resp.Body.String(), err)
		}
	}
	return resp.Code, payload
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, false)
	code, payload := f.do(t, http.MethodGet, "/health", nil)
	if code != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("unexpected health response %d %v", code, payload)
	}
}

func TestDiagnosticsReportsWorldAndTelemetry(t *testing.T) {
	f := newAPIFixture(t, false)
	code, payload := f.do(t, http.MethodGet, "/diagnostics", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if payload["tickRate"].(float64) != 30 || payload["pendingCommands"].(float64) != 2 || payload["unsettledSessions"].(float64) != 1 {
		t.Fatalf("unexpected diagnostics %v", payload)
	}
	telemetry := payload["telemetry"].(map[string]any)
	if telemetry["sim_ticks_total"].(float64) != 5 {
		t.Fatalf("expected telemetry snapshot, got %v", telemetry)
	}

	f.room.stopped = true
	if code, _ := f.do(t, http.MethodGet, "/diagnostics", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after loop stop, got %d", code)
	}
}

func TestEnterGameFlow(t *testing.T) {
	f := newAPIFixture(t, true)

	code, staked := f.do(t, http.MethodPost, "/api/dev/stake", map[string]any{"walletAddress": testAccount, "amount": 2})
	if code != http.StatusOK {
		t.Fatalf("dev stake failed: %d %v", code, staked)
	}
	txHash := staked["txHash"].(string)

	code, entered := f.do(t, http.MethodPost, "/api/enter-game", map[string]any{
		"name": "alice", "walletAddress": testAccount, "txHash": txHash,
	})
	if code != http.StatusOK || entered["success"] != true {
		t.Fatalf("enter-game failed: %d %v", code, entered)
	}
	if entered["gameId"].(float64) != 1 || entered["netAmount"] != "1.9" {
		t.Fatalf("unexpected enter-game response %v", entered)
	}

	code, again := f.do(t, http.MethodPost, "/api/enter-game", map[string]any{
		"name": "alice", "walletAddress": testAccount, "txHash": txHash,
	})
	if code != http.StatusConflict || again["success"] != false {
		t.Fatalf("expected duplicate entry to conflict, got %d %v", code, again)
	}

	_, pending := f.do(t, http.MethodGet, "/api/check-session?walletAddress="+testAccount, nil)
	if pending["hasActiveSession"] != false {
		t.Fatalf("pending session should not be resumable yet: %v", pending)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/rejoin-game", map[string]any{"walletAddress": testAccount}); code != http.StatusBadRequest {
		t.Fatalf("expected rejoin without active session to fail, got %d", code)
	}

	if _, err := f.reconciler.Admit(context.Background(), testAccount); err != nil {
		t.Fatalf("admit: %v", err)
	}

	_, active := f.do(t, http.MethodGet, "/api/check-session?walletAddress="+testAccount, nil)
	if active["hasActiveSession"] != true {
		t.Fatalf("expected active session, got %v", active)
	}
	view := active["session"].(map[string]any)
	if view["entryAmount"] != "2000000000000000000" || view["gameId"].(float64) != 1 {
		t.Fatalf("unexpected session view %v", view)
	}

	code, rejoined := f.do(t, http.MethodPost, "/api/rejoin-game", map[string]any{"walletAddress": testAccount})
	if code != http.StatusOK || rejoined["playerName"] != "alice" {
		t.Fatalf("unexpected rejoin response %d %v", code, rejoined)
	}
}

func TestEnterGameValidation(t *testing.T) {
	f := newAPIFixture(t, false)

	code, payload := f.do(t, http.MethodPost, "/api/enter-game", map[string]any{"name": "alice"})
	if code != http.StatusBadRequest || payload["success"] != false || payload["error"] == "" {
		t.Fatalf("expected missing fields error, got %d %v", code, payload)
	}

	code, _ = f.do(t, http.MethodPost, "/api/enter-game", map[string]any{
		"name": "alice", "walletAddress": testAccount, "txHash": "0xmissing",
	})
	if code != http.StatusNotFound {
		t.Fatalf("expected unknown receipt to be 404, got %d", code)
	}

	if code, _ := f.do(t, http.MethodGet, "/api/enter-game", nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/check-session", nil); code != http.StatusBadRequest {
		t.Fatalf("expected missing wallet to be 400, got %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/check-session?walletAddress=nope", nil); code != http.StatusBadRequest {
		t.Fatalf("expected invalid wallet to be 400, got %d", code)
	}
}

func TestPendingClaimLifecycle(t *testing.T) {
	f := newAPIFixture(t, true)
	ctx := context.Background()

	hash, err := f.ledger.Enter(ctx, testAccount, tokens.Native, ledger.ToBaseUnits(2))
	if err != nil {
		t.Fatalf("ledger enter: %v", err)
	}
	record, err := f.reconciler.Enter(ctx, "alice", testAccount, hash)
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if _, err := f.reconciler.Admit(ctx, testAccount); err != nil {
		t.Fatalf("admit: %v", err)
	}
	reward := ledger.ToBaseUnits(1.5)
	if _, err := f.ledger.UpdateStatus(ctx, testAccount, ledger.StatusExited, []string{tokens.Native}, []*big.Int{reward}); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := f.store.Transition(ctx, testAccount, record.GameID, session.StatusActive, session.Transition{
		To:            session.StatusExited,
		RewardTokens:  []string{tokens.Native},
		RewardAmounts: []string{reward.String()},
		Final:         &session.Final{Score: 1.5, Length: 16, SurvivalSeconds: 42},
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	_, pending := f.do(t, http.MethodGet, "/api/check-pending-claim?walletAddress="+testAccount, nil)
	if pending["hasPendingClaim"] != true {
		t.Fatalf("expected pending claim, got %v", pending)
	}
	view := pending["session"].(map[string]any)
	if view["finalScore"].(float64) != 1.5 || view["survivalTime"].(float64) != 42 {
		t.Fatalf("unexpected claim view %v", view)
	}

	code, claimed := f.do(t, http.MethodPost, "/api/dev/claim", map[string]any{"walletAddress": testAccount})
	if code != http.StatusOK {
		t.Fatalf("dev claim failed: %d %v", code, claimed)
	}
	amounts := claimed["rewardAmounts"].([]any)
	if len(amounts) != 1 || amounts[0] != reward.String() {
		t.Fatalf("unexpected claimed reward %v", claimed)
	}

	_, after := f.do(t, http.MethodGet, "/api/check-pending-claim?walletAddress="+testAccount, nil)
	if after["hasPendingClaim"] != false {
		t.Fatalf("expected claim to be gone, got %v", after)
	}
	stored, err := f.store.Get(ctx, testAccount, record.GameID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != session.StatusClaimed {
		t.Fatalf("expected store to be corrected to CLAIMED, got %s", stored.Status)
	}

	if code, _ := f.do(t, http.MethodPost, "/api/dev/claim", map[string]any{"walletAddress": testAccount}); code != http.StatusBadRequest {
		t.Fatalf("expected second claim to fail with 400, got %d", code)
	}
}

func TestRoomEndpoints(t *testing.T) {
	f := newAPIFixture(t, false)
	if _, err := f.room.world.Join(context.Background(), world.JoinRequest{
		Conn: "conn-a", Name: "alice", Account: testAccount, GameID: 1, Stake: tokens.Single(tokens.Native, 1),
	}); err != nil {
		t.Fatalf("join: %v", err)
	}

	code, board := f.do(t, http.MethodGet, "/api/leaderboard", nil)
	if code != http.StatusOK {
		t.Fatalf("leaderboard failed: %d", code)
	}
	entries := board["leaderboard"].([]any)
	if len(entries) != 1 || entries[0].(map[string]any)["name"] != "alice" {
		t.Fatalf("unexpected leaderboard %v", board)
	}

	code, state := f.do(t, http.MethodGet, "/api/game-state", nil)
	if code != http.StatusOK || state["type"] != "game-state" {
		t.Fatalf("unexpected game state %d %v", code, state)
	}
	if foods := state["foods"].([]any); len(foods) != 10 {
		t.Fatalf("expected 10 particles for a stake of 1, got %d", len(foods))
	}
}

func TestPriceEndpoint(t *testing.T) {
	f := newAPIFixture(t, false)

	code, payload := f.do(t, http.MethodGet, "/api/price/"+tokens.Native, nil)
	if code != http.StatusOK || payload["price"].(float64) != 1 {
		t.Fatalf("unexpected price response %d %v", code, payload)
	}
	code, payload = f.do(t, http.MethodGet, fmt.Sprintf("/api/price/4352/%s", tokens.Native), nil)
	if code != http.StatusOK || payload["token"] != tokens.Native {
		t.Fatalf("expected chain-scoped path to resolve, got %d %v", code, payload)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/price/not-a-token", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid token, got %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/price/0x2222222222222222222222222222222222222222", nil); code != http.StatusBadGateway {
		t.Fatalf("expected 502 for unpriced token, got %d", code)
	}
}

func TestDevEndpointsRequireOptIn(t *testing.T) {
	f := newAPIFixture(t, false)
	req := httptest.NewRequest(http.MethodPost, "/api/dev/stake", bytes.NewReader([]byte(`{}`)))
	resp := httptest.NewRecorder()
	f.handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected dev endpoints to be absent, got %d", resp.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t, false)
	req := httptest.NewRequest(http.MethodOptions, "/api/enter-game", nil)
	resp := httptest.NewRecorder()
	f.handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if origin := resp.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("expected wildcard origin, got %q", origin)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", world.ErrInvalidInput), http.StatusBadRequest},
		{settlement.ErrPlayerMismatch, http.StatusBadRequest},
		{ledger.ErrReceiptNotFound, http.StatusNotFound},
		{session.ErrDuplicate, http.StatusConflict},
		{&session.ConflictError{Expected: session.StatusActive, Actual: session.StatusDead}, http.StatusConflict},
		{sim.ErrLoopStopped, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
